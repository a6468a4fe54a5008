// Package orders implements the per-order state machine: placement,
// cancellation, keeper transitions and claims.
package orders

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/kestrelfi/limit-keeper/internal/funding"
	"github.com/kestrelfi/limit-keeper/internal/pool"
	"github.com/kestrelfi/limit-keeper/internal/tickmath"
	"github.com/kestrelfi/limit-keeper/internal/types"
	"github.com/kestrelfi/limit-keeper/pkg/response"
)

// Service handles order lifecycle operations.
type Service struct {
	db        *Database
	funding   *funding.Service
	positions pool.PositionManager
	transfer  pool.AssetTransfer
}

func NewService(gormDB *gorm.DB, fundingService *funding.Service, positions pool.PositionManager, transfer pool.AssetTransfer) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		funding:   fundingService,
		positions: positions,
		transfer:  transfer,
	}
}

// PlaceRequest carries the caller's raw order parameters; tokens need not
// be in canonical order.
type PlaceRequest struct {
	TokenA             string       `json:"token_a" binding:"required"`
	TokenB             string       `json:"token_b" binding:"required"`
	AmountA            types.BigInt `json:"amount_a"`
	AmountB            types.BigInt `json:"amount_b"`
	FeeTier            uint32       `json:"fee_tier" binding:"required"`
	TargetSqrtPriceX96 types.BigInt `json:"target_sqrt_price_x96" binding:"required"`
}

// Place validates and canonicalises the request, reserves the keeper fee,
// escrows the deposit, mints the pool position and creates the order.
// All-or-nothing: any failure leaves no state behind.
func (s *Service) Place(owner string, req *PlaceRequest) (*types.Order, error) {
	if !common.IsHexAddress(owner) {
		return nil, types.Validationf("owner %q is not a valid address", owner)
	}
	if !common.IsHexAddress(req.TokenA) || !common.IsHexAddress(req.TokenB) {
		return nil, types.Validationf("token identifiers must be addresses")
	}

	token0 := strings.ToLower(common.HexToAddress(req.TokenA).Hex())
	token1 := strings.ToLower(common.HexToAddress(req.TokenB).Hex())
	if token0 == token1 {
		return nil, types.Validationf("token pair must be two distinct tokens")
	}
	amount0 := req.AmountA.Big()
	amount1 := req.AmountB.Big()
	if amount0.Sign() < 0 || amount1.Sign() < 0 {
		return nil, types.Validationf("amounts must not be negative")
	}
	if amount0.Sign() == 0 && amount1.Sign() == 0 {
		return nil, types.Validationf("at least one amount must be nonzero")
	}

	target := req.TargetSqrtPriceX96.Big()

	// Canonical ordering: lower address first. Swapping the pair inverts
	// the price ratio, so amounts swap and the target takes its
	// reciprocal.
	if token0 > token1 {
		token0, token1 = token1, token0
		amount0, amount1 = amount1, amount0
		inverted, err := tickmath.InvertSqrtPriceX96(target)
		if err != nil {
			return nil, types.Validationf("invalid target price: %v", err)
		}
		target = inverted
	}

	targetTick, err := tickmath.SqrtPriceX96ToTick(target)
	if err != nil {
		return nil, types.Validationf("invalid target price: %v", err)
	}
	spacing := tickmath.TickSpacing(req.FeeTier)
	if spacing == 0 {
		return nil, types.Validationf("unknown fee tier %d", req.FeeTier)
	}
	tickLower, tickUpper := tickmath.TickRange(targetTick, spacing)

	order := &types.Order{
		Owner:              strings.ToLower(common.HexToAddress(owner).Hex()),
		Token0:             token0,
		Token1:             token1,
		Amount0:            types.NewBigInt(amount0),
		Amount1:            types.NewBigInt(amount1),
		FeeTier:            req.FeeTier,
		TargetSqrtPriceX96: types.NewBigInt(target),
		TickLower:          tickLower,
		TickUpper:          tickUpper,
		ZeroForOne:         amount0.Sign() > 0,
		Status:             types.OrderStatusOpen,
	}

	err = s.db.DB().Transaction(func(tx *gorm.DB) error {
		reserved, err := s.funding.ReserveTx(tx, order.Owner)
		if err != nil {
			return err
		}
		order.ReservedFee = types.NewBigInt(reserved)

		if err := s.transfer.TransferIn(token0, order.Owner, amount0); err != nil {
			return types.ExternalCall("escrow of token0 failed", err)
		}
		if err := s.transfer.TransferIn(token1, order.Owner, amount1); err != nil {
			// Undo the half-done escrow before rolling back.
			_ = s.transfer.TransferOut(token0, order.Owner, amount0)
			return types.ExternalCall("escrow of token1 failed", err)
		}

		positionID, err := s.positions.MintPosition(token0, token1, req.FeeTier, tickLower, tickUpper, amount0, amount1)
		if err != nil {
			_ = s.transfer.TransferOut(token0, order.Owner, amount0)
			_ = s.transfer.TransferOut(token1, order.Owner, amount1)
			return types.ExternalCall("position mint failed", err)
		}
		order.PositionID = positionID

		if err := s.db.CreateOrder(tx, order); err != nil {
			// The mint already went through; burn the position and
			// return the escrow before rolling back.
			if a0, a1, cerr := s.positions.Collect(positionID); cerr == nil {
				_ = s.transfer.TransferOut(token0, order.Owner, a0)
				_ = s.transfer.TransferOut(token1, order.Owner, a1)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Uint64("order_id", order.ID).
		Str("owner", order.Owner).
		Str("token0", token0).
		Str("token1", token1).
		Int32("tick_lower", tickLower).
		Int32("tick_upper", tickUpper).
		Bool("zero_for_one", order.ZeroForOne).
		Msg("order placed")
	return order, nil
}

// Cancel closes an open order. The owner may always cancel; anyone else
// may cancel only while the owner is underfunded, which protects keepers
// from unpaid work. Escrow returns to the owner either way.
func (s *Service) Cancel(orderID uint64, caller string) (*types.Order, error) {
	caller = strings.ToLower(common.HexToAddress(caller).Hex())

	var order *types.Order
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.db.GetOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return types.NotFoundf("order %d not found", orderID)
		}
		if order.Status != types.OrderStatusOpen {
			return types.Statef("order %d is %s, only open orders can be cancelled", orderID, order.Status)
		}
		if caller != order.Owner {
			underfunded, _, err := s.funding.IsUnderfundedTx(tx, order.Owner)
			if err != nil {
				return err
			}
			if !underfunded {
				return types.Authf("caller %s is not the owner and owner is not underfunded", caller)
			}
		}

		amount0, amount1, err := s.positions.Collect(order.PositionID)
		if err != nil {
			return types.ExternalCall("position withdraw failed", err)
		}
		if err := s.transfer.TransferOut(order.Token0, order.Owner, amount0); err != nil {
			return types.ExternalCall("escrow return failed", err)
		}
		if err := s.transfer.TransferOut(order.Token1, order.Owner, amount1); err != nil {
			return types.ExternalCall("escrow return failed", err)
		}

		if err := s.funding.ReleaseTx(tx, order.Owner, order.ReservedFee.Big()); err != nil {
			return err
		}
		order.Status = types.OrderStatusCancelled
		return s.db.SaveOrder(tx, order)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Uint64("order_id", orderID).
		Str("caller", caller).
		Msg("order cancelled")
	return order, nil
}

// MarkTriggeredTx advances an open order to triggered inside the
// scheduler's transaction. A status guard makes racing cancellations fail
// cleanly instead of corrupting state.
func (s *Service) MarkTriggeredTx(tx *gorm.DB, orderID uint64) (*types.Order, error) {
	order, err := s.db.GetOrder(tx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.NotFoundf("order %d not found", orderID)
	}
	if order.Status != types.OrderStatusOpen {
		return nil, types.Statef("order %d is %s, expected open", orderID, order.Status)
	}
	order.Status = types.OrderStatusTriggered
	if err := s.db.SaveOrder(tx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// MarkProcessedTx records a settled order inside the settlement engine's
// transaction.
func (s *Service) MarkProcessedTx(tx *gorm.DB, orderID uint64, batchID string, amount0Out, amount1Out *big.Int) error {
	order, err := s.db.GetOrder(tx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return types.NotFoundf("order %d not found", orderID)
	}
	if order.Status != types.OrderStatusTriggered {
		return types.Statef("order %d is %s, expected triggered", orderID, order.Status)
	}
	now := time.Now()
	order.Status = types.OrderStatusProcessed
	order.BatchID = &batchID
	order.Amount0Out = types.NewBigInt(amount0Out)
	order.Amount1Out = types.NewBigInt(amount1Out)
	order.ProcessedAt = &now
	return s.db.SaveOrder(tx, order)
}

// Claim pays out a processed order to its owner against the batch's
// per-order fee share.
func (s *Service) Claim(orderID uint64, caller string) (*types.Order, error) {
	caller = strings.ToLower(common.HexToAddress(caller).Hex())

	var order *types.Order
	var feeShare *big.Int
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.db.GetOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return types.NotFoundf("order %d not found", orderID)
		}
		if order.Status != types.OrderStatusProcessed {
			return types.Statef("order %d is %s, only processed orders can be claimed", orderID, order.Status)
		}
		if caller != order.Owner {
			return types.Authf("only the owner may claim order %d", orderID)
		}
		if order.BatchID == nil {
			return types.Statef("order %d has no settlement batch", orderID)
		}
		batch, err := s.db.GetBatch(tx, *order.BatchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return types.Statef("batch %s not found for order %d", *order.BatchID, orderID)
		}

		feeShare = PerOrderShare(batch)
		if err := s.funding.DeductTx(tx, order.Owner, feeShare, order.ReservedFee.Big()); err != nil {
			return err
		}

		if err := s.transfer.TransferOut(order.Token0, order.Owner, order.Amount0Out.Big()); err != nil {
			return types.ExternalCall("payout failed", err)
		}
		if err := s.transfer.TransferOut(order.Token1, order.Owner, order.Amount1Out.Big()); err != nil {
			return types.ExternalCall("payout failed", err)
		}

		order.Status = types.OrderStatusClaimed
		return s.db.SaveOrder(tx, order)
	})
	if err != nil {
		return nil, err
	}

	if err := s.funding.ForwardFee(feeShare); err != nil {
		log.Error().Err(err).Uint64("order_id", orderID).Msg("fee forwarding failed after claim")
	}

	log.Info().
		Uint64("order_id", orderID).
		Str("fee_share", feeShare.String()).
		Msg("order claimed")
	return order, nil
}

// PerOrderShare is the equal ceiling split of a batch payment. Computed
// from immutable batch fields, so it never changes after batch creation.
func PerOrderShare(batch *types.Batch) *big.Int {
	if batch.OrderCount <= 0 {
		return new(big.Int)
	}
	n := big.NewInt(int64(batch.OrderCount))
	share := new(big.Int).Add(&batch.Payment.Int, new(big.Int).Sub(n, big.NewInt(1)))
	return share.Div(share, n)
}

// GetOrder retrieves one order.
func (s *Service) GetOrder(orderID uint64) (*types.Order, error) {
	order, err := s.db.GetOrder(s.db.DB(), orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.NotFoundf("order %d not found", orderID)
	}
	return order, nil
}

// OrderView is an order plus its decoded position range prices, the shape
// served by the stats endpoints.
type OrderView struct {
	types.Order
	LowerPrice decimal.Decimal `json:"lower_price"`
	UpperPrice decimal.Decimal `json:"upper_price"`
}

// ListOrders returns all of an owner's orders with display prices.
func (s *Service) ListOrders(owner string) ([]OrderView, error) {
	owner = strings.ToLower(common.HexToAddress(owner).Hex())
	list, err := s.db.ListOrdersByOwner(owner)
	if err != nil {
		return nil, err
	}
	views := make([]OrderView, 0, len(list))
	for _, o := range list {
		v := OrderView{Order: o}
		if lower, err := tickmath.TickToSqrtPriceX96(o.TickLower); err == nil {
			v.LowerPrice = tickmath.PriceFromSqrtX96(lower, 18, 18)
		}
		if upper, err := tickmath.TickToSqrtPriceX96(o.TickUpper); err == nil {
			v.UpperPrice = tickmath.PriceFromSqrtX96(upper, 18, 18)
		}
		views = append(views, v)
	}
	return views, nil
}

// GinHandlers contains HTTP handlers for order endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// PlaceOrderHandler handles POST requests to place limit orders.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetString("clientID")
		var req PlaceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		order, err := h.service.Place(owner, &req)
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles DELETE requests to cancel orders. Any
// authenticated caller may hit it; non-owners succeed only against
// underfunded owners.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("clientID")
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid order ID")
			return
		}
		order, err := h.service.Cancel(orderID, caller)
		response.Handle(c, order, err)
	}
}

// ClaimOrderHandler handles POST requests to claim processed orders.
func (h *GinHandlers) ClaimOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("clientID")
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid order ID")
			return
		}
		order, err := h.service.Claim(orderID, caller)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler returns one of the caller's orders.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := strings.ToLower(common.HexToAddress(c.GetString("clientID")).Hex())
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid order ID")
			return
		}
		order, err := h.service.GetOrder(orderID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if order.Owner != caller {
			response.NotFound(c, "order not found")
			return
		}
		response.Success(c, order)
	}
}

// ListOrdersHandler returns all of the caller's orders.
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := h.service.ListOrders(c.GetString("clientID"))
		response.Handle(c, views, err)
	}
}
