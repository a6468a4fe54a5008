// Package funding tracks per-owner prepaid keeper-fee balances and the
// reservations that keep open orders collectible.
package funding

import (
	"math/big"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/kestrelfi/limit-keeper/internal/config"
	"github.com/kestrelfi/limit-keeper/internal/pool"
	"github.com/kestrelfi/limit-keeper/internal/types"
	"github.com/kestrelfi/limit-keeper/pkg/response"
)

const feeDenominator = 100000

// Service owns the funding ledger. Balance/Reserved mutations happen as a
// read-modify-write inside one transaction per owner row; cross-owner
// locking is unnecessary since accounts are independent.
type Service struct {
	db       *Database
	transfer pool.AssetTransfer

	feeToken      string
	feeRecipient  string
	targetGasUsed uint64
	protocolFee   uint64
	gasPriceWei   atomic.Uint64
}

func NewService(gormDB *gorm.DB, transfer pool.AssetTransfer, cfg *config.Config) *Service {
	s := &Service{
		db:            NewDatabase(gormDB),
		transfer:      transfer,
		feeToken:      cfg.FeeToken,
		feeRecipient:  cfg.FeeRecipient,
		targetGasUsed: cfg.TargetGasUsed,
		protocolFee:   cfg.ProtocolFee,
	}
	s.gasPriceWei.Store(cfg.GasPriceWei)
	return s
}

// SetGasPrice updates the gas price used for fee estimates. A rising
// price can push owners into the underfunded state.
func (s *Service) SetGasPrice(wei uint64) {
	s.gasPriceWei.Store(wei)
}

// GasPrice returns the current fee-estimate gas price.
func (s *Service) GasPrice() *big.Int {
	return new(big.Int).SetUint64(s.gasPriceWei.Load())
}

// EstimateOrderFee is the projected keeper cost of one order:
// gasPrice * targetGasUsed scaled up by the protocol fee.
func (s *Service) EstimateOrderFee() *big.Int {
	fee := new(big.Int).SetUint64(s.targetGasUsed)
	fee.Mul(fee, s.GasPrice())
	fee.Mul(fee, big.NewInt(feeDenominator+int64(s.protocolFee)))
	return fee.Div(fee, big.NewInt(feeDenominator))
}

// AddFunding pulls fee tokens from the owner and credits the balance.
func (s *Service) AddFunding(owner string, amount *big.Int) (*types.FundingAccount, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, types.Validationf("funding amount must be positive")
	}
	if err := s.transfer.TransferIn(s.feeToken, owner, amount); err != nil {
		return nil, types.ExternalCall("fee token transfer failed", err)
	}

	var account *types.FundingAccount
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.db.GetAccount(tx, owner)
		if err != nil {
			return err
		}
		account.Balance.Add(&account.Balance.Int, amount)
		return s.db.SaveAccount(tx, account)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("owner", owner).
		Str("amount", amount.String()).
		Str("balance", account.Balance.String()).
		Msg("funding added")
	return account, nil
}

// Withdraw releases unreserved balance back to the owner.
func (s *Service) Withdraw(owner string, amount *big.Int) (*types.FundingAccount, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, types.Validationf("withdraw amount must be positive")
	}

	var account *types.FundingAccount
	err := s.db.DB().Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.db.GetAccount(tx, owner)
		if err != nil {
			return err
		}
		available := new(big.Int).Sub(&account.Balance.Int, &account.Reserved.Int)
		if available.Cmp(amount) < 0 {
			return types.Fundingf("withdraw of %s exceeds unreserved balance %s", amount, available)
		}
		account.Balance.Sub(&account.Balance.Int, amount)
		return s.db.SaveAccount(tx, account)
	})
	if err != nil {
		return nil, err
	}

	if err := s.transfer.TransferOut(s.feeToken, owner, amount); err != nil {
		return nil, types.ExternalCall("fee token transfer failed", err)
	}
	return account, nil
}

// ReserveTx earmarks the current per-order fee estimate against the
// owner's balance inside the caller's transaction. Fails with a funding
// error when the projected reserve would exceed the balance.
func (s *Service) ReserveTx(tx *gorm.DB, owner string) (*big.Int, error) {
	estimate := s.EstimateOrderFee()
	account, err := s.db.GetAccount(tx, owner)
	if err != nil {
		return nil, err
	}
	projected := new(big.Int).Add(&account.Reserved.Int, estimate)
	if projected.Cmp(&account.Balance.Int) > 0 {
		return nil, types.Fundingf("projected reserve %s exceeds balance %s", projected, &account.Balance.Int)
	}
	account.Reserved = types.NewBigInt(projected)
	if err := s.db.SaveAccount(tx, account); err != nil {
		return nil, err
	}
	return estimate, nil
}

// ReleaseTx returns a previously reserved amount inside the caller's
// transaction.
func (s *Service) ReleaseTx(tx *gorm.DB, owner string, amount *big.Int) error {
	account, err := s.db.GetAccount(tx, owner)
	if err != nil {
		return err
	}
	reserved := new(big.Int).Sub(&account.Reserved.Int, amount)
	if reserved.Sign() < 0 {
		reserved.SetInt64(0)
	}
	account.Reserved = types.NewBigInt(reserved)
	return s.db.SaveAccount(tx, account)
}

// DeductTx takes a fee payment out of the owner's balance and releases the
// matching reservation, inside the caller's transaction. The collected fee
// is forwarded to the fee recipient after commit by the caller.
func (s *Service) DeductTx(tx *gorm.DB, owner string, fee, reservation *big.Int) error {
	account, err := s.db.GetAccount(tx, owner)
	if err != nil {
		return err
	}
	if account.Balance.Cmp(fee) < 0 {
		return types.Fundingf("fee payment %s exceeds balance %s", fee, &account.Balance.Int)
	}
	account.Balance.Sub(&account.Balance.Int, fee)
	reserved := new(big.Int).Sub(&account.Reserved.Int, reservation)
	if reserved.Sign() < 0 {
		reserved.SetInt64(0)
	}
	// A fee share above the place-time reservation must not leave the
	// remaining reservations over the balance. Reserved is clamped and
	// the shortfall surfaces through IsUnderfunded.
	if reserved.Cmp(&account.Balance.Int) > 0 {
		reserved.Set(&account.Balance.Int)
	}
	account.Reserved = types.NewBigInt(reserved)
	return s.db.SaveAccount(tx, account)
}

// ForwardFee pays a collected fee to the configured recipient.
func (s *Service) ForwardFee(fee *big.Int) error {
	if err := s.transfer.TransferOut(s.feeToken, s.feeRecipient, fee); err != nil {
		return types.ExternalCall("fee forwarding failed", err)
	}
	return nil
}

// IsUnderfunded reports whether the owner's balance no longer covers the
// projected keeper cost of their open orders at the current gas price,
// and the shortfall when it does not. An underfunded owner's orders may
// be cancelled by anyone.
func (s *Service) IsUnderfunded(owner string) (bool, *big.Int, error) {
	return s.IsUnderfundedTx(s.db.DB(), owner)
}

// IsUnderfundedTx is IsUnderfunded evaluated against the caller's
// transaction handle.
func (s *Service) IsUnderfundedTx(tx *gorm.DB, owner string) (bool, *big.Int, error) {
	account, err := s.db.GetAccount(tx, owner)
	if err != nil {
		return false, nil, err
	}
	count, err := s.db.CountOpenOrders(tx, owner)
	if err != nil {
		return false, nil, err
	}
	required := new(big.Int).Mul(s.EstimateOrderFee(), big.NewInt(count))
	if account.Balance.Cmp(required) >= 0 {
		return false, new(big.Int), nil
	}
	return true, new(big.Int).Sub(required, &account.Balance.Int), nil
}

// Account returns the owner's ledger row (zeroed when absent).
func (s *Service) Account(owner string) (*types.FundingAccount, error) {
	return s.db.GetAccount(s.db.DB(), owner)
}

// QuoteFee renders the projected keeper fee for n orders in fee-token
// units (18 decimals).
func (s *Service) QuoteFee(n int) decimal.Decimal {
	total := new(big.Int).Mul(s.EstimateOrderFee(), big.NewInt(int64(n)))
	return decimal.NewFromBigInt(total, -18)
}

// GinHandlers contains HTTP handlers for funding endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type fundingRequest struct {
	Amount types.BigInt `json:"amount" binding:"required"`
}

// AddFundingHandler handles POST requests to top up the caller's balance.
func (h *GinHandlers) AddFundingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetString("clientID")
		var req fundingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		account, err := h.service.AddFunding(owner, req.Amount.Big())
		response.Handle(c, account, err)
	}
}

// WithdrawFundingHandler handles POST requests to withdraw unreserved
// balance.
func (h *GinHandlers) WithdrawFundingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetString("clientID")
		var req fundingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		account, err := h.service.Withdraw(owner, req.Amount.Big())
		response.Handle(c, account, err)
	}
}

// GetFundingHandler reports the caller's balance, reservation and
// underfunding state.
func (h *GinHandlers) GetFundingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetString("clientID")
		account, err := h.service.Account(owner)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		underfunded, shortfall, err := h.service.IsUnderfunded(owner)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{
			"account":         account,
			"underfunded":     underfunded,
			"shortfall":       shortfall.String(),
			"order_fee_quote": h.service.QuoteFee(1),
			"gas_price_wei":   h.service.GasPrice().String(),
		})
	}
}
