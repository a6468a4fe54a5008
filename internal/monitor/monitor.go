// Package monitor implements the upkeep scheduler: a bounded round-robin
// scan over open orders that selects triggered candidates into batches for
// the settlement engine.
package monitor

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/kestrelfi/limit-keeper/internal/config"
	"github.com/kestrelfi/limit-keeper/internal/funding"
	"github.com/kestrelfi/limit-keeper/internal/orders"
	"github.com/kestrelfi/limit-keeper/internal/pool"
	"github.com/kestrelfi/limit-keeper/internal/settlement"
	"github.com/kestrelfi/limit-keeper/internal/tickmath"
	"github.com/kestrelfi/limit-keeper/internal/types"
	"github.com/kestrelfi/limit-keeper/pkg/response"
)

// PerformPayload is the opaque work description handed from CheckUpkeep
// to PerformUpkeep. Carrying the cursor in the payload lets perform
// advance the round-robin position the check actually scanned to.
type PerformPayload struct {
	OrderIDs []uint64 `json:"order_ids"`
	Cursor   uint64   `json:"cursor"`
}

// Service decides when upkeep is due and what work it contains. Scan cost
// per invocation is bounded by monitorSize regardless of the total order
// count; batches are capped at maxBatchSize.
type Service struct {
	db        *Database
	ordersDB  *orders.Database
	orders    *orders.Service
	positions pool.PositionManager
	engine    *settlement.Engine
	funding   *funding.Service

	mu             sync.Mutex
	maxBatchSize   int
	monitorSize    int
	upkeepInterval time.Duration
}

func NewService(gormDB *gorm.DB, orderService *orders.Service, positions pool.PositionManager, engine *settlement.Engine, fundingService *funding.Service, cfg *config.Config) *Service {
	return &Service{
		db:             NewDatabase(gormDB),
		ordersDB:       orders.NewDatabase(gormDB),
		orders:         orderService,
		positions:      positions,
		engine:         engine,
		funding:        fundingService,
		maxBatchSize:   cfg.MaxBatchSize,
		monitorSize:    cfg.MonitorSize,
		upkeepInterval: cfg.UpkeepInterval,
	}
}

// SetParams adjusts the scheduler's knobs at runtime. Zero values leave
// the current setting untouched.
func (s *Service) SetParams(maxBatchSize, monitorSize int, upkeepInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxBatchSize > 0 {
		s.maxBatchSize = maxBatchSize
	}
	if monitorSize > 0 {
		s.monitorSize = monitorSize
	}
	if upkeepInterval > 0 {
		s.upkeepInterval = upkeepInterval
	}
}

func (s *Service) params() (int, int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBatchSize, s.monitorSize, s.upkeepInterval
}

// CheckUpkeep reports whether settlement work is available. It gates on
// the configured interval since the last upkeep, then scans a bounded
// window of open orders from the persisted cursor, wrapping around so no
// high-ID order is starved. Orders left triggered by a failed settlement
// are re-offered first.
func (s *Service) CheckUpkeep() (bool, *PerformPayload, error) {
	maxBatchSize, monitorSize, interval := s.params()

	state, err := s.db.GetState()
	if err != nil {
		return false, nil, err
	}
	if time.Since(state.LastUpkeepAt) < interval {
		return false, nil, nil
	}

	selected := make([]uint64, 0, maxBatchSize)

	// Retries first: these were already seen to have crossed.
	stale, err := s.db.ListTriggeredOrders(maxBatchSize)
	if err != nil {
		return false, nil, err
	}
	for _, o := range stale {
		selected = append(selected, o.ID)
	}

	window, cursor, err := s.scanWindow(state.Cursor, monitorSize)
	if err != nil {
		return false, nil, err
	}

	logger := log.With().Str("service", "monitor").Logger()
	for _, order := range window {
		if len(selected) >= maxBatchSize {
			break
		}
		crossed, err := s.hasCrossed(&order)
		if err != nil {
			logger.Warn().Err(err).Uint64("order_id", order.ID).Msg("price lookup failed, skipping order")
			continue
		}
		if crossed {
			selected = append(selected, order.ID)
		}
	}

	if len(selected) == 0 {
		// Still advance the cursor so the next scan covers fresh ground.
		if err := s.db.Advance(cursor); err != nil {
			return false, nil, err
		}
		return false, nil, nil
	}

	logger.Info().
		Int("selected", len(selected)).
		Int("scanned", len(window)).
		Uint64("cursor", cursor).
		Msg("upkeep needed")
	return true, &PerformPayload{OrderIDs: selected, Cursor: cursor}, nil
}

// scanWindow returns up to limit open orders after cursor in round-robin
// order, and the cursor value the scan ended at.
func (s *Service) scanWindow(cursor uint64, limit int) ([]types.Order, uint64, error) {
	window, err := s.ordersDB.ListOpenOrdersAfter(cursor, limit)
	if err != nil {
		return nil, 0, err
	}
	if len(window) < limit && cursor > 0 {
		wrap, err := s.ordersDB.ListOpenOrdersAfter(0, limit-len(window))
		if err != nil {
			return nil, 0, err
		}
		for _, o := range wrap {
			if o.ID > cursor {
				break
			}
			window = append(window, o)
		}
	}
	next := cursor
	if len(window) > 0 {
		next = window[len(window)-1].ID
	} else {
		next = 0
	}
	return window, next, nil
}

// hasCrossed checks the order's pool price against the far boundary of
// its tick range in the order's intended direction: a token0 deposit
// sells as the price rises, a token1 deposit buys as it falls. The gate
// is the range boundary rather than the raw target because the position
// only converts fully once the price exits the range; triggering inside
// it would settle an unexecuted trade.
func (s *Service) hasCrossed(order *types.Order) (bool, error) {
	price, err := s.positions.CurrentSqrtPriceX96(order.Token0, order.Token1, order.FeeTier)
	if err != nil {
		return false, err
	}
	if order.ZeroForOne {
		upper, err := tickmath.TickToSqrtPriceX96(order.TickUpper)
		if err != nil {
			return false, err
		}
		return price.Cmp(upper) >= 0, nil
	}
	lower, err := tickmath.TickToSqrtPriceX96(order.TickLower)
	if err != nil {
		return false, err
	}
	return price.Cmp(lower) <= 0, nil
}

// PerformUpkeep executes a payload produced by CheckUpkeep. Orders whose
// status changed since the check (a racing cancellation, or an already
// settled order on a duplicate perform) are skipped silently so one stale
// entry never blocks the batch.
func (s *Service) PerformUpkeep(payload *PerformPayload) (*types.Batch, error) {
	if payload == nil || len(payload.OrderIDs) == 0 {
		return nil, types.Validationf("empty perform payload")
	}

	logger := log.With().Str("service", "monitor").Logger()

	triggered := make([]uint64, 0, len(payload.OrderIDs))
	err := s.ordersDB.DB().Transaction(func(tx *gorm.DB) error {
		for _, id := range payload.OrderIDs {
			order, err := s.ordersDB.GetOrder(tx, id)
			if err != nil {
				return err
			}
			if order == nil {
				continue
			}
			switch order.Status {
			case types.OrderStatusOpen:
				if _, err := s.orders.MarkTriggeredTx(tx, id); err != nil {
					logger.Debug().Err(err).Uint64("order_id", id).Msg("trigger race lost, skipping")
					continue
				}
				triggered = append(triggered, id)
			case types.OrderStatusTriggered:
				// Retry of a previously failed settlement.
				triggered = append(triggered, id)
			default:
				logger.Debug().
					Uint64("order_id", id).
					Str("status", order.Status).
					Msg("order no longer actionable, skipping")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var batch *types.Batch
	if len(triggered) > 0 {
		batch, err = s.engine.SettleBatch(triggered, s.funding.GasPrice())
		if err != nil {
			return nil, err
		}
	}

	if err := s.db.Advance(payload.Cursor); err != nil {
		return nil, err
	}
	return batch, nil
}

// GinHandlers contains HTTP handlers for the internal upkeep endpoints.
type GinHandlers struct {
	service *Service
	funding *funding.Service
}

func NewGinHandlers(service *Service, fundingService *funding.Service) *GinHandlers {
	return &GinHandlers{service: service, funding: fundingService}
}

// CheckUpkeepHandler handles requests probing for available work.
func (h *GinHandlers) CheckUpkeepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		needed, payload, err := h.service.CheckUpkeep()
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{
			"upkeep_needed": needed,
			"perform_data":  payload,
		})
	}
}

// PerformUpkeepHandler handles POST requests executing a checked payload.
func (h *GinHandlers) PerformUpkeepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload PerformPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		batch, err := h.service.PerformUpkeep(&payload)
		response.Handle(c, batch, err)
	}
}

type paramsRequest struct {
	MaxBatchSize     int    `json:"max_batch_size"`
	MonitorSize      int    `json:"monitor_size"`
	UpkeepIntervalMS int    `json:"upkeep_interval_ms"`
	GasPriceWei      uint64 `json:"gas_price_wei"`
}

// SetParamsHandler adjusts scheduler and fee parameters at runtime.
func (h *GinHandlers) SetParamsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req paramsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.service.SetParams(req.MaxBatchSize, req.MonitorSize, time.Duration(req.UpkeepIntervalMS)*time.Millisecond)
		if req.GasPriceWei > 0 {
			h.funding.SetGasPrice(req.GasPriceWei)
		}
		response.Success(c, gin.H{"message": "monitor parameters updated"})
	}
}
