// Package settlement executes triggered-order batches against the AMM
// collaborator and records the batch fee owed by claimants.
package settlement

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/kestrelfi/limit-keeper/internal/config"
	"github.com/kestrelfi/limit-keeper/internal/orders"
	"github.com/kestrelfi/limit-keeper/internal/pool"
	"github.com/kestrelfi/limit-keeper/internal/types"
)

const feeDenominator = 100000

// Engine settles batches of triggered orders.
type Engine struct {
	db        *Database
	orders    *orders.Service
	positions pool.PositionManager

	targetGasUsed uint64
	monitorFee    uint64
}

func NewEngine(gormDB *gorm.DB, orderService *orders.Service, positions pool.PositionManager, cfg *config.Config) *Engine {
	return &Engine{
		db:            NewDatabase(gormDB),
		orders:        orderService,
		positions:     positions,
		targetGasUsed: cfg.TargetGasUsed,
		monitorFee:    cfg.MonitorFee,
	}
}

// SettleBatch withdraws each triggered order's position and records one
// batch with an immutable collective payment. A failing withdrawal leaves
// that order triggered and excluded: it stays eligible for a later pass,
// and one bad order never aborts the rest of the batch. Withdrawing a
// position consumes it, so each order's proceeds are committed in their
// own transaction immediately after the withdraw; the batch record is
// written last and never gates an already recorded order.
func (e *Engine) SettleBatch(orderIDs []uint64, gasPrice *big.Int) (*types.Batch, error) {
	logger := log.With().Str("service", "settlement").Logger()

	batch := &types.Batch{
		BatchID:    "BAT_" + uuid.New().String(),
		GasPrice:   types.NewBigInt(gasPrice),
		ExecutedAt: time.Now(),
	}

	settledIDs := make([]uint64, 0, len(orderIDs))
	for _, id := range orderIDs {
		order, err := e.db.GetOrderByID(id)
		if err != nil {
			return nil, err
		}
		if order == nil || order.Status != types.OrderStatusTriggered {
			logger.Debug().Uint64("order_id", id).Msg("order no longer triggered, skipping")
			continue
		}

		amount0, amount1, err := e.positions.Collect(order.PositionID)
		if err != nil {
			logger.Error().Err(err).
				Uint64("order_id", id).
				Str("position_id", order.PositionID).
				Msg("position withdraw failed, order stays triggered for retry")
			continue
		}

		err = e.db.DB().Transaction(func(tx *gorm.DB) error {
			return e.orders.MarkProcessedTx(tx, id, batch.BatchID, amount0, amount1)
		})
		if err != nil {
			logger.Error().Err(err).Uint64("order_id", id).Msg("failed to record withdrawn order")
			continue
		}
		settledIDs = append(settledIDs, id)
	}

	if len(settledIDs) == 0 {
		return nil, nil
	}

	idsJSON, err := json.Marshal(settledIDs)
	if err != nil {
		return nil, err
	}
	batch.OrderIDs = string(idsJSON)
	batch.OrderCount = len(settledIDs)
	batch.Payment = types.NewBigInt(e.ComputePayment(gasPrice, len(settledIDs)))
	if err := e.db.CreateBatch(e.db.DB(), batch); err != nil {
		return nil, err
	}

	logger.Info().
		Str("batch_id", batch.BatchID).
		Int("order_count", batch.OrderCount).
		Str("payment", batch.Payment.String()).
		Str("gas_price", gasPrice.String()).
		Msg("batch settled")
	return batch, nil
}

// ComputePayment estimates the collective keeper fee for a batch of n
// orders: gas cost at the given price, scaled up by the monitor fee.
func (e *Engine) ComputePayment(gasPrice *big.Int, n int) *big.Int {
	payment := new(big.Int).SetUint64(e.targetGasUsed)
	payment.Mul(payment, gasPrice)
	payment.Mul(payment, big.NewInt(int64(n)))
	payment.Mul(payment, big.NewInt(feeDenominator+int64(e.monitorFee)))
	return payment.Div(payment, big.NewInt(feeDenominator))
}

// GetBatch retrieves a settlement batch.
func (e *Engine) GetBatch(batchID string) (*types.Batch, error) {
	return e.db.GetBatch(batchID)
}
