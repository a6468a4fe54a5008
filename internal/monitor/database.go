package monitor

import (
	"errors"
	"time"

	"github.com/kestrelfi/limit-keeper/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetState loads the scheduler's singleton state row, creating it on
// first use.
func (d *Database) GetState() (*types.MonitorState, error) {
	var state types.MonitorState
	if err := d.db.First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state = types.MonitorState{}
			if err := d.db.Create(&state).Error; err != nil {
				return nil, err
			}
			return &state, nil
		}
		return nil, err
	}
	return &state, nil
}

// ListTriggeredOrders returns orders stuck in the triggered state, i.e.
// orders whose settlement failed in an earlier pass and which must be
// retried.
func (d *Database) ListTriggeredOrders(limit int) ([]types.Order, error) {
	var out []types.Order
	err := d.db.Where("status = ?", types.OrderStatusTriggered).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Advance persists the new cursor and stamps the upkeep time.
func (d *Database) Advance(cursor uint64) error {
	state, err := d.GetState()
	if err != nil {
		return err
	}
	state.Cursor = cursor
	state.LastUpkeepAt = time.Now()
	return d.db.Save(state).Error
}
