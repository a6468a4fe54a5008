package settlement

import (
	"errors"

	"github.com/kestrelfi/limit-keeper/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) CreateBatch(tx *gorm.DB, batch *types.Batch) error {
	return tx.Create(batch).Error
}

func (d *Database) GetBatch(batchID string) (*types.Batch, error) {
	var batch types.Batch
	if err := d.db.Where("batch_id = ?", batchID).First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}

// GetOrderByID retrieves order details by ID.
func (d *Database) GetOrderByID(orderID uint64) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}
