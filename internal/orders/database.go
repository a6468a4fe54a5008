package orders

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

// DB exposes the handle for sibling services composing transactions.
func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) CreateOrder(tx *gorm.DB, order *types.Order) error {
	return tx.Create(order).Error
}

func (d *Database) GetOrder(tx *gorm.DB, orderID uint64) (*types.Order, error) {
	var order types.Order
	if err := tx.Where("id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) SaveOrder(tx *gorm.DB, order *types.Order) error {
	return tx.Save(order).Error
}

func (d *Database) ListOrdersByOwner(owner string) ([]types.Order, error) {
	var out []types.Order
	err := d.db.Where("owner = ?", owner).Order("id ASC").Find(&out).Error
	return out, err
}

// ListOpenOrdersAfter returns up to limit open orders with ID strictly
// greater than cursor, in ID order. It backs the monitor's round-robin
// scan window.
func (d *Database) ListOpenOrdersAfter(cursor uint64, limit int) ([]types.Order, error) {
	var out []types.Order
	err := d.db.Where("status = ? AND id > ?", types.OrderStatusOpen, cursor).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (d *Database) GetBatch(tx *gorm.DB, batchID string) (*types.Batch, error) {
	var batch types.Batch
	if err := tx.Where("batch_id = ?", batchID).First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}
