package funding

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

// DB exposes the underlying handle so sibling services can compose
// funding mutations into their own transactions.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// GetAccount returns the owner's funding account, or a zeroed account when
// none exists yet.
func (d *Database) GetAccount(tx *gorm.DB, owner string) (*types.FundingAccount, error) {
	var account types.FundingAccount
	if err := tx.Where("owner = ?", owner).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &types.FundingAccount{Owner: owner}, nil
		}
		return nil, err
	}
	return &account, nil
}

// SaveAccount upserts the owner's account row.
func (d *Database) SaveAccount(tx *gorm.DB, account *types.FundingAccount) error {
	if account.ID == 0 {
		return tx.Create(account).Error
	}
	return tx.Save(account).Error
}

// CountOpenOrders returns how many open orders the owner currently has.
func (d *Database) CountOpenOrders(tx *gorm.DB, owner string) (int64, error) {
	var count int64
	err := tx.Model(&types.Order{}).
		Where("owner = ? AND status = ?", owner, types.OrderStatusOpen).
		Count(&count).Error
	return count, err
}
