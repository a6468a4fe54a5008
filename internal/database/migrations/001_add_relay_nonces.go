package migrations

import (
	"github.com/kestrelfi/limit-keeper/internal/types"
	"gorm.io/gorm"
)

func AddRelayNonces(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.RelayNonce{}); err != nil {
		return err
	}

	// The composite index guards concurrent consumption of the same nonce.
	if !db.Migrator().HasIndex(&types.RelayNonce{}, "idx_relay_nonces_owner_nonce") {
		if err := db.Exec(
			"CREATE UNIQUE INDEX IF NOT EXISTS idx_relay_nonces_owner_nonce ON relay_nonces(owner, nonce)",
		).Error; err != nil {
			return err
		}
	}

	return nil
}
