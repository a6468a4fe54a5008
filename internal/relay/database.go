package relay

import (
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// ConsumeNonce records the nonce if and only if it is strictly above the
// owner's high-water mark, reporting whether it was consumed. Guard and
// insert run as one statement so racing relayers cannot interleave
// between the check and the consumption; the unique (owner, nonce) index
// backstops exact duplicates.
func (d *Database) ConsumeNonce(owner string, nonce uint64) (bool, error) {
	res := d.db.Exec(
		"INSERT INTO relay_nonces (owner, nonce, created_at) "+
			"SELECT ?, ?, ? "+
			"WHERE NOT EXISTS (SELECT 1 FROM relay_nonces WHERE owner = ? AND nonce >= ?)",
		owner, nonce, time.Now(), owner, nonce,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
