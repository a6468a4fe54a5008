package migrations

import (
	"github.com/kestrelfi/limit-keeper/internal/types"
	"gorm.io/gorm"
)

func AddMonitorState(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.MonitorState{}); err != nil {
		return err
	}

	return nil
}
