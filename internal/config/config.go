package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime settings, populated from the environment.
// Fee rates are expressed in parts per 100000 (10000 = 10%).
type Config struct {
	Port         string `envconfig:"PORT" default:"8080"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"keeper.db"`
	JWTSecret    string `envconfig:"JWT_SECRET" default:"limit-keeper-secret"`

	// Upkeep scheduler parameters.
	MaxBatchSize   int           `envconfig:"MAX_BATCH_SIZE" default:"20"`
	MonitorSize    int           `envconfig:"MONITOR_SIZE" default:"500"`
	UpkeepInterval time.Duration `envconfig:"UPKEEP_INTERVAL" default:"1s"`
	MonitorFee     uint64        `envconfig:"MONITOR_FEE" default:"10000"`

	// Keeper fee accounting.
	TargetGasUsed uint64 `envconfig:"TARGET_GAS_USED" default:"400000"`
	ProtocolFee   uint64 `envconfig:"PROTOCOL_FEE" default:"10000"`
	GasPriceWei   uint64 `envconfig:"GAS_PRICE_WEI" default:"20000000000"`

	// FeeToken is the asset funding accounts are denominated in;
	// FeeRecipient receives collected keeper fees.
	FeeToken     string `envconfig:"FEE_TOKEN" default:"0x00000000000000000000000000000000000fee01"`
	FeeRecipient string `envconfig:"FEE_RECIPIENT" default:"0x00000000000000000000000000000000000fee02"`
}

// GetConfig reads the configuration from the environment, panicking on
// malformed values since the process cannot run without them.
func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
