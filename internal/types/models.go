package types

import (
	"time"
)

// Order status values. Transitions are forward-only:
// open -> triggered -> processed -> claimed, open -> cancelled.
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusTriggered = "TRIGGERED"
	OrderStatusProcessed = "PROCESSED"
	OrderStatusClaimed   = "CLAIMED"
	OrderStatusCancelled = "CANCELLED"
)

// Order is one price-triggered limit position. Token pair is stored in
// canonical form (lower hex address first); the ID doubles as the public
// order ID and is assigned monotonically by the table sequence.
type Order struct {
	ID                 uint64     `gorm:"primaryKey" json:"order_id"`
	Owner              string     `gorm:"index" json:"owner"`
	Token0             string     `json:"token0"`
	Token1             string     `json:"token1"`
	Amount0            BigInt     `json:"amount0"`
	Amount1            BigInt     `json:"amount1"`
	FeeTier            uint32     `json:"fee_tier"`
	TargetSqrtPriceX96 BigInt     `json:"target_sqrt_price_x96"`
	TickLower          int32      `json:"tick_lower"`
	TickUpper          int32      `json:"tick_upper"`
	ZeroForOne         bool       `json:"zero_for_one"` // true when token0 was deposited
	Status             string     `gorm:"index" json:"status"`
	BatchID            *string    `gorm:"index" json:"batch_id,omitempty"`
	PositionID         string     `json:"position_id"`
	ReservedFee        BigInt     `json:"reserved_fee"`
	Amount0Out         BigInt     `json:"amount0_out"`
	Amount1Out         BigInt     `json:"amount1_out"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`
}

// Batch groups orders settled in one upkeep execution. Payment is computed
// once at creation and never recomputed; claimants each owe the equal
// ceiling share of it.
type Batch struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	BatchID    string    `gorm:"uniqueIndex" json:"batch_id"`
	OrderIDs   string    `json:"order_ids"` // JSON array of order IDs
	OrderCount int       `json:"order_count"`
	Payment    BigInt    `json:"payment"`
	GasPrice   BigInt    `json:"gas_price"`
	ExecutedAt time.Time `json:"executed_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// FundingAccount is an owner's prepaid keeper-fee balance. Reserved never
// exceeds Balance after a successful operation; both are mutated only
// inside a transaction scoped to the owner's row.
type FundingAccount struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Owner     string    `gorm:"uniqueIndex" json:"owner"`
	Balance   BigInt    `json:"balance"`
	Reserved  BigInt    `json:"reserved"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RelayNonce records a consumed relay nonce. The composite unique index is
// what makes replays fail at the storage layer even under racing relayers.
type RelayNonce struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Owner     string    `gorm:"index:idx_relay_nonces_owner_nonce,unique" json:"owner"`
	Nonce     uint64    `gorm:"index:idx_relay_nonces_owner_nonce,unique" json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
}

// MonitorState is the scheduler's single persisted row: the round-robin
// scan cursor and the last successful upkeep time survive restarts.
type MonitorState struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	Cursor       uint64    `json:"cursor"`
	LastUpkeepAt time.Time `json:"last_upkeep_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
