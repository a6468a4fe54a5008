// Package pool defines the external AMM and asset-transfer collaborator
// boundaries the keeper consumes, plus a simulated in-process
// implementation used by the server, tests and the simulation binary.
package pool

import (
	"math/big"
)

// PositionManager is the concentrated-liquidity position collaborator.
// Calls complete synchronously or fail outright; there is no callback
// model.
type PositionManager interface {
	// MintPosition opens a position over [tickLower, tickUpper] funded
	// with the given single- or double-sided amounts and returns its ID.
	MintPosition(token0, token1 string, feeTier uint32, tickLower, tickUpper int32, amount0, amount1 *big.Int) (string, error)

	// Collect withdraws the position fully, exactly once, and returns the
	// current token composition.
	Collect(positionID string) (amount0, amount1 *big.Int, err error)

	// CurrentSqrtPriceX96 reports the pool's current price.
	CurrentSqrtPriceX96(token0, token1 string, feeTier uint32) (*big.Int, error)
}

// AssetTransfer moves tokens between external owners and the keeper's
// escrow.
type AssetTransfer interface {
	TransferIn(token, from string, amount *big.Int) error
	TransferOut(token, to string, amount *big.Int) error
}
