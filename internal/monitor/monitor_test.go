package monitor_test

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kestrelfi/limit-keeper/internal/config"
	"github.com/kestrelfi/limit-keeper/internal/database"
	"github.com/kestrelfi/limit-keeper/internal/funding"
	"github.com/kestrelfi/limit-keeper/internal/monitor"
	"github.com/kestrelfi/limit-keeper/internal/orders"
	"github.com/kestrelfi/limit-keeper/internal/pool"
	"github.com/kestrelfi/limit-keeper/internal/settlement"
	"github.com/kestrelfi/limit-keeper/internal/tickmath"
	"github.com/kestrelfi/limit-keeper/internal/types"
)

const (
	owner  = "0x1111111111111111111111111111111111111111"
	tokenA = "0x00000000000000000000000000000000000000aa"
	tokenB = "0x00000000000000000000000000000000000000bb"

	feeToken     = "0x00000000000000000000000000000000000fee01"
	feeRecipient = "0x00000000000000000000000000000000000fee02"
)

type fixture struct {
	db      *gorm.DB
	pools   *pool.Simulated
	funding *funding.Service
	orders  *orders.Service
	monitor *monitor.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	cfg := &config.Config{
		MaxBatchSize:   20,
		MonitorSize:    500,
		UpkeepInterval: time.Millisecond,
		MonitorFee:     10000,
		TargetGasUsed:  400000,
		ProtocolFee:    10000,
		GasPriceWei:    20000000000,
		FeeToken:       feeToken,
		FeeRecipient:   feeRecipient,
	}

	pools := pool.NewSimulated()
	pools.CreatePool(tokenA, tokenB, 3000, sqrtRatio(t, 1, 1))

	fundingSvc := funding.NewService(db, pools, cfg)
	orderSvc := orders.NewService(db, fundingSvc, pools, pools)
	engine := settlement.NewEngine(db, orderSvc, pools, cfg)
	monitorSvc := monitor.NewService(db, orderSvc, pools, engine, fundingSvc, cfg)

	deposit, _ := new(big.Int).SetString("100000000000000000", 10)
	pools.Credit(feeToken, owner, deposit)
	_, err = fundingSvc.AddFunding(owner, deposit)
	require.NoError(t, err)

	return &fixture{db: db, pools: pools, funding: fundingSvc, orders: orderSvc, monitor: monitorSvc}
}

func sqrtRatio(t *testing.T, amount1, amount0 int64) *big.Int {
	t.Helper()
	v, err := tickmath.EncodeSqrtRatioX96(big.NewInt(amount1), big.NewInt(amount0))
	require.NoError(t, err)
	return v
}

// placeSell opens an order selling amount of tokenA once the price
// reaches 2:1.
func (f *fixture) placeSell(t *testing.T, amount int64) *types.Order {
	t.Helper()
	f.pools.Credit(tokenA, owner, big.NewInt(amount))
	order, err := f.orders.Place(owner, &orders.PlaceRequest{
		TokenA:             tokenA,
		TokenB:             tokenB,
		AmountA:            types.NewBigInt(big.NewInt(amount)),
		FeeTier:            3000,
		TargetSqrtPriceX96: types.NewBigInt(sqrtRatio(t, 2, 1)),
	})
	require.NoError(t, err)
	return order
}

// check waits out the upkeep interval before asking the scheduler.
func (f *fixture) check(t *testing.T) (bool, *monitor.PerformPayload) {
	t.Helper()
	time.Sleep(2 * time.Millisecond)
	needed, payload, err := f.monitor.CheckUpkeep()
	require.NoError(t, err)
	return needed, payload
}

func TestLifecycleEndToEnd(t *testing.T) {
	f := setup(t)
	order := f.placeSell(t, 5000)

	// Price has not crossed yet.
	needed, _ := f.check(t)
	assert.False(t, needed)

	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, sqrtRatio(t, 3, 1)))

	needed, payload := f.check(t)
	require.True(t, needed)
	require.NotNil(t, payload)
	assert.Contains(t, payload.OrderIDs, order.ID)

	batch, err := f.monitor.PerformUpkeep(payload)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.OrderCount)

	processed, err := f.orders.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusProcessed, processed.Status)

	balanceBefore, err := f.funding.Account(owner)
	require.NoError(t, err)

	claimed, err := f.orders.Claim(order.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClaimed, claimed.Status)

	// Proceeds arrived fully converted, the fee share left the ledger
	// and reached the recipient, and the reservation is gone.
	assert.True(t, f.pools.BalanceOf(tokenB, owner).Sign() > 0)
	assert.Equal(t, "0", f.pools.BalanceOf(tokenA, owner).String())

	share := orders.PerOrderShare(batch)
	account, err := f.funding.Account(owner)
	require.NoError(t, err)
	wantBalance := new(big.Int).Sub(balanceBefore.Balance.Big(), share)
	assert.Equal(t, wantBalance.String(), account.Balance.String())
	assert.Equal(t, "0", account.Reserved.String())
	assert.Equal(t, share.String(), f.pools.BalanceOf(feeToken, feeRecipient).String())
}

func TestPerformUpkeepIsIdempotent(t *testing.T) {
	f := setup(t)
	f.placeSell(t, 5000)
	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, sqrtRatio(t, 3, 1)))

	needed, payload := f.check(t)
	require.True(t, needed)

	batch, err := f.monitor.PerformUpkeep(payload)
	require.NoError(t, err)
	require.NotNil(t, batch)

	// Replaying the same payload finds no actionable order and creates
	// nothing.
	again, err := f.monitor.PerformUpkeep(payload)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestPerformUpkeepSkipsCancelledOrders(t *testing.T) {
	f := setup(t)
	order := f.placeSell(t, 5000)
	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, sqrtRatio(t, 3, 1)))

	needed, payload := f.check(t)
	require.True(t, needed)

	// Owner wins the race between check and perform.
	_, err := f.orders.Cancel(order.ID, owner)
	require.NoError(t, err)

	batch, err := f.monitor.PerformUpkeep(payload)
	require.NoError(t, err)
	assert.Nil(t, batch)

	got, err := f.orders.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, got.Status)
}

func TestCheckUpkeepGatesOnInterval(t *testing.T) {
	f := setup(t)
	f.placeSell(t, 5000)
	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, sqrtRatio(t, 3, 1)))

	needed, payload := f.check(t)
	require.True(t, needed)
	_, err := f.monitor.PerformUpkeep(payload)
	require.NoError(t, err)

	// Perform stamped the upkeep time. With a long interval, the next
	// check offers nothing even though a fresh order already crossed.
	f.placeSell(t, 5000)
	f.monitor.SetParams(0, 0, time.Hour)

	needed, payload, err = f.monitor.CheckUpkeep()
	require.NoError(t, err)
	assert.False(t, needed)
	assert.Nil(t, payload)

	// Shrinking the interval releases the gate.
	f.monitor.SetParams(0, 0, time.Millisecond)
	needed, _ = f.check(t)
	assert.True(t, needed)
}

func TestCheckUpkeepCapsBatchSize(t *testing.T) {
	f := setup(t)
	f.monitor.SetParams(2, 500, time.Millisecond)
	for i := 0; i < 3; i++ {
		f.placeSell(t, 5000)
	}
	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, sqrtRatio(t, 3, 1)))

	needed, payload := f.check(t)
	require.True(t, needed)
	assert.Len(t, payload.OrderIDs, 2)
}

func TestCheckUpkeepReoffersStaleTriggered(t *testing.T) {
	f := setup(t)
	order := f.placeSell(t, 5000)

	// An earlier pass triggered the order but settlement failed; the
	// price has since retreated below the target.
	_, err := f.orders.MarkTriggeredTx(f.db, order.ID)
	require.NoError(t, err)

	needed, payload := f.check(t)
	require.True(t, needed, "triggered orders must be re-offered regardless of price")
	assert.Equal(t, order.ID, payload.OrderIDs[0])

	batch, err := f.monitor.PerformUpkeep(payload)
	require.NoError(t, err)
	require.NotNil(t, batch)
}

func TestCheckUpkeepBuyDirection(t *testing.T) {
	f := setup(t)

	// Deposit tokenB, buying tokenA once the price falls to 1:2.
	f.pools.Credit(tokenB, owner, big.NewInt(5000))
	order, err := f.orders.Place(owner, &orders.PlaceRequest{
		TokenA:             tokenA,
		TokenB:             tokenB,
		AmountB:            types.NewBigInt(big.NewInt(5000)),
		FeeTier:            3000,
		TargetSqrtPriceX96: types.NewBigInt(sqrtRatio(t, 1, 2)),
	})
	require.NoError(t, err)
	require.False(t, order.ZeroForOne)

	// Rising prices must not trigger a buy.
	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, sqrtRatio(t, 3, 1)))
	needed, _ := f.check(t)
	assert.False(t, needed)

	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, sqrtRatio(t, 1, 3)))
	needed, payload := f.check(t)
	require.True(t, needed)
	assert.Contains(t, payload.OrderIDs, order.ID)

	batch, err := f.monitor.PerformUpkeep(payload)
	require.NoError(t, err)
	require.NotNil(t, batch)

	processed, err := f.orders.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusProcessed, processed.Status)
	// The buy came back as tokenA.
	assert.True(t, processed.Amount0Out.Sign() > 0)
	assert.Equal(t, "0", processed.Amount1Out.String())
}

func TestCheckUpkeepWaitsForRangeExit(t *testing.T) {
	f := setup(t)
	order := f.placeSell(t, 5000)

	// Just past the target but still inside the tick range: the position
	// has not fully converted, so the scheduler must hold off.
	inside, err := tickmath.TickToSqrtPriceX96(order.TickUpper - 1)
	require.NoError(t, err)
	require.True(t, inside.Cmp(order.TargetSqrtPriceX96.Big()) > 0)
	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, inside))

	needed, _ := f.check(t)
	assert.False(t, needed)

	// At the far range boundary the deposit is fully converted and the
	// order becomes eligible.
	edge, err := tickmath.TickToSqrtPriceX96(order.TickUpper)
	require.NoError(t, err)
	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, edge))

	needed, payload := f.check(t)
	require.True(t, needed)

	batch, err := f.monitor.PerformUpkeep(payload)
	require.NoError(t, err)
	require.NotNil(t, batch)

	processed, err := f.orders.GetOrder(order.ID)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusProcessed, processed.Status)
	assert.Equal(t, "0", processed.Amount0Out.String())
	assert.True(t, processed.Amount1Out.Sign() > 0)
}

func TestCheckUpkeepWrapsCursor(t *testing.T) {
	f := setup(t)
	order := f.placeSell(t, 5000)

	// A fruitless scan advances the cursor past the order.
	needed, _ := f.check(t)
	require.False(t, needed)

	// Once the price crosses, the wrap-around scan still finds it.
	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, sqrtRatio(t, 3, 1)))
	needed, payload := f.check(t)
	require.True(t, needed)
	assert.Contains(t, payload.OrderIDs, order.ID)
}

func TestPerformUpkeepRejectsEmptyPayload(t *testing.T) {
	f := setup(t)
	_, err := f.monitor.PerformUpkeep(nil)
	assert.True(t, types.IsKind(err, types.KindValidation))
	_, err = f.monitor.PerformUpkeep(&monitor.PerformPayload{})
	assert.True(t, types.IsKind(err, types.KindValidation))
}
