package settlement_test

import (
	"encoding/json"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kestrelfi/limit-keeper/internal/config"
	"github.com/kestrelfi/limit-keeper/internal/database"
	"github.com/kestrelfi/limit-keeper/internal/funding"
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
	db     *gorm.DB
	pools  *pool.Simulated
	orders *orders.Service
	engine *settlement.Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	cfg := &config.Config{
		TargetGasUsed: 400000,
		ProtocolFee:   10000,
		MonitorFee:    10000,
		GasPriceWei:   20000000000,
		FeeToken:      feeToken,
		FeeRecipient:  feeRecipient,
	}

	pools := pool.NewSimulated()
	pools.CreatePool(tokenA, tokenB, 3000, sqrtRatio(t, 1, 1))

	fundingSvc := funding.NewService(db, pools, cfg)
	orderSvc := orders.NewService(db, fundingSvc, pools, pools)
	engine := settlement.NewEngine(db, orderSvc, pools, cfg)

	deposit, _ := new(big.Int).SetString("100000000000000000", 10)
	pools.Credit(feeToken, owner, deposit)
	_, err = fundingSvc.AddFunding(owner, deposit)
	require.NoError(t, err)

	return &fixture{db: db, pools: pools, orders: orderSvc, engine: engine}
}

func sqrtRatio(t *testing.T, amount1, amount0 int64) *big.Int {
	t.Helper()
	v, err := tickmath.EncodeSqrtRatioX96(big.NewInt(amount1), big.NewInt(amount0))
	require.NoError(t, err)
	return v
}

// placeTriggered places a sell order targeting a 2:1 price, moves the pool
// past it and marks the order triggered, leaving it ready for settlement.
func (f *fixture) placeTriggered(t *testing.T, amount int64) *types.Order {
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

	require.NoError(t, f.pools.SetSqrtPriceX96(tokenA, tokenB, 3000, sqrtRatio(t, 3, 1)))
	_, err = f.orders.MarkTriggeredTx(f.db, order.ID)
	require.NoError(t, err)
	return order
}

func TestSettleBatchProcessesOrders(t *testing.T) {
	f := setup(t)
	o1 := f.placeTriggered(t, 5000)
	o2 := f.placeTriggered(t, 7000)

	gasPrice := big.NewInt(20000000000)
	batch, err := f.engine.SettleBatch([]uint64{o1.ID, o2.ID}, gasPrice)
	require.NoError(t, err)
	require.NotNil(t, batch)

	assert.Equal(t, 2, batch.OrderCount)
	assert.Equal(t, f.engine.ComputePayment(gasPrice, 2).String(), batch.Payment.String())
	assert.Equal(t, gasPrice.String(), batch.GasPrice.String())

	var ids []uint64
	require.NoError(t, json.Unmarshal([]byte(batch.OrderIDs), &ids))
	assert.ElementsMatch(t, []uint64{o1.ID, o2.ID}, ids)

	for _, id := range []uint64{o1.ID, o2.ID} {
		got, err := f.orders.GetOrder(id)
		require.NoError(t, err)
		assert.Equal(t, types.OrderStatusProcessed, got.Status)
		require.NotNil(t, got.BatchID)
		assert.Equal(t, batch.BatchID, *got.BatchID)
		assert.NotNil(t, got.ProcessedAt)

		// Price crossed above the range, so the deposit converted fully.
		assert.Equal(t, "0", got.Amount0Out.String())
		assert.True(t, got.Amount1Out.Sign() > 0)
	}
}

func TestSettleBatchRetryLeavesSettledOrdersAlone(t *testing.T) {
	f := setup(t)
	o := f.placeTriggered(t, 5000)

	gasPrice := big.NewInt(20000000000)
	batch, err := f.engine.SettleBatch([]uint64{o.ID}, gasPrice)
	require.NoError(t, err)
	require.NotNil(t, batch)

	first, err := f.orders.GetOrder(o.ID)
	require.NoError(t, err)

	// A duplicate pass over the same payload settles nothing: the order
	// committed as soon as its position was withdrawn, so the retry must
	// not rewind it or mint a second batch.
	again, err := f.engine.SettleBatch([]uint64{o.ID}, gasPrice)
	require.NoError(t, err)
	assert.Nil(t, again)

	second, err := f.orders.GetOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusProcessed, second.Status)
	assert.Equal(t, first.Amount1Out.String(), second.Amount1Out.String())
	require.NotNil(t, second.BatchID)
	assert.Equal(t, batch.BatchID, *second.BatchID)
}

func TestSettleBatchComputePayment(t *testing.T) {
	f := setup(t)

	// 400000 gas * 20 gwei * 2 orders, scaled up 10%.
	got := f.engine.ComputePayment(big.NewInt(20000000000), 2)
	assert.Equal(t, "17600000000000000", got.String())
}

func TestSettleBatchContainsCollectFailure(t *testing.T) {
	f := setup(t)
	o1 := f.placeTriggered(t, 5000)
	o2 := f.placeTriggered(t, 7000)
	f.pools.SetCollectFailure(o2.PositionID, true)

	gasPrice := big.NewInt(20000000000)
	batch, err := f.engine.SettleBatch([]uint64{o1.ID, o2.ID}, gasPrice)
	require.NoError(t, err)
	require.NotNil(t, batch)

	// The healthy order settled alone; the payment covers only it.
	assert.Equal(t, 1, batch.OrderCount)
	assert.Equal(t, f.engine.ComputePayment(gasPrice, 1).String(), batch.Payment.String())

	stuck, err := f.orders.GetOrder(o2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusTriggered, stuck.Status)

	// Retry after the failure clears settles the stuck order into a
	// fresh batch.
	f.pools.SetCollectFailure(o2.PositionID, false)
	retry, err := f.engine.SettleBatch([]uint64{o2.ID}, gasPrice)
	require.NoError(t, err)
	require.NotNil(t, retry)
	assert.NotEqual(t, batch.BatchID, retry.BatchID)

	settled, err := f.orders.GetOrder(o2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusProcessed, settled.Status)
}

func TestSettleBatchSkipsNonTriggeredOrders(t *testing.T) {
	f := setup(t)
	f.pools.Credit(tokenA, owner, big.NewInt(5000))
	open, err := f.orders.Place(owner, &orders.PlaceRequest{
		TokenA:             tokenA,
		TokenB:             tokenB,
		AmountA:            types.NewBigInt(big.NewInt(5000)),
		FeeTier:            3000,
		TargetSqrtPriceX96: types.NewBigInt(sqrtRatio(t, 2, 1)),
	})
	require.NoError(t, err)

	batch, err := f.engine.SettleBatch([]uint64{open.ID, 999}, big.NewInt(20000000000))
	require.NoError(t, err)
	assert.Nil(t, batch, "nothing to settle must not create a batch")

	got, err := f.orders.GetOrder(open.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusOpen, got.Status)
}

func TestBatchPaymentImmutableAfterCreation(t *testing.T) {
	f := setup(t)
	o1 := f.placeTriggered(t, 5000)

	batch, err := f.engine.SettleBatch([]uint64{o1.ID}, big.NewInt(20000000000))
	require.NoError(t, err)
	require.NotNil(t, batch)

	before := batch.Payment.String()

	// Claims and later settlements must not touch the stored payment.
	_, err = f.orders.Claim(o1.ID, owner)
	require.NoError(t, err)

	stored, err := f.engine.GetBatch(batch.BatchID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, before, stored.Payment.String())
}
