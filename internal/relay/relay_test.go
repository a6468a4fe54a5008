package relay_test

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kestrelfi/limit-keeper/internal/config"
	"github.com/kestrelfi/limit-keeper/internal/database"
	"github.com/kestrelfi/limit-keeper/internal/funding"
	"github.com/kestrelfi/limit-keeper/internal/orders"
	"github.com/kestrelfi/limit-keeper/internal/pool"
	"github.com/kestrelfi/limit-keeper/internal/relay"
	"github.com/kestrelfi/limit-keeper/internal/tickmath"
	"github.com/kestrelfi/limit-keeper/internal/types"
)

const (
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
	relay   *relay.Service

	key   *ecdsa.PrivateKey
	owner common.Address
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	cfg := &config.Config{
		TargetGasUsed: 400000,
		ProtocolFee:   10000,
		GasPriceWei:   20000000000,
		FeeToken:      feeToken,
		FeeRecipient:  feeRecipient,
	}

	pools := pool.NewSimulated()
	price, err := tickmath.EncodeSqrtRatioX96(big.NewInt(1), big.NewInt(1))
	require.NoError(t, err)
	pools.CreatePool(tokenA, tokenB, 3000, price)

	fundingSvc := funding.NewService(db, pools, cfg)
	orderSvc := orders.NewService(db, fundingSvc, pools, pools)
	relaySvc := relay.NewService(db, orderSvc, fundingSvc)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return &fixture{
		db:      db,
		pools:   pools,
		funding: fundingSvc,
		orders:  orderSvc,
		relay:   relaySvc,
		key:     key,
		owner:   crypto.PubkeyToAddress(key.PublicKey),
	}
}

// sign produces an eth_sign style signature over the call bundle.
func (f *fixture) sign(t *testing.T, calls []json.RawMessage, nonce uint64) []byte {
	t.Helper()
	hash := relay.SigningHash(relay.Digest(calls, f.owner, nonce))
	sig, err := crypto.Sign(hash.Bytes(), f.key)
	require.NoError(t, err)
	return sig
}

func mustCall(t *testing.T, call relay.Call) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(call)
	require.NoError(t, err)
	return raw
}

func fundingCall(t *testing.T, amount int64) []json.RawMessage {
	t.Helper()
	a := types.NewBigInt(big.NewInt(amount))
	return []json.RawMessage{mustCall(t, relay.Call{Op: "add_funding", Amount: &a})}
}

func TestRelayedCallDispatchesAsSigner(t *testing.T) {
	f := setup(t)
	f.pools.Credit(feeToken, f.owner.Hex(), big.NewInt(1000))

	calls := fundingCall(t, 1000)
	results, err := f.relay.RelayedCall(calls, f.sign(t, calls, 1), f.owner, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	// The balance landed on the signer, not on whoever relayed.
	got, err := f.funding.Account(strings.ToLower(f.owner.Hex()))
	require.NoError(t, err)
	assert.Equal(t, "1000", got.Balance.String())
}

func TestNonceMustStrictlyIncrease(t *testing.T) {
	f := setup(t)
	f.pools.Credit(feeToken, f.owner.Hex(), big.NewInt(10000))

	calls := fundingCall(t, 100)
	_, err := f.relay.RelayedCall(calls, f.sign(t, calls, 5), f.owner, 5)
	require.NoError(t, err)

	// Same nonce again is a replay.
	_, err = f.relay.RelayedCall(calls, f.sign(t, calls, 5), f.owner, 5)
	assert.True(t, types.IsKind(err, types.KindAuth), "got %v", err)

	// Skipping ahead is fine.
	_, err = f.relay.RelayedCall(calls, f.sign(t, calls, 7), f.owner, 7)
	require.NoError(t, err)

	// But going back below the high-water mark is not.
	_, err = f.relay.RelayedCall(calls, f.sign(t, calls, 6), f.owner, 6)
	assert.True(t, types.IsKind(err, types.KindAuth), "got %v", err)
}

func TestConcurrentNoncesKeepHighWaterMark(t *testing.T) {
	f := setup(t)
	f.pools.Credit(feeToken, f.owner.Hex(), big.NewInt(10000))

	calls := fundingCall(t, 100)
	sig5 := f.sign(t, calls, 5)
	sig7 := f.sign(t, calls, 7)

	// Two relayers race with nonces 5 and 7. Depending on who lands
	// first, 5 may or may not be accepted, but 7 always is.
	var wg sync.WaitGroup
	var err7 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = f.relay.RelayedCall(calls, sig5, f.owner, 5)
	}()
	go func() {
		defer wg.Done()
		_, err7 = f.relay.RelayedCall(calls, sig7, f.owner, 7)
	}()
	wg.Wait()
	require.NoError(t, err7)

	// Whichever order they landed in, nothing at or below 7 passes now.
	_, err := f.relay.RelayedCall(calls, f.sign(t, calls, 6), f.owner, 6)
	assert.True(t, types.IsKind(err, types.KindAuth), "got %v", err)
	_, err = f.relay.RelayedCall(calls, sig5, f.owner, 5)
	assert.True(t, types.IsKind(err, types.KindAuth), "got %v", err)
}

func TestSignatureBindsCalls(t *testing.T) {
	f := setup(t)
	f.pools.Credit(feeToken, f.owner.Hex(), big.NewInt(10000))

	signed := fundingCall(t, 100)
	tampered := fundingCall(t, 9999)

	_, err := f.relay.RelayedCall(tampered, f.sign(t, signed, 1), f.owner, 1)
	assert.True(t, types.IsKind(err, types.KindAuth), "got %v", err)

	// The nonce is bound too.
	_, err = f.relay.RelayedCall(signed, f.sign(t, signed, 1), f.owner, 2)
	assert.True(t, types.IsKind(err, types.KindAuth), "got %v", err)
}

func TestSignatureBindsSigner(t *testing.T) {
	f := setup(t)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherAddr := crypto.PubkeyToAddress(other.PublicKey)

	calls := fundingCall(t, 100)

	// A valid signature from one key cannot authorise another address.
	_, err = f.relay.RelayedCall(calls, f.sign(t, calls, 1), otherAddr, 1)
	assert.True(t, types.IsKind(err, types.KindAuth), "got %v", err)
}

func TestMalformedSignatureRejected(t *testing.T) {
	f := setup(t)
	calls := fundingCall(t, 100)

	_, err := f.relay.RelayedCall(calls, []byte{1, 2, 3}, f.owner, 1)
	assert.True(t, types.IsKind(err, types.KindAuth))

	_, err = f.relay.RelayedCall(nil, nil, f.owner, 1)
	assert.True(t, types.IsKind(err, types.KindValidation))
}

func TestNonceConsumedEvenWhenCallFails(t *testing.T) {
	f := setup(t)

	// Cancelling a nonexistent order fails inside the dispatch, but the
	// nonce must stay burned.
	calls := []json.RawMessage{mustCall(t, relay.Call{Op: "cancel", OrderID: 42})}
	results, err := f.relay.RelayedCall(calls, f.sign(t, calls, 3), f.owner, 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].Error)

	_, err = f.relay.RelayedCall(calls, f.sign(t, calls, 3), f.owner, 3)
	assert.True(t, types.IsKind(err, types.KindAuth), "got %v", err)
}

func TestUnsupportedOpFailsClosed(t *testing.T) {
	f := setup(t)

	calls := []json.RawMessage{mustCall(t, relay.Call{Op: "drain_treasury"})}
	results, err := f.relay.RelayedCall(calls, f.sign(t, calls, 1), f.owner, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

func TestBundleMixesOutcomes(t *testing.T) {
	f := setup(t)
	f.pools.Credit(feeToken, f.owner.Hex(), big.NewInt(1000))

	a := types.NewBigInt(big.NewInt(1000))
	calls := []json.RawMessage{
		mustCall(t, relay.Call{Op: "add_funding", Amount: &a}),
		mustCall(t, relay.Call{Op: "claim", OrderID: 404}),
	}
	results, err := f.relay.RelayedCall(calls, f.sign(t, calls, 1), f.owner, 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestDigestChangesWithInputs(t *testing.T) {
	f := setup(t)
	calls := fundingCall(t, 100)

	base := relay.Digest(calls, f.owner, 1)
	assert.NotEqual(t, base, relay.Digest(calls, f.owner, 2))
	assert.NotEqual(t, base, relay.Digest(fundingCall(t, 101), f.owner, 1))

	other := common.HexToAddress("0x9999999999999999999999999999999999999999")
	assert.NotEqual(t, base, relay.Digest(calls, other, 1))
}
