package pool

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kestrelfi/limit-keeper/internal/tickmath"
)

func sqrtAtTickClamped(tick int32) *big.Int {
	if tick < tickmath.MinTick {
		return new(big.Int).Set(tickmath.MinSqrtRatio)
	}
	if tick > tickmath.MaxTick {
		return new(big.Int).Set(tickmath.MaxSqrtRatio)
	}
	v, _ := tickmath.TickToSqrtPriceX96(tick)
	return v
}

var (
	ErrUnknownPool         = errors.New("unknown pool")
	ErrUnknownPosition     = errors.New("unknown or already withdrawn position")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

var q192 = new(big.Int).Lsh(big.NewInt(1), 192)

type simPool struct {
	sqrtPriceX96 *big.Int
}

type simPosition struct {
	token0, token1       string
	feeTier              uint32
	tickLower, tickUpper int32
	amount0, amount1     *big.Int
}

// Simulated is an in-memory stand-in for the AMM and token contracts.
// Pool prices are set explicitly, which is what lets the simulation and
// the tests drive trigger crossings deterministically.
type Simulated struct {
	mu           sync.Mutex
	pools        map[string]*simPool
	positions    map[string]*simPosition
	balances     map[string]map[string]*big.Int // token -> owner -> balance
	failCollect  map[string]bool
	nextPosition uint64
}

// NewSimulated returns an empty simulated environment.
func NewSimulated() *Simulated {
	return &Simulated{
		pools:       make(map[string]*simPool),
		positions:   make(map[string]*simPosition),
		balances:    make(map[string]map[string]*big.Int),
		failCollect: make(map[string]bool),
	}
}

func poolKey(token0, token1 string, feeTier uint32) string {
	return fmt.Sprintf("%s/%s/%d", strings.ToLower(token0), strings.ToLower(token1), feeTier)
}

// CreatePool registers a pool at an initial sqrt price. Token order must
// already be canonical.
func (s *Simulated) CreatePool(token0, token1 string, feeTier uint32, sqrtPriceX96 *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[poolKey(token0, token1, feeTier)] = &simPool{sqrtPriceX96: new(big.Int).Set(sqrtPriceX96)}
}

// SetSqrtPriceX96 moves a pool's price.
func (s *Simulated) SetSqrtPriceX96(token0, token1 string, feeTier uint32, sqrtPriceX96 *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolKey(token0, token1, feeTier)]
	if !ok {
		return ErrUnknownPool
	}
	p.sqrtPriceX96 = new(big.Int).Set(sqrtPriceX96)
	return nil
}

// SetCollectFailure makes Collect fail for a position, simulating an
// external revert so settlement retry paths can be exercised.
func (s *Simulated) SetCollectFailure(positionID string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCollect[positionID] = fail
}

// Credit seeds an owner's token balance.
func (s *Simulated) Credit(token, owner string, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(token, owner, amount)
}

// BalanceOf reports an owner's token balance.
func (s *Simulated) BalanceOf(token, owner string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.balance(token, owner); b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (s *Simulated) credit(token, owner string, amount *big.Int) {
	token, owner = strings.ToLower(token), strings.ToLower(owner)
	if s.balances[token] == nil {
		s.balances[token] = make(map[string]*big.Int)
	}
	if s.balances[token][owner] == nil {
		s.balances[token][owner] = new(big.Int)
	}
	s.balances[token][owner].Add(s.balances[token][owner], amount)
}

func (s *Simulated) balance(token, owner string) *big.Int {
	return s.balances[strings.ToLower(token)][strings.ToLower(owner)]
}

// MintPosition implements PositionManager.
func (s *Simulated) MintPosition(token0, token1 string, feeTier uint32, tickLower, tickUpper int32, amount0, amount1 *big.Int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[poolKey(token0, token1, feeTier)]; !ok {
		return "", ErrUnknownPool
	}

	s.nextPosition++
	id := fmt.Sprintf("POS-%d", s.nextPosition)
	s.positions[id] = &simPosition{
		token0:    strings.ToLower(token0),
		token1:    strings.ToLower(token1),
		feeTier:   feeTier,
		tickLower: tickLower,
		tickUpper: tickUpper,
		amount0:   new(big.Int).Set(amount0),
		amount1:   new(big.Int).Set(amount1),
	}
	log.Debug().
		Str("position_id", id).
		Str("token0", token0).
		Str("token1", token1).
		Uint32("fee_tier", feeTier).
		Msg("minted simulated position")
	return id, nil
}

// Collect implements PositionManager. A position whose pool price has
// crossed beyond its range comes back fully converted to the other token;
// otherwise the original composition is returned. The position is consumed
// either way, so a second withdraw fails.
func (s *Simulated) Collect(positionID string) (*big.Int, *big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCollect[positionID] {
		return nil, nil, fmt.Errorf("collect reverted for %s", positionID)
	}

	pos, ok := s.positions[positionID]
	if !ok {
		return nil, nil, ErrUnknownPosition
	}
	p, ok := s.pools[poolKey(pos.token0, pos.token1, pos.feeTier)]
	if !ok {
		return nil, nil, ErrUnknownPool
	}

	amount0 := new(big.Int).Set(pos.amount0)
	amount1 := new(big.Int).Set(pos.amount1)

	priceX192 := new(big.Int).Mul(p.sqrtPriceX96, p.sqrtPriceX96)
	upperSqrt := sqrtAtTickClamped(pos.tickUpper)
	lowerSqrt := sqrtAtTickClamped(pos.tickLower)

	switch {
	case amount0.Sign() > 0 && p.sqrtPriceX96.Cmp(upperSqrt) >= 0:
		// Sold token0 into token1 across the full range.
		converted := new(big.Int).Mul(amount0, priceX192)
		amount1.Add(amount1, converted.Div(converted, q192))
		amount0.SetInt64(0)
	case amount1.Sign() > 0 && p.sqrtPriceX96.Cmp(lowerSqrt) <= 0:
		// Bought token0 with token1 across the full range.
		converted := new(big.Int).Mul(amount1, q192)
		amount0.Add(amount0, converted.Div(converted, priceX192))
		amount1.SetInt64(0)
	}

	delete(s.positions, positionID)
	return amount0, amount1, nil
}

// CurrentSqrtPriceX96 implements PositionManager.
func (s *Simulated) CurrentSqrtPriceX96(token0, token1 string, feeTier uint32) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolKey(token0, token1, feeTier)]
	if !ok {
		return nil, ErrUnknownPool
	}
	return new(big.Int).Set(p.sqrtPriceX96), nil
}

// TransferIn implements AssetTransfer, moving tokens from an owner into
// escrow.
func (s *Simulated) TransferIn(token, from string, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(token, from)
	if b == nil || b.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	b.Sub(b, amount)
	return nil
}

// TransferOut implements AssetTransfer, releasing escrowed tokens to an
// owner.
func (s *Simulated) TransferOut(token, to string, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(token, to, amount)
	return nil
}
