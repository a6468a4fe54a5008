// Package tickmath converts between tick indices and Q64.96 square-root
// prices for concentrated-liquidity pools. All functions are pure.
package tickmath

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// MinTick and MaxTick bound the supported tick domain.
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	ErrTickRange      = errors.New("tick outside supported range")
	ErrSqrtPriceRange = errors.New("sqrt price outside supported range")

	// Q32, Q96 are fixed-point scaling constants.
	Q32 = new(big.Int).Lsh(big.NewInt(1), 32)
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	// MinSqrtRatio and MaxSqrtRatio are the sqrt prices at MinTick and
	// MaxTick respectively.
	MinSqrtRatio    = big.NewInt(4295128739)
	MaxSqrtRatio, _ = new(big.Int).SetString("1461446703485210103287273052203988822378723970342", 10)

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	q192       = new(big.Int).Lsh(big.NewInt(1), 192)

	// Per-bit multipliers: sqrtRatios[i] = sqrt(1/1.0001^(2^i)) in Q128.
	sqrtRatios = mustParseRatios([]string{
		"fffcb933bd6fad37aa2d162d1a594001",
		"fff97272373d413259a46990580e213a",
		"fff2e50f5f656932ef12357cf3c7fdcc",
		"ffe5caca7e10e4e61c3624eaa0941cd0",
		"ffcb9843d60f6159c9db58835c926644",
		"ff973b41fa98c081472e6896dfb254c0",
		"ff2ea16466c96a3843ec78b326b52861",
		"fe5dee046a99a2a811c461f1969c3053",
		"fcbe86c7900a88aedcffc83b479aa3a4",
		"f987a7253ac413176f2b074cf7815e54",
		"f3392b0822b70005940c7a398e4b70f3",
		"e7159475a2c29b7443b29c7fa6e889d9",
		"d097f3bdfd2022b8845ad8f792aa5825",
		"a9f746462d870fdf8a65dc1f90e061e5",
		"70d869a156d2a1b890bb3df62baf32f7",
		"31be135f97d08fd981231505542fcfa6",
		"9aa508b5b7a84e1c677de54f3e99bc9",
		"5d6af8dedb81196699c329225ee604",
		"2216e584f5fa1ea926041bedfe98",
		"48a170391f7dc42444e8fa2",
	})
)

func mustParseRatios(hexes []string) []*big.Int {
	out := make([]*big.Int, len(hexes))
	for i, h := range hexes {
		v, ok := new(big.Int).SetString(h, 16)
		if !ok {
			panic("tickmath: bad ratio constant " + h)
		}
		out[i] = v
	}
	return out
}

// TickToSqrtPriceX96 returns sqrt(1.0001^tick) * 2^96.
//
// The absolute tick is decomposed bit by bit; each set bit multiplies the
// Q128 accumulator by a precomputed constant followed by a right shift of
// 128 to stay in domain. Positive ticks take the inverse of the ratio
// (the constants encode negative powers). The final Q128 value is reduced
// to Q96 rounding up on a nonzero 2^32 remainder, which keeps trigger
// comparisons conservative.
func TickToSqrtPriceX96(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickRange
	}

	absTick := uint32(tick)
	if tick < 0 {
		absTick = uint32(-tick)
	}

	ratio := new(big.Int).Lsh(big.NewInt(1), 128)
	if absTick&1 != 0 {
		ratio.Set(sqrtRatios[0])
	}
	for i := 1; i < len(sqrtRatios); i++ {
		if absTick&(1<<uint(i)) != 0 {
			ratio.Mul(ratio, sqrtRatios[i])
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128 -> Q96, rounding up.
	rem := new(big.Int)
	ratio.QuoRem(ratio, Q32, rem)
	if rem.Sign() != 0 {
		ratio.Add(ratio, big.NewInt(1))
	}
	return ratio, nil
}

// SqrtPriceX96ToTick returns the greatest tick whose sqrt ratio is at most
// sqrtPriceX96, found by binary search over the tick domain.
func SqrtPriceX96ToTick(sqrtPriceX96 *big.Int) (int32, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return 0, ErrSqrtPriceRange
	}
	if sqrtPriceX96.Cmp(MinSqrtRatio) < 0 || sqrtPriceX96.Cmp(MaxSqrtRatio) > 0 {
		return 0, ErrSqrtPriceRange
	}

	low, high := MinTick, MaxTick
	for low < high {
		mid := low + (high-low+1)/2
		sqrtMid, err := TickToSqrtPriceX96(mid)
		if err != nil {
			return 0, err
		}
		if sqrtMid.Cmp(sqrtPriceX96) <= 0 {
			low = mid
		} else {
			high = mid - 1
		}
	}
	return low, nil
}

// EncodeSqrtRatioX96 returns sqrt(amount1/amount0) * 2^96, the canonical
// encoding of a target price given as a token amount ratio.
func EncodeSqrtRatioX96(amount1, amount0 *big.Int) (*big.Int, error) {
	if amount0 == nil || amount0.Sign() <= 0 {
		return nil, ErrSqrtPriceRange
	}
	if amount1 == nil || amount1.Sign() <= 0 {
		return nil, ErrSqrtPriceRange
	}
	ratioX192 := new(big.Int).Lsh(amount1, 192)
	ratioX192.Div(ratioX192, amount0)
	return new(big.Int).Sqrt(ratioX192), nil
}

// InvertSqrtPriceX96 returns the sqrt price of the reciprocal ratio,
// 2^192 / sqrtPriceX96. Used when a caller's raw token order differs from
// the canonical pair order.
func InvertSqrtPriceX96(sqrtPriceX96 *big.Int) (*big.Int, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return nil, ErrSqrtPriceRange
	}
	return new(big.Int).Div(q192, sqrtPriceX96), nil
}

// PriceFromSqrtX96 decodes a sqrt price into a human-readable token1/token0
// price, adjusting for token decimals.
func PriceFromSqrtX96(sqrtPriceX96 *big.Int, decimals0, decimals1 int32) decimal.Decimal {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return decimal.Zero
	}
	sqrt := decimal.NewFromBigInt(sqrtPriceX96, 0).Div(decimal.NewFromBigInt(Q96, 0))
	price := sqrt.Mul(sqrt)
	return price.Shift(decimals0 - decimals1)
}

// TickSpacing returns the tick spacing for a pool fee tier, or zero for an
// unknown tier.
func TickSpacing(feeTier uint32) int32 {
	switch feeTier {
	case 100:
		return 1
	case 500:
		return 10
	case 3000:
		return 60
	case 10000:
		return 200
	default:
		return 0
	}
}

// TickRange brackets tick with one spacing of margin, clamped to the
// supported domain and aligned to the spacing grid.
func TickRange(tick, spacing int32) (int32, int32) {
	lower := floorDiv(tick, spacing) * spacing
	upper := lower + spacing
	if lower < MinTick {
		lower = MinTick
	}
	if upper > MaxTick {
		upper = MaxTick
	}
	return lower, upper
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
