package types

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// BigInt wraps math/big.Int so wei-scale amounts and Q64.96 prices can be
// stored in a gorm column and serialised in API payloads without losing
// precision. Values are persisted as base-10 strings.
type BigInt struct {
	big.Int
}

// NewBigInt copies v into a BigInt. A nil v yields zero.
func NewBigInt(v *big.Int) BigInt {
	var b BigInt
	if v != nil {
		b.Set(v)
	}
	return b
}

// NewBigIntFromUint64 returns a BigInt holding v.
func NewBigIntFromUint64(v uint64) BigInt {
	var b BigInt
	b.SetUint64(v)
	return b
}

// Big returns a copy of the wrapped integer.
func (b *BigInt) Big() *big.Int {
	return new(big.Int).Set(&b.Int)
}

// Value implements driver.Valuer.
func (b BigInt) Value() (driver.Value, error) {
	return b.String(), nil
}

// Scan implements sql.Scanner.
func (b *BigInt) Scan(value interface{}) error {
	if value == nil {
		b.SetInt64(0)
		return nil
	}
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case int64:
		b.SetInt64(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into BigInt", value)
	}
	if s == "" {
		b.SetInt64(0)
		return nil
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("invalid big integer string %q", s)
	}
	return nil
}

// MarshalJSON renders the value as a JSON string to survive javascript
// number precision limits on the consumer side.
func (b BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare base-10 integers.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		b.SetInt64(0)
		return nil
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("invalid big integer %q", s)
	}
	return nil
}
