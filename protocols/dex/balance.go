package dex

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// BalanceBits is the integer width of every reserve and trade amount.
const BalanceBits = 128

var (
	// ErrOverflow is returned when a value or an intermediate result does not fit in BalanceBits.
	ErrOverflow = errors.New("arithmetic overflow")
	// ErrInvalidBalance is returned when a textual amount cannot be parsed.
	ErrInvalidBalance = errors.New("invalid balance")

	maxBalance = new(uint256.Int).Sub(
		new(uint256.Int).Lsh(uint256.NewInt(1), BalanceBits),
		uint256.NewInt(1),
	)
)

// Balance is an amount denominated in currency units.
// The zero value is a valid zero balance.
type Balance struct {
	v uint256.Int
}

// AssetBalance is an amount denominated in asset (token) units.
// Moving between Balance and AssetBalance goes through a denom.Converter.
type AssetBalance struct {
	v uint256.Int
}

// NewBalance returns a currency balance holding x.
func NewBalance(x uint64) Balance {
	var b Balance
	b.v.SetUint64(x)
	return b
}

// MaxBalance returns the largest representable currency balance (2^128 - 1).
func MaxBalance() Balance {
	var b Balance
	b.v.Set(maxBalance)
	return b
}

// BalanceFromUint256 wraps x as a currency balance, failing with ErrOverflow if x is wider than BalanceBits.
func BalanceFromUint256(x *uint256.Int) (Balance, error) {
	var b Balance
	if err := setBounded(&b.v, x); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// ParseBalance parses a decimal or 0x-prefixed hexadecimal currency amount.
func ParseBalance(s string) (Balance, error) {
	var b Balance
	if err := parseBounded(&b.v, s); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// Uint256 returns a copy of the underlying value.
func (b Balance) Uint256() *uint256.Int { return b.v.Clone() }

// CopyTo writes the value into dst without allocating and returns dst.
func (b Balance) CopyTo(dst *uint256.Int) *uint256.Int { return dst.Set(&b.v) }

// IsZero reports whether the balance is zero.
func (b Balance) IsZero() bool { return b.v.IsZero() }

// Cmp compares b and o and returns -1, 0 or +1.
func (b Balance) Cmp(o Balance) int { return b.v.Cmp(&o.v) }

// String returns the decimal representation.
func (b Balance) String() string { return b.v.Dec() }

// MarshalJSON encodes the balance as a quoted decimal string.
func (b Balance) MarshalJSON() ([]byte, error) { return marshalAmount(&b.v), nil }

// UnmarshalJSON accepts a quoted decimal, a quoted 0x-hex string or a bare decimal number.
func (b *Balance) UnmarshalJSON(data []byte) error { return unmarshalAmount(&b.v, data) }

// NewAssetBalance returns an asset balance holding x.
func NewAssetBalance(x uint64) AssetBalance {
	var a AssetBalance
	a.v.SetUint64(x)
	return a
}

// MaxAssetBalance returns the largest representable asset balance (2^128 - 1).
func MaxAssetBalance() AssetBalance {
	var a AssetBalance
	a.v.Set(maxBalance)
	return a
}

// AssetBalanceFromUint256 wraps x as an asset balance, failing with ErrOverflow if x is wider than BalanceBits.
func AssetBalanceFromUint256(x *uint256.Int) (AssetBalance, error) {
	var a AssetBalance
	if err := setBounded(&a.v, x); err != nil {
		return AssetBalance{}, err
	}
	return a, nil
}

// ParseAssetBalance parses a decimal or 0x-prefixed hexadecimal asset amount.
func ParseAssetBalance(s string) (AssetBalance, error) {
	var a AssetBalance
	if err := parseBounded(&a.v, s); err != nil {
		return AssetBalance{}, err
	}
	return a, nil
}

// Uint256 returns a copy of the underlying value.
func (a AssetBalance) Uint256() *uint256.Int { return a.v.Clone() }

// CopyTo writes the value into dst without allocating and returns dst.
func (a AssetBalance) CopyTo(dst *uint256.Int) *uint256.Int { return dst.Set(&a.v) }

// IsZero reports whether the balance is zero.
func (a AssetBalance) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and o and returns -1, 0 or +1.
func (a AssetBalance) Cmp(o AssetBalance) int { return a.v.Cmp(&o.v) }

// String returns the decimal representation.
func (a AssetBalance) String() string { return a.v.Dec() }

// MarshalJSON encodes the balance as a quoted decimal string.
func (a AssetBalance) MarshalJSON() ([]byte, error) { return marshalAmount(&a.v), nil }

// UnmarshalJSON accepts the same forms as Balance.UnmarshalJSON.
func (a *AssetBalance) UnmarshalJSON(data []byte) error { return unmarshalAmount(&a.v, data) }

// Fits reports whether x can be held by a Balance or AssetBalance.
func Fits(x *uint256.Int) bool {
	return x.BitLen() <= BalanceBits
}

func setBounded(dst, x *uint256.Int) error {
	if x == nil {
		return fmt.Errorf("%w: nil value", ErrInvalidBalance)
	}
	if !Fits(x) {
		return fmt.Errorf("%w: %s exceeds %d bits", ErrOverflow, x.Dec(), BalanceBits)
	}
	dst.Set(x)
	return nil
}

func parseBounded(dst *uint256.Int, s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%w: empty string", ErrInvalidBalance)
	}

	var (
		x   *uint256.Int
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		x, err = uint256.FromHex("0x" + s[2:])
	} else {
		x, err = uint256.FromDecimal(s)
	}
	if err != nil {
		if errors.Is(err, uint256.ErrBig256Range) {
			return fmt.Errorf("%w: %q exceeds %d bits", ErrOverflow, s, BalanceBits)
		}
		return fmt.Errorf("%w: %q: %v", ErrInvalidBalance, s, err)
	}
	return setBounded(dst, x)
}

func marshalAmount(x *uint256.Int) []byte {
	dec := x.Dec()
	out := make([]byte, 0, len(dec)+2)
	out = append(out, '"')
	out = append(out, dec...)
	return append(out, '"')
}

func unmarshalAmount(dst *uint256.Int, data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	return parseBounded(dst, string(data))
}
