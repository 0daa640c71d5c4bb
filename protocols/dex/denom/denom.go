// Package denom converts amounts between currency units and asset units.
package denom

import (
	"errors"
	"fmt"

	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/holiman/uint256"
)

// MaxDecimalsGap is the largest supported difference between currency and asset decimals.
// 10^38 is the largest power of ten below 2^128.
const MaxDecimalsGap = 38

// ErrInvalidDecimals is returned when a Decimals converter cannot be built.
var ErrInvalidDecimals = errors.New("invalid decimals")

// Rounding selects how a lossy conversion resolves a remainder.
type Rounding uint8

const (
	// Floor rounds toward zero. Use it for amounts the trader receives.
	Floor Rounding = iota
	// Ceil rounds away from zero. Use it for amounts the trader pays or requests.
	Ceil
)

func (r Rounding) String() string {
	switch r {
	case Floor:
		return "floor"
	case Ceil:
		return "ceil"
	default:
		return fmt.Sprintf("Rounding(%d)", uint8(r))
	}
}

// Converter moves amounts between the two denominations.
// Implementations must be deterministic, monotonic and safe for concurrent use.
type Converter interface {
	AssetToCurrency(a dex.AssetBalance, r Rounding) (dex.Balance, error)
	CurrencyToAsset(b dex.Balance, r Rounding) (dex.AssetBalance, error)
}

// Identity treats one asset unit as one currency unit. Rounding never applies.
type Identity struct{}

func (Identity) AssetToCurrency(a dex.AssetBalance, _ Rounding) (dex.Balance, error) {
	var x uint256.Int
	return dex.BalanceFromUint256(a.CopyTo(&x))
}

func (Identity) CurrencyToAsset(b dex.Balance, _ Rounding) (dex.AssetBalance, error) {
	var x uint256.Int
	return dex.AssetBalanceFromUint256(b.CopyTo(&x))
}

// Decimals rescales between fixed-point denominations with different precision.
// Scaling down resolves the remainder with the requested Rounding; scaling up
// past dex.BalanceBits fails with dex.ErrOverflow.
type Decimals struct {
	currency uint8
	asset    uint8
	factor   uint256.Int
}

// NewDecimals builds a converter for a currency with currencyDecimals and an asset with assetDecimals.
func NewDecimals(currencyDecimals, assetDecimals uint8) (*Decimals, error) {
	gap := int(currencyDecimals) - int(assetDecimals)
	if gap < 0 {
		gap = -gap
	}
	if gap > MaxDecimalsGap {
		return nil, fmt.Errorf("%w: currency %d and asset %d differ by more than %d", ErrInvalidDecimals, currencyDecimals, assetDecimals, MaxDecimalsGap)
	}

	d := &Decimals{currency: currencyDecimals, asset: assetDecimals}
	d.factor.Exp(uint256.NewInt(10), uint256.NewInt(uint64(gap)))
	return d, nil
}

// CurrencyDecimals returns the currency precision.
func (d *Decimals) CurrencyDecimals() uint8 { return d.currency }

// AssetDecimals returns the asset precision.
func (d *Decimals) AssetDecimals() uint8 { return d.asset }

func (d *Decimals) AssetToCurrency(a dex.AssetBalance, r Rounding) (dex.Balance, error) {
	var x uint256.Int
	if err := d.rescale(a.CopyTo(&x), d.currency > d.asset, r); err != nil {
		return dex.Balance{}, fmt.Errorf("asset %s to currency: %w", a, err)
	}
	return dex.BalanceFromUint256(&x)
}

func (d *Decimals) CurrencyToAsset(b dex.Balance, r Rounding) (dex.AssetBalance, error) {
	var x uint256.Int
	if err := d.rescale(b.CopyTo(&x), d.asset > d.currency, r); err != nil {
		return dex.AssetBalance{}, fmt.Errorf("currency %s to asset: %w", b, err)
	}
	return dex.AssetBalanceFromUint256(&x)
}

func (d *Decimals) rescale(x *uint256.Int, up bool, r Rounding) error {
	if up {
		if _, overflow := x.MulOverflow(x, &d.factor); overflow || !dex.Fits(x) {
			return dex.ErrOverflow
		}
		return nil
	}
	var rem uint256.Int
	x.DivMod(x, &d.factor, &rem)
	// x < 2^128 / factor here, so the increment stays in range.
	if r == Ceil && !rem.IsZero() {
		x.AddUint64(x, 1)
	}
	return nil
}
