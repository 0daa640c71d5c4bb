package calculator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when an intermediate product or sum does not fit in dex.BalanceBits.
	ErrOverflow = dex.ErrOverflow
	// ErrNotEnoughLiquidity is returned when a requested output is greater than or equal to the output reserve.
	ErrNotEnoughLiquidity = errors.New("not enough liquidity")
	// ErrZeroDenominator is returned when the curve denominator collapses to zero.
	ErrZeroDenominator = errors.New("zero denominator")
	// ErrInvalidFee is returned for a fee that is not a proper fraction.
	ErrInvalidFee = errors.New("invalid fee")

	// DefaultFee keeps 99.7% of the input, i.e. a 0.3% trading fee.
	DefaultFee = Fee{Numerator: 997, Denominator: 1000}

	one = uint256.NewInt(1)
)

// Fee is the share of the input that reaches the curve, as Numerator/Denominator.
type Fee struct {
	Numerator   uint64 `json:"numerator" yaml:"numerator"`
	Denominator uint64 `json:"denominator" yaml:"denominator"`
}

// Validate checks that 0 < Numerator <= Denominator.
func (f Fee) Validate() error {
	if f.Denominator == 0 {
		return fmt.Errorf("%w: denominator must be greater than zero", ErrInvalidFee)
	}
	if f.Numerator == 0 {
		return fmt.Errorf("%w: numerator must be greater than zero", ErrInvalidFee)
	}
	if f.Numerator > f.Denominator {
		return fmt.Errorf("%w: numerator %d exceeds denominator %d", ErrInvalidFee, f.Numerator, f.Denominator)
	}
	return nil
}

// Calculator holds reusable uint256 values to avoid allocations during calculations.
// Instances are NOT safe for concurrent use by themselves; they are handed out by calculatorPool.
type Calculator struct {
	amount        uint256.Int
	inputReserve  uint256.Int
	outputReserve uint256.Int
	amountWithFee uint256.Int
	numerator     uint256.Int
	denominator   uint256.Int
	result        uint256.Int
}

var calculatorPool = sync.Pool{
	New: func() any {
		return new(Calculator)
	},
}

// Engine prices trades on a constant-product curve with a fixed fee.
// An Engine holds no mutable state and is safe for concurrent use.
type Engine struct {
	fee            Fee
	feeNumerator   uint256.Int
	feeDenominator uint256.Int
}

// New creates an Engine for the given fee.
func New(fee Fee) (*Engine, error) {
	if err := fee.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{fee: fee}
	e.feeNumerator.SetUint64(fee.Numerator)
	e.feeDenominator.SetUint64(fee.Denominator)
	return e, nil
}

// Fee returns the fee the engine was created with.
func (e *Engine) Fee() Fee {
	return e.fee
}

// GetInputPrice answers "if I pay amountIn, how much do I receive?".
//
//	amountOut = amountIn*feeNum*outputReserve / (inputReserve*feeDen + amountIn*feeNum)
//
// The division truncates, so the trader is never overpaid.
func (e *Engine) GetInputPrice(amountIn, inputReserve, outputReserve dex.Balance) (dex.Balance, error) {
	c := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(c)
	return c.getInputPrice(e, amountIn, inputReserve, outputReserve)
}

// GetOutputPrice answers "how much must I pay to receive exactly amountOut?".
//
//	amountIn = inputReserve*amountOut*feeDen / ((outputReserve - amountOut)*feeNum) + 1
//
// The quotient is rounded up by adding one, so the pool is never under-charged.
func (e *Engine) GetOutputPrice(amountOut, inputReserve, outputReserve dex.Balance) (dex.Balance, error) {
	c := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(c)
	return c.getOutputPrice(e, amountOut, inputReserve, outputReserve)
}

func (c *Calculator) getInputPrice(e *Engine, amountIn, inputReserve, outputReserve dex.Balance) (dex.Balance, error) {
	amountIn.CopyTo(&c.amount)
	inputReserve.CopyTo(&c.inputReserve)
	outputReserve.CopyTo(&c.outputReserve)

	if err := checkedMul(&c.amountWithFee, &c.amount, &e.feeNumerator); err != nil {
		return dex.Balance{}, fmt.Errorf("%w: input amount with fee", err)
	}
	if err := checkedMul(&c.numerator, &c.amountWithFee, &c.outputReserve); err != nil {
		return dex.Balance{}, fmt.Errorf("%w: numerator", err)
	}
	if err := checkedMul(&c.denominator, &c.inputReserve, &e.feeDenominator); err != nil {
		return dex.Balance{}, fmt.Errorf("%w: scaled input reserve", err)
	}
	if err := checkedAdd(&c.denominator, &c.denominator, &c.amountWithFee); err != nil {
		return dex.Balance{}, fmt.Errorf("%w: denominator", err)
	}
	if c.denominator.IsZero() {
		return dex.Balance{}, fmt.Errorf("%w: empty input reserve and zero amount", ErrZeroDenominator)
	}

	c.result.Div(&c.numerator, &c.denominator)
	return dex.BalanceFromUint256(&c.result)
}

func (c *Calculator) getOutputPrice(e *Engine, amountOut, inputReserve, outputReserve dex.Balance) (dex.Balance, error) {
	if amountOut.Cmp(outputReserve) >= 0 {
		return dex.Balance{}, fmt.Errorf("%w: requested %s, output reserve %s", ErrNotEnoughLiquidity, amountOut, outputReserve)
	}

	amountOut.CopyTo(&c.amount)
	inputReserve.CopyTo(&c.inputReserve)
	outputReserve.CopyTo(&c.outputReserve)

	if err := checkedMul(&c.numerator, &c.inputReserve, &c.amount); err != nil {
		return dex.Balance{}, fmt.Errorf("%w: input reserve times amount", err)
	}
	if err := checkedMul(&c.numerator, &c.numerator, &e.feeDenominator); err != nil {
		return dex.Balance{}, fmt.Errorf("%w: numerator", err)
	}

	// amountOut < outputReserve was checked above, so this cannot wrap.
	c.denominator.Sub(&c.outputReserve, &c.amount)
	if err := checkedMul(&c.denominator, &c.denominator, &e.feeNumerator); err != nil {
		return dex.Balance{}, fmt.Errorf("%w: denominator", err)
	}
	if c.denominator.IsZero() {
		return dex.Balance{}, fmt.Errorf("%w: remaining output reserve", ErrZeroDenominator)
	}

	c.result.Div(&c.numerator, &c.denominator)
	if err := checkedAdd(&c.result, &c.result, one); err != nil {
		return dex.Balance{}, fmt.Errorf("%w: rounding up", err)
	}
	return dex.BalanceFromUint256(&c.result)
}

// checkedMul sets z = x*y and fails if the product is wider than dex.BalanceBits.
// Operands are at most 128 bits wide, so the 256-bit product itself never wraps.
func checkedMul(z, x, y *uint256.Int) error {
	if _, overflow := z.MulOverflow(x, y); overflow || !dex.Fits(z) {
		return ErrOverflow
	}
	return nil
}

// checkedAdd sets z = x+y and fails if the sum is wider than dex.BalanceBits.
func checkedAdd(z, x, y *uint256.Int) error {
	if _, overflow := z.AddOverflow(x, y); overflow || !dex.Fits(z) {
		return ErrOverflow
	}
	return nil
}
