package quote

import (
	"errors"
	"fmt"

	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/defistate/defistate-dex-go/protocols/dex/calculator"
)

// ErrorKind is the stable classification of a failed quote.
type ErrorKind uint8

const (
	KindExchangeNotFound ErrorKind = iota + 1
	KindNotEnoughLiquidity
	KindOverflow
	KindUnexpected
)

func (k ErrorKind) String() string {
	switch k {
	case KindExchangeNotFound:
		return "ExchangeNotFound"
	case KindNotEnoughLiquidity:
		return "NotEnoughLiquidity"
	case KindOverflow:
		return "Overflow"
	case KindUnexpected:
		return "Unexpected"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Error is the only error type returned by a Quoter.
// Diagnostic is set for KindUnexpected and carries the text of the internal failure.
type Error struct {
	Kind       ErrorKind
	Diagnostic []byte
}

// Sentinels for errors.Is. Matching is by kind only, so an Unexpected error with any
// diagnostic matches ErrUnexpected.
var (
	ErrExchangeNotFound   = &Error{Kind: KindExchangeNotFound}
	ErrNotEnoughLiquidity = &Error{Kind: KindNotEnoughLiquidity}
	ErrOverflow           = &Error{Kind: KindOverflow}
	ErrUnexpected         = &Error{Kind: KindUnexpected}
)

func (e *Error) Error() string {
	if len(e.Diagnostic) == 0 {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + string(e.Diagnostic)
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// classify maps an internal failure onto the stable error set.
func classify(err error) *Error {
	var qErr *Error
	switch {
	case errors.As(err, &qErr):
		return qErr
	case errors.Is(err, calculator.ErrNotEnoughLiquidity):
		return &Error{Kind: KindNotEnoughLiquidity}
	case errors.Is(err, dex.ErrOverflow):
		return &Error{Kind: KindOverflow}
	default:
		return &Error{Kind: KindUnexpected, Diagnostic: []byte(err.Error())}
	}
}
