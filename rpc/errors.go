package rpc

import (
	"errors"

	"github.com/defistate/defistate-dex-go/quote"
)

// JSON-RPC error codes for quote failures.
const (
	ErrCodeExchangeNotFound   = -32010
	ErrCodeNotEnoughLiquidity = -32011
	ErrCodeOverflow           = -32012
	ErrCodeUnexpected         = -32013
)

// Error is a quote failure as seen by JSON-RPC clients. It implements the
// go-ethereum rpc.Error and rpc.DataError interfaces.
type Error struct {
	Kind       quote.ErrorKind
	Diagnostic string
}

// ErrorDetail is the "data" member of a quote error response.
type ErrorDetail struct {
	Kind       string `json:"kind"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

func (e *Error) Error() string {
	if e.Diagnostic == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Diagnostic
}

func (e *Error) ErrorCode() int {
	switch e.Kind {
	case quote.KindExchangeNotFound:
		return ErrCodeExchangeNotFound
	case quote.KindNotEnoughLiquidity:
		return ErrCodeNotEnoughLiquidity
	case quote.KindOverflow:
		return ErrCodeOverflow
	default:
		return ErrCodeUnexpected
	}
}

func (e *Error) ErrorData() interface{} {
	return ErrorDetail{Kind: e.Kind.String(), Diagnostic: e.Diagnostic}
}

func toRPCError(err error) error {
	var qErr *quote.Error
	if errors.As(err, &qErr) {
		return &Error{Kind: qErr.Kind, Diagnostic: string(qErr.Diagnostic)}
	}
	return &Error{Kind: quote.KindUnexpected, Diagnostic: err.Error()}
}
