// Package errs defines the engine's closed error surface.
//
// Every failure the core can produce carries exactly one Kind. Arithmetic
// kinds (Overflow, DividedByZero, PowComputation, Convert) abort an action
// immediately; validation kinds are reported to the caller; InvalidTokenBalance
// is fatal at commit time.
package errs

import (
	"errors"
	"fmt"
)

// Kind discriminates engine failures.
type Kind int32

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindInvalidPrices
	KindDisabledMarket
	KindUnknownOrDisabledToken
	KindInsufficientReserve
	KindMaxPoolAmountExceeded
	KindMaxPoolValueExceeded
	KindMaxOpenInterestExceeded
	KindPnlFactorExceeded
	KindInsufficientOutputAmount
	KindLiquidatable
	KindNotLiquidatable
	KindInsufficientFundsToPayForCosts
	KindOverflow
	KindDividedByZero
	KindPowComputation
	KindConvert
	KindInvalidTokenBalance
	KindPreconditionsNotMet
	KindMaxPriceAgeExceeded
	KindMaxPriceTimestampExceeded
	KindPriceDeviationExceeded
	KindInvalidSwapPath
	KindUnableToGetBorrowingFactorEmptyPoolValue
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindInvalidPrices:
		return "InvalidPrices"
	case KindDisabledMarket:
		return "DisabledMarket"
	case KindUnknownOrDisabledToken:
		return "UnknownOrDisabledToken"
	case KindInsufficientReserve:
		return "InsufficientReserve"
	case KindMaxPoolAmountExceeded:
		return "MaxPoolAmountExceeded"
	case KindMaxPoolValueExceeded:
		return "MaxPoolValueExceeded"
	case KindMaxOpenInterestExceeded:
		return "MaxOpenInterestExceeded"
	case KindPnlFactorExceeded:
		return "PnlFactorExceeded"
	case KindInsufficientOutputAmount:
		return "InsufficientOutputAmount"
	case KindLiquidatable:
		return "Liquidatable"
	case KindNotLiquidatable:
		return "NotLiquidatable"
	case KindInsufficientFundsToPayForCosts:
		return "InsufficientFundsToPayForCosts"
	case KindOverflow:
		return "Overflow"
	case KindDividedByZero:
		return "DividedByZero"
	case KindPowComputation:
		return "PowComputation"
	case KindConvert:
		return "Convert"
	case KindInvalidTokenBalance:
		return "InvalidTokenBalance"
	case KindPreconditionsNotMet:
		return "PreconditionsNotMet"
	case KindMaxPriceAgeExceeded:
		return "MaxPriceAgeExceeded"
	case KindMaxPriceTimestampExceeded:
		return "MaxPriceTimestampExceeded"
	case KindPriceDeviationExceeded:
		return "PriceDeviationExceeded"
	case KindInvalidSwapPath:
		return "InvalidSwapPath"
	case KindUnableToGetBorrowingFactorEmptyPoolValue:
		return "UnableToGetBorrowingFactorEmptyPoolValue"
	default:
		return "Unknown"
	}
}

// Error pairs a Kind with context. The Kind survives %w wrapping.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error with a formatted message.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if errors.As(err, &e) {
			return e.Kind == kind
		}
		err = errors.Unwrap(err)
	}
	return false
}

// KindOf returns the kind of the outermost *Error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsArithmetic reports whether the kind is an arithmetic failure that must
// abort the action immediately.
func IsArithmetic(kind Kind) bool {
	switch kind {
	case KindOverflow, KindDividedByZero, KindPowComputation, KindConvert:
		return true
	}
	return false
}
