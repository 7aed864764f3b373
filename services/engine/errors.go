package engine

// Error taxonomy for backtest runs

import "fmt"

type ErrorKind string

const (
	KindConfiguration ErrorKind = "ConfigurationError"
	KindData          ErrorKind = "DataError"
	KindStrategy      ErrorKind = "StrategyError"
	KindLiquidity     ErrorKind = "LiquidityError"
	KindState         ErrorKind = "StateError"
)

// Error carries a stable code plus the original cause. Two errors are equal
// under errors.Is when their codes match.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

var (
	ErrInvalidConfig     = &Error{Kind: KindConfiguration, Code: "INVALID_CONFIG", Message: "invalid backtest configuration"}
	ErrDataGap           = &Error{Kind: KindData, Code: "DATA_GAP", Message: "candle feed has a gap"}
	ErrDataOrder         = &Error{Kind: KindData, Code: "DATA_ORDER", Message: "candle timestamps are not ascending"}
	ErrNoData            = &Error{Kind: KindData, Code: "NO_DATA", Message: "no candles available for symbol"}
	ErrStrategy          = &Error{Kind: KindStrategy, Code: "STRATEGY_ERROR", Message: "strategy execution failed"}
	ErrNoLiquidity       = &Error{Kind: KindLiquidity, Code: "NO_LIQUIDITY", Message: "zero volume bar"}
	ErrInvalidTransition = &Error{Kind: KindState, Code: "INVALID_TRANSITION", Message: "transition not allowed"}
	ErrDuplicateTerminal = &Error{Kind: KindState, Code: "DUPLICATE_TERMINAL", Message: "trade already has a terminal event"}
	ErrOutOfOrder        = &Error{Kind: KindState, Code: "OUT_OF_ORDER", Message: "event timestamp precedes the previous event"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// newError derives an error from one of the base errors above with a specific message.
func newError(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(base *Error, cause error, format string, args ...any) *Error {
	e := newError(base, format, args...)
	e.Err = cause
	return e
}
