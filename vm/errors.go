package vm

import "fmt"

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// ErrorKind discriminates fatal run-time conditions.
type ErrorKind int

const (
	ErrUnboundVariable ErrorKind = iota
	ErrMissingArgument
	ErrNotCallable
	ErrArityMismatch
	ErrTypeMismatch
	ErrNoLoop
	ErrBoundsViolation
	ErrInterruptRequested
)

var errorKindNames = [...]string{
	ErrUnboundVariable:    "unbound variable",
	ErrMissingArgument:    "missing argument",
	ErrNotCallable:        "not callable",
	ErrArityMismatch:      "arity mismatch",
	ErrTypeMismatch:       "type mismatch",
	ErrNoLoop:             "no enclosing loop",
	ErrBoundsViolation:    "bounds violation",
	ErrInterruptRequested: "interrupt requested",
}

// String implements the Stringer interface.
func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("error(%d)", int(k))
}

// RuntimeError is a fatal evaluation error. It unwinds through the same
// path as control signals, terminating at the top level. Src, when present,
// is the source expression the failing instruction was compiled from.
type RuntimeError struct {
	ErrKind ErrorKind
	Msg     string
	Src     Value // nil if no source is attached
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Src != nil {
		return fmt.Sprintf("%s: %s in %s", e.ErrKind, e.Msg, FormatValue(e.Src))
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Msg)
}

// Errorf builds a RuntimeError with a formatted message.
func Errorf(kind ErrorKind, src Value, format string, args ...any) *RuntimeError {
	return &RuntimeError{ErrKind: kind, Msg: fmt.Sprintf(format, args...), Src: src}
}

// ---------------------------------------------------------------------------
// Control signals
// ---------------------------------------------------------------------------

// SignalKind discriminates non-local control transfers.
type SignalKind int

const (
	SignalBreak SignalKind = iota
	SignalContinue
	SignalReturn
)

// String implements the Stringer interface.
func (k SignalKind) String() string {
	switch k {
	case SignalBreak:
		return "break"
	case SignalContinue:
		return "next"
	case SignalReturn:
		return "return"
	}
	return fmt.Sprintf("signal(%d)", int(k))
}

// Signal is a typed control transfer: break/continue unwind to the nearest
// enclosing loop context, return to the nearest call context. Signals ride
// the ordinary error return path; frames that do not own a matching context
// propagate them unchanged after popping their own contexts.
type Signal struct {
	SigKind SignalKind
	Value   Value // carried result for return, nil otherwise
}

// Error implements the error interface. A signal that reaches a consumer as
// a plain error escaped every matching context.
func (s *Signal) Error() string {
	return fmt.Sprintf("no %s context to transfer to", s.SigKind)
}
