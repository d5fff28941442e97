// Package emserr defines the error taxonomy shared by every component, as
// specified in spec.md §7. Each kind carries enough context for the caller
// to decide retry vs. propagation without string-matching error text.
package emserr

import "fmt"

// Kind identifies one of the error taxonomy entries from spec.md §7.
type Kind string

const (
	KindConfigInvalid       Kind = "config_invalid"
	KindForecastUnavailable Kind = "forecast_unavailable"
	KindSolverInfeasible    Kind = "solver_infeasible"
	KindSolverTimeout       Kind = "solver_timeout"
	KindInvalidInput        Kind = "invalid_input"
	KindStoreIO             Kind = "store_io"
	KindActuatorUnreachable Kind = "actuator_unreachable"
	KindActuatorRejected    Kind = "actuator_rejected"
)

// Error is a typed, wrappable error carrying one taxonomy Kind.
type Error struct {
	Kind    Kind
	Op      string // component/operation that raised it, e.g. "kepler.Solve"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, emserr.SolverInfeasible) style checks by
// comparing the Kind field when the target is itself an *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping an underlying error.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinel of each kind, for errors.Is comparisons against a bare Kind
// without constructing a full message (e.g. errors.Is(err, emserr.SolverInfeasible)).
var (
	ConfigInvalid       = &Error{Kind: KindConfigInvalid}
	ForecastUnavailable = &Error{Kind: KindForecastUnavailable}
	SolverInfeasible    = &Error{Kind: KindSolverInfeasible}
	SolverTimeout       = &Error{Kind: KindSolverTimeout}
	InvalidInput        = &Error{Kind: KindInvalidInput}
	StoreIO             = &Error{Kind: KindStoreIO}
	ActuatorUnreachable = &Error{Kind: KindActuatorUnreachable}
	ActuatorRejected    = &Error{Kind: KindActuatorRejected}
)
