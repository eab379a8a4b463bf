package request

import "fmt"

// Kind classifies terminal request failures. The taxonomy is the only error
// surface that crosses the public API boundary.
type Kind int

const (
	KindInvalidConfig Kind = iota
	KindPolicyViolation
	KindQuotaExhausted
	KindProviderFailure
	KindTimeout
	KindCancelled
	KindEmergencyDenied
	KindQualityBelowFloor
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfig:
		return "invalid_config"
	case KindPolicyViolation:
		return "policy_violation"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindProviderFailure:
		return "provider_failure"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindEmergencyDenied:
		return "emergency_denied"
	case KindQualityBelowFloor:
		return "data_quality_below_floor"
	default:
		return "unknown"
	}
}

// Error is the terminal failure type delivered on handles.
type Error struct {
	Kind   Kind
	Detail string
	Status int // HTTP status for provider failures, 0 otherwise
	Cause  error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a taxonomy error with a formatted detail message.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a taxonomy error.
func WrapError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the taxonomy kind from err, or KindProviderFailure when
// err is not a taxonomy error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindProviderFailure
}

// IsKind reports whether err is a taxonomy error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
