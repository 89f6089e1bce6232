package coordination

import "fmt"

// Error codes carried in ErrorDetail and in transport envelopes.
const (
	CodeMalformedRequest  = "MALFORMED_REQUEST"
	CodeUnknownService    = "UNKNOWN_SERVICE"
	CodeAllBackendsFailed = "ALL_BACKENDS_FAILED"
	CodeInternal          = "INTERNAL_ERROR"
	CodeCancelled         = "CANCELLED"
)

// MalformedRequestError is returned when a request's type or priority is outside
// the fixed enumerations. It is surfaced to callers as a failure response.
type MalformedRequestError struct {
	Field string
	Value string
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("%s: invalid %s %q", CodeMalformedRequest, e.Field, e.Value)
}

// PlanError reports a plan that violates the grouping invariant.
type PlanError struct {
	Message string
}

func (e *PlanError) Error() string {
	return "invalid plan: " + e.Message
}
