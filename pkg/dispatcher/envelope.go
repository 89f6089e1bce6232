// Package dispatcher routes incoming COMMS messages to coordination engine methods.
package dispatcher

import "encoding/json"

// Method names accepted on the coordinator subject.
const (
	MethodProcess = "process"
	MethodEnqueue = "enqueue"
	MethodHealth  = "health"
	MethodStats   = "stats"
)

// Envelope error codes not already defined by the coordination package.
const (
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	CodeQueueFull      = "QUEUE_FULL"
)

// CoordinatorRequest is the JSON envelope for incoming COMMS coordinator requests.
type CoordinatorRequest struct {
	ID     string             `json:"id"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// CoordinatorResponse is the JSON envelope for COMMS coordinator responses.
type CoordinatorResponse struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	TenantID      string `json:"tenantId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	// DeadlineMs is an absolute deadline in Unix milliseconds.
	DeadlineMs int64 `json:"deadlineMs,omitempty"`
	TimeoutMs  int   `json:"timeoutMs,omitempty"`
}

// EnqueueResult is returned by the enqueue method.
type EnqueueResult struct {
	RequestID  string `json:"requestId"`
	Seq        uint64 `json:"seq"`
	QueueDepth int    `json:"queueDepth"`
}

// HealthResult is returned by the health method.
type HealthResult struct {
	HealthyCount int         `json:"healthyCount"`
	Services     interface{} `json:"services"`
}
