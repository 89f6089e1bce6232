package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
	"github.com/morezero/analysis-coordinator/pkg/coordinator"
	"github.com/morezero/analysis-coordinator/pkg/health"
)

const logPrefix = "dispatcher:dispatch"

const defaultRequestTimeout = 30 * time.Second

// Engine is the coordination surface the dispatcher routes to.
type Engine interface {
	Process(ctx context.Context, req *coordination.Request) *coordination.AggregatedResponse
	Enqueue(req *coordination.Request) (uint64, error)
	GetServiceHealth() map[string]health.Record
	GetStats() coordinator.Stats
}

// Options configures a Dispatcher.
type Options struct {
	// MaxQueueDepth rejects enqueue with QUEUE_FULL at this depth. Zero disables the limit.
	MaxQueueDepth int
	// RequestTimeout bounds a process call when the caller sets no timeout or deadline.
	RequestTimeout time.Duration
}

// Dispatcher routes COMMS requests to engine methods.
type Dispatcher struct {
	engine         Engine
	maxQueueDepth  int
	requestTimeout time.Duration
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(engine Engine, opts Options) *Dispatcher {
	d := &Dispatcher{
		engine:         engine,
		maxQueueDepth:  opts.MaxQueueDepth,
		requestTimeout: opts.RequestTimeout,
	}
	if d.requestTimeout <= 0 {
		d.requestTimeout = defaultRequestTimeout
	}
	return d
}

// Dispatch routes a request to the appropriate engine method and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *CoordinatorRequest) *CoordinatorResponse {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	switch req.Method {
	case MethodProcess:
		return d.handleProcess(ctx, req)
	case MethodEnqueue:
		return d.handleEnqueue(req)
	case MethodHealth:
		return d.handleHealth(req)
	case MethodStats:
		return &CoordinatorResponse{ID: req.ID, Ok: true, Result: d.engine.GetStats()}
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

func (d *Dispatcher) handleProcess(ctx context.Context, req *CoordinatorRequest) *CoordinatorResponse {
	input, errResp := parseRequest(req)
	if errResp != nil {
		return errResp
	}

	ctx, cancel := d.withCallerDeadline(ctx, req.Ctx)
	defer cancel()

	resp := d.engine.Process(ctx, input)
	if resp.Success {
		return &CoordinatorResponse{ID: req.ID, Ok: true, Result: resp}
	}
	return coordinationFailure(req.ID, resp)
}

func (d *Dispatcher) handleEnqueue(req *CoordinatorRequest) *CoordinatorResponse {
	input, errResp := parseRequest(req)
	if errResp != nil {
		return errResp
	}

	if d.maxQueueDepth > 0 {
		if depth := d.engine.GetStats().QueueDepth; depth >= d.maxQueueDepth {
			slog.Warn(fmt.Sprintf("%s - Rejecting enqueue %s, queue depth %d reached limit", logPrefix, req.ID, depth))
			return errorResponse(req.ID, CodeQueueFull, fmt.Sprintf("Queue is full (%d requests)", depth), true)
		}
	}

	// Deferred callers correlate completions by request id, so one is always assigned here.
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	seq, err := d.engine.Enqueue(input)
	if err != nil {
		return engineErrorToResponse(req.ID, err)
	}
	return &CoordinatorResponse{
		ID: req.ID,
		Ok: true,
		Result: &EnqueueResult{
			RequestID:  input.ID,
			Seq:        seq,
			QueueDepth: d.engine.GetStats().QueueDepth,
		},
	}
}

func (d *Dispatcher) handleHealth(req *CoordinatorRequest) *CoordinatorResponse {
	services := d.engine.GetServiceHealth()
	healthy := 0
	for _, rec := range services {
		if rec.Status == health.StatusHealthy {
			healthy++
		}
	}
	return &CoordinatorResponse{ID: req.ID, Ok: true, Result: &HealthResult{HealthyCount: healthy, Services: services}}
}

// withCallerDeadline applies the caller's timeoutMs, else deadlineMs, else the default timeout.
func (d *Dispatcher) withCallerDeadline(ctx context.Context, inv *InvocationContext) (context.Context, context.CancelFunc) {
	if inv != nil {
		if inv.TimeoutMs > 0 {
			return context.WithTimeout(ctx, time.Duration(inv.TimeoutMs)*time.Millisecond)
		}
		if inv.DeadlineMs > 0 {
			return context.WithDeadline(ctx, time.UnixMilli(inv.DeadlineMs))
		}
	}
	return context.WithTimeout(ctx, d.requestTimeout)
}

// --- helpers ---

// parseRequest decodes params into a coordination request, defaulting its id
// from the invocation context.
func parseRequest(req *CoordinatorRequest) (*coordination.Request, *CoordinatorResponse) {
	if len(req.Params) == 0 {
		return nil, errorResponse(req.ID, coordination.CodeMalformedRequest, "Missing params", false)
	}
	var input coordination.Request
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return nil, errorResponse(req.ID, coordination.CodeMalformedRequest, fmt.Sprintf("Failed to parse %s params: %v", req.Method, err), false)
	}
	if input.ID == "" && req.Ctx != nil {
		input.ID = req.Ctx.RequestID
	}
	return &input, nil
}

func errorResponse(id, code, message string, retryable bool) *CoordinatorResponse {
	return &CoordinatorResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

// coordinationFailure carries the failed response as the result so partial
// backend outcomes stay visible to the caller.
func coordinationFailure(id string, resp *coordination.AggregatedResponse) *CoordinatorResponse {
	code, message := coordination.CodeInternal, "coordination failed"
	if resp.Error != nil {
		code, message = resp.Error.Code, resp.Error.Message
	}
	return &CoordinatorResponse{
		ID:     id,
		Ok:     false,
		Result: resp,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryableCode(code),
		},
	}
}

func engineErrorToResponse(id string, err error) *CoordinatorResponse {
	var malformed *coordination.MalformedRequestError
	if errors.As(err, &malformed) {
		return &CoordinatorResponse{
			ID: id,
			Ok: false,
			Error: &ErrorDetail{
				Code:      coordination.CodeMalformedRequest,
				Message:   err.Error(),
				Details:   map[string]string{"field": malformed.Field, "value": malformed.Value},
				Retryable: false,
			},
		}
	}
	var unknown *health.UnknownServiceError
	if errors.As(err, &unknown) {
		return errorResponse(id, coordination.CodeUnknownService, err.Error(), false)
	}
	return errorResponse(id, coordination.CodeInternal, err.Error(), true)
}

func retryableCode(code string) bool {
	switch code {
	case coordination.CodeAllBackendsFailed, coordination.CodeInternal, coordination.CodeCancelled, CodeQueueFull:
		return true
	}
	return false
}
