package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
	"github.com/morezero/analysis-coordinator/pkg/coordinator"
	"github.com/morezero/analysis-coordinator/pkg/health"
)

// fakeEngine records calls and returns canned results.
type fakeEngine struct {
	mu          sync.Mutex
	processed   []*coordination.Request
	enqueued    []*coordination.Request
	deadlines   []time.Duration
	response    *coordination.AggregatedResponse
	enqueueErr  error
	queueDepth  int
	serviceRecs map[string]health.Record
}

func (f *fakeEngine) Process(ctx context.Context, req *coordination.Request) *coordination.AggregatedResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, req)
	if dl, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, time.Until(dl))
	}
	if f.response != nil {
		return f.response
	}
	return &coordination.AggregatedResponse{RequestID: req.ID, Type: req.Type, Success: true}
}

func (f *fakeEngine) Enqueue(req *coordination.Request) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return 0, f.enqueueErr
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	f.enqueued = append(f.enqueued, req)
	f.queueDepth++
	return uint64(len(f.enqueued)), nil
}

func (f *fakeEngine) GetServiceHealth() map[string]health.Record {
	return f.serviceRecs
}

func (f *fakeEngine) GetStats() coordinator.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return coordinator.Stats{QueueDepth: f.queueDepth, HealthyCount: 6, CacheHitRate: 0.5}
}

func processParams(t *testing.T) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{"type":"analysis","priority":"high","context":{"error":"timeout on submit"}}`)
}

// TestDispatch_UnknownMethod verifies that unknown methods return METHOD_NOT_FOUND.
func TestDispatch_UnknownMethod(t *testing.T) {
	disp := NewDispatcher(&fakeEngine{}, Options{})

	req := &CoordinatorRequest{
		ID:     "test-1",
		Method: "nonexistent",
		Params: json.RawMessage(`{}`),
	}

	resp := disp.Dispatch(context.Background(), req)

	if resp.Ok {
		t.Error("dispatcher:dispatch_routing_test - expected Ok=false for unknown method")
	}
	if resp.ID != "test-1" {
		t.Errorf("dispatcher:dispatch_routing_test - expected ID=test-1, got %s", resp.ID)
	}
	if resp.Error == nil {
		t.Fatal("dispatcher:dispatch_routing_test - expected error, got nil")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("dispatcher:dispatch_routing_test - expected METHOD_NOT_FOUND, got %s", resp.Error.Code)
	}
	if resp.Error.Retryable {
		t.Error("dispatcher:dispatch_routing_test - METHOD_NOT_FOUND should not be retryable")
	}
}

func TestDispatch_UnknownMethodPreservesRequestID(t *testing.T) {
	disp := NewDispatcher(&fakeEngine{}, Options{})

	ids := []string{"req-1", "req-2", "unique-abc-123", ""}
	for _, id := range ids {
		resp := disp.Dispatch(context.Background(), &CoordinatorRequest{
			ID:     id,
			Method: "unknown",
			Params: json.RawMessage(`{}`),
		})

		if resp.ID != id {
			t.Errorf("dispatcher:dispatch_routing_test - expected ID=%q, got %q", id, resp.ID)
		}
	}
}

func TestDispatch_Process(t *testing.T) {
	engine := &fakeEngine{}
	disp := NewDispatcher(engine, Options{RequestTimeout: time.Minute})

	resp := disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "env-1", Method: MethodProcess, Params: processParams(t)})
	if !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - expected Ok=true, got %+v", resp.Error)
	}
	result, ok := resp.Result.(*coordination.AggregatedResponse)
	if !ok {
		t.Fatalf("dispatcher:dispatch_routing_test - Result type = %T", resp.Result)
	}
	if result.Type != coordination.TypeAnalysis {
		t.Errorf("dispatcher:dispatch_routing_test - Type = %q", result.Type)
	}
	if len(engine.deadlines) != 1 || engine.deadlines[0] <= 0 || engine.deadlines[0] > time.Minute {
		t.Errorf("dispatcher:dispatch_routing_test - default request timeout not applied: %v", engine.deadlines)
	}
}

func TestDispatch_ProcessHonorsCallerTimeout(t *testing.T) {
	tests := []struct {
		name string
		ctx  *InvocationContext
		max  time.Duration
	}{
		{"timeoutMs", &InvocationContext{TimeoutMs: 500}, 500 * time.Millisecond},
		{"deadlineMs", &InvocationContext{DeadlineMs: time.Now().Add(2 * time.Second).UnixMilli()}, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			disp := NewDispatcher(engine, Options{RequestTimeout: time.Hour})
			disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "env-1", Method: MethodProcess, Params: processParams(t), Ctx: tt.ctx})
			if len(engine.deadlines) != 1 || engine.deadlines[0] > tt.max {
				t.Errorf("dispatcher:dispatch_routing_test - deadline = %v, want <= %s", engine.deadlines, tt.max)
			}
		})
	}
}

func TestDispatch_ProcessFailureCarriesResponse(t *testing.T) {
	failed := &coordination.AggregatedResponse{
		RequestID: "r",
		Success:   false,
		Results:   map[string]coordination.Outcome{"knowledge": coordination.Failed("knowledge", "down", 0)},
		Error:     &coordination.ErrorDetail{Code: coordination.CodeAllBackendsFailed, Message: "all 1 planned backends failed"},
	}
	disp := NewDispatcher(&fakeEngine{response: failed}, Options{})

	resp := disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "env-1", Method: MethodProcess, Params: processParams(t)})
	if resp.Ok {
		t.Fatal("dispatcher:dispatch_routing_test - expected Ok=false")
	}
	if resp.Error.Code != coordination.CodeAllBackendsFailed || !resp.Error.Retryable {
		t.Errorf("dispatcher:dispatch_routing_test - unexpected error %+v", resp.Error)
	}
	if resp.Result != failed {
		t.Errorf("dispatcher:dispatch_routing_test - failed response should be returned as the result")
	}
}

func TestDispatch_ProcessCancelledIsRetryable(t *testing.T) {
	cancelled := &coordination.AggregatedResponse{
		RequestID: "r",
		Results:   map[string]coordination.Outcome{"knowledge": coordination.Cancelled("knowledge", "context deadline exceeded", 0)},
		Error:     &coordination.ErrorDetail{Code: coordination.CodeCancelled, Message: "request cancelled before all backends answered"},
	}
	disp := NewDispatcher(&fakeEngine{response: cancelled}, Options{})

	resp := disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "env-1", Method: MethodProcess, Params: processParams(t), Ctx: &InvocationContext{TimeoutMs: 1}})
	if resp.Ok || resp.Error.Code != coordination.CodeCancelled || !resp.Error.Retryable {
		t.Errorf("dispatcher:dispatch_routing_test - unexpected error %+v", resp.Error)
	}
}

func TestDispatch_ProcessMalformedParams(t *testing.T) {
	engine := &fakeEngine{}
	disp := NewDispatcher(engine, Options{})

	resp := disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "env-1", Method: MethodProcess, Params: json.RawMessage(`{"type":"analysis","priority":"urgent"}`)})
	if resp.Ok || resp.Error.Code != coordination.CodeMalformedRequest || resp.Error.Retryable {
		t.Errorf("dispatcher:dispatch_routing_test - unexpected response %+v", resp.Error)
	}
	if len(engine.processed) != 0 {
		t.Errorf("dispatcher:dispatch_routing_test - malformed params reached the engine")
	}
}

func TestDispatch_Enqueue(t *testing.T) {
	engine := &fakeEngine{}
	disp := NewDispatcher(engine, Options{MaxQueueDepth: 2})

	resp := disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "env-1", Method: MethodEnqueue, Params: processParams(t)})
	if !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - expected Ok=true, got %+v", resp.Error)
	}
	result := resp.Result.(*EnqueueResult)
	if result.RequestID == "" {
		t.Error("dispatcher:dispatch_routing_test - enqueue should assign a request id")
	}
	if result.Seq != 1 || result.QueueDepth != 1 {
		t.Errorf("dispatcher:dispatch_routing_test - unexpected result %+v", result)
	}

	disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "env-2", Method: MethodEnqueue, Params: processParams(t)})
	full := disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "env-3", Method: MethodEnqueue, Params: processParams(t)})
	if full.Ok || full.Error.Code != CodeQueueFull || !full.Error.Retryable {
		t.Errorf("dispatcher:dispatch_routing_test - expected retryable QUEUE_FULL, got %+v", full.Error)
	}
	if len(engine.enqueued) != 2 {
		t.Errorf("dispatcher:dispatch_routing_test - enqueued %d, want 2", len(engine.enqueued))
	}
}

func TestDispatch_EnqueueEngineErrors(t *testing.T) {
	tests := []struct {
		name          string
		params        string
		engineErr     error
		wantCode      string
		wantRetryable bool
	}{
		{"malformed", `{"type":"diagnosis","priority":"low"}`, nil, coordination.CodeMalformedRequest, false},
		{"unknown service", `{"type":"analysis","priority":"low"}`, &health.UnknownServiceError{Name: "ghost"}, coordination.CodeUnknownService, false},
		{"internal", `{"type":"analysis","priority":"low"}`, errors.New("boom"), coordination.CodeInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disp := NewDispatcher(&fakeEngine{enqueueErr: tt.engineErr}, Options{})
			resp := disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "env-1", Method: MethodEnqueue, Params: json.RawMessage(tt.params)})
			if resp.Ok {
				t.Fatal("dispatcher:dispatch_routing_test - expected Ok=false")
			}
			if resp.Error.Code != tt.wantCode {
				t.Errorf("dispatcher:dispatch_routing_test - Code = %q, want %q", resp.Error.Code, tt.wantCode)
			}
			if resp.Error.Retryable != tt.wantRetryable {
				t.Errorf("dispatcher:dispatch_routing_test - Retryable = %v, want %v", resp.Error.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestDispatch_HealthAndStats(t *testing.T) {
	engine := &fakeEngine{serviceRecs: map[string]health.Record{
		"knowledge":       {Name: "knowledge", Status: health.StatusHealthy},
		"failureAnalysis": {Name: "failureAnalysis", Status: health.StatusDegraded},
	}}
	disp := NewDispatcher(engine, Options{})

	resp := disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "h", Method: MethodHealth})
	if !resp.Ok {
		t.Fatal("dispatcher:dispatch_routing_test - health should succeed")
	}
	if hr := resp.Result.(*HealthResult); hr.HealthyCount != 1 {
		t.Errorf("dispatcher:dispatch_routing_test - HealthyCount = %d, want 1", hr.HealthyCount)
	}

	resp = disp.Dispatch(context.Background(), &CoordinatorRequest{ID: "s", Method: MethodStats})
	if !resp.Ok {
		t.Fatal("dispatcher:dispatch_routing_test - stats should succeed")
	}
	if s := resp.Result.(coordinator.Stats); s.CacheHitRate != 0.5 {
		t.Errorf("dispatcher:dispatch_routing_test - unexpected stats %+v", s)
	}
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		code      string
		message   string
		retryable bool
	}{
		{"method not found", "req-1", CodeMethodNotFound, "Unknown method: resolve", false},
		{"queue full is retryable", "req-2", CodeQueueFull, "Queue is full", true},
		{"malformed", "req-3", coordination.CodeMalformedRequest, "Missing params", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := errorResponse(tt.id, tt.code, tt.message, tt.retryable)

			if resp.ID != tt.id {
				t.Errorf("dispatcher:dispatch_routing_test - ID = %q, want %q", resp.ID, tt.id)
			}
			if resp.Ok {
				t.Error("dispatcher:dispatch_routing_test - expected Ok=false")
			}
			if resp.Error.Code != tt.code || resp.Error.Message != tt.message || resp.Error.Retryable != tt.retryable {
				t.Errorf("dispatcher:dispatch_routing_test - unexpected error %+v", resp.Error)
			}
			if resp.Result != nil {
				t.Errorf("dispatcher:dispatch_routing_test - expected Result=nil, got %v", resp.Result)
			}
		})
	}
}
