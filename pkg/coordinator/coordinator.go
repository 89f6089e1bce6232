// Package coordinator runs coordination requests end to end: cache lookup,
// planning, grouped backend fan-out, health recording and synthesis.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/morezero/analysis-coordinator/pkg/backend"
	"github.com/morezero/analysis-coordinator/pkg/cache"
	"github.com/morezero/analysis-coordinator/pkg/catalog"
	"github.com/morezero/analysis-coordinator/pkg/coordination"
	"github.com/morezero/analysis-coordinator/pkg/health"
	"github.com/morezero/analysis-coordinator/pkg/planner"
)

const logPrefix = "coordinator:coordinator"

const (
	defaultBackendTimeout = 10 * time.Second
	recorderTimeout       = 5 * time.Second
)

// OutcomeRecorder journals executed requests. Cache hits, coalesced followers
// and runs cancelled by the caller are not recorded.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, req *coordination.Request, resp *coordination.AggregatedResponse) error
}

// Options configures a Coordinator. Zero values use defaults.
type Options struct {
	Synthesizer     Synthesizer
	Recorder        OutcomeRecorder
	CacheCapacity   int
	CacheDefaultTTL time.Duration
	// BackendTimeout applies to backends whose catalog entry has no timeout.
	BackendTimeout time.Duration
	// Coalesce merges concurrent identical cache misses into one execution.
	Coalesce bool
	Now      func() time.Time
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	catalog     *catalog.Resolved
	planner     *planner.Planner
	monitor     *health.Monitor
	backend     backend.Backend
	synthesizer Synthesizer
	recorder    OutcomeRecorder
	cache       *cache.Cache[*coordination.AggregatedResponse]
	defaultTTL  time.Duration
	timeout     time.Duration
	coalesce    bool
	now         func() time.Time

	flight singleflight.Group

	inflight  atomic.Int64
	statsMu   sync.Mutex
	processed uint64
	totalTime time.Duration
}

// New creates a Coordinator over the catalog, reporting into monitor and calling be.
func New(cat *catalog.Resolved, monitor *health.Monitor, be backend.Backend, opts Options) *Coordinator {
	c := &Coordinator{
		catalog:     cat,
		planner:     planner.New(cat),
		monitor:     monitor,
		backend:     be,
		synthesizer: opts.Synthesizer,
		recorder:    opts.Recorder,
		defaultTTL:  opts.CacheDefaultTTL,
		timeout:     opts.BackendTimeout,
		coalesce:    opts.Coalesce,
		now:         opts.Now,
	}
	if c.synthesizer == nil {
		c.synthesizer = DefaultSynthesizer{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultBackendTimeout
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = 5 * time.Minute
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.cache = cache.New(cache.Options[*coordination.AggregatedResponse]{
		Capacity:   opts.CacheCapacity,
		DefaultTTL: c.defaultTTL,
		Clone:      (*coordination.AggregatedResponse).Clone,
		Now:        c.now,
	})
	return c
}

// Process runs req to completion. It never panics and never returns nil; every
// failure is reported through the response's Success and Error fields.
func (c *Coordinator) Process(ctx context.Context, req *coordination.Request) (resp *coordination.AggregatedResponse) {
	start := c.now()
	id := requestID(req)

	c.inflight.Add(1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - Request %s panicked: %v", logPrefix, id, r))
			resp = c.failure(req, id, start, coordination.CodeInternal, fmt.Sprintf("internal error: %v", r))
		}
		c.inflight.Add(-1)
		c.observe(resp.Metrics.TotalTime)
	}()

	if err := req.Validate(); err != nil {
		slog.Warn(fmt.Sprintf("%s - Rejected request %s: %v", logPrefix, id, err))
		return c.failure(req, id, start, coordination.CodeMalformedRequest, err.Error())
	}

	key, keyed := CacheKey(req)
	if !keyed {
		slog.Warn(fmt.Sprintf("%s - Request %s has an unencodable context, bypassing cache", logPrefix, id))
		return c.execute(ctx, req, id, "", start)
	}
	if cached, ok := c.cache.Get(key); ok {
		cached.RequestID = id
		cached.Metrics.TotalTime = c.now().Sub(start)
		cached.Metrics.CacheHits = 1
		cached.Metrics.Coalesced = false
		slog.Debug(fmt.Sprintf("%s - Cache hit for request %s (%s)", logPrefix, id, req.Type))
		return cached
	}

	if !c.coalesce {
		return c.execute(ctx, req, id, key, start)
	}

	led := false
	v, _, shared := c.flight.Do(key, func() (interface{}, error) {
		led = true
		return c.execute(ctx, req, id, key, start), nil
	})
	result := v.(*coordination.AggregatedResponse)
	if !shared {
		return result
	}
	out := result.Clone()
	if !led {
		out.RequestID = id
		out.Metrics.TotalTime = c.now().Sub(start)
		out.Metrics.Coalesced = true
		slog.Debug(fmt.Sprintf("%s - Request %s coalesced onto an in-flight execution", logPrefix, id))
	}
	return out
}

// Busy reports whether any Process call is in flight.
func (c *Coordinator) Busy() bool {
	return c.inflight.Load() > 0
}

// CacheStats returns the response cache statistics.
func (c *Coordinator) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// ServiceHealth returns a copy of every backend health record.
func (c *Coordinator) ServiceHealth() map[string]health.Record {
	return c.monitor.Snapshot()
}

// Monitor returns the health monitor the coordinator reports into.
func (c *Coordinator) Monitor() *health.Monitor {
	return c.monitor
}

// AvgResponseTime returns the mean wall time of completed Process calls.
func (c *Coordinator) AvgResponseTime() time.Duration {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if c.processed == 0 {
		return 0
	}
	return c.totalTime / time.Duration(c.processed)
}

// Processed returns the number of completed Process calls.
func (c *Coordinator) Processed() uint64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.processed
}

func (c *Coordinator) execute(ctx context.Context, req *coordination.Request, id, key string, start time.Time) *coordination.AggregatedResponse {
	plan, err := c.planner.Plan(req)
	if err != nil {
		var malformed *coordination.MalformedRequestError
		if errors.As(err, &malformed) {
			return c.failure(req, id, start, coordination.CodeMalformedRequest, err.Error())
		}
		slog.Error(fmt.Sprintf("%s - Planning failed for request %s: %v", logPrefix, id, err))
		resp := c.failure(req, id, start, coordination.CodeInternal, err.Error())
		c.journal(ctx, req, resp)
		return resp
	}
	for _, s := range plan.Skipped {
		slog.Info(fmt.Sprintf("%s - Request %s: skipped hint %s (%s)", logPrefix, id, s.Ref, s.Reason))
	}

	results := make(map[string]coordination.Outcome, len(plan.ServicesUsed))
	var drift []string
	cancelled := false
	for _, group := range plan.ParallelGroups {
		for _, o := range c.runGroup(ctx, req, group) {
			results[o.Service] = o
			if o.IsCancelled() {
				cancelled = true
				continue
			}
			if err := c.monitor.Record(o.Service, o.IsOK(), o.Elapsed); err != nil {
				var unknown *health.UnknownServiceError
				if errors.As(err, &unknown) {
					drift = append(drift, unknown.Name)
				}
				slog.Error(fmt.Sprintf("%s - Failed to record health for %s: %v", logPrefix, o.Service, err))
			}
		}
	}

	resp := &coordination.AggregatedResponse{
		RequestID: id,
		Type:      req.Type,
		Results:   results,
		Metrics: coordination.ResponseMetrics{
			ServicesUsed:   plan.ServicesUsed,
			ParallelGroups: plan.ParallelGroups,
			EstimatedCost:  plan.EstimatedCost,
		},
	}

	succeeded := resp.SucceededServices()
	switch {
	case len(drift) > 0:
		resp.Error = &coordination.ErrorDetail{
			Code:    coordination.CodeUnknownService,
			Message: "backends not registered with the health monitor: " + strings.Join(drift, ", "),
		}
	case cancelled:
		resp.Error = &coordination.ErrorDetail{
			Code:    coordination.CodeCancelled,
			Message: fmt.Sprintf("request cancelled before all backends answered: %v", ctx.Err()),
		}
	case len(succeeded) == 0:
		resp.Error = &coordination.ErrorDetail{
			Code:    coordination.CodeAllBackendsFailed,
			Message: fmt.Sprintf("all %d planned backends failed", len(plan.ServicesUsed)),
		}
	default:
		resp.Success = true
	}

	if resp.Success {
		insight, err := safeSynthesize(ctx, c.synthesizer, req, plan, results)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Synthesis failed for request %s, using fallback insight: %v", logPrefix, id, err))
		}
		resp.Insight = insight
	} else {
		resp.Insight = coordination.FallbackInsight()
	}

	resp.ProducedAt = c.now()
	resp.Metrics.TotalTime = resp.ProducedAt.Sub(start)

	if resp.Success {
		if key != "" {
			c.cache.Set(key, resp.Clone(), TTLFor(req, c.defaultTTL))
		}
		slog.Info(fmt.Sprintf("%s - Request %s (%s) completed: %d/%d backends ok in %s",
			logPrefix, id, req.Type, len(succeeded), len(plan.ServicesUsed), resp.Metrics.TotalTime))
	} else {
		slog.Warn(fmt.Sprintf("%s - Request %s (%s) failed: %s", logPrefix, id, req.Type, resp.Error.Message))
	}

	// A cancelled run says nothing about the backends; keep it out of the journal.
	if !cancelled {
		c.journal(ctx, req, resp)
	}
	return resp
}

// runGroup invokes every backend of one group concurrently and waits for all of them.
func (c *Coordinator) runGroup(ctx context.Context, req *coordination.Request, group []string) []coordination.Outcome {
	outcomes := make([]coordination.Outcome, len(group))
	var g errgroup.Group
	for i, name := range group {
		i, name := i, name
		g.Go(func() error {
			outcomes[i] = c.invoke(ctx, name, req.Context)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

type invokeResult struct {
	payload []byte
	err     error
}

// invoke calls one backend under its timeout. A backend that ignores ctx is
// abandoned at the deadline. Only the backend's own timeout counts as a failure;
// a call cut short by the caller's ctx yields a cancelled outcome.
func (c *Coordinator) invoke(ctx context.Context, name string, rc coordination.RequestContext) coordination.Outcome {
	if err := ctx.Err(); err != nil {
		return coordination.Cancelled(name, err.Error(), 0)
	}
	timeout := c.catalog.Timeout(name, c.timeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("backend panicked: %v", r)}
			}
		}()
		payload, err := c.backend.Invoke(callCtx, name, rc)
		done <- invokeResult{payload: payload, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = invokeResult{err: callCtx.Err()}
	}
	elapsed := time.Since(start)

	if res.err == nil {
		return coordination.OK(name, res.payload, elapsed)
	}
	if err := ctx.Err(); err != nil {
		slog.Debug(fmt.Sprintf("%s - Backend %s abandoned after %s: caller %v", logPrefix, name, elapsed, err))
		return coordination.Cancelled(name, err.Error(), elapsed)
	}

	reason := res.err.Error()
	if errors.Is(res.err, context.DeadlineExceeded) {
		reason = fmt.Sprintf("timeout after %s", timeout)
	}
	slog.Warn(fmt.Sprintf("%s - Backend %s failed after %s: %s", logPrefix, name, elapsed, reason))
	return coordination.Failed(name, reason, elapsed)
}

func (c *Coordinator) failure(req *coordination.Request, id string, start time.Time, code, message string) *coordination.AggregatedResponse {
	now := c.now()
	resp := &coordination.AggregatedResponse{
		RequestID:  id,
		Results:    map[string]coordination.Outcome{},
		Insight:    coordination.FallbackInsight(),
		Metrics:    coordination.ResponseMetrics{TotalTime: now.Sub(start), ServicesUsed: []string{}},
		ProducedAt: now,
		Error:      &coordination.ErrorDetail{Code: code, Message: message},
	}
	if req != nil {
		resp.Type = req.Type
	}
	return resp
}

func (c *Coordinator) journal(ctx context.Context, req *coordination.Request, resp *coordination.AggregatedResponse) {
	if c.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recorderTimeout)
	defer cancel()
	if err := c.recorder.RecordOutcome(rctx, req, resp); err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to journal request %s: %v", logPrefix, resp.RequestID, err))
	}
}

func (c *Coordinator) observe(elapsed time.Duration) {
	c.statsMu.Lock()
	c.processed++
	c.totalTime += elapsed
	c.statsMu.Unlock()
}

func requestID(req *coordination.Request) string {
	if req != nil && req.ID != "" {
		return req.ID
	}
	return uuid.NewString()
}
