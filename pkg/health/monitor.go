// Package health tracks one rolling health record per analysis backend.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/morezero/analysis-coordinator/pkg/events"
)

const logPrefix = "health:monitor"

// Status is the state of a backend's health record.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailing  Status = "failing"
	StatusOffline  Status = "offline"
)

const (
	defaultFailureStep   = 0.1
	defaultSuccessStep   = 0.05
	defaultSweepInterval = time.Minute
	defaultStaleness     = 10 * time.Minute

	ewmaAlpha         = 0.3
	failingThreshold  = 0.5
	degradedThreshold = 0.2
)

// Record is the health state of one backend. Values returned by the Monitor are copies.
type Record struct {
	Name             string        `json:"name"`
	Status           Status        `json:"status"`
	ResponseTimeEWMA time.Duration `json:"responseTimeEwma"`
	ErrorRate        float64       `json:"errorRate"`
	LastCheckedAt    time.Time     `json:"lastCheckedAt"`
	Successes        uint64        `json:"successes"`
	Failures         uint64        `json:"failures"`

	sampled     bool
	transitions uint64
}

// UnknownServiceError is returned by Record for a name that was never registered.
// It indicates drift between the planner's catalog and the monitor.
type UnknownServiceError struct {
	Name string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("UNKNOWN_SERVICE: backend %q is not registered with the health monitor", e.Name)
}

// Options configures a Monitor. Zero values use defaults.
type Options struct {
	FailureStep   float64
	SuccessStep   float64
	SweepInterval time.Duration
	Staleness     time.Duration
	// Publishers receive every status transition, after the monitor lock is
	// released. Concurrent transitions may be delivered out of order; see
	// events.HealthChangedEvent.Seq.
	Publishers []events.EventPublisher
	Now        func() time.Time
}

// Monitor holds the health records. Safe for concurrent use.
type Monitor struct {
	mu      sync.RWMutex
	records map[string]*Record

	failureStep   float64
	successStep   float64
	sweepInterval time.Duration
	staleness     time.Duration
	publishers    []events.EventPublisher
	now           func() time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewMonitor registers every name as healthy. Names are never removed.
func NewMonitor(names []string, opts Options) *Monitor {
	m := &Monitor{
		records:       make(map[string]*Record, len(names)),
		failureStep:   opts.FailureStep,
		successStep:   opts.SuccessStep,
		sweepInterval: opts.SweepInterval,
		staleness:     opts.Staleness,
		publishers:    opts.Publishers,
		now:           opts.Now,
	}
	if m.failureStep <= 0 {
		m.failureStep = defaultFailureStep
	}
	if m.successStep <= 0 {
		m.successStep = defaultSuccessStep
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = defaultSweepInterval
	}
	if m.staleness <= 0 {
		m.staleness = defaultStaleness
	}
	if m.now == nil {
		m.now = time.Now
	}

	now := m.now()
	for _, name := range names {
		m.records[name] = &Record{Name: name, Status: StatusHealthy, LastCheckedAt: now}
	}
	return m
}

// Record folds one invocation result into the named backend's record.
func (m *Monitor) Record(name string, success bool, elapsed time.Duration) error {
	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.Unlock()
		return &UnknownServiceError{Name: name}
	}

	if !rec.sampled {
		rec.ResponseTimeEWMA = elapsed
		rec.sampled = true
	} else {
		ewma := ewmaAlpha*float64(elapsed) + (1-ewmaAlpha)*float64(rec.ResponseTimeEWMA)
		rec.ResponseTimeEWMA = time.Duration(math.Round(ewma))
	}

	if success {
		rec.Successes++
		rec.ErrorRate = round4(math.Max(0, rec.ErrorRate-m.successStep))
	} else {
		rec.Failures++
		rec.ErrorRate = round4(math.Min(1, rec.ErrorRate+m.failureStep))
	}
	rec.LastCheckedAt = m.now()

	prev := rec.Status
	rec.Status = statusFor(rec.ErrorRate)
	var event *events.HealthChangedEvent
	if prev != rec.Status {
		event = m.transitionEvent(rec, prev)
	}
	m.mu.Unlock()

	if event != nil {
		m.publish(event)
	}
	return nil
}

// SweepStale forces every record not touched within staleness to offline.
// It returns the names that transitioned.
func (m *Monitor) SweepStale(staleness time.Duration) []string {
	now := m.now()

	m.mu.Lock()
	var changed []*events.HealthChangedEvent
	var names []string
	for name, rec := range m.records {
		if rec.Status == StatusOffline || now.Sub(rec.LastCheckedAt) <= staleness {
			continue
		}
		prev := rec.Status
		rec.Status = StatusOffline
		changed = append(changed, m.transitionEvent(rec, prev))
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	for _, event := range changed {
		slog.Warn(fmt.Sprintf("%s - backend %s not checked within %s, marked offline", logPrefix, event.Service, staleness))
		m.publish(event)
	}
	return names
}

// Snapshot returns a copy of every record.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Record, len(m.records))
	for name, rec := range m.records {
		out[name] = *rec
	}
	return out
}

// Get returns a copy of one record.
func (m *Monitor) Get(name string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Status returns the current status of name.
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return "", false
	}
	return rec.Status, true
}

// HealthyCount returns the number of backends currently healthy.
func (m *Monitor) HealthyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if rec.Status == StatusHealthy {
			n++
		}
	}
	return n
}

// Names returns the registered backend names in sorted order.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs SweepStale on the configured interval until ctx is cancelled or
// Stop is called. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		slog.Info(fmt.Sprintf("%s - Sweep started, interval=%s staleness=%s", logPrefix, m.sweepInterval, m.staleness))
		for {
			select {
			case <-ticker.C:
				m.SweepStale(m.staleness)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.running = false
	slog.Info(fmt.Sprintf("%s - Sweep stopped", logPrefix))
}

// transitionEvent must be called with m.mu held.
// transitionEvent must be called with m.mu held.
func (m *Monitor) transitionEvent(rec *Record, prev Status) *events.HealthChangedEvent {
	rec.transitions++
	return &events.HealthChangedEvent{
		Service:        rec.Name,
		Seq:            rec.transitions,
		PreviousStatus: string(prev),
		Status:         string(rec.Status),
		ErrorRate:      rec.ErrorRate,
		ResponseTimeMs: float64(rec.ResponseTimeEWMA) / float64(time.Millisecond),
		Timestamp:      m.now().UTC().Format(time.RFC3339Nano),
	}
}

func (m *Monitor) publish(event *events.HealthChangedEvent) {
	if event.Status == string(StatusHealthy) {
		slog.Info(fmt.Sprintf("%s - backend %s recovered (%s -> %s)", logPrefix, event.Service, event.PreviousStatus, event.Status))
	} else {
		slog.Warn(fmt.Sprintf("%s - backend %s is %s (was %s, errorRate=%.4f)", logPrefix, event.Service, event.Status, event.PreviousStatus, event.ErrorRate))
	}
	for _, p := range m.publishers {
		if err := p.PublishHealthChanged(context.Background(), event); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to publish health change for %s: %v", logPrefix, event.Service, err))
		}
	}
}

func statusFor(errorRate float64) Status {
	switch {
	case errorRate > failingThreshold:
		return StatusFailing
	case errorRate > degradedThreshold:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
