// Package scheduler drains deferred coordination requests in priority order,
// one at a time, whenever the coordinator is idle.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

const logPrefix = "scheduler:scheduler"

const defaultTick = 250 * time.Millisecond

// Processor is the work the dispatcher drains into.
type Processor interface {
	Process(ctx context.Context, req *coordination.Request) *coordination.AggregatedResponse
	Busy() bool
}

// CompletionFunc receives each drained item and its response.
type CompletionFunc func(item Item, resp *coordination.AggregatedResponse)

// Options configures a Dispatcher.
type Options struct {
	// Tick is the drain interval. Zero uses 250ms.
	Tick time.Duration
	// OnComplete is called synchronously from the drain loop. Optional.
	OnComplete CompletionFunc
	Now        func() time.Time
}

// Dispatcher holds the priority queue and the drain loop.
type Dispatcher struct {
	processor  Processor
	tick       time.Duration
	onComplete CompletionFunc
	now        func() time.Time

	mu    sync.Mutex
	queue itemHeap
	seq   uint64

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Dispatcher draining into p.
func New(p Processor, opts Options) *Dispatcher {
	d := &Dispatcher{
		processor:  p,
		tick:       opts.Tick,
		onComplete: opts.OnComplete,
		now:        opts.Now,
	}
	if d.tick <= 0 {
		d.tick = defaultTick
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Enqueue adds req and returns its arrival sequence number. The caller validates
// req and enforces any depth limit.
func (d *Dispatcher) Enqueue(req *coordination.Request) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	heap.Push(&d.queue, &Item{Request: req, Seq: d.seq, EnqueuedAt: d.now()})
	return d.seq
}

// Depth returns the number of queued items.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Start launches the drain loop. Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	d.wg.Add(1)
	go d.loop(ctx)
	slog.Info(fmt.Sprintf("%s - Drain loop started, tick=%s", logPrefix, d.tick))
}

// Stop cancels the drain loop, waits for an in-progress item to finish, and
// discards whatever is still queued. It returns the number of discarded items.
// An in-progress item is not cancelled; it ends within its backends' timeouts.
func (d *Dispatcher) Stop() int {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if !d.running {
		return 0
	}
	d.cancel()
	d.wg.Wait()
	d.running = false

	d.mu.Lock()
	discarded := d.queue.Len()
	d.queue = nil
	d.mu.Unlock()

	if discarded > 0 {
		slog.Warn(fmt.Sprintf("%s - Drain loop stopped, discarded %d queued requests", logPrefix, discarded))
	} else {
		slog.Info(fmt.Sprintf("%s - Drain loop stopped", logPrefix))
	}
	return discarded
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOne(ctx)
		}
	}
}

// drainOne processes at most one item, and only when the processor is idle.
func (d *Dispatcher) drainOne(ctx context.Context) {
	if d.processor.Busy() {
		return
	}
	item := d.pop()
	if item == nil {
		return
	}

	// Stopping the loop must not turn the drained request into cancelled backend calls.
	resp := d.processor.Process(context.WithoutCancel(ctx), item.Request)
	slog.Debug(fmt.Sprintf("%s - Drained request seq=%d priority=%s success=%v waited=%s",
		logPrefix, item.Seq, item.Request.Priority, resp != nil && resp.Success, d.now().Sub(item.EnqueuedAt)))
	if d.onComplete != nil {
		d.onComplete(*item, resp)
	}
}

func (d *Dispatcher) pop() *Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&d.queue).(*Item)
}
