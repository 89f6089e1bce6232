package scheduler

import (
	"time"

	"github.com/morezero/analysis-coordinator/pkg/coordination"
)

// Item is one deferred request waiting in the queue.
type Item struct {
	Request    *coordination.Request
	Seq        uint64
	EnqueuedAt time.Time
}

// itemHeap orders by priority descending, then by arrival.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Request.Priority != h[j].Request.Priority {
		return h[i].Request.Priority > h[j].Request.Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(*Item))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
