package grid

import (
	"container/heap"

	"github.com/sirupsen/logrus"
)

// eventHeap implements heap.Interface with deterministic ordering.
// Order by: priority -> due tick -> insertion sequence.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Due != b.Due {
		return a.Due < b.Due
	}
	return a.seq < b.seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*Event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler is a binary-heap priority queue of events with deterministic
// tie-breaking. Pop order for simultaneous events is fixed by (priority,
// due tick, insertion sequence) so identical runs drain identical streams.
type Scheduler struct {
	heap eventHeap
	seq  uint64
}

// NewScheduler returns an empty event scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{heap: make(eventHeap, 0)}
	heap.Init(&s.heap)
	return s
}

// Len returns the number of pending events.
func (s *Scheduler) Len() int { return len(s.heap) }

// Schedule inserts an event, stamping its insertion sequence.
func (s *Scheduler) Schedule(e *Event) {
	e.seq = s.seq
	s.seq++
	heap.Push(&s.heap, e)
}

// Peek returns the most urgent event without removing it.
func (s *Scheduler) Peek() *Event {
	if len(s.heap) == 0 {
		return nil
	}
	return s.heap[0]
}

// PopReady drains and returns, in priority order, every event whose due
// tick is <= now. Events whose target no longer exists are dropped with a
// log line instead of being handed to the caller.
func (s *Scheduler) PopReady(now int64, targetExists func(NodeID) bool) []*Event {
	var ready []*Event
	var deferred []*Event
	for len(s.heap) > 0 {
		e := heap.Pop(&s.heap).(*Event)
		if e.Due > now {
			deferred = append(deferred, e)
			continue
		}
		if targetExists != nil && !targetExists(e.Target) {
			logrus.Debugf("dropping %s: target node %d no longer exists", e.Kind, e.Target)
			continue
		}
		ready = append(ready, e)
	}
	for _, e := range deferred {
		heap.Push(&s.heap, e)
	}
	return ready
}
