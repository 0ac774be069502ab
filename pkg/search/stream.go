// Package search implements the Priority Stream (C1), Directory
// Walker (C2), and File Search Engine (C3).
package search

import (
	"container/heap"
	"sync"
)

// Result is one match surfaced by the File Search Engine.
type Result struct {
	Path     string
	Score    float64
	MatchedOn string
	Snippet  string
	Size     int64
}

// item wraps a Result with its heap index for container/heap.
type item struct {
	result Result
	index  int
}

// minHeap orders items by ascending score so the lowest-ranked result
// sits at the root — the item evicted first when the stream is full.
type minHeap []*item

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].result.Score < h[j].result.Score }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *minHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// PriorityStream is a bounded, thread-safe max-relevance collector:
// it holds at most Capacity results, always the highest-scored seen so
// far. Offer is O(log Capacity); Capacity is fixed at construction so
// memory use never grows with the number of matches scanned.
type PriorityStream struct {
	mu       sync.Mutex
	h        minHeap
	capacity int
}

// NewPriorityStream constructs a stream bounded to capacity results.
func NewPriorityStream(capacity int) *PriorityStream {
	if capacity < 1 {
		capacity = 1
	}
	s := &PriorityStream{capacity: capacity}
	heap.Init(&s.h)
	return s
}

// Offer considers r for inclusion in the stream. It is always
// accepted while the stream has spare capacity; once full, r replaces
// the current lowest-scored result only if r scores higher.
func (s *PriorityStream) Offer(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.h) < s.capacity {
		heap.Push(&s.h, &item{result: r})
		return
	}
	if len(s.h) > 0 && r.Score > s.h[0].result.Score {
		s.h[0].result = r
		heap.Fix(&s.h, 0)
	}
}

// Drain returns every retained result ordered by descending score and
// empties the stream.
func (s *PriorityStream) Drain() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Result, 0, len(s.h))
	for len(s.h) > 0 {
		it := heap.Pop(&s.h).(*item)
		out = append(out, it.result)
	}
	// h.Pop yields ascending score order; reverse for descending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len reports how many results are currently retained.
func (s *PriorityStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.h)
}
