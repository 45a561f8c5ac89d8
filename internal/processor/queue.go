package processor

import (
	"container/heap"
	"sync"
	"time"

	"github.com/petitiond/petitiond/internal/petition"
)

// Item pairs a petition with the arrival sequence assigned when it first
// entered the queue. Requeueing a skipped item keeps its sequence, so
// relative order among equal priorities is preserved.
type Item struct {
	Petition petition.Petition
	seq      uint64
}

type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if petition.Less(h[i].Petition, h[j].Petition) {
		return true
	}
	if petition.Less(h[j].Petition, h[i].Petition) {
		return false
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is a priority queue safe for concurrent producers and a single
// consumer. Lower priority value pops first; ties pop in arrival order.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
	seq   uint64

	wake chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push enqueues a new arrival and wakes the consumer.
func (q *Queue) Push(p petition.Petition) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, Item{Petition: p, seq: q.seq})
	q.mu.Unlock()
	q.Kick()
}

// Requeue returns a skipped item with its original sequence. It does not
// wake the consumer: nothing changed that would make the item admissible.
func (q *Queue) Requeue(it Item) {
	q.mu.Lock()
	heap.Push(&q.items, it)
	q.mu.Unlock()
}

// Kick wakes the consumer without adding work, e.g. after resources were
// released and previously inadmissible petitions deserve a re-check.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Take pops up to max items in priority order, blocking until at least
// one is available.
func (q *Queue) Take(max int) []Item {
	if max < 1 {
		max = 1
	}
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			n := min(max, len(q.items))
			out := make([]Item, 0, n)
			for range n {
				out = append(out, heap.Pop(&q.items).(Item))
			}
			q.mu.Unlock()
			return out
		}
		q.mu.Unlock()
		<-q.wake
	}
}

// WaitForWork blocks until the consumer is woken or d elapses.
func (q *Queue) WaitForWork(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.wake:
	case <-t.C:
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
