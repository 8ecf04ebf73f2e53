// Package pq is a generic priority queue built on container/heap, used by
// the swarm manager to rank needed piece indices rarest-first.
package pq

import "container/heap"

// Item wraps a value inside the heap, tracking its current index so it can
// be removed or fixed up in place.
type Item[T any] struct {
	Value T
	Index int
}

// PriorityQueue is a min-heap over T, ordered by a caller-supplied less
// function.
type PriorityQueue[T any] struct {
	items []*Item[T]
	less  func(a, b T) bool
}

// New returns an empty priority queue ordered by less.
func New[T any](less func(a, b T) bool) *PriorityQueue[T] {
	pq := &PriorityQueue[T]{less: less}
	heap.Init(pq)
	return pq
}

func (pq PriorityQueue[T]) Len() int { return len(pq.items) }

func (pq PriorityQueue[T]) Less(i, j int) bool {
	return pq.less(pq.items[i].Value, pq.items[j].Value)
}

func (pq PriorityQueue[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].Index = i
	pq.items[j].Index = j
}

func (pq *PriorityQueue[T]) Push(x any) {
	item := x.(*Item[T])
	item.Index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *PriorityQueue[T]) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	pq.items = old[:n-1]
	return item
}

// Enqueue pushes value onto the heap.
func (pq *PriorityQueue[T]) Enqueue(value T) {
	heap.Push(pq, &Item[T]{Value: value})
}

// Dequeue pops the minimum element. ok is false if the queue is empty.
func (pq *PriorityQueue[T]) Dequeue() (value T, ok bool) {
	if pq.Len() == 0 {
		return value, false
	}
	return heap.Pop(pq).(*Item[T]).Value, true
}

// Peek returns the minimum element without removing it.
func (pq *PriorityQueue[T]) Peek() (value T, ok bool) {
	if pq.Len() == 0 {
		return value, false
	}
	return pq.items[0].Value, true
}
