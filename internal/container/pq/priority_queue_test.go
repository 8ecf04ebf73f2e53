package pq

import "testing"

func TestOrdering(t *testing.T) {
	q := New(func(a, b int) bool { return a < b })
	for _, v := range []int{5, 1, 4, 2, 3} {
		q.Enqueue(v)
	}

	var got []int
	for {
		v, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, v)
	}

	want := []int{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New(func(a, b int) bool { return a < b })
	q.Enqueue(7)

	v, ok := q.Peek()
	if !ok || v != 7 {
		t.Fatalf("Peek() = %v, %v, want 7, true", v, ok)
	}
	if q.Len() != 1 {
		t.Fatalf("Peek must not remove the item")
	}
}

func TestEmptyDequeue(t *testing.T) {
	q := New(func(a, b int) bool { return a < b })
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected Dequeue on empty queue to report ok=false")
	}
}
