package pipeline

import (
	"testing"
	"time"
)

func TestDropNewestQueueEnqueueDequeue(t *testing.T) {
	q := NewDropNewestQueue[int](2)
	if !q.Enqueue(1) {
		t.Fatal("expected first enqueue to succeed")
	}
	if !q.Enqueue(2) {
		t.Fatal("expected second enqueue to succeed")
	}
	if q.Enqueue(3) {
		t.Fatal("expected third enqueue to be dropped on a full queue")
	}
	if got := q.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}

	v, ok := q.TryDequeue()
	if !ok || v != 1 {
		t.Fatalf("TryDequeue() = (%d, %v), want (1, true)", v, ok)
	}
}

func TestDropNewestQueueDequeueDone(t *testing.T) {
	q := NewDropNewestQueue[int](1)
	done := make(chan struct{})
	close(done)
	_, ok := q.Dequeue(done)
	if ok {
		t.Fatal("expected Dequeue to report !ok once done is closed")
	}
}

func TestDropNewestQueueDequeueTimeout(t *testing.T) {
	q := NewDropNewestQueue[int](1)
	start := time.Now()
	_, ok := q.DequeueTimeout(20 * time.Millisecond)
	if ok {
		t.Fatal("expected DequeueTimeout to time out on an empty queue")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("DequeueTimeout returned after %s, wanted >= 20ms", elapsed)
	}

	q.Enqueue(42)
	v, ok := q.DequeueTimeout(20 * time.Millisecond)
	if !ok || v != 42 {
		t.Fatalf("DequeueTimeout() = (%d, %v), want (42, true)", v, ok)
	}
}

func TestDropNewestQueueLen(t *testing.T) {
	q := NewDropNewestQueue[string](4)
	q.Enqueue("a")
	q.Enqueue("b")
	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}
