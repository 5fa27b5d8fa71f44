package taskqueue

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestInMemoryQueue_EnqueueDequeueOrder(t *testing.T) {
	q := NewInMemoryQueue(8)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := q.TryEnqueue(Task{ID: id, Type: TaskTypeAsync, RunID: "run-" + id}); err != nil {
			t.Fatalf("TryEnqueue %s failed: %v", id, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	for _, want := range []string{"1", "2", "3"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.ID != want {
			t.Fatalf("unexpected dequeue order: got %q want %q", got.ID, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestInMemoryQueue_TryEnqueueFull(t *testing.T) {
	q := NewInMemoryQueue(1)

	if err := q.TryEnqueue(Task{ID: "a"}); err != nil {
		t.Fatalf("first TryEnqueue failed: %v", err)
	}
	if err := q.TryEnqueue(Task{ID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestInMemoryQueue_DequeueRespectsContext(t *testing.T) {
	q := NewInMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestInMemoryQueue_CloseDrains(t *testing.T) {
	q := NewInMemoryQueue(4)
	ctx := context.Background()
	_ = q.TryEnqueue(Task{ID: "a"})
	_ = q.TryEnqueue(Task{ID: "b"})

	q.Close()
	q.Close()

	if err := q.TryEnqueue(Task{ID: "c"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after Close, got %v", err)
	}

	for _, want := range []string{"a", "b"} {
		got, err := q.Dequeue(ctx)
		if err != nil || got.ID != want {
			t.Fatalf("expected %q after close, got %v / %v", want, got, err)
		}
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed on drained queue, got %v", err)
	}
}

func TestInMemoryQueue_ConcurrentProducersConsumers(t *testing.T) {
	q := NewInMemoryQueue(16)
	ctx := context.Background()

	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				task := Task{ID: string(rune('a'+p)) + "-" + time.Duration(i).String()}
				for errors.Is(q.TryEnqueue(task), ErrQueueFull) {
					runtime.Gosched()
				}
			}
		}()
	}

	received := make(chan struct{}, producers*perProducer)
	var consumers sync.WaitGroup
	for range 3 {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				if _, err := q.Dequeue(ctx); err != nil {
					return
				}
				received <- struct{}{}
			}
		}()
	}

	wg.Wait()
	q.Close()
	consumers.Wait()

	if len(received) != producers*perProducer {
		t.Fatalf("expected %d tasks, got %d", producers*perProducer, len(received))
	}
}
