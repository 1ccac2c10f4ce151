package taskqueue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryQueue_FIFO(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"t1", "t2", "t3"} {
		err := q.Enqueue(ctx, Task{ID: id, Type: TaskTypeStep, ExecutionID: "e1", EnqueuedAt: base.Add(time.Duration(i) * time.Millisecond)})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	for _, want := range []string{"t1", "t2", "t3"} {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task.ID != want {
			t.Fatalf("got %s, want %s", task.ID, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}

func TestInMemoryQueue_NotBeforeHoldsTaskBack(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	now := time.Now()
	q.Enqueue(ctx, Task{ID: "later", Type: TaskTypeResume, ExecutionID: "e1", EnqueuedAt: now, NotBefore: now.Add(50 * time.Millisecond)})
	q.Enqueue(ctx, Task{ID: "now", Type: TaskTypeStep, ExecutionID: "e2", EnqueuedAt: now.Add(time.Millisecond)})

	// The immediately eligible task comes out first even though it was
	// enqueued second.
	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task.ID != "now" {
		t.Fatalf("got %s, want now", task.ID)
	}

	start := time.Now()
	task, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task.ID != "later" {
		t.Fatalf("got %s, want later", task.ID)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("task released too early: %v", elapsed)
	}
}

func TestInMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	done := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		done <- task
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(ctx, Task{ID: "t1", Type: TaskTypeInput, ExecutionID: "e1", Message: "hi"})

	select {
	case task := <-done:
		if task.ID != "t1" || task.Message != "hi" {
			t.Fatalf("unexpected task: %+v", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Dequeue did not wake on Enqueue")
	}
}

func TestInMemoryQueue_DequeueRespectsContext(t *testing.T) {
	q := NewInMemoryQueue()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Dequeue did not honor cancellation")
	}
}
