package botflow

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/petrijr/botflow/internal/taskqueue"
	"github.com/petrijr/botflow/internal/trigger"
	"github.com/petrijr/botflow/pkg/worker"
)

// LocalRunner bundles an in-memory Runtime, an in-memory task queue, a
// Worker and a schedule runner into a single-process bot runtime for
// development, tests and small deployments.
//
// Typical usage:
//
//	runner := botflow.NewLocalRunner(botflow.Options{Channel: ch})
//	_ = runner.Runtime.RegisterFlow(ctx, flow)
//	_ = runner.Runtime.RegisterTrigger(ctx, keywordTrigger)
//
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	// Inbound messages come in as events:
//	_, _ = runner.Runtime.DeliverEvent(ctx, botflow.Event{
//	    Type: "message", BotID: "bot-1", ContactID: contact.ID, Text: "hi",
//	})
type LocalRunner struct {
	Runtime  *Runtime
	Queue    taskqueue.Queue
	Worker   *worker.Worker
	Schedule *trigger.ScheduleRunner

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by in-memory stores
// and queue. The Options' Scheduler field is ignored; the runner's own
// queue is always used.
func NewLocalRunner(opts Options) *LocalRunner {
	q := taskqueue.NewInMemoryQueue()
	opts.Scheduler = worker.NewQueueScheduler(q)
	rt := NewInMemoryEngine(opts)

	r := &LocalRunner{
		Runtime: rt,
		Queue:   q,
		Worker:  worker.New(rt.Engine, q),
	}
	r.Schedule = trigger.NewScheduleRunner(func(ctx context.Context, ev Event) {
		if _, err := rt.DeliverEvent(ctx, ev); err != nil {
			log.Printf("botflow: schedule delivery error: %v", err)
		}
	})
	return r
}

// RegisterScheduleTrigger stores a schedule trigger and arms its timer
// in one step.
func (r *LocalRunner) RegisterScheduleTrigger(ctx context.Context, t Trigger) error {
	if err := r.Runtime.RegisterTrigger(ctx, t); err != nil {
		return err
	}
	return r.Schedule.Register(t)
}

// StartWorkers starts 'concurrency' worker goroutines that continuously
// call Worker.ProcessOne(ctx) until the context is cancelled via Stop,
// and starts the schedule runner.
//
// If StartWorkers is called more than once without Stop, it returns an
// error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("botflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.Schedule.Start()

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				processed, err := r.Worker.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					// A single bad task shouldn't kill the worker loop.
					log.Printf("botflow: local runner worker error: %v", err)
					continue
				}
				if !processed {
					continue
				}
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers, halts
// the schedule runner, and waits for workers to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	r.Schedule.Stop()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
