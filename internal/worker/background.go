package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tasks runs fire-and-forget work. A task's error or panic goes to the log and
// never reaches the code that spawned it.
type Tasks struct {
	log *zap.Logger
	sem chan struct{}
	wg  sync.WaitGroup

	timeout time.Duration
}

func NewTasks(log *zap.Logger, limit int, timeout time.Duration) *Tasks {
	if limit <= 0 {
		limit = 32
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Tasks{log: log, sem: make(chan struct{}, limit), timeout: timeout}
}

// Go starts fn unless the concurrency limit is reached, in which case the task
// is dropped and Go returns false.
func (t *Tasks) Go(name string, fn func(ctx context.Context) error) bool {
	select {
	case t.sem <- struct{}{}:
	default:
		t.log.Debug("background task dropped, limit reached", zap.String("task", name))
		return false
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() { <-t.sem }()
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("background task panicked", zap.String("task", name), zap.Error(fmt.Errorf("%v", r)))
			}
		}()

		// Detached from any request: a page navigating away must not cancel it.
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			t.log.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
	return true
}

// Wait blocks until every started task has returned.
func (t *Tasks) Wait() {
	t.wg.Wait()
}
