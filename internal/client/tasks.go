// ABOUTME: Background tasks with their own error channel
// ABOUTME: Failures are logged and reported but never block the caller

package client

import (
	"log/slog"
	"sync"
)

const taskErrorBuffer = 16

// tasks runs fire-and-forget work off the request path.
type tasks struct {
	logger *slog.Logger
	wg     sync.WaitGroup
	errs   chan error
}

func newTasks(logger *slog.Logger) *tasks {
	return &tasks{
		logger: logger,
		errs:   make(chan error, taskErrorBuffer),
	}
}

// Go runs fn in the background. A returned error is logged and offered on
// the error channel; if nobody is reading and the buffer is full it is
// dropped.
func (t *tasks) Go(name string, fn func() error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := fn(); err != nil {
			t.logger.Warn("background task failed", "task", name, "error", err)
			select {
			case t.errs <- err:
			default:
			}
		}
	}()
}

// Errors returns the channel background failures are reported on.
func (t *tasks) Errors() <-chan error {
	return t.errs
}

// Wait blocks until every started task has returned.
func (t *tasks) Wait() {
	t.wg.Wait()
}
