package interceptor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/metrics"
)

// Dispatcher runs fire-and-forget recording work off the request path.
// Tasks cannot be cancelled once started; Wait only bounds how long shutdown blocks.
type Dispatcher struct {
	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger.Named("dispatcher"), metrics: m}
}

// Go runs fn in a new goroutine. Panics are recovered and logged.
func (d *Dispatcher) Go(ctx context.Context, name string, fn func(context.Context)) {
	d.wg.Add(1)
	d.metrics.TaskStarted()
	go func() {
		defer d.wg.Done()
		defer d.metrics.TaskFinished()
		defer func() {
			if p := recover(); p != nil {
				d.metrics.IncrementTaskPanic()
				d.logger.Error("background task panicked",
					zap.String("task", name),
					zap.Any("panic", p),
					zap.Stack("stack"))
			}
		}()
		fn(ctx)
	}()
}

// Wait blocks until all started tasks finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
