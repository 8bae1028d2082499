package evloop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Dispatcher runs each accept/read event as its own goroutine.
//
// Dispatch never blocks the caller. With a bound, tasks queue on a weighted
// semaphore inside their goroutine rather than in the event loop.
type Dispatcher struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *zap.Logger

	inFlight   atomic.Int64
	dispatched atomic.Int64
	panics     atomic.Int64
}

// NewDispatcher returns a dispatcher running at most maxHandlers handlers at
// once. maxHandlers <= 0 means unbounded.
func NewDispatcher(maxHandlers int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{logger: logger}
	if maxHandlers > 0 {
		d.sem = semaphore.NewWeighted(int64(maxHandlers))
	}
	return d
}

// Dispatch runs h(conn) concurrently, then after (if not nil). A task still
// waiting for a slot when ctx is done is dropped without running.
func (d *Dispatcher) Dispatch(ctx context.Context, h Handler, conn Conn, after func()) {
	d.dispatched.Inc()
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		if d.sem != nil {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				d.logger.Debug("dropped handler", zap.Int("fd", conn.Fd()), zap.Error(err))
				return
			}
			defer d.sem.Release(1)
		}

		d.inFlight.Inc()
		defer d.inFlight.Dec()

		if after != nil {
			defer after()
		}
		defer func() {
			if r := recover(); r != nil {
				d.panics.Inc()
				d.logger.Error("handler panic", zap.Int("fd", conn.Fd()), zap.Any("panic", r))
			}
		}()

		h(conn)
	}()
}

// InFlight returns the number of handlers currently running.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Dispatched returns the number of tasks handed to Dispatch so far.
func (d *Dispatcher) Dispatched() int64 {
	return d.dispatched.Load()
}

// Panics returns how many handlers panicked.
func (d *Dispatcher) Panics() int64 {
	return d.panics.Load()
}

// Wait blocks until every dispatched task has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// WaitTimeout is Wait bounded by timeout. It reports whether every task
// returned in time.
func (d *Dispatcher) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
