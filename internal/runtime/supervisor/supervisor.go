// Package supervisor manages the daemon's long-lived goroutines: named
// starts, panic recovery, optional restart with backoff, and graceful stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "routined/pkg/logx"
)

var ErrStopTimeout = errors.New("supervisor: stop timed out")

// Supervisor runs goroutines under a shared context. The first error (or
// recovered panic) from any goroutine cancels the rest when cancel-on-error
// is enabled.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // error
	wg          sync.WaitGroup
	active      atomic.Int64
}

type Option func(*Supervisor)

// WithCancelOnError makes the first goroutine error cancel the whole group.
func WithCancelOnError() Option {
	return func(s *Supervisor) { s.cancelOnErr = true }
}

// New derives the supervisor's context from parent.
func New(parent context.Context, log logx.Logger, opts ...Option) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Context is the group context handed to supervised functions.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Active reports how many supervised goroutines are running.
func (s *Supervisor) Active() int64 { return s.active.Load() }

// FirstErr returns the first recorded goroutine error, if any.
func (s *Supervisor) FirstErr() error {
	if v := s.firstErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Go runs fn once on its own goroutine. A panic is recovered and recorded
// as an error; context.Canceled exits are treated as clean.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.runOne(name, fn)
	}()
}

// GoRestart runs fn on its own goroutine and restarts it whenever it
// returns or panics, with exponential backoff capped at max. A clean exit
// after ctx cancellation stops the loop.
func (s *Supervisor) GoRestart(name string, base, max time.Duration, fn func(ctx context.Context) error) {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		delay := base
		for {
			err := s.runOne(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if err == nil {
				delay = base
			}
			s.log.Warn("goroutine exited; restarting",
				logx.String("name", name),
				logx.Duration("backoff", delay),
				logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > max {
				delay = max
			}
		}
	}()
}

func (s *Supervisor) runOne(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.recordErr(err)
		}
	}()
	s.log.Debug("goroutine started", logx.String("name", name))
	err = fn(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("goroutine returned error", logx.String("name", name), logx.Err(err))
	} else {
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}
	return err
}

func (s *Supervisor) recordErr(err error) {
	s.errOnce.Do(func() {
		s.firstErr.Store(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}

// Stop cancels the group and waits up to timeout for goroutines to finish.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %s (%d still active)", ErrStopTimeout, timeout, s.Active())
	}
}

// Wait blocks until every supervised goroutine has finished.
func (s *Supervisor) Wait() { s.wg.Wait() }
