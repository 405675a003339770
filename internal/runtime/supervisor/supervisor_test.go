package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "routined/pkg/logx"
)

func TestGoRunsAndCompletes(t *testing.T) {
	s := New(context.Background(), logx.Nop())
	var ran atomic.Bool
	s.Go("job", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	s.Wait()
	if !ran.Load() {
		t.Fatal("goroutine never ran")
	}
	if s.Active() != 0 {
		t.Fatalf("active = %d, want 0", s.Active())
	}
	if err := s.FirstErr(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGoRecordsFirstError(t *testing.T) {
	s := New(context.Background(), logx.Nop())
	want := errors.New("boom")
	s.Go("job", func(ctx context.Context) error { return want })
	s.Wait()
	if !errors.Is(s.FirstErr(), want) {
		t.Fatalf("first err = %v", s.FirstErr())
	}
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background(), logx.Nop())
	s.Go("job", func(ctx context.Context) error { panic("kaboom") })
	s.Wait()
	if s.FirstErr() == nil {
		t.Fatal("panic must be recorded as an error")
	}
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	s := New(context.Background(), logx.Nop(), WithCancelOnError())
	s.Go("watcher", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failing", func(ctx context.Context) error { return errors.New("fatal") })
	done := make(chan struct{})
	go func() { s.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling was not cancelled")
	}
}

func TestContextCanceledIsCleanExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, logx.Nop())
	s.Go("job", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	s.Wait()
	if err := s.FirstErr(); err != nil {
		t.Fatalf("cancellation recorded as error: %v", err)
	}
}

func TestGoRestartRestartsUntilStopped(t *testing.T) {
	s := New(context.Background(), logx.Nop())
	var runs atomic.Int32
	s.GoRestart("flaky", time.Millisecond, 5*time.Millisecond, func(ctx context.Context) error {
		if runs.Add(1) >= 3 {
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("transient")
	})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want >= 3", runs.Load())
	}
	if err := s.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopTimesOutOnStuckGoroutine(t *testing.T) {
	s := New(context.Background(), logx.Nop())
	release := make(chan struct{})
	s.Go("stuck", func(ctx context.Context) error {
		<-release // ignores ctx
		return nil
	})
	err := s.Stop(20 * time.Millisecond)
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("err = %v, want ErrStopTimeout", err)
	}
	close(release)
	s.Wait()
}
