package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

type flakyLock struct {
	calls atomic.Int32
	errs  []error
}

func (f *flakyLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

func (f *flakyLock) Refresh(context.Context, string, time.Duration) error {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.errs) {
		return f.errs[n]
	}
	return nil
}

func TestHoldReportsLostLock(t *testing.T) {
	lm := &flakyLock{errs: []error{nil, errors.New("i/o timeout"), fmt.Errorf("lost: %w", domain.ErrLockHeld)}}
	lost := make(chan error, 1)

	done := make(chan struct{})
	go func() {
		Hold(context.Background(), lm, "spotarb:lock:executor", 30*time.Millisecond, func(err error) { lost <- err })
		close(done)
	}()

	select {
	case err := <-lost:
		if !errors.Is(err, domain.ErrLockHeld) {
			t.Fatalf("lost err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lock loss not reported")
	}
	<-done
	if got := lm.calls.Load(); got != 3 {
		t.Fatalf("refresh calls = %d, want 3", got)
	}
}

func TestHoldStopsWithContext(t *testing.T) {
	lm := &flakyLock{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Hold(ctx, lm, "k", 30*time.Millisecond, func(error) { t.Error("unexpected loss") })
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Hold did not return after cancel")
	}
}
