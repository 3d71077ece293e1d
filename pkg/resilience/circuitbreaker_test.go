package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func failing(context.Context) error { return errBackend }

func succeeding(context.Context) error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, failing); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: err = %v, want backend error", i, err)
		}
	}
	if st := b.State(); st != StateOpen {
		t.Fatalf("state = %v, want open", st)
	}
	if err := b.Call(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	b.Call(ctx, failing)
	b.Call(ctx, succeeding)
	b.Call(ctx, failing)
	if st := b.State(); st != StateClosed {
		t.Fatalf("state = %v, want closed after interleaved success", st)
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Call(ctx, failing)
	if st := b.State(); st != StateOpen {
		t.Fatalf("state = %v, want open", st)
	}

	now = now.Add(11 * time.Second)
	if st := b.State(); st != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", st)
	}
	if err := b.Call(ctx, succeeding); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if st := b.State(); st != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", st)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Call(ctx, failing)
	now = now.Add(11 * time.Second)
	if err := b.Call(ctx, failing); !errors.Is(err, errBackend) {
		t.Fatalf("err = %v, want backend error", err)
	}
	if st := b.State(); st != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", st)
	}
}

func TestBreakerHalfOpenBoundsProbes(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	b.Call(ctx, failing)
	now = now.Add(11 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	go b.Call(ctx, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	if err := b.Call(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen while probe in flight", err)
	}
	close(release)
}
