package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestBreaker(t *testing.T, config Config) (*CircuitBreaker, *time.Time) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cb := New(config, logger)
	cb.SetClock(func() time.Time { return now })
	return cb, &now
}

var errSend = errors.New("smtp: connection refused")

func fail(context.Context) error { return errSend }
func ok(context.Context) error   { return nil }

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{Name: "email", MaxFailures: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errSend) {
			t.Fatalf("attempt %d: err = %v, want send error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("function ran while breaker was open")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb, now := newTestBreaker(t, Config{Name: "sms", MaxFailures: 1, Timeout: 30 * time.Second, MaxRequests: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	*now = now.Add(31 * time.Second)
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(t, Config{Name: "sms", MaxFailures: 1, Timeout: 30 * time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	*now = now.Add(31 * time.Second)
	_ = cb.Execute(ctx, fail)

	if cb.State() != StateOpen {
		t.Errorf("state = %s, want open", cb.State())
	}
	if err := cb.Execute(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen right after reopening", err)
	}
}

func TestBreakerContextErrors(t *testing.T) {
	tests := []struct {
		name      string
		ctx       func() (context.Context, context.CancelFunc)
		want      error
		wantState State
	}{
		{
			name: "cancellation is not a failure",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel
			},
			want:      context.Canceled,
			wantState: StateClosed,
		},
		{
			name: "hung call past its deadline is a failure",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), time.Millisecond)
			},
			want:      context.DeadlineExceeded,
			wantState: StateOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _ := newTestBreaker(t, Config{Name: "push", MaxFailures: 1, Timeout: time.Minute})
			ctx, cancel := tt.ctx()
			defer cancel()

			err := cb.Execute(ctx, func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if cb.State() != tt.wantState {
				t.Errorf("state = %s, want %s", cb.State(), tt.wantState)
			}
		})
	}
}

func TestBreakerSnapshotCounts(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{Name: "email", MaxFailures: 2, Timeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, ok)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, ok)

	snap := cb.Snapshot()
	if snap.TotalRequests != 3 || snap.TotalSuccesses != 1 || snap.TotalFailures != 2 || snap.TotalRejected != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.State != "open" {
		t.Errorf("snapshot state = %s, want open", snap.State)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var changes []State
	cb, _ := newTestBreaker(t, Config{
		Name:        "email",
		MaxFailures: 1,
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, to)
		},
	})

	_ = cb.Execute(context.Background(), fail)
	cb.Reset()

	if len(changes) != 2 || changes[0] != StateOpen || changes[1] != StateClosed {
		t.Errorf("changes = %v, want [open closed]", changes)
	}
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb, _ := newTestBreaker(t, Config{Name: "push", MaxFailures: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (i+j)%3 == 0 {
					_ = cb.Execute(context.Background(), fail)
				} else {
					_ = cb.Execute(context.Background(), ok)
				}
			}
		}(i)
	}
	wg.Wait()

	snap := cb.Snapshot()
	if snap.TotalRequests != snap.TotalFailures+snap.TotalSuccesses {
		t.Errorf("inconsistent counts: %+v", snap)
	}
	if snap.TotalRequests != 1000 {
		t.Errorf("total requests = %d, want 1000", snap.TotalRequests)
	}
}
