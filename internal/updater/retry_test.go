package updater

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

// step is one scripted action result.
type step struct {
	more bool
	err  error
}

func scripted(steps ...step) (Action, *int) {
	calls := 0
	return func(context.Context) (bool, error) {
		if calls >= len(steps) {
			calls++
			return false, nil
		}
		s := steps[calls]
		calls++
		return s.more, s.err
	}, &calls
}

func TestNextIntervalSequence(t *testing.T) {
	want := []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
	}
	current := time.Duration(0)
	for i, w := range want {
		current = NextInterval(current)
		if current != w {
			t.Fatalf("step %d: NextInterval = %v, want %v", i, current, w)
		}
	}

	prev := current
	for i := 0; i < 20; i++ {
		current = NextInterval(current)
		if current < prev {
			t.Fatalf("interval decreased from %v to %v", prev, current)
		}
		if current > 30*time.Second {
			t.Fatalf("interval %v exceeds 30s cap", current)
		}
		prev = current
	}
	if current != 30*time.Second {
		t.Errorf("interval after many failures = %v, want 30s", current)
	}
}

func TestLoopTransientBackoff(t *testing.T) {
	boom := errors.New("boom")
	action, calls := scripted(step{err: boom}, step{err: boom}, step{err: boom}, step{err: boom})
	sleeps := &sleepRecorder{}
	var reported []error

	err := Loop{
		Description: "test",
		OnError: func(err error) error {
			reported = append(reported, err)
			return nil
		},
		Log:   testLogger(),
		sleep: sleeps.sleep,
	}.Run(context.Background(), action)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond, 3375 * time.Millisecond}
	if got := sleeps.recorded(); !reflect.DeepEqual(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if len(reported) != 4 {
		t.Errorf("OnError calls = %d, want 4", len(reported))
	}
	if *calls != 5 {
		t.Errorf("action calls = %d, want 5", *calls)
	}
}

func TestLoopRateLimitOverridesInterval(t *testing.T) {
	boom := errors.New("boom")
	action, _ := scripted(step{err: boom}, step{err: boom}, step{err: &RateLimitError{RetryAfter: 5 * time.Second}})
	sleeps := &sleepRecorder{}

	err := Loop{Description: "test", Log: testLogger(), sleep: sleeps.sleep}.Run(context.Background(), action)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []time.Duration{time.Second, 1500 * time.Millisecond, 5500 * time.Millisecond}
	if got := sleeps.recorded(); !reflect.DeepEqual(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
}

func TestLoopTimedOutRetriesImmediately(t *testing.T) {
	action, calls := scripted(step{err: ErrTimedOut}, step{err: context.DeadlineExceeded})
	sleeps := &sleepRecorder{}
	onErrCalled := false

	err := Loop{
		Description: "test",
		OnError:     func(error) error { onErrCalled = true; return nil },
		Log:         testLogger(),
		sleep:       sleeps.sleep,
	}.Run(context.Background(), action)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := sleeps.recorded(); len(got) != 0 {
		t.Errorf("sleeps = %v, want none", got)
	}
	if onErrCalled {
		t.Error("OnError called for a timeout")
	}
	if *calls != 3 {
		t.Errorf("action calls = %d, want 3", *calls)
	}
}

func TestLoopInvalidCredentialsAborts(t *testing.T) {
	action, calls := scripted(step{err: ErrInvalidCredentials}, step{more: true})
	onErrCalled := false

	err := Loop{
		Description: "test",
		OnError:     func(error) error { onErrCalled = true; return nil },
		Log:         testLogger(),
		sleep:       (&sleepRecorder{}).sleep,
	}.Run(context.Background(), action)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Run() error = %v, want ErrInvalidCredentials", err)
	}
	if onErrCalled {
		t.Error("OnError called for invalid credentials")
	}
	if *calls != 1 {
		t.Errorf("action calls = %d, want 1", *calls)
	}
}

func TestLoopSuccessResetsInterval(t *testing.T) {
	boom := errors.New("boom")
	action, _ := scripted(step{err: boom}, step{more: true})
	sleeps := &sleepRecorder{}

	err := Loop{Description: "test", Interval: 2 * time.Second, Log: testLogger(), sleep: sleeps.sleep}.Run(context.Background(), action)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []time.Duration{3 * time.Second, 2 * time.Second}
	if got := sleeps.recorded(); !reflect.DeepEqual(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
}

func TestLoopHookErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	budget := errors.New("budget exhausted")
	action, calls := scripted(step{err: boom}, step{err: &RateLimitError{RetryAfter: time.Second}})

	err := Loop{
		Description: "test",
		OnError:     func(error) error { return nil },
		OnRateLimit: func(error) error { return budget },
		Log:         testLogger(),
		sleep:       (&sleepRecorder{}).sleep,
	}.Run(context.Background(), action)
	if !errors.Is(err, budget) {
		t.Fatalf("Run() error = %v, want budget error", err)
	}
	if *calls != 2 {
		t.Errorf("action calls = %d, want 2", *calls)
	}
}

func TestLoopStopsWhenNotRunning(t *testing.T) {
	action, calls := scripted(step{more: true})
	err := Loop{Description: "test", Running: func() bool { return false }, Log: testLogger()}.Run(context.Background(), action)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if *calls != 0 {
		t.Errorf("action calls = %d, want 0", *calls)
	}
}

func TestLoopCancellationExitsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	action := func(context.Context) (bool, error) {
		calls++
		cancel()
		return false, errors.New("boom")
	}

	done := make(chan error, 1)
	go func() {
		done <- Loop{Description: "test", Log: testLogger()}.Run(ctx, action)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("action calls = %d, want 1", calls)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Failure
	}{
		{"credentials", errors.Join(errors.New("api"), ErrInvalidCredentials), FailureInvalidCredentials},
		{"rate limit", &RateLimitError{RetryAfter: time.Second}, FailureRateLimited},
		{"timeout", ErrTimedOut, FailureTimedOut},
		{"deadline", context.DeadlineExceeded, FailureTimedOut},
		{"configuration", &ConfigurationError{Reason: "bad"}, FailureConfiguration},
		{"other", errors.New("bad gateway"), FailureTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
