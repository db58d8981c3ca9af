package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Factor:      1.1,
		Jitter:      0,
	}
}

func TestPolicy_Do_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPolicy_Do_ExhaustsBudget(t *testing.T) {
	calls := 0
	wantErr := errors.New("still failing")
	err := fastPolicy(3).Do(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Do() error = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPolicy_Do_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	wantErr := errors.New("rejected")
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		return Permanent(wantErr)
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Do() error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicy_Do_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := fastPolicy(3).Do(ctx, func() error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("Do() expected error after cancellation")
	}
	if calls > 1 {
		t.Errorf("calls = %d, want at most 1", calls)
	}
}

func TestPolicy_Do_SingleAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy(1).Do(context.Background(), func() error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("Do() expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
