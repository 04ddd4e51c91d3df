package slot

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLatestOverwritesAndClears(t *testing.T) {
	s := New[int]()
	if _, ok := s.Get(); ok {
		t.Fatalf("Get() on empty slot reported a value")
	}

	s.Set(1)
	s.Set(2)
	if v, ok := s.Get(); !ok || v != 2 {
		t.Fatalf("Get() = %d, %v; want 2, true", v, ok)
	}

	s.Clear()
	if v, ok := s.Get(); ok || v != 0 {
		t.Fatalf("Get() after Clear = %d, %v; want 0, false", v, ok)
	}
	if got := s.Version(); got != 3 {
		t.Fatalf("Version() = %d, want 3", got)
	}
}

func TestWaitReturnsPresentValue(t *testing.T) {
	s := New[string]()
	s.Set("fix")

	got, err := s.Wait(context.Background())
	if err != nil || got != "fix" {
		t.Fatalf("Wait() = %q, %v; want fix, nil", got, err)
	}
}

func TestWaitBlocksUntilSet(t *testing.T) {
	s := New[int]()
	result := make(chan int, 1)

	go func() {
		v, err := s.Wait(context.Background())
		if err != nil {
			t.Errorf("Wait() error: %v", err)
		}
		result <- v
	}()

	// A Clear must not wake the waiter with an absent value.
	time.Sleep(5 * time.Millisecond)
	s.Clear()
	time.Sleep(5 * time.Millisecond)
	s.Set(42)

	select {
	case v := <-result:
		if v != 42 {
			t.Fatalf("Wait() = %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait() did not return after Set")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	var s Latest[int]
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}
}
