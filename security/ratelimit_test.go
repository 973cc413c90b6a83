package security

import (
	"fmt"
	"sync"
	"testing"
)

func TestNewEventLimiter(t *testing.T) {
	l, err := NewEventLimiter(10, 20, 0, nil)
	if err != nil {
		t.Fatalf("NewEventLimiter() error = %v", err)
	}
	if l.burst != 20 {
		t.Errorf("burst = %d, want 20", l.burst)
	}
	if l.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestEventLimiter_Allow(t *testing.T) {
	l, err := NewEventLimiter(0.001, 3, 0, nil)
	if err != nil {
		t.Fatalf("NewEventLimiter() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if !l.Allow("client-a") {
			t.Errorf("Allow() event %d should be allowed", i+1)
		}
	}
	if l.Allow("client-a") {
		t.Error("Allow() should reject events beyond burst")
	}

	// Identifiers are independent
	if !l.Allow("client-b") {
		t.Error("Allow() for a different identifier should be allowed")
	}
}

func TestEventLimiter_LRUBound(t *testing.T) {
	l, err := NewEventLimiter(1, 1, 5, nil)
	if err != nil {
		t.Fatalf("NewEventLimiter() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		l.Allow(fmt.Sprintf("id-%d", i))
	}
	if l.Len() != 5 {
		t.Errorf("Len() = %d, want 5", l.Len())
	}
}

func TestEventLimiter_Concurrent(t *testing.T) {
	l, err := NewEventLimiter(0.001, 10, 0, nil)
	if err != nil {
		t.Fatalf("NewEventLimiter() error = %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}
