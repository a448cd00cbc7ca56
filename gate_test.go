package teamvault

import (
	"testing"
	"time"
)

func newTestGate() (*BackoffGate, *time.Time) {
	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	gate := NewBackoffGate()
	gate.now = func() time.Time { return current }
	return gate, &current
}

func TestBackoffGateExponentialLockout(t *testing.T) {
	gate, clock := newTestGate()

	if err := gate.Allow("alice@example.com"); err != nil {
		t.Fatalf("Fresh principal must be allowed: %v", err)
	}

	// First failure locks for 1s, second for 2s, third for 4s.
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, lockout := range expected {
		gate.RecordFailure("alice@example.com")

		if err := gate.Allow("alice@example.com"); err == nil {
			t.Fatalf("Attempt %d must be throttled immediately after a failure", i+1)
		}

		*clock = clock.Add(lockout - time.Millisecond)
		if err := gate.Allow("alice@example.com"); err == nil {
			t.Fatalf("Attempt %d allowed before the lockout elapsed", i+1)
		}

		*clock = clock.Add(time.Millisecond)
		if err := gate.Allow("alice@example.com"); err != nil {
			t.Fatalf("Attempt %d still throttled after the lockout elapsed: %v", i+1, err)
		}
	}
}

func TestBackoffGateCapsAtMaxDelay(t *testing.T) {
	gate, clock := newTestGate()

	// Enough consecutive failures to exceed the 5-minute cap.
	for i := 0; i < 12; i++ {
		gate.RecordFailure("bob@example.com")
	}

	*clock = clock.Add(gate.MaxDelay - time.Second)
	if err := gate.Allow("bob@example.com"); err == nil {
		t.Fatal("Allowed before the capped lockout elapsed")
	}

	*clock = clock.Add(2 * time.Second)
	if err := gate.Allow("bob@example.com"); err != nil {
		t.Fatalf("Lockout exceeded the cap: %v", err)
	}
}

func TestBackoffGateSuccessResets(t *testing.T) {
	gate, _ := newTestGate()

	gate.RecordFailure("carol@example.com")
	gate.RecordFailure("carol@example.com")
	gate.RecordSuccess("carol@example.com")

	if err := gate.Allow("carol@example.com"); err != nil {
		t.Fatalf("Success must clear the lockout: %v", err)
	}

	// The failure count restarts from zero too.
	gate.RecordFailure("carol@example.com")
	rec := gate.records["carol@example.com"]
	if rec == nil || rec.failures != 1 {
		t.Errorf("Failure count did not reset, got %+v", rec)
	}
}

func TestBackoffGateRetentionDecay(t *testing.T) {
	gate, clock := newTestGate()

	for i := 0; i < 8; i++ {
		gate.RecordFailure("dave@example.com")
	}

	*clock = clock.Add(gate.Retention + time.Minute)
	if err := gate.Allow("dave@example.com"); err != nil {
		t.Fatalf("Stale record must decay after the retention window: %v", err)
	}

	// A failure after decay is back at the first backoff step.
	gate.RecordFailure("dave@example.com")
	rec := gate.records["dave@example.com"]
	if rec == nil || rec.failures != 1 {
		t.Errorf("Failure count did not decay, got %+v", rec)
	}
}

func TestBackoffGateIsolatesPrincipals(t *testing.T) {
	gate, _ := newTestGate()

	gate.RecordFailure("locked@example.com")
	if err := gate.Allow("locked@example.com"); err == nil {
		t.Fatal("Failed principal must be throttled")
	}
	if err := gate.Allow("other@example.com"); err != nil {
		t.Fatalf("Unrelated principal must not be throttled: %v", err)
	}
}
