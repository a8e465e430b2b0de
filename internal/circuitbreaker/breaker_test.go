package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestAllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("email-api") {
		t.Fatal("closed circuit must allow")
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("email-api")
	b.RecordFailure("email-api")
	if !b.Allow("email-api") {
		t.Fatal("two failures are under the threshold")
	}

	b.RecordFailure("email-api")
	if b.Allow("email-api") {
		t.Fatal("third failure must trip the circuit")
	}
	if got := b.State("email-api"); got != StateOpen {
		t.Fatalf("expected open, got %v", got)
	}
}

func TestProbeAfterOpenDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	b.RecordFailure("email-api")
	b.RecordFailure("email-api")

	if b.Allow("email-api") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("email-api") {
		t.Fatal("elapsed open duration should admit one probe")
	}
	if got := b.State("email-api"); got != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", got)
	}
	if b.Allow("email-api") {
		t.Fatal("only one probe is admitted while half-open")
	}
}

func TestProbeOutcome(t *testing.T) {
	trip := func(b *Breaker) {
		b.RecordFailure("email-api")
		b.RecordFailure("email-api")
		time.Sleep(60 * time.Millisecond)
		b.Allow("email-api") // admit the probe
	}

	t.Run("success closes", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		trip(b)
		b.RecordSuccess("email-api")
		if got := b.State("email-api"); got != StateClosed {
			t.Fatalf("expected closed after probe success, got %v", got)
		}
		if !b.Allow("email-api") {
			t.Fatal("recovered circuit must allow")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		trip(b)
		b.RecordFailure("email-api")
		if got := b.State("email-api"); got != StateOpen {
			t.Fatalf("expected reopened circuit, got %v", got)
		}
	})
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("email-api")
	b.RecordFailure("email-api")
	b.RecordSuccess("email-api")
	b.RecordFailure("email-api")

	if !b.Allow("email-api") {
		t.Fatal("success must reset the consecutive failure count")
	}
}

func TestKeysAreIsolated(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	b.RecordFailure("email-api")
	b.RecordFailure("email-api")

	if b.Allow("email-api") {
		t.Fatal("email-api should be open")
	}
	if !b.Allow("processor-api") {
		t.Fatal("processor-api has its own circuit")
	}
	if got := b.State("processor-api"); got != StateClosed {
		t.Fatalf("untouched key should be closed, got %v", got)
	}
}

func TestOnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var got []State
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		got = append(got, from, to)
		mu.Unlock()
	})

	b.RecordFailure("email-api")
	b.RecordFailure("email-api")

	// The callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != StateClosed || got[1] != StateOpen {
		t.Fatalf("expected a single closed-to-open transition, got %v", got)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
