package session

import (
	"errors"
	"testing"
	"time"

	apperrors "trade_gateway/internal/errors"
)

func TestGuard_Begin_BlocksSecondAttempt(t *testing.T) {
	g := NewGuard(5 * time.Minute)

	if err := g.Begin("kite", "AB1234"); err != nil {
		t.Fatalf("first Begin() error = %v", err)
	}

	err := g.Begin("kite", "AB1234")
	if err == nil || !errors.Is(err, apperrors.ErrLoginInProgress) {
		t.Errorf("second Begin() error = %v, want ErrLoginInProgress", err)
	}

	// A different account is unaffected
	if err := g.Begin("kite", "CD5678"); err != nil {
		t.Errorf("Begin() for other account error = %v", err)
	}
	// So is the same user on a different broker
	if err := g.Begin("angel", "AB1234"); err != nil {
		t.Errorf("Begin() for other broker error = %v", err)
	}
}

func TestGuard_Begin_ReplacesStaleAttempt(t *testing.T) {
	g := NewGuard(5 * time.Minute)
	current := time.Now()
	g.now = func() time.Time { return current }

	if err := g.Begin("kite", "AB1234"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	// The user abandoned the attempt; after the timeout a new one is allowed
	current = current.Add(6 * time.Minute)
	if err := g.Begin("kite", "AB1234"); err != nil {
		t.Errorf("Begin() after timeout error = %v, want nil", err)
	}
}

func TestGuard_PendingAndClear(t *testing.T) {
	g := NewGuard(5 * time.Minute)

	if att := g.Pending("kite", "AB1234"); att != nil {
		t.Errorf("Pending() before Begin = %+v, want nil", att)
	}

	if err := g.Begin("kite", "AB1234"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	g.SetState("kite", "AB1234", "state-1")

	att := g.Pending("kite", "AB1234")
	if att == nil {
		t.Fatal("Pending() = nil after Begin")
	}
	if att.State != "state-1" {
		t.Errorf("State = %q, want %q", att.State, "state-1")
	}

	g.Clear("kite", "AB1234")
	if att := g.Pending("kite", "AB1234"); att != nil {
		t.Errorf("Pending() after Clear = %+v, want nil", att)
	}
}

func TestGuard_Pending_IgnoresStale(t *testing.T) {
	g := NewGuard(5 * time.Minute)
	current := time.Now()
	g.now = func() time.Time { return current }

	if err := g.Begin("kite", "AB1234"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	current = current.Add(10 * time.Minute)
	if att := g.Pending("kite", "AB1234"); att != nil {
		t.Errorf("Pending() for stale attempt = %+v, want nil", att)
	}
}
