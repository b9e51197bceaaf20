package authcore

import (
	"context"
	"testing"
	"time"
)

func TestSweepExpiredSetups(t *testing.T) {
	engine, store, _ := newTestEngine(t, testConfig())
	clock := useClock(engine, time.Unix(1700000000, 0))
	seedAccount(t, engine, store, "u1", "alice@example.com", "correct-horse")
	seedAccount(t, engine, store, "u2", "bob@example.com", "correct-horse")

	if _, err := engine.BeginTwoFactorSetup(context.Background(), "u1"); err != nil {
		t.Fatalf("BeginTwoFactorSetup failed: %v", err)
	}

	// Nothing stale yet.
	n, err := engine.SweepExpiredSetups(context.Background())
	if err != nil {
		t.Fatalf("SweepExpiredSetups failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no sweeps, got %d", n)
	}

	// A second enrollment started later stays pending when the first one
	// ages out.
	clock.Advance(8 * time.Minute)
	if _, err := engine.BeginTwoFactorSetup(context.Background(), "u2"); err != nil {
		t.Fatalf("BeginTwoFactorSetup failed: %v", err)
	}

	clock.Advance(3 * time.Minute)
	n, err = engine.SweepExpiredSetups(context.Background())
	if err != nil {
		t.Fatalf("SweepExpiredSetups failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept setup, got %d", n)
	}
	if got := engine.metrics.Value(MetricSetupsSwept); got != 1 {
		t.Fatalf("expected sweep counted, got %d", got)
	}

	first := store.account("u1")
	if first.TwoFactorPending || len(first.TwoFactorSecret) != 0 {
		t.Fatalf("expected swept account cleared, got %+v", first)
	}
	if got := store.backupCodeCount("u1"); got != 0 {
		t.Fatalf("expected backup codes removed, %d left", got)
	}
	if second := store.account("u2"); !second.TwoFactorPending {
		t.Fatal("expected younger setup untouched")
	}

	// Idempotent: a second pass finds nothing.
	n, err = engine.SweepExpiredSetups(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected clean second pass, n=%d err=%v", n, err)
	}
}

func TestSetupSweeperStartStop(t *testing.T) {
	engine, _, _ := newTestEngine(t, testConfig())

	engine.StartSetupSweeper(time.Hour)
	// Starting twice is a no-op rather than a second goroutine.
	engine.StartSetupSweeper(time.Hour)

	engine.StopSetupSweeper()
	// Stopping an already-stopped sweeper is safe.
	engine.StopSetupSweeper()
}
