package sessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

// expireStore records ExpireSessions calls; the embedded Store is never hit.
type expireStore struct {
	Store
	cutoffs []time.Time
	err     error
}

func (s *expireStore) ExpireSessions(_ context.Context, cutoff time.Time) (int, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return 2, s.err
}

func TestSweepOnceUsesTTLCutoff(t *testing.T) {
	store := &expireStore{}
	sweeper := NewSweeper(store, 6*time.Hour, time.Hour, nil)

	before := time.Now().Add(-6 * time.Hour)
	sweeper.SweepOnce(context.Background())
	after := time.Now().Add(-6 * time.Hour)

	if len(store.cutoffs) != 1 {
		t.Fatalf("ExpireSessions called %d times, want 1", len(store.cutoffs))
	}
	cutoff := store.cutoffs[0]
	if cutoff.Before(before) || cutoff.After(after) {
		t.Errorf("cutoff %v outside [%v, %v]", cutoff, before, after)
	}
}

func TestSweepOnceSurvivesStoreError(t *testing.T) {
	store := &expireStore{err: errors.New("db locked")}
	sweeper := NewSweeper(store, time.Hour, time.Hour, nil)

	sweeper.SweepOnce(context.Background())
	sweeper.SweepOnce(context.Background())

	if len(store.cutoffs) != 2 {
		t.Errorf("ExpireSessions called %d times, want 2", len(store.cutoffs))
	}
}

func TestSweeperDefaults(t *testing.T) {
	s := NewSweeper(&expireStore{}, 0, -time.Second, nil)
	if s.ttl != 24*time.Hour {
		t.Errorf("ttl = %v, want 24h", s.ttl)
	}
	if s.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", s.interval)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	store := &expireStore{}
	sweeper := NewSweeper(store, time.Hour, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
