package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSessionSweeperRunOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := testUser("sweep@x.com")
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	dead := SessionRecord{ID: uuid.New().String(), UserID: user.ID, Token: "dead", ExpiresAt: time.Now().UTC().Add(-time.Hour)}
	live := SessionRecord{ID: uuid.New().String(), UserID: user.ID, Token: "live", ExpiresAt: time.Now().UTC().Add(time.Hour)}
	for _, sess := range []SessionRecord{dead, live} {
		if err := store.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession(%s): %v", sess.Token, err)
		}
	}

	sweeper, err := NewSessionSweeper(SessionSweeperConfig{Store: store})
	if err != nil {
		t.Fatalf("NewSessionSweeper: %v", err)
	}
	if err := sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if err := store.DeleteSession(ctx, dead.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("dead session delete err = %v, want ErrSessionNotFound", err)
	}
	if _, found, _ := store.GetSessionByToken(ctx, "live"); !found {
		t.Fatal("live session was swept")
	}
}

func TestSessionSweeperStartStop(t *testing.T) {
	sweeper, err := NewSessionSweeper(SessionSweeperConfig{Store: newTestStore(t)})
	if err != nil {
		t.Fatalf("NewSessionSweeper: %v", err)
	}

	ctx := context.Background()
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Second Start is a no-op.
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sweeper.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop after Stop is a no-op.
	if err := sweeper.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSessionSweeperStopsOnContextCancel(t *testing.T) {
	sweeper, err := NewSessionSweeper(SessionSweeperConfig{Store: newTestStore(t)})
	if err != nil {
		t.Fatalf("NewSessionSweeper: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sweeper.mu.Lock()
	done := sweeper.done
	sweeper.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep loop kept running after context cancel")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := sweeper.Stop(stopCtx); err != nil {
		t.Fatalf("Stop after cancel: %v", err)
	}
}

func TestSessionSweeperRejectsBadSchedule(t *testing.T) {
	store := newTestStore(t)

	if _, err := NewSessionSweeper(SessionSweeperConfig{Store: store, Schedule: "not a cron"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if _, err := NewSessionSweeper(SessionSweeperConfig{Store: store, Schedule: "CRON_TZ=UTC 0 * * * *"}); err == nil {
		t.Fatal("expected error for timezone prefix")
	}
	if _, err := NewSessionSweeper(SessionSweeperConfig{Store: nil}); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestSessionSweeperDefaultSchedule(t *testing.T) {
	sweeper, err := NewSessionSweeper(SessionSweeperConfig{Store: newTestStore(t)})
	if err != nil {
		t.Fatalf("NewSessionSweeper: %v", err)
	}

	// Minute 17 of every hour.
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next := sweeper.schedule.Next(base)
	want := time.Date(2026, 1, 1, 10, 17, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
