package internal

import (
	"testing"
	"time"

	"spherechat/internal/chat"
)

func newTestTypingTracker(start time.Time) (*TypingTracker, *time.Time) {
	tracker := NewTypingTracker()
	now := start
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func TestTypingStartRefreshesTTL(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, now := newTestTypingTracker(base)

	tracker.Start("s1", chat.TypingEntry{UserID: "u1", Name: "Uma"})

	// Just before expiry a refresh arrives.
	*now = base.Add(TypingTTL - time.Second)
	tracker.Start("s1", chat.TypingEntry{UserID: "u1", Name: "Uma"})

	// The original deadline has passed, the refreshed one has not.
	*now = base.Add(TypingTTL + time.Second)
	if len(tracker.Active("s1")) != 1 {
		t.Fatalf("refresh must extend the entry")
	}

	*now = base.Add(2*TypingTTL + time.Second)
	if len(tracker.Active("s1")) != 0 {
		t.Fatalf("entry must expire after the refreshed TTL")
	}
}

func TestTypingStopIsImmediate(t *testing.T) {
	tracker, _ := newTestTypingTracker(time.Now())
	tracker.Start("s1", chat.TypingEntry{UserID: "u1"})
	if !tracker.Stop("s1", "u1") {
		t.Fatalf("stop must report the removed entry")
	}
	if tracker.Stop("s1", "u1") {
		t.Fatalf("second stop must be a no-op")
	}
	if len(tracker.Active("s1")) != 0 {
		t.Fatalf("expected empty set after stop")
	}
}

func TestTypingSweepCollectsExpired(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker, now := newTestTypingTracker(base)

	thread := "t1"
	tracker.Start("s1", chat.TypingEntry{UserID: "u1", Name: "Uma", ThreadID: &thread})
	tracker.Start("s1", chat.TypingEntry{UserID: "u2", Name: "Bea"})
	tracker.Start("s2", chat.TypingEntry{UserID: "u3"})

	// Only u2 refreshes before the deadline.
	*now = base.Add(TypingTTL - time.Second)
	tracker.Start("s1", chat.TypingEntry{UserID: "u2", Name: "Bea"})

	*now = base.Add(TypingTTL)
	expired := tracker.sweep()
	if len(expired["s1"]) != 1 || expired["s1"][0].UserID != "u1" {
		t.Fatalf("unexpected expiry set for s1: %+v", expired["s1"])
	}
	if len(expired["s2"]) != 1 || expired["s2"][0].UserID != "u3" {
		t.Fatalf("unexpected expiry set for s2: %+v", expired["s2"])
	}
	if len(tracker.Active("s1")) != 1 {
		t.Fatalf("refreshed entry must survive the sweep")
	}

	// A second sweep reports nothing; expiry is announced exactly once.
	if again := tracker.sweep(); len(again) != 0 {
		t.Fatalf("expected empty second sweep, got %+v", again)
	}
}
