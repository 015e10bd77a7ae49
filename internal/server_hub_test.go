package internal

import (
	"encoding/json"
	"fmt"
	"runtime"
	"testing"
	"time"

	"spherechat/internal/chat"
)

func recvFrame(t *testing.T, sub *Subscriber) chat.Envelope {
	t.Helper()
	select {
	case payload, ok := <-sub.Frames():
		if !ok {
			t.Fatalf("subscriber channel closed")
		}
		var env chat.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return chat.Envelope{}
	}
}

func TestHubBroadcastReachesAllSubscribers(t *testing.T) {
	hub := NewHub(nil, nil)
	a := hub.Register("s1")
	b := hub.Register("s1")
	other := hub.Register("s2")

	env, err := chat.NewEnvelope(chat.EventMessageNew, map[string]string{"content": "hi"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	hub.Broadcast("s1", env)

	for _, sub := range []*Subscriber{a, b} {
		got := recvFrame(t, sub)
		if got.Type != chat.EventMessageNew {
			t.Fatalf("expected %s, got %s", chat.EventMessageNew, got.Type)
		}
	}
	select {
	case payload := <-other.Frames():
		t.Fatalf("sphere isolation broken, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDeliversInOrder(t *testing.T) {
	hub := NewHub(nil, nil)
	sub := hub.Register("s1")

	const n = 50
	for i := 0; i < n; i++ {
		env, err := chat.NewEnvelope(chat.EventMessageNew, map[string]int{"seq": i})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		hub.Broadcast("s1", env)
	}
	for i := 0; i < n; i++ {
		got := recvFrame(t, sub)
		var p struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(got.Data, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if p.Seq != i {
			t.Fatalf("out of order: expected %d got %d", i, p.Seq)
		}
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(nil, nil)
	sub := hub.Register("s1")
	keep := hub.Register("s1")
	hub.Unregister("s1", sub)

	env, err := chat.NewEnvelope(chat.EventMessageNew, map[string]string{"content": "after"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	hub.Broadcast("s1", env)

	// The remaining subscriber still gets the frame.
	if got := recvFrame(t, keep); got.Type != chat.EventMessageNew {
		t.Fatalf("unexpected frame %s", got.Type)
	}
	// The removed one sees a closed channel, eventually.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("expected closed channel after unregister")
		}
	}
}

func TestHubExists(t *testing.T) {
	hub := NewHub(nil, nil)
	if hub.Exists("s1") {
		t.Fatalf("empty hub should have no rooms")
	}
	sub := hub.Register("s1")
	if !hub.Exists("s1") {
		t.Fatalf("expected room after register")
	}
	hub.Unregister("s1", sub)
	// Room teardown is asynchronous; poll briefly.
	for i := 0; i < 50; i++ {
		if !hub.Exists("s1") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room survived its last subscriber")
}

func TestHubRoomGoroutineStops(t *testing.T) {
	hub := NewHub(nil, nil)
	before := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("s%d", i)
		sub := hub.Register(key)
		hub.Unregister(key, sub)
		if hub.Exists(key) {
			t.Fatalf("room %s survived its last subscriber", key)
		}
	}

	// Each room's goroutine must exit with its room, not linger per sphere
	// ever seen.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("room goroutines leaked: %d before, %d after", before, runtime.NumGoroutine())
}

func TestHubRegisterAfterLastUnregister(t *testing.T) {
	hub := NewHub(nil, nil)
	old := hub.Register("s1")
	hub.Unregister("s1", old)

	// A fresh registration right after teardown must land in a live room,
	// never a torn-down one.
	sub := hub.Register("s1")
	env, err := chat.NewEnvelope(chat.EventMessageNew, map[string]string{"content": "again"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	hub.Broadcast("s1", env)
	if got := recvFrame(t, sub); got.Type != chat.EventMessageNew {
		t.Fatalf("unexpected frame %s", got.Type)
	}
}

func TestHubSlowSubscriberDropped(t *testing.T) {
	hub := NewHub(nil, nil)
	slow := hub.Register("s1")

	// Never read: once the buffer is full the hub must cut the subscriber
	// loose instead of stalling the room.
	for i := 0; i < subscriberBuffer+64; i++ {
		env, err := chat.NewEnvelope(chat.EventMessageNew, map[string]string{"content": fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		hub.Broadcast("s1", env)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-slow.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("slow subscriber was never dropped")
		}
	}
}
