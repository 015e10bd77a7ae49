package internal

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBackoffDelaySchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		if got := backoffDelay(i + 1); got != expected {
			t.Fatalf("attempt %d: expected %s got %s", i+1, expected, got)
		}
	}
	// Large attempt numbers must not overflow past the cap.
	if got := backoffDelay(500); got != reconnectCap {
		t.Fatalf("expected cap, got %s", got)
	}
	if got := backoffDelay(0); got != time.Second {
		t.Fatalf("attempt floor: expected 1s got %s", got)
	}
}

func TestBackoffResetsAfterSuccessfulConnect(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var conns int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&conns, 1)
		_ = conn.Close()
	}))
	defer ts.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := NewSession(ts.URL, "s1", "me", "Me", log)
	go session.Run()
	defer session.Close()

	// Every dial succeeds and the server hangs up at once. With the counter
	// reset on each successful connect the gaps stay at the base delay, so
	// four connections land well within this window; a still-doubling
	// schedule (1s, 2s, 4s) manages only three.
	time.Sleep(3600 * time.Millisecond)
	if got := atomic.LoadInt32(&conns); got < 4 {
		t.Fatalf("expected reconnects at the base delay after successful connects, got %d connections", got)
	}
}

func TestSessionCloseStopsReconnect(t *testing.T) {
	// Point at a closed port so the dial fails immediately; Close must stop
	// the retry loop rather than let it back off forever.
	session := NewSession("http://127.0.0.1:1", "s1", "me", "Me", nil)
	done := make(chan struct{})
	go func() {
		session.Run()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	session.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not exit after Close")
	}
}

func TestWriteEventWithoutConnection(t *testing.T) {
	session := NewSession("http://127.0.0.1:1", "s1", "me", "Me", nil)
	defer session.Close()
	if err := session.writeEvent("typing:start", nil); err == nil {
		t.Fatalf("expected error while disconnected")
	}
	// Typing notifications while offline must not panic or send.
	session.NotifyTyping(nil)
	session.StopTyping(nil)
}
