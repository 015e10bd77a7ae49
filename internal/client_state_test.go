package internal

import (
	"testing"
	"time"

	"spherechat/internal/chat"
)

func canonicalMsg(id string, seq int64, author, body string, threadID *string) chat.Message {
	return chat.Message{
		ID:        id,
		SphereID:  "s1",
		ThreadID:  threadID,
		Seq:       seq,
		AuthorID:  author,
		Kind:      chat.KindText,
		Body:      body,
		CreatedAt: time.Now(),
	}
}

func messageIDs(messages []chat.Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids
}

func assertIDs(t *testing.T, messages []chat.Message, want ...string) {
	t.Helper()
	got := messageIDs(messages)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestOptimisticSendResolves(t *testing.T) {
	state := NewChatState("s1", "me")
	pending := state.AppendPending(nil, "Me", "hello")

	view := state.Messages(nil)
	if len(view) != 1 || !view[0].Pending {
		t.Fatalf("expected one pending message, got %+v", view)
	}

	canonical := canonicalMsg("m1", 1, "me", "hello", nil)
	state.ResolvePending(pending.ID, &canonical)

	view = state.Messages(nil)
	assertIDs(t, view, "m1")
	if view[0].Pending {
		t.Fatalf("canonical message must not be pending")
	}
}

func TestOptimisticSendRollsBack(t *testing.T) {
	state := NewChatState("s1", "me")
	pending := state.AppendPending(nil, "Me", "doomed")
	state.DropPending(nil, pending.ID)
	if len(state.Messages(nil)) != 0 {
		t.Fatalf("expected empty view after rollback")
	}
}

func TestBroadcastBeatsHTTPResponse(t *testing.T) {
	state := NewChatState("s1", "me")
	pending := state.AppendPending(nil, "Me", "fast")

	// The live frame for our own message lands before the POST returns.
	canonical := canonicalMsg("m1", 1, "me", "fast", nil)
	state.ApplyNew(canonical)
	assertIDs(t, state.Messages(nil), "m1")

	// The late HTTP response must not duplicate it.
	state.ResolvePending(pending.ID, &canonical)
	assertIDs(t, state.Messages(nil), "m1")
}

func TestApplyNewOrdersBySeq(t *testing.T) {
	state := NewChatState("s1", "me")
	state.ApplyNew(canonicalMsg("m3", 3, "u2", "three", nil))
	state.ApplyNew(canonicalMsg("m1", 1, "u2", "one", nil))
	state.ApplyNew(canonicalMsg("m2", 2, "u2", "two", nil))
	assertIDs(t, state.Messages(nil), "m1", "m2", "m3")
}

func TestUnreadCounting(t *testing.T) {
	state := NewChatState("s1", "me")
	thread := "t1"
	state.SetActiveThread(nil)

	state.ApplyNew(canonicalMsg("m1", 1, "u2", "feed msg", nil))
	state.ApplyNew(canonicalMsg("m2", 2, "u2", "thread msg", &thread))
	state.ApplyNew(canonicalMsg("m3", 3, "me", "own thread msg", &thread))

	if state.Unread(nil) != 0 {
		t.Fatalf("active thread must stay at zero unread")
	}
	if state.Unread(&thread) != 1 {
		t.Fatalf("expected 1 unread (own messages excluded), got %d", state.Unread(&thread))
	}
	state.SetActiveThread(&thread)
	if state.Unread(&thread) != 0 {
		t.Fatalf("activating a thread must clear its unread count")
	}
}

func TestMergePageDedupes(t *testing.T) {
	state := NewChatState("s1", "me")
	state.ApplyNew(canonicalMsg("m5", 5, "u2", "live", nil))

	state.MergePage(nil, []chat.Message{
		canonicalMsg("m3", 3, "u2", "older", nil),
		canonicalMsg("m4", 4, "u2", "old", nil),
		canonicalMsg("m5", 5, "u2", "live", nil),
	}, "cursor-a")

	assertIDs(t, state.Messages(nil), "m3", "m4", "m5")
	if state.NextCursor(nil) != "cursor-a" {
		t.Fatalf("expected cursor-a, got %q", state.NextCursor(nil))
	}

	state.MergePage(nil, []chat.Message{
		canonicalMsg("m1", 1, "u2", "oldest", nil),
		canonicalMsg("m2", 2, "u2", "older still", nil),
	}, "")
	assertIDs(t, state.Messages(nil), "m1", "m2", "m3", "m4", "m5")
	if state.NextCursor(nil) != "" {
		t.Fatalf("expected exhausted cursor")
	}
}

func TestMergePageEmptyFinalPageClearsCursor(t *testing.T) {
	state := NewChatState("s1", "me")

	state.MergePage(nil, []chat.Message{
		canonicalMsg("m1", 1, "u2", "hi", nil),
	}, "cursor-older")
	if state.NextCursor(nil) != "cursor-older" {
		t.Fatalf("expected cursor-older, got %q", state.NextCursor(nil))
	}

	// The last page before history runs out can be empty. The server's
	// cursor still wins, or LoadOlder would spin on the stale one forever.
	state.MergePage(nil, nil, "")
	if state.NextCursor(nil) != "" {
		t.Fatalf("empty final page must clear the cursor, got %q", state.NextCursor(nil))
	}
	assertIDs(t, state.Messages(nil), "m1")
}

func TestReactionCanonicalWins(t *testing.T) {
	state := NewChatState("s1", "me")
	state.ApplyNew(canonicalMsg("m1", 1, "u2", "hi", nil))

	if op := state.ToggleReactionLocal(nil, "m1", "🔥"); op != chat.OpAdd {
		t.Fatalf("expected predicted add, got %s", op)
	}
	if got := state.Messages(nil)[0].Reactions; len(got) != 1 {
		t.Fatalf("expected optimistic reaction, got %+v", got)
	}

	// The store saw it differently; its outcome overrides the prediction.
	state.ApplyReaction(chat.ReactionPayload{
		MessageID: "m1",
		Reaction:  chat.Reaction{Emoji: "🔥", UserID: "me"},
		Op:        chat.OpRemove,
	})
	if got := state.Messages(nil)[0].Reactions; len(got) != 0 {
		t.Fatalf("canonical remove must win, got %+v", got)
	}
}

func TestReactionForUnloadedMessageIsCached(t *testing.T) {
	state := NewChatState("s1", "me")

	state.ApplyReaction(chat.ReactionPayload{
		MessageID: "m1",
		Reaction:  chat.Reaction{Emoji: "👍", UserID: "u2"},
		Op:        chat.OpAdd,
	})
	// Nothing visible yet; the message is not paged in.
	if len(state.Messages(nil)) != 0 {
		t.Fatalf("expected empty view")
	}

	state.MergePage(nil, []chat.Message{canonicalMsg("m1", 1, "u2", "late", nil)}, "")
	reactions := state.Messages(nil)[0].Reactions
	if len(reactions) != 1 || reactions[0].Emoji != "👍" {
		t.Fatalf("cached reaction must apply on load, got %+v", reactions)
	}
}

func TestDeleteRemovesMessage(t *testing.T) {
	state := NewChatState("s1", "me")
	state.ApplyNew(canonicalMsg("m1", 1, "u2", "bye", nil))
	state.ApplyDelete(chat.DeletePayload{ID: "m1"})
	if len(state.Messages(nil)) != 0 {
		t.Fatalf("expected message removed")
	}
	// Deleting something we never loaded is a no-op.
	state.ApplyDelete(chat.DeletePayload{ID: "missing"})
}

func TestPresenceSnapshotOverwrites(t *testing.T) {
	state := NewChatState("s1", "me")
	state.ApplyPresence(chat.PresenceEntry{UserID: "u9", Name: "Stale", Online: true})

	state.SetRoster([]chat.PresenceEntry{
		{UserID: "u1", Name: "Uma", Online: true},
		{UserID: "u2", Name: "Bea", Online: false},
	})
	roster := state.Roster()
	if len(roster) != 2 {
		t.Fatalf("snapshot must replace the roster, got %+v", roster)
	}
	if roster[0].UserID != "u1" {
		t.Fatalf("online users sort first, got %+v", roster)
	}

	state.MarkAllOffline()
	for _, entry := range state.Roster() {
		if entry.Online {
			t.Fatalf("expected everyone offline after disconnect")
		}
	}
}

func TestTypingMarksExpireClientSide(t *testing.T) {
	state := NewChatState("s1", "me")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	state.now = func() time.Time { return now }

	state.ApplyTypingStart(chat.TypingEntry{UserID: "u2", Name: "Bea"})
	state.ApplyTypingStart(chat.TypingEntry{UserID: "me", Name: "Me"})

	entries := state.Typing(nil)
	if len(entries) != 1 || entries[0].UserID != "u2" {
		t.Fatalf("own typing must be hidden, got %+v", entries)
	}

	now = base.Add(typingDisplayTTL + time.Second)
	if len(state.Typing(nil)) != 0 {
		t.Fatalf("marker must lapse without a stop frame")
	}

	state.ApplyTypingStart(chat.TypingEntry{UserID: "u2"})
	state.ApplyTypingStop("u2")
	if len(state.Typing(nil)) != 0 {
		t.Fatalf("stop must clear the marker")
	}
}

func TestDispatchRoutesFrames(t *testing.T) {
	state := NewChatState("s1", "me")

	payload := []byte(`{"type":"message:new","data":{"id":"m1","sphereId":"s1","threadId":null,"seq":1,"userId":"u2","type":"text","content":"via frame"}}`)
	frame, err := chat.NormalizeFrame(payload)
	if err != nil {
		t.Fatalf("NormalizeFrame: %v", err)
	}
	state.Dispatch(frame)
	assertIDs(t, state.Messages(nil), "m1")

	frame, err = chat.NormalizeFrame([]byte(`{"type":"presence:update","data":{"users":[{"userId":"u2","online":true}]}}`))
	if err != nil {
		t.Fatalf("NormalizeFrame: %v", err)
	}
	state.Dispatch(frame)
	if len(state.Roster()) != 1 {
		t.Fatalf("expected roster from dispatched snapshot")
	}

	// Unknown types fall through untouched.
	frame, err = chat.NormalizeFrame([]byte(`{"type":"future:event","data":{}}`))
	if err != nil {
		t.Fatalf("NormalizeFrame: %v", err)
	}
	state.Dispatch(frame)
}

func TestReadPositionsTracked(t *testing.T) {
	state := NewChatState("s1", "me")
	thread := "t1"

	state.ApplyRead(chat.ReadPayload{UserID: "u2", ThreadID: &thread, UptoMessageID: "m3"})
	state.ApplyRead(chat.ReadPayload{UserID: "u2", ThreadID: &thread, UptoMessageID: "m5"})

	got, ok := state.ReadPosition(&thread, "u2")
	if !ok || got != "m5" {
		t.Fatalf("expected m5, got %q (%v)", got, ok)
	}
	if _, ok := state.ReadPosition(nil, "u2"); ok {
		t.Fatalf("read positions are per thread")
	}
}
