package internal

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"spherechat/internal/chat"
)

const (
	// A pending message may be matched against an arriving canonical one for
	// this long; after that an identical body is treated as a new message.
	pendingMatchWindow = 10 * time.Second

	// Client-side safety net for typing markers whose stop frame got lost.
	typingDisplayTTL = 5 * time.Second
)

// threadView is the ordered slice of one (sphere, thread) log as the client
// knows it: canonical messages ascending by sequence, pending ones appended
// after.
type threadView struct {
	messages   []chat.Message
	nextCursor string
	loadedOnce bool
	unread     int
}

type typingMark struct {
	entry    chat.TypingEntry
	deadline time.Time
}

// ChatState is the client's replica of one sphere: message views, presence
// roster, typing markers and unread counts. It is updated from two sides,
// REST responses and live frames, and every accessor returns copies so the
// TUI can render without holding the lock.
type ChatState struct {
	mu sync.Mutex

	sphereID string
	selfID   string

	threads map[string]*threadView
	active  string

	// Reaction events may land before their message is paged in; they wait
	// here keyed by message id and apply when the message arrives.
	lateReactions map[string][]chat.ReactionPayload

	roster []chat.PresenceEntry
	typing map[string]*typingMark

	// Latest read position per (thread, user), from read:updated frames.
	reads map[string]map[string]string

	now func() time.Time
}

func NewChatState(sphereID, selfID string) *ChatState {
	return &ChatState{
		sphereID:      sphereID,
		selfID:        selfID,
		threads:       make(map[string]*threadView),
		lateReactions: make(map[string][]chat.ReactionPayload),
		typing:        make(map[string]*typingMark),
		reads:         make(map[string]map[string]string),
		now:           time.Now,
	}
}

func (c *ChatState) view(key string) *threadView {
	v, ok := c.threads[key]
	if !ok {
		v = &threadView{}
		c.threads[key] = v
	}
	return v
}

// SetActiveThread switches which thread counts as "being looked at"; its
// unread counter resets and stays at zero while active.
func (c *ChatState) SetActiveThread(threadID *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = chat.ThreadKey(threadID)
	c.view(c.active).unread = 0
}

// Messages returns a render-ready copy of one thread view.
func (c *ChatState) Messages(threadID *string) []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view(chat.ThreadKey(threadID))
	out := make([]chat.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// NextCursor returns the pagination cursor for older history, empty when the
// thread is fully loaded or not yet loaded at all.
func (c *ChatState) NextCursor(threadID *string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view(chat.ThreadKey(threadID)).nextCursor
}

// Loaded reports whether the first page of the thread has been fetched.
func (c *ChatState) Loaded(threadID *string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view(chat.ThreadKey(threadID)).loadedOnce
}

// Unread returns the pending unread count for a thread.
func (c *ChatState) Unread(threadID *string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view(chat.ThreadKey(threadID)).unread
}

// MergePage merges a fetched page into the thread view. Older pages prepend;
// duplicates against already-held messages are dropped by id, so a page
// overlapping a live insert is harmless. The server's cursor is adopted
// unconditionally: an empty page with an empty cursor means the history is
// exhausted (the remaining rows may all have been deleted since the last
// fetch), not that the fetch failed.
func (c *ChatState) MergePage(threadID *string, messages []chat.Message, nextCursor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view(chat.ThreadKey(threadID))
	v.nextCursor = nextCursor
	v.loadedOnce = true

	seen := make(map[string]bool, len(v.messages))
	for _, m := range v.messages {
		seen[m.ID] = true
	}
	fresh := make([]chat.Message, 0, len(messages))
	for _, m := range messages {
		if !seen[m.ID] {
			fresh = append(fresh, m)
		}
	}
	v.messages = append(fresh, v.messages...)
	sortView(v)
	c.applyLateReactions(v)
}

// sortView keeps canonical messages ascending by sequence with pending ones
// after, ordered by creation time among themselves.
func sortView(v *threadView) {
	sort.SliceStable(v.messages, func(i, j int) bool {
		a, b := v.messages[i], v.messages[j]
		switch {
		case a.Pending != b.Pending:
			return !a.Pending
		case a.Pending:
			return a.CreatedAt.Before(b.CreatedAt)
		default:
			return a.Seq < b.Seq
		}
	})
}

// AppendPending inserts a provisional local echo for an outgoing message and
// returns its temporary id.
func (c *ChatState) AppendPending(threadID *string, userName, body string) chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := chat.Message{
		ID:          "pending-" + uuid.NewString(),
		SphereID:    c.sphereID,
		ThreadID:    threadID,
		AuthorID:    c.selfID,
		AuthorName:  userName,
		Kind:        chat.KindText,
		Body:        body,
		Attachments: []chat.Attachment{},
		Reactions:   []chat.Reaction{},
		CreatedAt:   c.now(),
		Pending:     true,
	}
	v := c.view(chat.ThreadKey(threadID))
	v.messages = append(v.messages, msg)
	return msg
}

// ResolvePending replaces the pending entry with the canonical message the
// server stored. Works whether or not the broadcast beat the HTTP response.
func (c *ChatState) ResolvePending(tempID string, canonical *chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view(chat.ThreadKey(canonical.ThreadID))
	c.dropMessage(v, tempID)
	c.insertCanonical(v, *canonical)
}

// DropPending removes a provisional entry after a failed send.
func (c *ChatState) DropPending(threadID *string, tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropMessage(c.view(chat.ThreadKey(threadID)), tempID)
}

func (c *ChatState) dropMessage(v *threadView, id string) bool {
	for i, m := range v.messages {
		if m.ID == id {
			v.messages = append(v.messages[:i], v.messages[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyNew folds a live message broadcast into the state. Own messages try
// to adopt a matching pending echo first so the sender never sees doubles.
func (c *ChatState) ApplyNew(msg chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chat.ThreadKey(msg.ThreadID)
	v := c.view(key)

	if msg.AuthorID == c.selfID {
		if id := c.matchPending(v, msg); id != "" {
			c.dropMessage(v, id)
		}
	} else if key != c.active {
		v.unread++
	}
	c.insertCanonical(v, msg)
}

// matchPending finds a provisional echo for an arriving own message: same
// body, recent enough. First match wins.
func (c *ChatState) matchPending(v *threadView, msg chat.Message) string {
	cutoff := c.now().Add(-pendingMatchWindow)
	for _, m := range v.messages {
		if m.Pending && strings.TrimSpace(m.Body) == strings.TrimSpace(msg.Body) && m.CreatedAt.After(cutoff) {
			return m.ID
		}
	}
	return ""
}

func (c *ChatState) insertCanonical(v *threadView, msg chat.Message) {
	// Drop any earlier copy (broadcast racing the HTTP response); newest wins.
	c.dropMessage(v, msg.ID)
	v.messages = append(v.messages, msg)
	sortView(v)
	c.applyLateReactions(v)
}

// ApplyDelete removes a message from its view. Unknown ids are ignored; the
// message may simply not be paged in.
func (c *ChatState) ApplyDelete(p chat.DeletePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropMessage(c.view(chat.ThreadKey(p.ThreadID)), p.ID)
	delete(c.lateReactions, p.ID)
}

// ApplyReaction folds a canonical reaction outcome into its message. If the
// message is not loaded yet the event is cached and replayed once it is.
func (c *ChatState) ApplyReaction(p chat.ReactionPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view(chat.ThreadKey(p.ThreadID))
	if !applyReactionToView(v, p) {
		c.lateReactions[p.MessageID] = append(c.lateReactions[p.MessageID], p)
	}
}

func (c *ChatState) applyLateReactions(v *threadView) {
	for i := range v.messages {
		id := v.messages[i].ID
		if events, ok := c.lateReactions[id]; ok {
			for _, p := range events {
				applyReactionToView(v, p)
			}
			delete(c.lateReactions, id)
		}
	}
}

func applyReactionToView(v *threadView, p chat.ReactionPayload) bool {
	for i := range v.messages {
		if v.messages[i].ID != p.MessageID {
			continue
		}
		msg := &v.messages[i]
		idx := -1
		for j, r := range msg.Reactions {
			if r.Emoji == p.Reaction.Emoji && r.UserID == p.Reaction.UserID {
				idx = j
				break
			}
		}
		switch p.Op {
		case chat.OpRemove:
			if idx >= 0 {
				msg.Reactions = append(msg.Reactions[:idx], msg.Reactions[idx+1:]...)
			}
		default:
			if idx < 0 {
				msg.Reactions = append(msg.Reactions, p.Reaction)
			}
		}
		return true
	}
	return false
}

// ToggleReactionLocal applies an optimistic toggle and returns the op the
// client predicts, for display until the canonical outcome arrives.
func (c *ChatState) ToggleReactionLocal(threadID *string, messageID, emoji string) chat.ReactionOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view(chat.ThreadKey(threadID))
	for i := range v.messages {
		if v.messages[i].ID != messageID {
			continue
		}
		msg := &v.messages[i]
		for j, r := range msg.Reactions {
			if r.Emoji == emoji && r.UserID == c.selfID {
				msg.Reactions = append(msg.Reactions[:j], msg.Reactions[j+1:]...)
				return chat.OpRemove
			}
		}
		msg.Reactions = append(msg.Reactions, chat.Reaction{Emoji: emoji, UserID: c.selfID})
		return chat.OpAdd
	}
	return chat.OpAdd
}

// SetRoster replaces the presence roster wholesale from a snapshot.
func (c *ChatState) SetRoster(users []chat.PresenceEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roster = append([]chat.PresenceEntry(nil), users...)
	SortRoster(c.roster)
}

// ApplyPresence folds a join or leave delta into the roster.
func (c *ChatState) ApplyPresence(entry chat.PresenceEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.roster {
		if c.roster[i].UserID == entry.UserID {
			c.roster[i] = entry
			SortRoster(c.roster)
			return
		}
	}
	c.roster = append(c.roster, entry)
	SortRoster(c.roster)
}

// MarkAllOffline flips every roster entry offline. Called when the live
// connection drops, since no leave events will arrive while detached.
func (c *ChatState) MarkAllOffline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := c.now()
	for i := range c.roster {
		if c.roster[i].Online {
			c.roster[i].Online = false
			t := seen
			c.roster[i].LastSeen = &t
		}
	}
	SortRoster(c.roster)
}

// Roster returns a copy of the current presence roster.
func (c *ChatState) Roster() []chat.PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.PresenceEntry, len(c.roster))
	copy(out, c.roster)
	return out
}

// ApplyTypingStart records a typing marker; repeats refresh its expiry.
func (c *ChatState) ApplyTypingStart(entry chat.TypingEntry) {
	if entry.UserID == c.selfID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing[entry.UserID] = &typingMark{entry: entry, deadline: c.now().Add(typingDisplayTTL)}
}

// ApplyTypingStop clears a typing marker.
func (c *ChatState) ApplyTypingStop(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.typing, userID)
}

// Typing returns who is currently typing in a thread, dropping markers whose
// TTL lapsed without a stop frame.
func (c *ChatState) Typing(threadID *string) []chat.TypingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chat.ThreadKey(threadID)
	now := c.now()
	out := make([]chat.TypingEntry, 0, len(c.typing))
	for id, mark := range c.typing {
		if now.After(mark.deadline) {
			delete(c.typing, id)
			continue
		}
		if chat.ThreadKey(mark.entry.ThreadID) == key {
			out = append(out, mark.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ApplyRead records another user's read position for a thread.
func (c *ChatState) ApplyRead(p chat.ReadPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chat.ThreadKey(p.ThreadID)
	if c.reads[key] == nil {
		c.reads[key] = make(map[string]string)
	}
	c.reads[key][p.UserID] = p.UptoMessageID
}

// ReadPosition returns the last message a user marked read in a thread.
func (c *ChatState) ReadPosition(threadID *string, userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.reads[chat.ThreadKey(threadID)][userID]
	return id, ok
}

// Dispatch routes a normalized live frame into the state. Unknown frame
// types fall through untouched so newer servers stay compatible.
func (c *ChatState) Dispatch(frame *chat.Frame) {
	switch frame.Type {
	case chat.EventMessageNew, chat.EventMessageEdit:
		var msg chat.Message
		if frame.Decode(&msg) == nil {
			c.ApplyNew(msg)
		}
	case chat.EventMessageDelete:
		var p chat.DeletePayload
		if frame.Decode(&p) == nil {
			c.ApplyDelete(p)
		}
	case chat.EventReactionUpsert:
		var p chat.ReactionPayload
		if frame.Decode(&p) == nil {
			c.ApplyReaction(p)
		}
	case chat.EventTypingStart:
		var p chat.TypingPayload
		if frame.Decode(&p) == nil {
			c.ApplyTypingStart(chat.TypingEntry{UserID: p.UserID, Name: p.Name, ThreadID: p.ThreadID})
		}
	case chat.EventTypingStop:
		var p chat.TypingPayload
		if frame.Decode(&p) == nil {
			c.ApplyTypingStop(p.UserID)
		}
	case chat.EventReadUpdated:
		var p chat.ReadPayload
		if frame.Decode(&p) == nil {
			c.ApplyRead(p)
		}
	case chat.EventPresenceUpdate:
		var p chat.PresencePayload
		if frame.Decode(&p) == nil {
			c.SetRoster(p.Users)
		}
	case chat.EventPresenceJoin, chat.EventPresenceLeave:
		var entry chat.PresenceEntry
		if frame.Decode(&entry) == nil {
			c.ApplyPresence(entry)
		}
	}
}
