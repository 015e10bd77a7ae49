package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spherechat/internal/chat"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second

	// Typing signals are throttled: at most one start per interval while the
	// user keeps typing, with an automatic stop after the idle window.
	typingStartInterval = 2 * time.Second
	typingIdleStop      = 3 * time.Second
)

// backoffDelay is the wait before reconnect attempt n (1-based): doubling
// from one second, capped. Attempts never give up; only closing the session
// stops them.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := reconnectBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= reconnectCap {
			return reconnectCap
		}
	}
	return d
}

// Session is one user's live attachment to a sphere: the websocket with its
// reconnect loop, the REST base URL, and the replicated ChatState.
type Session struct {
	baseURL  string
	sphereID string
	userID   string
	userName string

	state *ChatState
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	lastStart time.Time
	stopTimer *time.Timer
	typingOn  bool
	lastError string

	// Updates is signalled after every state change so a UI can re-render.
	Updates chan struct{}
}

func NewSession(baseURL, sphereID, userID, userName string, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		baseURL:  baseURL,
		sphereID: sphereID,
		userID:   userID,
		userName: userName,
		state:    NewChatState(sphereID, userID),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		Updates:  make(chan struct{}, 1),
	}
}

func (s *Session) State() *ChatState { return s.state }

func (s *Session) setLastError(msg string) {
	if msg == "" {
		msg = "operation failed"
	}
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// LastError returns the most recent transient error surfaced by the server,
// empty when none.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *Session) notify() {
	select {
	case s.Updates <- struct{}{}:
	default:
	}
}

// Run drives the connect/read/reconnect cycle until Close. A successful
// connection resets the schedule, so the next reconnect after a working
// session waits the base delay again instead of continuing to double.
func (s *Session) Run() {
	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			delay := backoffDelay(attempt)
			s.log.Info("reconnecting", "sphere", s.sphereID, "attempt", attempt, "in", delay)
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return
			}
		}
		connected, err := s.connectAndRead()
		if s.ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 1
		} else {
			attempt++
		}
		s.log.Warn("connection lost", "sphere", s.sphereID, "err", err)
		s.state.MarkAllOffline()
		s.notify()
	}
}

// connectAndRead dials and pumps frames until the link dies. The bool
// reports whether the dial ever succeeded, which is what resets the
// reconnect backoff; the error is the terminal read or dial failure.
func (s *Session) connectAndRead() (bool, error) {
	endpoint, err := wsURLFromBase(s.baseURL, s.sphereID, s.userID, s.userName)
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, endpoint, nil)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.Info("connected", "sphere", s.sphereID)
	s.notify()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		frame, err := chat.NormalizeFrame(payload)
		if err != nil {
			s.log.Debug("drop frame", "sphere", s.sphereID, "err", err)
			continue
		}
		if !frame.Success {
			// Failure frames never touch local state; they only surface.
			s.log.Warn("server rejected operation", "sphere", s.sphereID, "type", frame.Type, "msg", frame.Message)
			s.setLastError(frame.Message)
			s.notify()
			continue
		}
		s.state.Dispatch(frame)
		s.notify()
	}
}

// Close stops reconnecting, sends a final typing stop if one is owed, and
// tears down any live connection.
func (s *Session) Close() {
	s.mu.Lock()
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	typingOn := s.typingOn
	s.typingOn = false
	conn := s.conn
	s.mu.Unlock()

	if typingOn && conn != nil {
		_ = s.writeEvent(chat.EventTypingStop, chat.TypingPayload{UserID: s.userID, Name: s.userName})
	}
	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) writeEvent(eventType string, payload any) error {
	env, err := chat.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	return s.conn.WriteJSON(env)
}

// NotifyTyping is called on every keystroke. It emits typing:start at most
// once per interval and arms the idle stop timer.
func (s *Session) NotifyTyping(threadID *string) {
	s.mu.Lock()
	now := time.Now()
	shouldStart := !s.typingOn || now.Sub(s.lastStart) >= typingStartInterval
	if shouldStart {
		s.lastStart = now
		s.typingOn = true
	}
	if s.stopTimer != nil {
		s.stopTimer.Stop()
	}
	s.stopTimer = time.AfterFunc(typingIdleStop, func() { s.StopTyping(threadID) })
	s.mu.Unlock()

	if shouldStart {
		_ = s.writeEvent(chat.EventTypingStart, chat.TypingPayload{UserID: s.userID, Name: s.userName, ThreadID: threadID})
	}
}

// StopTyping emits an immediate typing:stop, e.g. when the input empties or
// a message is sent.
func (s *Session) StopTyping(threadID *string) {
	s.mu.Lock()
	wasOn := s.typingOn
	s.typingOn = false
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	s.mu.Unlock()
	if wasOn {
		_ = s.writeEvent(chat.EventTypingStop, chat.TypingPayload{UserID: s.userID, Name: s.userName, ThreadID: threadID})
	}
}

// SendMessage posts a message with a local provisional echo. The echo is
// replaced by the canonical message on success and removed on failure.
func (s *Session) SendMessage(threadID *string, body string) error {
	pending := s.state.AppendPending(threadID, s.userName, body)
	s.notify()
	s.StopTyping(threadID)

	msg, err := apiCreateMessage(s.baseURL, s.sphereID, threadID, s.userID, s.userName, body, chat.KindText)
	if err != nil {
		s.state.DropPending(threadID, pending.ID)
		s.notify()
		return err
	}
	s.state.ResolvePending(pending.ID, msg)
	s.notify()
	return nil
}

// ToggleReaction flips a reaction optimistically and reconciles with the
// server's outcome; on error the local toggle is reverted.
func (s *Session) ToggleReaction(threadID *string, messageID, emoji string) error {
	predicted := s.state.ToggleReactionLocal(threadID, messageID, emoji)
	s.notify()

	outcome, err := apiUpsertReaction(s.baseURL, s.sphereID, messageID, emoji, s.userID, chat.OpToggle)
	if err != nil {
		revert := chat.OpRemove
		if predicted == chat.OpRemove {
			revert = chat.OpAdd
		}
		s.state.ApplyReaction(chat.ReactionPayload{
			MessageID: messageID,
			ThreadID:  threadID,
			Reaction:  chat.Reaction{Emoji: emoji, UserID: s.userID},
			Op:        revert,
		})
		s.notify()
		return err
	}
	// The canonical outcome wins even when it contradicts the prediction.
	s.state.ApplyReaction(*outcome)
	s.notify()
	return nil
}

// LoadHistory fetches the newest page of a thread.
func (s *Session) LoadHistory(threadID *string, limit int) error {
	page, err := apiListMessages(s.baseURL, s.sphereID, threadID, "", limit)
	if err != nil {
		return err
	}
	s.state.MergePage(threadID, page.Messages, page.NextCursor)
	s.notify()
	return nil
}

// LoadOlder fetches the next older page, if any remains.
func (s *Session) LoadOlder(threadID *string, limit int) error {
	cursor := s.state.NextCursor(threadID)
	if cursor == "" {
		return nil
	}
	page, err := apiListMessages(s.baseURL, s.sphereID, threadID, cursor, limit)
	if err != nil {
		return err
	}
	s.state.MergePage(threadID, page.Messages, page.NextCursor)
	s.notify()
	return nil
}

// MarkRead records the read position over the live connection when
// available, falling back to REST otherwise.
func (s *Session) MarkRead(threadID *string, uptoMessageID string) error {
	err := s.writeEvent(chat.EventReadMark, chat.ReadMarkPayload{ThreadID: threadID, UptoMessageID: uptoMessageID})
	if err == nil {
		return nil
	}
	return apiMarkRead(s.baseURL, s.sphereID, threadID, s.userID, s.userName, uptoMessageID)
}

// Threads lists the sphere's threads, seeding defaults server-side on first
// use.
func (s *Session) Threads() ([]chat.Thread, error) {
	return apiListThreads(s.baseURL, s.sphereID)
}

// DeleteMessage removes one of the user's messages; the confirmation
// arrives as a message:delete broadcast.
func (s *Session) DeleteMessage(messageID string) error {
	return apiDeleteMessage(s.baseURL, s.sphereID, messageID)
}
