package chat

import (
	"encoding/json"
	"fmt"
)

// Event types exchanged over the sphere connection. Unknown types are
// ignored by consumers so new ones can ship server-side first.
const (
	EventMessageNew     = "message:new"
	EventMessageEdit    = "message:edit"
	EventMessageDelete  = "message:delete"
	EventReactionUpsert = "reaction:upsert"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventReadUpdated    = "read:updated"
	EventPresenceUpdate = "presence:update"
	EventPresenceJoin   = "presence:join"
	EventPresenceLeave  = "presence:leave"

	// Inbound-only frame asking the server to record a read position.
	EventReadMark = "read:mark"
)

// Envelope is the canonical wire frame: one event type plus its payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a canonical frame. Marshal failures are
// programmer errors (all payload types here are plain structs), so the error
// is returned for the caller to log rather than panic on.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Data: raw}, nil
}

// ReactionOp is carried on reaction:upsert broadcasts and reflects what the
// store actually did, never what the client asked for.
type ReactionOp string

const (
	OpToggle ReactionOp = "toggle"
	OpAdd    ReactionOp = "add"
	OpRemove ReactionOp = "remove"
)

// DeletePayload identifies a soft-deleted message.
type DeletePayload struct {
	ID       string  `json:"id"`
	ThreadID *string `json:"threadId"`
}

// ReactionPayload is the canonical outcome of a reaction upsert.
type ReactionPayload struct {
	MessageID string     `json:"messageId"`
	ThreadID  *string    `json:"threadId"`
	Reaction  Reaction   `json:"reaction"`
	Op        ReactionOp `json:"op"`
}

// TypingPayload announces a typing start/stop for one user.
type TypingPayload struct {
	UserID   string  `json:"userId"`
	Name     string  `json:"userName,omitempty"`
	ThreadID *string `json:"threadId"`
}

// ReadPayload reports a user's new read position within a thread.
type ReadPayload struct {
	UserID        string  `json:"userId"`
	Name          string  `json:"userName,omitempty"`
	ThreadID      *string `json:"threadId"`
	UptoMessageID string  `json:"uptoMessageId"`
}

// ReadMarkPayload is the inbound request form of ReadPayload; the user is
// taken from the connection, never from the frame.
type ReadMarkPayload struct {
	ThreadID      *string `json:"threadId"`
	UptoMessageID string  `json:"uptoMessageId"`
}

// PresencePayload is the full-roster snapshot carried by presence:update.
// Receivers must replace their roster wholesale, not merge.
type PresencePayload struct {
	Users []PresenceEntry `json:"users"`
}

// Frame is a normalized incoming event. Success is always derived, so
// dispatch code never has to re-inspect raw fields.
type Frame struct {
	Type    string
	Data    json.RawMessage
	Success bool
	Message string
}

// rawFrame tolerates the field-name drift of legacy producers: type may
// arrive as "event" or "op", the payload as "payload" or "body". The
// canonical names always win when present.
type rawFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Op      string          `json:"op"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
	Body    json.RawMessage `json:"body"`
	Success *bool           `json:"success"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// NormalizeFrame parses one wire frame into its canonical shape. A frame
// with no recognizable type yields an error; callers drop such frames and
// keep the connection alive.
func NormalizeFrame(payload []byte) (*Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	eventType := firstNonEmpty(raw.Type, raw.Event, raw.Op)
	if eventType == "" {
		return nil, fmt.Errorf("frame has no event type")
	}

	data := raw.Data
	if len(data) == 0 {
		data = raw.Payload
	}
	if len(data) == 0 {
		data = raw.Body
	}

	frame := &Frame{Type: eventType, Data: data, Message: raw.Message}

	// Explicit success wins; otherwise a present, non-null error field
	// implies failure; otherwise the frame is assumed good.
	switch {
	case raw.Success != nil:
		frame.Success = *raw.Success
	case errorPresent(raw.Error):
		frame.Success = false
	default:
		frame.Success = true
	}
	if !frame.Success && frame.Message == "" {
		frame.Message = errorText(raw.Error)
	}
	return frame, nil
}

// Decode unmarshals the frame payload into out.
func (f *Frame) Decode(out any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func errorPresent(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	s := string(raw)
	return s != "null" && s != "false" && s != `""`
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "operation failed"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return "operation failed"
}
