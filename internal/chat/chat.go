package chat

import "time"

// MessageKind distinguishes user content from system notices.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// SystemUserID is the author id used for server-generated messages.
const SystemUserID = "system"

// Thread is a named sub-channel inside a sphere. A nil thread id in message
// operations addresses the sphere's default feed.
type Thread struct {
	ID        string    `json:"id"`
	SphereID  string    `json:"sphereId"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Attachment is owned by exactly one message; the upload itself happens
// elsewhere, we only carry the reference.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	Kind      string `json:"type"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Size      int64  `json:"size,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// Reaction is unique per (message, emoji, user); toggle semantics keep it so.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is the unit of the per-(sphere, thread) append-only log. Seq is a
// per-sphere strictly-increasing sequence assigned by the store at insert
// time and is the authoritative ordering key; CreatedAt is display metadata
// only.
type Message struct {
	ID          string       `json:"id"`
	SphereID    string       `json:"sphereId"`
	ThreadID    *string      `json:"threadId"`
	Seq         int64        `json:"seq"`
	AuthorID    string       `json:"userId"`
	AuthorName  string       `json:"userName,omitempty"`
	Kind        MessageKind  `json:"type"`
	Body        string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments"`
	Reactions   []Reaction   `json:"reactions"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	DeletedAt   *time.Time   `json:"deletedAt,omitempty"`

	// Pending marks a client-side provisional entry awaiting its canonical
	// counterpart. Never set by the server.
	Pending bool `json:"pending,omitempty"`
}

// ThreadKey normalizes the nullable thread id for map keys; the default feed
// maps to the empty string.
func ThreadKey(threadID *string) string {
	if threadID == nil {
		return ""
	}
	return *threadID
}

// PresenceEntry is the ephemeral per-(sphere, user) roster row. Rebuilt from
// connect/disconnect events each process lifetime, never persisted.
type PresenceEntry struct {
	UserID   string     `json:"userId"`
	Name     string     `json:"userName,omitempty"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// TypingEntry is the ephemeral "user is typing" marker.
type TypingEntry struct {
	UserID   string  `json:"userId"`
	Name     string  `json:"userName,omitempty"`
	ThreadID *string `json:"threadId"`
}
