package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"spherechat/internal/chat"
	"spherechat/internal/storage"
)

// Router builds the HTTP surface: REST mutations and queries plus the
// websocket endpoint and operational probes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/spheres/{sphereId}/chat/ws", s.ServeWS).Methods(http.MethodGet)

	r.HandleFunc("/spheres/{sphereId}/chat/messages", s.handleCreateMessage).Methods(http.MethodPost)
	r.HandleFunc("/spheres/{sphereId}/chat/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/spheres/{sphereId}/chat/threads/{threadId}/messages", s.handleCreateMessage).Methods(http.MethodPost)
	r.HandleFunc("/spheres/{sphereId}/chat/threads/{threadId}/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/spheres/{sphereId}/chat/messages/{messageId}", s.handleDeleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/spheres/{sphereId}/chat/messages/{messageId}/reactions", s.handleReaction).Methods(http.MethodPost)
	r.HandleFunc("/spheres/{sphereId}/chat/read", s.handleMarkRead).Methods(http.MethodPost)
	r.HandleFunc("/spheres/{sphereId}/chat/threads", s.handleListThreads).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// threadIDVar resolves the optional thread path segment into the nullable
// form the store uses; an absent segment means the sphere feed.
func threadIDVar(r *http.Request) *string {
	if id, ok := mux.Vars(r)["threadId"]; ok && id != "" {
		return &id
	}
	return nil
}

type createMessageRequest struct {
	UserID      string            `json:"userId"`
	UserName    string            `json:"userName"`
	Content     string            `json:"content"`
	Kind        chat.MessageKind  `json:"type"`
	Attachments []chat.Attachment `json:"attachments"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	sphereID := mux.Vars(r)["sphereId"]
	var req createMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = chat.KindText
	}
	msg, err := s.store.CreateMessage(r.Context(), storage.NewMessageInput{
		SphereID:    sphereID,
		ThreadID:    threadIDVar(r),
		AuthorID:    req.UserID,
		AuthorName:  req.UserName,
		Kind:        kind,
		Body:        req.Content,
		Attachments: req.Attachments,
	})
	if err != nil {
		if errors.Is(err, storage.ErrEmptyMessage) {
			writeError(w, http.StatusBadRequest, "message needs content or attachments")
			return
		}
		s.log.Error("create message", "sphere", sphereID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not save message")
		return
	}
	if s.metrics != nil {
		s.metrics.MessageSaved()
	}
	// Exactly one broadcast per stored message, after commit, so every
	// subscriber sees messages in sequence order.
	s.broadcastEvent(sphereID, chat.EventMessageNew, msg)
	writeJSON(w, http.StatusCreated, msg)
}

type messagePageResponse struct {
	Messages   []chat.Message `json:"messages"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sphereID := mux.Vars(r)["sphereId"]
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	page, err := s.store.ListMessages(r.Context(), sphereID, threadIDVar(r), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		s.log.Error("list messages", "sphere", sphereID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	writeJSON(w, http.StatusOK, messagePageResponse{Messages: page.Messages, NextCursor: page.NextCursor})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sphereID, messageID := vars["sphereId"], vars["messageId"]
	threadID, err := s.store.SoftDeleteMessage(r.Context(), sphereID, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		s.log.Error("delete message", "sphere", sphereID, "message", messageID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not delete message")
		return
	}
	s.broadcastEvent(sphereID, chat.EventMessageDelete, chat.DeletePayload{ID: messageID, ThreadID: threadID})
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type reactionRequest struct {
	UserID string          `json:"userId"`
	Emoji  string          `json:"emoji"`
	Op     chat.ReactionOp `json:"op"`
}

func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sphereID, messageID := vars["sphereId"], vars["messageId"]
	var req reactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "userId and emoji are required")
		return
	}
	op := req.Op
	if op == "" {
		op = chat.OpToggle
	}
	applied, threadID, err := s.store.UpsertReaction(r.Context(), sphereID, messageID, req.Emoji, req.UserID, op)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		s.log.Error("upsert reaction", "sphere", sphereID, "message", messageID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not update reaction")
		return
	}
	if s.metrics != nil {
		s.metrics.ReactionSaved()
	}
	// The broadcast carries what the store resolved, so racing toggles
	// converge everywhere regardless of what each client asked for.
	payload := chat.ReactionPayload{
		MessageID: messageID,
		ThreadID:  threadID,
		Reaction:  chat.Reaction{Emoji: req.Emoji, UserID: req.UserID},
		Op:        applied,
	}
	s.broadcastEvent(sphereID, chat.EventReactionUpsert, payload)
	writeJSON(w, http.StatusOK, payload)
}

type markReadRequest struct {
	UserID        string  `json:"userId"`
	UserName      string  `json:"userName"`
	ThreadID      *string `json:"threadId"`
	UptoMessageID string  `json:"uptoMessageId"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	sphereID := mux.Vars(r)["sphereId"]
	var req markReadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.UptoMessageID == "" {
		writeError(w, http.StatusBadRequest, "userId and uptoMessageId are required")
		return
	}
	if err := s.store.MarkRead(r.Context(), sphereID, req.ThreadID, req.UserID, req.UptoMessageID); err != nil {
		s.log.Error("mark read", "sphere", sphereID, "user", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not record read position")
		return
	}
	s.broadcastEvent(sphereID, chat.EventReadUpdated, chat.ReadPayload{
		UserID:        req.UserID,
		Name:          req.UserName,
		ThreadID:      req.ThreadID,
		UptoMessageID: req.UptoMessageID,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// defaultThreads are created lazily the first time a sphere is asked for its
// thread list, so a fresh sphere is usable without any setup call.
var defaultThreads = []struct{ key, name string }{
	{"discussions", "Discussions"},
	{"questions", "Questions"},
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	sphereID := mux.Vars(r)["sphereId"]
	threads, err := s.store.ListThreads(r.Context(), sphereID)
	if err != nil {
		s.log.Error("list threads", "sphere", sphereID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not load threads")
		return
	}
	if len(threads) == 0 {
		for _, def := range defaultThreads {
			if _, err := s.store.CreateThread(r.Context(), sphereID, def.key, def.name); err != nil && !errors.Is(err, storage.ErrThreadExists) {
				s.log.Error("seed thread", "sphere", sphereID, "key", def.key, "err", err)
				writeError(w, http.StatusInternalServerError, "could not seed threads")
				return
			}
		}
		if threads, err = s.store.ListThreads(r.Context(), sphereID); err != nil {
			s.log.Error("list threads", "sphere", sphereID, "err", err)
			writeError(w, http.StatusInternalServerError, "could not load threads")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string][]chat.Thread{"threads": threads})
}
