package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"spherechat/internal/chat"
)

var httpTimeout = 5 * time.Second

type messagePagePayload struct {
	Messages   []chat.Message `json:"messages"`
	NextCursor string         `json:"nextCursor"`
}

type threadListPayload struct {
	Threads []chat.Thread `json:"threads"`
}

func apiCreateMessage(baseURL, sphereID string, threadID *string, userID, userName, content string, kind chat.MessageKind) (*chat.Message, error) {
	payload := map[string]any{
		"userId":   userID,
		"userName": userName,
		"content":  content,
	}
	if kind != "" {
		payload["type"] = kind
	}
	var msg chat.Message
	if err := doJSONRequest(http.MethodPost, messagesEndpoint(baseURL, sphereID, threadID), payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func apiListMessages(baseURL, sphereID string, threadID *string, cursor string, limit int) (*messagePagePayload, error) {
	endpoint := messagesEndpoint(baseURL, sphereID, threadID)
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var page messagePagePayload
	if err := doJSONRequest(http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func apiDeleteMessage(baseURL, sphereID, messageID string) error {
	endpoint := sphereEndpoint(baseURL, sphereID) + "/messages/" + url.PathEscape(messageID)
	return doJSONRequest(http.MethodDelete, endpoint, nil, nil)
}

func apiUpsertReaction(baseURL, sphereID, messageID, emoji, userID string, op chat.ReactionOp) (*chat.ReactionPayload, error) {
	endpoint := sphereEndpoint(baseURL, sphereID) + "/messages/" + url.PathEscape(messageID) + "/reactions"
	payload := map[string]any{"userId": userID, "emoji": emoji}
	if op != "" {
		payload["op"] = op
	}
	var resp chat.ReactionPayload
	if err := doJSONRequest(http.MethodPost, endpoint, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiMarkRead(baseURL, sphereID string, threadID *string, userID, userName, uptoMessageID string) error {
	payload := map[string]any{
		"userId":        userID,
		"userName":      userName,
		"threadId":      threadID,
		"uptoMessageId": uptoMessageID,
	}
	return doJSONRequest(http.MethodPost, sphereEndpoint(baseURL, sphereID)+"/read", payload, nil)
}

func apiListThreads(baseURL, sphereID string) ([]chat.Thread, error) {
	var resp threadListPayload
	if err := doJSONRequest(http.MethodGet, sphereEndpoint(baseURL, sphereID)+"/threads", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

func sphereEndpoint(baseURL, sphereID string) string {
	return strings.TrimRight(baseURL, "/") + "/spheres/" + url.PathEscape(sphereID) + "/chat"
}

func messagesEndpoint(baseURL, sphereID string, threadID *string) string {
	base := sphereEndpoint(baseURL, sphereID)
	if threadID != nil && *threadID != "" {
		return base + "/threads/" + url.PathEscape(*threadID) + "/messages"
	}
	return base + "/messages"
}

func doJSONRequest(method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// wsURLFromBase derives the websocket endpoint for a sphere from the HTTP
// base URL, carrying the client identity so the server can attribute
// presence and typing signals.
func wsURLFromBase(baseURL, sphereID, userID, userName string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/spheres/" + url.PathEscape(sphereID) + "/chat/ws"
	query := parsed.Query()
	query.Set("userId", userID)
	query.Set("userName", userName)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
