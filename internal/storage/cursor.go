package storage

import (
	"encoding/base64"
	"errors"
	"strconv"
)

// ErrInvalidCursor is returned for tokens this store never produced.
var ErrInvalidCursor = errors.New("invalid pagination cursor")

// Cursors are opaque to callers and encode a message sequence number, never
// a positional index: backward paging stays stable while new messages land
// at the live end.

// EncodeCursor derives the page token pointing at everything strictly older
// than seq.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

// DecodeCursor recovers the sequence boundary from a page token.
func DecodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || seq <= 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}
