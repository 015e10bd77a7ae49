package storage

import (
	"errors"
	"testing"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, seq := range []int64{1, 42, 1 << 40} {
		cursor := EncodeCursor(seq)
		got, err := DecodeCursor(cursor)
		if err != nil {
			t.Fatalf("DecodeCursor(%q): %v", cursor, err)
		}
		if got != seq {
			t.Fatalf("expected %d, got %d", seq, got)
		}
	}
}

func TestCursorRejectsGarbage(t *testing.T) {
	for _, cursor := range []string{"!!!", "bm9wZQ", EncodeCursor(0), EncodeCursor(-7)} {
		if _, err := DecodeCursor(cursor); !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("DecodeCursor(%q): expected ErrInvalidCursor, got %v", cursor, err)
		}
	}
}
