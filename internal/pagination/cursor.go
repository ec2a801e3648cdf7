// Package pagination encodes opaque keyset cursors for list endpoints.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the sort key of the last item on a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque form of c.
func Encode(c Cursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor from Encode. Empty input yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page is one page of results.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Build trims items, which were fetched with limit+1, to limit and derives
// the next cursor from the last kept item.
func Build[T any](items []T, limit int, key func(T) Cursor) Page[T] {
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	return Page[T]{
		Items:      items,
		NextCursor: Encode(key(items[len(items)-1])),
		HasMore:    true,
	}
}
