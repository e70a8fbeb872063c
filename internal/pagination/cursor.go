// Package pagination provides cursor-based pagination for escrow listings.
//
// A cursor encodes the (createdAt, escrowId) position of the last item on a
// page of a newest-first listing. It is opaque to clients and stable across
// new escrows being created: appending never shifts already-served pages.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a position in a newest-first result set.
type Cursor struct {
	CreatedAt time.Time
	ID        uint64
}

// Encode returns an opaque cursor string for the given position.
func Encode(createdAt time.Time, id uint64) string {
	raw := fmt.Sprintf("%d|%d", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        id,
	}, nil
}

// Follows reports whether an item at (createdAt, id) comes strictly after the
// cursor position in newest-first order. Ties on timestamp break by id.
func (c *Cursor) Follows(createdAt time.Time, id uint64) bool {
	if createdAt.Before(c.CreatedAt) {
		return true
	}
	return createdAt.Equal(c.CreatedAt) && id < c.ID
}

// ComputePage trims items to the requested limit and derives the next cursor.
// extractKey returns the (createdAt, id) position of an item. has_more is true
// when items held more than limit entries.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, uint64)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	last := items[len(items)-1]
	createdAt, id := extractKey(last)
	return items, Encode(createdAt, id), true
}
