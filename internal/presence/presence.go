// Package presence records which connections are viewing each document and
// where their cursors are.
package presence

import (
	"context"
	"errors"
)

var ErrNotPresent = errors.New("connection not present")

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Record is one connection's presence on a document.
type Record struct {
	Label  string  `json:"label"`
	Cursor *Cursor `json:"cursor"`
}

// Registry is keyed by (document id, connection id). Entries have no TTL and
// are removed explicitly on leave or disconnect.
type Registry interface {
	SetPresence(ctx context.Context, documentID, connectionID string, record Record) error
	UpdateCursor(ctx context.Context, documentID, connectionID string, cursor Cursor) error
	RemovePresence(ctx context.Context, documentID, connectionID string) error
	ListPresence(ctx context.Context, documentID string) (map[string]Record, error)
	Ping(ctx context.Context) error
	Close() error
}
