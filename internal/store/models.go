package store

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

const (
	GrantView = "view"
	GrantEdit = "edit"
)

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// Payload is the mutable JSON body of a document.
type Payload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (p Payload) encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(raw), nil
}

func decodePayload(raw []byte) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

type Document struct {
	ID         string
	OwnerID    string
	Visibility string
	Payload    Payload
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AccessRow is the slice of a document row that access decisions depend on.
type AccessRow struct {
	DocumentID string
	OwnerID    string
	Visibility string
}

type Grant struct {
	DocumentID string
	UserID     string
	Level      string
	GrantedAt  time.Time
	// Joined for listings
	UserEmail string
	UserName  string
}

// VersionRecord is an append-only snapshot written by a flush.
type VersionRecord struct {
	ID         int64
	DocumentID string
	Payload    Payload
	AuthorID   string
	CreatedAt  time.Time
}

func ValidVisibility(v string) bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

func ValidGrantLevel(level string) bool {
	return level == GrantView || level == GrantEdit
}
