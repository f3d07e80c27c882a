package collab

import "github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/presence"

// Wire events. Client-to-server events are handled by Manager.Dispatch.
const (
	EventConnected       = "connected"
	EventJoin            = "join"
	EventDocumentState   = "document-state"
	EventError           = "error"
	EventEditContent     = "edit-content"
	EventEditTitle       = "edit-title"
	EventTitleSaved      = "title-saved"
	EventContentChanged  = "content-changed"
	EventCursorMove      = "cursor-move"
	EventCursorUpdate    = "cursor-update"
	EventPresenceUpdate  = "presence-update"
	EventLeave           = "leave"
	EventDocumentDeleted = "document-deleted"
)

// Message is the envelope written to every subscriber.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Sink is the outbound side of one real-time connection.
type Sink interface {
	ID() string
	// Send queues msg without blocking and reports false when it was dropped.
	Send(msg Message) bool
}

type Connected struct {
	ConnectionID string `json:"connectionId"`
}

type DocumentState struct {
	DocumentID  string `json:"documentId"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	AccessLevel string `json:"access_level"`
	CanEdit     bool   `json:"can_edit"`
	Visibility  string `json:"visibility"`
}

type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ContentChanged carries exactly one of Content or Title.
type ContentChanged struct {
	Content *string `json:"content,omitempty"`
	Title   *string `json:"title,omitempty"`
}

type TitleSaved struct {
	Title string `json:"title"`
}

type CursorUpdate struct {
	ConnectionID string          `json:"connectionId"`
	Position     presence.Cursor `json:"position"`
}

// PresenceUpdate maps connection id to that connection's presence.
type PresenceUpdate map[string]presence.Record

type DocumentDeleted struct {
	DocumentID string `json:"documentId"`
}

type JoinRequest struct {
	DocumentID string `json:"documentId"`
	Token      string `json:"token"`
}

type EditContentRequest struct {
	Content *string `json:"content"`
}

type EditTitleRequest struct {
	Title *string `json:"title"`
}

type CursorMoveRequest struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}
