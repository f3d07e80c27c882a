package collab

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/presence"
)

// Dispatch decodes one inbound event and runs it. Failures are reported to
// the sender as an error event and returned.
func (m *Manager) Dispatch(ctx context.Context, sess *Session, event string, data json.RawMessage) error {
	err := m.dispatch(ctx, sess, event, data)
	if err != nil {
		m.Reject(sess, err)
	}
	return err
}

func (m *Manager) dispatch(ctx context.Context, sess *Session, event string, data json.RawMessage) error {
	switch event {
	case EventJoin:
		var req JoinRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		return m.Join(ctx, sess, req.DocumentID, req.Token)

	case EventEditContent:
		var req EditContentRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		if req.Content == nil {
			return NewError(CodeInvalidPayload, "content is required")
		}
		return m.SubmitEdit(ctx, sess, *req.Content)

	case EventEditTitle:
		var req EditTitleRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		if req.Title == nil {
			return NewError(CodeInvalidPayload, "title is required")
		}
		return m.SubmitTitle(ctx, sess, *req.Title)

	case EventCursorMove:
		var req CursorMoveRequest
		if err := decode(data, &req); err != nil {
			return err
		}
		if req.X == nil || req.Y == nil {
			return NewError(CodeInvalidPayload, "x and y are required")
		}
		return m.MoveCursor(ctx, sess, presence.Cursor{X: *req.X, Y: *req.Y})

	case EventLeave:
		return m.Leave(ctx, sess)

	default:
		return NewError(CodeInvalidPayload, "unknown event")
	}
}

func decode(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return NewError(CodeInvalidPayload, "malformed event data")
	}
	return nil
}

// Reject sends err to the session only. Internal causes are logged, never
// sent.
func (m *Manager) Reject(sess *Session, err error) {
	werr := AsError(err)
	if werr.Code == CodeInternal {
		m.log.Error().Err(err).Str("connection_id", sess.id).Msg("operation failed")
	}
	m.metrics.Rejected(string(werr.Code))
	sess.sink.Send(Message{Event: EventError, Data: ErrorPayload{Code: werr.Code, Message: werr.Message}})
}
