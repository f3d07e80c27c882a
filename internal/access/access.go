package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

type Level string

const (
	LevelNone  Level = ""
	LevelView  Level = "view"
	LevelEdit  Level = "edit"
	LevelOwner Level = "owner"
)

// Decision is the outcome of one access evaluation. It is never cached
// beyond the operation that asked for it.
type Decision struct {
	Level      Level
	CanEdit    bool
	Visibility string
}

func (d Decision) Allowed() bool {
	return d.Level != LevelNone
}

func (d Decision) IsOwner() bool {
	return d.Level == LevelOwner
}

// Evaluate maps a document row, the requesting user's grant (nil when none)
// and the user id to an access decision. Public documents are editable by
// every authenticated user, not only viewable.
func Evaluate(row store.AccessRow, grant *store.Grant, userID string) Decision {
	d := Decision{Visibility: row.Visibility}

	switch {
	case userID != "" && row.OwnerID == userID:
		d.Level = LevelOwner
	case grant != nil && store.ValidGrantLevel(grant.Level):
		d.Level = Level(grant.Level)
	case row.Visibility == store.VisibilityPublic:
		d.Level = LevelView
	default:
		return d
	}

	d.CanEdit = d.Level == LevelOwner || d.Level == LevelEdit || row.Visibility == store.VisibilityPublic
	return d
}

type Store interface {
	GetAccessRow(ctx context.Context, documentID string) (store.AccessRow, error)
	GetGrant(ctx context.Context, documentID, userID string) (store.Grant, error)
}

// Evaluator reads the access row and grant from durable storage on every
// call and applies Evaluate.
type Evaluator struct {
	store Store
}

func NewEvaluator(s Store) *Evaluator {
	return &Evaluator{store: s}
}

// Check returns store.ErrNotFound when the document does not exist.
func (e *Evaluator) Check(ctx context.Context, documentID, userID string) (Decision, error) {
	row, err := e.store.GetAccessRow(ctx, documentID)
	if err != nil {
		return Decision{}, fmt.Errorf("load access row: %w", err)
	}

	var grant *store.Grant
	if row.OwnerID != userID {
		g, err := e.store.GetGrant(ctx, documentID, userID)
		switch {
		case err == nil:
			grant = &g
		case errors.Is(err, store.ErrNotFound):
		default:
			return Decision{}, fmt.Errorf("load grant: %w", err)
		}
	}
	return Evaluate(row, grant, userID), nil
}
