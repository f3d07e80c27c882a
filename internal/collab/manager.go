package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/access"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/auth"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/lease"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/metrics"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/presence"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

const (
	maxDocumentIDLength = 128
	maxTitleLength      = 512
)

type Store interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	EnsureDocument(ctx context.Context, doc store.Document) (bool, error)
	UpdateDocumentTitle(ctx context.Context, documentID, title string) error
}

type AccessChecker interface {
	Check(ctx context.Context, documentID, userID string) (access.Decision, error)
}

type TokenVerifier interface {
	VerifyToken(token string) (auth.Claims, error)
}

type Deps struct {
	Store     Store
	Tokens    TokenVerifier
	Access    AccessChecker
	Presence  presence.Registry
	Hub       *Hub
	Scheduler *Scheduler
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
}

// Manager owns every real-time session of the process and mediates between
// the wire protocol, access control, the hub and the flush scheduler.
type Manager struct {
	store    Store
	tokens   TokenVerifier
	access   AccessChecker
	presence presence.Registry
	hub      *Hub
	sched    *Scheduler
	log      zerolog.Logger
	metrics  *metrics.Metrics

	creating singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(deps Deps) *Manager {
	m := &Manager{
		store:    deps.Store,
		tokens:   deps.Tokens,
		access:   deps.Access,
		presence: deps.Presence,
		hub:      deps.Hub,
		sched:    deps.Scheduler,
		log:      deps.Log,
		metrics:  deps.Metrics,
		sessions: make(map[string]*Session),
	}
	m.hub.onEvict = m.sched.Forget
	m.sched.onSettled = func(documentID string) { m.hub.EvictIdle(documentID) }
	m.sched.onLeaseLost = func(documentID string) { m.LeaseLost(context.Background(), documentID) }
	return m
}

// Session is the state of one real-time connection:
// Connected until a successful join, Joined(document) afterwards.
type Session struct {
	id   string
	sink Sink

	mu     sync.Mutex
	userID string
	label  string
	entry  *Entry
	closed bool
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return ""
	}
	return s.entry.ID()
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) joined() (*Entry, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry, s.userID, s.label
}

func (s *Session) attach(e *Entry, userID, label string) {
	s.mu.Lock()
	s.entry, s.userID, s.label = e, userID, label
	s.mu.Unlock()
}

func (s *Session) take() *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry
	s.entry = nil
	return e
}

// takeIf clears the session's document only if it is still e.
func (s *Session) takeIf(e *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != e {
		return false
	}
	s.entry = nil
	return true
}

func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Connect registers a new connection and greets it.
func (m *Manager) Connect(sink Sink) *Session {
	sess := &Session{id: sink.ID(), sink: sink}
	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()
	m.metrics.SessionOpened()
	sink.Send(Message{Event: EventConnected, Data: Connected{ConnectionID: sess.id}})
	return sess
}

func (m *Manager) Session(connectionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[connectionID]
	return sess, ok
}

func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Join authenticates the token, makes sure the document exists, authorizes
// the user and subscribes the session. A session already on a document
// leaves it only once the new document is acquired, so a failed join keeps
// the session where it was.
func (m *Manager) Join(ctx context.Context, sess *Session, documentID, token string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" || len(documentID) > maxDocumentIDLength {
		return NewError(CodeInvalidPayload, "documentId is required")
	}

	claims, err := m.tokens.VerifyToken(token)
	if err != nil {
		return authError(err)
	}
	user, err := m.store.GetUserByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewError(CodeUnauthenticated, "user no longer exists")
		}
		return internalError(fmt.Errorf("load user: %w", err))
	}

	if err := m.ensureDocument(ctx, documentID, user.ID); err != nil {
		return internalError(err)
	}

	decision, err := m.access.Check(ctx, documentID, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewError(CodeNotFound, "document not found")
		}
		return internalError(err)
	}
	if !decision.Allowed() {
		return NewError(CodeForbidden, "access denied")
	}

	e, err := m.hub.Acquire(ctx, documentID)
	if err != nil {
		switch {
		case errors.Is(err, lease.ErrHeld):
			return NewError(CodeUnavailable, "document is open on another server")
		case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrEvicted):
			return NewError(CodeNotFound, "document not found")
		default:
			return internalError(err)
		}
	}

	m.detach(ctx, sess)

	label := user.DisplayName
	if label == "" {
		label = user.ID
	}
	greet := func(p store.Payload) Message {
		return Message{Event: EventDocumentState, Data: DocumentState{
			DocumentID:  documentID,
			Title:       p.Title,
			Content:     p.Content,
			AccessLevel: string(decision.Level),
			CanEdit:     decision.CanEdit,
			Visibility:  decision.Visibility,
		}}
	}
	if err := e.Subscribe(sess.sink, greet); err != nil {
		m.hub.Release(e)
		return NewError(CodeNotFound, "document not found")
	}
	sess.attach(e, user.ID, label)

	if err := m.presence.SetPresence(ctx, documentID, sess.id, presence.Record{Label: label}); err != nil {
		m.log.Warn().Err(err).Str("document_id", documentID).Str("connection_id", sess.id).Msg("set presence")
	}
	m.broadcastPresence(ctx, e)

	m.log.Info().
		Str("document_id", documentID).
		Str("user_id", user.ID).
		Str("connection_id", sess.id).
		Str("access_level", string(decision.Level)).
		Msg("session joined")
	return nil
}

// ensureDocument creates the document with the joining user as owner when
// it does not exist yet. Concurrent first joins in this process share one
// insert; across processes the insert itself is idempotent.
func (m *Manager) ensureDocument(ctx context.Context, documentID, userID string) error {
	_, err, _ := m.creating.Do(documentID, func() (interface{}, error) {
		created, err := m.store.EnsureDocument(ctx, store.Document{
			ID:         documentID,
			OwnerID:    userID,
			Visibility: store.VisibilityPublic,
		})
		if err != nil {
			return nil, fmt.Errorf("ensure document: %w", err)
		}
		if created {
			m.log.Info().Str("document_id", documentID).Str("owner_id", userID).Msg("document created on first join")
		}
		return created, nil
	})
	return err
}

// SubmitEdit replaces the document content. Edit permission is re-evaluated
// against storage on every call.
func (m *Manager) SubmitEdit(ctx context.Context, sess *Session, content string) error {
	e, userID, _ := sess.joined()
	if e == nil {
		return NewError(CodeNotJoined, "join a document first")
	}
	if err := m.requireEdit(ctx, e.ID(), userID); err != nil {
		return err
	}
	if err := m.requireLease(ctx, e); err != nil {
		return err
	}

	msg := Message{Event: EventContentChanged, Data: ContentChanged{Content: &content}}
	n, err := e.Mutate(userID, func(p *store.Payload) error {
		p.Content = content
		return nil
	}, msg, sess.id)
	if err != nil {
		return entryError(err)
	}
	m.metrics.Edit()
	m.metrics.Broadcast(EventContentChanged, n)

	m.sched.NoteMutation(ctx, e.ID())
	return nil
}

// SubmitTitle writes the title through to storage before it is applied and
// broadcast, then acknowledges the sender with title-saved. Both steps run
// under the document's flush lock, so an in-flight flush cannot write the
// previous title back.
func (m *Manager) SubmitTitle(ctx context.Context, sess *Session, title string) error {
	if len(title) > maxTitleLength {
		return NewError(CodeInvalidPayload, fmt.Sprintf("title exceeds %d bytes", maxTitleLength))
	}
	e, userID, _ := sess.joined()
	if e == nil {
		return NewError(CodeNotJoined, "join a document first")
	}
	if err := m.requireEdit(ctx, e.ID(), userID); err != nil {
		return err
	}
	if err := m.requireLease(ctx, e); err != nil {
		return err
	}

	msg := Message{Event: EventContentChanged, Data: ContentChanged{Title: &title}}
	var n int
	err := m.sched.WithFlushLock(e.ID(), func() error {
		if err := m.store.UpdateDocumentTitle(ctx, e.ID(), title); err != nil {
			return fmt.Errorf("save title: %w", err)
		}
		var err error
		n, err = e.Mutate(userID, func(p *store.Payload) error {
			p.Title = title
			return nil
		}, msg, sess.id)
		return err
	})
	if err != nil {
		return entryError(err)
	}
	m.metrics.Edit()
	m.metrics.Broadcast(EventContentChanged, n)

	sess.sink.Send(Message{Event: EventTitleSaved, Data: TitleSaved{Title: title}})
	return nil
}

func (m *Manager) requireEdit(ctx context.Context, documentID, userID string) error {
	decision, err := m.access.Check(ctx, documentID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewError(CodeNotFound, "document not found")
		}
		return internalError(err)
	}
	if !decision.CanEdit {
		return NewError(CodeForbidden, "edit permission required")
	}
	return nil
}

func (m *Manager) requireLease(ctx context.Context, e *Entry) error {
	if m.hub.Owns(e.ID()) {
		return nil
	}
	m.LeaseLost(ctx, e.ID())
	return NewError(CodeUnavailable, "document is open on another server")
}

// MoveCursor needs no permission beyond being joined and never persists.
func (m *Manager) MoveCursor(ctx context.Context, sess *Session, cursor presence.Cursor) error {
	e, _, label := sess.joined()
	if e == nil {
		return NewError(CodeNotJoined, "join a document first")
	}

	err := m.presence.UpdateCursor(ctx, e.ID(), sess.id, cursor)
	if errors.Is(err, presence.ErrNotPresent) {
		err = m.presence.SetPresence(ctx, e.ID(), sess.id, presence.Record{Label: label, Cursor: &cursor})
	}
	if err != nil {
		m.log.Warn().Err(err).Str("document_id", e.ID()).Str("connection_id", sess.id).Msg("update cursor")
	}

	n := e.Broadcast(Message{Event: EventCursorUpdate, Data: CursorUpdate{ConnectionID: sess.id, Position: cursor}}, sess.id)
	m.metrics.Broadcast(EventCursorUpdate, n)
	return nil
}

// Leave returns the session to Connected without closing the transport.
func (m *Manager) Leave(ctx context.Context, sess *Session) error {
	if e, _, _ := sess.joined(); e == nil {
		return NewError(CodeNotJoined, "not joined to a document")
	}
	m.detach(ctx, sess)
	return nil
}

// Disconnect is idempotent and runs whatever state the session is in.
func (m *Manager) Disconnect(ctx context.Context, sess *Session) {
	if !sess.markClosed() {
		return
	}
	m.detach(context.WithoutCancel(ctx), sess)

	m.mu.Lock()
	delete(m.sessions, sess.id)
	m.mu.Unlock()
	m.metrics.SessionClosed()
	m.log.Debug().Str("connection_id", sess.id).Msg("session disconnected")
}

// detach flushes pending mutations, drops presence and releases the hub
// entry. The last session out flushes again and evicts the entry.
func (m *Manager) detach(ctx context.Context, sess *Session) {
	e := sess.take()
	if e == nil {
		return
	}
	documentID := e.ID()

	if m.sched.Pending(documentID) > 0 {
		_ = m.sched.Flush(ctx, documentID, TriggerDisconnect)
	}

	e.Unsubscribe(sess.id)
	if err := m.presence.RemovePresence(ctx, documentID, sess.id); err != nil {
		m.log.Warn().Err(err).Str("document_id", documentID).Str("connection_id", sess.id).Msg("remove presence")
	}
	m.broadcastPresence(ctx, e)

	if m.hub.Release(e) == 0 {
		if err := m.sched.Flush(ctx, documentID, TriggerDisconnect); err == nil {
			m.hub.EvictIdle(documentID)
		}
	}
}

func (m *Manager) broadcastPresence(ctx context.Context, e *Entry) {
	records, err := m.presence.ListPresence(ctx, e.ID())
	if err != nil {
		m.log.Warn().Err(err).Str("document_id", e.ID()).Msg("list presence")
		return
	}
	n := e.Broadcast(Message{Event: EventPresenceUpdate, Data: PresenceUpdate(records)}, "")
	m.metrics.Broadcast(EventPresenceUpdate, n)
}

// DocumentDeleted evicts the document after its owner deleted it, tells
// every subscriber, and returns their sessions to Connected. Pending
// mutations are discarded.
func (m *Manager) DocumentDeleted(ctx context.Context, documentID string) {
	ids := m.evict(ctx, documentID, Message{Event: EventDocumentDeleted, Data: DocumentDeleted{DocumentID: documentID}})
	if len(ids) > 0 {
		m.log.Info().Str("document_id", documentID).Int("sessions", len(ids)).Msg("deleted document evicted")
	}
}

// LeaseLost evicts a document whose lease another instance took over and
// tells its subscribers to rejoin. Unflushed mutations are dropped.
func (m *Manager) LeaseLost(ctx context.Context, documentID string) {
	ids := m.evict(ctx, documentID, Message{Event: EventError, Data: ErrorPayload{
		Code:    CodeUnavailable,
		Message: "document is now open on another server; join again",
	}})
	if ids == nil {
		return
	}
	m.metrics.LeaseLost()
	m.log.Warn().Str("document_id", documentID).Int("sessions", len(ids)).Msg("document lease lost; entry evicted")
}

// evict removes the document from the hub, sends notice to its subscribers
// and returns their sessions to Connected. It returns nil when the document
// was not cached.
func (m *Manager) evict(ctx context.Context, documentID string, notice Message) []string {
	m.hub.mu.Lock()
	e := m.hub.entries[documentID]
	m.hub.mu.Unlock()

	ids := m.hub.Evict(documentID, notice)
	m.sched.Forget(documentID)

	for _, id := range ids {
		if sess, ok := m.Session(id); ok && e != nil {
			sess.takeIf(e)
		}
		if err := m.presence.RemovePresence(ctx, documentID, id); err != nil {
			m.log.Warn().Err(err).Str("document_id", documentID).Str("connection_id", id).Msg("remove presence")
		}
	}
	return ids
}

// Shutdown flushes every document with pending mutations and waits for
// flush observers.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.sched.FlushAll(ctx)
	m.sched.Wait()
	return err
}

func authError(err error) *Error {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return NewError(CodeUnauthenticated, "token required")
	case errors.Is(err, auth.ErrExpiredToken):
		return NewError(CodeUnauthenticated, "token expired")
	default:
		return NewError(CodeUnauthenticated, "invalid token")
	}
}

func entryError(err error) error {
	switch {
	case errors.Is(err, ErrEvicted), errors.Is(err, store.ErrNotFound):
		return NewError(CodeNotFound, "document was deleted")
	default:
		return internalError(err)
	}
}
