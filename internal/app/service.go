package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/access"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/auth"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/authpw"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/email"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/search"
	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

const maxTitleLength = 512

type Session struct {
	UserID   string
	UserName string
}

type dataStore interface {
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	CreateDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	DeleteDocument(context.Context, string) error
	SetVisibility(context.Context, string, string) error
	ListDocumentsForUser(context.Context, string) ([]store.Document, error)
	UpsertGrant(context.Context, store.Grant) error
	RevokeGrant(context.Context, string, string) (bool, error)
	ListGrants(context.Context, string) ([]store.Grant, error)
	ListVersions(context.Context, string, int) ([]store.VersionRecord, error)
}

type accessChecker interface {
	Check(ctx context.Context, documentID, userID string) (access.Decision, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Claims, error)
}

// documentEvents is the real-time side told about owner deletions.
type documentEvents interface {
	DocumentDeleted(ctx context.Context, documentID string)
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	DeleteDocument(id string)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type shareMailer interface {
	SendShareNotification(to string, data email.ShareData) error
}

type Deps struct {
	Store    dataStore
	Access   accessChecker
	Tokens   tokenVerifier
	Accounts *authpw.Service
	Events   documentEvents
	Search   searchIndex
	Presence pinger
	// Mailer is optional; grants are not announced without it.
	Mailer shareMailer
	Log    zerolog.Logger
}

// Service implements the REST surface: accounts, document management,
// sharing and history.
type Service struct {
	store    dataStore
	access   accessChecker
	tokens   tokenVerifier
	accounts *authpw.Service
	events   documentEvents
	search   searchIndex
	presence pinger
	mailer   shareMailer
	log      zerolog.Logger
}

func New(deps Deps) *Service {
	return &Service{
		store:    deps.Store,
		access:   deps.Access,
		tokens:   deps.Tokens,
		accounts: deps.Accounts,
		events:   deps.Events,
		search:   deps.Search,
		presence: deps.Presence,
		mailer:   deps.Mailer,
		log:      deps.Log,
	}
}

type UserProfile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

type DocumentSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	OwnerID     string    `json:"ownerId"`
	Visibility  string    `json:"visibility"`
	AccessLevel string    `json:"access_level"`
	CanEdit     bool      `json:"can_edit"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type DocumentDetail struct {
	DocumentSummary
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateDocumentInput struct {
	Title      string `json:"title"`
	Visibility string `json:"visibility"`
}

type PermissionEntry struct {
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Level       string    `json:"level"`
	GrantedAt   time.Time `json:"grantedAt"`
}

type VersionEntry struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	AuthorID  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
}

func summarize(doc store.Document, decision access.Decision) DocumentSummary {
	return DocumentSummary{
		ID:          doc.ID,
		Title:       doc.Payload.Title,
		OwnerID:     doc.OwnerID,
		Visibility:  doc.Visibility,
		AccessLevel: string(decision.Level),
		CanEdit:     decision.CanEdit,
		UpdatedAt:   doc.UpdatedAt,
	}
}

// Ping checks the health of service dependencies.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if s.presence != nil {
		if err := s.presence.Ping(ctx); err != nil {
			return fmt.Errorf("presence: %w", err)
		}
	}
	return nil
}

// SessionFromToken verifies a bearer token and checks the user still exists.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.VerifyToken(token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, fmt.Errorf("user %s: %w", claims.UserID(), auth.ErrInvalidToken)
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	return Session{UserID: user.ID, UserName: user.DisplayName}, nil
}

// CurrentUser returns the profile of the session's user.
func (s *Service) CurrentUser(ctx context.Context, session Session) (UserProfile, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return UserProfile{}, notFound("User")
		}
		return UserProfile{}, fmt.Errorf("load user: %w", err)
	}
	return UserProfile{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		CreatedAt:   user.CreatedAt,
	}, nil
}

func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (string, error) {
	userID, err := s.accounts.Register(ctx, req)
	switch {
	case errors.Is(err, authpw.ErrInvalidInput):
		return "", validation(strings.TrimPrefix(err.Error(), authpw.ErrInvalidInput.Error()+": "))
	case errors.Is(err, authpw.ErrEmailTaken):
		return "", domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case err != nil:
		return "", err
	}
	return userID, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (authpw.LoginResult, error) {
	result, err := s.accounts.Login(ctx, email, password)
	switch {
	case errors.Is(err, authpw.ErrInvalidInput), errors.Is(err, authpw.ErrInvalidCredentials):
		return authpw.LoginResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case err != nil:
		return authpw.LoginResult{}, err
	}
	return result, nil
}

// decide evaluates the caller's access. A missing document is NOT_FOUND and
// no access at all is reported as NOT_FOUND too, so private documents do not
// leak their existence.
func (s *Service) decide(ctx context.Context, session Session, documentID string) (access.Decision, error) {
	decision, err := s.access.Check(ctx, documentID, session.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return access.Decision{}, notFound("document")
		}
		return access.Decision{}, err
	}
	if !decision.Allowed() {
		return access.Decision{}, notFound("document")
	}
	return decision, nil
}

func (s *Service) requireOwner(ctx context.Context, session Session, documentID string) error {
	decision, err := s.decide(ctx, session, documentID)
	if err != nil {
		return err
	}
	if !decision.IsOwner() {
		return forbidden("only the document owner can do this")
	}
	return nil
}

func (s *Service) ListDocuments(ctx context.Context, session Session) ([]DocumentSummary, error) {
	docs, err := s.store.ListDocumentsForUser(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	out := make([]DocumentSummary, 0, len(docs))
	for _, doc := range docs {
		decision, err := s.access.Check(ctx, doc.ID, session.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, summarize(doc, decision))
	}
	return out, nil
}

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (DocumentDetail, error) {
	title := strings.TrimSpace(input.Title)
	if len(title) > maxTitleLength {
		return DocumentDetail{}, validation(fmt.Sprintf("title exceeds %d bytes", maxTitleLength))
	}
	visibility := strings.TrimSpace(input.Visibility)
	if visibility == "" {
		visibility = store.VisibilityPublic
	}
	if !store.ValidVisibility(visibility) {
		return DocumentDetail{}, validation("visibility must be public or private")
	}

	doc := store.Document{
		ID:         uuid.NewString(),
		OwnerID:    session.UserID,
		Visibility: visibility,
		Payload:    store.Payload{Title: title},
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return DocumentDetail{}, fmt.Errorf("create document: %w", err)
	}
	return s.GetDocument(ctx, session, doc.ID)
}

// GetDocument returns the stored document. Content reflects the last flush,
// not edits still held by a live session.
func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (DocumentDetail, error) {
	decision, err := s.decide(ctx, session, documentID)
	if err != nil {
		return DocumentDetail{}, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentDetail{}, err
	}
	return DocumentDetail{
		DocumentSummary: summarize(doc, decision),
		Content:         doc.Payload.Content,
		CreatedAt:       doc.CreatedAt,
	}, nil
}

// DeleteDocument removes the document and its grants, then evicts it from
// live sessions and the search index. Version records are kept.
func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	if err := s.requireOwner(ctx, session, documentID); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if s.events != nil {
		s.events.DocumentDeleted(ctx, documentID)
	}
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	return nil
}

func (s *Service) SetVisibility(ctx context.Context, session Session, documentID, visibility string) error {
	visibility = strings.TrimSpace(visibility)
	if !store.ValidVisibility(visibility) {
		return validation("visibility must be public or private")
	}
	if err := s.requireOwner(ctx, session, documentID); err != nil {
		return err
	}
	return s.store.SetVisibility(ctx, documentID, visibility)
}

func (s *Service) ListPermissions(ctx context.Context, session Session, documentID string) ([]PermissionEntry, error) {
	if err := s.requireOwner(ctx, session, documentID); err != nil {
		return nil, err
	}
	grants, err := s.store.ListGrants(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	out := make([]PermissionEntry, 0, len(grants))
	for _, g := range grants {
		out = append(out, PermissionEntry{
			UserID:      g.UserID,
			Email:       g.UserEmail,
			DisplayName: g.UserName,
			Level:       g.Level,
			GrantedAt:   g.GrantedAt,
		})
	}
	return out, nil
}

// GrantPermission creates or changes a user's grant. Sessions already joined
// see the new level on their next edit.
func (s *Service) GrantPermission(ctx context.Context, session Session, documentID, userID, level string) error {
	userID = strings.TrimSpace(userID)
	level = strings.TrimSpace(level)
	if !store.ValidGrantLevel(level) {
		return validation("level must be view or edit")
	}
	if userID == session.UserID {
		return validation("the owner cannot be granted a permission")
	}
	if err := s.requireOwner(ctx, session, documentID); err != nil {
		return err
	}
	grantee, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("user")
		}
		return err
	}
	if err := s.store.UpsertGrant(ctx, store.Grant{DocumentID: documentID, UserID: userID, Level: level}); err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	s.announceShare(ctx, session, documentID, grantee, level)
	return nil
}

// announceShare mails the grantee in the background. Failures are logged only.
func (s *Service) announceShare(ctx context.Context, session Session, documentID string, grantee store.User, level string) {
	if s.mailer == nil {
		return
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		s.log.Warn().Err(err).Str("document_id", documentID).Msg("share notification skipped")
		return
	}
	data := email.ShareData{
		RecipientName: grantee.DisplayName,
		OwnerName:     session.UserName,
		DocumentTitle: doc.Payload.Title,
		DocumentID:    documentID,
		Level:         level,
	}
	go func() {
		if err := s.mailer.SendShareNotification(grantee.Email, data); err != nil {
			s.log.Warn().Err(err).Str("document_id", documentID).Str("user_id", grantee.ID).Msg("share notification failed")
		}
	}()
}

func (s *Service) RevokePermission(ctx context.Context, session Session, documentID, userID string) error {
	if err := s.requireOwner(ctx, session, documentID); err != nil {
		return err
	}
	removed, err := s.store.RevokeGrant(ctx, documentID, strings.TrimSpace(userID))
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	if !removed {
		return notFound("permission")
	}
	return nil
}

func (s *Service) ListVersions(ctx context.Context, session Session, documentID string, limit int) ([]VersionEntry, error) {
	if _, err := s.decide(ctx, session, documentID); err != nil {
		return nil, err
	}
	records, err := s.store.ListVersions(ctx, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	out := make([]VersionEntry, 0, len(records))
	for _, r := range records {
		out = append(out, VersionEntry{
			ID:        r.ID,
			Title:     r.Payload.Title,
			Content:   r.Payload.Content,
			AuthorID:  r.AuthorID,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// Search runs a full-text query and drops hits the caller cannot open.
func (s *Service) Search(ctx context.Context, session Session, text string, limit int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	resp := s.search.Search(ctx, search.Query{Text: text, Limit: limit})

	visible := make([]search.Result, 0, len(resp.Results))
	for _, result := range resp.Results {
		decision, err := s.access.Check(ctx, result.DocumentID, session.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return search.Response{}, err
		}
		if decision.Allowed() {
			visible = append(visible, result)
		}
	}
	resp.Results = visible
	resp.Total = len(visible)
	return resp, nil
}
