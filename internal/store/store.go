package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type dialect struct {
	name     string
	rebind   func(string) string
	setTitle string
	search   string
}

func (d dialect) q(query string) string {
	if d.rebind == nil {
		return query
	}
	return d.rebind(query)
}

// SQLStore is the durable document store. The same queries run against
// Postgres and the embedded sqlite backend; only the dialect differs.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) timestamp() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return time.Now().UTC()
}

// Users

func (s *SQLStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, s.dialect.q(`
		INSERT INTO users (id, email, display_name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`), user.ID, strings.ToLower(user.Email), user.DisplayName, user.PasswordHash, s.timestamp())
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, s.dialect.q(`
		SELECT id, email, display_name, password_hash, created_at FROM users WHERE id = $1
	`), userID))
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, s.dialect.q(`
		SELECT id, email, display_name, password_hash, created_at FROM users WHERE email = $1
	`), strings.ToLower(email)))
}

func (s *SQLStore) scanUser(row *sql.Row) (User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt); err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

// Documents

func (s *SQLStore) CreateDocument(ctx context.Context, doc Document) error {
	raw, err := doc.Payload.encode()
	if err != nil {
		return err
	}
	now := s.timestamp()
	_, err = s.db.ExecContext(ctx, s.dialect.q(`
		INSERT INTO documents (id, owner_id, visibility, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`), doc.ID, doc.OwnerID, doc.Visibility, raw, now)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// EnsureDocument inserts doc unless a row with the same id already exists.
// It reports whether this call created the row.
func (s *SQLStore) EnsureDocument(ctx context.Context, doc Document) (bool, error) {
	raw, err := doc.Payload.encode()
	if err != nil {
		return false, err
	}
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, s.dialect.q(`
		INSERT INTO documents (id, owner_id, visibility, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`), doc.ID, doc.OwnerID, doc.Visibility, raw, now)
	if err != nil {
		return false, fmt.Errorf("ensure document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure document rows: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.q(`
		SELECT id, owner_id, visibility, data, created_at, updated_at
		FROM documents
		WHERE id = $1
	`), documentID)
	return scanDocument(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc Document
		raw []byte
	)
	if err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Visibility, &raw, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return Document{}, notFound(err)
	}
	payload, err := decodePayload(raw)
	if err != nil {
		return Document{}, err
	}
	doc.Payload = payload
	return doc, nil
}

// UpdateDocumentContent writes the full payload through to storage.
func (s *SQLStore) UpdateDocumentContent(ctx context.Context, documentID string, payload Payload) error {
	raw, err := payload.encode()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.q(`
		UPDATE documents SET data = $2, updated_at = $3 WHERE id = $1
	`), documentID, raw, s.timestamp())
	if err != nil {
		return fmt.Errorf("update document content: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) UpdateDocumentTitle(ctx context.Context, documentID, title string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.q(s.dialect.setTitle), documentID, title, s.timestamp())
	if err != nil {
		return fmt.Errorf("update document title: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) SetVisibility(ctx context.Context, documentID, visibility string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.q(`
		UPDATE documents SET visibility = $2, updated_at = $3 WHERE id = $1
	`), documentID, visibility, s.timestamp())
	if err != nil {
		return fmt.Errorf("set visibility: %w", err)
	}
	return requireRow(res)
}

// DeleteDocument removes the document and its grants. Version records are kept.
func (s *SQLStore) DeleteDocument(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.q(`DELETE FROM document_permissions WHERE document_id = $1`), documentID); err != nil {
		return fmt.Errorf("delete grants: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.dialect.q(`DELETE FROM documents WHERE id = $1`), documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete document: %w", err)
	}
	return nil
}

// ListDocumentsForUser returns documents the user owns or holds a grant on.
func (s *SQLStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.q(`
		SELECT id, owner_id, visibility, data, created_at, updated_at
		FROM documents
		WHERE owner_id = $1
			OR id IN (SELECT document_id FROM document_permissions WHERE user_id = $1)
		ORDER BY updated_at DESC
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return collectDocuments(rows)
}

func (s *SQLStore) SearchDocuments(ctx context.Context, text string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.q(s.dialect.search), "%"+escapeLike(text)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	return collectDocuments(rows)
}

func collectDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()
	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer("%", "", "_", "")
	return replacer.Replace(value)
}

// Access control rows

func (s *SQLStore) GetAccessRow(ctx context.Context, documentID string) (AccessRow, error) {
	row := AccessRow{DocumentID: documentID}
	err := s.db.QueryRowContext(ctx, s.dialect.q(`
		SELECT owner_id, visibility FROM documents WHERE id = $1
	`), documentID).Scan(&row.OwnerID, &row.Visibility)
	if err != nil {
		return AccessRow{}, notFound(err)
	}
	return row, nil
}

func (s *SQLStore) GetGrant(ctx context.Context, documentID, userID string) (Grant, error) {
	grant := Grant{DocumentID: documentID, UserID: userID}
	err := s.db.QueryRowContext(ctx, s.dialect.q(`
		SELECT level, granted_at FROM document_permissions WHERE document_id = $1 AND user_id = $2
	`), documentID, userID).Scan(&grant.Level, &grant.GrantedAt)
	if err != nil {
		return Grant{}, notFound(err)
	}
	return grant, nil
}

// UpsertGrant creates or overwrites the user's level on the document.
func (s *SQLStore) UpsertGrant(ctx context.Context, grant Grant) error {
	_, err := s.db.ExecContext(ctx, s.dialect.q(`
		INSERT INTO document_permissions (document_id, user_id, level, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, user_id) DO UPDATE SET level = excluded.level, granted_at = excluded.granted_at
	`), grant.DocumentID, grant.UserID, grant.Level, s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func (s *SQLStore) RevokeGrant(ctx context.Context, documentID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.q(`
		DELETE FROM document_permissions WHERE document_id = $1 AND user_id = $2
	`), documentID, userID)
	if err != nil {
		return false, fmt.Errorf("revoke grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke grant rows: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLStore) ListGrants(ctx context.Context, documentID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.q(`
		SELECT p.document_id, p.user_id, p.level, p.granted_at, u.email, u.display_name
		FROM document_permissions p
		JOIN users u ON u.id = p.user_id
		WHERE p.document_id = $1
		ORDER BY p.granted_at ASC
	`), documentID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	items := make([]Grant, 0)
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.DocumentID, &g.UserID, &g.Level, &g.GrantedAt, &g.UserEmail, &g.UserName); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		items = append(items, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grants: %w", err)
	}
	return items, nil
}

// Versions

func (s *SQLStore) AppendVersion(ctx context.Context, record VersionRecord) (VersionRecord, error) {
	raw, err := record.Payload.encode()
	if err != nil {
		return VersionRecord{}, err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.timestamp()
	}
	err = s.db.QueryRowContext(ctx, s.dialect.q(`
		INSERT INTO document_versions (document_id, content, created_by, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`), record.DocumentID, raw, record.AuthorID, record.CreatedAt.UTC()).Scan(&record.ID)
	if err != nil {
		return VersionRecord{}, fmt.Errorf("append version: %w", err)
	}
	return record, nil
}

func (s *SQLStore) ListVersions(ctx context.Context, documentID string, limit int) ([]VersionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.q(`
		SELECT id, document_id, content, created_by, created_at
		FROM document_versions
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`), documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]VersionRecord, 0)
	for rows.Next() {
		var (
			v   VersionRecord
			raw []byte
		)
		if err := rows.Scan(&v.ID, &v.DocumentID, &raw, &v.AuthorID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if v.Payload, err = decodePayload(raw); err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
