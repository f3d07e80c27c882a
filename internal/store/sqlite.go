package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	visibility TEXT NOT NULL DEFAULT 'public' CHECK (visibility IN ('public', 'private')),
	data TEXT NOT NULL DEFAULT '{"title":"","content":""}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);

CREATE TABLE IF NOT EXISTS document_permissions (
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	level TEXT NOT NULL CHECK (level IN ('view', 'edit')),
	granted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (document_id, user_id)
);

CREATE TABLE IF NOT EXISTS document_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	content TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_document_versions_document ON document_versions(document_id, created_at DESC);

CREATE TRIGGER IF NOT EXISTS trg_document_versions_block_update
BEFORE UPDATE ON document_versions
BEGIN
	SELECT RAISE(ABORT, 'document_versions is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_document_versions_block_delete
BEFORE DELETE ON document_versions
BEGIN
	SELECT RAISE(ABORT, 'document_versions is append-only');
END;
`

var positional = regexp.MustCompile(`\$(\d+)`)

var sqliteDialect = dialect{
	name: "sqlite",
	// ?NNN keeps repeated parameters bound to the same argument.
	rebind: func(query string) string {
		return positional.ReplaceAllString(query, "?$1")
	},
	setTitle: `
		UPDATE documents
		SET data = json_set(data, '$.title', $2), updated_at = $3
		WHERE id = $1
	`,
	search: `
		SELECT id, owner_id, visibility, data, created_at, updated_at
		FROM documents
		WHERE json_extract(data, '$.title') LIKE $1 OR json_extract(data, '$.content') LIKE $1
		ORDER BY updated_at DESC
		LIMIT $2
	`,
}

// OpenSQLite opens (creating if needed) an embedded database file. Used for
// single-node deployments and tests.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under concurrent flushes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return db, nil
}

func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: sqliteDialect}
}
