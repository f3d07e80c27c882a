package store

import "database/sql"

var postgresDialect = dialect{
	name: "postgres",
	setTitle: `
		UPDATE documents
		SET data = jsonb_set(data, '{title}', to_jsonb($2::text)), updated_at = $3
		WHERE id = $1
	`,
	search: `
		SELECT id, owner_id, visibility, data, created_at, updated_at
		FROM documents
		WHERE data->>'title' ILIKE $1 OR data->>'content' ILIKE $1
		ORDER BY updated_at DESC
		LIMIT $2
	`,
}

func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: postgresDialect}
}
