package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema creates the media table and its indexes if they are missing.
// The unique index on (source_url, media_url) is what makes repeated inserts
// of the same pair a no-op.
func (s *MediaStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.schemaStatements() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *MediaStore) schemaStatements() []string {
	t := s.table
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id SERIAL PRIMARY KEY,
	source_url TEXT NOT NULL,
	media_url TEXT NOT NULL,
	type VARCHAR(10) NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`, t),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_source_media_key ON %s (source_url, media_url)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_type ON %s (type)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_media_url ON %s (media_url)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at DESC)`, t, t),
	}
}
