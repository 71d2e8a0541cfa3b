// Package postgres provides the Postgres-backed media store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

const (
	defaultTable = "media"
	// insertChunkRows keeps each INSERT well under Postgres' 65535 bind
	// parameter limit (three parameters per row).
	insertChunkRows = 1000
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// MediaStoreConfig controls the Postgres connection pool used for media rows.
type MediaStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// MediaStore persists media records in Postgres. It implements
// scraper.MediaStore and scraper.MediaReader.
type MediaStore struct {
	pool  pgxPool
	table string
}

// NewMediaStore creates a Postgres-backed MediaStore using the provided config.
func NewMediaStore(ctx context.Context, cfg MediaStoreConfig) (*MediaStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &MediaStore{pool: pool, table: table}, nil
}

// NewMediaStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewMediaStoreWithPool(pool pgxPool, table string) (*MediaStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &MediaStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *MediaStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *MediaStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// AlreadyScraped reports whether any record exists for sourceURL.
func (s *MediaStore) AlreadyScraped(ctx context.Context, sourceURL string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE source_url = $1)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, sourceURL).Scan(&exists); err != nil {
		return false, fmt.Errorf("check source url: %w", err)
	}
	return exists, nil
}

// WriteCandidates inserts all candidates with a conflict-ignore policy and
// returns the number offered. Rows already present are left untouched.
// Batches larger than one statement are written in a single transaction so a
// failed chunk never leaves a partial page behind the pre-check.
func (s *MediaStore) WriteCandidates(ctx context.Context, candidates []scraper.Candidate) (int, error) {
	switch {
	case len(candidates) == 0:
		return 0, nil
	case len(candidates) <= insertChunkRows:
		query, args := s.buildInsert(candidates)
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("insert media: %w", err)
		}
		return len(candidates), nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin media insert: %w", err)
	}
	for start := 0; start < len(candidates); start += insertChunkRows {
		end := min(start+insertChunkRows, len(candidates))
		query, args := s.buildInsert(candidates[start:end])
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			err = fmt.Errorf("insert media: %w", err)
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback media insert: %w", rbErr))
			}
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit media insert: %w", err)
	}
	return len(candidates), nil
}

func (s *MediaStore) buildInsert(rows []scraper.Candidate) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (source_url, media_url, type) VALUES ", s.table)
	args := make([]any, 0, len(rows)*3)
	for i, c := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * 3
		fmt.Fprintf(&b, "($%d, $%d, $%d)", n+1, n+2, n+3)
		args = append(args, c.SourceURL, c.MediaURL, string(c.Kind))
	}
	b.WriteString(" ON CONFLICT DO NOTHING")
	return b.String(), args
}

// ListMedia returns one page of records, newest first, with the total number
// of rows matching the filters.
func (s *MediaStore) ListMedia(ctx context.Context, q scraper.MediaQuery) (scraper.MediaPage, error) {
	where, args := buildFilter(q)

	var total int64
	countSQL := fmt.Sprintf("SELECT count(*) FROM %s%s", s.table, where)
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return scraper.MediaPage{}, fmt.Errorf("count media: %w", err)
	}

	n := len(args)
	listSQL := fmt.Sprintf(
		"SELECT id, source_url, media_url, type, created_at FROM %s%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		s.table, where, n+1, n+2,
	)
	rows, err := s.pool.Query(ctx, listSQL, append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return scraper.MediaPage{}, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	records := make([]scraper.MediaRecord, 0, q.PageSize)
	for rows.Next() {
		var (
			rec  scraper.MediaRecord
			kind string
		)
		if err := rows.Scan(&rec.ID, &rec.SourceURL, &rec.MediaURL, &kind, &rec.CreatedAt); err != nil {
			return scraper.MediaPage{}, fmt.Errorf("scan media: %w", err)
		}
		rec.Kind = scraper.MediaKind(kind)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return scraper.MediaPage{}, fmt.Errorf("iterate media: %w", err)
	}
	return scraper.MediaPage{Total: total, Records: records}, nil
}

func buildFilter(q scraper.MediaQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if q.Kind != "" {
		args = append(args, string(q.Kind))
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		clauses = append(clauses, fmt.Sprintf("media_url ILIKE $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
