package messagelog

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// replyPreviewLimit keeps stored previews short; full replies are not kept.
const replyPreviewLimit = 120

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Run is one recorded pipeline run.
type Run struct {
	ID           string
	Phone        string
	InboundKind  string
	Intent       string
	State        string
	ReplyPreview string
	CreatedAt    time.Time
}

// Store persists pipeline runs to Postgres as an audit trail.
type Store struct {
	db db
}

// NewStore builds a Postgres-backed run log.
func NewStore(db db) *Store {
	if db == nil {
		panic("messagelog: db cannot be nil")
	}
	return &Store{db: db}
}

// Record inserts one run. A zero ID or CreatedAt is filled in here.
func (s *Store) Record(ctx context.Context, run Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.ReplyPreview = truncatePreview(run.ReplyPreview)

	if _, err := s.db.Exec(ctx, `
		INSERT INTO pipeline_runs (id, phone, inbound_kind, intent, state, reply_preview, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, run.ID, run.Phone, run.InboundKind, run.Intent, run.State, run.ReplyPreview, run.CreatedAt); err != nil {
		return fmt.Errorf("messagelog: failed to record run: %w", err)
	}
	return nil
}

// truncatePreview caps the preview at replyPreviewLimit bytes without
// splitting a multi-byte rune, so the stored value stays valid UTF-8.
func truncatePreview(s string) string {
	if len(s) <= replyPreviewLimit {
		return s
	}
	cut := replyPreviewLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Recent returns the newest runs for a phone, newest first.
func (s *Store) Recent(ctx context.Context, phone string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, phone, inbound_kind, intent, state, reply_preview, created_at
		FROM pipeline_runs
		WHERE phone = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("messagelog: failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.Phone, &run.InboundKind, &run.Intent, &run.State, &run.ReplyPreview, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("messagelog: failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messagelog: failed to read runs: %w", err)
	}
	return runs, nil
}
