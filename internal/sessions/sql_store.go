package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/coachd/pkg/models"
)

// SQLConfig holds configuration for a database-backed store.
type SQLConfig struct {
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default pool settings for a local SQLite file.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Dialect:         SQLite.Name,
		DSN:             "file:coachd.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	alloc   sequenceAllocator
	logger  *slog.Logger
}

// OpenSQLStore opens and pings the configured database.
func OpenSQLStore(cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	dialect, err := DialectByName(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	defaults := DefaultSQLConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	dsn := cfg.DSN
	if dialect.Name == SQLite.Name {
		dsn = sqliteWriterDSN(dsn)
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewSQLStore(db, dialect, logger), nil
}

// sqliteWriterDSN makes every transaction take the write lock at BEGIN and
// wait on a busy timeout, so concurrent appenders queue instead of failing
// the read-to-write upgrade.
func sqliteWriterDSN(dsn string) string {
	var extra []string
	if !strings.Contains(dsn, "_txlock=") {
		extra = append(extra, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		extra = append(extra, "_pragma=busy_timeout(5000)")
	}
	if len(extra) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(extra, "&")
}

// NewSQLStore wraps an existing connection pool.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		alloc:   newSequenceAllocator(logger),
		logger:  logger,
	}
}

// DB exposes the underlying connection pool for migrations.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL dialect.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// OnConflict registers an observer for sequence conflicts.
func (s *SQLStore) OnConflict(fn ConflictObserver) {
	s.alloc.onConflict = fn
}

const sessionColumns = `id, owner_id, title, status, context_start_sequence,
	input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd,
	created_at, updated_at`

func (s *SQLStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.OwnerID == "" {
		return errors.New("session owner is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = models.SessionActive
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.UpdatedAt = session.CreatedAt

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.OwnerID, session.Title, string(session.Status), session.ContextStartSequence,
		session.Usage.InputTokens, session.Usage.OutputTokens, session.Usage.CacheReadTokens,
		session.Usage.CacheWriteTokens, session.Usage.CostUSD,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session models.Session
		status  string
	)
	err := row.Scan(
		&session.ID, &session.OwnerID, &session.Title, &status, &session.ContextStartSequence,
		&session.Usage.InputTokens, &session.Usage.OutputTokens, &session.Usage.CacheReadTokens,
		&session.Usage.CacheWriteTokens, &session.Usage.CostUSD,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Status = models.SessionStatus(status)
	return &session, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Session, error) {
	var (
		where []string
		args  []any
	)
	if ownerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, ownerID)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if !opts.IdleBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, opts.IdleBefore)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			// SQLite only accepts OFFSET after a LIMIT clause.
			if s.dialect.numbered {
				query += ` LIMIT ALL`
			} else {
				query += ` LIMIT -1`
			}
		}
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status models.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status %q", status)
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) AddUsage(ctx context.Context, id string, usage models.SessionUsage) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE sessions SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			cache_write_tokens = cache_write_tokens + ?,
			cost_usd = cost_usd + ?
		WHERE id = ?`),
		usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheWriteTokens, usage.CostUSD, id)
	if err != nil {
		return fmt.Errorf("failed to add session usage: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, sessionID string, kind models.EventKind, payload any, opts AppendOptions) (*models.Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventKind, kind)
	}
	data, err := models.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	return s.alloc.append(ctx, sessionID, func(ctx context.Context) (*models.Event, error) {
		return s.appendOnce(ctx, sessionID, kind, data, opts)
	})
}

// appendOnce performs a single read-max/insert cycle inside a transaction.
func (s *SQLStore) appendOnce(ctx context.Context, sessionID string, kind models.EventKind, payload []byte, opts AppendOptions) (*models.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if s.dialect.isConflict(err) {
			return nil, fmt.Errorf("%w: session %s: %v", ErrSequenceConflict, sessionID, err)
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		sessionCount int64
		maxSeq       int64
	)
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT (SELECT COUNT(*) FROM sessions WHERE id = ?), COALESCE(MAX(sequence_number), 0)
		FROM session_events WHERE session_id = ?`),
		sessionID, sessionID,
	).Scan(&sessionCount, &maxSeq)
	if err != nil {
		if s.dialect.isConflict(err) {
			return nil, fmt.Errorf("%w: session %s: %v", ErrSequenceConflict, sessionID, err)
		}
		return nil, fmt.Errorf("failed to read max sequence: %w", err)
	}
	if sessionCount == 0 {
		return nil, ErrSessionNotFound
	}

	ev := &models.Event{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Sequence:   maxSeq + 1,
		Kind:       kind,
		Payload:    payload,
		DurationMs: durationMillis(opts.Duration),
		CreatedAt:  time.Now().UTC(),
	}

	var duration sql.NullInt64
	if ev.DurationMs != nil {
		duration = sql.NullInt64{Int64: *ev.DurationMs, Valid: true}
	}
	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO session_events (id, session_id, sequence_number, kind, payload, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.SessionID, ev.Sequence, string(ev.Kind), string(ev.Payload), duration, ev.CreatedAt,
	)
	if err != nil {
		if s.dialect.isConflict(err) {
			return nil, fmt.Errorf("%w: session %s sequence %d: %v", ErrSequenceConflict, sessionID, ev.Sequence, err)
		}
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`), ev.CreatedAt, sessionID); err != nil {
		if s.dialect.isConflict(err) {
			return nil, fmt.Errorf("%w: session %s sequence %d: %v", ErrSequenceConflict, sessionID, ev.Sequence, err)
		}
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.isConflict(err) {
			return nil, fmt.Errorf("%w: session %s sequence %d: %v", ErrSequenceConflict, sessionID, ev.Sequence, err)
		}
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}
	return ev, nil
}

func (s *SQLStore) Events(ctx context.Context, sessionID string, filter EventFilter) ([]*models.Event, error) {
	query := `SELECT id, session_id, sequence_number, kind, payload, duration_ms, created_at
		FROM session_events WHERE session_id = ? AND sequence_number > ?`
	args := []any{sessionID, filter.AfterSequence}

	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, kind := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, string(kind))
		}
		query += ` AND kind IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY sequence_number ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var (
			ev       models.Event
			kind     string
			payload  []byte
			duration sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Sequence, &kind, &payload, &duration, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.Payload = payload
		if duration.Valid {
			ms := duration.Int64
			ev.DurationMs = &ms
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	if len(out) == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
