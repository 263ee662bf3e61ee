// Package store keeps raw and decoded message bodies in a messages table on
// SQLite or Postgres.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/dhcgn/mailtext/model"
)

//go:embed schema.sql
var schema string

var ErrNotFound = errors.New("message not found")

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Row is one stored message. Decoded is false until content_text is set.
type Row struct {
	ID         string
	Hash       string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt time.Time
	Content    string
	Decoded    bool
	Text       string
	Preview    string
	Encoded    bool
	Degraded   []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Decoded is the result written back by UpdateDecoded.
type Decoded struct {
	Text     string
	Preview  string
	Encoded  bool
	Degraded []string
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to dsn. postgres:// and postgresql:// URLs use pgx; anything
// else is a SQLite file path whose directory is created if missing. The
// schema is applied before Open returns.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is empty")
	}

	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	if isPostgres(dsn) {
		dialect = DialectPostgres
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(4)
		db.SetMaxOpenConns(8)
	} else {
		dialect = DialectSQLite
		db, err = openSQLite(dsn)
		if err != nil {
			return nil, err
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer at a time; also keeps :memory: on a single connection
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const columns = `id, hash, message_id, subject, sender, received_at, content,
	content_text, preview, encoded, degraded, created_at, updated_at`

// Save inserts msg or, when a row with the same hash exists, refreshes its
// envelope fields and decoded text. It returns the row id.
func (s *Store) Save(ctx context.Context, msg model.Message) (string, error) {
	if msg.Hash == "" {
		return "", fmt.Errorf("save %s: message hash is empty", msg.ID)
	}

	now := formatTime(s.now())
	var text, preview sql.NullString
	if msg.Text != "" || msg.Preview != "" {
		text = sql.NullString{String: msg.Text, Valid: true}
		preview = sql.NullString{String: msg.Preview, Valid: true}
	}

	query := s.rebind(`INSERT INTO messages (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender = excluded.sender,
			received_at = excluded.received_at,
			content_text = COALESCE(excluded.content_text, messages.content_text),
			preview = COALESCE(excluded.preview, messages.preview),
			encoded = excluded.encoded,
			degraded = excluded.degraded,
			updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(),
		msg.Hash,
		msg.ID,
		msg.Subject,
		msg.From,
		formatTime(msg.ReceivedAt),
		msg.Body,
		text,
		preview,
		boolInt(msg.Encoded),
		strings.Join(msg.Degraded, ","),
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("save %s: %w", msg.ID, err)
	}

	var id string
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM messages WHERE hash = ?`), msg.Hash).Scan(&id); err != nil {
		return "", fmt.Errorf("save %s: read id: %w", msg.ID, err)
	}
	return id, nil
}

// Write implements runner.Sink.
func (s *Store) Write(ctx context.Context, msg model.Message) error {
	_, err := s.Save(ctx, msg)
	return err
}

func (s *Store) GetByHash(ctx context.Context, hash string) (Row, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+columns+` FROM messages WHERE hash = ?`), hash)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("get %s: %w", hash, err)
	}
	return r, nil
}

// ListPending returns up to limit rows with id greater than afterID, ordered
// by id. Without all only rows that have no decoded text are returned.
func (s *Store) ListPending(ctx context.Context, afterID string, limit int, all bool) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + columns + ` FROM messages WHERE id > ?`
	if !all {
		query += ` AND content_text IS NULL`
	}
	query += ` ORDER BY id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("list pending: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateDecoded(ctx context.Context, id string, d Decoded) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE messages
		SET content_text = ?, preview = ?, encoded = ?, degraded = ?, updated_at = ?
		WHERE id = ?`),
		d.Text, d.Preview, boolInt(d.Encoded), strings.Join(d.Degraded, ","), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored rows and how many still lack decoded text.
func (s *Store) Count(ctx context.Context) (total, pending int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN content_text IS NULL THEN 1 ELSE 0 END), 0) FROM messages`,
	).Scan(&total, &pending)
	if err != nil {
		return 0, 0, fmt.Errorf("count: %w", err)
	}
	return total, pending, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (Row, error) {
	var (
		r                 Row
		received, created string
		updated, degraded string
		text, preview     sql.NullString
		encoded           int64
	)
	err := sc.Scan(&r.ID, &r.Hash, &r.MessageID, &r.Subject, &r.From, &received, &r.Content,
		&text, &preview, &encoded, &degraded, &created, &updated)
	if err != nil {
		return Row{}, err
	}

	r.ReceivedAt = parseTime(received)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	r.Decoded = text.Valid
	r.Text = text.String
	r.Preview = preview.String
	r.Encoded = encoded != 0
	if degraded != "" {
		r.Degraded = strings.Split(degraded, ",")
	}
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
