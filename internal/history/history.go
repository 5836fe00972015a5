// Package history persists dispatch outcomes and bot lifecycle transitions to
// an embedded SQLite database. It consumes the event bus; nothing in the hot
// send path blocks on it.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "fleetbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrDisabled is returned by methods on a nil store.
var ErrDisabled = errors.New("history store disabled")

type Config struct {
	Enabled     bool
	Path        string
	BusyTimeout time.Duration
	// RetainDays bounds how long rows live; the prune job enforces it.
	RetainDays int
	// PruneSpec is a cron expression for the prune job.
	PruneSpec string
}

// SendRecord is one persisted dispatch or auto-reply outcome.
type SendRecord struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	ChannelID int64     `json:"channel_id"`
	Kind      string    `json:"kind"` // dispatch | reply
	Text      string    `json:"text"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// BotRecord is one persisted lifecycle or auth transition.
type BotRecord struct {
	ID     string    `json:"id"`
	BotID  string    `json:"bot_id"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the store. Returns (nil, nil) when disabled; a nil *Store
// is safe to call and reports ErrDisabled.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) AppendSend(ctx context.Context, r SendRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_log(id, bot_id, channel_id, kind, text, ok, err, at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.BotID, r.ChannelID, r.Kind, r.Text, r.OK, nullStr(r.Error),
		r.At.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) AppendBotEvent(ctx context.Context, r BotRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_log(id, bot_id, event, detail, at) VALUES(?,?,?,?,?)`,
		r.ID, r.BotID, r.Event, nullStr(r.Detail),
		r.At.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecentSends returns the newest send outcomes for one bot, newest first.
func (s *Store) RecentSends(ctx context.Context, botID string, limit int) ([]SendRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, channel_id, kind, text, ok, err, at
		 FROM send_log WHERE bot_id = ? ORDER BY at DESC LIMIT ?`,
		botID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SendRecord
	for rows.Next() {
		var r SendRecord
		var errStr sql.NullString
		var at string
		if err := rows.Scan(&r.ID, &r.BotID, &r.ChannelID, &r.Kind, &r.Text, &r.OK, &errStr, &at); err != nil {
			return nil, err
		}
		r.Error = errStr.String
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes rows older than cutoff from both tables.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	mark := cutoff.UTC().Format(time.RFC3339Nano)
	var total int64
	for _, table := range []string{"send_log", "bot_log"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE at < ?`, mark)
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
