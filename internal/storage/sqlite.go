package storage

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

	_ "modernc.org/sqlite"

	logx "smsbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, event, order_id, user_id, request_id, status, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Event, nullStr(e.OrderID), nullStr(e.UserID),
		nullStr(e.RequestID), e.Status, nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) GetAnnouncement(ctx context.Context, channelID string) (AnnouncementRef, bool, error) {
	if s == nil || s.db == nil {
		return AnnouncementRef{}, false, ErrDisabled
	}
	ref := AnnouncementRef{ChannelID: channelID}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, updated_at FROM announcement WHERE channel_id = ?`, channelID,
	).Scan(&ref.MessageID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return AnnouncementRef{}, false, nil
	}
	if err != nil {
		return AnnouncementRef{}, false, err
	}
	ref.UpdatedAt = time.UnixMilli(ms)
	return ref, true, nil
}

func (s *sqliteStore) PutAnnouncement(ctx context.Context, ref AnnouncementRef) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(ref.ChannelID) == "" || strings.TrimSpace(ref.MessageID) == "" {
		return errors.New("announcement ref is incomplete")
	}
	if ref.UpdatedAt.IsZero() {
		ref.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO announcement(channel_id, message_id, updated_at) VALUES(?,?,?)
		 ON CONFLICT(channel_id) DO UPDATE SET message_id=excluded.message_id, updated_at=excluded.updated_at`,
		ref.ChannelID, ref.MessageID, ref.UpdatedAt.UnixMilli(),
	)
	return err
}

// auditCount is used by tests.
func (s *sqliteStore) auditCount(ctx context.Context, event string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit WHERE event = ?`, event).Scan(&n)
	return n, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
