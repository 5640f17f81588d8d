package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "onpatrol/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// wmu serializes writers.
	wmu sync.Mutex
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

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
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrations)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.db.Close()
}

func (s *sqliteStore) AddSentItem(ctx context.Context, it SentItem) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if it.GUID == "" {
		it.GUID = uuid.NewString()
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_items(guid, bot_token, chat_id, msg_id, exp_time, deleted) VALUES(?,?,?,?,?,?)`,
		it.GUID, it.Token, it.ChatID, it.MessageID, it.ExpiresAt.UnixMilli(), boolInt(it.Deleted),
	)
	return err
}

func (s *sqliteStore) ExpiredSentItems(ctx context.Context, now time.Time, limit int) ([]SentItem, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT guid, bot_token, chat_id, msg_id, exp_time FROM sent_items
		WHERE deleted = 0 AND exp_time <= ? ORDER BY exp_time, guid`
	args := []any{now.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SentItem
	for rows.Next() {
		var it SentItem
		var exp int64
		if err := rows.Scan(&it.GUID, &it.Token, &it.ChatID, &it.MessageID, &exp); err != nil {
			return nil, err
		}
		it.ExpiresAt = time.UnixMilli(exp)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSentItemDeleted(ctx context.Context, guid string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE sent_items SET deleted = 1 WHERE guid = ?`, guid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PurgeDeletedSentItems(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sent_items WHERE deleted = 1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AppendEventLog(ctx context.Context, e EventLogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.GUID == "" {
		e.GUID = uuid.NewString()
	}
	if e.EventTime.IsZero() {
		e.EventTime = time.Now()
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO camera_log(guid, camera_id, camera_name, channel_name, channel_number, event_types, event_time, profile, min_confidence)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.GUID, nullStr(e.CameraID), e.CameraName, nullStr(e.ChannelName), nullStr(e.ChannelNumber),
		nullStr(strings.Join(e.EventTypes, ", ")), e.EventTime.UnixMilli(), nullStr(e.Profile), e.MinConfidence,
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
