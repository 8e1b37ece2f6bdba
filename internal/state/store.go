// Package state persists the conversation facts the decision engine reads:
// opt-in flags, the last bot reply per channel, recent user activity,
// per-guild tuning overrides and channel history.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"replybot/internal/decision"
	"replybot/internal/domain"
)

// Store is a SQLite-backed state store. It is safe for concurrent use.
type Store struct {
	db          *sql.DB
	burstWindow time.Duration
	logger      *slog.Logger
}

// Open opens (and migrates) the database at dbPath.
func Open(dbPath string, burstWindow time.Duration, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &Store{db: db, burstWindow: burstWindow, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// --- Guild overrides ---

// FetchGuildDecisionOverrides returns the stored overrides for a guild. A
// guild without a row (or a DM, guildID "") yields zero overrides.
func (s *Store) FetchGuildDecisionOverrides(ctx context.Context, guildID string) (decision.Overrides, error) {
	var ov decision.Overrides
	if guildID == "" {
		return ov, nil
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT overrides FROM guild_overrides WHERE guild_id = ?`, guildID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ov, nil
	}
	if err != nil {
		return ov, fmt.Errorf("fetch overrides for %s: %w", guildID, err)
	}
	if err := json.Unmarshal([]byte(raw), &ov); err != nil {
		return decision.Overrides{}, fmt.Errorf("decode overrides for %s: %w", guildID, err)
	}
	return ov, nil
}

// SetGuildDecisionOverrides replaces a guild's overrides.
func (s *Store) SetGuildDecisionOverrides(ctx context.Context, guildID string, ov decision.Overrides) error {
	data, err := json.Marshal(ov)
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO guild_overrides (guild_id, overrides, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET overrides = excluded.overrides, updated_at = excluded.updated_at`,
		guildID, string(data), time.Now().UnixMilli(),
	)
	return err
}

// ListGuildOverrides returns every stored guild override.
func (s *Store) ListGuildOverrides(ctx context.Context) (map[string]decision.Overrides, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id, overrides FROM guild_overrides ORDER BY guild_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decision.Overrides)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var ov decision.Overrides
		if err := json.Unmarshal([]byte(raw), &ov); err != nil {
			s.logger.Warn("skipping unreadable overrides", "guild", id, "err", err)
			continue
		}
		out[id] = ov
	}
	return out, rows.Err()
}

// --- Opt-in ---

// OptedIn reports whether the user allows the bot to answer them.
// Users default to opted in.
func (s *Store) OptedIn(ctx context.Context, userID string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT opted_in FROM user_prefs WHERE user_id = ?`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (s *Store) SetOptIn(ctx context.Context, userID string, optedIn bool) error {
	v := 0
	if optedIn {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_prefs (user_id, opted_in, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET opted_in = excluded.opted_in, updated_at = excluded.updated_at`,
		userID, v, time.Now().UnixMilli(),
	)
	return err
}

// --- Cooldown ---

// LastBotReply returns when the bot last replied in the channel, or nil.
func (s *Store) LastBotReply(ctx context.Context, channelID string) (*time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT replied_at FROM bot_replies WHERE channel_id = ?`, channelID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

func (s *Store) RecordBotReply(ctx context.Context, channelID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_replies (channel_id, replied_at) VALUES (?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET replied_at = excluded.replied_at`,
		channelID, at.UnixMilli(),
	)
	return err
}

// --- Burst ---

// RecordUserMessage logs one user message and prunes activity older than
// the burst window.
func (s *Store) RecordUserMessage(ctx context.Context, channelID, userID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_activity (channel_id, user_id, sent_at) VALUES (?, ?, ?)`,
		channelID, userID, at.UnixMilli(),
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_activity WHERE sent_at <= ?`, at.Add(-s.burstWindow).UnixMilli())
	return err
}

// BurstCount returns how many messages the user sent in the channel within
// the burst window ending at now.
func (s *Store) BurstCount(ctx context.Context, channelID, userID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_activity WHERE channel_id = ? AND user_id = ? AND sent_at > ? AND sent_at <= ?`,
		channelID, userID, now.Add(-s.burstWindow).UnixMilli(), now.UnixMilli(),
	).Scan(&n)
	return n, err
}

// --- History ---

func (s *Store) AppendHistory(ctx context.Context, channelID string, msg domain.Message, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		channelID, msg.Role, msg.Content, at.UnixMilli(),
	)
	return err
}

// History returns up to limit most recent messages, oldest first.
func (s *Store) History(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM (
			SELECT id, role, content FROM messages WHERE channel_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		channelID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Backup writes a consistent copy of the database to dest. dest must not
// exist yet.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup target %s already exists", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("cannot create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("backup to %s: %w", dest, err)
	}
	return nil
}
