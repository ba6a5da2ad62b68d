package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"buzzconnect/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects an insert.
	ErrConflict = errors.New("already exists")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  id                INTEGER PRIMARY KEY AUTOINCREMENT,
  username          TEXT UNIQUE NOT NULL,
  full_name         TEXT NOT NULL DEFAULT '',
  password          TEXT NOT NULL,
  bio               TEXT NOT NULL DEFAULT '',
  dob               TEXT NOT NULL DEFAULT '',
  profile_image_uri TEXT NOT NULL DEFAULT '',
  created_at        INTEGER NOT NULL,
  last_active       INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS sessions (
  id         TEXT PRIMARY KEY,
  user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  created_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS follows (
  follower   TEXT NOT NULL,
  followed   TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (follower, followed)
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  seq       INTEGER PRIMARY KEY AUTOINCREMENT,
  id        TEXT UNIQUE NOT NULL,
  sender    TEXT NOT NULL,
  receiver  TEXT NOT NULL,
  body      TEXT NOT NULL,
  timestamp INTEGER NOT NULL,
  is_voice  INTEGER NOT NULL DEFAULT 0,
  emoji     TEXT,
  is_read   INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE TABLE IF NOT EXISTS chat_requests (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  sender    TEXT NOT NULL,
  receiver  TEXT NOT NULL,
  status    TEXT NOT NULL CHECK(status IN ('pending','accepted')) DEFAULT 'pending',
  timestamp INTEGER NOT NULL,
  UNIQUE(sender, receiver)
);
`,
	`
CREATE TABLE IF NOT EXISTS mirror (
  seq       INTEGER PRIMARY KEY AUTOINCREMENT,
  id        TEXT UNIQUE NOT NULL,
  sender    TEXT NOT NULL,
  receiver  TEXT NOT NULL,
  body      TEXT NOT NULL,
  timestamp INTEGER NOT NULL,
  is_voice  INTEGER NOT NULL DEFAULT 0,
  emoji     TEXT,
  is_read   INTEGER NOT NULL DEFAULT 0
);
`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender, receiver, timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_mirror_pair ON mirror (sender, receiver, timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_requests_receiver ON chat_requests (receiver, status, id);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_follows_followed ON follows (followed);`,
}

// Store is the backend's SQLite persistence.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time

	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.log.Info().Str("path", path).Msg("database initialized")
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

// User queries

const userColumns = "id, username, full_name, password, bio, dob, profile_image_uri, created_at, last_active"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row scanner) (*models.User, error) {
	var (
		user                  models.User
		createdAt, lastActive int64
	)
	if err := row.Scan(
		&user.ID, &user.Username, &user.FullName, &user.Password, &user.Bio,
		&user.DOB, &user.ProfileImageURI, &createdAt, &lastActive,
	); err != nil {
		return nil, err
	}
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	user.LastActive = time.UnixMilli(lastActive).UTC()
	return &user, nil
}

// CreateUser inserts a new user. Password must already be hashed.
func (s *Store) CreateUser(ctx context.Context, user models.User) (*models.User, error) {
	if user.Username == "" {
		return nil, errors.New("username is required")
	}
	now := s.nowMillis()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, full_name, password, bio, dob, profile_image_uri, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Username, user.FullName, user.Password, user.Bio, user.DOB, user.ProfileImageURI, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %q: %w", user.Username, ErrConflict)
		}
		return nil, fmt.Errorf("insert user %q: %w", user.Username, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by their ID
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by their username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	return user, nil
}

// SearchUsers returns up to limit users whose username contains query, excluding one handle.
func (s *Store) SearchUsers(ctx context.Context, query, exclude string, limit int) ([]models.User, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username LIKE ? AND username != ? ORDER BY username LIMIT ?",
		"%"+query+"%", exclude, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// TouchLastActive records activity for a user.
func (s *Store) TouchLastActive(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET last_active = ? WHERE id = ?", s.nowMillis(), userID)
	return err
}

// Session queries

// CreateSession creates a new session for a user
func (s *Store) CreateSession(ctx context.Context, sessionID string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		sessionID, userID, s.nowMillis(), expiresAt.UnixMilli(),
	)
	return err
}

// GetSession retrieves an unexpired session by its ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var (
		session              models.Session
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = ? AND expires_at > ?",
		sessionID, s.nowMillis(),
	).Scan(&session.ID, &session.UserID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	session.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &session, nil
}

// DeleteSession removes a session
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	return err
}

// DeleteExpiredSessions removes sessions past their expiry.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", s.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// Follow queries

// Follow records that follower follows followed. Following twice is a no-op.
func (s *Store) Follow(ctx context.Context, follower, followed string) error {
	if follower == "" || followed == "" || follower == followed {
		return errors.New("invalid follow pair")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO follows (follower, followed, created_at) VALUES (?, ?, ?) ON CONFLICT(follower, followed) DO NOTHING",
		follower, followed, s.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("follow %q -> %q: %w", follower, followed, err)
	}
	return nil
}

// Unfollow removes a follow edge.
func (s *Store) Unfollow(ctx context.Context, follower, followed string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM follows WHERE follower = ? AND followed = ?", follower, followed)
	return err
}

// IsFollowing reports whether follower follows followed.
func (s *Store) IsFollowing(ctx context.Context, follower, followed string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM follows WHERE follower = ? AND followed = ?)",
		follower, followed,
	).Scan(&exists)
	return exists == 1, err
}

// GetFollowing lists the handles username follows, oldest first.
func (s *Store) GetFollowing(ctx context.Context, username string) ([]string, error) {
	return s.handles(ctx, "SELECT followed FROM follows WHERE follower = ? ORDER BY created_at, followed", username)
}

// FollowerCount returns how many users follow username.
func (s *Store) FollowerCount(ctx context.Context, username string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM follows WHERE followed = ?", username).Scan(&n)
	return n, err
}

// FollowingCount returns how many users username follows.
func (s *Store) FollowingCount(ctx context.Context, username string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM follows WHERE follower = ?", username).Scan(&n)
	return n, err
}

func (s *Store) handles(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
