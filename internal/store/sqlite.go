package store

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

	"github.com/namajain/kily-agent/internal/domain"
	"github.com/namajain/kily-agent/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets readers proceed while a transcript append is in flight.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS profiles (
		profile_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		sources_json TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_user ON profiles(user_id);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		profile_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, last_activity_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS download_records (
		profile_id TEXT NOT NULL,
		date TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_attempt_at INTEGER NOT NULL,
		error_message TEXT,
		PRIMARY KEY (profile_id, date, filename)
	);
	CREATE INDEX IF NOT EXISTS idx_download_records_date ON download_records(date);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetProfile retrieves a profile by ID.
func (s *SQLiteStore) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT profile_id, user_id, name, sources_json, active, created_at
		FROM profiles WHERE profile_id = ?`, profileID)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}
	return p, nil
}

// ListProfiles returns the active profiles owned by a user.
func (s *SQLiteStore) ListProfiles(ctx context.Context, userID string) ([]*domain.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_id, user_id, name, sources_json, active, created_at
		FROM profiles WHERE user_id = ? AND active = 1
		ORDER BY created_at DESC, profile_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close profile rows", "error", closeErr)
		}
	}()

	var profiles []*domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*domain.Profile, error) {
	var p domain.Profile
	var sourcesJSON string
	var active int
	var createdAt int64
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &sourcesJSON, &active, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &p.DataSources); err != nil {
		return nil, fmt.Errorf("decode data sources for %s: %w", p.ID, err)
	}
	p.Active = active != 0
	p.CreatedAt = unixMilli(createdAt)
	return &p, nil
}

// UpsertProfile creates or updates a profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, profile *domain.Profile) error {
	sources, err := json.Marshal(profile.DataSources)
	if err != nil {
		return fmt.Errorf("encode data sources: %w", err)
	}
	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
	INSERT INTO profiles (profile_id, user_id, name, sources_json, active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(profile_id) DO UPDATE SET
		user_id = excluded.user_id,
		name = excluded.name,
		sources_json = excluded.sources_json,
		active = excluded.active,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, s.retry, "upsert profile", func() error {
		_, err := s.db.ExecContext(ctx, query,
			profile.ID, profile.UserID, profile.Name, string(sources),
			boolToInt(profile.Active), createdAt.UnixMilli(), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert profile: %w", err)
		}
		return nil
	})
}

// CreateSession records a new session header.
func (s *SQLiteStore) CreateSession(ctx context.Context, session domain.StoredSession) error {
	return shared.RetryOnConflict(ctx, s.retry, "create session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_id, user_id, profile_id, created_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?)`,
			session.SessionID, session.UserID, session.ProfileID,
			session.CreatedAt.UnixMilli(), session.LastActivityAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session header.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.StoredSession, error) {
	var sess domain.StoredSession
	var createdAt, lastActivity int64
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, profile_id, created_at, last_activity_at
		FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.SessionID, &sess.UserID, &sess.ProfileID, &createdAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	sess.CreatedAt = unixMilli(createdAt)
	sess.LastActivityAt = unixMilli(lastActivity)
	return &sess, nil
}

// AppendMessage appends a message and bumps the session's last activity.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) error {
	return shared.RetryOnConflict(ctx, s.retry, "append message", func() error {
		return s.appendMessage(ctx, sessionID, msg)
	})
}

func (s *SQLiteStore) appendMessage(ctx context.Context, sessionID string, msg domain.Message) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ts := msg.Timestamp.UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET last_activity_at = MAX(last_activity_at, ?)
		WHERE session_id = ?`, ts, sessionID)
	if err != nil {
		return fmt.Errorf("update session activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`, sessionID, string(msg.Role), msg.Content, ts); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// LoadTranscript returns all messages of a session in append order.
func (s *SQLiteStore) LoadTranscript(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM messages
		WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close transcript rows", "error", closeErr)
		}
	}()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		var ts int64
		if err := rows.Scan(&role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.Timestamp = unixMilli(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListSessions returns a user's sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]domain.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.profile_id, s.created_at, s.last_activity_at,
		       COUNT(m.id),
		       COALESCE((SELECT content FROM messages
		                 WHERE session_id = s.session_id AND role = 'user'
		                 ORDER BY id LIMIT 1), '')
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.session_id
		WHERE s.user_id = ?
		GROUP BY s.session_id
		ORDER BY s.last_activity_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close session rows", "error", closeErr)
		}
	}()

	var out []domain.SessionSummary
	for rows.Next() {
		var sum domain.SessionSummary
		var createdAt, lastActivity int64
		if err := rows.Scan(&sum.SessionID, &sum.ProfileID, &createdAt, &lastActivity,
			&sum.MessageCount, &sum.Preview); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.CreatedAt = unixMilli(createdAt)
		sum.LastActivityAt = unixMilli(lastActivity)
		sum.Preview = preview(sum.Preview, 80)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetDownload returns the record for (profile, date, filename), or nil if none exists.
func (s *SQLiteStore) GetDownload(ctx context.Context, profileID, date, filename string) (*domain.DownloadRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT profile_id, date, filename, file_path, size_bytes, status, last_attempt_at, error_message
		FROM download_records WHERE profile_id = ? AND date = ? AND filename = ?`,
		profileID, date, filename)

	rec, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan download row: %w", err)
	}
	return rec, nil
}

func scanDownload(row rowScanner) (*domain.DownloadRecord, error) {
	var rec domain.DownloadRecord
	var status string
	var lastAttempt int64
	var errMsg sql.NullString
	if err := row.Scan(&rec.ProfileID, &rec.Date, &rec.Filename, &rec.FilePath,
		&rec.SizeBytes, &status, &lastAttempt, &errMsg); err != nil {
		return nil, err
	}
	rec.Status = domain.DownloadStatus(status)
	rec.LastAttemptAt = unixMilli(lastAttempt)
	rec.ErrorMessage = errMsg.String
	return &rec, nil
}

// UpsertDownload creates or replaces the record for its (profile, date, filename) key.
func (s *SQLiteStore) UpsertDownload(ctx context.Context, rec *domain.DownloadRecord) error {
	query := `
	INSERT INTO download_records (profile_id, date, filename, file_path, size_bytes, status, last_attempt_at, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(profile_id, date, filename) DO UPDATE SET
		file_path = excluded.file_path,
		size_bytes = excluded.size_bytes,
		status = excluded.status,
		last_attempt_at = excluded.last_attempt_at,
		error_message = excluded.error_message`

	var errMsg any
	if rec.ErrorMessage != "" {
		errMsg = rec.ErrorMessage
	}

	return shared.RetryOnConflict(ctx, s.retry, "upsert download", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ProfileID, rec.Date, rec.Filename, rec.FilePath, rec.SizeBytes,
			string(rec.Status), rec.LastAttemptAt.UnixMilli(), errMsg)
		if err != nil {
			return fmt.Errorf("upsert download record: %w", err)
		}
		return nil
	})
}

// ListDownloadsBefore returns every record with a date strictly before the given date.
func (s *SQLiteStore) ListDownloadsBefore(ctx context.Context, date string) ([]*domain.DownloadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_id, date, filename, file_path, size_bytes, status, last_attempt_at, error_message
		FROM download_records WHERE date < ? ORDER BY date, profile_id, filename`, date)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("Failed to close download rows", "error", closeErr)
		}
	}()

	var out []*domain.DownloadRecord
	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteDownloadsBefore removes every record with a date strictly before the given date.
func (s *SQLiteStore) DeleteDownloadsBefore(ctx context.Context, date string) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, s.retry, "delete downloads", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM download_records WHERE date < ?`, date)
		if err != nil {
			return fmt.Errorf("delete download records: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
