// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/namajain/kily-agent/internal/domain"
)

// Lookup errors.
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrSessionNotFound = errors.New("session not found")
)

// ProfileStore reads and seeds analysis profiles.
type ProfileStore interface {
	// GetProfile retrieves a profile by ID. Returns ErrProfileNotFound if absent.
	GetProfile(ctx context.Context, profileID string) (*domain.Profile, error)

	// ListProfiles returns the active profiles owned by a user.
	ListProfiles(ctx context.Context, userID string) ([]*domain.Profile, error)

	// UpsertProfile creates or updates a profile.
	UpsertProfile(ctx context.Context, profile *domain.Profile) error
}

// TranscriptStore is the durable session/message record.
type TranscriptStore interface {
	// CreateSession records a new session header.
	CreateSession(ctx context.Context, session domain.StoredSession) error

	// GetSession retrieves a session header. Returns ErrSessionNotFound if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.StoredSession, error)

	// AppendMessage appends a message and bumps the session's last activity.
	AppendMessage(ctx context.Context, sessionID string, msg domain.Message) error

	// LoadTranscript returns all messages of a session in append order.
	LoadTranscript(ctx context.Context, sessionID string) ([]domain.Message, error)

	// ListSessions returns a user's sessions, most recently active first.
	ListSessions(ctx context.Context, userID string) ([]domain.SessionSummary, error)
}

// DownloadStore tracks context-cache materializations.
type DownloadStore interface {
	// GetDownload returns the record for (profile, date, filename), or nil if none exists.
	GetDownload(ctx context.Context, profileID, date, filename string) (*domain.DownloadRecord, error)

	// UpsertDownload creates or replaces the record for its (profile, date, filename) key.
	UpsertDownload(ctx context.Context, rec *domain.DownloadRecord) error

	// ListDownloadsBefore returns every record with a date strictly before the given date.
	ListDownloadsBefore(ctx context.Context, date string) ([]*domain.DownloadRecord, error)

	// DeleteDownloadsBefore removes every record with a date strictly before the given date.
	DeleteDownloadsBefore(ctx context.Context, date string) (int64, error)
}

// Repository is the full persistence surface backed by one database.
type Repository interface {
	ProfileStore
	TranscriptStore
	DownloadStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

func unixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
