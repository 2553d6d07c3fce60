package orchestrator

import (
	"context"
	"errors"

	"github.com/namajain/kily-agent/internal/analysis"
	"github.com/namajain/kily-agent/internal/contextcache"
	"github.com/namajain/kily-agent/internal/session"
	"github.com/namajain/kily-agent/internal/store"
)

// UserMessage maps an operation error to text that is safe to show a client.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrExpired):
		return "Session expired. Restore it to continue."
	case errors.Is(err, session.ErrNotFound):
		return "Session not found."
	case errors.Is(err, session.ErrDurableWrite):
		return "Could not save your message. Please try again."
	case errors.Is(err, store.ErrProfileNotFound), errors.Is(err, ErrProfileNotOwned):
		return "Profile not found."
	case errors.Is(err, ErrProfileInactive):
		return "This profile is not active."
	case errors.Is(err, contextcache.ErrNoDataAvailable):
		return "None of this profile's data sources could be loaded."
	case errors.Is(err, analysis.ErrEmptyQuery):
		return "Please enter a question."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "The request timed out. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

// Retryable reports whether the client may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, session.ErrDurableWrite) ||
		errors.Is(err, context.DeadlineExceeded)
}
