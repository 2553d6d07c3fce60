// Package transport serves the chat protocol over WebSocket.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Inbound event types.
const (
	EventStartSession      = "start_session"
	EventSubmitQuery       = "submit_query"
	EventRestoreSession    = "restore_session"
	EventEndSession        = "end_session"
	EventGetHistory        = "get_history"
	EventGetContextSummary = "get_context_summary"
	EventPing              = "ping"
)

// Outbound event types.
const (
	EventSessionStarted  = "session_started"
	EventProcessing      = "processing"
	EventAnswer          = "answer"
	EventSessionRestored = "session_restored"
	EventSessionEnded    = "session_ended"
	EventSessionExpired  = "session_expired"
	EventHistory         = "history"
	EventContextSummary  = "context_summary"
	EventPong            = "pong"
	EventError           = "error"
)

// MaxQueryBytes bounds a submitted question.
const MaxQueryBytes = 8 * 1024

// Inbound is a client event. Which fields are required depends on Type.
type Inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

type startSessionPayload struct {
	UserID    string `validate:"omitempty,max=128"`
	ProfileID string `validate:"required,max=128"`
}

type submitQueryPayload struct {
	SessionID string `validate:"required,max=128"`
	Text      string `validate:"required,maxbytes"`
}

type sessionRefPayload struct {
	SessionID string `validate:"required,max=128"`
}

// Outbound is a server event.
type Outbound struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

var eventValidate *validator.Validate

func init() {
	eventValidate = validator.New()
	_ = eventValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxQueryBytes
	})
}

var errUnknownEvent = errors.New("unknown event type")

// validateInbound checks the fields the event type requires.
func validateInbound(in *Inbound) error {
	in.Text = strings.TrimSpace(in.Text)
	var payload any
	switch in.Type {
	case EventStartSession:
		payload = startSessionPayload{UserID: in.UserID, ProfileID: in.ProfileID}
	case EventSubmitQuery:
		payload = submitQueryPayload{SessionID: in.SessionID, Text: in.Text}
	case EventRestoreSession, EventEndSession, EventGetHistory, EventGetContextSummary:
		payload = sessionRefPayload{SessionID: in.SessionID}
	case EventPing:
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, in.Type)
	}
	if err := eventValidate.Struct(payload); err != nil {
		return describeValidation(err)
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := toSnake(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "max", "maxbytes":
		return fmt.Errorf("%s is too long", field)
	default:
		return fmt.Errorf("%s is invalid", field)
	}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
