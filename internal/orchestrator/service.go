// Package orchestrator is the session-facing facade the transport calls. It
// composes the context cache, the session store and the analysis loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/namajain/kily-agent/internal/analysis"
	"github.com/namajain/kily-agent/internal/contextcache"
	"github.com/namajain/kily-agent/internal/convlog"
	"github.com/namajain/kily-agent/internal/domain"
	"github.com/namajain/kily-agent/internal/frame"
	"github.com/namajain/kily-agent/internal/sandbox"
	"github.com/namajain/kily-agent/internal/session"
	"github.com/namajain/kily-agent/internal/store"
)

// Facade errors.
var (
	ErrProfileInactive = errors.New("profile is not active")
	ErrProfileNotOwned = errors.New("profile does not belong to user")
)

// ContextEnsurer materializes a profile's data sources.
type ContextEnsurer interface {
	Ensure(ctx context.Context, profile *domain.Profile) (*contextcache.Result, error)
}

// Analyzer answers one query.
type Analyzer interface {
	Run(ctx context.Context, req analysis.Request) (*analysis.Outcome, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Profiles    store.ProfileStore
	Transcripts store.TranscriptStore
	Cache       ContextEnsurer
	Sessions    *session.Store
	Analyzer    Analyzer
	ConvLog     convlog.Logger
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service implements the chat operations.
type Service struct {
	profiles    store.ProfileStore
	transcripts store.TranscriptStore
	cache       ContextEnsurer
	sessions    *session.Store
	analyzer    Analyzer
	convlog     convlog.Logger
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Service.
func New(d Deps) *Service {
	if d.ConvLog == nil {
		d.ConvLog = convlog.Noop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		profiles:    d.Profiles,
		transcripts: d.Transcripts,
		cache:       d.Cache,
		sessions:    d.Sessions,
		analyzer:    d.Analyzer,
		convlog:     d.ConvLog,
		logger:      d.Logger,
		now:         d.Now,
	}
}

// DatasetInfo describes one loaded dataset.
type DatasetInfo struct {
	Name    string   `json:"name"`
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
}

// Started is the result of StartSession.
type Started struct {
	SessionID   string                `json:"session_id"`
	ProfileID   string                `json:"profile_id"`
	ProfileName string                `json:"profile_name"`
	CreatedAt   time.Time             `json:"created_at"`
	Datasets    []DatasetInfo         `json:"datasets"`
	Failures    []session.DataFailure `json:"failures,omitempty"`
}

// StartSession resolves the profile's data for today and opens a session.
func (s *Service) StartSession(ctx context.Context, userID, profileID string) (*Started, error) {
	profile, err := s.profiles.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if profile.UserID != "" && profile.UserID != userID {
		return nil, ErrProfileNotOwned
	}
	if !profile.Active {
		return nil, ErrProfileInactive
	}

	data, err := s.loadData(ctx, profile)
	if err != nil {
		return nil, err
	}

	snap, err := s.sessions.Create(ctx, userID, profile.ID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SetData(snap.ID, data); err != nil {
		return nil, err
	}

	s.logger.Info("Session started",
		"session_id", snap.ID,
		"user_id", userID,
		"profile_id", profile.ID,
		"datasets", len(data.Datasets),
		"failures", len(data.Failures))

	return &Started{
		SessionID:   snap.ID,
		ProfileID:   profile.ID,
		ProfileName: profile.Name,
		CreatedAt:   snap.CreatedAt,
		Datasets:    datasetInfos(data),
		Failures:    data.Failures,
	}, nil
}

// loadData ensures the profile's sources and parses them. A source that
// downloads but does not parse is reported like a failed download.
func (s *Service) loadData(ctx context.Context, profile *domain.Profile) (*session.DataContext, error) {
	res, err := s.cache.Ensure(ctx, profile)
	if err != nil {
		return nil, err
	}

	data := &session.DataContext{Date: res.Date}
	for _, f := range res.Failures {
		data.Failures = append(data.Failures, session.DataFailure{Filename: f.Source.Filename, Error: f.Error()})
	}
	for _, src := range profile.DataSources {
		path, ok := res.Paths[src.Filename]
		if !ok {
			continue
		}
		name := src.DatasetName()
		f, err := frame.ReadCSV(path, name)
		if err != nil {
			s.logger.Warn("Dataset failed to load", "profile_id", profile.ID, "filename", src.Filename, "error", err)
			data.Failures = append(data.Failures, session.DataFailure{
				Filename: src.Filename,
				Error:    fmt.Sprintf("load %s failed: %v", src.Filename, err),
			})
			continue
		}
		data.Datasets = append(data.Datasets, sandbox.Dataset{Name: name, Path: path, Frame: f})
		data.Summaries = append(data.Summaries, f.Summarize(frame.DefaultSampleValues, frame.DefaultSampleRows))
	}
	if len(data.Datasets) == 0 {
		return nil, fmt.Errorf("%w: no dataset of profile %s could be loaded", contextcache.ErrNoDataAvailable, profile.ID)
	}
	return data, nil
}

// Answer is the result of Submit.
type Answer struct {
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Attempts  int       `json:"attempts"`
	Artifacts []string  `json:"artifacts,omitempty"`
}

// Submit answers query within the session. Queries of one session run one at
// a time. The run is detached from ctx cancellation so that a dropped
// connection never loses an answer that is already being computed.
func (s *Service) Submit(ctx context.Context, userID, sessionID, query string) (*Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, analysis.ErrEmptyQuery
	}
	ctx = context.WithoutCancel(ctx)

	release, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := s.sessions.Touch(sessionID)
	if err != nil {
		return nil, err
	}
	if snap.UserID != userID {
		return nil, session.ErrNotFound
	}
	data := snap.Data
	if data == nil {
		if data, err = s.attachData(ctx, snap); err != nil {
			return nil, err
		}
	}

	userMsg := domain.Message{Role: domain.RoleUser, Content: query, Timestamp: s.now().UTC()}
	if err := s.sessions.Append(ctx, sessionID, userMsg); err != nil {
		return nil, err
	}
	s.logConversation(snap, "outbound", "user_query", query, nil)

	out, err := s.analyzer.Run(ctx, analysis.Request{
		SessionID: sessionID,
		Query:     query,
		Datasets:  data.Datasets,
		Summaries: data.Summaries,
		History:   snap.Transcript,
	})
	if err != nil {
		return nil, err
	}

	reply := domain.Message{Role: domain.RoleAssistant, Content: out.Answer, Timestamp: s.now().UTC()}
	if err := s.appendReply(ctx, sessionID, reply); err != nil {
		return nil, err
	}
	s.logConversation(snap, "inbound", "assistant_answer", out.Answer, map[string]any{
		"success":   out.Success,
		"attempts":  len(out.Attempts),
		"category":  string(out.LastCategory()),
		"artifacts": out.Artifacts,
	})

	return &Answer{
		SessionID: sessionID,
		Content:   out.Answer,
		Timestamp: reply.Timestamp,
		Success:   out.Success,
		Attempts:  len(out.Attempts),
		Artifacts: out.Artifacts,
	}, nil
}

// appendReply stores the assistant message. A session that expired while the
// analysis ran still gets its answer in durable storage.
func (s *Service) appendReply(ctx context.Context, sessionID string, msg domain.Message) error {
	err := s.sessions.Append(ctx, sessionID, msg)
	if !errors.Is(err, session.ErrNotFound) {
		return err
	}
	s.logger.Warn("Session expired during analysis, writing answer durably", "session_id", sessionID)
	if err := s.transcripts.AppendMessage(ctx, sessionID, msg); err != nil {
		return fmt.Errorf("%w: append message: %v", session.ErrDurableWrite, err)
	}
	return nil
}

// attachData loads execution state for a session restored from durable storage.
func (s *Service) attachData(ctx context.Context, snap session.Snapshot) (*session.DataContext, error) {
	profile, err := s.profiles.GetProfile(ctx, snap.ProfileID)
	if err != nil {
		return nil, err
	}
	if !profile.Active {
		return nil, ErrProfileInactive
	}
	data, err := s.loadData(ctx, profile)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SetData(snap.ID, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Restored is the result of Restore.
type Restored struct {
	SessionID string                `json:"session_id"`
	ProfileID string                `json:"profile_id"`
	Messages  []domain.Message      `json:"messages"`
	Datasets  []DatasetInfo         `json:"datasets"`
	Failures  []session.DataFailure `json:"failures,omitempty"`
}

// Restore reattaches a client to a session, rebuilding it from durable
// storage when it is no longer live.
func (s *Service) Restore(ctx context.Context, userID, sessionID string) (*Restored, error) {
	snap, err := s.sessions.Restore(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	data := snap.Data
	if data == nil {
		data, err = s.attachData(ctx, snap)
		if err != nil {
			// The transcript is still useful; data is retried on the next query.
			s.logger.Warn("Restored session has no data yet", "session_id", sessionID, "error", err)
			data = &session.DataContext{Failures: []session.DataFailure{{Error: UserMessage(err)}}}
		}
	}

	return &Restored{
		SessionID: snap.ID,
		ProfileID: snap.ProfileID,
		Messages:  snap.Transcript,
		Datasets:  datasetInfos(data),
		Failures:  data.Failures,
	}, nil
}

// End force-expires a session.
func (s *Service) End(userID, sessionID string) error {
	snap, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if snap.UserID != userID {
		return session.ErrNotFound
	}
	return s.sessions.End(sessionID)
}

// ListSessions returns the user's durable sessions.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]domain.SessionSummary, error) {
	return s.transcripts.ListSessions(ctx, userID)
}

// Transcript returns a session's messages, live or durable.
func (s *Service) Transcript(ctx context.Context, userID, sessionID string) ([]domain.Message, error) {
	if snap, err := s.sessions.Get(sessionID); err == nil {
		if snap.UserID != userID {
			return nil, session.ErrNotFound
		}
		return snap.Transcript, nil
	}
	header, err := s.transcripts.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != "" && header.UserID != userID {
		return nil, session.ErrNotFound
	}
	return s.transcripts.LoadTranscript(ctx, sessionID)
}

// DatasetSummaries returns the prompt summaries of a live session's datasets.
func (s *Service) DatasetSummaries(userID, sessionID string) ([]frame.Summary, error) {
	snap, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if snap.UserID != userID {
		return nil, session.ErrNotFound
	}
	if snap.Data == nil {
		return nil, nil
	}
	return snap.Data.Summaries, nil
}

// Stats reports live session counts.
func (s *Service) Stats() session.Stats {
	return s.sessions.Stats()
}

func (s *Service) logConversation(snap session.Snapshot, direction, eventType, content string, meta map[string]any) {
	s.convlog.Log(convlog.Event{
		Timestamp:  s.now().UTC().Format(time.RFC3339Nano),
		UserID:     snap.UserID,
		SessionID:  snap.ID,
		Channel:    "chat",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

func datasetInfos(data *session.DataContext) []DatasetInfo {
	out := make([]DatasetInfo, 0, len(data.Datasets))
	for _, d := range data.Datasets {
		info := DatasetInfo{Name: d.Name}
		if d.Frame != nil {
			info.Rows = d.Frame.Len()
			info.Columns = d.Frame.Columns()
		}
		out = append(out, info)
	}
	return out
}
