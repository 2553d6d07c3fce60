// Package session owns the in-memory map of live chat sessions, their idle
// expiry, and write-through mirroring of transcripts to durable storage.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/namajain/kily-agent/internal/domain"
	"github.com/namajain/kily-agent/internal/frame"
	"github.com/namajain/kily-agent/internal/sandbox"
	"github.com/namajain/kily-agent/internal/store"
)

// Session errors. ErrExpired matches ErrNotFound under errors.Is.
var (
	ErrNotFound     = errors.New("session not found")
	ErrExpired      = fmt.Errorf("%w: session expired", ErrNotFound)
	ErrDurableWrite = errors.New("durable write failed")
)

const (
	// DefaultIdleTimeout is how long a session may sit idle before it expires.
	DefaultIdleTimeout = 15 * time.Minute
	// DefaultSweepInterval is how often idle sessions are evicted.
	DefaultSweepInterval = 60 * time.Second

	tombstoneTTL = time.Hour
)

// DataContext is the execution state a session carries: the datasets the
// analysis loop runs against and their prompt summaries.
type DataContext struct {
	Date      string
	Datasets  []sandbox.Dataset
	Summaries []frame.Summary
	Failures  []DataFailure
}

// DataFailure is a data source that is missing from a DataContext.
type DataFailure struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID             string
	UserID         string
	ProfileID      string
	CreatedAt      time.Time
	LastActivityAt time.Time
	State          domain.SessionState
	Restored       bool
	Transcript     []domain.Message
	Data           *DataContext
}

// Config holds expiry policy.
type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Options carries injectable collaborators.
type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
	// OnExpire is called, outside any lock, for every session evicted by the
	// sweep or by End.
	OnExpire func(Snapshot)
}

// entry is one live session. Lock order: Store.mu may be held while taking
// entry.mu, never the reverse.
type entry struct {
	mu           sync.Mutex
	id           string
	userID       string
	profileID    string
	createdAt    time.Time
	lastActivity time.Time
	state        domain.SessionState
	restored     bool
	transcript   []domain.Message
	data         *DataContext

	// token serializes queries within the session.
	token chan struct{}
}

func (e *entry) snapshotLocked() Snapshot {
	transcript := make([]domain.Message, len(e.transcript))
	copy(transcript, e.transcript)
	return Snapshot{
		ID:             e.id,
		UserID:         e.userID,
		ProfileID:      e.profileID,
		CreatedAt:      e.createdAt,
		LastActivityAt: e.lastActivity,
		State:          e.state,
		Restored:       e.restored,
		Transcript:     transcript,
		Data:           e.data,
	}
}

// busy reports whether a query currently holds the session's token.
func (e *entry) busy() bool {
	return len(e.token) > 0
}

// touchLocked advances lastActivity without ever moving it backwards.
func (e *entry) touchLocked(now time.Time) {
	if now.After(e.lastActivity) {
		e.lastActivity = now
	}
}

// Store is the authoritative map of live sessions.
type Store struct {
	durable  store.TranscriptStore
	idle     time.Duration
	now      func() time.Time
	logger   *slog.Logger
	onExpire func(Snapshot)

	mu         sync.RWMutex
	sessions   map[string]*entry
	tombstones map[string]time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Store and starts its sweep goroutine when cfg.SweepInterval
// is positive. Close stops the sweep.
func New(durable store.TranscriptStore, cfg Config, opts Options) *Store {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		durable:    durable,
		idle:       cfg.IdleTimeout,
		now:        opts.Now,
		logger:     opts.Logger,
		onExpire:   opts.OnExpire,
		sessions:   make(map[string]*entry),
		tombstones: make(map[string]time.Time),
		cancel:     cancel,
	}
	if cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx, cfg.SweepInterval)
	}
	return s
}

// Close stops the sweep goroutine and waits for it to exit.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Store) sweepLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("Session sweeper started", "interval", interval, "idle_timeout", s.idle)

	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("Session sweeper evicted idle sessions", "count", n)
			}
		case <-ctx.Done():
			s.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Create allocates a fresh session and records its header durably.
func (s *Store) Create(ctx context.Context, userID, profileID string) (Snapshot, error) {
	id := newID()
	now := s.now().UTC()

	if err := s.durable.CreateSession(ctx, domain.StoredSession{
		SessionID:      id,
		UserID:         userID,
		ProfileID:      profileID,
		CreatedAt:      now,
		LastActivityAt: now,
	}); err != nil {
		return Snapshot{}, fmt.Errorf("%w: create session: %v", ErrDurableWrite, err)
	}

	e := &entry{
		id:           id,
		userID:       userID,
		profileID:    profileID,
		createdAt:    now,
		lastActivity: now,
		state:        domain.SessionActive,
		token:        make(chan struct{}, 1),
	}

	snap := e.snapshotLocked()

	s.mu.Lock()
	s.sessions[id] = e
	n := len(s.sessions)
	s.mu.Unlock()

	activeSessions.Set(float64(n))
	s.logger.Info("Session created", "session_id", id, "user_id", userID, "profile_id", profileID)
	return snap, nil
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// lookup returns the live entry for id, expiring it lazily when idle.
func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	_, dead := s.tombstones[id]
	s.mu.RUnlock()
	if !ok {
		if dead {
			return nil, ErrExpired
		}
		return nil, ErrNotFound
	}
	return e, nil
}

// expiredLocked reports whether e must be treated as expired. e.mu must be held.
func (s *Store) expiredLocked(e *entry, now time.Time) bool {
	return e.state == domain.SessionExpired || now.Sub(e.lastActivity) >= s.idle
}

// Get returns a snapshot without touching the session.
func (s *Store) Get(id string) (Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.expiredLocked(e, s.now()) {
		return Snapshot{}, ErrExpired
	}
	return e.snapshotLocked(), nil
}

// Touch records activity on a live session.
func (s *Store) Touch(id string) (Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	now := s.now()
	e.mu.Lock()
	if s.expiredLocked(e, now) {
		e.mu.Unlock()
		s.evict(e, "idle", false)
		return Snapshot{}, ErrExpired
	}
	e.touchLocked(now)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	return snap, nil
}

// Append writes msg to durable storage and then to the in-memory transcript.
// A durable failure rejects the append and leaves memory unchanged.
func (s *Store) Append(ctx context.Context, id string, msg domain.Message) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now.UTC()
	}

	e.mu.Lock()
	if e.state == domain.SessionExpired {
		e.mu.Unlock()
		return ErrExpired
	}
	if err := s.durable.AppendMessage(ctx, id, msg); err != nil {
		e.mu.Unlock()
		durableFailures.Inc()
		s.logger.Error("Durable append failed", "session_id", id, "role", string(msg.Role), "error", err)
		return fmt.Errorf("%w: append message: %v", ErrDurableWrite, err)
	}
	e.transcript = append(e.transcript, msg)
	e.touchLocked(now)
	e.mu.Unlock()
	return nil
}

// SetData attaches execution state to a live session.
func (s *Store) SetData(id string, data *DataContext) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == domain.SessionExpired {
		return ErrExpired
	}
	e.data = data
	return nil
}

// Acquire takes the session's serialization token, waiting until the previous
// holder releases it or ctx is done. Queries of one session never interleave;
// different sessions never contend.
func (s *Store) Acquire(ctx context.Context, id string) (release func(), err error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case e.token <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-e.token })
	}, nil
}

// Restore seeds a new in-memory lifetime for id from its durable transcript.
// A session that is still live is touched and returned as is. Sessions owned
// by another user are reported as ErrNotFound and left untouched.
func (s *Store) Restore(ctx context.Context, userID, id string) (Snapshot, error) {
	if e, err := s.lookup(id); err == nil {
		now := s.now()
		e.mu.Lock()
		switch {
		case e.userID != userID:
			e.mu.Unlock()
			return Snapshot{}, ErrNotFound
		case !s.expiredLocked(e, now):
			e.touchLocked(now)
			snap := e.snapshotLocked()
			e.mu.Unlock()
			return snap, nil
		}
		e.mu.Unlock()
		s.evict(e, "idle", false)
	}

	header, err := s.durable.GetSession(ctx, id)
	if errors.Is(err, store.ErrSessionNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load session: %w", err)
	}
	if header.UserID != userID {
		return Snapshot{}, ErrNotFound
	}
	transcript, err := s.durable.LoadTranscript(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load transcript: %w", err)
	}

	now := s.now()
	fresh := &entry{
		id:           id,
		userID:       header.UserID,
		profileID:    header.ProfileID,
		createdAt:    header.CreatedAt,
		lastActivity: now,
		state:        domain.SessionActive,
		restored:     true,
		transcript:   transcript,
		token:        make(chan struct{}, 1),
	}
	snap := fresh.snapshotLocked()

	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		// Lost a race with a concurrent Restore.
		s.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		existing.touchLocked(now)
		return existing.snapshotLocked(), nil
	}
	s.sessions[id] = fresh
	delete(s.tombstones, id)
	n := len(s.sessions)
	s.mu.Unlock()

	activeSessions.Set(float64(n))
	restoredTotal.Inc()
	s.logger.Info("Session restored", "session_id", id, "messages", len(transcript))
	return snap, nil
}

// End force-expires a session.
func (s *Store) End(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !s.evict(e, "ended", false) {
		return ErrExpired
	}
	return nil
}

// Sweep evicts every session idle for at least the idle timeout and returns
// how many were evicted. Sessions with a query in flight are skipped.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.RLock()
	candidates := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		candidates = append(candidates, e)
	}
	s.mu.RUnlock()

	evicted := 0
	for _, e := range candidates {
		if e.busy() {
			continue
		}
		e.mu.Lock()
		idle := s.expiredLocked(e, now)
		e.mu.Unlock()
		if idle && s.evict(e, "idle", true) {
			evicted++
		}
	}

	s.mu.Lock()
	for id, at := range s.tombstones {
		if now.Sub(at) >= tombstoneTTL {
			delete(s.tombstones, id)
		}
	}
	s.mu.Unlock()
	return evicted
}

// evict removes e from the map and marks it expired. It reports false when e
// was already gone or, for idle evictions, became active again.
func (s *Store) evict(e *entry, reason string, skipBusy bool) bool {
	s.mu.Lock()
	current, ok := s.sessions[e.id]
	if !ok || current != e {
		s.mu.Unlock()
		return false
	}
	e.mu.Lock()
	if reason == "idle" && ((skipBusy && e.busy()) || !s.expiredLocked(e, s.now())) {
		// Activity arrived between the check and the eviction.
		e.mu.Unlock()
		s.mu.Unlock()
		return false
	}
	e.state = domain.SessionExpired
	snap := e.snapshotLocked()
	e.mu.Unlock()
	delete(s.sessions, e.id)
	s.tombstones[e.id] = s.now()
	n := len(s.sessions)
	s.mu.Unlock()

	activeSessions.Set(float64(n))
	expiredTotal.WithLabelValues(reason).Inc()
	s.logger.Info("Session expired", "session_id", e.id, "user_id", e.userID, "reason", reason)
	if s.onExpire != nil {
		s.onExpire(snap)
	}
	return true
}

// Stats summarizes the live map.
type Stats struct {
	Active int `json:"active"`
	Users  int `json:"users"`
}

// Stats returns counts of live sessions.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make(map[string]struct{})
	for _, e := range s.sessions {
		users[e.userID] = struct{}{}
	}
	return Stats{Active: len(s.sessions), Users: len(users)}
}

// IdleTimeout returns the configured idle timeout.
func (s *Store) IdleTimeout() time.Duration {
	return s.idle
}
