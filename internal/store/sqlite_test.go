package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/namajain/kily-agent/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "kily.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProfileRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	p := &domain.Profile{
		ID:     "p1",
		UserID: "u1",
		Name:   "Sales",
		Active: true,
		DataSources: []domain.DataSource{
			{Locator: "https://example.com/a.csv", Filename: "a.csv", Description: "orders"},
			{Locator: "file:///tmp/b.csv", Filename: "b.csv"},
		},
	}
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	got, err := s.GetProfile(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.Name != "Sales" || !got.Active || len(got.DataSources) != 2 {
		t.Fatalf("unexpected profile: %+v", got)
	}
	if got.DataSources[0].Description != "orders" {
		t.Fatalf("data source order not preserved: %+v", got.DataSources)
	}

	if _, err := s.GetProfile(ctx, "missing"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestListProfilesSkipsInactive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	src := []domain.DataSource{{Locator: "file:///x.csv", Filename: "x.csv"}}
	_ = s.UpsertProfile(ctx, &domain.Profile{ID: "a", UserID: "u", Name: "A", Active: true, DataSources: src})
	_ = s.UpsertProfile(ctx, &domain.Profile{ID: "b", UserID: "u", Name: "B", Active: false, DataSources: src})
	_ = s.UpsertProfile(ctx, &domain.Profile{ID: "c", UserID: "other", Name: "C", Active: true, DataSources: src})

	got, err := s.ListProfiles(ctx, "u")
	if err != nil {
		t.Fatalf("ListProfiles failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only profile a, got %+v", got)
	}
}

func TestTranscriptAppendAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := s.CreateSession(ctx, domain.StoredSession{
		SessionID: "s1", UserID: "u1", ProfileID: "p1",
		CreatedAt: start, LastActivityAt: start,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "what is the total revenue?", Timestamp: start.Add(time.Second)},
		{Role: domain.RoleAssistant, Content: "42", Timestamp: start.Add(2 * time.Second)},
	}
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, "s1", m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	got, err := s.LoadTranscript(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadTranscript failed: %v", err)
	}
	if len(got) != 2 || got[0].Role != domain.RoleUser || got[1].Content != "42" {
		t.Fatalf("unexpected transcript: %+v", got)
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !sess.LastActivityAt.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("expected last activity bumped, got %v", sess.LastActivityAt)
	}

	list, err := s.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 1 || list[0].MessageCount != 2 || list[0].Preview != "what is the total revenue?" {
		t.Fatalf("unexpected summaries: %+v", list)
	}
}

func TestAppendMessageUnknownSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.AppendMessage(context.Background(), "nope", domain.Message{Role: domain.RoleUser, Content: "hi", Timestamp: time.Now()})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDownloadRecordsKeyedByProfileDateFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	rec := &domain.DownloadRecord{
		ProfileID: "p1", Date: "2026-03-01", Filename: "a.csv",
		FilePath: "/d/a.csv", Status: domain.DownloadFailed,
		LastAttemptAt: time.Now(), ErrorMessage: "timeout",
	}
	if err := s.UpsertDownload(ctx, rec); err != nil {
		t.Fatalf("UpsertDownload failed: %v", err)
	}
	rec.Status = domain.DownloadSuccess
	rec.SizeBytes = 10
	rec.ErrorMessage = ""
	if err := s.UpsertDownload(ctx, rec); err != nil {
		t.Fatalf("UpsertDownload failed: %v", err)
	}

	got, err := s.GetDownload(ctx, "p1", "2026-03-01", "a.csv")
	if err != nil {
		t.Fatalf("GetDownload failed: %v", err)
	}
	if got.Status != domain.DownloadSuccess || got.SizeBytes != 10 || got.ErrorMessage != "" {
		t.Fatalf("unexpected record: %+v", got)
	}

	missing, err := s.GetDownload(ctx, "p1", "2026-03-02", "a.csv")
	if err != nil || missing != nil {
		t.Fatalf("expected nil record for other date, got %+v, %v", missing, err)
	}

	_ = s.UpsertDownload(ctx, &domain.DownloadRecord{ProfileID: "p1", Date: "2026-02-01", Filename: "a.csv", FilePath: "/old", Status: domain.DownloadSuccess, LastAttemptAt: time.Now()})
	old, err := s.ListDownloadsBefore(ctx, "2026-03-01")
	if err != nil || len(old) != 1 || old[0].FilePath != "/old" {
		t.Fatalf("unexpected old records: %+v, %v", old, err)
	}
	n, err := s.DeleteDownloadsBefore(ctx, "2026-03-01")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deleted, got %d, %v", n, err)
	}
}

func TestSeedProfiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	path := filepath.Join(t.TempDir(), "profiles.yaml")
	seed := `
profiles:
  - id: retail
    user_id: demo
    name: Retail
    active: true
    data_sources:
      - locator: file:///data/sales.csv
        filename: sales.csv
        description: daily sales
`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}

	n, err := SeedProfiles(ctx, s, path)
	if err != nil || n != 1 {
		t.Fatalf("SeedProfiles = %d, %v", n, err)
	}
	p, err := s.GetProfile(ctx, "retail")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.DataSources[0].Description != "daily sales" {
		t.Fatalf("unexpected profile: %+v", p)
	}

	if n, err := SeedProfiles(ctx, s, filepath.Join(t.TempDir(), "none.yaml")); err != nil || n != 0 {
		t.Fatalf("missing seed file should be skipped, got %d, %v", n, err)
	}
}
