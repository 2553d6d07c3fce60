package contextcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/namajain/kily-agent/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDownloads struct {
	mu   sync.Mutex
	recs map[string]domain.DownloadRecord
}

func newMemDownloads() *memDownloads {
	return &memDownloads{recs: make(map[string]domain.DownloadRecord)}
}

func dlKey(profileID, date, filename string) string {
	return profileID + "|" + date + "|" + filename
}

func (m *memDownloads) GetDownload(_ context.Context, profileID, date, filename string) (*domain.DownloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[dlKey(profileID, date, filename)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memDownloads) UpsertDownload(_ context.Context, rec *domain.DownloadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[dlKey(rec.ProfileID, rec.Date, rec.Filename)] = *rec
	return nil
}

func (m *memDownloads) ListDownloadsBefore(_ context.Context, date string) ([]*domain.DownloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.DownloadRecord
	for _, r := range m.recs {
		if r.Date < date {
			rec := r
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (m *memDownloads) DeleteDownloadsBefore(_ context.Context, date string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.recs {
		if r.Date < date {
			delete(m.recs, k)
			n++
		}
	}
	return n, nil
}

func (m *memDownloads) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

// countingFetcher serves "mem://<name>" locators and fails "fail://" ones.
type countingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context, locator string, dst io.Writer) (int64, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if strings.HasPrefix(locator, "fail://") {
		return 0, errors.New("connection refused")
	}
	n, err := io.WriteString(dst, "a,b\n1,2\n")
	return int64(n), err
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func profileWith(sources ...string) *domain.Profile {
	p := &domain.Profile{ID: "p1", Name: "Retail", Active: true}
	for i, loc := range sources {
		p.DataSources = append(p.DataSources, domain.DataSource{
			Locator:  loc,
			Filename: fmt.Sprintf("file%d.csv", i),
		})
	}
	return p
}

func TestEnsureSingleFlight(t *testing.T) {
	t.Parallel()
	downloads := newMemDownloads()
	fetcher := &countingFetcher{release: make(chan struct{})}
	clock := newClock()
	cache := New(downloads, fetcher, t.TempDir(), Options{Now: clock.Now})
	profile := profileWith("mem://a", "mem://b")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Ensure(context.Background(), profile)
		}(i)
	}

	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 1 }, time.Second, time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Paths, results[i].Paths)
	}
	assert.Equal(t, int32(2), fetcher.calls.Load(), "each source is downloaded exactly once")

	for _, src := range profile.DataSources {
		rec, err := downloads.GetDownload(context.Background(), "p1", "2026-03-10", src.Filename)
		require.NoError(t, err)
		assert.Equal(t, domain.DownloadSuccess, rec.Status)
	}
}

func TestEnsureIdempotentWithinDate(t *testing.T) {
	t.Parallel()
	fetcher := &countingFetcher{}
	clock := newClock()
	cache := New(newMemDownloads(), fetcher, t.TempDir(), Options{Now: clock.Now})
	profile := profileWith("mem://a", "mem://b", "mem://c")

	first, err := cache.Ensure(context.Background(), profile)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	second, err := cache.Ensure(context.Background(), profile)
	require.NoError(t, err)

	assert.Equal(t, first.Paths, second.Paths)
	assert.Equal(t, int32(3), fetcher.calls.Load())
	for _, p := range first.Paths {
		assert.Contains(t, p, filepath.Join("2026-03-10", "p1"))
		_, statErr := os.Stat(p)
		assert.NoError(t, statErr)
	}
}

func TestEnsureNewDateDownloadsAgain(t *testing.T) {
	t.Parallel()
	fetcher := &countingFetcher{}
	clock := newClock()
	cache := New(newMemDownloads(), fetcher, t.TempDir(), Options{Now: clock.Now})
	profile := profileWith("mem://a")

	first, err := cache.Ensure(context.Background(), profile)
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	second, err := cache.Ensure(context.Background(), profile)
	require.NoError(t, err)

	assert.Equal(t, int32(2), fetcher.calls.Load())
	assert.NotEqual(t, first.Paths["file0.csv"], second.Paths["file0.csv"])
	assert.Equal(t, "2026-03-11", second.Date)
}

func TestEnsureRedownloadsMissingFile(t *testing.T) {
	t.Parallel()
	fetcher := &countingFetcher{}
	cache := New(newMemDownloads(), fetcher, t.TempDir(), Options{Now: newClock().Now})
	profile := profileWith("mem://a")

	first, err := cache.Ensure(context.Background(), profile)
	require.NoError(t, err)
	require.NoError(t, os.Remove(first.Paths["file0.csv"]))

	_, err = cache.Ensure(context.Background(), profile)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestEnsurePartialFailure(t *testing.T) {
	t.Parallel()
	downloads := newMemDownloads()
	cache := New(downloads, &countingFetcher{}, t.TempDir(), Options{Now: newClock().Now})
	profile := profileWith("mem://a", "fail://b", "mem://c")

	res, err := cache.Ensure(context.Background(), profile)
	require.NoError(t, err)
	assert.Len(t, res.Paths, 2)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "file1.csv", res.Failures[0].Source.Filename)
	assert.ErrorContains(t, res.Failures[0], "connection refused")

	rec, err := downloads.GetDownload(context.Background(), "p1", "2026-03-10", "file1.csv")
	require.NoError(t, err)
	assert.Equal(t, domain.DownloadFailed, rec.Status)
	assert.Equal(t, "connection refused", rec.ErrorMessage)
}

func TestEnsureNoDataAvailable(t *testing.T) {
	t.Parallel()
	cache := New(newMemDownloads(), &countingFetcher{}, t.TempDir(), Options{Now: newClock().Now})

	res, err := cache.Ensure(context.Background(), profileWith("fail://a", "fail://b"))
	require.ErrorIs(t, err, ErrNoDataAvailable)
	require.NotNil(t, res)
	assert.Len(t, res.Failures, 2)
}

func TestEnsureCallerCancellationDoesNotAbortDownload(t *testing.T) {
	t.Parallel()
	downloads := newMemDownloads()
	fetcher := &countingFetcher{release: make(chan struct{})}
	cache := New(downloads, fetcher, t.TempDir(), Options{Now: newClock().Now})
	profile := profileWith("mem://a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Ensure(ctx, profile)
		done <- err
	}()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(fetcher.release)
	require.Eventually(t, func() bool {
		rec, _ := downloads.GetDownload(context.Background(), "p1", "2026-03-10", "file0.csv")
		return rec != nil && rec.Status == domain.DownloadSuccess
	}, time.Second, 5*time.Millisecond)
}

func TestCleanupKeepsTodayAndYesterday(t *testing.T) {
	t.Parallel()
	downloads := newMemDownloads()
	clock := newClock()
	base := t.TempDir()
	cache := New(downloads, &countingFetcher{}, base, Options{Now: clock.Now})
	profile := profileWith("mem://a")

	var paths []string
	for _, back := range []int{10, 1, 0} {
		c := New(downloads, &countingFetcher{}, base, Options{Now: func() time.Time {
			return clock.Now().AddDate(0, 0, -back)
		}})
		res, err := c.Ensure(context.Background(), profile)
		require.NoError(t, err)
		paths = append(paths, res.Paths["file0.csv"])
	}

	n, err := cache.Cleanup(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, downloads.count())

	_, err = os.Stat(paths[0])
	assert.True(t, os.IsNotExist(err), "old file removed")
	for _, p := range paths[1:] {
		_, err := os.Stat(p)
		assert.NoError(t, err, "recent file kept")
	}
	_, err = os.Stat(filepath.Join(base, "2026-02-28"))
	assert.True(t, os.IsNotExist(err), "old partition removed")
}

func TestCleanupRespectsRetention(t *testing.T) {
	t.Parallel()
	downloads := newMemDownloads()
	clock := newClock()
	cache := New(downloads, &countingFetcher{}, t.TempDir(), Options{Now: clock.Now})

	for _, date := range []string{"2026-03-01", "2026-03-05", "2026-03-09"} {
		require.NoError(t, downloads.UpsertDownload(context.Background(), &domain.DownloadRecord{
			ProfileID: "p1", Date: date, Filename: "a.csv", Status: domain.DownloadSuccess,
		}))
	}
	n, err := cache.Cleanup(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the record older than 2026-03-03 goes")
}

func TestFileFetcherRoot(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	path := filepath.Join(root, "x.csv")
	require.NoError(t, os.WriteFile(path, []byte("a\n1\n"), 0o600))

	f := &FileFetcher{Root: root}
	var sb strings.Builder
	n, err := f.Fetch(context.Background(), "file://"+filepath.ToSlash(path), &sb)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	_, err = f.Fetch(context.Background(), "file:///etc/passwd", io.Discard)
	require.ErrorIs(t, err, ErrOutsideRoot)
}

func TestSchemeFetcherRejectsUnknownScheme(t *testing.T) {
	t.Parallel()
	_, err := NewDefaultFetcher(time.Second, "").Fetch(context.Background(), "ftp://host/x.csv", io.Discard)
	require.ErrorContains(t, err, "unsupported locator scheme")
}
