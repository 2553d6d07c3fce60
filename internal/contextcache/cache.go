// Package contextcache materializes a profile's data sources onto local
// storage, partitioned by calendar date.
package contextcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/namajain/kily-agent/internal/domain"
	"github.com/namajain/kily-agent/internal/store"
	"golang.org/x/sync/singleflight"
)

// ErrNoDataAvailable is returned by Ensure when no data source could be resolved.
var ErrNoDataAvailable = errors.New("no data available")

// DownloadFailed reports one data source that could not be materialized.
type DownloadFailed struct {
	Source domain.DataSource
	Cause  error
}

func (e *DownloadFailed) Error() string {
	return fmt.Sprintf("download %s failed: %v", e.Source.Filename, e.Cause)
}

func (e *DownloadFailed) Unwrap() error { return e.Cause }

// Result is the outcome of Ensure for one (profile, date).
type Result struct {
	Date     string
	Paths    map[string]string
	Failures []*DownloadFailed
}

func (r *Result) clone() *Result {
	out := &Result{
		Date:     r.Date,
		Paths:    make(map[string]string, len(r.Paths)),
		Failures: append([]*DownloadFailed(nil), r.Failures...),
	}
	for k, v := range r.Paths {
		out.Paths[k] = v
	}
	return out
}

// Options configures a Cache.
type Options struct {
	// Now returns the current time; the calendar date is taken in its location.
	Now    func() time.Time
	Logger *slog.Logger
}

// Cache is the context cache.
type Cache struct {
	downloads store.DownloadStore
	fetcher   Fetcher
	baseDir   string
	now       func() time.Time
	logger    *slog.Logger
	group     singleflight.Group
}

// New creates a Cache that stores files under baseDir/<date>/<profile>/.
func New(downloads store.DownloadStore, fetcher Fetcher, baseDir string, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		downloads: downloads,
		fetcher:   fetcher,
		baseDir:   baseDir,
		now:       opts.Now,
		logger:    opts.Logger,
	}
}

// Ensure guarantees every data source of profile is available locally for
// today. Concurrent calls for the same profile and date share one resolution.
// Per-source failures are reported in Result.Failures; Ensure itself only
// fails when no source could be resolved.
func (c *Cache) Ensure(ctx context.Context, profile *domain.Profile) (*Result, error) {
	date := c.now().Format(domain.DateLayout)
	key := profile.ID + "|" + date

	// The shared resolution must not die with whichever caller started it.
	ch := c.group.DoChan(key, func() (any, error) {
		start := time.Now()
		defer func() { ensureLatency.Observe(time.Since(start).Seconds()) }()
		return c.resolve(context.WithoutCancel(ctx), profile, date)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var partial *Result
			if r, ok := res.Val.(*Result); ok && r != nil {
				partial = r.clone()
			}
			return partial, res.Err
		}
		return res.Val.(*Result).clone(), nil
	}
}

func (c *Cache) resolve(ctx context.Context, profile *domain.Profile, date string) (*Result, error) {
	res := &Result{Date: date, Paths: make(map[string]string, len(profile.DataSources))}
	for _, src := range profile.DataSources {
		path, err := c.ensureSource(ctx, profile.ID, date, src)
		if err != nil {
			sourceOutcomes.WithLabelValues("failed").Inc()
			c.logger.Warn("Data source unavailable",
				"profile_id", profile.ID,
				"filename", src.Filename,
				"error", err)
			res.Failures = append(res.Failures, &DownloadFailed{Source: src, Cause: err})
			continue
		}
		res.Paths[src.Filename] = path
	}

	if len(res.Paths) == 0 {
		return res, fmt.Errorf("%w: profile %s has %d sources, none resolved", ErrNoDataAvailable, profile.ID, len(profile.DataSources))
	}
	c.logger.Info("Context ready",
		"profile_id", profile.ID,
		"date", date,
		"resolved", len(res.Paths),
		"failed", len(res.Failures))
	return res, nil
}

func (c *Cache) ensureSource(ctx context.Context, profileID, date string, src domain.DataSource) (string, error) {
	rec, err := c.downloads.GetDownload(ctx, profileID, date, src.Filename)
	if err != nil {
		return "", fmt.Errorf("load download record: %w", err)
	}
	if rec.Reusable() {
		if _, statErr := os.Stat(rec.FilePath); statErr == nil {
			sourceOutcomes.WithLabelValues("reused").Inc()
			return rec.FilePath, nil
		}
		c.logger.Info("Cached file missing, downloading again", "profile_id", profileID, "path", rec.FilePath)
	}

	path, err := c.targetPath(profileID, date, src.Filename)
	if err != nil {
		return "", c.recordFailure(ctx, profileID, date, src.Filename, "", err)
	}

	if err := c.downloads.UpsertDownload(ctx, &domain.DownloadRecord{
		ProfileID:     profileID,
		Date:          date,
		Filename:      src.Filename,
		FilePath:      path,
		Status:        domain.DownloadPending,
		LastAttemptAt: c.now(),
	}); err != nil {
		return "", fmt.Errorf("record pending download: %w", err)
	}

	size, err := c.download(ctx, src.Locator, path)
	if err != nil {
		return "", c.recordFailure(ctx, profileID, date, src.Filename, path, err)
	}

	if err := c.downloads.UpsertDownload(ctx, &domain.DownloadRecord{
		ProfileID:     profileID,
		Date:          date,
		Filename:      src.Filename,
		FilePath:      path,
		SizeBytes:     size,
		Status:        domain.DownloadSuccess,
		LastAttemptAt: c.now(),
	}); err != nil {
		return "", fmt.Errorf("record completed download: %w", err)
	}
	sourceOutcomes.WithLabelValues("downloaded").Inc()
	downloadBytes.Add(float64(size))
	return path, nil
}

func (c *Cache) recordFailure(ctx context.Context, profileID, date, filename, path string, cause error) error {
	if err := c.downloads.UpsertDownload(ctx, &domain.DownloadRecord{
		ProfileID:     profileID,
		Date:          date,
		Filename:      filename,
		FilePath:      path,
		Status:        domain.DownloadFailed,
		LastAttemptAt: c.now(),
		ErrorMessage:  cause.Error(),
	}); err != nil {
		return errors.Join(cause, fmt.Errorf("record failed download: %w", err))
	}
	return cause
}

// targetPath namespaces a file by date and profile.
func (c *Cache) targetPath(profileID, date, filename string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." || name == ".." || strings.ContainsAny(profileID, `/\`) || profileID == ".." {
		return "", fmt.Errorf("unsafe path component in %s/%s", profileID, filename)
	}
	return filepath.Join(c.baseDir, date, profileID, name), nil
}

// download writes to a temporary file and renames it into place so a
// partially written file is never visible at path.
func (c *Cache) download(ctx context.Context, locator, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := c.fetcher.Fetch(ctx, locator, tmp)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close temp file: %w", closeErr)
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("move download into place: %w", err)
	}
	return n, nil
}

// Cleanup removes files and records older than olderThanDays. Today's and
// yesterday's data is always kept, whatever olderThanDays says.
func (c *Cache) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 1 {
		olderThanDays = 1
	}
	now := c.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	cutoff := today.AddDate(0, 0, -olderThanDays).Format(domain.DateLayout)

	old, err := c.downloads.ListDownloadsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list old downloads: %w", err)
	}
	for _, rec := range old {
		if rec.FilePath == "" {
			continue
		}
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("Failed to remove cached file", "path", rec.FilePath, "error", err)
		}
	}
	c.removeDateDirs(cutoff)

	deleted, err := c.downloads.DeleteDownloadsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old download records: %w", err)
	}
	cleanupRemoved.Add(float64(deleted))
	c.logger.Info("Context cache cleanup completed", "cutoff", cutoff, "records_deleted", deleted)
	return int(deleted), nil
}

// removeDateDirs deletes date partitions strictly before cutoff, including
// files that never got a record.
func (c *Cache) removeDateDirs(cutoff string) {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Failed to scan cache directory", "dir", c.baseDir, "error", err)
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(domain.DateLayout, e.Name()); err != nil {
			continue
		}
		if e.Name() >= cutoff {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.baseDir, e.Name())); err != nil {
			c.logger.Warn("Failed to remove cache partition", "date", e.Name(), "error", err)
		}
	}
}

// StartCleanupWorker runs Cleanup on a fixed interval until ctx is done.
func (c *Cache) StartCleanupWorker(ctx context.Context, interval time.Duration, olderThanDays int) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		c.logger.Info("Context cleanup worker started", "interval", interval, "retention_days", olderThanDays)

		for {
			select {
			case <-ticker.C:
				if _, err := c.Cleanup(ctx, olderThanDays); err != nil {
					c.logger.Error("Context cleanup failed", "error", err)
				}
			case <-ctx.Done():
				c.logger.Info("Context cleanup worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
