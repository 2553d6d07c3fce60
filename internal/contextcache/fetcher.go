package contextcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Fetcher copies the content behind a locator into dst.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, dst io.Writer) (int64, error)
}

// HTTPFetcher fetches http and https locators.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns an HTTPFetcher whose requests time out after timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, locator string, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", redact(locator), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get %s: unexpected status %d", redact(locator), resp.StatusCode)
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read %s: %w", redact(locator), err)
	}
	return n, nil
}

// FileFetcher copies file:// locators. When Root is set, locators must
// resolve inside it.
type FileFetcher struct {
	Root string
}

// ErrOutsideRoot is returned for file locators that escape FileFetcher.Root.
var ErrOutsideRoot = errors.New("file locator outside allowed root")

// Fetch implements Fetcher.
func (f *FileFetcher) Fetch(ctx context.Context, locator string, dst io.Writer) (int64, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return 0, fmt.Errorf("parse locator: %w", err)
	}
	path := filepath.Clean(filepath.FromSlash(u.Path))
	if f.Root != "" {
		root := filepath.Clean(f.Root)
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			return 0, fmt.Errorf("%w: %s", ErrOutsideRoot, path)
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer src.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

// SchemeFetcher dispatches on the locator's URL scheme.
type SchemeFetcher map[string]Fetcher

// NewDefaultFetcher handles http, https and file locators.
func NewDefaultFetcher(timeout time.Duration, fileRoot string) SchemeFetcher {
	h := NewHTTPFetcher(timeout)
	return SchemeFetcher{
		"http":  h,
		"https": h,
		"file":  &FileFetcher{Root: fileRoot},
	}
}

// Fetch implements Fetcher.
func (s SchemeFetcher) Fetch(ctx context.Context, locator string, dst io.Writer) (int64, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return 0, fmt.Errorf("parse locator: %w", err)
	}
	f, ok := s[strings.ToLower(u.Scheme)]
	if !ok {
		return 0, fmt.Errorf("unsupported locator scheme %q", u.Scheme)
	}
	return f.Fetch(ctx, locator, dst)
}

// redact strips query strings, which commonly carry signed credentials.
func redact(locator string) string {
	u, err := url.Parse(locator)
	if err != nil {
		return "<invalid locator>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
