// Package fetch retrieves remote manifests with cache fallback.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/subforge/subforge/internal/cache"
	"github.com/subforge/subforge/internal/domain"
)

const (
	// DefaultTimeout bounds the single outbound request.
	DefaultTimeout = 15 * time.Second

	// DefaultUserAgent is the fixed identifying client string sent with
	// every request.
	DefaultUserAgent = "subforge/1.0"
)

// Result is a fetched (or cache-served) manifest body plus the
// response metadata captured with it.
type Result struct {
	Body     []byte
	Metadata map[string]string

	// FromCache reports whether the result was served from the cache
	// after a failed live request.
	FromCache bool
}

// Fetcher issues exactly one network attempt per call and falls back
// to the cache store when the attempt fails and fallback is permitted.
type Fetcher struct {
	client    *http.Client
	store     *cache.Store
	logger    *slog.Logger
	userAgent string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client. Used by tests to
// inject a recording transport.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithUserAgent overrides the identifying client string.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// New creates a Fetcher backed by the given cache store.
func New(store *cache.Store, logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: DefaultTimeout},
		store:     store,
		logger:    logger,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the manifest at url.
//
// On success the entry is persisted to the cache store before being
// returned. On failure (network error, timeout, or status >= 400) the
// cache is consulted only when allowCacheFallback is true; otherwise,
// or when no entry exists, the call fails with a download error
// carrying the root cause. There is no retry loop.
func (f *Fetcher) Fetch(ctx context.Context, url string, allowCacheFallback bool) (*Result, error) {
	body, metadata, err := f.fetchOnce(ctx, url)
	if err == nil {
		key := cache.KeyFor(url)
		if putErr := f.store.Put(key, body, metadata); putErr != nil {
			f.logger.Warn("failed to update manifest cache",
				slog.String("url", url),
				slog.String("error", putErr.Error()))
		}
		return &Result{Body: body, Metadata: metadata}, nil
	}

	if !allowCacheFallback {
		return nil, domain.ErrDownload(url, err)
	}

	entry, cacheErr := f.store.Get(cache.KeyFor(url))
	if cacheErr != nil {
		if domain.IsKind(cacheErr, domain.KindCacheCorrupt) {
			return nil, cacheErr
		}
		return nil, domain.ErrDownload(url, fmt.Errorf("%w (cache read also failed: %v)", err, cacheErr))
	}
	if entry == nil {
		return nil, domain.ErrDownload(url, err)
	}

	f.logger.Info("serving cached manifest after failed fetch",
		slog.String("url", url),
		slog.Time("cached_at", entry.WrittenAt),
		slog.String("error", err.Error()))
	return &Result{Body: entry.Body, Metadata: entry.Metadata, FromCache: true}, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	f.logger.Info("fetched manifest",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Duration("duration", time.Since(start)))

	return body, headerMetadata(resp.Header), nil
}

// headerMetadata flattens response headers into the single-valued
// metadata mapping stored alongside the cached body.
func headerMetadata(h http.Header) map[string]string {
	metadata := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		metadata[strings.ToLower(name)] = values[0]
	}
	return metadata
}
