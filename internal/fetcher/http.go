package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBackoff = 30 * time.Second

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	// Timeout bounds a whole request including the body read. Offer files
	// for large services run to several hundred MB.
	Timeout     time.Duration
	MaxRetries  int // attempts per request
	BackoffBase time.Duration
	RatePerHost rate.Limit
	Logger      *zap.Logger
}

// HTTPFetcher implements Fetcher with retries, per-host adaptive rate
// limiting, and ETag revalidation of downloaded files.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
	log    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher, filling unset options with defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.RatePerHost == 0 {
		opts.RatePerHost = 10
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pricing-cli/1.0"
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		log:      log.With(zap.String("component", "fetcher")),
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

func (f *HTTPFetcher) limiterFor(rawURL string) *AdaptiveLimiter {
	var host string
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	lim := NewAdaptiveLimiter(f.opts.RatePerHost, max(1, int(f.opts.RatePerHost)))
	f.limiters[host] = lim
	return lim
}

// get issues a GET with retries. It returns the response for any status that
// is not retried; the caller owns the body.
func (f *HTTPFetcher) get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	lim := f.limiterFor(rawURL)
	log := f.log.With(zap.String("url", rawURL))

	var lastErr error
	for attempt := range f.opts.MaxRetries {
		if attempt > 0 {
			if err := sleep(ctx, f.backoff(attempt-1, lastErr)); err != nil {
				return nil, eris.Wrap(err, "request cancelled")
			}
		}
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}

		resp, err := f.client.Do(req.Clone(ctx))
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "request cancelled")
			}
			lastErr = err
			log.Warn("request failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		case resp.StatusCode == http.StatusTooManyRequests:
			lim.OnRateLimit()
			lastErr = &statusError{code: resp.StatusCode, retryAfter: retryAfter(resp.Header.Get("Retry-After"))}
			_ = resp.Body.Close()
			log.Warn("rate limited", zap.Int("attempt", attempt+1), zap.Float64("rate", float64(lim.Limit())))
			continue
		case resp.StatusCode >= 500:
			lastErr = &statusError{code: resp.StatusCode}
			_ = resp.Body.Close()
			log.Warn("server error", zap.Int("attempt", attempt+1), zap.Int("status", resp.StatusCode))
			continue
		}

		lim.OnSuccess()
		return resp, nil
	}

	return nil, eris.Wrapf(lastErr, "all retries exhausted for %s", rawURL)
}

// backoff is exponential with up to 50% jitter. A server-supplied
// Retry-After wins when it is longer.
func (f *HTTPFetcher) backoff(attempt int, cause error) time.Duration {
	d := min(f.opts.BackoffBase<<min(attempt, 16), maxBackoff)
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int64N(half))
	}
	var se *statusError
	if errors.As(cause, &se) && se.retryAfter > d {
		d = min(se.retryAfter, maxBackoff)
	}
	return d
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.get(ctx, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("download: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	return resp.Body, nil
}

// DownloadToFile fetches the URL into path and returns the bytes written.
// The ETag of each download is kept next to the file; when the server
// reports the file unchanged, path is left as is and 0 is returned. The body
// goes to a temporary file that is renamed into place, so path never holds a
// partial download.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	tagPath := path + ".etag"

	header := http.Header{}
	if tag, err := os.ReadFile(tagPath); err == nil && fileExists(path) {
		header.Set("If-None-Match", strings.TrimSpace(string(tag)))
	}

	resp, err := f.get(ctx, rawURL, header)
	if err != nil {
		return 0, eris.Wrap(err, "download")
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		f.log.Debug("not modified", zap.String("url", rawURL), zap.String("path", path))
		return 0, nil
	default:
		return 0, eris.Errorf("download: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	n, err := writeAtomic(path, resp.Body)
	if err != nil {
		return n, err
	}

	if tag := resp.Header.Get("ETag"); tag != "" {
		if err := os.WriteFile(tagPath, []byte(tag), 0o644); err != nil {
			return n, eris.Wrap(err, "write etag")
		}
	} else {
		_ = os.Remove(tagPath)
	}
	return n, nil
}

// GetJSON fetches the URL and decodes the JSON body into v.
func (f *HTTPFetcher) GetJSON(ctx context.Context, rawURL string, v any) error {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return err
	}
	defer body.Close() //nolint:errcheck

	if err := json.NewDecoder(body).Decode(v); err != nil {
		return eris.Wrapf(err, "decode %s", rawURL)
	}
	return nil
}

type statusError struct {
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return "http status " + strconv.Itoa(e.code)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}

func writeAtomic(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return n, eris.Wrap(err, "write file")
	}
	if err := tmp.Close(); err != nil {
		return n, eris.Wrap(err, "close file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, eris.Wrap(err, "rename file")
	}
	return n, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
