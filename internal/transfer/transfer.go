// Package transfer performs retried, validated, atomically finalized
// downloads and uploads.
package transfer

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/paperflow-io/paperflow/internal/errs"
	"github.com/paperflow-io/paperflow/internal/util"
	"github.com/paperflow-io/paperflow/internal/worker"
)

// Validator checks the structural validity of a downloaded payload.
// wantSize is the server-reported content length, or -1 when unknown.
type Validator func(path string, wantSize int64) error

// Client performs transfers with retry, backoff, and rate limiting.
type Client struct {
	httpClient *http.Client
	userAgent  string
	maxRetries int
	limiter    *worker.Limiter
	robots     *util.RobotsChecker

	// sleep is injectable for tests.
	sleep func(time.Duration)
}

// NewClient creates a transfer client. A nil limiter disables rate limiting
// and a nil robots checker disables the robots.txt gate.
func NewClient(httpClient *http.Client, userAgent string, maxRetries int, limiter *worker.Limiter, robots *util.RobotsChecker) *Client {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Client{
		httpClient: httpClient,
		userAgent:  userAgent,
		maxRetries: maxRetries,
		limiter:    limiter,
		robots:     robots,
		sleep:      time.Sleep,
	}
}

// Fetch downloads url into dest. The payload is written to a temporary
// sibling, validated, and renamed into place; a destination that already
// validates short-circuits, which is what makes reruns cheap. Transient
// failures (connection errors, 5xx, 429, timeouts) are retried with
// exponential backoff and jitter; other client errors are not.
func (c *Client) Fetch(ctx context.Context, url, dest string, validate Validator, headers map[string]string) error {
	if validate != nil {
		if err := validate(dest, -1); err == nil {
			return nil // already fetched and valid
		}
	}

	if c.robots != nil {
		allowed, crawlDelay, err := c.robots.CanFetch(ctx, url)
		if err == nil && !allowed {
			return fmt.Errorf("robots.txt disallows %s", url)
		}
		if crawlDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(crawlDelay):
			}
		}
	}

	attempt := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, url); err != nil {
				return err
			}
		}
		return c.fetchOnce(ctx, url, dest, validate, headers)
	}
	return c.withRetry(ctx, "fetch "+url, attempt)
}

func (c *Client) fetchOnce(ctx context.Context, url, dest string, validate Validator, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Transientf("get", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return errs.Transientf("read body", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", closeErr)
	}

	if validate != nil {
		if err := validate(tmp, resp.ContentLength); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

// Push uploads the file at src to url with an HTTP PUT, retrying transient
// failures the same way Fetch does.
func (c *Client) Push(ctx context.Context, src, url string) error {
	attempt := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, url); err != nil {
				return err
			}
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.ContentLength = int64(len(data))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errs.Transientf("put", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return classifyStatus(resp.StatusCode)
	}
	return c.withRetry(ctx, "push "+url, attempt)
}

// withRetry runs attempt up to maxRetries times with exponential backoff and
// jitter. ValidationError triggers exactly one refetch; deterministic client
// failures surface immediately.
func (c *Client) withRetry(ctx context.Context, op string, attempt func() error) error {
	var lastErr error
	validationRetried := false
	backoff := time.Second

	for try := 1; try <= c.maxRetries; try++ {
		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case errs.IsValidation(err):
			if validationRetried {
				return fmt.Errorf("%s: %w", op, err)
			}
			validationRetried = true
		case errs.IsTransient(err):
			// fall through to backoff
		default:
			return fmt.Errorf("%s: %w", op, err)
		}

		if try == c.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		c.sleep(backoff + jitter)
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return errs.Transientf("http", fmt.Errorf("status %d", code))
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}

// MagicValidator checks that the file starts with the expected magic bytes
// and, when the server reported a size, that the file reaches it.
func MagicValidator(magic []byte) Validator {
	return func(path string, wantSize int64) error {
		info, err := os.Stat(path)
		if err != nil {
			return errs.Validationf(path, "missing: %v", err)
		}
		if wantSize >= 0 && info.Size() != wantSize {
			return errs.Validationf(path, "size %d, server reported %d", info.Size(), wantSize)
		}
		if info.Size() < int64(len(magic)) {
			return errs.Validationf(path, "too short for header")
		}
		f, err := os.Open(path)
		if err != nil {
			return errs.Validationf(path, "open: %v", err)
		}
		defer f.Close()
		head := make([]byte, len(magic))
		if _, err := io.ReadFull(f, head); err != nil {
			return errs.Validationf(path, "read header: %v", err)
		}
		if !bytes.Equal(head, magic) {
			return errs.Validationf(path, "bad magic header %q", head)
		}
		return nil
	}
}

// ZipValidator checks that the file is a readable, non-empty zip archive.
func ZipValidator() Validator {
	return func(path string, wantSize int64) error {
		info, err := os.Stat(path)
		if err != nil {
			return errs.Validationf(path, "missing: %v", err)
		}
		if wantSize >= 0 && info.Size() != wantSize {
			return errs.Validationf(path, "size %d, server reported %d", info.Size(), wantSize)
		}
		r, err := zip.OpenReader(path)
		if err != nil {
			return errs.Validationf(path, "not a zip: %v", err)
		}
		defer r.Close()
		if len(r.File) == 0 {
			return errs.Validationf(path, "empty archive")
		}
		return nil
	}
}
