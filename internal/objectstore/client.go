// Package objectstore implements the HTTP client for spec component A: the
// remote object store holding opaque 32-byte-keyed chunk blobs and
// per-device snapshot records (spec.md §6).
package objectstore

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"backupcore/internal/digest"
	"backupcore/internal/logging"
)

// TokenSource mints the bearer credential attached to every request. It is
// the external collaborator spec.md §1 names for device/account
// registration; this package only consumes it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// PermanentError wraps a non-retryable 4xx response (anything other than a
// 404 on HEAD/GET, which the caller treats as "absent", not an error).
type PermanentError struct {
	StatusCode int
	Path       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("objectstore: permanent failure %d for %s", e.StatusCode, e.Path)
}

// Client talks to the object store over HTTP, retrying network errors and
// 5xx responses indefinitely (bounded only by context cancellation) with
// exponential backoff, per spec.md §4.2's retry policy.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  TokenSource
	limiter *rate.Limiter
	logger  *slog.Logger

	backoffBase time.Duration
	backoffCap  time.Duration

	mu       sync.Mutex
	inflight map[digest.Digest]*inflightPost // dedups concurrent POSTs of the same chunk
}

// inflightPost tracks one in-progress Post so every waiter, not just the
// first, observes the lead goroutine's actual result: err is written once,
// before done is closed, so the close establishes happens-before for every
// waiter's read.
type inflightPost struct {
	done chan struct{}
	err  error
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger injects a scoped logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.Default(logger).With("component", "objectstore") }
}

// WithHTTPClient overrides the default *http.Client (tests use this to
// point at an httptest.Server, or to inject a transport that times out per
// spec.md §5's recommended 30s socket timeout).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps the outbound request rate (with a burst allowance)
// independent of the
// upload engine's worker count, grounded on the teacher's internal/server
// per-IP rate.Limiter (here client-side, one limiter for the whole store).
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// WithBackoff overrides the default exponential-backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Client) { c.backoffBase, c.backoffCap = base, cap }
}

// New creates a Client against baseURL, authenticating every request with
// a token from tokens.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		http:        &http.Client{Timeout: 30 * time.Second},
		baseURL:     baseURL,
		tokens:      tokens,
		logger:      logging.Discard(),
		backoffBase: 200 * time.Millisecond,
		backoffCap:  5 * time.Second,
		inflight:    make(map[digest.Digest]*inflightPost),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Head reports whether d is already present on the object store: true on
// 204, false on 404. Network errors and 5xx responses are retried per the
// policy above; any other status fails at once with a *PermanentError.
func (c *Client) Head(ctx context.Context, d digest.Digest) (bool, error) {
	path := "/object/" + d.String()
	var present bool
	err := c.doRetrying(ctx, path, func() (bool, error) {
		req, err := c.newRequest(ctx, http.MethodHead, path, nil)
		if err != nil {
			return false, err
		}
		resp, err := c.send(req)
		if err != nil {
			return true, err // network error: retry
		}
		defer drain(resp)
		switch resp.StatusCode {
		case http.StatusNoContent:
			present = true
			return false, nil
		case http.StatusNotFound:
			present = false
			return false, nil
		default:
			return classify(resp.StatusCode, path)
		}
	})
	return present, err
}

// Get fetches the raw bytes of chunk d.
func (c *Client) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	path := "/object/" + d.String()
	var body []byte
	err := c.doRetrying(ctx, path, func() (bool, error) {
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return false, err
		}
		resp, err := c.send(req)
		if err != nil {
			return true, err
		}
		defer drain(resp)
		if resp.StatusCode == http.StatusOK {
			b, readErr := io.ReadAll(resp.Body)
			if readErr != nil {
				return true, readErr
			}
			body = b
			return false, nil
		}
		if resp.StatusCode == http.StatusNotFound {
			return false, fmt.Errorf("objectstore: object %s not found", d)
		}
		return classify(resp.StatusCode, path)
	})
	return body, err
}

// Post uploads a chunk's raw bytes. It is idempotent: a 201 and a
// "conflict/already exists" response are both treated as success.
// Concurrent Post calls for the same digest (e.g. two workers hashing
// identical file content discovered independently) are deduplicated so
// only one upload actually hits the wire.
func (c *Client) Post(ctx context.Context, d digest.Digest, body []byte) error {
	if lead, wait := c.joinInflight(d); !lead {
		return wait(ctx)
	}

	path := "/object/" + d.String()
	err := c.doRetrying(ctx, path, func() (bool, error) {
		req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		resp, err := c.send(req)
		if err != nil {
			return true, err
		}
		defer drain(resp)
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK, http.StatusConflict:
			return false, nil
		default:
			return classify(resp.StatusCode, path)
		}
	})
	c.leaveInflight(d, err)
	return err
}

// snapshotXML is the wire body for PostSnapshot, per spec.md §6:
// <snapshot kind="complete|partial" size="…"><hash>…</hash>...</snapshot>.
type snapshotXML struct {
	XMLName xml.Name `xml:"snapshot"`
	Kind    string   `xml:"kind,attr"`
	Size    uint64   `xml:"size,attr"`
	Hashes  []string `xml:"hash"`
}

// PostSnapshot commits a root snapshot for deviceID: kind is "complete" or
// "partial", size is the root's aggregate subtree size, and seq is the
// root chunk sequence in order. Idempotent like Post: a 201 or 409 (the
// device already has this exact snapshot recorded) are both success.
func (c *Client) PostSnapshot(ctx context.Context, deviceID, kind string, seq digest.Seq, size uint64) error {
	hashes := make([]string, len(seq))
	for i, d := range seq {
		hashes[i] = d.String()
	}
	body, err := xml.Marshal(snapshotXML{Kind: kind, Size: size, Hashes: hashes})
	if err != nil {
		return fmt.Errorf("objectstore: encode snapshot body: %w", err)
	}

	path := "/snapshot/" + deviceID
	return c.doRetrying(ctx, path, func() (bool, error) {
		req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/xml")
		resp, err := c.send(req)
		if err != nil {
			return true, err
		}
		defer drain(resp)
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK, http.StatusConflict:
			return false, nil
		default:
			return classify(resp.StatusCode, path)
		}
	})
}

// joinInflight returns (true, nil) if the caller should perform the POST
// itself, or (false, wait) if another goroutine is already posting this
// digest and the caller should wait for its result instead. Every waiter
// shares the same *inflightPost, so all of them see the lead's real error,
// not just whichever one happens to read first.
func (c *Client) joinInflight(d digest.Digest) (lead bool, wait func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.inflight[d]; ok {
		return false, func(ctx context.Context) error {
			select {
			case <-p.done:
				return p.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	c.inflight[d] = &inflightPost{done: make(chan struct{})}
	return true, nil
}

func (c *Client) leaveInflight(d digest.Digest, err error) {
	c.mu.Lock()
	p, ok := c.inflight[d]
	delete(c.inflight, d)
	c.mu.Unlock()
	if ok {
		p.err = err
		close(p.done)
	}
}

// newRequest builds a request against baseURL+path, attaching a bearer
// token from tokens.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("objectstore: token source: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// send issues req, first waiting on the client-wide rate limiter if one is
// configured.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return c.http.Do(req)
}

// doRetrying runs attempt until it reports no further retry is needed,
// applying exponential backoff capped at c.backoffCap between attempts.
// attempt returns (retry, err): retry=true means try again (a transient
// network error or 5xx); retry=false ends the loop, whether err is nil
// (success) or a PermanentError.
func (c *Client) doRetrying(ctx context.Context, path string, attempt func() (retry bool, err error)) error {
	backoff := c.backoffBase
	for {
		retry, err := attempt()
		if !retry {
			return err
		}

		c.logger.Info("retrying object store request", "path", path, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}

		backoff *= 2
		if backoff > c.backoffCap {
			backoff = c.backoffCap
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1)) //nolint:gosec // G404: jitter has no security relevance
}

func classify(statusCode int, path string) (retry bool, err error) {
	if statusCode >= 500 {
		return true, fmt.Errorf("objectstore: server error %d for %s", statusCode, path)
	}
	return false, &PermanentError{StatusCode: statusCode, Path: path}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// IsPermanent reports whether err is a non-retryable 4xx failure, per
// spec.md §7's "Fatal"/"permanent" taxonomy entry.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
