package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"backupcore/internal/digest"
)

type staticToken struct{}

func (staticToken) Token(context.Context) (string, error) { return "test-token", nil }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, staticToken{}, WithBackoff(time.Millisecond, 10*time.Millisecond))
}

func TestHeadReturnsTrueOn204(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing bearer token")
		}
		w.WriteHeader(http.StatusNoContent)
	})
	ok, err := c.Head(context.Background(), digest.SumBytes([]byte("x")))
	if err != nil || !ok {
		t.Fatalf("head: ok=%v err=%v", ok, err)
	}
}

func TestHeadReturnsFalseOn404(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ok, err := c.Head(context.Background(), digest.SumBytes([]byte("x")))
	if err != nil || ok {
		t.Fatalf("head: ok=%v err=%v", ok, err)
	}
}

func TestGetReturnsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})
	body, err := c.Get(context.Background(), digest.SumBytes([]byte("x")))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("got %q", body)
	}
}

func TestPostRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	err := c.Post(context.Background(), digest.SumBytes([]byte("x")), []byte("body"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestPostTreatsConflictAsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	if err := c.Post(context.Background(), digest.SumBytes([]byte("x")), []byte("body")); err != nil {
		t.Fatalf("post: %v", err)
	}
}

func TestPostReturnsPermanentErrorOn4xxWithoutRetry(t *testing.T) {
	var attempts int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	})
	err := c.Post(context.Background(), digest.SumBytes([]byte("x")), []byte("body"))
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !IsPermanent(err) {
		t.Fatalf("expected a permanent error, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", got)
	}
}

func TestPostDedupsConcurrentCallsForSameDigest(t *testing.T) {
	var attempts int32
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		<-release
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusCreated)
	})

	d := digest.SumBytes([]byte("shared"))
	results := make(chan error, 2)
	for range 2 {
		go func() {
			results <- c.Post(context.Background(), d, []byte("body"))
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)

	for range 2 {
		if err := <-results; err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected exactly 1 upstream attempt, got %d", got)
	}
}

func TestPostDedupWaitersSeeLeadsFailure(t *testing.T) {
	var attempts int32
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		<-release
		w.WriteHeader(http.StatusForbidden)
	})

	d := digest.SumBytes([]byte("shared"))
	results := make(chan error, 3)
	for range 3 {
		go func() {
			results <- c.Post(context.Background(), d, []byte("body"))
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)

	for range 3 {
		err := <-results
		if err == nil || !IsPermanent(err) {
			t.Fatalf("expected every waiter to see the lead's permanent error, got %v", err)
		}
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected exactly 1 upstream attempt, got %d", got)
	}
}

func TestPostAbortsImmediatelyOnCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Post(ctx, digest.SumBytes([]byte("x")), []byte("body"))
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}
