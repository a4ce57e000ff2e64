// Package cdp implements the CDP (continuous-data-protection) scheduler
// (spec component G): a single background goroutine that debounces
// directory-change events into partial-backup triggers.
//
// Grounded on the teacher's background-loop idiom (internal/watch's
// Monitor.Run, itself grounded on internal/ingester/tail/ingester.go):
// one goroutine, a stop channel, and a notify.Signal-style wakeup,
// rather than a cron-style scheduler — go-co-op/gocron/v2 (wired
// elsewhere in the teacher for fixed-interval rotation jobs) has no
// notion of "reschedule this one pending fire to debounce further
// events," which is exactly what this component needs, so a bespoke
// timer loop is the better fit here.
package cdp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"backupcore/internal/logging"
)

// DefaultDebounce is spec.md §4.6's recommended debounce window.
const DefaultDebounce = 5 * time.Second

// StartFunc attempts to start a partial backup of touched roots. It
// returns false if a backup is already in progress, matching
// uploadset.Manager.StartTouchedRoots's signature.
type StartFunc func(ctx context.Context) bool

// Scheduler debounces NotifyChange calls into StartFunc invocations.
type Scheduler struct {
	debounce time.Duration
	start    StartFunc
	logger   *slog.Logger

	mu         sync.Mutex
	timeout    time.Time
	hasTimeout bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger injects a scoped logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.Default(logger).With("component", "cdp") }
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(s *Scheduler) { s.debounce = d }
}

// New creates a Scheduler that calls start once a debounce window, opened
// by a change, has elapsed; later changes inside an open window do not
// extend it.
func New(start StartFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		debounce: DefaultDebounce,
		start:    start,
		logger:   logging.Discard(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NotifyChange records that a change happened at path. If no debounce
// window is currently open, one is started; events arriving while a
// window is already open are absorbed (the watcher's own event queue
// records them, per spec.md §4.6).
func (s *Scheduler) NotifyChange(path string) {
	s.mu.Lock()
	opened := !s.hasTimeout
	if opened {
		s.timeout = time.Now().Add(s.debounce)
		s.hasTimeout = true
	}
	s.mu.Unlock()

	if opened {
		s.logger.Debug("debounce window opened", "path", path, "debounce", s.debounce)
		s.signal()
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the scheduler's single background loop. It returns when ctx is
// cancelled or Shutdown is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		wait, armed := s.nextWait()
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue // a new window opened (or closed); recompute the wait
		case <-timer.C:
			if !armed {
				continue // nothing pending; spurious long-sleep wakeup
			}
			s.fire(ctx)
		}
	}
}

// nextWait returns how long to sleep before the next check, and whether a
// debounce window is actually open (false means "sleep indefinitely until
// woken by NotifyChange or Shutdown").
func (s *Scheduler) nextWait() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasTimeout {
		return time.Hour, false
	}
	wait := time.Until(s.timeout)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// fire attempts to start a backup once the debounce window has elapsed.
// If the upload set was already busy, the window is reopened so the
// scheduler tries again after another full debounce period.
func (s *Scheduler) fire(ctx context.Context) {
	s.mu.Lock()
	due := !s.timeout.After(time.Now())
	s.mu.Unlock()
	if !due {
		return // woken early somehow; the loop will recompute and resleep
	}

	if s.start(ctx) {
		s.mu.Lock()
		s.hasTimeout = false
		s.mu.Unlock()
		return
	}

	s.logger.Info("backup already in progress, rescheduling", "debounce", s.debounce)
	s.mu.Lock()
	s.timeout = time.Now().Add(s.debounce)
	s.mu.Unlock()
}

// Shutdown stops the scheduler's loop and waits for it to exit. Call it
// at most once: a second call panics by closing the already-closed stop
// channel.
func (s *Scheduler) Shutdown() {
	close(s.stop)
	<-s.done
}
