// Package uploadset implements the upload-set manager (spec component F):
// it owns one engine per configured backup root, forwards directory-change
// events to the engine that owns the affected root, aggregates progress
// across all of them, and combines each root's completed snapshot into a
// single meta-root chunk published under the object store as one device
// snapshot.
//
// Grounded on the teacher's internal/orchestrator package for the
// fan-out-then-combine shape (internal/orchestrator/vault_transfers.go
// runs several transfers and reports one aggregate result) generalized
// from migration jobs to backup roots.
package uploadset

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"backupcore/internal/cache"
	"backupcore/internal/digest"
	"backupcore/internal/engine"
	"backupcore/internal/logging"
	"backupcore/internal/metatree"
	"backupcore/internal/objectstore"
	"backupcore/internal/watch"
)

// MetaSnapshotInfo is the manager-level analogue of engine.SnapshotInfo: the
// combined meta-root committed once every participating root finishes.
type MetaSnapshotInfo struct {
	Kind        engine.SnapshotKind
	RootHashSeq digest.Seq
	SubtreeSize uint64
	Roots       []string // root paths included, in encoding order
}

type rootEntry struct {
	path string
	eng  *engine.Engine
}

// Manager coordinates one Engine per backup root.
type Manager struct {
	store        *objectstore.Client
	deviceID     string
	maxChunkSize int
	logger       *slog.Logger

	onMetaSnapshot func(*Manager, MetaSnapshotInfo)
	onProgress     func(*Manager)

	mu    sync.Mutex // guards roots and the single-run-at-a-time state below
	roots map[string]*rootEntry

	running   bool
	runKind   engine.SnapshotKind
	pending   map[string]struct{} // root paths still running this cycle
	collected map[string]engine.SnapshotInfo
	runCancel context.CancelFunc

	// snapshotMu serializes meta-root composition across roots, matching
	// spec.md §4.5's m_snapshotNotificationLock.
	snapshotMu sync.Mutex
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger injects a scoped logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.Default(logger).With("component", "uploadset") }
}

// WithMaxChunkSize overrides metatree.DefaultMaxChunkSize for meta-root
// encoding.
func WithMaxChunkSize(n int) Option {
	return func(m *Manager) { m.maxChunkSize = n }
}

// WithMetaSnapshotCallback registers the callback invoked once per
// completed meta-root commit.
func WithMetaSnapshotCallback(cb func(*Manager, MetaSnapshotInfo)) Option {
	return func(m *Manager) { m.onMetaSnapshot = cb }
}

// WithProgressCallback registers the callback invoked whenever any root's
// worker status changes.
func WithProgressCallback(cb func(*Manager)) Option {
	return func(m *Manager) { m.onProgress = cb }
}

// New creates a Manager that publishes snapshots for deviceID via store.
func New(store *objectstore.Client, deviceID string, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		deviceID:     deviceID,
		maxChunkSize: metatree.DefaultMaxChunkSize,
		logger:       logging.Discard(),
		roots:        make(map[string]*rootEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddRoot constructs and registers an Engine for root, wiring its progress
// and snapshot callbacks back into the manager. extra lets the caller add
// engine options (exclusions, worker count, filter) beyond what the
// manager itself sets.
func (m *Manager) AddRoot(root string, c *cache.Cache, extra ...engine.Option) *engine.Engine {
	opts := append([]engine.Option{
		engine.WithLogger(m.logger),
		engine.WithMaxChunkSize(m.maxChunkSize),
		engine.WithProgressCallback(func(*engine.Engine) { m.notifyProgress() }),
		engine.WithSnapshotCallback(func(e *engine.Engine, info engine.SnapshotInfo) {
			m.recordSnapshot(root, info)
		}),
		engine.WithCompletionCallback(func(e *engine.Engine) {
			m.recordCompletion(root)
		}),
	}, extra...)

	eng := engine.New(root, c, m.store, opts...)

	m.mu.Lock()
	m.roots[root] = &rootEntry{path: root, eng: eng}
	m.mu.Unlock()
	return eng
}

// HandleWatchEvent forwards a directory-change monitor event to the
// engine owning the touched root, per spec.md §4.5's responsibility #3.
// Events for roots this manager doesn't own are silently dropped.
func (m *Manager) HandleWatchEvent(ev watch.Event) {
	m.mu.Lock()
	entry, ok := m.roots[ev.Root]
	m.mu.Unlock()
	if !ok {
		return
	}
	entry.eng.TouchPath(ev.Relative)
}

// StartUpload starts a full backup of every registered root. Returns
// false if a run is already in progress.
func (m *Manager) StartUpload(ctx context.Context) bool {
	return m.start(ctx, false)
}

// StartTouchedRoots starts a partial backup of every registered root,
// each engine rescanning only the subtrees its watch tree marked touched.
// This is the upload_set.start_touched_roots() operation the CDP
// scheduler calls (spec.md §4.6); a false return tells the scheduler to
// reschedule.
func (m *Manager) StartTouchedRoots(ctx context.Context) bool {
	return m.start(ctx, true)
}

func (m *Manager) start(ctx context.Context, partial bool) bool {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return false
	}
	if len(m.roots) == 0 {
		m.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.runCancel = cancel
	m.pending = make(map[string]struct{}, len(m.roots))
	m.collected = make(map[string]engine.SnapshotInfo, len(m.roots))
	if partial {
		m.runKind = engine.SnapshotPartial
	} else {
		m.runKind = engine.SnapshotComplete
	}
	entries := make([]*rootEntry, 0, len(m.roots))
	for path, e := range m.roots {
		m.pending[path] = struct{}{}
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		var started bool
		if partial {
			started = e.eng.StartTouchedRoots(runCtx)
		} else {
			started = e.eng.StartUpload(runCtx)
		}
		if !started {
			// Already running independently (e.g. triggered directly
			// against that engine) — treat as already-pending; its
			// existing run's completion callback will still fire.
			m.logger.Warn("root engine was already running at cycle start", "root", e.path)
		}
	}
	return true
}

// CancelUpload cancels every engine's current run.
func (m *Manager) CancelUpload() {
	m.mu.Lock()
	cancel := m.runCancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetProgress aggregates every root's worker progress into one vector,
// per spec.md §4.5's responsibility #5. Each entry's Object is prefixed
// with its owning root's path so callers can tell workers apart.
func (m *Manager) GetProgress() []engine.WorkerProgress {
	m.mu.Lock()
	entries := make([]*rootEntry, 0, len(m.roots))
	for _, e := range m.roots {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	var out []engine.WorkerProgress
	for _, e := range entries {
		for _, p := range e.eng.GetProgress() {
			if p.Object != "" {
				p.Object = filepath.Join(e.path, p.Object)
			}
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) recordSnapshot(root string, info engine.SnapshotInfo) {
	m.mu.Lock()
	if m.collected != nil {
		m.collected[root] = info
	}
	m.mu.Unlock()
}

func (m *Manager) recordCompletion(root string) {
	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return
	}
	delete(m.pending, root)
	done := len(m.pending) == 0
	var collected map[string]engine.SnapshotInfo
	kind := m.runKind
	if done {
		collected = m.collected
		m.running = false
		m.pending = nil
		m.collected = nil
		m.runCancel = nil
	}
	m.mu.Unlock()

	if !done {
		return
	}
	m.commitMetaSnapshot(kind, collected)
}

// commitMetaSnapshot builds the meta-root chunk — a directory-shaped node
// with one child per root that actually produced a snapshot this cycle —
// uploads it, and publishes the device snapshot. Roots that were
// cancelled (no SnapshotInfo recorded) are omitted, matching the
// per-directory rule that a root only contributes once its own root
// chunk committed.
func (m *Manager) commitMetaSnapshot(kind engine.SnapshotKind, collected map[string]engine.SnapshotInfo) {
	if len(collected) == 0 {
		return
	}

	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()

	paths := make([]string, 0, len(collected))
	for p := range collected {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	children := make([]metatree.ChildEntry, 0, len(paths))
	var subtreeSum uint64
	for _, p := range paths {
		info := collected[p]
		children = append(children, metatree.ChildEntry{
			Name:   filepath.Base(p),
			Kind:   metatree.EntryKindDir,
			Owner:  info.Owner,
			Group:  info.Group,
			Chunks: info.RootHashSeq,
		})
		subtreeSum += info.SubtreeSize
	}

	ctx := context.Background()
	result, err := metatree.EncodeDirectory(children, subtreeSum, m.maxChunkSize)
	if err != nil {
		m.logger.Warn("failed to encode meta-root, snapshot not committed", "error", err)
		return
	}
	for _, d := range result.Seq {
		present, err := m.store.Head(ctx, d)
		if err != nil {
			m.logger.Warn("failed to probe meta-root chunk, snapshot not committed", "error", err)
			return
		}
		if present {
			continue
		}
		if err := m.store.Post(ctx, d, result.Bytes[d]); err != nil {
			m.logger.Warn("failed to upload meta-root chunk, snapshot not committed", "error", err)
			return
		}
	}

	size := subtreeSum + totalEncodedSize(result)
	if err := m.store.PostSnapshot(ctx, m.deviceID, kind.String(), result.Seq, size); err != nil {
		m.logger.Warn("failed to publish device snapshot", "error", err)
		return
	}

	info := MetaSnapshotInfo{Kind: kind, RootHashSeq: result.Seq, SubtreeSize: size, Roots: paths}
	if m.onMetaSnapshot != nil {
		m.onMetaSnapshot(m, info)
	}
}

func (m *Manager) notifyProgress() {
	if m.onProgress != nil {
		m.onProgress(m)
	}
}

func totalEncodedSize(r metatree.EncodeResult) uint64 {
	var total uint64
	for _, d := range r.Seq {
		total += uint64(len(r.Bytes[d])) //nolint:gosec // G115: chunk byte lengths bounded by MaxChunkSize splitting
	}
	return total
}
