// Package cache implements the FS cache (spec component C): a single
// embedded relational database mapping (device, inode) to the identity
// timestamps and chunk sequence last uploaded for that filesystem entity,
// so repeated backup runs skip files whose identity hasn't changed.
//
// Storage is modernc.org/sqlite (pure Go, no cgo), the same embedded-DB
// choice the teacher's internal/config/sqlite package makes. Writes are
// grouped into a single long-lived transaction that auto-commits every
// TxnGroupPeriod to amortize fsync cost, per spec.md §4.3.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"backupcore/internal/digest"
	"backupcore/internal/fsobj"
	"backupcore/internal/logging"
)

// DefaultTxnGroupPeriod is spec.md §4.3's recommended TXN_GROUP_PERIOD.
const DefaultTxnGroupPeriod = 60 * time.Second

var ErrCorrupt = errors.New("cache: hash blob length is not a multiple of digest size")

// CObject mirrors spec.md §3's cache object: a cache row plus the
// filesystem identity and chunk sequence it last recorded.
type CObject struct {
	// RowID is 0 iff this object has never been inserted.
	RowID int64

	FSObjID     fsobj.ID
	Chunks      digest.Seq
	SubtreeSize uint64
}

// Cache is the FS cache. All operations are serialized under mu, matching
// spec.md §5's "the cache is serialized under one mutex" rule.
type Cache struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	logger *slog.Logger

	groupPeriod time.Duration
	tx          *sql.Tx
	stopGroup   chan struct{}
	groupDone   chan struct{}
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithLogger injects a scoped logger. Without one, log output is discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logging.Default(logger).With("component", "cache") }
}

// WithTxnGroupPeriod overrides DefaultTxnGroupPeriod.
func WithTxnGroupPeriod(d time.Duration) Option {
	return func(c *Cache) { c.groupPeriod = d }
}

// Open opens (creating if necessary) the cache database at path and runs
// migrations, then starts the grouped-commit background ticker.
func Open(path string, opts ...Option) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	c := &Cache{
		db:          db,
		path:        path,
		logger:      logging.Discard(),
		groupPeriod: DefaultTxnGroupPeriod,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.startGroupCommit()
	return c, nil
}

// startGroupCommit launches the ticker goroutine that commits the open
// transaction every groupPeriod. A crash loses at most groupPeriod worth of
// updates; spec.md §4.3 notes this is harmless because objects are always
// uploaded (and acknowledged by the server) before their cache row is
// written, so a lost row just means the file is re-read next run.
func (c *Cache) startGroupCommit() {
	c.stopGroup = make(chan struct{})
	c.groupDone = make(chan struct{})
	go func() {
		defer close(c.groupDone)
		ticker := time.NewTicker(c.groupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				if err := c.commitLocked(); err != nil {
					c.logger.Warn("grouped commit failed", "error", err)
				}
				c.mu.Unlock()
			case <-c.stopGroup:
				return
			}
		}
	}()
}

// txLocked returns the currently open transaction, starting one if none is
// open. Caller must hold mu.
func (c *Cache) txLocked(ctx context.Context) (*sql.Tx, error) {
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	c.tx = tx
	return tx, nil
}

// commitLocked commits the open transaction, if any. Caller must hold mu.
func (c *Cache) commitLocked() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

// Read looks up the row for id.FSObjID's (device, inode) pair. It returns
// (nil, false, nil) if no such row exists at all. If a row exists but its
// identity timestamps differ from id (inode reuse, or a genuine content
// change), it returns the row with fresh=false so the caller can decide
// whether to Insert (new dev/ino never seen) or Update (same dev/ino,
// changed content) — spec.md §4.3's read/insert/update contract.
func (c *Cache) Read(ctx context.Context, id fsobj.ID) (obj *CObject, fresh bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.txLocked(ctx)
	if err != nil {
		return nil, false, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, ctime_s, ctime_ns, mtime_s, mtime_ns, hash_blob, subtree_size
		FROM objs WHERE dev = ? AND ino = ?`, id.Device, id.Inode)

	var rowID int64
	var ctimeS, mtimeS int64
	var ctimeNs, mtimeNs int64
	var hashBlob []byte
	var subtreeSize int64
	if err := row.Scan(&rowID, &ctimeS, &ctimeNs, &mtimeS, &mtimeNs, &hashBlob, &subtreeSize); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache row: %w", err)
	}

	if len(hashBlob)%digest.Size != 0 {
		return nil, false, ErrCorrupt
	}
	seq := make(digest.Seq, len(hashBlob)/digest.Size)
	for i := range seq {
		copy(seq[i][:], hashBlob[i*digest.Size:])
	}

	stored := fsobj.ID{
		Device:    id.Device,
		Inode:     id.Inode,
		CTimeSec:  ctimeS,
		CTimeNsec: int32(ctimeNs), //nolint:gosec // G115: nanoseconds always < 1e9
		MTimeSec:  mtimeS,
		MTimeNsec: int32(mtimeNs), //nolint:gosec // G115: nanoseconds always < 1e9
	}

	obj = &CObject{
		RowID:       rowID,
		FSObjID:     stored,
		Chunks:      seq,
		SubtreeSize: uint64(subtreeSize), //nolint:gosec // G115: sizes always non-negative
	}
	return obj, stored.Equal(id), nil
}

// Insert adds a new row for a (device, inode) pair never seen before, using
// INSERT OR IGNORE so that two workers racing to discover the same new
// inode never abort one another: whichever wins, the row is correct (or
// will be corrected by the next Update once the loser notices the
// mismatch on its next Read).
func (c *Cache) Insert(ctx context.Context, obj CObject) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.txLocked(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO objs (dev, ino, ctime_s, ctime_ns, mtime_s, mtime_ns, hash_blob, subtree_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.FSObjID.Device, obj.FSObjID.Inode,
		obj.FSObjID.CTimeSec, obj.FSObjID.CTimeNsec,
		obj.FSObjID.MTimeSec, obj.FSObjID.MTimeNsec,
		obj.Chunks.Encode()[4:], obj.SubtreeSize)
	if err != nil {
		return fmt.Errorf("insert cache row: %w", err)
	}
	return nil
}

// Update replaces the timestamps, hash sequence, and subtree size of the
// row named by obj.RowID. The (dev, ino) pair is assumed invariant for a
// given RowID, per spec.md §4.3.
func (c *Cache) Update(ctx context.Context, obj CObject) error {
	if obj.RowID == 0 {
		return errors.New("cache: Update requires a non-zero RowID")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.txLocked(ctx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE objs SET ctime_s = ?, ctime_ns = ?, mtime_s = ?, mtime_ns = ?, hash_blob = ?, subtree_size = ?
		WHERE id = ?`,
		obj.FSObjID.CTimeSec, obj.FSObjID.CTimeNsec,
		obj.FSObjID.MTimeSec, obj.FSObjID.MTimeNsec,
		obj.Chunks.Encode()[4:], obj.SubtreeSize, obj.RowID)
	if err != nil {
		return fmt.Errorf("update cache row: %w", err)
	}
	return nil
}

// Quiesce commits any open transaction, flushing all pending writes to
// disk without stopping the grouped-commit goroutine or closing the
// database handle. The next Read/Insert/Update transparently opens a new
// transaction. Callers use this to force durability at a checkpoint (e.g.
// a completed snapshot) without paying Close/Open's migration cost.
func (c *Cache) Quiesce() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLocked()
}

// Close stops the grouped-commit goroutine, commits, and closes the
// database handle.
func (c *Cache) Close() error {
	close(c.stopGroup)
	<-c.groupDone

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.commitLocked(); err != nil {
		c.db.Close() //nolint:errcheck
		return err
	}
	return c.db.Close()
}
