package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"backupcore/internal/digest"
	"backupcore/internal/fsobj"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path, WithTxnGroupPeriod(time.Hour))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReadMissingReturnsNilNotFresh(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	obj, fresh, err := c.Read(ctx, fsobj.ID{Device: 1, Inode: 2})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if obj != nil || fresh {
		t.Fatalf("expected no row, got obj=%+v fresh=%v", obj, fresh)
	}
}

func TestInsertThenReadIsFresh(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id := fsobj.ID{Device: 1, Inode: 42, CTimeSec: 100, MTimeSec: 200}
	seq := digest.Seq{digest.SumBytes([]byte("a"))}
	if err := c.Insert(ctx, CObject{FSObjID: id, Chunks: seq, SubtreeSize: 77}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	obj, fresh, err := c.Read(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if obj == nil {
		t.Fatalf("expected a row")
	}
	if !fresh {
		t.Fatalf("expected fresh=true for an unchanged identity")
	}
	if obj.RowID == 0 {
		t.Fatalf("expected a non-zero row id after insert")
	}
	if !obj.Chunks.Equal(seq) || obj.SubtreeSize != 77 {
		t.Fatalf("round trip mismatch: %+v", obj)
	}
}

func TestInsertOrIgnoreDoesNotClobberWinner(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id := fsobj.ID{Device: 1, Inode: 42, CTimeSec: 100, MTimeSec: 200}
	first := digest.Seq{digest.SumBytes([]byte("first"))}
	second := digest.Seq{digest.SumBytes([]byte("second"))}

	if err := c.Insert(ctx, CObject{FSObjID: id, Chunks: first, SubtreeSize: 1}); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := c.Insert(ctx, CObject{FSObjID: id, Chunks: second, SubtreeSize: 2}); err != nil {
		t.Fatalf("insert 2: %v", err)
	}

	obj, _, err := c.Read(ctx, id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !obj.Chunks.Equal(first) {
		t.Fatalf("expected the first writer to win, got %v", obj.Chunks)
	}
}

// S5: inode reuse with different content is detected as stale (fresh=false)
// and Update replaces the row in place.
func TestInodeReuseIsDetectedAndUpdated(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id := fsobj.ID{Device: 1, Inode: 7, CTimeSec: 100, MTimeSec: 100}
	oldSeq := digest.Seq{digest.SumBytes([]byte("old content"))}
	if err := c.Insert(ctx, CObject{FSObjID: id, Chunks: oldSeq, SubtreeSize: 10}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	reused := fsobj.ID{Device: 1, Inode: 7, CTimeSec: 500, MTimeSec: 500}
	obj, fresh, err := c.Read(ctx, reused)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if fresh {
		t.Fatalf("expected stale identity to report fresh=false")
	}
	if obj == nil || obj.RowID == 0 {
		t.Fatalf("expected the stale row to still be returned with its row id")
	}

	newSeq := digest.Seq{digest.SumBytes([]byte("new content"))}
	if err := c.Update(ctx, CObject{RowID: obj.RowID, FSObjID: reused, Chunks: newSeq, SubtreeSize: 20}); err != nil {
		t.Fatalf("update: %v", err)
	}

	after, fresh, err := c.Read(ctx, reused)
	if err != nil {
		t.Fatalf("read after update: %v", err)
	}
	if !fresh {
		t.Fatalf("expected fresh=true after update")
	}
	if !after.Chunks.Equal(newSeq) || after.SubtreeSize != 20 {
		t.Fatalf("update did not take effect: %+v", after)
	}
}

func TestQuiesceThenReadReopens(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	id := fsobj.ID{Device: 1, Inode: 9, CTimeSec: 1, MTimeSec: 1}
	if err := c.Insert(ctx, CObject{FSObjID: id, Chunks: digest.Seq{digest.SumBytes([]byte("x"))}, SubtreeSize: 5}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Quiesce(); err != nil {
		t.Fatalf("quiesce: %v", err)
	}

	obj, fresh, err := c.Read(ctx, id)
	if err != nil {
		t.Fatalf("read after quiesce: %v", err)
	}
	if obj == nil || !fresh {
		t.Fatalf("expected the row to survive quiesce: %+v fresh=%v", obj, fresh)
	}
}

func TestUpdateWithoutRowIDFails(t *testing.T) {
	c := openTestCache(t)
	if err := c.Update(context.Background(), CObject{}); err == nil {
		t.Fatalf("expected an error updating with a zero RowID")
	}
}
