package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"backupcore/internal/digest"
)

// StartUpload spawns the configured number of workers and enqueues the
// root directory at its own depth, returning true if a new run started or
// false if one was already in progress (spec.md §4.2).
func (e *Engine) StartUpload(ctx context.Context) bool {
	return e.start(ctx, false)
}

// StartTouchedRoots runs a partial backup: only WNodes whose queued flag
// is set (snapshotted from touched at the start of this call) are
// rescanned; everything else is read verbatim from the cache. This is
// the upload-set manager's "start_touched_roots" entry point (spec.md
// §4.5), exposed here since one Engine owns exactly one backup root.
func (e *Engine) StartTouchedRoots(ctx context.Context) bool {
	return e.start(ctx, true)
}

func (e *Engine) start(ctx context.Context, partial bool) bool {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return false
	}
	e.running = true
	e.partial = partial
	workers := e.numWorkers
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	e.tree.snapshotTouchedAndReset()
	e.queue.Reset()

	e.progressMu.Lock()
	e.progress = make([]WorkerProgress, workers)
	e.progressMu.Unlock()

	rootNode, _ := e.tree.getOrCreate("", noParent, 0)
	rootNode.resetRunState()

	go func() {
		<-runCtx.Done()
		e.queue.Close()
	}()

	e.queue.Push(itemScanDir, rootNode.id, rootNode.depth)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := range workers {
		go func(idx int) {
			defer wg.Done()
			e.workerLoop(runCtx, idx)
		}(i)
	}

	go func() {
		wg.Wait()
		cancel()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		if e.onCompletion != nil {
			e.onCompletion(e)
		}
		close(e.doneCh)
	}()

	return true
}

// CancelUpload requests that every worker finish its current work item
// and exit without starting new ones; no snapshot is committed for the
// interrupted run.
func (e *Engine) CancelUpload() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current run (if any) finishes.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.doneCh
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

// finishRun is called by whichever worker uploads the root chunk — the
// node with no parent — per spec.md §4.2.
func (e *Engine) finishRun(ctx context.Context, seq digest.Seq, subtreeSize uint64, owner, group string) {
	info := SnapshotInfo{
		Kind:        e.currentKind(),
		RootHashSeq: seq,
		SubtreeSize: subtreeSize,
		Owner:       owner,
		Group:       group,
		Timestamp:   time.Now().UTC(),
	}

	e.latestMu.Lock()
	e.latest = &info
	e.latestMu.Unlock()

	if ctx.Err() != nil {
		return // cancelled: no snapshot callback fires, per spec.md §4.2
	}
	if e.onSnapshot != nil {
		e.onSnapshot(e, info)
	}
}

func (e *Engine) currentKind() SnapshotKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.partial {
		return SnapshotPartial
	}
	return SnapshotComplete
}

func (e *Engine) isPartialRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partial
}

// errCancelled is returned internally by suspension points once the run's
// context has been cancelled, to unwind out of a scan/upload in progress.
var errCancelled = errors.New("engine: upload cancelled")

func checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	return nil
}
