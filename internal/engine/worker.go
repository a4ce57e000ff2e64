package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"backupcore/internal/cache"
	"backupcore/internal/digest"
	"backupcore/internal/fsobj"
	"backupcore/internal/metatree"
)

// workerLoop is the single dispatch point for the two tagged work-item
// variants, per spec.md §9's "avoid runtime closure allocation" note.
func (e *Engine) workerLoop(ctx context.Context, idx int) {
	for {
		item, ok := e.queue.Pop()
		if !ok {
			e.setStatus(idx, StatusIdle, "", nil)
			return
		}
		node := e.tree.get(item.node)
		switch item.kind {
		case itemScanDir:
			e.setStatus(idx, StatusScanning, node.relPath, nil)
			e.scanDir(ctx, node)
		case itemUploadDir:
			e.setStatus(idx, StatusUploading, node.relPath, nil)
			e.uploadDir(ctx, node)
		}
	}
}

// scanDir lists node's directory, separates subdirectories from files,
// applies the filter and exclusion list, processes files inline, and
// either enqueues UploadDir immediately (no subdirectories survived
// filtering) or waits for child completions via bump. Per spec.md §4.2.
func (e *Engine) scanDir(ctx context.Context, node *dirNode) {
	absPath := filepath.Join(e.root, node.relPath)

	if !node.fsIDSet {
		id, err := fsobj.Stat(absPath)
		if err != nil {
			e.logger.Warn("directory disappeared before scan", "path", absPath, "error", err)
			e.abandon(node)
			return
		}
		node.fsID = id
		node.fsIDSet = true
		if node.parent == noParent {
			mode, owner, group, attrs := statMeta(absPath)
			node.meta = metatree.ChildEntry{Kind: metatree.EntryKindDir, Mode: mode, Owner: owner, Group: group, Attrs: attrs}
		}
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		e.logger.Info("directory unreadable, skipping", "path", absPath, "error", err)
		e.abandon(node)
		return
	}

	names := make([]string, 0, len(entries))
	byName := make(map[string]os.DirEntry, len(entries))
	for _, d := range entries {
		names = append(names, d.Name())
		byName[d.Name()] = d
	}
	sort.Strings(names) // collate on raw name bytes, per spec.md §4.2

	e.mu.Lock()
	filter := e.filter
	e.mu.Unlock()

	var filtered []string
	for _, name := range names {
		if e.isExcluded(name) {
			continue
		}
		rel := filepath.Join(node.relPath, name)
		if filter != nil && !filter(rel) {
			continue
		}
		filtered = append(filtered, name)
	}

	// node.mu stays held for the whole population pass: a sibling that
	// finishes scanning, uploads, and calls bump before this loop has
	// added every child to incompleteChildren would otherwise see a
	// transient zero count and push the parent's upload early.
	node.mu.Lock()
	node.childSlots = make([]*metatree.ChildEntry, len(filtered))
	node.incompleteChildren = make(map[nodeID]int)
	partial := e.isPartialRun()

	for slot, name := range filtered {
		if err := checkCancelled(ctx); err != nil {
			node.mu.Unlock()
			return
		}
		d := byName[name]
		full := filepath.Join(absPath, name)
		rel := filepath.Join(node.relPath, name)

		switch {
		case d.Type()&os.ModeSymlink != 0:
			entry, err := e.processSymlink(full, name)
			if err != nil {
				e.logger.Info("symlink unreadable, skipping", "path", full, "error", err)
				continue
			}
			node.childSlots[slot] = &entry

		case d.IsDir():
			child, created := e.tree.getOrCreate(rel, node.id, node.depth+1)
			if created && e.onAddWatch != nil {
				e.onAddWatch(full)
			}
			mode, owner, group, attrs := statMeta(full)
			child.meta = metatree.ChildEntry{Name: name, Kind: metatree.EntryKindDir, Mode: mode, Owner: owner, Group: group, Attrs: attrs}

			if partial && !child.queued {
				// Non-queued subtree: read its prior result verbatim
				// from the cache rather than rescanning it.
				e.fillFromCache(ctx, child, node, slot)
				continue
			}

			node.incompleteChildren[child.id] = slot
			child.resetRunState()
			e.queue.Push(itemScanDir, child.id, child.depth)

		default:
			entry, size, err := e.processFile(ctx, full, name)
			if err != nil {
				e.logger.Info("file unreadable, skipping", "path", full, "error", err)
				continue
			}
			node.childSlots[slot] = &entry
			node.childSubtreeSum += size
		}
	}

	if len(node.incompleteChildren) == 0 {
		node.state = stateUploading
		node.mu.Unlock()
		e.queue.Push(itemUploadDir, node.id, node.depth)
	} else {
		node.state = stateAwaitingChildren
		node.mu.Unlock()
	}
}

// fillFromCache completes slot for a non-queued subdirectory during a
// partial run: its identity hasn't changed since the cache last saw it,
// so its prior chunk sequence and subtree size are reused without
// recursing, per spec.md §4.2's partial-backup rule. Callers must hold
// parent.mu; this is only ever called from scanDir's locked loop.
func (e *Engine) fillFromCache(ctx context.Context, child, parent *dirNode, slot int) {
	if !child.fsIDSet {
		id, err := fsobj.Stat(filepath.Join(e.root, child.relPath))
		if err != nil {
			e.logger.Warn("non-queued subtree disappeared", "path", child.relPath, "error", err)
			return
		}
		child.fsID = id
		child.fsIDSet = true
	}
	obj, fresh, err := e.cache.Read(ctx, child.fsID)
	if err != nil || obj == nil || !fresh {
		// No prior record, or it's stale: fall back to a full rescan of
		// this subtree even though it wasn't touched.
		parent.incompleteChildren[child.id] = slot
		child.resetRunState()
		e.queue.Push(itemScanDir, child.id, child.depth)
		return
	}
	entry := child.meta
	entry.Chunks = obj.Chunks
	parent.childSlots[slot] = &entry
	parent.childSubtreeSum += obj.SubtreeSize
}

// processSymlink reads the link target and builds its child entry. No
// chunk content or cache row is involved, per SPEC_FULL.md's symlink
// supplement.
func (e *Engine) processSymlink(full, name string) (metatree.ChildEntry, error) {
	target, err := os.Readlink(full)
	if err != nil {
		return metatree.ChildEntry{}, err
	}
	mode, owner, group, attrs := statMeta(full)
	return metatree.ChildEntry{
		Name: name, Kind: metatree.EntryKindSymlink, Mode: mode, Owner: owner, Group: group,
		Attrs: attrs, SymlinkTarget: target,
	}, nil
}

// processFile stats, caches, reads, encodes, and uploads a single file,
// returning its child entry and total subtree size (its own encoded
// bytes, files having no children).
func (e *Engine) processFile(ctx context.Context, full, name string) (metatree.ChildEntry, uint64, error) {
	id, err := fsobj.Stat(full)
	if err != nil {
		return metatree.ChildEntry{}, 0, err
	}
	mode, owner, group, attrs := statMeta(full)
	entry := metatree.ChildEntry{Name: name, Kind: metatree.EntryKindFile, Mode: mode, Owner: owner, Group: group, Attrs: attrs}

	obj, fresh, err := e.cache.Read(ctx, id)
	if err != nil {
		return metatree.ChildEntry{}, 0, err
	}
	if fresh {
		// Identity unchanged: reuse the stored sequence, but still
		// confirm server presence via HEAD (spec.md §4.1's
		// deduplication note, exercised by boundary scenario S4).
		if err := e.ensurePresent(ctx, obj.Chunks, nil); err != nil {
			return metatree.ChildEntry{}, 0, err
		}
		entry.Chunks = obj.Chunks
		return entry, obj.SubtreeSize, nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return metatree.ChildEntry{}, 0, err
	}
	result, err := metatree.EncodeData(data, e.maxChunkSize)
	if err != nil {
		return metatree.ChildEntry{}, 0, err
	}
	if err := e.ensurePresent(ctx, result.Seq, result.Bytes); err != nil {
		return metatree.ChildEntry{}, 0, err
	}

	size := totalEncodedSize(result)
	cobj := cache.CObject{FSObjID: id, Chunks: result.Seq, SubtreeSize: size}
	if obj != nil {
		cobj.RowID = obj.RowID
		if err := e.cache.Update(ctx, cobj); err != nil {
			return metatree.ChildEntry{}, 0, err
		}
	} else if err := e.cache.Insert(ctx, cobj); err != nil {
		return metatree.ChildEntry{}, 0, err
	}

	entry.Chunks = result.Seq
	return entry, size, nil
}

// ensurePresent HEAD-probes every digest in seq and POSTs any missing
// chunk, per spec.md §4.2's scan-step contract. bytesByDigest is nil when
// the caller already knows the chunks are cached (a HEAD-only check).
func (e *Engine) ensurePresent(ctx context.Context, seq digest.Seq, bytesByDigest map[digest.Digest][]byte) error {
	for _, d := range seq {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		present, err := e.store.Head(ctx, d)
		if err != nil {
			return err
		}
		if present {
			continue
		}
		body, ok := bytesByDigest[d]
		if !ok {
			return fmt.Errorf("engine: chunk %s missing on server with no local bytes to upload", d)
		}
		if err := e.store.Post(ctx, d, body); err != nil {
			return err
		}
	}
	return nil
}

// uploadDir encodes node's collected children, uploads any missing
// chunks, and updates the cache row, then either commits the run's
// snapshot (node is the root) or bumps its parent.
func (e *Engine) uploadDir(ctx context.Context, node *dirNode) {
	if err := checkCancelled(ctx); err != nil {
		return
	}

	node.mu.Lock()
	slots := node.childSlots
	childrenSum := node.childSubtreeSum
	node.mu.Unlock()

	children := make([]metatree.ChildEntry, 0, len(slots))
	for _, s := range slots {
		if s != nil {
			children = append(children, *s)
		}
	}

	result, err := metatree.EncodeDirectory(children, childrenSum, e.maxChunkSize)
	if err != nil {
		e.logger.Warn("failed to encode directory, aborting run", "path", node.relPath, "error", err)
		e.CancelUpload()
		return
	}
	if err := e.ensurePresent(ctx, result.Seq, result.Bytes); err != nil {
		e.logger.Warn("failed to upload directory chunk, aborting run", "path", node.relPath, "error", err)
		e.CancelUpload()
		return
	}

	size := childrenSum + totalEncodedSize(result)

	obj, _, err := e.cache.Read(ctx, node.fsID)
	if err != nil {
		e.logger.Warn("cache read failed, aborting run", "path", node.relPath, "error", err)
		e.CancelUpload()
		return
	}
	cobj := cache.CObject{FSObjID: node.fsID, Chunks: result.Seq, SubtreeSize: size}
	if obj != nil {
		cobj.RowID = obj.RowID
		err = e.cache.Update(ctx, cobj)
	} else {
		err = e.cache.Insert(ctx, cobj)
	}
	if err != nil {
		e.logger.Warn("cache write failed, aborting run", "path", node.relPath, "error", err)
		e.CancelUpload()
		return
	}

	node.mu.Lock()
	node.state = stateComplete
	node.mu.Unlock()

	if node.parent == noParent {
		e.finishRun(ctx, result.Seq, size, node.meta.Owner, node.meta.Group)
		return
	}
	e.bump(node.parent, node.id, result.Seq, size)
}

// bump records a completed child's result on its parent and, once every
// child is accounted for, enqueues the parent's own UploadDir item.
func (e *Engine) bump(parentID, childID nodeID, seq digest.Seq, size uint64) {
	parent := e.tree.get(parentID)
	child := e.tree.get(childID)

	parent.mu.Lock()
	defer parent.mu.Unlock()

	slot, ok := parent.incompleteChildren[childID]
	if !ok {
		return
	}
	entry := child.meta
	entry.Chunks = seq
	parent.childSlots[slot] = &entry
	parent.childSubtreeSum += size
	delete(parent.incompleteChildren, childID)

	if len(parent.incompleteChildren) == 0 {
		parent.state = stateUploading
		e.queue.Push(itemUploadDir, parent.id, parent.depth)
	}
}

// abandon drops node from its parent's accounting entirely (spec.md §7's
// "missing/skipped" policy: log and skip, continue) — the parent proceeds
// as if this child never existed, shrinking its child list by one rather
// than blocking forever on a child that disappeared.
func (e *Engine) abandon(node *dirNode) {
	if node.parent == noParent {
		return
	}
	parent := e.tree.get(node.parent)

	parent.mu.Lock()
	defer parent.mu.Unlock()

	slot, ok := parent.incompleteChildren[node.id]
	if !ok {
		return
	}
	parent.childSlots[slot] = nil
	delete(parent.incompleteChildren, node.id)
	if len(parent.incompleteChildren) == 0 {
		parent.state = stateUploading
		e.queue.Push(itemUploadDir, parent.id, parent.depth)
	}
}

func totalEncodedSize(r metatree.EncodeResult) uint64 {
	var total uint64
	for _, d := range r.Seq {
		total += uint64(len(r.Bytes[d])) //nolint:gosec // G115: chunk byte lengths bounded by MaxChunkSize splitting
	}
	return total
}

func statMeta(path string) (mode uint32, owner, group string, attrs uint32) {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0, "", "", 0
	}
	return fsobj.Meta(fi)
}
