package engine

import (
	"sync"

	"backupcore/internal/fsobj"
	"backupcore/internal/metatree"
)

// nodeID indexes the node arena. noParent marks the root node's parent.
type nodeID int

const noParent nodeID = -1

// dirState is the per-directory state machine spec.md §4.2 describes:
// Scanning -> AwaitingChildren -> Uploading -> Complete.
type dirState int

const (
	stateScanning dirState = iota
	stateAwaitingChildren
	stateUploading
	stateComplete
)

// dirNode is a watch-tree node (spec.md §3's WNode) extended with the
// per-run scan/upload bookkeeping spec.md §4.2 describes. One arena,
// indexed by stable integer id per spec.md §9's "Watch-tree
// back-references" design note, serves both roles: the touched/queued
// bits persist for the process lifetime; the scan-state fields below are
// reset at the start of every run.
type dirNode struct {
	id       nodeID
	parent   nodeID
	relPath  string
	depth    int
	fsID     fsobj.ID
	fsIDSet  bool
	meta     metatree.ChildEntry // this node's own name/mode/owner/group, as seen by its parent (zero for root)
	cacheRow int64

	// CDP bits, persistent across runs.
	touched bool
	queued  bool

	// mu guards the per-run fields below. A node's own worker goroutine
	// (scanDir/uploadDir) and its completing children's goroutines (bump,
	// abandon, both reaching in from the child side) touch these
	// concurrently, so every read or write of them must hold mu.
	mu sync.Mutex

	// Per-run state, reset by resetRunState at the start of every run.
	state              dirState
	incompleteChildren map[nodeID]int // child node id -> its slot in childSlots
	childSlots         []*metatree.ChildEntry
	childSubtreeSum    uint64
}

func (n *dirNode) resetRunState() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = stateScanning
	n.incompleteChildren = nil
	n.childSlots = nil
	n.childSubtreeSum = 0
}

// arena owns every dirNode ever discovered, indexed by nodeID, plus an
// index from relative path to node for touch_path lookups. Guarded by its
// own mutex per spec.md §5's "the watch tree has its own mutex."
type arena struct {
	mu     sync.Mutex
	nodes  []*dirNode
	byPath map[string]nodeID
}

func newArena() *arena {
	return &arena{byPath: make(map[string]nodeID)}
}

// getOrCreate returns the node for relPath, creating it (and registering
// it under parent) if this is the first time it's been seen. Returns
// (node, created).
func (a *arena) getOrCreate(relPath string, parent nodeID, depth int) (*dirNode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.byPath[relPath]; ok {
		return a.nodes[id], false
	}
	n := &dirNode{id: nodeID(len(a.nodes)), parent: parent, relPath: relPath, depth: depth}
	a.nodes = append(a.nodes, n)
	a.byPath[relPath] = n.id
	return n, true
}

func (a *arena) get(id nodeID) *dirNode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes[id]
}

func (a *arena) lookup(relPath string) (*dirNode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byPath[relPath]
	if !ok {
		return nil, false
	}
	return a.nodes[id], true
}

// markTouched marks relPath and every ancestor touched, enforcing
// spec.md §3's invariant ("if a node is touched, every ancestor is also
// touched") while holding the arena's mutex throughout, per spec.md §5.
func (a *arena) markTouched(relPath string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byPath[relPath]
	if !ok {
		return false
	}
	for {
		n := a.nodes[id]
		if n.touched {
			break // ancestors of an already-touched node are touched too
		}
		n.touched = true
		if n.parent == noParent {
			break
		}
		id = n.parent
	}
	return true
}

// snapshotTouchedAndReset copies every node's touched bit into queued,
// then clears touched, so that change events arriving during the run that
// follows are attributed to the next cycle (spec.md §4.2's partial-backup
// rule).
func (a *arena) snapshotTouchedAndReset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.nodes {
		n.queued = n.touched
		n.touched = false
	}
}
