package metatree

import "backupcore/internal/digest"

// EncodeResult is the output of encoding one logical directory or file: an
// ordered chunk sequence (first to last) plus the raw serialized bytes for
// every chunk in it, keyed by digest so the caller can HEAD/POST each one.
type EncodeResult struct {
	Seq   digest.Seq
	Bytes map[digest.Digest][]byte
}

// EncodeDirectory deterministically encodes a directory's children into one
// or more chunks. children must already be in name-sorted order (the
// engine's scan step is responsible for that); re-encoding the same
// children in the same order always reproduces the same digests, which is
// what makes deduplication work (spec.md §4.1).
//
// childrenSum is the sum of every child's own subtree_size (files: their
// encoded byte length; subdirectories: their own recursive subtree_size).
// Per spec.md §3, a directory's subtree_size is childrenSum plus the
// on-wire byte length of the directory's own chunk(s); per the original
// implementation's CObject.m_treesize, that total is carried on the wire,
// not just tracked in a cache row. When splitting produces more than one
// physical chunk, childrenSum is folded into the first chunk only, so that
// summing subtree_size across the whole chain still yields childrenSum
// plus the total on-wire bytes exactly once.
//
// Splitting happens on child-entry boundaries with a balanced-byte-count
// rule (this repo's resolution of spec.md §9's open question): children
// are greedily packed into a physical chunk until adding the next one would
// push it over maxChunkSize, at which point a new physical chunk starts.
// Two directories with identical children always split identically, which
// is the only property spec.md requires of the rule.
func EncodeDirectory(children []ChildEntry, childrenSum uint64, maxChunkSize int) (EncodeResult, error) {
	groups := splitChildren(children, maxChunkSize)
	if len(groups) == 0 {
		groups = [][]ChildEntry{nil} // an empty directory still yields one chunk
	}

	solo := len(groups) == 1
	kind := KindDirectoryStart
	if !solo {
		kind = KindDirectorySplit
	}

	return buildChain(len(groups), func(i int) (Chunk, error) {
		group := groups[i]
		size := directoryHeaderSize(kind)
		for _, e := range group {
			size += encodedChildEntrySize(e)
		}
		subtree := uint64(size) //nolint:gosec // G115: chunk sizes bounded by maxChunkSize, far below 2^63
		if i == 0 {
			subtree += childrenSum
		}
		return Chunk{
			Kind:        kind,
			SubtreeSize: subtree,
			Children:    group,
		}, nil
	})
}

// EncodeData deterministically encodes file content into one or more
// chunks, splitting on byte boundaries every maxChunkSize bytes.
func EncodeData(data []byte, maxChunkSize int) (EncodeResult, error) {
	var windows [][]byte
	if len(data) == 0 {
		windows = [][]byte{nil}
	} else {
		for off := 0; off < len(data); off += maxChunkSize {
			end := min(off+maxChunkSize, len(data))
			windows = append(windows, data[off:end])
		}
	}

	solo := len(windows) == 1
	kind := KindData
	if !solo {
		kind = KindDataSplit
	}

	return buildChain(len(windows), func(i int) (Chunk, error) {
		payload := windows[i]
		size := dataHeaderSize(kind) + len(payload)
		return Chunk{
			Kind:        kind,
			SubtreeSize: uint64(size), //nolint:gosec // G115: chunk sizes bounded by maxChunkSize
			Payload:     payload,
		}, nil
	})
}

// buildChain builds a chain of n chunks back-to-front: the digest of chunk
// i depends on the LoR pointer to chunk i+1, so the last chunk (no
// successor) must be serialized first.
func buildChain(n int, build func(i int) (Chunk, error)) (EncodeResult, error) {
	if n == 0 {
		return EncodeResult{}, ErrEmptyDirectory
	}

	seq := make(digest.Seq, n)
	raw := make(map[digest.Digest][]byte, n)

	var next digest.Digest // zero for the last chunk
	for i := n - 1; i >= 0; i-- {
		c, err := build(i)
		if err != nil {
			return EncodeResult{}, err
		}
		if HasLoR(c.Kind) {
			c.LoR = next
		}
		d, rawBytes, err := Digest(c)
		if err != nil {
			return EncodeResult{}, err
		}
		seq[i] = d
		raw[d] = rawBytes
		next = d
	}
	return EncodeResult{Seq: seq, Bytes: raw}, nil
}

// splitChildren greedily packs children into name-order-preserving groups
// of at most maxChunkSize serialized bytes each, always advancing by at
// least one child per group so a single oversized entry never stalls
// progress.
func splitChildren(children []ChildEntry, maxChunkSize int) [][]ChildEntry {
	if len(children) == 0 {
		return nil
	}
	budget := maxChunkSize - directoryHeaderSize(KindDirectorySplit)

	var groups [][]ChildEntry
	var cur []ChildEntry
	size := 0
	for _, e := range children {
		entrySize := encodedChildEntrySize(e)
		if len(cur) > 0 && size+entrySize > budget {
			groups = append(groups, cur)
			cur = nil
			size = 0
		}
		cur = append(cur, e)
		size += entrySize
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func directoryHeaderSize(kind byte) int {
	base := 1 + 1 + 8 + 4 // version + kind + subtree_size + child count
	if HasLoR(kind) {
		base += digest.Size
	}
	return base
}

func dataHeaderSize(kind byte) int {
	base := 1 + 1 + 8 // version + kind + subtree_size
	if HasLoR(kind) {
		base += digest.Size
	}
	return base
}
