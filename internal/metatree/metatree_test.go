package metatree

import (
	"bytes"
	"testing"

	"backupcore/internal/digest"
)

func TestParseSerializeRoundTripData(t *testing.T) {
	c := Chunk{Kind: KindData, SubtreeSize: 19, Payload: []byte("helloworld")}
	raw, err := Serialize(c)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Kind != c.Kind || got.SubtreeSize != c.SubtreeSize || !bytes.Equal(got.Payload, c.Payload) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, c)
	}
	if !got.LoR.IsZero() {
		t.Fatalf("solo Data chunk must not carry a LoR pointer")
	}
}

func TestParseSerializeRoundTripDirectory(t *testing.T) {
	c := Chunk{
		Kind:        KindDirectoryStart,
		SubtreeSize: 123,
		Children: []ChildEntry{
			{Name: "a.txt", Kind: EntryKindFile, Mode: 0o644, Owner: "alice", Group: "staff", Attrs: 1,
				Chunks: digest.Seq{digest.SumBytes([]byte("a"))}},
			{Name: "link", Kind: EntryKindSymlink, Mode: 0o777, Owner: "alice", Group: "staff",
				SymlinkTarget: "a.txt"},
		},
	}
	raw, err := Serialize(c)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(got.Children))
	}
	if got.Children[0].Name != "a.txt" || !got.Children[0].Chunks.Equal(c.Children[0].Chunks) {
		t.Fatalf("child 0 mismatch: %+v", got.Children[0])
	}
	if got.Children[1].SymlinkTarget != "a.txt" {
		t.Fatalf("symlink target mismatch: %+v", got.Children[1])
	}
}

// S1: an empty directory produces one directory chunk whose subtree_size
// equals the chunk's own serialized length.
func TestEncodeDirectoryEmpty(t *testing.T) {
	res, err := EncodeDirectory(nil, 0, DefaultMaxChunkSize)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(res.Seq) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(res.Seq))
	}
	raw := res.Bytes[res.Seq[0]]
	c, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if int(c.SubtreeSize) != len(raw) {
		t.Fatalf("subtree_size %d != chunk length %d", c.SubtreeSize, len(raw))
	}
}

// S2: a 10-byte file produces exactly one data chunk: 2-byte header +
// 8-byte size + 10 bytes of payload, no LoR.
func TestEncodeDataSmallFile(t *testing.T) {
	res, err := EncodeData([]byte("helloworld"), DefaultMaxChunkSize)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(res.Seq) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(res.Seq))
	}
	raw := res.Bytes[res.Seq[0]]
	if len(raw) != 2+8+10 {
		t.Fatalf("expected 20 bytes, got %d", len(raw))
	}
	if raw[0] != FormatVersion || raw[1] != KindData {
		t.Fatalf("unexpected header: % x", raw[:2])
	}
}

// S3: a file of exactly MAX_CHUNK_SIZE+1 bytes splits into 2 chunks, the
// second carrying exactly 1 byte of payload.
func TestEncodeDataExactlyOverMaxSplitsInTwo(t *testing.T) {
	maxSize := 64
	data := make([]byte, maxSize+1)
	for i := range data {
		data[i] = byte(i)
	}
	res, err := EncodeData(data, maxSize)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(res.Seq) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(res.Seq))
	}

	first, err := Parse(res.Bytes[res.Seq[0]])
	if err != nil {
		t.Fatalf("parse first: %v", err)
	}
	second, err := Parse(res.Bytes[res.Seq[1]])
	if err != nil {
		t.Fatalf("parse second: %v", err)
	}
	if first.Kind != KindDataSplit || second.Kind != KindDataSplit {
		t.Fatalf("expected both pieces to use the split kind, got %x/%x", first.Kind, second.Kind)
	}
	if len(second.Payload) != 1 {
		t.Fatalf("expected second chunk to carry 1 byte, got %d", len(second.Payload))
	}
	if first.LoR != res.Seq[1] {
		t.Fatalf("expected first chunk's LoR to point at the second chunk")
	}
	if !second.LoR.IsZero() {
		t.Fatalf("expected last chunk's LoR to be zero")
	}
}

func TestEncodeDataDeterministic(t *testing.T) {
	data := []byte("deterministic content")
	a, err := EncodeData(data, DefaultMaxChunkSize)
	if err != nil {
		t.Fatalf("encode a: %v", err)
	}
	b, err := EncodeData(data, DefaultMaxChunkSize)
	if err != nil {
		t.Fatalf("encode b: %v", err)
	}
	if !a.Seq.Equal(b.Seq) {
		t.Fatalf("expected identical encoding to produce identical digests")
	}
}

func TestEncodeDirectoryDeterministicOrderSensitive(t *testing.T) {
	children := []ChildEntry{
		{Name: "a", Kind: EntryKindFile, Chunks: digest.Seq{digest.SumBytes([]byte("a"))}},
		{Name: "b", Kind: EntryKindFile, Chunks: digest.Seq{digest.SumBytes([]byte("b"))}},
	}
	reordered := []ChildEntry{children[1], children[0]}

	a, err := EncodeDirectory(children, 0, DefaultMaxChunkSize)
	if err != nil {
		t.Fatalf("encode a: %v", err)
	}
	b, err := EncodeDirectory(reordered, 0, DefaultMaxChunkSize)
	if err != nil {
		t.Fatalf("encode b: %v", err)
	}
	if a.Seq.Equal(b.Seq) {
		t.Fatalf("expected different child order to produce different digests")
	}

	c, err := EncodeDirectory(children, 0, DefaultMaxChunkSize)
	if err != nil {
		t.Fatalf("encode c: %v", err)
	}
	if !a.Seq.Equal(c.Seq) {
		t.Fatalf("expected identical order to reproduce identical digests")
	}
}

func TestSubtreeSizeInvariant(t *testing.T) {
	// invariant 2 from spec.md §8: directory subtree_size = size of its own
	// encoded chunk(s) + sum of children's subtree sizes.
	fileRes, err := EncodeData([]byte("content"), DefaultMaxChunkSize)
	if err != nil {
		t.Fatalf("encode file: %v", err)
	}
	var fileSubtree uint64
	for _, d := range fileRes.Seq {
		c, err := Parse(fileRes.Bytes[d])
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		fileSubtree += c.SubtreeSize
	}

	children := []ChildEntry{
		{Name: "f", Kind: EntryKindFile, Chunks: fileRes.Seq},
	}
	dirRes, err := EncodeDirectory(children, fileSubtree, DefaultMaxChunkSize)
	if err != nil {
		t.Fatalf("encode dir: %v", err)
	}
	var dirOwnSize uint64
	for _, d := range dirRes.Seq {
		dirOwnSize += uint64(len(dirRes.Bytes[d]))
	}

	var dirSubtree uint64
	for _, d := range dirRes.Seq {
		c, err := Parse(dirRes.Bytes[d])
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		dirSubtree += c.SubtreeSize
	}

	if dirSubtree != dirOwnSize+fileSubtree {
		t.Fatalf("subtree_size invariant violated: dir=%d own=%d+file=%d", dirSubtree, dirOwnSize, fileSubtree)
	}
}
