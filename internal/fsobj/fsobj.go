// Package fsobj identifies live filesystem entities so the upload engine can
// recognize when a file has been replaced (e.g. inode reuse after delete)
// rather than merely touched.
package fsobj

// ID uniquely names a live filesystem entity. On POSIX it is (device, inode,
// ctime, mtime); ctime is outside user control and guards against inode
// reuse. On Windows it is (volume serial, file index, creation time,
// last-write time), built by the platform-specific Stat implementation in
// fsobj_linux.go / fsobj_darwin.go / fsobj_windows.go.
type ID struct {
	// Device/Volume identifies the filesystem/volume the entity lives on.
	Device uint64

	// Inode/FileIndex identifies the entity within its device/volume.
	Inode uint64

	// CTimeSec/CTimeNsec (POSIX) or CreationTime (Windows, stored in
	// CTimeSec as 100ns ticks) is the identity-guard timestamp outside
	// user control.
	CTimeSec  int64
	CTimeNsec int32

	// MTimeSec/MTimeNsec is the last-write timestamp.
	MTimeSec  int64
	MTimeNsec int32
}

// Equal reports whether two IDs name the same entity with the same identity
// timestamps, i.e. whether the cache should treat them as the same live
// object rather than a reused inode.
func (id ID) Equal(o ID) bool {
	return id == o
}

// SameEntity reports whether id and o refer to the same (device, inode)
// pair, ignoring timestamps. Used to decide insert vs. update against the
// cache's unique index.
func (id ID) SameEntity(o ID) bool {
	return id.Device == o.Device && id.Inode == o.Inode
}
