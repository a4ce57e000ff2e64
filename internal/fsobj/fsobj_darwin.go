//go:build darwin

package fsobj

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"
	"syscall"
)

// Stat extracts the platform identity of path from its os.FileInfo's
// underlying syscall.Stat_t.
func Stat(path string) (ID, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return ID{}, err
	}
	return FromFileInfo(fi)
}

// FromFileInfo extracts the identity from an already-obtained os.FileInfo.
func FromFileInfo(fi os.FileInfo) (ID, error) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return ID{}, fmt.Errorf("fsobj: unsupported FileInfo.Sys() type %T", fi.Sys())
	}
	return ID{
		Device:    uint64(st.Dev), //nolint:unconvert // Dev is int32 on darwin
		Inode:     st.Ino,
		CTimeSec:  int64(st.Ctimespec.Sec),
		CTimeNsec: int32(st.Ctimespec.Nsec), //nolint:gosec // G115: nanoseconds bounded to < 1e9
		MTimeSec:  int64(st.Mtimespec.Sec),
		MTimeNsec: int32(st.Mtimespec.Nsec), //nolint:gosec // G115: nanoseconds bounded to < 1e9
	}, nil
}

var (
	userCache  sync.Map // uint32 uid -> string name
	groupCache sync.Map // uint32 gid -> string name
)

// Meta extracts the mode bits, owner name, group name, and platform
// attribute flags of an already-stat'd entry, for building a metatree
// directory child entry.
func Meta(fi os.FileInfo) (mode uint32, owner, group string, attrs uint32) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return uint32(fi.Mode().Perm()), "", "", 0
	}
	mode = uint32(fi.Mode().Perm()) //nolint:gosec // G115: permission bits are 12 bits wide
	owner = lookupCached(&userCache, st.Uid, func(id string) (string, error) {
		u, err := user.LookupId(id)
		if err != nil {
			return "", err
		}
		return u.Username, nil
	})
	group = lookupCached(&groupCache, st.Gid, func(id string) (string, error) {
		g, err := user.LookupGroupId(id)
		if err != nil {
			return "", err
		}
		return g.Name, nil
	})
	return mode, owner, group, 0
}

func lookupCached(cache *sync.Map, id uint32, resolve func(string) (string, error)) string {
	if v, ok := cache.Load(id); ok {
		return v.(string) //nolint:forcetypeassert // cache only ever stores strings
	}
	idStr := strconv.FormatUint(uint64(id), 10)
	name, err := resolve(idStr)
	if err != nil {
		name = idStr
	}
	cache.Store(id, name)
	return name
}
