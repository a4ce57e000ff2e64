//go:build windows

package fsobj

import (
	"os"
	"syscall"
)

// Stat extracts the Windows platform identity: volume serial number,
// 64-bit file index, creation time, and last-write time, all obtained via
// GetFileInformationByHandle so that identity is stable across renames
// within the same volume.
func Stat(path string) (ID, error) {
	p, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return ID{}, err
	}
	h, err := syscall.CreateFile(p,
		0, // no access requested, metadata only
		syscall.FILE_SHARE_READ|syscall.FILE_SHARE_WRITE|syscall.FILE_SHARE_DELETE,
		nil,
		syscall.OPEN_EXISTING,
		syscall.FILE_FLAG_BACKUP_SEMANTICS,
		0)
	if err != nil {
		return ID{}, err
	}
	defer syscall.CloseHandle(h)

	var info syscall.ByHandleFileInformation
	if err := syscall.GetFileInformationByHandle(h, &info); err != nil {
		return ID{}, err
	}
	return FromByHandleInfo(info), nil
}

// FromByHandleInfo builds an ID from a Win32 BY_HANDLE_FILE_INFORMATION
// struct, exposed separately so callers that already hold an open handle
// (e.g. the directory-change monitor) can skip the extra CreateFile call.
func FromByHandleInfo(info syscall.ByHandleFileInformation) ID {
	inode := uint64(info.FileIndexHigh)<<32 | uint64(info.FileIndexLow)
	creation := filetimeTo100ns(info.CreationTime)
	lastWrite := filetimeTo100ns(info.LastWriteTime)
	return ID{
		Device:    uint64(info.VolumeSerialNumber),
		Inode:     inode,
		CTimeSec:  creation,
		CTimeNsec: 0,
		MTimeSec:  lastWrite,
		MTimeNsec: 0,
	}
}

func filetimeTo100ns(ft syscall.Filetime) int64 {
	return int64(ft.HighDateTime)<<32 | int64(ft.LowDateTime)
}

// Meta extracts the mode bits and Windows file-attribute flags of an
// already-stat'd entry. Owner is returned as the empty string: resolving
// an SDDL owner string requires the advapi32 security-descriptor APIs,
// out of scope here — the wire format reserves the field, but this
// client leaves it unset rather than carrying a placeholder value.
func Meta(fi os.FileInfo) (mode uint32, owner, group string, attrs uint32) {
	mode = uint32(fi.Mode().Perm()) //nolint:gosec // G115: permission bits are 12 bits wide
	if d, ok := fi.Sys().(*syscall.Win32FileAttributeData); ok {
		attrs = d.FileAttributes
	}
	return mode, "", "", attrs
}
