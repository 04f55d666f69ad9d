//go:build linux

package platform

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// AtimeFromStat returns the access time from a syscall.Stat_t.
func AtimeFromStat(stat *syscall.Stat_t) time.Time {
	return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
}

// DevFromStat returns the device number from a syscall.Stat_t.
func DevFromStat(stat *syscall.Stat_t) uint64 {
	return stat.Dev
}

// InoFromStat returns the inode number from a syscall.Stat_t.
func InoFromStat(stat *syscall.Stat_t) uint64 {
	return stat.Ino
}

// SetFileTimes sets mtime (and optionally atime) on an open file
// descriptor, falling back to a path-based utimensat when AT_EMPTY_PATH
// isn't supported.
func SetFileTimes(rawFd int, fdPath string, accTime, modTime time.Time, preserveAtime bool) error {
	atime := unix.Timespec{Nsec: unix.UTIME_OMIT}
	if preserveAtime {
		atime = unix.NsecToTimespec(accTime.UnixNano())
	}
	times := []unix.Timespec{atime, unix.NsecToTimespec(modTime.UnixNano())}
	if err := unix.UtimesNanoAt(rawFd, "", times, unix.AT_EMPTY_PATH); err != nil {
		if err2 := unix.UtimesNanoAt(unix.AT_FDCWD, fdPath, times, 0); err2 != nil {
			return fmt.Errorf("utimensat: %w", err)
		}
	}
	return nil
}

// SetPathTimes sets access/modification times on a path directly (used
// for directories and symlinks, where there is no open descriptor).
func SetPathTimes(path string, accTime, modTime time.Time, flags int) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(accTime.UnixNano()),
		unix.NsecToTimespec(modTime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, times, flags)
}

// DevFromStatInfo extracts the device number from an os.FileInfo's
// underlying syscall.Stat_t, the same os.FileInfo.Sys() pattern the
// teacher's scanner.go uses.
func DevFromStatInfo(info os.FileInfo) (uint64, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return st.Dev, true
}

// InodeKeyFromStatInfo returns the (dev, ino) key and link count for info,
// used by traversal to coalesce hardlinks within a job.
func InodeKeyFromStatInfo(info os.FileInfo) (key struct{ Dev, Ino uint64 }, nlink uint64, ok bool) {
	st, cast := info.Sys().(*syscall.Stat_t)
	if !cast {
		return key, 0, false
	}
	key.Dev, key.Ino = st.Dev, st.Ino
	return key, uint64(st.Nlink), true
}

// OwnerFromStatInfo extracts uid/gid from info.
func OwnerFromStatInfo(info os.FileInfo) (uid, gid uint32, ok bool) {
	st, cast := info.Sys().(*syscall.Stat_t)
	if !cast {
		return 0, 0, false
	}
	return st.Uid, st.Gid, true
}

// AccessTimeFromStatInfo extracts the access time from info.
func AccessTimeFromStatInfo(info os.FileInfo) (time.Time, bool) {
	st, cast := info.Sys().(*syscall.Stat_t)
	if !cast {
		return time.Time{}, false
	}
	return AtimeFromStat(st), true
}

// RdevFromStatInfo extracts the device number a special file (fifo,
// socket, char/block device) encodes for its contents, used to recreate
// it with Mknod on the destination.
func RdevFromStatInfo(info os.FileInfo) (uint64, bool) {
	st, cast := info.Sys().(*syscall.Stat_t)
	if !cast {
		return 0, false
	}
	return uint64(st.Rdev), true
}

// RawModeFromStatInfo returns the full mode_t bits (file type plus
// permissions) for info, as Mknod requires, rather than the
// permission-only bits os.FileMode.Perm exposes.
func RawModeFromStatInfo(info os.FileInfo) (uint32, bool) {
	st, cast := info.Sys().(*syscall.Stat_t)
	if !cast {
		return 0, false
	}
	return uint32(st.Mode), true
}
