package job

import "time"

// EntryType identifies the kind of filesystem object a traversal Entry
// represents.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
	EntryDirPost // deferred post-entry for directory metadata application
	EntrySymlink
	EntryHardlinkAlias
	EntrySpecial
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDir:
		return "directory"
	case EntryDirPost:
		return "directory-post"
	case EntrySymlink:
		return "symlink"
	case EntryHardlinkAlias:
		return "hardlink-alias"
	case EntrySpecial:
		return "special"
	default:
		return "unknown"
	}
}

// InodeKey uniquely identifies a source inode, used to coalesce hardlinks
// within a single job.
type InodeKey struct {
	Dev uint64
	Ino uint64
}

// Entry is a single filesystem object produced by traversal.
type Entry struct {
	SrcPath     string
	DstPath     string
	LinkTarget  string // symlink target, or hardlink alias's first destination path
	Type        EntryType
	Size        int64
	Mode        uint32
	UID         uint32
	GID         uint32
	ModTime     time.Time
	AccTime     time.Time
	Sparse      bool
	Inode       InodeKey
	RawMode     uint32 // full mode_t (type + perm bits), used by EntrySpecial's Mknod
	Rdev        uint64 // device number, for EntrySpecial char/block devices
	Index       int // position in the traversal's deterministic order
	CursorToken string
}
