package metadb

import (
	"os"

	"golang.org/x/sys/unix"
)

// InodeFor performs a no-follow stat of path against root and returns
// the host inode number, or 0 on any failure. Inode 0 is reserved as
// "no inode" — host kernels never assign it to a live file.
func InodeFor(root *os.File, path string) uint64 {
	var st unix.Stat_t
	if err := unix.Fstatat(int(root.Fd()), path, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return 0
	}
	return uint64(st.Ino)
}

// WritePath resolves path to its current host inode and, if it exists,
// records the "inode <path>" entry so a later crash cannot leave the
// stat record unreachable by path. It returns the resolved inode (0 if
// the path does not currently resolve).
//
// Per Rule O1, callers invoke WritePath only after the host-side
// mutation that introduced or moved the path has already succeeded, and
// before the database lock is released.
func WritePath(store *Store, root *os.File, path string) uint64 {
	inode := InodeFor(root, path)
	if inode != 0 {
		if err := store.Put(pathKey(path), encodeInode(inode)); err != nil {
			// store.Put already aborts the process on unrecoverable error;
			// this is unreachable in practice.
			return inode
		}
	}
	return inode
}

// DeletePath removes the "inode <path>" record unconditionally. Absence
// of the record is not an error (I2 permits it).
func DeletePath(store *Store, path string) {
	_ = store.Delete(pathKey(path))
}
