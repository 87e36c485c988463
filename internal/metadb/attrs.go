package metadb

import "os"

// statKeyFor derives the "stat <inode>" key for path, first reflecting
// the path's current host inode into the index (mirroring the stat_key
// side effect of the C original: recording the path-inode correspondence
// in case a crash happened before it could be recorded when the file
// was created). It returns a nil key if the path has no host inode.
func statKeyFor(store *Store, root *os.File, path string) ([]byte, uint64) {
	inode := WritePath(store, root, path)
	if inode == 0 {
		return nil, 0
	}
	return statKey(inode), inode
}

// ReadStat returns the overlay's attribute record for path, or
// (Record{}, false) if the path has no host inode or no stat record.
func ReadStat(store *Store, root *os.File, path string) (Record, bool) {
	key, _ := statKeyFor(store, root, path)
	if key == nil {
		return Record{}, false
	}
	value, ok, _ := store.Fetch(key)
	if !ok {
		return Record{}, false
	}
	rec, err := UnmarshalRecord(value)
	if err != nil {
		store.log.Fatal().Err(err).Str("path", path).Msg("corrupt stat record")
	}
	return rec, true
}

// WriteStat stores rec as the attribute record for path. The path must
// currently exist on the host; callers write a record only right after
// a successful host-side create/mkdir/symlink, per Rule O1.
func WriteStat(store *Store, root *os.File, path string, rec Record) error {
	key, _ := statKeyFor(store, root, path)
	if key == nil {
		return &os.PathError{Op: "stat", Path: path, Err: os.ErrNotExist}
	}
	return store.Put(key, rec.MarshalBinary())
}

// StatKeyForPath is the exported form of statKeyFor. VFS operations that
// must capture the "stat <inode>" key *before* a host mutation that may
// change or remove what the path resolves to (unlink, rmdir, rename)
// call this first, under the lock, and use the returned key afterwards.
func StatKeyForPath(store *Store, root *os.File, path string) ([]byte, uint64) {
	return statKeyFor(store, root, path)
}

// DeleteStat removes the stat record under a previously captured key.
// A nil key (path had no host inode) is a no-op.
func DeleteStat(store *Store, key []byte) {
	if key == nil {
		return
	}
	_ = store.Delete(key)
}

// StatKeyForInode builds a "stat <inode>" key directly from a known
// inode number, without consulting the path index. Rebuild uses this:
// it already has both the old and new inode numbers in hand.
func StatKeyForInode(inode uint64) []byte {
	return statKey(inode)
}
