package metadb

import (
	"os"
	"strings"
)

// Rebuild re-keys every stat record after the host filesystem has
// renumbered inodes (snapshot, compress, transfer, restore). It is
// invoked once at mount time, under the database lock, before the
// overlay is exposed to any guest operation — so no concurrent access
// can observe a half-rebuilt database.
//
// For every "inode <path>" key, the path is re-stat'd (no-follow)
// against the current root. If it no longer exists, the record is left
// alone: it is garbage, and I2 only forbids a *contradicting* live
// record, not an absent one. Otherwise the path-index value is rewritten
// to the new inode, the stat record is copied to live under the new
// inode key, and the old inode key is dropped once no indexed path
// resolves to it anymore.
func Rebuild(store *Store, root *os.File) error {
	type rekey struct {
		path      string
		oldInode  uint64
		oldRecord []byte
		hadRecord bool
	}
	var pending []rekey

	// Capture the path list and every old record up front, before any
	// write lands: two hard-linked paths share an oldInode, and the
	// first one processed must not make the second one's lookup miss.
	prefix := []byte(inodePrefix)
	if err := store.ForEach(prefix, func(key, value []byte) error {
		path := strings.TrimPrefix(string(key), inodePrefix)
		oldInode, ok := decodeInode(value)
		if !ok {
			return nil
		}
		oldRecord, hadRecord, err := store.Fetch(statKey(oldInode))
		if err != nil {
			return err
		}
		pending = append(pending, rekey{
			path:      path,
			oldInode:  oldInode,
			oldRecord: oldRecord,
			hadRecord: hadRecord,
		})
		return nil
	}); err != nil {
		return err
	}

	live := make(map[uint64]bool)
	var stale []uint64
	for _, r := range pending {
		newInode := InodeFor(root, r.path)
		if newInode == 0 {
			continue // path no longer exists; leave as garbage.
		}
		live[newInode] = true

		if err := store.Put(pathKey(r.path), encodeInode(newInode)); err != nil {
			return err
		}
		if !r.hadRecord || newInode == r.oldInode {
			continue // nothing to carry forward, or inode did not move.
		}
		if err := store.Put(statKey(newInode), r.oldRecord); err != nil {
			return err
		}
		stale = append(stale, r.oldInode)
	}

	// Old keys are dropped only after every record has been carried
	// forward, and only if no indexed path now resolves to that inode:
	// one path's old inode may be another path's new one.
	for _, oldInode := range stale {
		if live[oldInode] {
			continue
		}
		if err := store.Delete(statKey(oldInode)); err != nil {
			return err
		}
	}
	return nil
}
