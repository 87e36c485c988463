package metadb

import (
	"strconv"
)

// Key prefixes for the three key shapes the overlay ever writes. No other
// keys are defined; a key found under any other shape is foreign data.
const (
	inodePrefix = "inode "
	statPrefix  = "stat "

	// dbInodeKey is the literal sentinel key used to detect that the host
	// has renumbered the database file's own inode (see Rebuild).
	dbInodeKey = "db inode"
)

// pathKey builds the "inode <path>" key for a guest path. The caller
// supplies an already-normalized path; this function does not touch it.
func pathKey(path string) []byte {
	return []byte(inodePrefix + path)
}

// statKey builds the "stat <inode>" key for a host inode number.
func statKey(inode uint64) []byte {
	return []byte(statPrefix + strconv.FormatUint(inode, 10))
}

// DBInodeKey returns the literal sentinel key.
func DBInodeKey() []byte {
	return []byte(dbInodeKey)
}

// encodeInode renders a host inode number the way path-index values are
// stored: decimal ASCII, no terminator.
func encodeInode(inode uint64) []byte {
	return []byte(strconv.FormatUint(inode, 10))
}

// decodeInode parses a path-index or sentinel value back into an inode
// number. The sentinel value carries a trailing NUL that strconv rejects;
// Store.DBInode strips it with trimTrailingNUL first. This function
// expects a clean decimal string.
func decodeInode(value []byte) (uint64, bool) {
	n, err := strconv.ParseUint(string(value), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
