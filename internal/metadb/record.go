package metadb

import (
	"encoding/binary"
	"fmt"
)

// recordSize is the fixed on-disk width of a Record: four 32-bit fields.
const recordSize = 16

// Record is the overlay's authoritative attribute tuple for one host
// inode. It is the only thing the overlay persists about a file; every
// other attribute (size, times, nlink, blocks) comes straight from the
// host stat and is never overridden.
type Record struct {
	Mode uint32
	Uid  uint32
	Gid  uint32
	Rdev uint32
}

// MarshalBinary renders the record as 16 bytes, big-endian, in field
// declaration order. The byte order only has to be stable across writes
// and reads of the same database; big-endian is chosen so the bytes sort
// the same as the numeric value, which is occasionally convenient when
// inspecting a database file by hand.
func (r Record) MarshalBinary() []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.Mode)
	binary.BigEndian.PutUint32(buf[4:8], r.Uid)
	binary.BigEndian.PutUint32(buf[8:12], r.Gid)
	binary.BigEndian.PutUint32(buf[12:16], r.Rdev)
	return buf
}

// UnmarshalRecord parses a stored value into a Record. It is the one
// place a foreign or corrupted value under a "stat <inode>" key is
// caught: any length other than 16 is a hard error, because the store
// is never expected to hold anything else under that key shape.
func UnmarshalRecord(data []byte) (Record, error) {
	if len(data) != recordSize {
		return Record{}, fmt.Errorf("metadb: stat record has %d bytes, want %d", len(data), recordSize)
	}
	return Record{
		Mode: binary.BigEndian.Uint32(data[0:4]),
		Uid:  binary.BigEndian.Uint32(data[4:8]),
		Gid:  binary.BigEndian.Uint32(data[8:12]),
		Rdev: binary.BigEndian.Uint32(data[12:16]),
	}, nil
}
