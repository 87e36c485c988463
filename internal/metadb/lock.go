package metadb

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is the single advisory exclusive flock that serialises every
// namespace-mutating and metadata-reading overlay operation (§5). It is
// taken on a dedicated sibling file rather than the database file
// itself, since bbolt is opened with its own locking disabled (NoLock)
// and needs a stable fd that isn't also being mmapped.
type Lock struct {
	f *os.File
}

// OpenLock opens (creating if necessary) the lock file at path.
func OpenLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("metadb: open lock file %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Lock acquires the exclusive lock, retrying on EINTR. Any other
// failure is fatal: the overlay has no fallback serialisation
// mechanism.
func (l *Lock) Lock() {
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
		if err == nil {
			return
		}
		if err == unix.EINTR {
			continue
		}
		panic(fmt.Sprintf("metadb: could not lock database: %v", err))
	}
}

// Unlock releases the lock. Failure is fatal for the same reason as
// Lock.
func (l *Lock) Unlock() {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		panic(fmt.Sprintf("metadb: could not unlock database: %v", err))
	}
}

// Close closes the underlying lock file descriptor. Any lock held by
// this handle is implicitly released by the close.
func (l *Lock) Close() error {
	return l.f.Close()
}
