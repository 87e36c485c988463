// Package overlay implements the metadata overlay filesystem as a
// go-fuse InodeEmbedder tree: a loopback delegation to a host directory
// (the real-FS driver) whose guest-visible mode/uid/gid/rdev are
// overridden by records kept in the side-channel database implemented
// by internal/metadb.
package overlay

import (
	"os"
	"syscall"

	"github.com/quietfs/metafs/internal/metadb"
	"github.com/rs/zerolog"
)

// Root holds the parameters shared by every Node in one mounted
// overlay: the mount context of §3. It is created by Mount and
// destroyed by Close; once Mount returns, it is shared read-only across
// every FUSE request goroutine.
type Root struct {
	// Path is the absolute host path to the real-FS root (the `data/`
	// directory).
	Path string

	// Dev is the device the root resides on, used the same way
	// loopback filesystems use it: to fold host (dev, ino) pairs into
	// a single internal FUSE inode number.
	Dev uint64

	// RootFD is an open directory handle on Path, used for all
	// no-follow (*at) host calls the metadata layer needs.
	RootFD *os.File

	// Store is the metadata side-channel database.
	Store *metadb.Store

	Log zerolog.Logger
}

func (r *Root) newNode() *Node {
	return &Node{root: r}
}

// idFromStat composes the internal FUSE inode number the same way a
// loopback filesystem does: by folding the host (dev, ino) pair down to
// one 64-bit number, masking out the root's own device so a loopback
// mount that stays on one filesystem reflects the underlying inode
// numbers directly.
func (r *Root) idFromStat(st *syscall.Stat_t) uint64 {
	swapped := (uint64(st.Dev) << 32) | (uint64(st.Dev) >> 32)
	swappedRootDev := (r.Dev << 32) | (r.Dev >> 32)
	return (swapped ^ swappedRootDev) ^ st.Ino
}

// Close releases exactly the two handles Mount opened: the metadata
// store and the root directory descriptor. See SPEC_FULL.md §4.6 for
// why this implementation closes both explicitly, unlike the C original
// it is grounded on.
func (r *Root) Close() error {
	storeErr := r.Store.Close()
	fdErr := r.RootFD.Close()
	if storeErr != nil {
		return storeErr
	}
	return fdErr
}
