package overlay

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/quietfs/metafs/internal/metadb"
	"github.com/rs/zerolog"
)

// Options controls how Mount sets up the overlay and hands it to
// go-fuse.
type Options struct {
	// AllowOther mounts with -o allowother.
	AllowOther bool
	// Debug enables go-fuse's own request tracing, independent of the
	// overlay's own zerolog output.
	Debug bool
	// FUSEOptions are passed through verbatim to fuse.MountOptions.Options.
	FUSEOptions []string
	Log         zerolog.Logger
}

// Mount opens the metadata database sibling to source, runs the
// rebuild procedure if the database inode has changed since the last
// mount, and starts serving the overlay at mountPoint. source must end
// in "/data"; the database lives at the same directory level as
// "meta.db".
func Mount(source, mountPoint string, opts Options) (*fuse.Server, *Root, error) {
	source = filepath.Clean(source)
	if filepath.Base(source) != "data" {
		return nil, nil, fmt.Errorf("overlay: source %q must end in /data", source)
	}
	dbPath := filepath.Join(filepath.Dir(source), "meta.db")

	store, err := metadb.Open(dbPath, opts.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("overlay: open metadata store: %w", err)
	}

	rootFD, err := os.Open(source)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("overlay: open source directory: %w", err)
	}

	var st syscall.Stat_t
	if err := syscall.Stat(source, &st); err != nil {
		rootFD.Close()
		store.Close()
		return nil, nil, fmt.Errorf("overlay: stat source directory: %w", err)
	}

	lk := store.Lock()
	lk.Lock()
	if err := maybeRebuild(store, rootFD, dbPath); err != nil {
		lk.Unlock()
		rootFD.Close()
		store.Close()
		return nil, nil, err
	}
	lk.Unlock()

	root := &Root{
		Path:   source,
		Dev:    uint64(st.Dev),
		RootFD: rootFD,
		Store:  store,
		Log:    opts.Log,
	}

	sec := time.Second
	server, err := fs.Mount(mountPoint, root.newNode(), &fs.Options{
		EntryTimeout: &sec,
		AttrTimeout:  &sec,
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			Options:    opts.FUSEOptions,
			FsName:     "metafs",
			Name:       "metafs",
		},
	})
	if err != nil {
		root.Close()
		return nil, nil, fmt.Errorf("overlay: mount: %w", err)
	}
	return server, root, nil
}

// maybeRebuild compares the live inode of the database file against the
// sentinel recorded by the previous mount and, on mismatch, runs the
// rebuild procedure before recording the current inode. An absent
// sentinel (first mount) is not a mismatch. Must be called under the
// database lock.
func maybeRebuild(store *metadb.Store, root *os.File, dbPath string) error {
	var st syscall.Stat_t
	if err := syscall.Stat(dbPath, &st); err != nil {
		return fmt.Errorf("overlay: stat metadata database: %w", err)
	}
	current := uint64(st.Ino)

	if prior, ok := store.DBInode(); ok && prior != current {
		if err := metadb.Rebuild(store, root); err != nil {
			return fmt.Errorf("overlay: rebuild: %w", err)
		}
	}
	if err := store.SetDBInode(current); err != nil {
		return fmt.Errorf("overlay: record database inode: %w", err)
	}
	return nil
}
