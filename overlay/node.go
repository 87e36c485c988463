package overlay

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/quietfs/metafs/internal/metadb"
)

// Node is a filesystem node in the overlay. It delegates content and
// directory-tree operations to the real-FS host directory exactly like
// a loopback node, but every operation that touches mode/uid/gid/rdev
// consults or updates the side-channel metadata store under root.Store.
type Node struct {
	fs.Inode

	root *Root
}

var _ = (fs.NodeStatfser)((*Node)(nil))
var _ = (fs.NodeGetattrer)((*Node)(nil))
var _ = (fs.NodeSetattrer)((*Node)(nil))
var _ = (fs.NodeReadlinker)((*Node)(nil))
var _ = (fs.NodeOpener)((*Node)(nil))
var _ = (fs.NodeLookuper)((*Node)(nil))
var _ = (fs.NodeOpendirer)((*Node)(nil))
var _ = (fs.NodeReaddirer)((*Node)(nil))
var _ = (fs.NodeMkdirer)((*Node)(nil))
var _ = (fs.NodeMknoder)((*Node)(nil))
var _ = (fs.NodeLinker)((*Node)(nil))
var _ = (fs.NodeSymlinker)((*Node)(nil))
var _ = (fs.NodeUnlinker)((*Node)(nil))
var _ = (fs.NodeRmdirer)((*Node)(nil))
var _ = (fs.NodeRenamer)((*Node)(nil))
var _ = (fs.NodeCreater)((*Node)(nil))

// relPath is the tree-relative guest path used as the key into the
// metadata store; it is never absolute and never carries the host root
// prefix.
func (n *Node) relPath() string {
	return n.Path(n.Root())
}

func (n *Node) path() string {
	return filepath.Join(n.root.Path, n.relPath())
}

func callerOwner(ctx context.Context) (uid, gid uint32) {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return 0, 0
	}
	return caller.Uid, caller.Gid
}

// applyRecord overwrites the file-type/uid/gid/rdev bits of out with
// those recorded in rec, leaving size/times/nlink/blocks from the host
// stat untouched. The permission bits below the file-type bits are also
// taken from rec, since the overlay record is the sole authority on
// mode (§4.5 Setattr).
func applyRecord(out *fuse.Attr, rec metadb.Record) {
	out.Mode = rec.Mode
	out.Owner.Uid = rec.Uid
	out.Owner.Gid = rec.Gid
	out.Rdev = rec.Rdev
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	s := syscall.Statfs_t{}
	if err := syscall.Statfs(n.path(), &s); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStatfsT(&s)
	return fs.OK
}

// Lookup resolves name under n and, if the overlay holds a stat record
// for it, folds the record's type/owner/rdev bits into the EntryOut
// attributes returned to the kernel. This step has no analogue in the
// C original's dentry resolution: there, fakefs_lookup never touches
// the metadata database, because the VFS layer it plugs into only asks
// for type information through a later, explicit stat call. FUSE's
// kernel client classifies the dentry (regular file vs symlink vs
// device) from the attributes carried on the LOOKUP reply itself, so
// folding the record in here is required for the overlay to actually
// present its overridden file types, not an embellishment.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := filepath.Join(n.path(), name)

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)

	rel := filepath.Join(n.relPath(), name)
	if rec, ok := metadb.ReadStat(n.root.Store, n.root.RootFD, rel); ok {
		applyRecord(&out.Attr, rec)
	}

	child := n.root.newNode()
	ch := n.NewInode(ctx, child, fs.StableAttr{Mode: out.Attr.Mode, Ino: n.root.idFromStat(&st)})
	return ch, 0
}

func (n *Node) preserveOwner(ctx context.Context, path string) error {
	if os.Getuid() != 0 {
		return nil
	}
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return nil
	}
	return syscall.Lchown(path, int(caller.Uid), int(caller.Gid))
}

// newChildInode builds the child Inode for a freshly created node. mode
// carries the file-type bits the overlay wants the kernel to see for
// this node (the overridden record mode for Mkdir/Mknod/Symlink, or the
// raw host mode where no override applies), so a type the overlay
// invents — a symlink or device node the host cannot itself hold — is
// reflected in the node's StableAttr, not just in its attributes.
func (n *Node) newChildInode(ctx context.Context, st *syscall.Stat_t, mode uint32) *fs.Inode {
	child := n.root.newNode()
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: n.root.idFromStat(st)})
}

// Mkdir creates a host directory then records a plain S_IFDIR stat
// entry, per §4.5.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := filepath.Join(n.path(), name)
	rel := filepath.Join(n.relPath(), name)

	lk := n.root.Store.Lock()
	lk.Lock()
	defer lk.Unlock()

	if err := os.Mkdir(p, 0777); err != nil {
		return nil, fs.ToErrno(err)
	}
	n.preserveOwner(ctx, p)

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		return nil, fs.ToErrno(err)
	}

	uid, gid := callerOwner(ctx)
	rec := metadb.Record{Mode: mode | syscall.S_IFDIR, Uid: uid, Gid: gid}
	if err := metadb.WriteStat(n.root.Store, n.root.RootFD, rel, rec); err != nil {
		n.root.Log.Fatal().Err(err).Str("path", rel).Msg("write stat record for new directory")
	}

	out.Attr.FromStat(&st)
	applyRecord(&out.Attr, rec)
	return n.newChildInode(ctx, &st, rec.Mode), 0
}

// Mknod supplements the distilled spec: the C original never overrides
// mknod because its fakefs is always paired with a real filesystem that
// can itself hold regular files and FIFOs (never device nodes). This
// overlay is precisely the layer that makes device nodes representable
// on such hosts, so it must give mknod a concrete implementation.
func (n *Node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := filepath.Join(n.path(), name)
	rel := filepath.Join(n.relPath(), name)

	lk := n.root.Store.Lock()
	lk.Lock()
	defer lk.Unlock()

	hostMode := mode
	switch mode & syscall.S_IFMT {
	case syscall.S_IFREG, syscall.S_IFIFO:
		// Representable on the host as-is.
	default:
		// Device nodes cannot be created on hosts that reject them;
		// stand in a regular file, the same way Symlink does.
		hostMode = (mode &^ syscall.S_IFMT) | syscall.S_IFREG
	}

	if err := syscall.Mknod(p, hostMode, int(rdev)); err != nil {
		if hostMode != mode && err == syscall.EINVAL {
			fd, ferr := syscall.Open(p, syscall.O_CREAT|syscall.O_EXCL|syscall.O_WRONLY, hostMode&^uint32(syscall.S_IFMT))
			if ferr != nil {
				return nil, fs.ToErrno(ferr)
			}
			syscall.Close(fd)
		} else {
			return nil, fs.ToErrno(err)
		}
	}
	n.preserveOwner(ctx, p)

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		syscall.Unlink(p)
		return nil, fs.ToErrno(err)
	}

	uid, gid := callerOwner(ctx)
	rec := metadb.Record{Mode: mode, Uid: uid, Gid: gid, Rdev: rdev}
	if err := metadb.WriteStat(n.root.Store, n.root.RootFD, rel, rec); err != nil {
		n.root.Log.Fatal().Err(err).Str("path", rel).Msg("write stat record for new node")
	}

	out.Attr.FromStat(&st)
	applyRecord(&out.Attr, rec)
	return n.newChildInode(ctx, &st, rec.Mode), 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := filepath.Join(n.path(), name)
	rel := filepath.Join(n.relPath(), name)

	lk := n.root.Store.Lock()
	lk.Lock()
	defer lk.Unlock()

	statKey, _ := metadb.StatKeyForPath(n.root.Store, n.root.RootFD, rel)

	if err := syscall.Rmdir(p); err != nil {
		return fs.ToErrno(err)
	}

	metadb.DeletePath(n.root.Store, rel)
	metadb.DeleteStat(n.root.Store, statKey)
	return fs.OK
}

// Unlink probes the host link count before taking the lock; the probe
// is racy by nature (the link count can change between the probe and
// the lock), but that only ever leaves behind a harmless garbage stat
// record, never a corrupt live one (per §4.5).
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	p := filepath.Join(n.path(), name)
	rel := filepath.Join(n.relPath(), name)

	var nlink uint64 = 1
	if st, err := os.Lstat(p); err == nil {
		if sys, ok := st.Sys().(*syscall.Stat_t); ok {
			nlink = uint64(sys.Nlink)
		}
	}

	lk := n.root.Store.Lock()
	lk.Lock()
	defer lk.Unlock()

	statKey, _ := metadb.StatKeyForPath(n.root.Store, n.root.RootFD, rel)

	if err := syscall.Unlink(p); err != nil {
		return fs.ToErrno(err)
	}

	metadb.DeletePath(n.root.Store, rel)
	if nlink == 1 {
		metadb.DeleteStat(n.root.Store, statKey)
	}
	return fs.OK
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags&fs.RENAME_EXCHANGE != 0 {
		return syscall.ENOSYS
	}

	srcRel := filepath.Join(n.relPath(), name)
	dstParentRel := newParent.EmbeddedInode().Path(nil)
	dstRel := filepath.Join(dstParentRel, newName)

	p1 := filepath.Join(n.root.Path, srcRel)
	p2 := filepath.Join(n.root.Path, dstRel)

	lk := n.root.Store.Lock()
	lk.Lock()
	defer lk.Unlock()

	prevDstInode := metadb.InodeFor(n.root.RootFD, dstRel)
	dstStatKey := metadb.StatKeyForInode(prevDstInode)

	if err := syscall.Rename(p1, p2); err != nil {
		return fs.ToErrno(err)
	}

	newDstInode := metadb.WritePath(n.root.Store, n.root.RootFD, dstRel)
	metadb.DeletePath(n.root.Store, srcRel)

	if prevDstInode != 0 && prevDstInode != newDstInode {
		metadb.DeleteStat(n.root.Store, dstStatKey)
	}
	return fs.OK
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := filepath.Join(n.path(), name)
	rel := filepath.Join(n.relPath(), name)
	openFlags := flags &^ syscall.O_APPEND

	lk := n.root.Store.Lock()
	lk.Lock()
	defer lk.Unlock()

	_, hadRecord := metadb.ReadStat(n.root.Store, n.root.RootFD, rel)

	fd, err := syscall.Open(p, int(openFlags)|os.O_CREATE, 0666)
	if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	}
	n.preserveOwner(ctx, p)

	st := syscall.Stat_t{}
	if err := syscall.Fstat(fd, &st); err != nil {
		syscall.Close(fd)
		return nil, nil, 0, fs.ToErrno(err)
	}

	var rec metadb.Record
	if !hadRecord {
		uid, gid := callerOwner(ctx)
		rec = metadb.Record{Mode: mode | syscall.S_IFREG, Uid: uid, Gid: gid}
		if err := metadb.WriteStat(n.root.Store, n.root.RootFD, rel, rec); err != nil {
			n.root.Log.Fatal().Err(err).Str("path", rel).Msg("write stat record for created file")
		}
	} else {
		rec, _ = metadb.ReadStat(n.root.Store, n.root.RootFD, rel)
	}

	lf := fs.NewLoopbackFile(fd)
	out.FromStat(&st)
	applyRecord(&out.Attr, rec)
	return n.newChildInode(ctx, &st, rec.Mode), lf, 0, 0
}

// Symlink stores the link target as the contents of a regular host
// file, since the real-FS driver may reject genuine symlinks; the
// overlay record is what tells Readlink and Getattr to treat it as one.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := filepath.Join(n.path(), name)
	rel := filepath.Join(n.relPath(), name)

	lk := n.root.Store.Lock()
	lk.Lock()
	defer lk.Unlock()

	fd, err := syscall.Open(p, syscall.O_WRONLY|syscall.O_CREAT|syscall.O_EXCL, 0666)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	if _, werr := syscall.Write(fd, []byte(target)); werr != nil {
		syscall.Close(fd)
		syscall.Unlink(p)
		return nil, fs.ToErrno(werr)
	}
	syscall.Close(fd)
	n.preserveOwner(ctx, p)

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		syscall.Unlink(p)
		return nil, fs.ToErrno(err)
	}

	uid, gid := callerOwner(ctx)
	rec := metadb.Record{Mode: syscall.S_IFLNK | 0777, Uid: uid, Gid: gid}
	if err := metadb.WriteStat(n.root.Store, n.root.RootFD, rel, rec); err != nil {
		n.root.Log.Fatal().Err(err).Str("path", rel).Msg("write stat record for symlink")
	}

	out.Attr.FromStat(&st)
	applyRecord(&out.Attr, rec)
	return n.newChildInode(ctx, &st, rec.Mode), 0
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := filepath.Join(n.path(), name)
	rel := filepath.Join(n.relPath(), name)
	targetRel := target.EmbeddedInode().Path(nil)

	lk := n.root.Store.Lock()
	lk.Lock()
	defer lk.Unlock()

	if err := syscall.Link(filepath.Join(n.root.Path, targetRel), p); err != nil {
		return nil, fs.ToErrno(err)
	}
	metadb.WritePath(n.root.Store, n.root.RootFD, rel)

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		syscall.Unlink(p)
		return nil, fs.ToErrno(err)
	}

	out.Attr.FromStat(&st)
	childMode := out.Attr.Mode
	if rec, ok := metadb.ReadStat(n.root.Store, n.root.RootFD, rel); ok {
		applyRecord(&out.Attr, rec)
		childMode = rec.Mode
	}
	return n.newChildInode(ctx, &st, childMode), 0
}

// Readlink requires a stat record marking the node as S_IFLNK; if the
// host itself stored a genuine symlink this falls through to
// syscall.Readlink, otherwise it reads the regular file's contents.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	rel := n.relPath()
	p := n.path()

	lk := n.root.Store.Lock()
	lk.Lock()
	defer lk.Unlock()

	rec, ok := metadb.ReadStat(n.root.Store, n.root.RootFD, rel)
	if !ok {
		return nil, syscall.ENOENT
	}
	if rec.Mode&syscall.S_IFMT != syscall.S_IFLNK {
		return nil, syscall.EINVAL
	}

	for l := 256; ; l *= 2 {
		buf := make([]byte, l)
		sz, err := syscall.Readlink(p, buf)
		if err == syscall.EINVAL {
			return os.ReadFile(p)
		}
		if err != nil {
			return nil, fs.ToErrno(err)
		}
		if sz < len(buf) {
			return buf[:sz], 0
		}
	}
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	flags = flags &^ syscall.O_APPEND
	f, err := syscall.Open(n.path(), int(flags), 0)
	if err != nil {
		return nil, 0, fs.ToErrno(err)
	}
	return fs.NewLoopbackFile(f), 0, 0
}

func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	fd, err := syscall.Open(n.path(), syscall.O_DIRECTORY, 0755)
	if err != nil {
		return fs.ToErrno(err)
	}
	syscall.Close(fd)
	return fs.OK
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return fs.NewLoopbackDirStream(n.path())
}

// Getattr requires a stat record and returns ENOENT if none exists
// (§4.5); the host stat only supplies size/times/nlink/blocks, the
// mode/uid/gid/rdev bits always come from the overlay record.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	rel := n.relPath()
	p := n.path()

	lk := n.root.Store.Lock()
	lk.Lock()
	rec, ok := metadb.ReadStat(n.root.Store, n.root.RootFD, rel)
	lk.Unlock()
	if !ok {
		return syscall.ENOENT
	}

	st := syscall.Stat_t{}
	var err error
	if &n.Inode == n.Root() {
		err = syscall.Stat(p, &st)
	} else {
		err = syscall.Lstat(p, &st)
	}
	if err != nil {
		return fs.ToErrno(err)
	}

	out.FromStat(&st)
	applyRecord(&out.Attr, rec)
	return fs.OK
}

// Setattr mutates only the overlay record for mode/uid/gid; size is the
// one attribute that bypasses the overlay and goes straight to the
// host truncate, and mtime/atime pass straight through uninterpreted
// (the overlay does not persist times) per §4.5.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	rel := n.relPath()
	p := n.path()

	lk := n.root.Store.Lock()
	lk.Lock()
	defer lk.Unlock()

	rec, ok := metadb.ReadStat(n.root.Store, n.root.RootFD, rel)
	if !ok {
		return syscall.ENOENT
	}

	m, mok := in.GetMode()
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if mok {
		rec.Mode = (rec.Mode & syscall.S_IFMT) | (m &^ uint32(syscall.S_IFMT))
	}
	if uok {
		rec.Uid = uid
	}
	if gok {
		rec.Gid = gid
	}
	if mok || uok || gok {
		if err := metadb.WriteStat(n.root.Store, n.root.RootFD, rel, rec); err != nil {
			n.root.Log.Fatal().Err(err).Str("path", rel).Msg("write stat record on setattr")
		}
	}

	if sz, szok := in.GetSize(); szok {
		if err := syscall.Truncate(p, int64(sz)); err != nil {
			return fs.ToErrno(err)
		}
	}

	mtime, mtok := in.GetMTime()
	atime, atok := in.GetATime()
	if mtok || atok {
		ap, mp := &atime, &mtime
		if !atok {
			ap = nil
		}
		if !mtok {
			mp = nil
		}
		var ts [2]syscall.Timespec
		ts[0] = fuse.UtimeToTimespec(ap)
		ts[1] = fuse.UtimeToTimespec(mp)
		if err := syscall.UtimesNano(p, ts[:]); err != nil {
			return fs.ToErrno(err)
		}
	}

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStat(&st)
	applyRecord(&out.Attr, rec)
	return fs.OK
}
