// Package fsnode adapts core.FS to the go-fuse v2 InodeEmbedder API: each
// Node is one entry in the kernel's inode tree, and its logical path within
// the union (computed from the node tree itself, not stored separately)
// drives every call into the union core.
package fsnode

import (
	"context"
	"os"
	"path"
	"syscall"
	"unsafe"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/ulakefs/ulakefs/core"
	"github.com/ulakefs/ulakefs/errs"
	"github.com/ulakefs/ulakefs/merge"
)

// Node is the InodeEmbedder for every entry in the union, including the
// root. It carries no mutable state of its own: its logical path is
// recomputed on demand from the inode tree, and all persistent state lives
// in the branches on disk.
type Node struct {
	fs.Inode

	FS *core.FS
}

var (
	_ = (fs.NodeGetattrer)((*Node)(nil))
	_ = (fs.NodeSetattrer)((*Node)(nil))
	_ = (fs.NodeLookuper)((*Node)(nil))
	_ = (fs.NodeReaddirer)((*Node)(nil))
	_ = (fs.NodeMkdirer)((*Node)(nil))
	_ = (fs.NodeMknoder)((*Node)(nil))
	_ = (fs.NodeCreater)((*Node)(nil))
	_ = (fs.NodeUnlinker)((*Node)(nil))
	_ = (fs.NodeRmdirer)((*Node)(nil))
	_ = (fs.NodeSymlinker)((*Node)(nil))
	_ = (fs.NodeReadlinker)((*Node)(nil))
	_ = (fs.NodeOpener)((*Node)(nil))
	_ = (fs.NodeRenamer)((*Node)(nil))
	_ = (fs.NodeLinker)((*Node)(nil))
	_ = (fs.NodeStatfser)((*Node)(nil))
)

// Root builds the inode tree's root Node for fs.Mount.
func Root(f *core.FS) fs.InodeEmbedder {
	return &Node{FS: f}
}

func (n *Node) child() *Node {
	return &Node{FS: n.FS}
}

// logicalPath returns this node's path within the union namespace, "/" for
// the root.
func (n *Node) logicalPath() string {
	p := n.Path(n.Root())
	if p == "" {
		return "/"
	}
	return "/" + p
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	_, phys, err := n.FS.Resolve(n.logicalPath())
	if err != nil {
		return errs.Errno(err)
	}
	var st unix.Stat_t
	if &n.Inode == n.Root() {
		if e := unix.Stat(phys, &st); e != nil {
			return fs.ToErrno(e)
		}
	} else if e := unix.Lstat(phys, &st); e != nil {
		return fs.ToErrno(e)
	}
	out.FromStat(toSyscallStat(&st))
	return fs.OK
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	_, phys, err := n.FS.PrepareMutation(n.logicalPath())
	if err != nil {
		return errs.Errno(err)
	}

	if m, ok := in.GetMode(); ok {
		if e := unix.Chmod(phys, m); e != nil {
			return fs.ToErrno(e)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		suid, sgid := -1, -1
		if uok {
			suid = int(uid)
		}
		if gok {
			sgid = int(gid)
		}
		if e := unix.Chown(phys, suid, sgid); e != nil {
			return fs.ToErrno(e)
		}
	}
	if sz, ok := in.GetSize(); ok {
		if e := unix.Truncate(phys, int64(sz)); e != nil {
			return fs.ToErrno(e)
		}
	}

	var st unix.Stat_t
	if e := unix.Lstat(phys, &st); e != nil {
		return fs.ToErrno(e)
	}
	out.FromStat(toSyscallStat(&st))
	return fs.OK
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	logical := path.Join(n.logicalPath(), name)
	_, phys, err := n.FS.Resolve(logical)
	if err != nil {
		return nil, errs.Errno(err)
	}
	var st unix.Stat_t
	if e := unix.Lstat(phys, &st); e != nil {
		return nil, fs.ToErrno(e)
	}
	out.Attr.FromStat(toSyscallStat(&st))

	child := n.child()
	attr := fs.StableAttr{Mode: st.Mode, Ino: st.Ino}
	ch := n.NewInode(ctx, child, attr)
	return ch, fs.OK
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var list []fuse.DirEntry
	err := n.FS.Readdir(n.logicalPath(), func(e merge.Entry) bool {
		list = append(list, fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Mode()})
		return false
	})
	if err != nil {
		return nil, errs.Errno(err)
	}
	return fs.NewListDirStream(list), fs.OK
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	logical := path.Join(n.logicalPath(), name)
	_, parentPhys, err := n.FS.PrepareCreate(logical)
	if err != nil {
		return nil, errs.Errno(err)
	}
	p := path.Join(parentPhys, name)
	if e := os.Mkdir(p, os.FileMode(mode)); e != nil {
		return nil, fs.ToErrno(e)
	}
	preserveOwner(ctx, p)

	var st unix.Stat_t
	if e := unix.Lstat(p, &st); e != nil {
		return nil, fs.ToErrno(e)
	}
	out.Attr.FromStat(toSyscallStat(&st))
	child := n.child()
	ch := n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode, Ino: st.Ino})
	return ch, fs.OK
}

func (n *Node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	logical := path.Join(n.logicalPath(), name)
	_, parentPhys, err := n.FS.PrepareCreate(logical)
	if err != nil {
		return nil, errs.Errno(err)
	}
	p := path.Join(parentPhys, name)
	if e := unix.Mknod(p, mode, int(rdev)); e != nil {
		return nil, fs.ToErrno(e)
	}
	preserveOwner(ctx, p)

	var st unix.Stat_t
	if e := unix.Lstat(p, &st); e != nil {
		return nil, fs.ToErrno(e)
	}
	out.Attr.FromStat(toSyscallStat(&st))
	child := n.child()
	ch := n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode, Ino: st.Ino})
	return ch, fs.OK
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	logical := path.Join(n.logicalPath(), name)
	_, parentPhys, err := n.FS.PrepareCreate(logical)
	if err != nil {
		return nil, nil, 0, errs.Errno(err)
	}
	p := path.Join(parentPhys, name)
	flags = flags &^ uint32(unix.O_APPEND)
	fd, e := unix.Open(p, int(flags)|os.O_CREATE, mode)
	if e != nil {
		return nil, nil, 0, fs.ToErrno(e)
	}
	preserveOwner(ctx, p)

	var st unix.Stat_t
	if e := unix.Fstat(fd, &st); e != nil {
		unix.Close(fd)
		return nil, nil, 0, fs.ToErrno(e)
	}
	out.FromStat(toSyscallStat(&st))

	child := n.child()
	ch := n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode, Ino: st.Ino})
	return ch, fs.NewLoopbackFile(fd), 0, fs.OK
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	logical := path.Join(n.logicalPath(), name)
	_, parentPhys, err := n.FS.PrepareCreate(logical)
	if err != nil {
		return nil, errs.Errno(err)
	}
	p := path.Join(parentPhys, name)
	if e := unix.Symlink(target, p); e != nil {
		return nil, fs.ToErrno(e)
	}
	preserveOwner(ctx, p)

	var st unix.Stat_t
	if e := unix.Lstat(p, &st); e != nil {
		return nil, fs.ToErrno(e)
	}
	out.Attr.FromStat(toSyscallStat(&st))
	child := n.child()
	ch := n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode, Ino: st.Ino})
	return ch, fs.OK
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	_, phys, err := n.FS.Resolve(n.logicalPath())
	if err != nil {
		return nil, errs.Errno(err)
	}
	for l := 256; ; l *= 2 {
		buf := make([]byte, l)
		sz, e := unix.Readlink(phys, buf)
		if e != nil {
			return nil, fs.ToErrno(e)
		}
		if sz < len(buf) {
			return buf[:sz], fs.OK
		}
	}
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	logical := path.Join(n.logicalPath(), name)
	if err := n.FS.Unlink(logical); err != nil {
		return errs.Errno(err)
	}
	return fs.OK
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	logical := path.Join(n.logicalPath(), name)
	if err := n.FS.Rmdir(logical); err != nil {
		return errs.Errno(err)
	}
	return fs.OK
}

// Rename only supports renaming within the effective RW view: both the
// source and destination parent must already be (or be promotable to) the
// same writable branch; if they land in different branches the call fails
// with EXDEV. With COW disabled, a still-RO source is rejected with
// ReadOnly; callers needing a cross-branch move should copy and then
// unlink, which open(O_CREAT)+write+Unlink already supports.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	oldLogical := path.Join(n.logicalPath(), name)
	newBase := newParent.EmbeddedInode().Path(nil)
	newLogical := path.Join("/"+newBase, newName)

	oldBranch, oldPhys, err := n.FS.PrepareMutation(oldLogical)
	if err != nil {
		return errs.Errno(err)
	}
	newBranch, newParentPhys, err := n.FS.PrepareCreate(newLogical)
	if err != nil {
		return errs.Errno(err)
	}
	if oldBranch != newBranch {
		return syscall.EXDEV
	}
	newPhys := path.Join(newParentPhys, newName)

	if e := unix.Rename(oldPhys, newPhys); e != nil {
		return fs.ToErrno(e)
	}
	return fs.OK
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	logical := path.Join(n.logicalPath(), name)
	_, parentPhys, err := n.FS.PrepareCreate(logical)
	if err != nil {
		return nil, errs.Errno(err)
	}

	targetLogical := "/" + target.EmbeddedInode().Path(nil)
	_, targetPhys, err := n.FS.PrepareMutation(targetLogical)
	if err != nil {
		return nil, errs.Errno(err)
	}

	p := path.Join(parentPhys, name)
	if e := unix.Link(targetPhys, p); e != nil {
		return nil, fs.ToErrno(e)
	}

	var st unix.Stat_t
	if e := unix.Lstat(p, &st); e != nil {
		return nil, fs.ToErrno(e)
	}
	out.Attr.FromStat(toSyscallStat(&st))
	child := n.child()
	ch := n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode, Ino: st.Ino})
	return ch, fs.OK
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	var phys string
	var err error
	if flags&(unix.O_WRONLY|unix.O_RDWR) != 0 {
		_, phys, err = n.FS.PrepareMutation(n.logicalPath())
	} else {
		_, phys, err = n.FS.Resolve(n.logicalPath())
	}
	if err != nil {
		return nil, 0, errs.Errno(err)
	}
	flags = flags &^ uint32(unix.O_APPEND)
	fd, e := unix.Open(phys, int(flags), 0)
	if e != nil {
		return nil, 0, fs.ToErrno(e)
	}
	return fs.NewLoopbackFile(fd), 0, fs.OK
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	agg, err := n.FS.Statfs(ctx)
	if err != nil {
		return errs.Errno(err)
	}
	out.Blocks = agg.Blocks
	out.Bfree = agg.Bfree
	out.Bavail = agg.Bavail
	out.Files = agg.Files
	out.Ffree = agg.Ffree
	out.Bsize = uint32(agg.Bsize)
	out.NameLen = uint32(agg.NameLen)
	out.Frsize = uint32(agg.Frsize)
	return fs.OK
}

// preserveOwner chowns a freshly-created path to the requesting caller's
// uid/gid when running as root, the same as a native filesystem would via
// the set-group/user-id-on-creation default.
func preserveOwner(ctx context.Context, p string) {
	if os.Getuid() != 0 {
		return
	}
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return
	}
	unix.Lchown(p, int(caller.Uid), int(caller.Gid))
}

// toSyscallStat reinterprets a unix.Stat_t as a syscall.Stat_t: both wrap
// the identical kernel struct on every platform go-fuse supports, and
// fuse.AttrOut.FromStat only accepts the syscall package's type.
func toSyscallStat(st *unix.Stat_t) *syscall.Stat_t {
	return (*syscall.Stat_t)(unsafe.Pointer(st))
}
