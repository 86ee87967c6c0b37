// Package core ties the branch table, resolver, merged readdir, COW engine
// and removal logic together into the operations the upper-edge kernel
// bridge dispatches. It is a plain Go library over the filesystem: every
// method here is unit-testable against a real temporary directory tree,
// without a kernel mount.
package core

import (
	"path"

	"github.com/ulakefs/ulakefs/branch"
	"github.com/ulakefs/ulakefs/config"
	"github.com/ulakefs/ulakefs/cow"
	"github.com/ulakefs/ulakefs/errs"
	"github.com/ulakefs/ulakefs/merge"
	"github.com/ulakefs/ulakefs/pathbuilder"
	"github.com/ulakefs/ulakefs/removal"
	"github.com/ulakefs/ulakefs/resolver"
	"github.com/ulakefs/ulakefs/ulog"
)

// FS is the union filesystem core. It holds no per-request state; every
// method takes the logical path(s) it needs and returns once.
type FS struct {
	Table  *branch.Table
	Cfg    *config.Config
	Engine *cow.Engine
	Log    *ulog.Logger
}

// New builds a core.FS over an already-constructed branch table and
// configuration.
func New(t *branch.Table, cfg *config.Config) *FS {
	return &FS{
		Table:  t,
		Cfg:    cfg,
		Engine: cow.New(t, cfg),
		Log:    ulog.New(cfg.Debug),
	}
}

// Resolve returns the effective branch index and physical path for
// logicalPath, read-only (getattr, lookup, readlink and open-for-read all
// use this directly).
func (fs *FS) Resolve(logicalPath string) (branchIdx int, physPath string, err error) {
	i, err := resolver.FindRORWBranch(fs.Table, fs.Cfg, logicalPath)
	if err != nil {
		fs.Log.Debugf("resolve %s -> error %v", logicalPath, err)
		return -1, "", err
	}
	phys, err := pathbuilder.Build(fs.Table.Root(i), logicalPath)
	if err != nil {
		return -1, "", err
	}
	fs.Log.Debugf("resolve %s -> branch %d %s", logicalPath, i, phys)
	return i, phys, nil
}

// PrepareMutation resolves logicalPath for a mutation of EXISTING content
// (open-for-write, truncate, chmod, chown, utimens). If the effective
// branch is RW, it returns that branch's physical path unchanged. If it is
// RO, COW promotes the file upward first and returns the promoted copy's
// path; with COW disabled this fails ReadOnly.
func (fs *FS) PrepareMutation(logicalPath string) (branchIdx int, physPath string, err error) {
	i, err := resolver.FindRORWBranch(fs.Table, fs.Cfg, logicalPath)
	if err != nil {
		return -1, "", err
	}

	if fs.Table.Mode(i) == config.RW {
		phys, err := pathbuilder.Build(fs.Table.Root(i), logicalPath)
		if err != nil {
			return -1, "", err
		}
		return i, phys, nil
	}

	if !fs.Cfg.COW {
		return -1, "", errs.New(errs.ReadOnly, "mutate", logicalPath, nil)
	}

	rw, err := fs.Engine.Promote(logicalPath, i)
	if err != nil {
		return -1, "", err
	}
	phys, err := pathbuilder.Build(fs.Table.Root(rw), logicalPath)
	if err != nil {
		return -1, "", err
	}
	fs.Log.Debugf("promote %s: branch %d -> %d", logicalPath, i, rw)
	return rw, phys, nil
}

// PrepareCreate resolves the parent of a not-yet-existing logicalPath
// (mkdir, mknod, symlink, create) for creation: if the parent's effective
// branch is RW, it returns that branch's physical parent path directly; if
// the parent is RO, COW promotes the parent directory chain upward first,
// using the same EnsureParentChain machinery Promote uses to make room for
// a file copy.
func (fs *FS) PrepareCreate(logicalPath string) (branchIdx int, parentPhys string, err error) {
	parent := path.Dir(logicalPath)

	parentBranch, err := resolver.FindRORWBranch(fs.Table, fs.Cfg, parent)
	if err != nil {
		return -1, "", err
	}

	if fs.Table.Mode(parentBranch) == config.RW {
		phys, err := pathbuilder.Build(fs.Table.Root(parentBranch), parent)
		if err != nil {
			return -1, "", err
		}
		return parentBranch, phys, nil
	}

	if !fs.Cfg.COW {
		return -1, "", errs.New(errs.ReadOnly, "create", logicalPath, nil)
	}

	rw := findLowestRWBranch(fs.Table, parentBranch)
	if rw < 0 {
		return -1, "", errs.New(errs.NoUpperRW, "create", logicalPath, nil)
	}
	if err := fs.Engine.EnsureParentChain(logicalPath, parentBranch, rw); err != nil {
		return -1, "", err
	}
	phys, err := pathbuilder.Build(fs.Table.Root(rw), parent)
	if err != nil {
		return -1, "", err
	}
	return rw, phys, nil
}

// Readdir enumerates the merged union of logicalPath.
func (fs *FS) Readdir(logicalPath string, fill merge.Filler) error {
	return merge.Readdir(fs.Table, fs.Cfg, logicalPath, fill)
}

// Rmdir removes an empty directory under union + whiteout rules.
func (fs *FS) Rmdir(logicalPath string) error {
	return removal.Rmdir(fs.Table, fs.Cfg, fs.Engine, logicalPath)
}

// Unlink removes a file under union + whiteout rules.
func (fs *FS) Unlink(logicalPath string) error {
	return removal.Unlink(fs.Table, fs.Cfg, fs.Engine, logicalPath)
}

// DirNotEmpty reports whether logicalPath has any surviving entry across
// the union, skipping whiteouts and meta-hidden names.
func (fs *FS) DirNotEmpty(logicalPath string) (bool, error) {
	return removal.DirNotEmpty(fs.Table, fs.Cfg, logicalPath)
}

func findLowestRWBranch(t *branch.Table, branchRO int) int {
	for j := 0; j < branchRO; j++ {
		if t.Mode(j) == config.RW {
			return j
		}
	}
	return -1
}
