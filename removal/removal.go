// Package removal implements directory removal and unlink semantics under
// union + whiteout rules: emptiness checking and the RO/RW dispatch for
// rmdir and unlink.
package removal

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ulakefs/ulakefs/branch"
	"github.com/ulakefs/ulakefs/config"
	"github.com/ulakefs/ulakefs/cow"
	"github.com/ulakefs/ulakefs/errs"
	"github.com/ulakefs/ulakefs/merge"
	"github.com/ulakefs/ulakefs/pathbuilder"
	"github.com/ulakefs/ulakefs/resolver"
)

// DirNotEmpty scans every branch as readdir would, skipping whiteouts and
// meta-hidden entries, and reports true on the first surviving entry.
func DirNotEmpty(t *branch.Table, cfg *config.Config, logicalPath string) (bool, error) {
	notEmpty := false
	err := merge.Readdir(t, cfg, logicalPath, func(e merge.Entry) bool {
		notEmpty = true
		return true // one entry is enough, stop this directory's scan
	})
	if err != nil {
		return false, err
	}
	return notEmpty, nil
}

// Rmdir refuses non-empty directories, then dispatches on the effective
// branch's mode. An RW branch is rmdir'd directly and then
// maybe-whiteout'd; an RO branch with COW off fails EROFS; with COW on, a
// directory whiteout is created in the lowest RW branch above it. Only
// EEXIST/ENOTDIR/ENOTEMPTY from that marker creation are translated to
// EFAULT, since those three are not legal outcomes of rmdir itself; any
// other underlying errno (ENOSPC, EACCES, a PathTooLong from the path
// builder, ...) is a real failure and passes through unchanged.
func Rmdir(t *branch.Table, cfg *config.Config, engine *cow.Engine, logicalPath string) error {
	notEmpty, err := DirNotEmpty(t, cfg, logicalPath)
	if err != nil {
		return err
	}
	if notEmpty {
		return errs.New(errs.Underlying, "rmdir", logicalPath, unix.ENOTEMPTY)
	}

	i, err := resolver.FindRORWBranch(t, cfg, logicalPath)
	if err != nil {
		return err
	}

	if t.Mode(i) == config.RW {
		phys, err := pathbuilder.Build(t.Root(i), logicalPath)
		if err != nil {
			return err
		}
		if err := os.Remove(phys); err != nil {
			return errs.New(errs.Underlying, "rmdir", logicalPath, err)
		}
		if err := engine.MaybeWhiteout(logicalPath, i, cow.WhiteoutDir); err != nil {
			return err
		}
		return nil
	}

	if !cfg.COW {
		return errs.New(errs.ReadOnly, "rmdir", logicalPath, nil)
	}

	branchRW := resolver.FindLowestRWBranch(t, i)
	if branchRW < 0 {
		return errs.New(errs.NoUpperRW, "rmdir", logicalPath, nil)
	}
	if err := engine.HideDir(logicalPath, branchRW); err != nil {
		if e, ok := err.(*errs.Error); ok && e.Kind == errs.Underlying {
			var errno syscall.Errno
			if errors.As(e.Err, &errno) {
				switch errno {
				case unix.EEXIST, unix.ENOTDIR, unix.ENOTEMPTY:
					e.Kind = errs.WhiteoutFailed
				}
			}
		}
		return err
	}
	return nil
}

// Unlink is symmetric to Rmdir but with no emptiness check. The RW path
// unlinks then maybe-whiteouts; the RO path with COW on creates a file
// whiteout directly (there is no promote-and-mutate step for a delete).
func Unlink(t *branch.Table, cfg *config.Config, engine *cow.Engine, logicalPath string) error {
	i, err := resolver.FindRORWBranch(t, cfg, logicalPath)
	if err != nil {
		return err
	}

	if t.Mode(i) == config.RW {
		phys, err := pathbuilder.Build(t.Root(i), logicalPath)
		if err != nil {
			return err
		}
		if err := unix.Unlink(phys); err != nil {
			return errs.New(errs.Underlying, "unlink", logicalPath, err)
		}
		if err := engine.MaybeWhiteout(logicalPath, i, cow.WhiteoutFile); err != nil {
			return err
		}
		return nil
	}

	if !cfg.COW {
		return errs.New(errs.ReadOnly, "unlink", logicalPath, nil)
	}

	branchRW := resolver.FindLowestRWBranch(t, i)
	if branchRW < 0 {
		return errs.New(errs.NoUpperRW, "unlink", logicalPath, nil)
	}
	return engine.HideFile(logicalPath, branchRW)
}
