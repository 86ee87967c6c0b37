// Package cow implements copy-on-write promotion and whiteout creation:
// promoting an RO file to the lowest writable branch above it before
// mutation, and recording deletions as whiteout markers.
package cow

import (
	"errors"
	"io"
	"os"
	"path"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ulakefs/ulakefs/branch"
	"github.com/ulakefs/ulakefs/config"
	"github.com/ulakefs/ulakefs/errs"
	"github.com/ulakefs/ulakefs/internal/openat"
	"github.com/ulakefs/ulakefs/pathbuilder"
	"github.com/ulakefs/ulakefs/resolver"
	"github.com/ulakefs/ulakefs/whiteout"
)

// MarkerKind records whether a whiteout stands in for a file or a
// directory. Both resolve to the same on-disk marker; the distinction
// exists only so callers can give a clearer error when marker creation
// itself fails in an impossible way.
type MarkerKind int

const (
	WhiteoutFile MarkerKind = iota
	WhiteoutDir
)

// Engine is the only writer to an RW branch's whiteout markers and to
// promoted copies; it holds no state of its own beyond the branch table and
// configuration it was handed.
type Engine struct {
	Table *branch.Table
	Cfg   *config.Config
}

func New(t *branch.Table, cfg *config.Config) *Engine {
	return &Engine{Table: t, Cfg: cfg}
}

// Promote copies logicalPath from its RO effective branch up to the lowest
// RW branch above it, creating the parent chain in the RW branch first
// (mode and ownership copied from the RO source), then returns the RW
// branch's index so the caller can perform the mutation against the copy.
// It never deletes or modifies the RO source. It fails with NoUpperRW if no
// RW branch exists above branchRO.
func (e *Engine) Promote(logicalPath string, branchRO int) (branchRW int, err error) {
	branchRW = resolver.FindLowestRWBranch(e.Table, branchRO)
	if branchRW < 0 {
		return -1, errs.New(errs.NoUpperRW, "cow_promote", logicalPath, nil)
	}

	if err := e.EnsureParentChain(logicalPath, branchRO, branchRW); err != nil {
		return -1, err
	}

	dstPath, err := pathbuilder.Build(e.Table.Root(branchRW), logicalPath)
	if err != nil {
		return -1, err
	}

	srcFd := e.Table.Entry(branchRO).RootFd()
	srcRel := strings.TrimPrefix(logicalPath, "/")
	if err := copyFile(srcFd, srcRel, dstPath); err != nil {
		return -1, errs.New(errs.Underlying, "cow_promote", logicalPath, err)
	}
	return branchRW, nil
}

// EnsureParentChain mkdirs logicalPath's parent directories (including the
// immediate parent itself) inside branchRW, one level at a time, copying
// mode (and owner, best-effort) from the corresponding directory in
// branchRO wherever it already exists there, falling back to 0755
// otherwise. Directories that already exist in branchRW are left as they
// are. Promote uses it to make room for a file copy;
// core.FS.PrepareCreate uses it to make room for a brand-new entry.
func (e *Engine) EnsureParentChain(logicalPath string, branchRO, branchRW int) error {
	parent := path.Dir(logicalPath)
	if parent == "." || parent == "/" {
		return nil
	}

	var segments []string
	for p := parent; p != "." && p != "/"; p = path.Dir(p) {
		segments = append(segments, p)
	}
	// Walk shallowest-first so each mkdir's parent already exists.
	for i := len(segments) - 1; i >= 0; i-- {
		dst, err := pathbuilder.Build(e.Table.Root(branchRW), segments[i])
		if err != nil {
			return err
		}
		if err := statDir(dst); err == nil {
			continue
		}

		mode := os.FileMode(0755)
		var uid, gid int = -1, -1
		if src, err := pathbuilder.Build(e.Table.Root(branchRO), segments[i]); err == nil {
			var st unix.Stat_t
			if unix.Lstat(src, &st) == nil {
				mode = os.FileMode(st.Mode & 0777)
				uid, gid = int(st.Uid), int(st.Gid)
			}
		}

		if err := os.Mkdir(dst, mode); err != nil && !os.IsExist(err) {
			return errs.New(errs.Underlying, "cow_mkdir_parent", segments[i], err)
		}
		if uid >= 0 {
			_ = unix.Chown(dst, uid, gid)
		}
	}
	return nil
}

// MaybeWhiteout creates a whiteout marker for logicalPath in branchRW's
// meta mirror if, after a successful RW delete, any lower branch still
// physically exposes the same name. kind does not change the marker: both
// kinds create the same file, and readers treat them identically.
func (e *Engine) MaybeWhiteout(logicalPath string, branchRW int, kind MarkerKind) error {
	stillExposed, err := e.exposedBelow(logicalPath, branchRW)
	if err != nil {
		return err
	}
	if !stillExposed {
		return nil
	}
	return e.createMarker(logicalPath, branchRW, kind)
}

// HideDir and HideFile both create the same marker; the split exists only
// for the caller's own error translation.
func (e *Engine) HideDir(logicalPath string, branchRW int) error {
	return e.createMarker(logicalPath, branchRW, WhiteoutDir)
}

func (e *Engine) HideFile(logicalPath string, branchRW int) error {
	return e.createMarker(logicalPath, branchRW, WhiteoutFile)
}

func (e *Engine) createMarker(logicalPath string, branchRW int, _ MarkerKind) error {
	parent, base := path.Split(logicalPath)
	if base == "" {
		return errs.New(errs.Underlying, "whiteout_create", logicalPath, errors.New("empty name"))
	}

	metaDir, err := pathbuilder.Build(e.Table.Root(branchRW), whiteout.MetaName, parent)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(metaDir, 0700); err != nil {
		return errs.New(errs.Underlying, "whiteout_create", logicalPath, err)
	}

	marker, err := pathbuilder.Build(metaDir, whiteout.Mark(base))
	if err != nil {
		return err
	}

	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			// Idempotent: a second rmdir/unlink of an already-hidden
			// name must not fail the operation as a whole.
			return nil
		}
		return errs.New(errs.Underlying, "whiteout_create", logicalPath, err)
	}
	return f.Close()
}

// exposedBelow reports whether any branch strictly below branchRW still
// physically has logicalPath, ignoring whiteouts (the marker we are about
// to possibly create doesn't exist yet).
func (e *Engine) exposedBelow(logicalPath string, branchRW int) (bool, error) {
	for j := branchRW + 1; j < e.Table.Count(); j++ {
		phys, err := pathbuilder.Build(e.Table.Root(j), logicalPath)
		if err != nil {
			return false, err
		}
		var st unix.Stat_t
		if unix.Lstat(phys, &st) == nil {
			return true, nil
		}
	}
	return false, nil
}

func statDir(p string) error {
	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		return err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return os.ErrInvalid
	}
	return nil
}

// copyFile copies srcRel's full content and mode to dst, creating dst fresh
// (O_EXCL would be wrong here: Promote may race a concurrent promotion of
// the same name, and the later writer's content should simply win, exactly
// as two concurrent opens of the same RO file would on a single branch).
// The source is opened relative to srcRootFd with OpenatNofollow so, on
// Linux, a symlink planted at any component of the path (or as the final
// entry itself) cannot redirect the copy outside the RO branch; on other
// platforms only the final component is checked.
func copyFile(srcRootFd int, srcRel, dst string) error {
	srcFd, err := openat.OpenatNofollow(srcRootFd, srcRel, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	in := os.NewFile(uintptr(srcFd), srcRel)
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
