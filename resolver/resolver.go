// Package resolver implements the path resolution engine: for a logical
// path, which branch supplies it, and whether a higher-priority whiteout
// masks it.
package resolver

import (
	"errors"
	"os"
	"path"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ulakefs/ulakefs/branch"
	"github.com/ulakefs/ulakefs/config"
	"github.com/ulakefs/ulakefs/errs"
	"github.com/ulakefs/ulakefs/pathbuilder"
	"github.com/ulakefs/ulakefs/whiteout"
)

// FindRORWBranch returns the index of the effective branch for logicalPath,
// or -1 with a NotFound *errs.Error. Branches are scanned in priority order
// (0..N-1); the first branch that physically has the path wins, unless a
// whiteout at a shallower (higher-priority) branch masks it.
func FindRORWBranch(t *branch.Table, cfg *config.Config, logicalPath string) (int, error) {
	if logicalPath == "/" {
		return 0, nil
	}

	for i := 0; i < t.Count(); i++ {
		if cfg.COW {
			hidden, err := PathHidden(t, cfg, logicalPath, i)
			if err != nil {
				return -1, err
			}
			if hidden {
				return -1, errs.New(errs.NotFound, "resolve", logicalPath, nil)
			}
		}

		phys, err := pathbuilder.Build(t.Root(i), logicalPath)
		if err != nil {
			return -1, err
		}

		err = statExists(phys)
		if err == nil {
			return i, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return -1, errs.New(errs.Underlying, "resolve", logicalPath, err)
		}
	}

	return -1, errs.New(errs.NotFound, "resolve", logicalPath, nil)
}

// PathHidden reports whether any ancestor of logicalPath, including itself,
// is whited out at some branch j < branchIdx: a whiteout at branch j masks
// the same name in every branch below j (j itself is not checked).
func PathHidden(t *branch.Table, cfg *config.Config, logicalPath string, branchIdx int) (bool, error) {
	if !cfg.COW || branchIdx == 0 {
		return false, nil
	}

	for _, ancestor := range ancestorsInclusive(logicalPath) {
		for j := 0; j < branchIdx; j++ {
			whited, err := hasWhiteout(t, j, ancestor)
			if err != nil {
				return false, err
			}
			if whited {
				return true, nil
			}
		}
	}
	return false, nil
}

// FindLowestRWBranch returns the smallest branch index below branchRO whose
// mode is RW, or -1 if none exists.
func FindLowestRWBranch(t *branch.Table, branchRO int) int {
	for j := 0; j < branchRO; j++ {
		if t.Mode(j) == config.RW {
			return j
		}
	}
	return -1
}

// hasWhiteout reports whether branch j carries a whiteout marker for
// logicalPath, i.e. whether <root_j>/<MetaName>/<parent>/<base><HideTag>
// exists (lstat succeeds, whatever the entry's type).
func hasWhiteout(t *branch.Table, j int, logicalPath string) (bool, error) {
	parent, base := path.Split(logicalPath)
	if base == "" {
		return false, nil
	}
	marker, err := pathbuilder.Build(t.Root(j), whiteout.MetaName, parent, whiteout.Mark(base))
	if err != nil {
		return false, err
	}
	err = statExists(marker)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errs.New(errs.Underlying, "whiteout_lookup", logicalPath, err)
}

// ancestorsInclusive returns logicalPath and every ancestor directory up to
// (but not including) "/", nearest first: for "/a/b/c" that is
// ["/a/b/c", "/a/b", "/a"].
func ancestorsInclusive(logicalPath string) []string {
	p := strings.TrimSuffix(logicalPath, "/")
	var out []string
	for p != "" && p != "/" {
		out = append(out, p)
		p = path.Dir(p)
		if p == "." {
			break
		}
	}
	return out
}

// statExists reports whether p exists via lstat, normalizing ENOENT to
// os.ErrNotExist so callers can use errors.Is uniformly.
func statExists(p string) error {
	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		if err == syscall.ENOENT {
			return os.ErrNotExist
		}
		return err
	}
	return nil
}
