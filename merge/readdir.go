// Package merge implements the merged directory enumeration: walking every
// branch and yielding the union of entries while respecting shadowing and
// whiteouts.
package merge

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ulakefs/ulakefs/branch"
	"github.com/ulakefs/ulakefs/config"
	"github.com/ulakefs/ulakefs/errs"
	"github.com/ulakefs/ulakefs/pathbuilder"
	"github.com/ulakefs/ulakefs/resolver"
	"github.com/ulakefs/ulakefs/whiteout"
)

// Entry is one name yielded by Readdir, carrying just enough to satisfy the
// kernel bridge's readdir filler contract: inode and type, not a full stat.
type Entry struct {
	Name string
	Ino  uint64
	Type uint32 // one of the DT_* constants, unshifted (see Mode)
}

// Mode returns Type shifted into the S_IFMT bits of a stat(2) st_mode
// value, matching the kernel's own d_type << 12 encoding.
func (e Entry) Mode() uint32 { return e.Type << 12 }

// Filler receives one merged entry and reports whether the caller's buffer
// is full and enumeration of the *current directory* should stop early.
// Whiteout bookkeeping for the branch being enumerated still runs even
// after Filler signals full.
type Filler func(Entry) (stop bool)

// Readdir enumerates the union of logicalPath across every branch of t,
// calling fill once per distinct name in branch-priority order. Within a
// branch, entries are yielded in the underlying directory order; a name is
// yielded at most once, from the first (highest-priority) branch that
// exposes it.
func Readdir(t *branch.Table, cfg *config.Config, logicalPath string, fill Filler) error {
	seen := make(map[string]struct{})
	var whiteouts map[string]struct{}
	if cfg.COW {
		whiteouts = make(map[string]struct{})
	}

	subdirHidden := false
	for i := 0; i < t.Count(); i++ {
		if subdirHidden {
			break
		}

		phys, err := pathbuilder.Build(t.Root(i), logicalPath)
		if err != nil {
			return err
		}

		if cfg.COW {
			hidden, err := resolver.PathHidden(t, cfg, logicalPath, i)
			if err != nil {
				return err
			}
			if hidden {
				// The branch that sets subdirHidden is still
				// processed this iteration; only the *next*
				// iteration is skipped.
				subdirHidden = true
			}
		}

		entries, err := readDirEntries(phys)
		if err != nil {
			if os.IsNotExist(err) {
				if cfg.COW {
					mergeWhiteouts(t, i, logicalPath, whiteouts)
				}
				continue
			}
			return errs.New(errs.Underlying, "readdir", logicalPath, err)
		}

		for _, de := range entries {
			if _, ok := seen[de.Name]; ok {
				continue
			}
			if cfg.COW {
				if _, hidden := whiteouts[de.Name]; hidden {
					continue
				}
			}
			if whiteout.HideMetaFiles(cfg.HideMetaFiles, t.Root(i), phys, de.Name) {
				continue
			}

			seen[de.Name] = struct{}{}
			if fill(de) {
				break
			}
		}

		if cfg.COW {
			mergeWhiteouts(t, i, logicalPath, whiteouts)
		}
	}

	return nil
}

// mergeWhiteouts reads branch i's meta mirror of logicalPath and inserts
// every bare (tag-stripped) name into whiteouts, absent entries only.
func mergeWhiteouts(t *branch.Table, i int, logicalPath string, whiteouts map[string]struct{}) {
	metaPath, err := pathbuilder.Build(t.Root(i), whiteout.MetaName, logicalPath)
	if err != nil {
		return
	}
	entries, err := readDirEntries(metaPath)
	if err != nil {
		return
	}
	for _, de := range entries {
		if bare, ok := whiteout.Tag(de.Name); ok {
			if _, present := whiteouts[bare]; !present {
				whiteouts[bare] = struct{}{}
			}
		}
	}
}

// readDirEntries opens dir and reads its entries in on-disk order,
// translating d_type into the merge.Entry shape readdir fillers expect.
func readDirEntries(dir string) ([]Entry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dirents, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		out = append(out, Entry{
			Name: de.Name(),
			Ino:  direntIno(de),
			Type: direntType(de),
		})
	}
	return out, nil
}

// direntType maps an fs.DirEntry's type bits to the DT_* family unix.Stat_t
// would report, so downstream consumers get the same d_type the original
// readdir() call would have handed them.
func direntType(de os.DirEntry) uint32 {
	typ := de.Type()
	switch {
	case typ&os.ModeSymlink != 0:
		return unix.DT_LNK
	case typ.IsDir():
		return unix.DT_DIR
	case typ&os.ModeNamedPipe != 0:
		return unix.DT_FIFO
	case typ&os.ModeSocket != 0:
		return unix.DT_SOCK
	case typ&os.ModeDevice != 0:
		if typ&os.ModeCharDevice != 0 {
			return unix.DT_CHR
		}
		return unix.DT_BLK
	case typ.IsRegular():
		return unix.DT_REG
	default:
		return unix.DT_UNKNOWN
	}
}

// direntIno extracts the inode number from the entry's underlying stat
// info when available (regular os.DirEntry on Linux/BSD backs onto
// syscall.Dirent, which Info() does not expose directly, so we Stat
// defensively rather than reach into unexported fields).
func direntIno(de os.DirEntry) uint64 {
	info, err := de.Info()
	if err != nil {
		return 0
	}
	if st, ok := info.Sys().(*unix.Stat_t); ok {
		return st.Ino
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
