// Package branch implements the ordered, immutable branch table: one entry
// per physical directory tree participating in the union, numbered so that
// index 0 is highest priority.
package branch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/moby/sys/mountinfo"

	"github.com/ulakefs/ulakefs/config"
	"github.com/ulakefs/ulakefs/errs"
)

// Entry is one branch: an absolute, trailing-slash-normalized root, its
// mode, and a retained open directory handle on the root used both to guard
// against an accidental unmount and as the dirfd for later *at syscalls.
type Entry struct {
	root    string
	mode    config.Mode
	rootFd  int
	rootLen int
}

func (e *Entry) Root() string      { return e.root }
func (e *Entry) Mode() config.Mode { return e.mode }
func (e *Entry) RootLen() int      { return e.rootLen }
func (e *Entry) RootFd() int       { return e.rootFd }
func (e *Entry) Writable() bool    { return e.mode == config.RW }

// Table is the immutable, ordered list of branches. It is built once at
// startup; nothing in this package mutates it afterward.
type Table struct {
	entries []Entry
}

// New resolves every branch spec to an absolute, trailing-slash-terminated
// root (relative to chroot if set, else the process's cwd), opens it to
// obtain a retained root handle, and refuses to start if any branch cannot
// be opened or is already a mountpoint of another ulakefs instance (which
// would let readdir loop through it).
func New(specs []config.BranchSpec, chroot string) (*Table, error) {
	if len(specs) == 0 {
		return nil, errs.New(errs.BadConfig, "branch.New", "", fmt.Errorf("need at least one branch"))
	}

	t := &Table{entries: make([]Entry, 0, len(specs))}
	for _, spec := range specs {
		root, err := resolveRoot(spec.Path, chroot)
		if err != nil {
			return nil, errs.New(errs.BadConfig, "branch.New", spec.Path, err)
		}

		if err := refuseSelfMount(root); err != nil {
			t.Close()
			return nil, errs.New(errs.BadConfig, "branch.New", root, err)
		}

		fd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_CLOEXEC|unix.O_RDONLY, 0)
		if err != nil {
			t.Close()
			return nil, errs.New(errs.BadConfig, "branch.New", root, fmt.Errorf("open branch: %w", err))
		}

		t.entries = append(t.entries, Entry{
			root:    root,
			mode:    spec.Mode,
			rootFd:  fd,
			rootLen: len(root),
		})
	}
	return t, nil
}

// Close releases every branch's retained root handle. Tests use this to
// avoid leaking file descriptors across table construction; a live mount
// never calls it (the table lives for the process's lifetime).
func (t *Table) Close() error {
	var first error
	for i := range t.entries {
		if t.entries[i].rootFd <= 0 {
			continue
		}
		if err := unix.Close(t.entries[i].rootFd); err != nil && first == nil {
			first = err
		}
		t.entries[i].rootFd = -1
	}
	return first
}

func (t *Table) Count() int { return len(t.entries) }

func (t *Table) Entry(i int) *Entry { return &t.entries[i] }

func (t *Table) Mode(i int) config.Mode { return t.entries[i].mode }

func (t *Table) Root(i int) string { return t.entries[i].root }

func (t *Table) RootLen(i int) int { return t.entries[i].rootLen }

// resolveRoot makes path absolute (relative to chroot if given, else cwd)
// and appends exactly one trailing slash.
func resolveRoot(path, chroot string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		base := chroot
		if base == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("getwd: %w", err)
			}
			base = cwd
		}
		abs = filepath.Join(base, abs)
	}
	if !strings.HasSuffix(abs, "/") {
		abs += "/"
	}
	return abs, nil
}

// refuseSelfMount checks whether root is already the mountpoint of another
// ulakefs instance; mounting a union filesystem onto one of its own
// branches would make readdir recurse into itself forever.
func refuseSelfMount(root string) error {
	clean := strings.TrimSuffix(root, "/")
	mounts, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip, stop bool) {
		if info.Mountpoint != clean {
			return true, false
		}
		return false, true
	})
	if err != nil {
		// mountinfo is a best-effort, startup-only guard: if we can't
		// read the mount table (e.g. non-Linux), don't block startup.
		return nil
	}
	for _, m := range mounts {
		if strings.HasPrefix(m.FSType, "fuse.ulakefs") {
			return fmt.Errorf("%s is already mounted by ulakefs", root)
		}
	}
	return nil
}
