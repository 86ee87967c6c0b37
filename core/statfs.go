package core

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ulakefs/ulakefs/config"
	"github.com/ulakefs/ulakefs/errs"
)

// StatfsResult is the union-wide aggregate of every participating branch's
// statfs(2) result, independent of how the caller ultimately reports it
// (fuse.StatfsOut, a CLI summary, ...).
type StatfsResult struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   int64
	Frsize  int64
	NameLen uint64
}

// Statfs runs statfs(2) on every participating branch root concurrently,
// skipping RO branches when Cfg.StatfsOmitRO is set, then aggregates the
// results: block and inode counts sum across branches, block size and
// fragment size take the smallest value seen so aggregate byte counts stay
// conservative, and NameLen takes the smallest as well since a name valid on
// one branch's filesystem may not fit another's.
func (fs *FS) Statfs(ctx context.Context) (StatfsResult, error) {
	n := fs.Table.Count()
	results := make([]*unix.Statfs_t, n)

	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		if fs.Cfg.StatfsOmitRO && fs.Table.Mode(i) == config.RO {
			continue
		}
		g.Go(func() error {
			var st unix.Statfs_t
			if err := unix.Statfs(fs.Table.Root(i), &st); err != nil {
				return errs.New(errs.Underlying, "statfs", fs.Table.Root(i), err)
			}
			results[i] = &st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StatfsResult{}, err
	}

	var out StatfsResult
	first := true
	for _, st := range results {
		if st == nil {
			continue
		}
		out.Blocks += uint64(st.Blocks)
		out.Bfree += uint64(st.Bfree)
		out.Bavail += uint64(st.Bavail)
		out.Files += uint64(st.Files)
		out.Ffree += uint64(st.Ffree)
		if first || int64(st.Bsize) < out.Bsize {
			out.Bsize = int64(st.Bsize)
		}
		if first || st.Frsize < out.Frsize {
			out.Frsize = st.Frsize
		}
		if first || uint64(st.Namelen) < out.NameLen {
			out.NameLen = uint64(st.Namelen)
		}
		first = false
	}
	return out, nil
}
