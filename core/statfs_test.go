package core

import (
	"context"
	"testing"

	"github.com/ulakefs/ulakefs/config"
)

func TestStatfsAggregatesAcrossBranches(t *testing.T) {
	fs, _ := newFS(t, config.RW, config.RO)
	got, err := fs.Statfs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Blocks == 0 {
		t.Error("aggregated Blocks should reflect real filesystem stats, got 0")
	}
	if got.Bsize == 0 {
		t.Error("aggregated Bsize should be nonzero")
	}
}

func TestStatfsOmitsROBranches(t *testing.T) {
	fs, _ := newFS(t, config.RW, config.RO)
	fs.Cfg.StatfsOmitRO = true

	omitRO, err := fs.Statfs(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	fs.Cfg.StatfsOmitRO = false
	withoutOmit, err := fs.Statfs(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Summing one branch's stats can never exceed summing two, so this
	// mainly guards that StatfsOmitRO doesn't error out or panic when it
	// drops a branch from the aggregate.
	if omitRO.Blocks > withoutOmit.Blocks {
		t.Errorf("omitting a branch should never increase the aggregate: %d > %d", omitRO.Blocks, withoutOmit.Blocks)
	}
}
