package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ulakefs/ulakefs/branch"
	"github.com/ulakefs/ulakefs/config"
	"github.com/ulakefs/ulakefs/whiteout"
)

func newTable(t *testing.T, modes ...config.Mode) (*branch.Table, []string) {
	t.Helper()
	var specs []config.BranchSpec
	var roots []string
	for _, m := range modes {
		d := t.TempDir()
		roots = append(roots, d)
		specs = append(specs, config.BranchSpec{Path: d, Mode: m})
	}
	tbl, err := branch.New(specs, "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl, roots
}

func TestFindRORWBranchHighestPriorityWins(t *testing.T) {
	tbl, roots := newTable(t, config.RO, config.RO)
	if err := os.WriteFile(filepath.Join(roots[0], "f"), []byte("top"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(roots[1], "f"), []byte("bottom"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.New()
	i, err := FindRORWBranch(tbl, cfg, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if i != 0 {
		t.Errorf("FindRORWBranch = %d, want 0 (highest priority)", i)
	}
}

func TestFindRORWBranchFallsThroughWhenAbsent(t *testing.T) {
	tbl, roots := newTable(t, config.RO, config.RO)
	if err := os.WriteFile(filepath.Join(roots[1], "only-below"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.New()
	i, err := FindRORWBranch(tbl, cfg, "/only-below")
	if err != nil {
		t.Fatal(err)
	}
	if i != 1 {
		t.Errorf("FindRORWBranch = %d, want 1", i)
	}
}

func TestFindRORWBranchNotFound(t *testing.T) {
	tbl, _ := newTable(t, config.RO)
	cfg := config.New()
	if _, err := FindRORWBranch(tbl, cfg, "/nope"); err == nil {
		t.Fatal("FindRORWBranch should fail for a name no branch has")
	}
}

func TestWhiteoutMasksLowerBranch(t *testing.T) {
	tbl, roots := newTable(t, config.RW, config.RO)
	// branch 1 (RO) physically has "secret"; branch 0 (RW) whites it out.
	if err := os.WriteFile(filepath.Join(roots[1], "secret"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	metaDir := filepath.Join(roots[0], whiteout.MetaName)
	if err := os.MkdirAll(metaDir, 0700); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(metaDir, whiteout.Mark("secret"))
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.New()
	cfg.COW = true
	if _, err := FindRORWBranch(tbl, cfg, "/secret"); err == nil {
		t.Fatal("a whiteout at branch 0 should mask the entry at branch 1")
	}
}

func TestWhiteoutIgnoredWhenCOWDisabled(t *testing.T) {
	tbl, roots := newTable(t, config.RW, config.RO)
	if err := os.WriteFile(filepath.Join(roots[1], "secret"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	metaDir := filepath.Join(roots[0], whiteout.MetaName)
	if err := os.MkdirAll(metaDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(metaDir, whiteout.Mark("secret")), nil, 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.New() // COW defaults to false
	i, err := FindRORWBranch(tbl, cfg, "/secret")
	if err != nil {
		t.Fatalf("with COW disabled, whiteouts should be inert: %v", err)
	}
	if i != 1 {
		t.Errorf("FindRORWBranch = %d, want 1", i)
	}
}

func TestFindLowestRWBranch(t *testing.T) {
	tbl, _ := newTable(t, config.RO, config.RW, config.RO, config.RW)
	if got := FindLowestRWBranch(tbl, 3); got != 1 {
		t.Errorf("FindLowestRWBranch(3) = %d, want 1", got)
	}
	if got := FindLowestRWBranch(tbl, 1); got != -1 {
		t.Errorf("FindLowestRWBranch(1) = %d, want -1 (nothing above is RW)", got)
	}
}

func TestRootPathAlwaysResolvesToBranchZero(t *testing.T) {
	tbl, _ := newTable(t, config.RO, config.RW)
	cfg := config.New()
	i, err := FindRORWBranch(tbl, cfg, "/")
	if err != nil {
		t.Fatal(err)
	}
	if i != 0 {
		t.Errorf("FindRORWBranch(/) = %d, want 0", i)
	}
}
