package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ulakefs/ulakefs/branch"
	"github.com/ulakefs/ulakefs/config"
	"github.com/ulakefs/ulakefs/merge"
)

func newFS(t *testing.T, modes ...config.Mode) (*FS, []string) {
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
	cfg := config.New()
	cfg.COW = true
	return New(tbl, cfg), roots
}

func TestResolveFindsHighestPriorityBranch(t *testing.T) {
	fs, roots := newFS(t, config.RO, config.RO)
	if err := os.WriteFile(filepath.Join(roots[0], "f"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	i, phys, err := fs.Resolve("/f")
	if err != nil {
		t.Fatal(err)
	}
	if i != 0 {
		t.Errorf("branch = %d, want 0", i)
	}
	if phys != filepath.Join(roots[0], "f") {
		t.Errorf("phys = %q, want %q", phys, filepath.Join(roots[0], "f"))
	}
}

func TestPrepareMutationPromotesFromRO(t *testing.T) {
	fs, roots := newFS(t, config.RW, config.RO)
	if err := os.WriteFile(filepath.Join(roots[1], "f"), []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	branchIdx, phys, err := fs.PrepareMutation("/f")
	if err != nil {
		t.Fatal(err)
	}
	if branchIdx != 0 {
		t.Errorf("PrepareMutation promoted to branch %d, want 0", branchIdx)
	}
	if _, err := os.Stat(phys); err != nil {
		t.Errorf("promoted copy missing: %v", err)
	}
}

func TestPrepareMutationFailsReadOnlyWithoutCOW(t *testing.T) {
	fs, roots := newFS(t, config.RO)
	fs.Cfg.COW = false
	if err := os.WriteFile(filepath.Join(roots[0], "f"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := fs.PrepareMutation("/f"); err == nil {
		t.Fatal("PrepareMutation against RO with COW disabled should fail")
	}
}

func TestPrepareCreatePromotesParentChain(t *testing.T) {
	fs, roots := newFS(t, config.RW, config.RO)
	if err := os.Mkdir(filepath.Join(roots[1], "dir"), 0755); err != nil {
		t.Fatal(err)
	}
	branchIdx, parentPhys, err := fs.PrepareCreate("/dir/new.txt")
	if err != nil {
		t.Fatal(err)
	}
	if branchIdx != 0 {
		t.Errorf("PrepareCreate resolved to branch %d, want 0", branchIdx)
	}
	if _, err := os.Stat(parentPhys); err != nil {
		t.Errorf("promoted parent directory missing: %v", err)
	}
}

func TestReaddirAndRemovalRoundTrip(t *testing.T) {
	fs, roots := newFS(t, config.RW, config.RO)
	// Unlink creates branch 0's .ulakefs; hide it so only "f" is at stake.
	fs.Cfg.HideMetaFiles = true
	if err := os.WriteFile(filepath.Join(roots[1], "f"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	var before []string
	if err := fs.Readdir("/", func(e merge.Entry) bool {
		before = append(before, e.Name)
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if len(before) != 1 || before[0] != "f" {
		t.Fatalf("readdir before unlink = %v, want [f]", before)
	}

	if err := fs.Unlink("/f"); err != nil {
		t.Fatal(err)
	}

	var after []string
	if err := fs.Readdir("/", func(e merge.Entry) bool {
		after = append(after, e.Name)
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if len(after) != 0 {
		t.Errorf("readdir after unlink = %v, want empty", after)
	}
}

func TestDirNotEmptyReflectsRmdirEligibility(t *testing.T) {
	fs, roots := newFS(t, config.RW)
	if err := os.Mkdir(filepath.Join(roots[0], "d"), 0755); err != nil {
		t.Fatal(err)
	}
	notEmpty, err := fs.DirNotEmpty("/d")
	if err != nil {
		t.Fatal(err)
	}
	if notEmpty {
		t.Error("a freshly created directory should read as empty")
	}
	if err := fs.Rmdir("/d"); err != nil {
		t.Fatal(err)
	}
}
