package branch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ulakefs/ulakefs/config"
)

func TestNewResolvesAndRetainsHandles(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()

	specs := []config.BranchSpec{
		{Path: a, Mode: config.RO},
		{Path: b, Mode: config.RW},
	}
	table, err := New(specs, "")
	if err != nil {
		t.Fatal(err)
	}
	defer table.Close()

	if table.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", table.Count())
	}
	if table.Mode(0) != config.RO || table.Mode(1) != config.RW {
		t.Errorf("modes = (%v, %v), want (RO, RW)", table.Mode(0), table.Mode(1))
	}
	if table.Root(0)[len(table.Root(0))-1] != '/' {
		t.Errorf("Root(0) = %q, should be trailing-slash terminated", table.Root(0))
	}
	if table.Entry(0).RootFd() <= 0 {
		t.Error("branch 0 should have a retained, valid directory fd")
	}
}

func TestNewRejectsEmptySpecList(t *testing.T) {
	if _, err := New(nil, ""); err == nil {
		t.Fatal("New with no branches should fail")
	}
}

func TestNewRejectsUnopenableBranch(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	specs := []config.BranchSpec{{Path: missing, Mode: config.RO}}
	if _, err := New(specs, ""); err == nil {
		t.Fatal("New with a missing branch directory should fail")
	}
}

func TestNewRollsBackOnPartialFailure(t *testing.T) {
	a := t.TempDir()
	missing := filepath.Join(t.TempDir(), "gone")
	specs := []config.BranchSpec{
		{Path: a, Mode: config.RO},
		{Path: missing, Mode: config.RO},
	}
	if _, err := New(specs, ""); err == nil {
		t.Fatal("New should fail when any branch cannot be opened")
	}
	// The failed New must leave branch a usable: a fresh table over the
	// same root should still succeed.
	table2, err := New([]config.BranchSpec{{Path: a, Mode: config.RO}}, "")
	if err != nil {
		t.Fatalf("re-using branch a after a rolled-back New failed: %v", err)
	}
	table2.Close()
}

func TestResolveRootRelativeToChroot(t *testing.T) {
	chroot := t.TempDir()
	if err := os.Mkdir(filepath.Join(chroot, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	root, err := resolveRoot("sub", chroot)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(chroot, "sub") + "/"
	if root != want {
		t.Errorf("resolveRoot = %q, want %q", root, want)
	}
}
