package whiteout

import "testing"

func TestTagAndMarkRoundTrip(t *testing.T) {
	marker := Mark("foo")
	if marker != "foo.hide" {
		t.Fatalf("Mark(foo) = %q, want foo.hide", marker)
	}
	bare, ok := Tag(marker)
	if !ok {
		t.Fatalf("Tag(%q) reported not a whiteout", marker)
	}
	if bare != "foo" {
		t.Errorf("Tag(%q) = %q, want foo", marker, bare)
	}
}

func TestTagRejectsNonWhiteouts(t *testing.T) {
	for _, name := range []string{"foo", "foo.hid", HideTag, "", "a"} {
		if _, ok := Tag(name); ok {
			t.Errorf("Tag(%q) should not report a whiteout", name)
		}
	}
}

func TestHideMetaFiles(t *testing.T) {
	if HideMetaFiles(false, "/root", "/root", MetaName) {
		t.Error("disabled hide_meta_files must never hide anything")
	}
	if !HideMetaFiles(true, "/root", "/root", MetaName) {
		t.Error("the reserved meta dir at branch root should be hidden when enabled")
	}
	if HideMetaFiles(true, "/root", "/root/sub", MetaName) {
		t.Error("a name matching MetaName outside the branch root is not the reserved dir")
	}
	if !HideMetaFiles(true, "/root", "/root/sub", FuseMetaPrefix+"12345") {
		t.Error("fuse silly-rename transients should be hidden when enabled")
	}
	if HideMetaFiles(true, "/root", "/root/sub", "regular.txt") {
		t.Error("an ordinary name must never be hidden")
	}
}
