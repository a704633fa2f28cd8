package safefile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteFile(path, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("content = %q", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != FileMode {
		t.Errorf("mode = %o, want %o", info.Mode().Perm(), FileMode)
	}
}

func TestWriteRefusesSymlinkTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("original"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "evil.json")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	err := WriteFile(link, []byte("overwritten"))
	if !IsSymlinkError(err) {
		t.Fatalf("err = %v, want SymlinkError", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "original" {
		t.Error("symlink target was modified")
	}
}

func TestWriteRefusesSymlinkedParent(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0o700); err != nil {
		t.Fatal(err)
	}
	linkDir := filepath.Join(dir, "sessions")
	if err := os.Symlink(real, linkDir); err != nil {
		t.Fatal(err)
	}

	err := WriteFile(filepath.Join(linkDir, "a.json"), []byte("x"))
	if !IsSymlinkError(err) {
		t.Fatalf("err = %v, want SymlinkError", err)
	}
	if _, statErr := os.Stat(filepath.Join(real, "a.json")); !os.IsNotExist(statErr) {
		t.Error("write escaped through symlinked directory")
	}
}

func TestWriteRequiresParentDir(t *testing.T) {
	dir := t.TempDir()
	err := WriteFile(filepath.Join(dir, "missing", "a.json"), []byte("x"))
	if err == nil {
		t.Fatal("expected error for missing parent")
	}
}

func TestWriteIsAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := WriteFile(path, []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(path, []byte("two")); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "two" {
		t.Errorf("content = %q", data)
	}
	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestReadRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.json")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(link); !IsSymlinkError(err) {
		t.Fatalf("err = %v, want SymlinkError", err)
	}
}

func TestAppendFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.md")

	f, err := AppendFile(path)
	if err != nil {
		t.Fatalf("AppendFile: %v", err)
	}
	f.WriteString("first\n")
	f.Close()

	f, err = AppendFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("second\n")
	f.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "first\nsecond\n" {
		t.Errorf("content = %q", data)
	}
}

func TestMkdirAllRefusesSymlinkComponent(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	os.Mkdir(real, 0o700)
	link := filepath.Join(dir, "link")
	os.Symlink(real, link)

	if err := MkdirAll(filepath.Join(link, "sub")); !IsSymlinkError(err) {
		t.Fatalf("err = %v, want SymlinkError", err)
	}
}
