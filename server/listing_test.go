package server

import (
	"io/fs"
	"strings"
	"testing"
	"time"
)

type fakeFileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() fs.FileMode  { return f.mode }
func (f fakeFileInfo) ModTime() time.Time { return f.modTime }
func (f fakeFileInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeFileInfo) Sys() any           { return nil }

func TestFormatNameListSorted(t *testing.T) {
	t.Parallel()

	entries := []fs.FileInfo{
		fakeFileInfo{name: "banana"},
		fakeFileInfo{name: "apple"},
	}
	got := formatNameList(entries)
	want := "apple\r\nbanana\r\n"
	if got != want {
		t.Errorf("formatNameList = %q, want %q", got, want)
	}
}

func TestFormatFullListHeaderAndOrder(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	entries := []fs.FileInfo{
		fakeFileInfo{name: "b.txt", size: 10, mode: 0644, modTime: now.Add(-time.Hour)},
		fakeFileInfo{name: "a.txt", size: 20, mode: 0644, modTime: now.Add(-time.Hour)},
	}
	out := formatFullList(entries, now, nil)
	lines := strings.Split(strings.TrimRight(out, "\r\n"), "\r\n")
	if lines[0] != "total 2" {
		t.Errorf("header = %q, want %q", lines[0], "total 2")
	}
	if !strings.Contains(lines[1], "a.txt") {
		t.Errorf("first entry should be a.txt (sorted): %q", lines[1])
	}
	if !strings.Contains(lines[2], "b.txt") {
		t.Errorf("second entry should be b.txt (sorted): %q", lines[2])
	}
}

func TestFormatFullListTypeCharAndPerms(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	dir := fakeFileInfo{name: "sub", mode: fs.ModeDir | 0755, modTime: now}
	line := formatFullListLine(dir, now, nil)
	if line[0] != 'd' {
		t.Errorf("dir type char = %q, want 'd'", line[0])
	}
	if !strings.HasPrefix(line[1:], "rwxr-xr-x") {
		t.Errorf("permission bits = %q", line[1:10])
	}
}

func TestFormatFullListOldDateUsesYear(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	old := fakeFileInfo{name: "old.txt", mode: 0644, modTime: now.AddDate(-2, 0, 0)}
	line := formatFullListLine(old, now, nil)
	if !strings.Contains(line, "2024") {
		t.Errorf("expected year in date column for old file: %q", line)
	}
}

func TestFormatFullListSymlinkTarget(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	link := fakeFileInfo{name: "lnk", mode: fs.ModeSymlink | 0777, modTime: now}
	line := formatFullListLine(link, now, func(name string) (string, error) {
		return "target.txt", nil
	})
	if !strings.HasSuffix(line, "-> target.txt") {
		t.Errorf("expected symlink suffix: %q", line)
	}
}
