package server

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jehiah/go-strftime"
)

// sixMonths is the cutoff ls -l uses to decide between a time-of-day and a
// year suffix in the date column.
const sixMonths = 6 * 30 * 24 * time.Hour

// formatNameList renders the NLST form: one bare name per line.
func formatNameList(entries []fs.FileInfo) string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteString("\r\n")
	}
	return b.String()
}

// linkTarget resolves the "-> target" suffix for a symlink entry. readlink
// is supplied by the caller since resolving it requires the jailed
// filesystem context, not just the fs.FileInfo already in hand.
type linkTarget func(name string) (string, error)

// formatFullList renders the LIST form: an "ls -l"-style listing, sorted by
// name, with a leading "total N" line. now is passed in so the six-month
// cutoff is deterministic and testable.
func formatFullList(entries []fs.FileInfo, now time.Time, readlink linkTarget) string {
	sorted := make([]fs.FileInfo, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	var b strings.Builder
	fmt.Fprintf(&b, "total %d\r\n", len(sorted))
	for _, info := range sorted {
		b.WriteString(formatFullListLine(info, now, readlink))
		b.WriteString("\r\n")
	}
	return b.String()
}

func formatFullListLine(info fs.FileInfo, now time.Time, readlink linkTarget) string {
	mode := info.Mode()

	var typeChar byte = '-'
	switch {
	case mode&fs.ModeSymlink != 0:
		typeChar = 'l'
	case mode&fs.ModeDir != 0:
		typeChar = 'd'
	case mode&fs.ModeSocket != 0:
		typeChar = 's'
	case mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice != 0:
		typeChar = 'c'
	case mode&fs.ModeDevice != 0:
		typeChar = 'b'
	case mode&fs.ModeNamedPipe != 0:
		typeChar = 'p'
	}

	perm := mode.Perm()
	rwx := func(r, w, x bool, setBit bool, setChar, setCharNoExec byte) string {
		var s strings.Builder
		if r {
			s.WriteByte('r')
		} else {
			s.WriteByte('-')
		}
		if w {
			s.WriteByte('w')
		} else {
			s.WriteByte('-')
		}
		switch {
		case setBit && x:
			s.WriteByte(setChar)
		case setBit:
			s.WriteByte(setCharNoExec)
		case x:
			s.WriteByte('x')
		default:
			s.WriteByte('-')
		}
		return s.String()
	}

	setuid := mode&fs.ModeSetuid != 0
	setgid := mode&fs.ModeSetgid != 0
	sticky := mode&fs.ModeSticky != 0

	user := rwx(perm&0400 != 0, perm&0200 != 0, perm&0100 != 0, setuid, 's', 'S')
	group := rwx(perm&0040 != 0, perm&0020 != 0, perm&0010 != 0, setgid, 's', 'S')
	other := rwx(perm&0004 != 0, perm&0002 != 0, perm&0001 != 0, sticky, 't', 'T')

	var nlink, uid, gid uint64 = 1, 0, 0
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		nlink = uint64(st.Nlink)
		uid = uint64(st.Uid)
		gid = uint64(st.Gid)
	}

	age := now.Sub(info.ModTime())
	var dateStr string
	if age > sixMonths || age < -sixMonths {
		dateStr = strftime.Format("%b %e  %Y", info.ModTime())
	} else {
		dateStr = strftime.Format("%b %e %H:%M", info.ModTime())
	}

	line := fmt.Sprintf("%c%s%s%s %3d %-8d %-8d %8d %s %s",
		typeChar, user, group, other, nlink, uid, gid, info.Size(), dateStr, info.Name())

	if mode&fs.ModeSymlink != 0 && readlink != nil {
		if target, err := readlink(info.Name()); err == nil {
			line += " -> " + target
		}
	}

	return line
}
