package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path"
	"time"
)

// dataConnTimeout bounds both the active-mode dial and the passive-mode
// accept.
const dataConnTimeout = 10 * time.Second

// openDataConn returns a connected data socket, or replies 425 itself and
// returns an error. It never mutates session state. In passive mode the
// accepted peer's IP must match the control connection's peer; anything
// else is a third party and is dropped.
func (s *session) openDataConn() (net.Conn, error) {
	switch s.dataChannel {
	case dataChannelPort:
		conn, err := net.DialTimeout("tcp4", s.portAddr.String(), dataConnTimeout)
		if err != nil {
			s.reply(425, "Can't open data connection.")
			return nil, err
		}
		return conn, nil

	case dataChannelPassive:
		if s.pasvListen == nil {
			s.reply(425, "Can't open data connection.")
			return nil, errors.New("no passive listener")
		}
		if tl, ok := s.pasvListen.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(dataConnTimeout))
		}
		conn, err := s.pasvListen.Accept()
		if err != nil {
			s.reply(425, "Can't open data connection.")
			return nil, err
		}
		remote, ok := conn.RemoteAddr().(*net.TCPAddr)
		if !ok || s.clientAddr == nil || !remote.IP.Equal(s.clientAddr.IP) {
			conn.Close()
			s.reply(425, "Can't open data connection.")
			return nil, fmt.Errorf("data connection peer %v does not match control peer", conn.RemoteAddr())
		}
		return conn, nil
	}

	s.reply(425, "Can't open data connection.")
	return nil, errors.New("unknown data channel kind")
}

// handleListLike implements LIST (full=true) and NLST (full=false).
func (s *session) handleListLike(cmd Command, full bool) {
	if !s.requireLogin() {
		return
	}

	target := cmd.Str
	readlink := func(name string) (string, error) {
		return s.ctx.Readlink(path.Join(target, name))
	}
	entries, err := s.ctx.ListDir(target)
	if err != nil {
		// A non-directory target still succeeds, as a single-entry
		// listing; its symlink target (if any) resolves against the
		// target path itself, not a child of it.
		info, statErr := s.ctx.Lstat(target)
		if statErr != nil {
			s.replyFsError(err, target)
			return
		}
		entries = []fs.FileInfo{info}
		readlink = func(string) (string, error) {
			return s.ctx.Readlink(target)
		}
	}

	if full {
		s.reply(150, "Opening ASCII mode data connection for file list.")
	} else {
		s.reply(150, "Opening ASCII mode data connection for name list.")
	}

	conn, err := s.openDataConn()
	if err != nil {
		return
	}
	defer conn.Close()

	s.reply(125, "Data connection already open; transfer starting.")

	var payload string
	if full {
		payload = formatFullList(entries, time.Now(), readlink)
	} else {
		payload = formatNameList(entries)
	}

	if _, err := io.WriteString(conn, payload); err != nil {
		s.reply(451, "Local error in processing.")
		return
	}
	s.reply(226, "Transfer complete.")
}

// handleRETR streams one file over a freshly opened data connection,
// honoring a REST offset accepted by the immediately preceding command.
func (s *session) handleRETR(cmd Command) {
	if !s.requireLogin() {
		return
	}

	path := cmd.Str
	restart := s.fileOffsetCommandNumber == s.commandNumber-1 && s.fileOffset > 0
	offset := s.fileOffset

	// The restart offset is consumed by this attempt, regardless of
	// outcome.
	defer func() { s.fileOffset = 0 }()

	f, err := s.ctx.Open(path)
	if err != nil {
		s.replyFsError(err, path)
		return
	}
	defer f.Close()

	s.reply(150, fmt.Sprintf("Opening %s mode data connection for %s.",
		transferTypeName(s.dataType), path))
	start := time.Now()

	conn, err := s.openDataConn()
	if err != nil {
		return
	}
	defer conn.Close()

	statter, ok := f.(interface{ Stat() (fs.FileInfo, error) })
	if !ok {
		s.reply(550, fmt.Sprintf("%s: cannot stat.", path))
		return
	}
	info, err := statter.Stat()
	if err != nil {
		s.reply(550, fmt.Sprintf("%s: %s.", path, err))
		return
	}
	if info.IsDir() {
		s.reply(550, fmt.Sprintf("%s: is a directory.", path))
		return
	}

	if restart {
		seeker, ok := f.(io.Seeker)
		if !ok {
			s.reply(550, fmt.Sprintf("%s: restart not supported.", path))
			return
		}
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			s.reply(550, fmt.Sprintf("%s: %s.", path, err))
			return
		}
	}

	var n int64
	if s.dataType == 'I' {
		n, err = io.Copy(conn, f)
	} else {
		n, err = copyASCII(conn, f)
	}
	if err != nil {
		s.reply(550, fmt.Sprintf("%s: %s.", path, err))
		return
	}

	s.logger.Info("retr complete", "path", path, "bytes", n, "elapsed", time.Since(start))
	s.reply(226, "Transfer complete.")
}

func transferTypeName(dataType byte) string {
	if dataType == 'I' {
		return "BINARY"
	}
	return "ASCII"
}

// copyASCII streams src to dst expanding each LF to CRLF, in 4096-byte
// read chunks expanded into up-to-8192-byte write chunks.
func copyASCII(dst io.Writer, src io.Reader) (int64, error) {
	in := make([]byte, 4096)
	out := make([]byte, 0, 8192)
	var total int64

	for {
		n, rerr := src.Read(in)
		if n > 0 {
			out = out[:0]
			for _, b := range in[:n] {
				if b == '\n' {
					out = append(out, '\r', '\n')
				} else {
					out = append(out, b)
				}
			}
			if len(out) > 0 {
				w, werr := dst.Write(out)
				total += int64(w)
				if werr != nil {
					return total, werr
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}
