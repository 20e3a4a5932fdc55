package server

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

// FSDriver authenticates anonymous logins and serves files from a single
// directory tree, jailed with os.Root so no path can resolve outside it
// even when the process itself is not chrooted.
type FSDriver struct {
	rootPath string
}

// NewFSDriver validates rootPath and returns a driver that serves it.
func NewFSDriver(rootPath string) (*FSDriver, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("ftp: root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("ftp: root path %q is not a directory", rootPath)
	}
	return &FSDriver{rootPath: rootPath}, nil
}

// Authenticate accepts only the anonymous account: user "ftp" or
// "anonymous", any password (conventionally an e-mail address used only
// for logging).
func (d *FSDriver) Authenticate(user, pass string) (ClientContext, error) {
	u := strings.ToLower(user)
	if u != "ftp" && u != "anonymous" {
		return nil, fmt.Errorf("ftp: only anonymous login is supported")
	}
	root, err := os.OpenRoot(d.rootPath)
	if err != nil {
		return nil, fmt.Errorf("ftp: open jail root: %w", err)
	}
	return &fsContext{root: root, rootPath: d.rootPath, cwd: "/"}, nil
}

// fsContext is a session's os.Root-jailed view of one FSDriver's tree.
type fsContext struct {
	root     *os.Root
	rootPath string
	cwd      string
}

// resolve turns a virtual path (absolute or relative to cwd) into a
// cleaned, root-relative path suitable for passing to fsContext's os.Root
// methods, which themselves refuse to escape the jail.
func (c *fsContext) resolve(p string) string {
	if p == "" {
		p = "."
	}
	var full string
	if path.IsAbs(p) {
		full = path.Clean(p)
	} else {
		full = path.Clean(path.Join(c.cwd, p))
	}
	rel := strings.TrimPrefix(full, "/")
	if rel == "" {
		return "."
	}
	return rel
}

func (c *fsContext) ChangeDir(p string) error {
	rel := c.resolve(p)
	info, err := c.root.Stat(rel)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("ftp: %s: %w", p, syscall.ENOTDIR)
	}
	if rel == "." {
		c.cwd = "/"
	} else {
		c.cwd = "/" + rel
	}
	return nil
}

func (c *fsContext) GetWd() string {
	return c.cwd
}

func (c *fsContext) ListDir(p string) ([]fs.FileInfo, error) {
	rel := c.resolve(p)
	f, err := c.root.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	infos := make([]fs.FileInfo, 0, len(names))
	for _, name := range names {
		childRel := name
		if rel != "." {
			childRel = rel + "/" + name
		}
		info, err := c.root.Lstat(childRel)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (c *fsContext) Lstat(p string) (fs.FileInfo, error) {
	return c.root.Lstat(c.resolve(p))
}

func (c *fsContext) Stat(p string) (fs.FileInfo, error) {
	return c.root.Stat(c.resolve(p))
}

// Readlink reports a symlink's raw target text, exactly as ls -l does,
// without attempting to resolve or jail-check it: the entry itself was
// only reachable because root.Lstat already confirmed it lives inside the
// jail, and the displayed target is informational, not a path the server
// ever opens on the symlink's behalf.
func (c *fsContext) Readlink(p string) (string, error) {
	rel := c.resolve(p)
	return os.Readlink(filepath.Join(c.rootPath, rel))
}

// Open opens path for reading without rejecting a directory target: the
// RETR handler's own fstat is what turns a directory into a 550 reply,
// after the 150 reply and data connection are already in flight, so this
// must not pre-empt that check.
func (c *fsContext) Open(p string) (io.ReadCloser, error) {
	return c.root.Open(c.resolve(p))
}

func (c *fsContext) Close() error {
	return c.root.Close()
}
