package server

import (
	"io"
	"io/fs"
)

// Driver authenticates an incoming USER/PASS exchange and hands back a
// ClientContext scoped to that user. The only supported account is
// anonymous; Authenticate exists as an interface boundary so alternate
// backends (e.g. an in-memory fixture for tests) can stand in for FSDriver.
type Driver interface {
	Authenticate(user, pass string) (ClientContext, error)
}

// ClientContext is a session's private, read-only view of a filesystem
// jailed to one root directory. All paths it accepts are virtual paths
// rooted at "/", independent of the real filesystem layout. The surface is
// read-only: no command this server recognizes can create, modify or
// remove anything.
type ClientContext interface {
	// ChangeDir moves the working directory to path, failing if path does
	// not name a directory.
	ChangeDir(path string) error

	// GetWd returns the current virtual working directory.
	GetWd() string

	// ListDir lists the entries of path (or the working directory, if path
	// is empty), lstat'd so symlinks are reported as symlinks.
	ListDir(path string) ([]fs.FileInfo, error)

	// Lstat stats path without following a trailing symlink.
	Lstat(path string) (fs.FileInfo, error)

	// Stat stats path, following symlinks.
	Stat(path string) (fs.FileInfo, error)

	// Readlink resolves the target of a symlink for listing's "-> target"
	// suffix.
	Readlink(path string) (string, error)

	// Open opens path for reading.
	Open(path string) (io.ReadCloser, error)

	// Close releases any resources (e.g. the jailed *os.Root handle) held
	// by this context.
	Close() error
}
