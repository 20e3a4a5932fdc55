// Command ftpd is the anonymous FTP server's process entry point: option
// parsing, chroot, privilege drop and signal handling around the server
// package.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/nullhttpd/anonftpd/server"
)

const (
	defaultPort           = 21
	minPort               = 1
	maxPort               = 65535
	defaultMaxConnections = 100
	shutdownGrace         = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port           int
		bindAddr       string
		maxConnections int
	)

	cmd := &cobra.Command{
		Use:   "ftpd [flags] user_name root_directory",
		Short: "Anonymous, read-only FTP server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if port < minPort || port > maxPort {
				return fmt.Errorf("port %d out of range [%d,%d]", port, minPort, maxPort)
			}
			return run(args[0], args[1], bindAddr, port, maxConnections)
		},
		SilenceUsage: true,
	}

	cmd.Flags().IntVarP(&port, "port", "p", defaultPort, "listen port")
	cmd.Flags().StringVarP(&bindAddr, "interface", "i", "", "bind interface (default: all)")
	cmd.Flags().IntVarP(&maxConnections, "max-clients", "m", defaultMaxConnections, "max concurrent clients")

	return cmd
}

func run(userName, rootDir, bindAddr string, port, maxConnections int) error {
	logger := newLogger()
	slog.SetDefault(logger)

	if os.Geteuid() != 0 {
		return fmt.Errorf("ftpd: must run as root to chroot and drop privileges")
	}

	u, err := user.Lookup(userName)
	if err != nil {
		return fmt.Errorf("ftpd: unknown user %q: %w", userName, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("ftpd: bad uid for %q: %w", userName, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("ftpd: bad gid for %q: %w", userName, err)
	}

	if err := syscall.Chroot(rootDir); err != nil {
		return fmt.Errorf("ftpd: chroot %q: %w", rootDir, err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("ftpd: chdir after chroot: %w", err)
	}

	// os.Root jailing is layered on top of the process-level chroot above,
	// not in place of it. Once chrooted, the server's whole filesystem
	// view is rootDir, so the jail root is "/".
	driver, err := server.NewFSDriver("/")
	if err != nil {
		return fmt.Errorf("ftpd: %w", err)
	}

	signal.Ignore(syscall.SIGPIPE)

	srv, err := server.NewServer(
		fmt.Sprintf("%s:%d", bindAddr, port),
		server.WithDriver(driver),
		server.WithLogger(logger),
		server.WithRootDir("/"),
		server.WithMaxConnections(maxConnections),
	)
	if err != nil {
		return fmt.Errorf("ftpd: %w", err)
	}

	// The listening socket is bound here, while still root, so the default
	// privileged port 21 can be bound at all; it must exist before the
	// setuid/setgid drop below or binding would fail with EACCES.
	ln, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		return fmt.Errorf("ftpd: listen: %w", err)
	}

	// Privilege drop happens last, after every operation that needs root
	// (chroot, binding a port below 1024) has already completed. Group is
	// dropped before user per the standard ordering: losing root via
	// setuid first would leave setgid unable to change the group.
	if err := syscall.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("ftpd: setgroups: %w", err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("ftpd: setgid: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("ftpd: setuid: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ftpd: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("shutdown did not finish cleanly", "error", err)
		}
		return nil
	}
}

func newLogger() *slog.Logger {
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
