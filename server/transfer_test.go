package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// testTCPSession starts a real TCP listener, runs one session per accepted
// connection against a fresh FSDriver rooted at a temp directory, and
// returns the dialed client connection. Unlike testSessionDial's net.Pipe
// (whose RemoteAddr is not a *net.TCPAddr), this gives sessions a real
// client IP to compare against in the PASV peer check.
func testTCPSession(t *testing.T) (conn net.Conn, root string, cleanup func()) {
	t.Helper()

	root = t.TempDir()
	driver, err := NewFSDriver(root)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(":0", WithDriver(driver), WithRootDir(root))
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		srv.handleConnection(c)
	}()

	conn, err = net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		ln.Close()
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	return conn, root, func() {
		conn.Close()
		ln.Close()
	}
}

func txSend(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	if _, err := conn.Write([]byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func txReadReply(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func txLogin(t *testing.T, conn net.Conn, r *bufio.Reader) {
	t.Helper()
	txReadReply(t, r) // banner
	txSend(t, conn, "USER anonymous\r\n")
	if got := txReadReply(t, r); !strings.HasPrefix(got, "331") {
		t.Fatalf("USER reply = %q, want 331 prefix", got)
	}
	txSend(t, conn, "PASS me@example.com\r\n")
	if got := txReadReply(t, r); !strings.HasPrefix(got, "230") {
		t.Fatalf("PASS reply = %q, want 230 prefix", got)
	}
}

// txPasv issues PASV and parses the "Entering Passive Mode (h1,h2,h3,h4,p1,p2)."
// reply into a dialable address.
func txPasv(t *testing.T, conn net.Conn, r *bufio.Reader) string {
	t.Helper()
	txSend(t, conn, "PASV\r\n")
	line := txReadReply(t, r)
	if !strings.HasPrefix(line, "227") {
		t.Fatalf("PASV reply = %q, want 227 prefix", line)
	}
	open := strings.Index(line, "(")
	shut := strings.Index(line, ")")
	if open < 0 || shut < 0 || shut < open {
		t.Fatalf("PASV reply %q: cannot find (h1,...,p2)", line)
	}
	parts := strings.Split(line[open+1:shut], ",")
	if len(parts) != 6 {
		t.Fatalf("PASV reply %q: want 6 comma fields, got %d", line, len(parts))
	}
	host := strings.Join(parts[:4], ".")
	p1, _ := strconv.Atoi(parts[4])
	p2, _ := strconv.Atoi(parts[5])
	port := p1<<8 | p2
	return fmt.Sprintf("%s:%d", host, port)
}

// TestPasvDataConnectionPeerMismatchRejected: a data connection arriving
// from an IP other than the control connection's peer must be rejected
// with 425, and the command that triggered it must not succeed.
func TestPasvDataConnectionPeerMismatchRejected(t *testing.T) {
	t.Parallel()

	conn, root, cleanup := testTCPSession(t)
	defer cleanup()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(conn)
	txLogin(t, conn, r)

	dataAddr := txPasv(t, conn, r)

	// The control connection dialed from the default loopback address
	// (127.0.0.1); dial the data connection from a different loopback
	// address to simulate a third party connecting to the passive port
	// instead of the real client.
	dialer := net.Dialer{
		Timeout:   2 * time.Second,
		LocalAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 2)},
	}
	attacker, err := dialer.Dial("tcp4", dataAddr)
	if err != nil {
		t.Fatalf("attacker dial: %v", err)
	}
	defer attacker.Close()

	txSend(t, conn, "RETR hello.txt\r\n")
	if got := txReadReply(t, r); !strings.HasPrefix(got, "150") {
		t.Fatalf("RETR reply = %q, want 150 prefix", got)
	}
	if got := txReadReply(t, r); !strings.HasPrefix(got, "425") {
		t.Fatalf("RETR reply after mismatched peer = %q, want 425 prefix", got)
	}

	// The attacker's connection must be closed rather than handed any data.
	attacker.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if n, err := attacker.Read(buf); err == nil && n > 0 {
		t.Fatalf("attacker connection received data: %q", buf[:n])
	}
}

// TestRetrRestOffsetHonoredOnceThenReset: REST is only honored on the RETR
// that immediately follows it, and the offset resets to 0 afterward
// regardless of outcome.
func TestRetrRestOffsetHonoredOnceThenReset(t *testing.T) {
	t.Parallel()

	conn, root, cleanup := testTCPSession(t)
	defer cleanup()

	content := "0123456789"
	if err := os.WriteFile(filepath.Join(root, "data.bin"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(conn)
	txLogin(t, conn, r)

	// PASV is issued (and the data connection dialed) before REST, so REST
	// remains the command immediately preceding RETR: a PASV between REST
	// and RETR would make REST's effect expire, same as the no-restart
	// case tested further down.
	dataAddr := txPasv(t, conn, r)
	dataConn, err := net.DialTimeout("tcp4", dataAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("data dial: %v", err)
	}

	txSend(t, conn, "TYPE I\r\n")
	if got := txReadReply(t, r); !strings.HasPrefix(got, "200") {
		t.Fatalf("TYPE I reply = %q, want 200 prefix", got)
	}

	txSend(t, conn, "REST 5\r\n")
	if got := txReadReply(t, r); !strings.HasPrefix(got, "350") {
		t.Fatalf("REST reply = %q, want 350 prefix", got)
	}

	txSend(t, conn, "RETR data.bin\r\n")
	if got := txReadReply(t, r); !strings.HasPrefix(got, "150") {
		t.Fatalf("RETR reply = %q, want 150 prefix", got)
	}

	dataConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := readAllData(dataConn)
	dataConn.Close()
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	if string(got) != content[5:] {
		t.Fatalf("first RETR (restarted) body = %q, want %q", got, content[5:])
	}
	if final := txReadReply(t, r); !strings.HasPrefix(final, "226") {
		t.Fatalf("RETR final reply = %q, want 226 prefix", final)
	}

	// A second RETR, with no intervening REST, must start from offset 0:
	// the restart state is consumed by (or expires after) the first RETR.
	dataAddr = txPasv(t, conn, r)
	dataConn2, err := net.DialTimeout("tcp4", dataAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("data dial: %v", err)
	}

	txSend(t, conn, "RETR data.bin\r\n")
	if got := txReadReply(t, r); !strings.HasPrefix(got, "150") {
		t.Fatalf("second RETR reply = %q, want 150 prefix", got)
	}

	dataConn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	got2, err := readAllData(dataConn2)
	dataConn2.Close()
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	if string(got2) != content {
		t.Fatalf("second RETR body = %q, want full file %q", got2, content)
	}
	if final := txReadReply(t, r); !strings.HasPrefix(final, "226") {
		t.Fatalf("second RETR final reply = %q, want 226 prefix", final)
	}
}

// TestRetrAsciiExpandsLFToCRLF covers the ASCII transfer path.
func TestRetrAsciiExpandsLFToCRLF(t *testing.T) {
	t.Parallel()

	conn, root, cleanup := testTCPSession(t)
	defer cleanup()

	if err := os.WriteFile(filepath.Join(root, "text.txt"), []byte("line1\nline2\nline3"), 0644); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(conn)
	txLogin(t, conn, r)

	// ASCII is the session's default data type; no TYPE command needed.
	dataAddr := txPasv(t, conn, r)
	dataConn, err := net.DialTimeout("tcp4", dataAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("data dial: %v", err)
	}

	txSend(t, conn, "RETR text.txt\r\n")
	if got := txReadReply(t, r); !strings.HasPrefix(got, "150") {
		t.Fatalf("RETR reply = %q, want 150 prefix", got)
	}

	dataConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := readAllData(dataConn)
	dataConn.Close()
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	want := "line1\r\nline2\r\nline3"
	if string(got) != want {
		t.Fatalf("ASCII RETR body = %q, want %q", got, want)
	}
	if final := txReadReply(t, r); !strings.HasPrefix(final, "226") {
		t.Fatalf("RETR final reply = %q, want 226 prefix", final)
	}
}

// readAllData reads until the peer closes its side, returning whatever was
// received.
func readAllData(conn net.Conn) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
	}
}
