package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// maxCommandLength bounds a single command line; a longer line is rejected
// with 500 and the connection is resynchronized rather than torn down.
const maxCommandLength = 4096

// noRestartCommand is the sentinel for session.fileOffsetCommandNumber when
// no REST has been accepted yet.
const noRestartCommand = ^uint64(0)

// readmeFileName is the optional banner file shown before the 220 greeting.
const readmeFileName = ".message"

// session holds one control connection's state for its entire lifetime.
// Exactly one goroutine per session runs both the command loop and any
// data transfer it triggers: commands are processed strictly in receive
// order, and there is no mid-transfer abort, so no reader goroutine or
// transfer goroutine is needed.
type session struct {
	srv    *Server
	conn   net.Conn
	tc     *telnetChannel
	logger *slog.Logger

	id string

	clientAddr *net.TCPAddr
	serverAddr *net.TCPAddr

	active        bool
	commandNumber uint64

	loggedIn bool
	user     string
	ctx      ClientContext

	dataType      byte // 'A' or 'I'
	fileStructure byte // 'F' or 'R'

	fileOffset              int64
	fileOffsetCommandNumber uint64

	dataChannel dataChannelKind
	portAddr    *net.TCPAddr // set when dataChannel == dataChannelPort
	pasvListen  net.Listener // set when dataChannel == dataChannelPassive
}

type dataChannelKind int

const (
	dataChannelPort dataChannelKind = iota
	dataChannelPassive
)

func newSession(srv *Server, conn net.Conn) *session {
	clientAddr, _ := conn.RemoteAddr().(*net.TCPAddr)
	serverAddr, _ := conn.LocalAddr().(*net.TCPAddr)

	id := generateSessionID()

	return &session{
		srv:                     srv,
		conn:                    conn,
		tc:                      newTelnetChannel(conn),
		logger:                  srv.logger.With("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		id:                      id,
		clientAddr:              clientAddr,
		serverAddr:              serverAddr,
		active:                  true,
		dataType:                'A',
		fileStructure:           'F',
		fileOffsetCommandNumber: noRestartCommand,
		dataChannel:             dataChannelPort,
		portAddr:                clientAddr,
	}
}

func generateSessionID() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf[:])
}

// serve runs the command loop to completion. It never returns an error:
// all failures are either answered with an FTP reply or end the session
// silently (sticky I/O error / EOF on the control channel).
func (s *session) serve() {
	defer s.cleanup()

	s.sendWelcome()

	for s.active {
		if s.srv.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.srv.idleTimeout))
		}
		line, err := s.tc.readLine(maxCommandLength)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				s.reply(500, "Command line too long.")
				if s.tc.discardLine() != nil {
					return
				}
				continue
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				s.reply(421, "Timeout, closing control connection.")
			}
			return
		}

		s.commandNumber++
		s.dispatch(line)
	}
}

// cleanup releases every descriptor the session still owns: the passive
// listener (if one survived to session end), the jailed filesystem context
// and the control connection itself. Close failures are aggregated rather
// than short-circuited so a broken control socket cannot leak the passive
// listener.
func (s *session) cleanup() {
	var result *multierror.Error
	if s.pasvListen != nil {
		result = multierror.Append(result, s.pasvListen.Close())
	}
	if s.ctx != nil {
		result = multierror.Append(result, s.ctx.Close())
	}
	result = multierror.Append(result, s.tc.Close())
	if err := result.ErrorOrNil(); err != nil {
		s.logger.Debug("session cleanup", "error", err)
	}
}

func (s *session) sendWelcome() {
	lines := s.readmeLines()
	if len(lines) == 0 {
		s.reply(220, "Service ready for new user.")
		return
	}
	for _, l := range lines {
		s.replyContinuation(220, l)
	}
	s.reply(220, "Service ready for new user.")
}

// readmeLines reads the banner file from the server's root directory, if
// present, splitting it into lines for the 220- continuation form.
func (s *session) readmeLines() []string {
	p := path.Join(s.srv.rootDir, readmeFileName)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil
	}
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// dispatch parses and runs a single command line.
func (s *session) dispatch(line string) {
	cmd, err := parseCommand(line)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnrecognized):
			s.reply(500, "Command not recognized.")
		case errors.Is(err, ErrParameters):
			s.reply(501, "Syntax error in parameters or arguments.")
		default:
			s.reply(500, "Command not recognized.")
		}
		return
	}

	s.logger.Debug("command", "verb", cmd.Verb)

	switch cmd.Verb {
	case "USER":
		s.handleUSER(cmd)
	case "PASS":
		s.handlePASS(cmd)
	case "AUTH":
		s.reply(502, "Command not implemented.")
	case "QUIT":
		s.reply(221, "Service closing control connection.")
		s.active = false
	case "NOOP":
		s.reply(200, "Command okay.")
	case "SYST":
		s.reply(215, "UNIX.")
	case "HELP":
		s.handleHELP(cmd)
	case "PWD":
		s.handlePWD()
	case "CWD":
		s.handleCWD(cmd.Str)
	case "CDUP":
		s.handleCWD("..")
	case "PORT":
		s.handlePORT(cmd)
	case "PASV":
		s.handlePASV()
	case "TYPE":
		s.handleTYPE(cmd)
	case "STRU":
		s.handleSTRU(cmd)
	case "MODE":
		s.handleMODE(cmd)
	case "REST":
		s.handleREST(cmd)
	case "SIZE":
		s.handleSIZE(cmd)
	case "MDTM":
		s.handleMDTM(cmd)
	case "LIST":
		s.handleListLike(cmd, true)
	case "NLST":
		s.handleListLike(cmd, false)
	case "RETR":
		s.handleRETR(cmd)
	case "STOR":
		s.reply(553, "Server will not store files.")
	default:
		s.reply(502, "Command not implemented.")
	}
}

func (s *session) requireLogin() bool {
	if !s.loggedIn {
		s.reply(530, "Please login with USER and PASS.")
		return false
	}
	return true
}

func (s *session) handleUSER(cmd Command) {
	u := strings.ToLower(cmd.Str)
	if u != "ftp" && u != "anonymous" {
		s.logger.Info("rejected non-anonymous user", "user", cmd.Str)
		s.reply(530, "Only anonymous FTP supported.")
		return
	}
	s.user = cmd.Str
	s.loggedIn = false
	s.reply(331, "Send e-mail address as password.")
}

func (s *session) handlePASS(cmd Command) {
	if s.user == "" {
		s.reply(503, "Login with USER first.")
		return
	}
	s.logger.Info("anonymous login", "email", cmd.Str)

	ctx, err := s.srv.driver.Authenticate(s.user, cmd.Str)
	if err != nil {
		s.reply(530, "Only anonymous FTP supported.")
		return
	}
	s.ctx = ctx
	s.loggedIn = true
	s.reply(230, "User logged in, proceed.")
}

func (s *session) handleHELP(cmd Command) {
	s.replyContinuation(214, "The following commands are recognized.")
	s.replyContinuation(214, "USER PASS CWD CDUP PWD QUIT PORT PASV")
	s.replyContinuation(214, "TYPE STRU MODE REST NOOP SYST")
	s.replyContinuation(214, "LIST NLST RETR SIZE MDTM HELP")
	s.reply(214, "Help okay.")
}

func (s *session) handlePWD() {
	if !s.requireLogin() {
		return
	}
	s.reply(257, fmt.Sprintf("%q is current directory", s.ctx.GetWd()))
}

func (s *session) handleCWD(arg string) {
	if !s.requireLogin() {
		return
	}
	if err := s.ctx.ChangeDir(arg); err != nil {
		s.replyFsError(err, arg)
		return
	}
	s.reply(250, "CWD command successful.")
}

func (s *session) replyFsError(err error, path string) {
	switch {
	case os.IsNotExist(err):
		s.reply(550, fmt.Sprintf("%s: No such file or directory.", path))
	case os.IsPermission(err):
		s.reply(550, fmt.Sprintf("%s: Permission denied.", path))
	case errors.Is(err, syscall.ENOTDIR):
		s.reply(550, fmt.Sprintf("%s: Not a directory.", path))
	case errors.Is(err, syscall.ENAMETOOLONG):
		s.reply(550, fmt.Sprintf("%s: File name too long.", path))
	default:
		s.reply(550, fmt.Sprintf("%s: %s.", path, err))
	}
}

func (s *session) handlePORT(cmd Command) {
	if !s.requireLogin() {
		return
	}
	if cmd.PortPort < 1024 {
		s.reply(500, "Port may not be less than 1024, which is reserved.")
		return
	}
	s.closePassiveListener()
	s.dataChannel = dataChannelPort
	s.portAddr = &net.TCPAddr{IP: cmd.PortIP, Port: cmd.PortPort}
	s.reply(200, "Command okay.")
}

func (s *session) handlePASV() {
	if !s.requireLogin() {
		return
	}
	ln, addr, err := s.srv.listenPassive(s.serverAddr.IP)
	if err != nil {
		s.logger.Error("pasv listen failed", "error", err)
		s.reply(425, "Cannot open passive connection.")
		return
	}
	s.closePassiveListener()
	s.pasvListen = ln
	s.dataChannel = dataChannelPassive

	ip4 := s.serverAddr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4(0, 0, 0, 0).To4()
	}
	p1, p2 := addr.Port>>8, addr.Port&0xFF
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		ip4[0], ip4[1], ip4[2], ip4[3], p1, p2))
}

func (s *session) closePassiveListener() {
	if s.pasvListen != nil {
		s.pasvListen.Close()
		s.pasvListen = nil
	}
}

func (s *session) handleTYPE(cmd Command) {
	if !s.requireLogin() {
		return
	}
	switch cmd.TypeCode {
	case 'A':
		if cmd.TypeParam != 0 && cmd.TypeParam != 'N' {
			s.reply(504, "Command not implemented for that parameter.")
			return
		}
		s.dataType = 'A'
		s.reply(200, "Command okay.")
	case 'I':
		s.dataType = 'I'
		s.reply(200, "Command okay.")
	default:
		s.reply(504, "Command not implemented for that parameter.")
	}
}

func (s *session) handleSTRU(cmd Command) {
	if !s.requireLogin() {
		return
	}
	switch cmd.StruCode {
	case 'F':
		s.fileStructure = 'F'
		s.reply(200, "Command okay.")
	case 'R':
		s.fileStructure = 'R'
		s.reply(200, "Command okay.")
	default:
		s.reply(504, "Command not implemented for that parameter.")
	}
}

func (s *session) handleMODE(cmd Command) {
	if !s.requireLogin() {
		return
	}
	if cmd.ModeCode == 'S' {
		s.reply(200, "Command okay.")
		return
	}
	s.reply(504, "Command not implemented for that parameter.")
}

func (s *session) handleREST(cmd Command) {
	if !s.requireLogin() {
		return
	}
	if s.dataType != 'I' || s.fileStructure != 'F' {
		s.reply(555, "REST not supported for this TYPE/STRU.")
		return
	}
	s.fileOffset = int64(cmd.Offset)
	s.fileOffsetCommandNumber = s.commandNumber
	s.reply(350, "Restart okay, awaiting file retrieval request.")
}

// reply sends a single-line FTP reply.
func (s *session) reply(code int, text string) {
	if err := s.tc.printLine(fmt.Sprintf("%d %s", code, text)); err != nil {
		s.active = false
	}
}

// replyContinuation sends one line of a multi-line reply (the "<code>-text"
// form); the final line of such a reply must go through reply instead.
func (s *session) replyContinuation(code int, text string) {
	if err := s.tc.printLine(fmt.Sprintf("%d-%s", code, text)); err != nil {
		s.active = false
	}
}
