// Package server implements an anonymous, read-only FTP server over IPv4.
//
// # Overview
//
// A Server accepts control connections, negotiates Telnet option stripping
// on each one, parses FTP command lines, and dispatches them against a
// per-connection session. File operations are delegated to a Driver, which
// authenticates the (always anonymous) user and hands back a ClientContext
// jailed to that user's root directory.
//
// Basic usage:
//
//	driver, err := server.NewFSDriver("/srv/ftp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, err := server.NewServer(":21", server.WithDriver(driver))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
//
// # Scope
//
// Only anonymous login, read-only operations (LIST, NLST, RETR, CWD, PWD,
// CDUP, SIZE, MDTM) and the transfer-parameter verbs (TYPE, STRU, MODE,
// PORT, PASV, REST) are implemented. Upload, TLS, IPv6 and mid-transfer
// abort are out of scope.
package server
