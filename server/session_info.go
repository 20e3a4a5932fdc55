package server

import (
	"strconv"

	"github.com/jehiah/go-strftime"
)

// mdtmFormat is MDTM's YYYYMMDDhhmmss reply timestamp, in UTC.
const mdtmFormat = "%Y%m%d%H%M%S"

func (s *session) handleSIZE(cmd Command) {
	if !s.requireLogin() {
		return
	}
	info, err := s.ctx.Stat(cmd.Str)
	if err != nil {
		s.replyFsError(err, cmd.Str)
		return
	}
	s.reply(213, strconv.FormatInt(info.Size(), 10))
}

func (s *session) handleMDTM(cmd Command) {
	if !s.requireLogin() {
		return
	}
	info, err := s.ctx.Stat(cmd.Str)
	if err != nil {
		s.replyFsError(err, cmd.Str)
		return
	}
	s.reply(213, strftime.Format(mdtmFormat, info.ModTime().UTC()))
}
