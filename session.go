package minired

import (
	"bufio"
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"
)

// session runs the per-connection read, decode, execute, encode, write loop.
type session struct {
	conn net.Conn
	dec  *decoder
	w    *bufio.Writer
	exec *Executor
	log  zerolog.Logger
}

func newSession(conn net.Conn, exec *Executor, log zerolog.Logger) *session {
	return &session{
		conn: conn,
		dec:  newDecoder(conn),
		w:    bufio.NewWriter(conn),
		exec: exec,
		log:  log.With().Str("peer", conn.RemoteAddr().String()).Logger(),
	}
}

// serve processes commands until the client disconnects, the stream turns
// unparseable, or the server closes the connection. Command errors are
// replied to and the connection kept; everything else tears it down.
func (s *session) serve() {
	s.log.Info().Msg("client connected")
	defer func() {
		s.conn.Close()
		s.log.Info().Msg("connection closed")
	}()

	for {
		cmd, err := s.dec.readCommand()
		if err != nil {
			var perr *ProtocolError
			switch {
			case errors.As(err, &perr):
				s.log.Error().Err(err).Msg("protocol error")
			case errors.Is(err, io.EOF):
				s.log.Info().Msg("client disconnected")
			case errors.Is(err, io.ErrUnexpectedEOF):
				s.log.Info().Msg("client disconnected mid-command")
			case errors.Is(err, net.ErrClosed):
				// server shutdown closed the socket under us
			default:
				s.log.Error().Err(err).Msg("read failed")
			}
			return
		}

		reply, err := s.exec.Execute(cmd)
		if err != nil {
			var cerr *CommandError
			if !errors.As(err, &cerr) {
				s.log.Error().Err(err).Str("command", cmd[0]).Msg("command failed")
				return
			}

			if err := s.write(encodeReply(ErrorReply(cerr.Error()))); err != nil {
				s.log.Error().Err(err).Msg("write failed")
				return
			}
			continue
		}

		if err := s.write(encodeReply(reply)); err != nil {
			s.log.Error().Err(err).Msg("write failed")
			return
		}
	}
}

// write sends one encoded reply, flushing per reply so request/response
// pairing holds for pipelined clients.
func (s *session) write(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}

	return s.w.Flush()
}
