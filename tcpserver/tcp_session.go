package tcpserver

import (
	"bytes"
	"net"
	"sync"

	"github.com/cyberinferno/go-tcpclient/logger"
)

// Session is one accepted client connection.
type Session struct {
	id     uint32
	conn   net.Conn
	server *TCPServer
	log    logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newSession(id uint32, conn net.Conn, server *TCPServer) *Session {
	return &Session{
		id:     id,
		conn:   conn,
		server: server,
		log:    server.Logger.With(logger.F("session_id", id), logger.F("remote", conn.RemoteAddr().String())),
	}
}

// ID returns the session's identifier assigned by the server.
func (s *Session) ID() uint32 {
	return s.id
}

// Handle reads until the client goes away or the session is closed. Every
// chunk is recorded on the server and echoed when the server asks for it.
func (s *Session) Handle() {
	defer func() {
		_ = s.Close()
		s.server.sessions.Remove(s.id)
	}()

	s.log.Debug("session opened")

	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := bytes.Clone(buf[:n])
			s.server.record(s.id, data)

			if s.server.Echo {
				if werr := s.Send(data); werr != nil {
					s.log.Warn("echo failed", logger.Err(werr))
				}
			}
		}

		if err != nil {
			s.log.Debug("session ended", logger.Err(err))
			return
		}
	}
}

// Send writes data to the client. Safe for concurrent use.
func (s *Session) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.Write(data)
	return err
}

// Close closes the client connection. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}
