// Package tcpserver provides a small TCP peer that accepts client
// connections, records everything they send and can push data back or drop
// them. It is the far end used by the connection tests and by the CLI's
// listen mode.
package tcpserver

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-tcpclient/idgenerator"
	"github.com/cyberinferno/go-tcpclient/logger"
	"github.com/cyberinferno/go-tcpclient/registry"
)

// DataFunc is called with every chunk read from a session.
type DataFunc func(sessionID uint32, data []byte)

// TCPServer accepts connections and runs one Session per connection.
// Sessions are stored by ID and can be looked up or dropped.
type TCPServer struct {
	Logger logger.Logger
	Name   string
	Addr   string
	// OnData, when set, is called from the session goroutine for each read.
	OnData DataFunc
	// Echo writes every received chunk back to its sender.
	Echo bool

	listener net.Listener
	sessions *registry.Registry[uint32, *Session]
	ids      *idgenerator.IdGenerator
	running  atomic.Bool
	accepted atomic.Int32
	wg       sync.WaitGroup

	mu       sync.Mutex
	received bytes.Buffer
}

// New creates a TCPServer that will listen on addr ("127.0.0.1:0" picks a
// free port).
//
// Parameters:
//   - name: Name used in log messages
//   - addr: Listen address
//   - l: Logger; a nop logger when nil
//
// Returns:
//   - A new *TCPServer; call Start to begin accepting
func New(name, addr string, l logger.Logger) *TCPServer {
	if l == nil {
		l = logger.NewNopLogger()
	}

	return &TCPServer{
		Logger:   l.With(logger.F("component", "tcpserver"), logger.F("server", name)),
		Name:     name,
		Addr:     addr,
		sessions: registry.New[uint32, *Session](),
		ids:      idgenerator.NewIdGenerator(0),
	}
}

// Start binds Addr and runs the accept loop in a goroutine.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *TCPServer) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Err(err))
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.listener = ln
	s.running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.F("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and every session, then waits for the session
// goroutines to finish. Safe to call when the server is not running.
func (s *TCPServer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	_ = s.listener.Close()
	s.CloseSessions()
	s.wg.Wait()

	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// Address returns the bound "host:port", or Addr before Start.
func (s *TCPServer) Address() string {
	if s.listener == nil {
		return s.Addr
	}

	return s.listener.Addr().String()
}

// Port returns the bound TCP port, or 0 before Start.
func (s *TCPServer) Port() int {
	if s.listener == nil {
		return 0
	}

	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}

	return 0
}

// Accepted returns how many connections were accepted so far.
func (s *TCPServer) Accepted() int {
	return int(s.accepted.Load())
}

// SessionCount returns the number of open sessions.
func (s *TCPServer) SessionCount() int {
	return s.sessions.Len()
}

// GetSession returns the session with the given id, if open.
func (s *TCPServer) GetSession(id uint32) (*Session, bool) {
	return s.sessions.Get(id)
}

// Received returns a copy of every byte received from all sessions.
func (s *TCPServer) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return bytes.Clone(s.received.Bytes())
}

// ReceivedWithout returns Received with every occurrence of filler removed,
// e.g. heartbeat bytes interleaved with payloads.
func (s *TCPServer) ReceivedWithout(filler byte) []byte {
	return bytes.ReplaceAll(s.Received(), []byte{filler}, nil)
}

// CloseSessions drops every connected client but keeps listening.
func (s *TCPServer) CloseSessions() {
	s.sessions.ForEach(func(_ uint32, session *Session) bool {
		_ = session.Close()
		return true
	})
}

// Broadcast sends data to every open session.
//
// Returns:
//   - The joined errors of sessions that failed, or nil
func (s *TCPServer) Broadcast(data []byte) error {
	var errs []error
	s.sessions.ForEach(func(_ uint32, session *Session) bool {
		if err := session.Send(data); err != nil {
			errs = append(errs, err)
		}
		return true
	})

	return errors.Join(errs...)
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Err(err))
			continue
		}

		if !s.running.Load() {
			_ = conn.Close()
			return
		}

		id, err := s.ids.Next()
		if err != nil {
			s.Logger.Error("session ids exhausted", logger.Err(err))
			_ = conn.Close()
			continue
		}

		s.accepted.Add(1)
		session := newSession(id, conn, s)
		s.sessions.Put(id, session)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.Handle()
		}()
	}
}

func (s *TCPServer) record(id uint32, data []byte) {
	s.mu.Lock()
	s.received.Write(data)
	s.mu.Unlock()

	if s.OnData != nil {
		s.OnData(id, data)
	}
}
