// Package manager is the command surface of the client: it creates
// connections, routes sends to them, drives periodic sends and tears
// everything down. Every command validates its request and fails fast with a
// sentinel error; connection-level failures travel as events instead.
package manager

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-tcpclient/event"
	"github.com/cyberinferno/go-tcpclient/idgenerator"
	"github.com/cyberinferno/go-tcpclient/logger"
	"github.com/cyberinferno/go-tcpclient/registry"
	"github.com/cyberinferno/go-tcpclient/scheduler"
	"github.com/cyberinferno/go-tcpclient/tcpconn"
)

var (
	// ErrMissingConnectionID is returned when a command omits the connection id.
	ErrMissingConnectionID = errors.New("missing connection id")
	// ErrMissingHost is returned by Connect without a host.
	ErrMissingHost = errors.New("missing host")
	// ErrInvalidRequest wraps any other request validation failure.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConnectionNotFound is returned for ids that are not registered.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrManagerClosed is returned by every command after Close.
	ErrManagerClosed = errors.New("manager closed")
)

// teardownParallelism bounds how many connections Close tears down at once.
const teardownParallelism = 16

var validate = validator.New()

// ConnectRequest opens a connection to Host:Port.
type ConnectRequest struct {
	Host string `validate:"required"`
	// Port defaults to tcpconn.DefaultPort when zero.
	Port int `validate:"omitempty,min=1,max=65535"`
}

// SendRequest writes Payload once to a connection.
type SendRequest struct {
	ConnectionID uint32 `validate:"required"`
	Payload      []byte
}

// KeepSendRequest writes Payload to a connection every IntervalMillis. Zero
// sends once.
type KeepSendRequest struct {
	ConnectionID   uint32 `validate:"required"`
	Payload        []byte
	IntervalMillis int64 `validate:"gte=0"`
}

// ConnectResult is returned by Connect.
type ConnectResult struct {
	ConnectionID uint32
	Connected    bool
}

// SendResult is returned by SendOnce and KeepSend.
type SendResult struct {
	ConnectionID uint32
	Success      bool
	Message      string
}

// DisconnectResult is returned by Disconnect.
type DisconnectResult struct {
	ConnectionID uint32
	Message      string
}

// Status describes a live connection.
type Status struct {
	ConnectionID uint32
	Address      string
	State        tcpconn.State
	Generation   string
	KeepSend     bool
}

// Options configures a Manager. The zero value is valid.
type Options struct {
	// Sink receives every connection event.
	Sink event.Sink
	Logger logger.Logger
	// Template supplies timings for new connections; Host and Port are
	// overwritten per request. Zero uses tcpconn.DefaultConfig.
	Template *tcpconn.Config
	Dialer   tcpconn.Dialer
	Resolver tcpconn.Resolver
}

// Manager owns every connection of the process.
type Manager struct {
	log      logger.Logger
	sink     event.Sink
	template tcpconn.Config
	dialer   tcpconn.Dialer
	resolver tcpconn.Resolver

	ids   *idgenerator.IdGenerator
	conns *registry.Registry[uint32, *tcpconn.Connection]
	sched *scheduler.Scheduler

	closed atomic.Bool
}

// New creates a Manager with its scheduler running.
//
// Parameters:
//   - opts: Collaborators and connection defaults
//
// Returns:
//   - A new *Manager; call Close on shutdown
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Sink == nil {
		opts.Sink = event.Discard
	}

	template := tcpconn.DefaultConfig("", 0)
	if opts.Template != nil {
		template = *opts.Template
	}

	m := &Manager{
		log:      opts.Logger.With(logger.F("component", "manager")),
		sink:     opts.Sink,
		template: template,
		dialer:   opts.Dialer,
		resolver: opts.Resolver,
		ids:      idgenerator.NewIdGenerator(0),
		conns:    registry.New[uint32, *tcpconn.Connection](),
	}
	m.sched = scheduler.New(m.target, opts.Logger)

	return m
}

// Connect registers a new connection and starts connecting in the
// background. The id is returned at once; the outcome arrives as events.
//
// Parameters:
//   - req: Host is required, Port defaults to 2001
//
// Returns:
//   - The new connection id; ids strictly increase within a process
//   - ErrMissingHost, ErrInvalidRequest or ErrManagerClosed
func (m *Manager) Connect(req ConnectRequest) (ConnectResult, error) {
	if m.closed.Load() {
		return ConnectResult{}, ErrManagerClosed
	}
	if req.Host == "" {
		return ConnectResult{}, ErrMissingHost
	}
	if err := validate.Struct(req); err != nil {
		return ConnectResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id, err := m.ids.Next()
	if err != nil {
		return ConnectResult{}, err
	}

	cfg := m.template
	cfg.Host = req.Host
	cfg.Port = req.Port
	if cfg.Port == 0 {
		cfg.Port = tcpconn.DefaultPort
	}

	conn := tcpconn.New(id, cfg, tcpconn.Options{
		Sink:      m.sink,
		Logger:    m.log,
		Dialer:    m.dialer,
		Resolver:  m.resolver,
		OnRelease: m.sched.Cancel,
	})
	m.conns.Put(id, conn)

	// Close may have swept the registry between the check above and Put.
	if m.closed.Load() {
		conn.Disconnect(true)
		m.conns.Remove(id)
		return ConnectResult{}, ErrManagerClosed
	}

	conn.Start()

	m.log.Info("connection registered", logger.F("connection_id", id), logger.F("address", conn.Address()))

	return ConnectResult{ConnectionID: id, Connected: conn.State() == tcpconn.Connected}, nil
}

// SendOnce writes the payload to the connection's current socket.
//
// Returns:
//   - A successful result once the bytes were flushed
//   - A failed result together with the error otherwise; tcpconn.ErrNotConnected
//     when the connection is between sockets
func (m *Manager) SendOnce(req SendRequest) (SendResult, error) {
	conn, err := m.lookup(req.ConnectionID)
	if err != nil {
		return failed(req.ConnectionID, err)
	}

	if err := conn.Send(req.Payload); err != nil {
		return failed(req.ConnectionID, err)
	}

	return SendResult{ConnectionID: req.ConnectionID, Success: true, Message: "sent"}, nil
}

// KeepSend starts writing the payload every IntervalMillis, first write
// immediately. A second call replaces the running task. IntervalMillis 0
// sends once, synchronously.
func (m *Manager) KeepSend(req KeepSendRequest) (SendResult, error) {
	if _, err := m.lookup(req.ConnectionID); err != nil {
		return failed(req.ConnectionID, err)
	}
	if err := validate.Struct(req); err != nil {
		return failed(req.ConnectionID, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}

	interval := time.Duration(req.IntervalMillis) * time.Millisecond
	if err := m.sched.Schedule(req.ConnectionID, req.Payload, interval); err != nil {
		return failed(req.ConnectionID, err)
	}

	msg := "periodic send started"
	if interval == 0 {
		msg = "sent"
	}

	return SendResult{ConnectionID: req.ConnectionID, Success: true, Message: msg}, nil
}

// StopSend cancels the periodic task of id. Once it returns no further
// periodic write happens. Without a task it does nothing.
func (m *Manager) StopSend(id uint32) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if id == 0 {
		return ErrMissingConnectionID
	}

	m.sched.Cancel(id)
	return nil
}

// Disconnect destroys the connection: its periodic task is canceled, both
// loops stop, the socket is released and the id is unregistered, in that
// order. The id is never reused.
func (m *Manager) Disconnect(id uint32) (DisconnectResult, error) {
	conn, err := m.lookup(id)
	if err != nil {
		return DisconnectResult{ConnectionID: id, Message: err.Error()}, err
	}

	m.sched.Cancel(id)
	conn.Disconnect(true)
	m.conns.Remove(id)

	msg := fmt.Sprintf("connection %d to %s disconnected", id, conn.Address())
	m.log.Info(msg, logger.F("connection_id", id))

	return DisconnectResult{ConnectionID: id, Message: msg}, nil
}

// Status reports the live state of a connection.
func (m *Manager) Status(id uint32) (Status, error) {
	conn, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}

	return Status{
		ConnectionID: id,
		Address:      conn.Address(),
		State:        conn.State(),
		Generation:   conn.Generation(),
		KeepSend:     m.sched.Active(id),
	}, nil
}

// Connections returns the registered ids in increasing order.
func (m *Manager) Connections() []uint32 {
	return m.conns.Keys()
}

// Close stops the scheduler and destructively disconnects every connection
// in parallel, then clears the registry. Later commands fail with
// ErrManagerClosed. Safe to call more than once.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	m.sched.Close()

	var g errgroup.Group
	g.SetLimit(teardownParallelism)
	m.conns.ForEach(func(id uint32, conn *tcpconn.Connection) bool {
		g.Go(func() error {
			conn.Disconnect(true)
			return nil
		})
		return true
	})
	_ = g.Wait()

	n := m.conns.Len()
	m.conns.Clear()

	m.log.Info("manager closed", logger.F("connections", n))
}

func (m *Manager) lookup(id uint32) (*tcpconn.Connection, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if id == 0 {
		return nil, ErrMissingConnectionID
	}

	conn, ok := m.conns.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrConnectionNotFound, id)
	}

	return conn, nil
}

// target resolves scheduler firings against the registry.
func (m *Manager) target(id uint32) (scheduler.Target, bool) {
	conn, ok := m.conns.Get(id)
	if !ok {
		return nil, false
	}

	return conn, true
}

func failed(id uint32, err error) (SendResult, error) {
	return SendResult{ConnectionID: id, Success: false, Message: err.Error()}, err
}
