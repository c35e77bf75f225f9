// Package tcpconn implements one logical, self-healing TCP client connection.
// A Connection runs two goroutines: a reconnect loop that establishes the
// socket and probes it with a heartbeat, and a reader loop per socket
// generation that pushes inbound bytes to an event.Sink. The loops
// coordinate only through the connection's intent flags and its current
// session; the reader never replaces the socket.
package tcpconn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-tcpclient/event"
	"github.com/cyberinferno/go-tcpclient/logger"
	"github.com/google/uuid"
)

// Dialer opens the underlying network connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver turns a host into addresses to dial. *resolver.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Options carries the collaborators of a Connection. Every field is optional.
type Options struct {
	// Sink receives state-change and data events; event.Discard when nil.
	Sink event.Sink
	// Logger receives diagnostics; a nop logger when nil.
	Logger logger.Logger
	// Dialer opens sockets; a zero net.Dialer when nil.
	Dialer Dialer
	// Resolver resolves Config.Host before dialing; the dialer resolves
	// when nil.
	Resolver Resolver
	// OnRelease is called after a live socket has been released by a
	// teardown. The manager uses it to cancel periodic sends.
	OnRelease func(id uint32)
}

// session is one socket generation.
type session struct {
	generation string
	conn       net.Conn
	r          *bufio.Reader
	w          *bufio.Writer // guarded by Connection.mu

	lost     atomic.Bool // the socket failed; set once
	released atomic.Bool // teardown has started on this generation

	emitMu     sync.Mutex // orders this generation's Connected/Disconnected events
	ready      chan struct{}
	readyOnce  sync.Once
	readerDone chan struct{}
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Connection is one logical TCP endpoint with its own reconnect and reader
// loops. Create it with New and launch it with Start. All methods are safe
// for concurrent use.
type Connection struct {
	id        uint32
	cfg       Config
	addr      string
	sink      event.Sink
	log       logger.Logger
	dialer    Dialer
	resolver  Resolver
	onRelease func(id uint32)

	desiredActive atomic.Bool
	readingActive atomic.Bool
	state         atomic.Int32

	// mu guards sess and is held for every write, so the heartbeat, Send
	// and the scheduler never interleave bytes on the wire.
	mu   sync.Mutex
	sess *session

	teardownMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	started   atomic.Bool
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New creates a Connection for cfg. It does not touch the network until
// Start is called.
//
// Parameters:
//   - id: Identifier carried on every event
//   - cfg: Endpoint and timings, usually from DefaultConfig
//   - opts: Collaborators; zero value is valid
//
// Returns:
//   - A new *Connection in the Disconnected state
func New(id uint32, cfg Config, opts Options) *Connection {
	cfg = cfg.normalize()

	if opts.Sink == nil {
		opts.Sink = event.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        id,
		cfg:       cfg,
		addr:      cfg.Address(),
		sink:      opts.Sink,
		dialer:    opts.Dialer,
		resolver:  opts.Resolver,
		onRelease: opts.OnRelease,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		loopDone:  make(chan struct{}),
	}
	c.log = opts.Logger.With(logger.F("connection_id", id), logger.F("address", c.addr))
	c.desiredActive.Store(true)
	c.state.Store(int32(Disconnected))

	return c
}

// ID returns the connection identifier.
func (c *Connection) ID() uint32 {
	return c.id
}

// Config returns the normalized configuration.
func (c *Connection) Config() Config {
	return c.cfg
}

// Address returns the remote "host:port".
func (c *Connection) Address() string {
	return c.addr
}

// State returns the current status.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Generation returns the id of the current socket generation, or "" when
// there is no socket.
func (c *Connection) Generation() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return ""
	}

	return c.sess.generation
}

// Active reports whether the connection still wants to be connected, i.e.
// it has not been destructively disconnected.
func (c *Connection) Active() bool {
	return c.desiredActive.Load()
}

// Start launches the reconnect loop. Calling it more than once, or after a
// destructive Disconnect, has no effect.
func (c *Connection) Start() {
	if !c.desiredActive.Load() || !c.started.CompareAndSwap(false, true) {
		return
	}

	c.state.Store(int32(Connecting))
	c.emitState(nil, false, "preparing to connect to "+c.addr, nil)
	go c.run()
}

// Send writes payload to the current socket and flushes it.
//
// Parameters:
//   - payload: Bytes to send; not retained
//
// Returns:
//   - nil once the bytes are flushed to the socket
//   - ErrNotConnected when there is no live socket
//   - an error wrapping ErrWriteFailed when the write fails
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sess
	if s == nil || s.lost.Load() || s.released.Load() {
		return ErrNotConnected
	}

	if err := c.writeLocked(s, payload); err != nil {
		c.log.Warn("send failed", logger.Err(err), logger.F("error_class", Classify(err)))
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	return nil
}

// Disconnect tears the current socket down. A destructive disconnect also
// stops the reconnect loop for good; the Connection cannot be reused.
// Repeated calls are safe. Close errors are logged, never returned.
//
// Parameters:
//   - destructive: true to stop reconnecting permanently
func (c *Connection) Disconnect(destructive bool) {
	if destructive {
		c.desiredActive.Store(false)
		c.cancel()
		if c.started.Load() {
			<-c.loopDone
		}
	}

	c.teardown()

	if !destructive {
		c.signalWake()
		return
	}

	c.state.Store(int32(Disconnected))
	c.closeOnce.Do(func() {
		c.emitState(nil, false, "disconnected from "+c.addr, nil)
		c.log.Info("connection closed")
	})
}

// Done is closed when the reconnect loop has exited after a destructive
// disconnect. It never closes for a connection that was not started.
func (c *Connection) Done() <-chan struct{} {
	return c.loopDone
}

// run is the reconnect/heartbeat loop.
func (c *Connection) run() {
	defer close(c.loopDone)

	for c.desiredActive.Load() {
		s := c.current()
		if s == nil || s.lost.Load() {
			c.teardown()
			if !c.desiredActive.Load() {
				return
			}

			var err error
			s, err = c.establish()
			if err != nil {
				if !c.desiredActive.Load() {
					return
				}

				c.state.Store(int32(Disconnected))
				c.log.Warn("connect attempt failed", logger.Err(err), logger.F("error_class", Classify(err)))
				c.emitState(nil, false, fmt.Sprintf("%v, retrying in %s", err, c.cfg.RetryInterval), err)

				if !c.sleep(c.cfg.RetryInterval, false) {
					return
				}
				continue
			}
		}

		if err := c.probe(s); err != nil {
			if errors.Is(err, ErrNotConnected) {
				continue
			}

			c.log.Warn("heartbeat failed", logger.Err(err), logger.F("error_class", Classify(err)))
			claimed := c.claimLost(s)
			c.teardown()
			if claimed {
				c.emitState(s, false, fmt.Sprintf("heartbeat failed: %v, reconnecting", err), err)
			}
			continue
		}

		c.sleep(c.cfg.RetryInterval, true)
	}
}

// establish dials a new socket generation, starts its reader and announces
// it.
func (c *Connection) establish() (*session, error) {
	c.state.Store(int32(Connecting))

	conn, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetKeepAlive(true); err != nil {
			c.log.Debug("enable keep-alive failed", logger.Err(err))
		}
		if c.cfg.KeepAlivePeriod > 0 {
			if err := tcp.SetKeepAlivePeriod(c.cfg.KeepAlivePeriod); err != nil {
				c.log.Debug("set keep-alive period failed", logger.Err(err))
			}
		}
	}

	s := &session{
		generation: uuid.NewString(),
		conn:       conn,
		r:          bufio.NewReaderSize(conn, c.cfg.ReadBufferSize),
		w:          bufio.NewWriter(conn),
		ready:      make(chan struct{}),
		readerDone: make(chan struct{}),
	}

	c.mu.Lock()
	if !c.desiredActive.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.sess = s
	c.mu.Unlock()

	c.readingActive.Store(true)
	started := make(chan struct{})
	go c.readLoop(s, started)
	<-started

	select {
	case <-c.wake:
	default:
	}

	log := c.log.With(logger.F("generation", s.generation))
	log.Info("socket established", logger.F("local_address", conn.LocalAddr().String()))

	if c.cfg.SettleDelay > 0 && !c.sleep(c.cfg.SettleDelay, false) {
		return s, nil
	}

	s.emitMu.Lock()
	if !s.lost.Load() && !s.released.Load() {
		c.state.Store(int32(Connected))
		c.emitState(s, true, "connected to "+c.addr, nil)
	}
	s.emitMu.Unlock()
	s.markReady()

	return s, nil
}

// dial resolves the host and tries each address until one answers, all
// within one ConnectTimeout.
func (c *Connection) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()

	hosts := []string{c.cfg.Host}
	if c.resolver != nil {
		addrs, err := c.resolver.LookupHost(ctx, c.cfg.Host)
		if err != nil {
			return nil, err
		}
		hosts = addrs
	}

	port := strconv.Itoa(c.cfg.Port)
	var errs []error
	for _, host := range hosts {
		conn, err := c.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		if err == nil {
			return conn, nil
		}

		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}

	if len(errs) == 1 {
		return nil, errs[0]
	}

	return nil, errors.Join(errs...)
}

// readLoop consumes one socket generation until it fails or is torn down.
func (c *Connection) readLoop(s *session, started chan<- struct{}) {
	defer close(s.readerDone)
	close(started)

	buf := make([]byte, c.cfg.ReadBufferSize)
	for c.readingActive.Load() && !s.released.Load() {
		n, err := s.r.Read(buf)
		if n > 0 {
			payload := bytes.Clone(buf[:n])
			<-s.ready
			c.emitData(s, payload)
		}

		if err == nil {
			continue
		}

		if s.released.Load() || !c.readingActive.Load() {
			return
		}

		cause := fmt.Errorf("%w: %w", ErrReadFailed, err)
		if errors.Is(err, io.EOF) {
			cause = fmt.Errorf("%w: %w", ErrPeerClosed, err)
		}

		if c.claimLost(s) {
			_ = s.conn.Close()
			c.log.Warn("socket lost", logger.Err(cause), logger.F("error_class", Classify(err)), logger.F("generation", s.generation))
			c.emitState(s, false, fmt.Sprintf("%v, reconnecting", cause), err)
			c.signalWake()
		}

		return
	}
}

// claimLost marks s as failed. Only the first caller wins; after it returns
// no Connected event is emitted for s.
func (c *Connection) claimLost(s *session) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if !s.lost.CompareAndSwap(false, true) {
		return false
	}

	c.state.Store(int32(Disconnected))
	s.markReady()

	return true
}

// probe writes the heartbeat to s.
func (c *Connection) probe(s *session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != s || s.lost.Load() || s.released.Load() {
		return ErrNotConnected
	}

	if len(c.cfg.Heartbeat) == 0 {
		return nil
	}

	if err := c.writeLocked(s, c.cfg.Heartbeat); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	c.log.Debug("heartbeat sent", logger.F("generation", s.generation))
	return nil
}

// writeLocked writes and flushes p; the caller holds c.mu.
func (c *Connection) writeLocked(s *session, p []byte) error {
	if c.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}

	if _, err := s.w.Write(p); err != nil {
		return err
	}

	return s.w.Flush()
}

// teardown releases the current socket generation: stop the reader, give it
// a bounded chance to exit, then flush and close. It reports whether a
// socket was released.
func (c *Connection) teardown() bool {
	c.teardownMu.Lock()
	defer c.teardownMu.Unlock()

	c.readingActive.Store(false)

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		return false
	}

	s.released.Store(true)
	s.markReady()
	log := c.log.With(logger.F("generation", s.generation))

	if err := s.conn.SetReadDeadline(time.Now().Add(c.cfg.ShutdownReadTimeout)); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn("shorten read deadline failed", logger.Err(err))
	}

	if c.cfg.ShutdownGrace > 0 {
		grace := time.NewTimer(c.cfg.ShutdownGrace)
		select {
		case <-s.readerDone:
		case <-grace.C:
			log.Debug("reader still running after grace period")
		}
		grace.Stop()
	}

	// unblock a writer stuck on a full send buffer before taking the lock
	_ = s.conn.SetWriteDeadline(time.Now().Add(c.cfg.ShutdownReadTimeout))

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	if !s.lost.Load() {
		if err := s.w.Flush(); err != nil {
			log.Debug("flush on close failed", logger.Err(err))
		}
	}
	s.w = nil
	c.mu.Unlock()

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn("close socket failed", logger.Err(err))
	}
	s.r = nil

	if c.State() != Connecting {
		c.state.Store(int32(Disconnected))
	}

	log.Debug("socket released")

	if c.onRelease != nil {
		c.onRelease(c.id)
	}

	return true
}

// current returns the live session, if any.
func (c *Connection) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sess
}

// sleep waits d. It returns false if the connection was destroyed in the
// meantime. A wakeable sleep also ends early when the reader reports a lost
// socket.
func (c *Connection) sleep(d time.Duration, wakeable bool) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	var wake <-chan struct{}
	if wakeable {
		wake = c.wake
	}

	select {
	case <-c.ctx.Done():
		return false
	case <-wake:
		return true
	case <-t.C:
		return true
	}
}

func (c *Connection) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) emitState(s *session, connected bool, msg string, cause error) {
	e := event.Event{
		Kind:         event.StateChange,
		ConnectionID: c.id,
		Connected:    connected,
		Message:      msg,
		Address:      c.addr,
		ErrorClass:   Classify(cause),
		Timestamp:    time.Now(),
	}
	if s != nil {
		e.Generation = s.generation
	}

	c.sink.Emit(e)
}

func (c *Connection) emitData(s *session, payload []byte) {
	c.sink.Emit(event.Event{
		Kind:         event.Data,
		ConnectionID: c.id,
		Connected:    true,
		Message:      string(payload),
		Payload:      payload,
		Address:      c.addr,
		Generation:   s.generation,
		Timestamp:    time.Now(),
	})
}
