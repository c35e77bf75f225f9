package tcpconn

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberinferno/go-tcpclient/event"
	"github.com/cyberinferno/go-tcpclient/tcpserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) Emit(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func (c *collector) count(match func(event.Event) bool) int {
	n := 0
	for _, e := range c.snapshot() {
		if match(e) {
			n++
		}
	}
	return n
}

func isConnected(e event.Event) bool {
	return e.Kind == event.StateChange && e.Connected
}

func isData(e event.Event) bool {
	return e.Kind == event.Data
}

func fastConfig(port int) Config {
	cfg := DefaultConfig("127.0.0.1", port)
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.RetryInterval = 100 * time.Millisecond
	cfg.SettleDelay = 0
	cfg.ShutdownGrace = 50 * time.Millisecond
	return cfg
}

func startPeer(t *testing.T) *tcpserver.TCPServer {
	t.Helper()

	s := tcpserver.New("peer", "127.0.0.1:0", nil)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	return s
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return port
}

func startConnection(t *testing.T, cfg Config, opts Options) *Connection {
	t.Helper()

	c := New(1, cfg, opts)
	c.Start()
	t.Cleanup(func() { c.Disconnect(true) })

	return c
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Unknown", State(9).String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("10.0.0.5", 0)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 2340*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, 150*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.ShutdownReadTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.ShutdownGrace)
	assert.Equal(t, 8192, cfg.ReadBufferSize)
	assert.Equal(t, []byte{0xFF}, cfg.Heartbeat)
	assert.Equal(t, "10.0.0.5:2001", cfg.Address())
	assert.Equal(t, "[::1]:9000", DefaultConfig("::1", 9000).Address())
}

func TestConfig_normalize(t *testing.T) {
	cfg := Config{Host: "h", SettleDelay: -1, ShutdownGrace: -1}.normalize()

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, DefaultRetryInterval, cfg.RetryInterval)
	assert.Equal(t, DefaultShutdownReadTimeout, cfg.ShutdownReadTimeout)
	assert.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	assert.Zero(t, cfg.SettleDelay)
	assert.Zero(t, cfg.ShutdownGrace)
	assert.Empty(t, cfg.Heartbeat)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "", Classify(nil))
	assert.NotEmpty(t, Classify(context.DeadlineExceeded))
}

func TestConnection_SendBeforeStart(t *testing.T) {
	c := New(7, fastConfig(freePort(t)), Options{})

	assert.Equal(t, uint32(7), c.ID())
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)
	assert.Empty(t, c.Generation())
}

func TestConnection_ConnectsSendsAndReceives(t *testing.T) {
	peer := startPeer(t)
	sink := &collector{}
	c := startConnection(t, fastConfig(peer.Port()), Options{Sink: sink})

	require.Eventually(t, func() bool { return sink.count(isConnected) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Connected, c.State())
	assert.NotEmpty(t, c.Generation())

	t.Run("send reaches the peer", func(t *testing.T) {
		require.NoError(t, c.Send([]byte("PING")))
		require.Eventually(t, func() bool {
			return bytes.Equal(peer.ReceivedWithout(HeartbeatByte), []byte("PING"))
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("peer data becomes a data event", func(t *testing.T) {
		require.NoError(t, peer.Broadcast([]byte("PONG")))
		require.Eventually(t, func() bool { return sink.count(isData) >= 1 }, time.Second, 10*time.Millisecond)

		var got []byte
		for _, e := range sink.snapshot() {
			if isData(e) {
				got = append(got, e.Payload...)
				assert.Equal(t, uint32(1), e.ConnectionID)
				assert.Equal(t, c.Generation(), e.Generation)
			}
		}
		assert.Equal(t, "PONG", string(got))
	})

	t.Run("first event announces the attempt", func(t *testing.T) {
		first := sink.snapshot()[0]
		assert.Equal(t, event.StateChange, first.Kind)
		assert.False(t, first.Connected)
		assert.Contains(t, first.Message, "preparing to connect")
	})
}

func TestConnection_HeartbeatReachesPeer(t *testing.T) {
	peer := startPeer(t)
	cfg := fastConfig(peer.Port())
	cfg.RetryInterval = 30 * time.Millisecond
	startConnection(t, cfg, Options{})

	require.Eventually(t, func() bool {
		return bytes.Count(peer.Received(), []byte{HeartbeatByte}) >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnection_HeartbeatDisabled(t *testing.T) {
	peer := startPeer(t)
	cfg := fastConfig(peer.Port())
	cfg.RetryInterval = 20 * time.Millisecond
	cfg.Heartbeat = nil
	sink := &collector{}
	startConnection(t, cfg, Options{Sink: sink})

	require.Eventually(t, func() bool { return sink.count(isConnected) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, peer.Received())
}

func TestConnection_UnreachableRetries(t *testing.T) {
	sink := &collector{}
	cfg := fastConfig(freePort(t))
	c := startConnection(t, cfg, Options{Sink: sink})

	failed := func(e event.Event) bool {
		return e.Kind == event.StateChange && !e.Connected && strings.Contains(e.Message, "connect failed")
	}

	require.Eventually(t, func() bool { return sink.count(failed) >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, sink.count(isConnected))
	assert.ErrorIs(t, c.Send([]byte("PING")), ErrNotConnected)

	var stamps []time.Time
	for _, e := range sink.snapshot() {
		if failed(e) {
			assert.NotEmpty(t, e.ErrorClass)
			stamps = append(stamps, e.Timestamp)
		}
	}
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), cfg.RetryInterval-10*time.Millisecond)
	}
}

func TestConnection_ListenerAppearsLater(t *testing.T) {
	port := freePort(t)
	sink := &collector{}
	startConnection(t, fastConfig(port), Options{Sink: sink})

	time.Sleep(250 * time.Millisecond)
	assert.Zero(t, sink.count(isConnected))

	peer := tcpserver.New("late", fmt.Sprintf("127.0.0.1:%d", port), nil)
	require.NoError(t, peer.Start())
	defer peer.Stop()

	require.Eventually(t, func() bool { return sink.count(isConnected) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnection_ReconnectsAfterPeerClose(t *testing.T) {
	peer := startPeer(t)
	sink := &collector{}
	var released atomic.Int32
	c := startConnection(t, fastConfig(peer.Port()), Options{
		Sink:      sink,
		OnRelease: func(uint32) { released.Add(1) },
	})

	require.Eventually(t, func() bool { return sink.count(isConnected) == 1 }, 2*time.Second, 10*time.Millisecond)
	firstGen := c.Generation()

	peer.CloseSessions()

	require.Eventually(t, func() bool { return sink.count(isConnected) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, firstGen, c.Generation())
	assert.Equal(t, 2, peer.Accepted())
	assert.GreaterOrEqual(t, released.Load(), int32(1))

	// connected(gen1) -> disconnected(gen1) -> connected(gen2)
	var seq []string
	for _, e := range sink.snapshot() {
		if e.Kind != event.StateChange || e.Generation == "" {
			continue
		}
		seq = append(seq, fmt.Sprintf("%t/%t", e.Connected, e.Generation == firstGen))
	}
	require.GreaterOrEqual(t, len(seq), 3)
	assert.Equal(t, []string{"true/true", "false/true", "true/false"}, seq[:3])
}

func TestConnection_DestructiveDisconnect(t *testing.T) {
	peer := startPeer(t)
	sink := &collector{}
	var released atomic.Int32
	c := New(3, fastConfig(peer.Port()), Options{
		Sink:      sink,
		OnRelease: func(uint32) { released.Add(1) },
	})
	c.Start()

	require.Eventually(t, func() bool { return sink.count(isConnected) == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Disconnect(true)

	select {
	case <-c.Done():
	default:
		t.Fatal("reconnect loop still running after destructive disconnect")
	}

	assert.False(t, c.Active())
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)
	assert.Equal(t, int32(1), released.Load())

	before := len(sink.snapshot())
	last := sink.snapshot()[before-1]
	assert.False(t, last.Connected)
	assert.Contains(t, last.Message, "disconnected")

	c.Disconnect(true)
	c.Start()
	time.Sleep(200 * time.Millisecond)

	assert.Len(t, sink.snapshot(), before, "no events after destruction")
	assert.Equal(t, 1, peer.Accepted(), "no reconnect after destruction")
	require.Eventually(t, func() bool { return peer.SessionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConnection_DisconnectWhileUnreachable(t *testing.T) {
	c := New(4, fastConfig(freePort(t)), Options{})
	c.Start()
	time.Sleep(150 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Disconnect(true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("destructive disconnect did not return")
	}
}

func TestConnection_NonDestructiveDisconnectReconnects(t *testing.T) {
	peer := startPeer(t)
	sink := &collector{}
	c := startConnection(t, fastConfig(peer.Port()), Options{Sink: sink})

	require.Eventually(t, func() bool { return sink.count(isConnected) == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Disconnect(false)
	assert.True(t, c.Active())

	require.Eventually(t, func() bool { return sink.count(isConnected) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, peer.Accepted())
}

func TestConnection_ConcurrentSendsDoNotInterleave(t *testing.T) {
	peer := startPeer(t)
	cfg := fastConfig(peer.Port())
	cfg.RetryInterval = 5 * time.Millisecond
	sink := &collector{}
	c := startConnection(t, cfg, Options{Sink: sink})

	require.Eventually(t, func() bool { return sink.count(isConnected) == 1 }, 2*time.Second, 10*time.Millisecond)

	const senders, perSender = 8, 50
	var wg sync.WaitGroup
	wg.Add(senders)
	for g := range senders {
		go func(g int) {
			defer wg.Done()
			for i := range perSender {
				assert.NoError(t, c.Send([]byte(fmt.Sprintf("<%02d:%03d>", g, i))))
			}
		}(g)
	}
	wg.Wait()

	const msgLen = 8
	require.Eventually(t, func() bool {
		return len(peer.ReceivedWithout(HeartbeatByte)) == senders*perSender*msgLen
	}, 2*time.Second, 10*time.Millisecond)

	got := peer.ReceivedWithout(HeartbeatByte)
	for i := 0; i < len(got); i += msgLen {
		msg := got[i : i+msgLen]
		assert.Equal(t, byte('<'), msg[0], "message %q", msg)
		assert.Equal(t, byte('>'), msg[msgLen-1], "message %q", msg)
	}
}

type fixedResolver struct {
	calls atomic.Int32
	addrs []string
}

func (r *fixedResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.calls.Add(1)
	return r.addrs, nil
}

func TestConnection_UsesResolver(t *testing.T) {
	peer := startPeer(t)
	res := &fixedResolver{addrs: []string{"127.0.0.1"}}
	cfg := fastConfig(peer.Port())
	cfg.Host = "device.test"
	sink := &collector{}
	c := startConnection(t, cfg, Options{Sink: sink, Resolver: res})

	require.Eventually(t, func() bool { return sink.count(isConnected) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, fmt.Sprintf("device.test:%d", peer.Port()), c.Address())
	assert.GreaterOrEqual(t, res.calls.Load(), int32(1))
}

// stalledDialer hands out one end of an in-memory pipe whose other end is
// never read, so every write blocks until its deadline.
type stalledDialer struct {
	dials atomic.Int32
	mu    sync.Mutex
	peers []net.Conn
}

func (d *stalledDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, peer := net.Pipe()
	d.dials.Add(1)

	d.mu.Lock()
	d.peers = append(d.peers, peer)
	d.mu.Unlock()

	return client, nil
}

func (d *stalledDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		_ = p.Close()
	}
}

func TestConnection_HeartbeatFailureReconnectsWithoutDelay(t *testing.T) {
	dialer := &stalledDialer{}
	cfg := fastConfig(2001)
	cfg.RetryInterval = 5 * time.Second
	cfg.WriteTimeout = 50 * time.Millisecond
	sink := &collector{}
	c := startConnection(t, cfg, Options{Sink: sink, Dialer: dialer})
	t.Cleanup(dialer.close)

	heartbeatFailed := func(e event.Event) bool {
		return e.Kind == event.StateChange && !e.Connected && strings.Contains(e.Message, "heartbeat failed")
	}

	// well inside one retry interval: only an immediate redial gets here
	require.Eventually(t, func() bool {
		return sink.count(heartbeatFailed) >= 3 && dialer.dials.Load() >= 4
	}, 2*time.Second, 10*time.Millisecond)

	generations := map[string]bool{}
	for _, e := range sink.snapshot() {
		if heartbeatFailed(e) {
			assert.NotEmpty(t, e.Generation)
			assert.NotEmpty(t, e.ErrorClass)
			generations[e.Generation] = true
		}
	}
	assert.GreaterOrEqual(t, len(generations), 3, "one failure per socket generation")
	assert.GreaterOrEqual(t, sink.count(isConnected), 3)

	// every failure is followed by a Connected event on a fresh generation
	var seq []bool
	for _, e := range sink.snapshot() {
		if e.Kind == event.StateChange && e.Generation != "" {
			seq = append(seq, e.Connected)
		}
	}
	for i := 1; i < len(seq); i++ {
		assert.NotEqual(t, seq[i-1], seq[i], "connected and heartbeat-failed events alternate")
	}

	c.Disconnect(true)
	assert.Equal(t, Disconnected, c.State())
}
