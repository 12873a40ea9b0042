package server

import (
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dantee296/SwiftOSC/internal/config"
	"github.com/Dantee296/SwiftOSC/internal/metrics"
	"github.com/Dantee296/SwiftOSC/internal/osc"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// literalBundle is "#bundle\0", a zero time tag and one 12-byte element
// holding "/foo" with a single Null argument.
var literalBundle = []byte("#bundle\x00" +
	"\x00\x00\x00\x00\x00\x00\x00\x00" +
	"\x00\x00\x00\x0c" +
	"/foo\x00\x00\x00\x00,N\x00\x00")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		UDPPort:           0,
		BindAddress:       "127.0.0.1",
		BufferSize:        65536,
		DeliveryQueueSize: 64,
		MaxRetiredPeers:   8,
		ShutdownTimeout:   1,
	}
}

// recorder is a Consumer that remembers every callback in order.
type recorder struct {
	mu       sync.Mutex
	raw      [][]byte
	messages []*osc.Message
	bundles  []*osc.Bundle
	events   []string
}

func (r *recorder) OnRawDatagram(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw = append(r.raw, data)
	r.events = append(r.events, "raw")
}

func (r *recorder) OnMessage(msg *osc.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	r.events = append(r.events, "message "+string(msg.Address))
}

func (r *recorder) OnBundle(bundle *osc.Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles = append(r.bundles, bundle)
	r.events = append(r.events, "bundle")
}

func (r *recorder) counts() (raw, messages, bundles int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.raw), len(r.messages), len(r.bundles)
}

func (r *recorder) addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, string(m.Address))
	}
	return out
}

func (r *recorder) eventLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// stateLog is a StateHandler that remembers every transition.
type stateLog struct {
	mu          sync.Mutex
	transitions []string
	errs        []error
}

func (l *stateLog) OnStateChange(from, to State, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, from.String()+"->"+to.String())
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

func (l *stateLog) snapshot() ([]string, []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.transitions...), append([]error(nil), l.errs...)
}

func newTestServer(t *testing.T, consumer Consumer) (*UDPServer, *metrics.Metrics) {
	t.Helper()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	srv := NewUDPServer(testServerConfig(), testLogger(), m, consumer)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv, m
}

func dial(t *testing.T, srv *UDPServer) *net.UDPConn {
	t.Helper()

	addr := srv.LocalAddr()
	require.NotNil(t, addr, "server must be bound")

	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *net.UDPConn, elem osc.Element) {
	t.Helper()

	data, err := osc.Marshal(elem)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func TestUDPServerLiteralBundle(t *testing.T) {
	rec := &recorder{}
	srv, m := newTestServer(t, rec)
	conn := dial(t, srv)

	_, err := conn.Write(literalBundle)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		raw, messages, bundles := rec.counts()
		return raw == 1 && messages == 1 && bundles == 1
	}, waitFor, tick)

	// Nothing else trickles in.
	time.Sleep(50 * time.Millisecond)
	raw, messages, bundles := rec.counts()
	assert.Equal(t, 1, raw)
	assert.Equal(t, 1, messages)
	assert.Equal(t, 1, bundles)

	assert.Equal(t, []string{"raw", "bundle", "message /foo"}, rec.eventLog())
	assert.Equal(t, osc.NewMessage("/foo", osc.Null()), rec.messages[0])
	assert.Equal(t, literalBundle, rec.raw[0])

	stats := srv.GetStatistics()
	assert.Equal(t, uint64(1), stats.DatagramsReceived)
	assert.Equal(t, uint64(1), stats.MessagesDecoded)
	assert.Equal(t, uint64(1), stats.BundlesDecoded)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BundlesDecoded))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesDecoded))
}

func TestUDPServerNestedBundleOrder(t *testing.T) {
	rec := &recorder{}
	srv, _ := newTestServer(t, rec)
	conn := dial(t, srv)

	send(t, conn, osc.NewBundle(osc.Immediately,
		osc.NewMessage("/one"),
		osc.NewBundle(osc.Immediately, osc.NewMessage("/two")),
		osc.NewMessage("/three"),
	))

	require.Eventually(t, func() bool {
		_, messages, _ := rec.counts()
		return messages == 3
	}, waitFor, tick)

	assert.Equal(t, []string{
		"raw",
		"bundle",
		"message /one",
		"bundle",
		"message /two",
		"message /three",
	}, rec.eventLog())
}

func TestUDPServerDecodeFailureKeepsListening(t *testing.T) {
	rec := &recorder{}
	srv, m := newTestServer(t, rec)
	conn := dial(t, srv)

	malformed := [][]byte{
		[]byte("hello"),
		[]byte("/foo"),                          // no terminator
		[]byte("/foo\x00\x00\x00\x00,x\x00\x00"), // unknown type code
	}
	for _, data := range malformed {
		_, err := conn.Write(data)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		raw, _, _ := rec.counts()
		return raw == len(malformed)
	}, waitFor, tick)

	send(t, conn, osc.NewMessage("/still/here", osc.Int32(1)))

	require.Eventually(t, func() bool {
		_, messages, _ := rec.counts()
		return messages == 1
	}, waitFor, tick)

	assert.Equal(t, Listening, srv.State())
	assert.Equal(t, uint64(3), srv.GetStatistics().DecodeErrors)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DecodeErrors.WithLabelValues("unrecognized_header")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DecodeErrors.WithLabelValues("missing_address_terminator")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DecodeErrors.WithLabelValues("unknown_type_code")))
}

func TestUDPServerPeerReplacement(t *testing.T) {
	rec := &recorder{}
	srv, m := newTestServer(t, rec)
	first := dial(t, srv)
	second := dial(t, srv)

	send(t, first, osc.NewMessage("/first/1"))
	require.Eventually(t, func() bool {
		raw, _, _ := rec.counts()
		return raw == 1
	}, waitFor, tick)

	active, ok := srv.ActivePeer()
	require.True(t, ok)
	assert.Equal(t, first.LocalAddr().String(), active.Address)

	send(t, second, osc.NewMessage("/second/1"))
	require.Eventually(t, func() bool {
		raw, _, _ := rec.counts()
		return raw == 2
	}, waitFor, tick)

	// The superseded peer keeps sending; only the marker from the active
	// peer may come through.
	send(t, first, osc.NewMessage("/first/2"))
	send(t, second, osc.NewMessage("/second/2"))

	require.Eventually(t, func() bool {
		_, messages, _ := rec.counts()
		return messages == 3
	}, waitFor, tick)

	time.Sleep(50 * time.Millisecond)
	raw, _, _ := rec.counts()
	assert.Equal(t, 3, raw)
	assert.Equal(t, []string{"/first/1", "/second/1", "/second/2"}, rec.addresses())

	active, ok = srv.ActivePeer()
	require.True(t, ok)
	assert.Equal(t, second.LocalAddr().String(), active.Address)

	isActive, retired := srv.PeerStatus(first.LocalAddr().(*net.UDPAddr).AddrPort())
	assert.False(t, isActive)
	assert.True(t, retired)
	isActive, retired = srv.PeerStatus(second.LocalAddr().(*net.UDPAddr).AddrPort())
	assert.True(t, isActive)
	assert.False(t, retired)

	stats := srv.GetStatistics()
	assert.Equal(t, uint64(1), stats.PeerReplacements)
	assert.Equal(t, uint64(1), stats.RetiredPeerDrops)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DatagramsDropped.WithLabelValues("retired_peer")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PeerReplacements))
}

func TestUDPServerChangePortInvalid(t *testing.T) {
	rec := &recorder{}
	srv, _ := newTestServer(t, rec)
	before := srv.LocalAddr()
	require.NotNil(t, before)

	tests := []struct {
		name string
		port int
	}{
		{"above range", 70000},
		{"just above range", 65536},
		{"negative", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.ChangePort(tt.port)
			require.ErrorIs(t, err, ErrInvalidPort)

			assert.Equal(t, Listening, srv.State())
			assert.Equal(t, before.String(), srv.LocalAddr().String())
			assert.Equal(t, 0, srv.Port())
		})
	}

	// The original binding still receives.
	conn := dial(t, srv)
	send(t, conn, osc.NewMessage("/after"))
	require.Eventually(t, func() bool {
		_, messages, _ := rec.counts()
		return messages == 1
	}, waitFor, tick)
	assert.Equal(t, uint64(0), srv.GetStatistics().Rebinds)
}

func TestUDPServerChangePort(t *testing.T) {
	rec := &recorder{}
	srv, m := newTestServer(t, rec)

	old := dial(t, srv)
	send(t, old, osc.NewMessage("/before"))
	require.Eventually(t, func() bool {
		_, ok := srv.ActivePeer()
		return ok
	}, waitFor, tick)

	// Reserve a free port, release it and move the listener there.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	target := probe.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, probe.Close())

	require.NoError(t, srv.ChangePort(target))

	assert.Equal(t, Listening, srv.State())
	assert.Equal(t, target, srv.Port())
	assert.Equal(t, target, srv.LocalAddr().Port)

	_, ok := srv.ActivePeer()
	assert.False(t, ok, "rebind must cancel the active peer")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActivePeer))
	assert.Equal(t, uint64(1), srv.GetStatistics().Rebinds)

	conn := dial(t, srv)
	send(t, conn, osc.NewMessage("/after"))
	require.Eventually(t, func() bool {
		_, messages, _ := rec.counts()
		return messages == 2
	}, waitFor, tick)
	assert.Equal(t, []string{"/before", "/after"}, rec.addresses())
}

func TestUDPServerRestartClearsRetiredPeers(t *testing.T) {
	rec := &recorder{}
	states := &stateLog{}

	m := metrics.NewMetrics(prometheus.NewRegistry())
	srv := NewUDPServer(testServerConfig(), testLogger(), m, rec)
	srv.SetStateHandler(states)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	first := dial(t, srv)
	second := dial(t, srv)
	send(t, first, osc.NewMessage("/first"))
	require.Eventually(t, func() bool {
		raw, _, _ := rec.counts()
		return raw == 1
	}, waitFor, tick)
	send(t, second, osc.NewMessage("/second"))
	require.Eventually(t, func() bool {
		raw, _, _ := rec.counts()
		return raw == 2
	}, waitFor, tick)

	require.NoError(t, srv.Restart())
	assert.Equal(t, Listening, srv.State())

	// Port 0 rebinds on a fresh ephemeral port; redial and confirm the
	// previously retired peer address is accepted again.
	addr := srv.LocalAddr()
	require.NotNil(t, addr)
	firstAddr := first.LocalAddr().(*net.UDPAddr)
	require.NoError(t, first.Close())
	again, err := net.DialUDP("udp", firstAddr, addr)
	require.NoError(t, err)
	t.Cleanup(func() { again.Close() })

	send(t, again, osc.NewMessage("/first/again"))
	require.Eventually(t, func() bool {
		_, messages, _ := rec.counts()
		return messages == 3
	}, waitFor, tick)

	transitions, errs := states.snapshot()
	assert.Equal(t, []string{
		"unbound->listening",
		"listening->unbound",
		"unbound->listening",
	}, transitions)
	assert.Empty(t, errs)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Rebinds))
}

func TestUDPServerBindFailure(t *testing.T) {
	occupied, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := occupied.LocalAddr().(*net.UDPAddr).Port

	cfg := testServerConfig()
	cfg.UDPPort = port
	states := &stateLog{}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	srv := NewUDPServer(cfg, testLogger(), m, &recorder{})
	srv.SetStateHandler(states)
	t.Cleanup(func() { srv.Stop() })

	err = srv.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen on UDP")
	assert.Equal(t, Failed, srv.State())
	assert.Nil(t, srv.LocalAddr())
	assert.Error(t, srv.LastError())
	assert.Equal(t, float64(Failed), testutil.ToFloat64(m.ListenerState))

	transitions, errs := states.snapshot()
	assert.Equal(t, []string{"unbound->failed"}, transitions)
	assert.Len(t, errs, 1)

	// No automatic retry; an explicit restart succeeds once the port is free.
	require.NoError(t, occupied.Close())
	require.NoError(t, srv.Restart())
	assert.Equal(t, Listening, srv.State())
	assert.Equal(t, port, srv.LocalAddr().Port)
	assert.NoError(t, srv.LastError())
}

func TestUDPServerConsumerPanicIsRecovered(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	consumer := ConsumerFuncs{
		Message: func(msg *osc.Message) {
			if msg.Address == "/boom" {
				panic("consumer failure")
			}
			mu.Lock()
			seen = append(seen, string(msg.Address))
			mu.Unlock()
		},
	}
	srv, m := newTestServer(t, consumer)
	conn := dial(t, srv)

	send(t, conn, osc.NewMessage("/boom"))
	send(t, conn, osc.NewMessage("/ok"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, waitFor, tick)

	assert.Equal(t, uint64(1), srv.GetStatistics().ConsumerPanics)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConsumerPanics))
}

func TestUDPServerStop(t *testing.T) {
	rec := &recorder{}
	states := &stateLog{}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	srv := NewUDPServer(testServerConfig(), testLogger(), m, rec)
	srv.SetStateHandler(states)
	require.NoError(t, srv.Start())

	conn := dial(t, srv)
	send(t, conn, osc.NewMessage("/last"))
	require.Eventually(t, func() bool {
		_, messages, _ := rec.counts()
		return messages == 1
	}, waitFor, tick)

	require.NoError(t, srv.Stop())
	assert.Equal(t, Cancelled, srv.State())
	assert.Nil(t, srv.LocalAddr())

	assert.ErrorIs(t, srv.Restart(), ErrNotRunning)
	assert.ErrorIs(t, srv.ChangePort(9000), ErrNotRunning)
	assert.ErrorIs(t, srv.Start(), ErrNotRunning)
	assert.NoError(t, srv.Stop(), "second stop is a no-op")

	transitions, _ := states.snapshot()
	assert.Equal(t, []string{"unbound->listening", "listening->cancelled"}, transitions)
}

func TestUDPServerOperationsBeforeStart(t *testing.T) {
	srv := NewUDPServer(testServerConfig(), testLogger(), metrics.NewMetrics(prometheus.NewRegistry()), nil)

	assert.Equal(t, Unbound, srv.State())
	assert.ErrorIs(t, srv.Restart(), ErrNotRunning)
	assert.ErrorIs(t, srv.ChangePort(70000), ErrInvalidPort)
	assert.ErrorIs(t, srv.ChangePort(1234), ErrNotRunning)
	assert.Nil(t, srv.LocalAddr())

	require.NoError(t, srv.Stop())
	assert.Equal(t, Cancelled, srv.State())
}

func TestUDPServerStartInvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"above range", 70000},
		{"negative", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServerConfig()
			cfg.UDPPort = tt.port
			m := metrics.NewMetrics(prometheus.NewRegistry())
			states := &stateLog{}

			srv := NewUDPServer(cfg, testLogger(), m, &recorder{})
			srv.SetStateHandler(states)
			t.Cleanup(func() { srv.Stop() })

			err := srv.Start()
			require.ErrorIs(t, err, ErrInvalidPort)

			assert.Equal(t, Unbound, srv.State())
			assert.Nil(t, srv.LastError())
			assert.Nil(t, srv.LocalAddr())
			assert.Equal(t, float64(Unbound), testutil.ToFloat64(m.ListenerState))
			assert.ErrorIs(t, srv.Restart(), ErrNotRunning, "nothing may be running")

			transitions, _ := states.snapshot()
			assert.Empty(t, transitions)
		})
	}
}

func TestUDPServerNilMetrics(t *testing.T) {
	rec := &recorder{}
	srv := NewUDPServer(testServerConfig(), testLogger(), nil, rec)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	conn := dial(t, srv)
	send(t, conn, osc.NewMessage("/ping"))
	require.Eventually(t, func() bool {
		_, messages, _ := rec.counts()
		return messages == 1
	}, waitFor, tick)
	assert.Equal(t, Listening, srv.State())
}

func TestUDPServerStartTwice(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	assert.ErrorIs(t, srv.Start(), ErrAlreadyStarted)
}

func TestUDPServerCustomAddressValidator(t *testing.T) {
	rec := &recorder{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	srv := NewUDPServer(testServerConfig(), testLogger(), m, rec)
	srv.SetAddressValidator(func(addr string) bool { return addr == "/allowed" })
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	conn := dial(t, srv)
	send(t, conn, osc.NewMessage("/denied"))
	send(t, conn, osc.NewMessage("/allowed"))

	require.Eventually(t, func() bool {
		raw, messages, _ := rec.counts()
		return raw == 2 && messages == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"/allowed"}, rec.addresses())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DecodeErrors.WithLabelValues("invalid_address")))
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Unbound:   "unbound",
		Listening: "listening",
		Failed:    "failed",
		Cancelled: "cancelled",
		State(9):  "Unknown(9)",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}
