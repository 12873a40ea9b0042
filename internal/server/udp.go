package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Dantee296/SwiftOSC/internal/config"
	"github.com/Dantee296/SwiftOSC/internal/metrics"
	"github.com/Dantee296/SwiftOSC/internal/osc"
	"github.com/Dantee296/SwiftOSC/internal/peer"
)

// receiveQueueSize bounds datagrams read off the socket but not yet handled by
// the I/O loop.
const receiveQueueSize = 1000

var (
	// ErrInvalidPort is returned for ports outside 0..65535.
	ErrInvalidPort = errors.New("port must be between 0 and 65535")
	// ErrNotRunning is returned by operations on a server that was never
	// started or has been stopped.
	ErrNotRunning = errors.New("server is not running")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("server already started")
)

// State is the lifecycle state of the listener.
type State int

const (
	// Unbound means no socket is open.
	Unbound State = iota
	// Listening means the socket is bound and datagrams are being read.
	Listening
	// Failed means the last bind or read failed. Restart or ChangePort retry.
	Failed
	// Cancelled means the server has been stopped for good.
	Cancelled
)

// String implements the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Listening:
		return "listening"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// StateHandler is notified of every listener state transition. err is set for
// transitions into Failed. It is called from the I/O loop and must not block
// or call back into the server.
type StateHandler interface {
	OnStateChange(from, to State, err error)
}

// StateHandlerFunc adapts a function to a StateHandler.
type StateHandlerFunc func(from, to State, err error)

// OnStateChange implements StateHandler.
func (f StateHandlerFunc) OnStateChange(from, to State, err error) { f(from, to, err) }

// UDPServer receives OSC datagrams from a single active peer, decodes them and
// hands the results to a Consumer.
//
// All socket transitions, peer replacement and decoding run serially on one
// loop goroutine. A reader goroutine per binding only copies datagrams into
// the loop; consumer callbacks run on a separate dispatch goroutine.
type UDPServer struct {
	config   config.ServerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	consumer Consumer
	decoder  *osc.Decoder
	peers    *peer.Manager

	stateHandler StateHandler
	dispatcher   *dispatcher

	// Concurrency management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	requests chan request
	incoming chan *incomingDatagram

	// Owned by the I/O loop
	conn       *net.UDPConn
	generation uint64

	// Snapshot state, guarded by mu
	mu        sync.RWMutex
	started   bool
	stopped   bool
	state     State
	lastErr   error
	port      int
	localAddr *net.UDPAddr
	stats     ServerStatistics
}

// request is a control operation executed on the I/O loop.
type request struct {
	fn    func() error
	reply chan error
}

// incomingDatagram is a datagram copied off the socket, or the read error
// that ended a binding.
type incomingDatagram struct {
	data       []byte
	remoteAddr netip.AddrPort
	timestamp  time.Time
	generation uint64
	err        error
}

// NewUDPServer creates a new OSC listener. Nothing is bound until Start. A nil
// m records into a private registry.
func NewUDPServer(cfg config.ServerConfig, logger *slog.Logger, m *metrics.Metrics, consumer Consumer) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}

	return &UDPServer{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		consumer: consumer,
		decoder:  osc.NewDecoder(nil),
		peers:    peer.NewManager(cfg.MaxRetiredPeers),
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan request),
		incoming: make(chan *incomingDatagram, receiveQueueSize),
		port:     cfg.UDPPort,
	}
}

// SetStateHandler registers h for state transitions. Call before Start.
func (s *UDPServer) SetStateHandler(h StateHandler) {
	s.stateHandler = h
}

// SetAddressValidator replaces the address validator used while decoding.
// Call before Start.
func (s *UDPServer) SetAddressValidator(v osc.AddressValidator) {
	s.decoder = osc.NewDecoder(v)
}

// Start launches the I/O loop and binds the configured port. A configured port
// outside 0..65535 is rejected with ErrInvalidPort before anything starts. A
// bind failure leaves the server in the Failed state with the loop running, so
// Restart or ChangePort can retry.
func (s *UDPServer) Start() error {
	if err := validatePort(s.Port()); err != nil {
		return err
	}

	queueSize := s.config.DeliveryQueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.dispatcher = newDispatcher(s.consumer, queueSize, s.logger, s.metrics)
	s.mu.Unlock()

	s.dispatcher.start()

	s.wg.Add(1)
	go s.loop()

	return s.do(s.bind)
}

// ChangePort tears down the current binding and rebinds on port. A port
// outside 0..65535 is rejected with ErrInvalidPort and the current binding is
// left untouched.
func (s *UDPServer) ChangePort(port int) error {
	if err := validatePort(port); err != nil {
		return err
	}

	return s.do(func() error {
		s.logger.Info("Changing UDP port",
			slog.Int("old_port", s.Port()),
			slog.Int("new_port", port),
		)
		s.teardown("port change", Unbound, nil)

		s.mu.Lock()
		s.port = port
		s.mu.Unlock()

		s.recordRebind()
		return s.bind()
	})
}

// Restart tears down the current binding and rebinds at the configured port.
func (s *UDPServer) Restart() error {
	return s.do(func() error {
		s.logger.Info("Restarting UDP listener", slog.Int("port", s.Port()))
		s.teardown("restart", Unbound, nil)
		s.recordRebind()
		return s.bind()
	})
}

// Stop gracefully stops the server. Deliveries already queued are handed to the
// consumer before Stop returns.
func (s *UDPServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.logger.Info("Stopping UDP server...")

	if started {
		if err := s.do(func() error {
			s.teardown("stop", Cancelled, nil)
			return nil
		}); err != nil {
			s.logger.Warn("Error stopping I/O loop", slog.String("error", err.Error()))
		}
	} else {
		s.setState(Cancelled, nil)
	}

	// Cancel context to stop the loop and any reader still running
	s.cancel()
	s.wg.Wait()

	if started {
		s.dispatcher.stop()
	}

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("messages_decoded", stats.MessagesDecoded),
		slog.Uint64("bundles_decoded", stats.BundlesDecoded),
		slog.Uint64("decode_errors", stats.DecodeErrors),
	)

	return nil
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, port)
	}
	return nil
}

// do runs fn on the I/O loop and waits for its result.
func (s *UDPServer) do(fn func() error) error {
	s.mu.RLock()
	running := s.started
	s.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.ctx.Done():
		return ErrNotRunning
	}

	select {
	case err := <-req.reply:
		return err
	case <-s.ctx.Done():
		return ErrNotRunning
	}
}

// loop is the serial I/O context.
func (s *UDPServer) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.logger.Debug("I/O loop stopped")
			return

		case req := <-s.requests:
			req.reply <- req.fn()

		case dg := <-s.incoming:
			s.handleDatagram(dg)
		}
	}
}

// bind opens the listening socket and starts its reader. Runs on the I/O loop.
func (s *UDPServer) bind() error {
	port := s.Port()
	address := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(port))

	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		err = fmt.Errorf("failed to resolve UDP address: %w", err)
		s.setState(Failed, err)
		return err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		err = fmt.Errorf("failed to listen on UDP: %w", err)
		s.setState(Failed, err)
		return err
	}

	if s.config.BufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.BufferSize); err != nil {
			s.logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", s.config.BufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	s.conn = conn
	s.generation++
	local, _ := conn.LocalAddr().(*net.UDPAddr)

	s.mu.Lock()
	s.localAddr = local
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receiveLoop(conn, s.generation)

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
	)
	s.setState(Listening, nil)
	return nil
}

// teardown cancels the active peer, closes the socket and moves to next. Runs
// on the I/O loop.
func (s *UDPServer) teardown(reason string, next State, cause error) {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
		s.conn = nil
	}
	// Anything the old reader already queued is now stale.
	s.generation++

	if prev := s.peers.Reset(); prev != nil {
		s.logger.Info("Peer connection cancelled",
			slog.String("remote_addr", prev.Addr.String()),
			slog.String("reason", reason),
			slog.Uint64("datagrams", prev.Datagrams),
		)
	}
	s.metrics.SetActivePeer(false)

	s.mu.Lock()
	s.localAddr = nil
	s.mu.Unlock()

	s.setState(next, cause)
}

// receiveLoop reads datagrams from conn until it is closed. It never touches
// server state beyond the incoming channel.
func (s *UDPServer) receiveLoop(conn *net.UDPConn, generation uint64) {
	defer s.wg.Done()

	bufferSize := s.config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 65536
	}
	buffer := make([]byte, bufferSize)

	for {
		n, remoteAddr, err := conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Hand the failure to the loop; it decides whether this binding
			// is still current.
			select {
			case s.incoming <- &incomingDatagram{generation: generation, err: err}:
			case <-s.ctx.Done():
			}
			return
		}

		// Create datagram copy (buffer will be reused)
		data := make([]byte, n)
		copy(data, buffer[:n])

		// Dual-stack sockets report IPv4 senders as ::ffff:a.b.c.d
		remoteAddr = netip.AddrPortFrom(remoteAddr.Addr().Unmap(), remoteAddr.Port())

		dg := &incomingDatagram{
			data:       data,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
			generation: generation,
		}

		select {
		case s.incoming <- dg:
			// Datagram queued successfully
		default:
			// Channel full, drop datagram and log warning
			s.metrics.RecordDatagramDropped("queue_full")
			s.logger.Warn("Receive queue full, dropping datagram",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("datagram_size", n),
			)
		}
	}
}

// handleDatagram applies the peer policy, decodes and queues delivery. Runs on
// the I/O loop.
func (s *UDPServer) handleDatagram(dg *incomingDatagram) {
	if dg.generation != s.generation {
		s.metrics.RecordDatagramDropped("stale_binding")
		return
	}

	if dg.err != nil {
		s.logger.Error("Failed to read UDP datagram", slog.String("error", dg.err.Error()))
		s.teardown("read error", Failed, dg.err)
		return
	}

	s.metrics.RecordDatagram(len(dg.data))
	s.mu.Lock()
	s.stats.DatagramsReceived++
	s.stats.BytesReceived += uint64(len(dg.data))
	s.mu.Unlock()

	decision, prev := s.peers.Admit(dg.remoteAddr, len(dg.data), dg.timestamp)
	switch decision {
	case peer.Refused:
		s.metrics.RecordDatagramDropped("retired_peer")
		s.mu.Lock()
		s.stats.RetiredPeerDrops++
		s.mu.Unlock()
		s.logger.Debug("Dropping datagram from retired peer",
			slog.String("remote_addr", dg.remoteAddr.String()),
			slog.Int("datagram_size", len(dg.data)),
		)
		return

	case peer.Arrived:
		s.metrics.SetActivePeer(true)
		s.logger.Info("Peer connected", slog.String("remote_addr", dg.remoteAddr.String()))

	case peer.Replaced:
		s.metrics.RecordPeerReplaced(prev.LastActivity.Sub(prev.StartTime).Seconds())
		s.mu.Lock()
		s.stats.PeerReplacements++
		s.mu.Unlock()
		s.logger.Info("Peer replaced, cancelling previous connection",
			slog.String("previous_addr", prev.Addr.String()),
			slog.String("remote_addr", dg.remoteAddr.String()),
			slog.Uint64("previous_datagrams", prev.Datagrams),
		)
	}

	elem, err := s.decoder.DecodePacket(dg.data)
	if err != nil {
		reason := osc.Reason(err)
		s.metrics.RecordDecodeError(reason)
		s.mu.Lock()
		s.stats.DecodeErrors++
		s.mu.Unlock()

		s.logger.Warn("Failed to decode datagram",
			slog.String("remote_addr", dg.remoteAddr.String()),
			slog.Int("datagram_size", len(dg.data)),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		s.dispatcher.enqueue(delivery{raw: dg.data})
		return
	}

	s.recordDecoded(elem)
	s.dispatcher.enqueue(delivery{raw: dg.data, elem: elem})
}

func (s *UDPServer) recordDecoded(elem osc.Element) {
	var messages, bundles uint64
	osc.Walk(elem, func(e osc.Element) {
		switch el := e.(type) {
		case *osc.Message:
			messages++
			s.metrics.RecordMessage(len(el.Arguments))
		case *osc.Bundle:
			bundles++
			s.metrics.RecordBundle()
		}
	})

	s.mu.Lock()
	s.stats.MessagesDecoded += messages
	s.stats.BundlesDecoded += bundles
	s.mu.Unlock()
}

func (s *UDPServer) recordRebind() {
	s.metrics.RecordRebind()
	s.mu.Lock()
	s.stats.Rebinds++
	s.mu.Unlock()
}

// setState records the transition and notifies the state handler.
func (s *UDPServer) setState(state State, err error) {
	s.mu.Lock()
	from := s.state
	s.state = state
	s.lastErr = err
	s.mu.Unlock()

	s.metrics.SetListenerState(int(state))

	attrs := []any{
		slog.String("from", from.String()),
		slog.String("to", state.String()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		s.logger.Error("Listener state changed", attrs...)
	} else {
		s.logger.Debug("Listener state changed", attrs...)
	}

	if s.stateHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("State handler panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	s.stateHandler.OnStateChange(from, state, err)
}

// State returns the current listener state.
func (s *UDPServer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the error that caused the last transition into Failed.
func (s *UDPServer) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Port returns the configured port. With port 0 the bound port is only known
// through LocalAddr.
func (s *UDPServer) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// LocalAddr returns the bound address, or nil when no socket is open.
func (s *UDPServer) LocalAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localAddr
}

// ActivePeer returns the peer currently occupying the active slot.
func (s *UDPServer) ActivePeer() (peer.SessionInfo, bool) {
	info := s.peers.Info()
	if info.Active == nil {
		return peer.SessionInfo{}, false
	}
	return *info.Active, true
}

// PeerStatus reports whether addr holds the active slot and whether it has been
// retired since the last rebind. IPv4-mapped addresses are unmapped first.
func (s *UDPServer) PeerStatus(addr netip.AddrPort) (active, retired bool) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if current, ok := s.peers.Active(); ok {
		active = current.Addr == addr
	}
	return active, s.peers.IsRetired(addr)
}

// PeerInfo returns a snapshot of the peer slot.
func (s *UDPServer) PeerInfo() peer.SlotInfo {
	return s.peers.Info()
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	stats := s.stats
	stats.State = s.state.String()
	stats.Port = s.port
	if s.localAddr != nil {
		stats.LocalAddress = s.localAddr.String()
	}
	dispatcher := s.dispatcher
	s.mu.RUnlock()

	if dispatcher != nil {
		ds := dispatcher.stats()
		stats.Deliveries = ds.delivered
		stats.DeliveryDrops = ds.dropped
		stats.ConsumerPanics = ds.panics
		stats.QueueSize = uint64(ds.queued)
		stats.QueueCapacity = uint64(ds.capacity)
	}
	_, stats.HasActivePeer = s.peers.Active()

	return stats
}

// ServerStatistics represents server performance metrics
type ServerStatistics struct {
	State             string `json:"state"`
	Port              int    `json:"port"`
	LocalAddress      string `json:"local_address,omitempty"`
	HasActivePeer     bool   `json:"has_active_peer"`
	DatagramsReceived uint64 `json:"datagrams_received"`
	BytesReceived     uint64 `json:"bytes_received"`
	MessagesDecoded   uint64 `json:"messages_decoded"`
	BundlesDecoded    uint64 `json:"bundles_decoded"`
	DecodeErrors      uint64 `json:"decode_errors"`
	RetiredPeerDrops  uint64 `json:"retired_peer_drops"`
	PeerReplacements  uint64 `json:"peer_replacements"`
	Rebinds           uint64 `json:"rebinds"`
	Deliveries        uint64 `json:"deliveries"`
	DeliveryDrops     uint64 `json:"delivery_drops"`
	ConsumerPanics    uint64 `json:"consumer_panics"`
	QueueSize         uint64 `json:"queue_size"`
	QueueCapacity     uint64 `json:"queue_capacity"`
}
