package peer

import (
	"net/netip"
	"sync"
	"time"
)

// Decision is the outcome of admitting a datagram from a remote address.
type Decision int

const (
	// Active means the datagram came from the current active peer.
	Active Decision = iota
	// Arrived means the slot was empty and the sender now occupies it.
	Arrived
	// Replaced means the sender superseded a previous active peer, which is
	// now retired.
	Replaced
	// Refused means the sender is a retired peer; the datagram must be dropped.
	Refused
)

// String implements the fmt.Stringer interface.
func (d Decision) String() string {
	switch d {
	case Active:
		return "active"
	case Arrived:
		return "arrived"
	case Replaced:
		return "replaced"
	case Refused:
		return "refused"
	default:
		return "unknown"
	}
}

// DefaultMaxRetired bounds the retired set when the caller passes zero.
const DefaultMaxRetired = 64

// Session is the bookkeeping kept for the active peer.
type Session struct {
	ID           uint64
	Addr         netip.AddrPort
	StartTime    time.Time
	LastActivity time.Time
	Datagrams    uint64
	Bytes        uint64
}

// Manager owns the active peer slot and the set of retired peers. Admit and
// Reset are meant to be called from a single goroutine; the snapshot methods
// may be called from anywhere.
type Manager struct {
	mu sync.RWMutex

	active     *Session
	nextID     uint64
	maxRetired int

	// retired preserves insertion order so the oldest entry is evicted first.
	retired      map[netip.AddrPort]struct{}
	retiredOrder []netip.AddrPort

	replacements uint64
	refused      uint64
}

// NewManager creates a peer manager that remembers at most maxRetired
// superseded peers.
func NewManager(maxRetired int) *Manager {
	if maxRetired <= 0 {
		maxRetired = DefaultMaxRetired
	}
	return &Manager{
		maxRetired: maxRetired,
		retired:    make(map[netip.AddrPort]struct{}),
	}
}

// Admit records a datagram of size bytes from addr received at now and
// decides how it must be handled. On Replaced, the superseded session is
// returned as well.
func (m *Manager) Admit(addr netip.AddrPort, size int, now time.Time) (Decision, *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.Addr == addr {
		m.touch(size, now)
		return Active, nil
	}

	if _, ok := m.retired[addr]; ok {
		m.refused++
		return Refused, nil
	}

	previous := m.active
	m.nextID++
	m.active = &Session{
		ID:        m.nextID,
		Addr:      addr,
		StartTime: now,
	}
	m.touch(size, now)

	if previous == nil {
		return Arrived, nil
	}

	m.retire(previous.Addr)
	m.replacements++
	snapshot := *previous
	return Replaced, &snapshot
}

func (m *Manager) touch(size int, now time.Time) {
	m.active.LastActivity = now
	m.active.Datagrams++
	m.active.Bytes += uint64(size)
}

func (m *Manager) retire(addr netip.AddrPort) {
	if _, ok := m.retired[addr]; ok {
		return
	}
	if len(m.retiredOrder) >= m.maxRetired {
		oldest := m.retiredOrder[0]
		m.retiredOrder = m.retiredOrder[1:]
		delete(m.retired, oldest)
	}
	m.retired[addr] = struct{}{}
	m.retiredOrder = append(m.retiredOrder, addr)
}

// Reset clears the active slot and forgets every retired peer. It returns the
// session that was active, if any.
func (m *Manager) Reset() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.active
	m.active = nil
	m.retired = make(map[netip.AddrPort]struct{})
	m.retiredOrder = nil
	return previous
}

// Active returns a copy of the active session, or false if the slot is empty.
func (m *Manager) Active() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return Session{}, false
	}
	return *m.active, true
}

// IsRetired reports whether addr has been superseded since the last Reset.
func (m *Manager) IsRetired(addr netip.AddrPort) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.retired[addr]
	return ok
}

// Info returns a snapshot of the peer slot for monitoring and APIs.
func (m *Manager) Info() SlotInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := SlotInfo{
		Replacements:     m.replacements,
		RefusedDatagrams: m.refused,
		RetiredPeers:     len(m.retiredOrder),
	}
	if m.active != nil {
		s := m.active.info()
		info.Active = &s
	}
	return info
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		Address:      s.Addr.String(),
		StartTime:    s.StartTime,
		LastActivity: s.LastActivity,
		Duration:     s.LastActivity.Sub(s.StartTime),
		Datagrams:    s.Datagrams,
		Bytes:        s.Bytes,
	}
}

// SessionInfo represents the active peer for monitoring and APIs.
type SessionInfo struct {
	ID           uint64        `json:"id"`
	Address      string        `json:"address"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`
	Datagrams    uint64        `json:"datagrams"`
	Bytes        uint64        `json:"bytes"`
}

// SlotInfo represents the whole peer slot: the active peer, if any, and the
// churn counters accumulated since the manager was created.
type SlotInfo struct {
	Active           *SessionInfo `json:"active"`
	Replacements     uint64       `json:"replacements"`
	RefusedDatagrams uint64       `json:"refused_datagrams"`
	RetiredPeers     int          `json:"retired_peers"`
}
