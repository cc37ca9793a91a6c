// Package session tracks the advertising sessions of configured devices: whether a
// device is being heard, since when, and how many of its frames decoded.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-victron-ble/internal/domain"
)

// State represents the current state of a device session.
type State int

const (
	StateWaiting State = iota // configured, nothing heard yet
	StateActive
	StateStale // silent for longer than the timeout
)

// String returns the string representation of the session state.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session represents the advertising session of one device.
type Session struct {
	Device         string
	Address        string
	Kind           domain.DeviceKind
	State          State
	FirstSeen      time.Time
	LastActivity   time.Time
	FramesReceived int64
	BytesReceived  int64
	ErrorCount     int64
	RSSI           int16
	mutex          sync.RWMutex
}

// newSession creates a waiting session for a configured device.
func newSession(dev domain.Device) *Session {
	return &Session{
		Device:  dev.Name,
		Address: dev.Address,
		Kind:    dev.Kind,
		State:   StateWaiting,
	}
}

// recordFrame counts a received frame and reports whether the session was stale.
func (s *Session) recordFrame(size int, rssi int16, at time.Time) (revived bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.FirstSeen.IsZero() {
		s.FirstSeen = at
	}
	revived = s.State == StateStale
	s.State = StateActive
	s.LastActivity = at
	s.FramesReceived++
	s.BytesReceived += int64(size)
	s.RSSI = rssi
	return revived
}

// incrementErrorCount safely increments the error counter.
func (s *Session) incrementErrorCount() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ErrorCount++
}

// expire marks an active session stale when it has been silent for longer than
// timeout, and reports whether it did.
func (s *Session) expire(now time.Time, timeout time.Duration) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.State != StateActive || now.Sub(s.LastActivity) <= timeout {
		return false
	}
	s.State = StateStale
	return true
}

// GetStats returns a copy of the session statistics.
func (s *Session) GetStats(now time.Time) Stats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := Stats{
		Device:         s.Device,
		Address:        s.Address,
		Kind:           s.Kind,
		State:          s.State,
		FirstSeen:      s.FirstSeen,
		LastActivity:   s.LastActivity,
		FramesReceived: s.FramesReceived,
		BytesReceived:  s.BytesReceived,
		ErrorCount:     s.ErrorCount,
		RSSI:           s.RSSI,
	}
	if !s.LastActivity.IsZero() {
		stats.Idle = now.Sub(s.LastActivity)
	}
	return stats
}

// Stats represents session statistics for external consumption.
type Stats struct {
	Device         string            `json:"device"`
	Address        string            `json:"address"`
	Kind           domain.DeviceKind `json:"kind"`
	State          State             `json:"state"`
	FirstSeen      time.Time         `json:"first_seen"`
	LastActivity   time.Time         `json:"last_activity"`
	FramesReceived int64             `json:"frames_received"`
	BytesReceived  int64             `json:"bytes_received"`
	ErrorCount     int64             `json:"error_count"`
	RSSI           int16             `json:"rssi"`
	Idle           time.Duration     `json:"idle"`
}

// Manager manages the sessions of all configured devices.
type Manager struct {
	sessions  map[string]*Session // by device name
	byAddress map[string]*Session
	mutex     sync.RWMutex

	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	onStale  func(Stats)
	logger   zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	startOnce     sync.Once
	stopOnce      sync.Once
}

// NewManager creates a session manager. Sessions go stale after timeout without a
// frame; a zero timeout disables expiry.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		byAddress:   make(map[string]*Session),
		timeout:     timeout,
		interval:    checkInterval(timeout),
		now:         time.Now,
		logger:      log.With().Str("component", "session").Logger(),
		stopCleanup: make(chan struct{}),
	}
}

// checkInterval returns how often sessions are checked for expiry.
func checkInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// SetStaleHandler sets the function called for every session that goes stale.
func (m *Manager) SetStaleHandler(fn func(Stats)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onStale = fn
}

// Register creates a waiting session for dev, replacing any previous one.
func (m *Manager) Register(dev domain.Device) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if existing, ok := m.sessions[dev.Name]; ok {
		delete(m.byAddress, existing.Address)
	}

	s := newSession(dev)
	m.sessions[dev.Name] = s
	m.byAddress[dev.Address] = s
}

// RecordFrame counts a frame from address. It reports whether the address belongs
// to a session and whether that session came back from stale.
func (m *Manager) RecordFrame(address string, size int, rssi int16, at time.Time) (known, revived bool) {
	m.mutex.RLock()
	s, ok := m.byAddress[address]
	m.mutex.RUnlock()
	if !ok {
		return false, false
	}

	if at.IsZero() {
		at = m.now()
	}
	revived = s.recordFrame(size, rssi, at)
	if revived {
		m.logger.Info().Str("device", s.Device).Msg("Device is advertising again")
	}
	return true, revived
}

// RecordError counts a frame from address that could not be decoded.
func (m *Manager) RecordError(address string) {
	m.mutex.RLock()
	s, ok := m.byAddress[address]
	m.mutex.RUnlock()
	if ok {
		s.incrementErrorCount()
	}
}

// GetSession retrieves the statistics of a device's session.
func (m *Manager) GetSession(device string) (Stats, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.sessions[device]
	if !ok {
		return Stats{}, false
	}
	return s.GetStats(m.now()), true
}

// GetAllSessions returns statistics for all sessions sorted by device name.
func (m *Manager) GetAllSessions() []Stats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	now := m.now()
	stats := make([]Stats, 0, len(m.sessions))
	for _, s := range m.sessions {
		stats = append(stats, s.GetStats(now))
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Device < stats[j].Device })
	return stats
}

// CountByState returns the number of sessions in each state.
func (m *Manager) CountByState() map[string]int {
	counts := map[string]int{
		StateWaiting.String(): 0,
		StateActive.String():  0,
		StateStale.String():   0,
	}
	for _, s := range m.GetAllSessions() {
		counts[s.State.String()]++
	}
	return counts
}

// ExpireStaleSessions marks silent sessions stale and calls the stale handler for
// each. It returns the number of sessions that went stale.
func (m *Manager) ExpireStaleSessions() int {
	if m.timeout <= 0 {
		return 0
	}

	m.mutex.RLock()
	now := m.now()
	var expired []Stats
	for _, s := range m.sessions {
		if s.expire(now, m.timeout) {
			expired = append(expired, s.GetStats(now))
		}
	}
	handler := m.onStale
	m.mutex.RUnlock()

	for _, stats := range expired {
		m.logger.Warn().
			Str("device", stats.Device).
			Dur("idle", stats.Idle).
			Msg("Device stopped advertising")
		if handler != nil {
			handler(stats)
		}
	}

	return len(expired)
}

// Start begins the periodic expiry check. It does nothing when expiry is disabled.
func (m *Manager) Start() {
	if m.timeout <= 0 {
		return
	}

	m.startOnce.Do(func() {
		m.cleanupTicker = time.NewTicker(m.interval)
		ticker := m.cleanupTicker

		go func() {
			for {
				select {
				case <-ticker.C:
					m.ExpireStaleSessions()
				case <-m.stopCleanup:
					return
				}
			}
		}()
	})
}

// Close stops the expiry check.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
		if m.cleanupTicker != nil {
			m.cleanupTicker.Stop()
		}
	})
}
