package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DeviceIDKey is the store key holding the last connected device ID.
const DeviceIDKey = "STORE_ANOVA_DEVICE_ID"

// State is a step of the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateRestoring
	StateScanning
	StateConnecting
	StateDiscovering
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRestoring:
		return "restoring"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Store persists small string values across restarts.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
}

// Session consumes the command characteristic while the link is ready.
type Session interface {
	// Attach hands over the located characteristic.
	Attach(ch Characteristic) error
	// Detach releases it. No notification may reach the session afterwards.
	Detach()
}

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	ServiceUUID        string
	CharacteristicUUID string
	NameFilter         string        // case-insensitive substring of the advertised name
	ScanTimeout        time.Duration // how long to look for a matching device
	ConnectTimeout     time.Duration // per connect and per discovery
	Reconnect          bool          // reconnect automatically after a dropped link
	ReconnectMax       int           // max reconnect backoff in seconds
	ReconnectAttempts  int           // attempts before giving up and surfacing the error
	OnStateChange      func(State)   // called after every transition
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
		NameFilter:         DefaultNameFilter,
		ScanTimeout:        30 * time.Second,
		ConnectTimeout:     10 * time.Second,
		ReconnectMax:       30,
		ReconnectAttempts:  5,
	}
}

// Manager drives restore → scan → connect → discover → ready and tears the
// session down when the link drops.
type Manager struct {
	adapter Adapter
	store   Store
	session Session
	opts    ManagerOptions

	connectMu sync.Mutex // serializes whole connect sequences

	mu               sync.Mutex
	state            State
	conn             Connection
	lastErr          error
	enabled          bool
	cancelDisconnect func()

	reconnecting atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a connection manager.
func NewManager(adapter Adapter, store Store, session Session, opts ManagerOptions) (*Manager, error) {
	if adapter == nil || store == nil || session == nil {
		return nil, errors.New("ble: NewManager requires adapter, store and session")
	}
	def := DefaultManagerOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = def.CharacteristicUUID
	}
	if opts.NameFilter == "" {
		opts.NameFilter = def.NameFilter
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = def.ReconnectAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		adapter: adapter,
		store:   store,
		session: session,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that last sent the manager back to idle, or nil
// once a connection succeeds. A non-nil value is the connection-error flag
// the UI shows as a retry affordance.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect runs the full connection sequence. It is a no-op when the current
// link is ready and still connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.state == StateReady && m.conn != nil && m.conn.IsConnected() {
		m.mu.Unlock()
		return nil
	}
	stale := m.conn
	m.mu.Unlock()

	// A dead link whose disconnect event is still in flight must not tear
	// down the session attached to its replacement.
	if stale != nil {
		m.teardown(stale)
	}

	if err := m.connect(ctx); err != nil {
		slog.Error("[BLE] could not connect to device", "error", err)
		m.fail(err)
		return err
	}
	return nil
}

// Retry clears the connection-error flag and connects again.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
	return m.Connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	if err := m.enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %w", ErrConnection, err)
	}

	m.setState(StateRestoring)
	conn := m.restore(ctx)

	if conn == nil {
		m.setState(StateScanning)
		dev, err := m.scan(ctx)
		if err != nil {
			return err
		}

		m.setState(StateConnecting)
		conn, err = m.dial(ctx, dev.ID)
		if err != nil {
			return fmt.Errorf("%w: connect to %s: %w", ErrConnection, dev.ID, err)
		}
		if err := m.store.Set(DeviceIDKey, conn.ID()); err != nil {
			slog.Warn("[BLE] failed to persist device id", "id", conn.ID(), "error", err)
		}
	}

	return m.ready(ctx, conn)
}

func (m *Manager) enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		return nil
	}
	if err := m.adapter.Enable(); err != nil {
		return err
	}
	m.enabled = true
	return nil
}

// restore connects to the persisted device, if any. A persisted ID that
// fails to connect is forgotten so the next attempt scans instead.
func (m *Manager) restore(ctx context.Context) Connection {
	id, ok, err := m.store.Get(DeviceIDKey)
	if err != nil {
		slog.Warn("[BLE] failed to read stored device id", "error", err)
		return nil
	}
	if !ok || id == "" {
		return nil
	}

	conn, err := m.dial(ctx, id)
	if err != nil {
		slog.Info("[BLE] could not connect to restored device", "id", id, "error", err)
		if err := m.store.Delete(DeviceIDKey); err != nil {
			slog.Warn("[BLE] failed to forget device id", "id", id, "error", err)
		}
		return nil
	}
	slog.Info("[BLE] restored device", "id", id)
	return conn
}

// scan returns the first advertised device whose name matches the filter.
func (m *Manager) scan(ctx context.Context) (Device, error) {
	scanCtx, cancel := context.WithTimeout(ctx, m.opts.ScanTimeout)
	defer cancel()

	var (
		once  sync.Once
		found Device
		ok    bool
	)
	slog.Info("[BLE] scanning", "service", m.opts.ServiceUUID, "name", m.opts.NameFilter)
	err := m.adapter.Scan(scanCtx, m.opts.ServiceUUID, func(d Device) bool {
		if !MatchName(d.Name, m.opts.NameFilter) {
			return false
		}
		once.Do(func() {
			found, ok = d, true
		})
		return true
	})

	if ok {
		slog.Info("[BLE] found device", "name", found.Name, "id", found.ID, "rssi", found.RSSI)
		return found, nil
	}
	if ctx.Err() != nil {
		return Device{}, fmt.Errorf("%w: scan: %w", ErrConnection, ctx.Err())
	}
	if err != nil && scanCtx.Err() == nil {
		return Device{}, fmt.Errorf("%w: scan: %w", ErrConnection, err)
	}
	return Device{}, ErrDeviceNotFound
}

func (m *Manager) dial(ctx context.Context, id string) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	return m.adapter.Connect(dialCtx, id)
}

// ready locates the command characteristic, hands it to the session and
// starts watching for disconnects.
func (m *Manager) ready(ctx context.Context, conn Connection) error {
	m.setState(StateDiscovering)

	discoverCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	services, err := conn.DiscoverServices(discoverCtx)
	cancel()
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("%w: discover services: %w", ErrConnection, err)
	}

	ch, err := FindCharacteristic(services, m.opts.ServiceUUID, m.opts.CharacteristicUUID)
	if err != nil {
		_ = conn.Disconnect()
		return err
	}

	if err := m.session.Attach(ch); err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("%w: attach session: %w", ErrConnection, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.lastErr = nil
	m.mu.Unlock()

	cancelWatch := conn.OnDisconnect(func() {
		m.handleDisconnect(conn)
	})
	m.mu.Lock()
	m.cancelDisconnect = cancelWatch
	m.mu.Unlock()

	m.setState(StateReady)
	slog.Info("[BLE] connected", "id", conn.ID(), "characteristic", ch.UUID())

	// The link may have dropped before the watcher was registered.
	if !conn.IsConnected() {
		m.handleDisconnect(conn)
		return m.Err()
	}
	return nil
}

// handleDisconnect re-checks the link once; if it is really gone the
// session is torn down and the manager returns to idle with an error set.
func (m *Manager) handleDisconnect(conn Connection) {
	m.mu.Lock()
	current := m.conn == conn
	m.mu.Unlock()
	if !current {
		return
	}
	if conn.IsConnected() {
		slog.Debug("[BLE] disconnect event but link still up", "id", conn.ID())
		return
	}

	slog.Warn("[BLE] disconnected", "id", conn.ID())
	if !m.teardown(conn) {
		return
	}
	m.fail(fmt.Errorf("%w: link to %s lost", ErrConnection, conn.ID()))

	if m.opts.Reconnect && m.ctx.Err() == nil && m.reconnecting.CompareAndSwap(false, true) {
		go m.reconnectLoop()
	}
}

// teardown detaches the session and forgets conn. It reports false if conn
// was already torn down.
func (m *Manager) teardown(conn Connection) bool {
	m.mu.Lock()
	if m.conn != conn || conn == nil {
		m.mu.Unlock()
		return false
	}
	cancelWatch := m.cancelDisconnect
	m.conn = nil
	m.cancelDisconnect = nil
	m.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}
	m.session.Detach()
	return true
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.setState(StateIdle)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	cb := m.opts.OnStateChange
	m.mu.Unlock()

	slog.Debug("[BLE] state", "state", s.String())
	if cb != nil {
		cb(s)
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// reconnectLoop re-runs the connection sequence with exponential backoff.
// Protocol mismatches are not retried.
func (m *Manager) reconnectLoop() {
	defer m.reconnecting.Store(false)

	for attempt := 0; attempt < m.opts.ReconnectAttempts; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, m.opts.ReconnectMax)
			slog.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if m.ctx.Err() != nil {
			return
		}

		err := m.Connect(m.ctx)
		if err == nil {
			slog.Info("[BLE] reconnected")
			return
		}
		if errors.Is(err, ErrProtocolMismatch) {
			return
		}
		slog.Warn("[BLE] reconnect failed", "error", err, "attempt", attempt+1)
	}
	slog.Error("[BLE] giving up reconnect", "attempts", m.opts.ReconnectAttempts)
}

// Close stops reconnection, detaches the session and disconnects.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		m.setState(StateIdle)
		return nil
	}
	m.teardown(conn)
	m.setState(StateIdle)
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}
