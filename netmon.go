package driftsync

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// NetworkMonitor reports connectivity to the remote. Connectivity restoration
// is one of the triggers for draining the queue and syncing.
type NetworkMonitor interface {
	// IsConnected reports current connectivity.
	IsConnected() bool

	// OnChange registers a callback invoked whenever connectivity flips.
	OnChange(fn func(online bool))
}

// StaticMonitor is a manually driven NetworkMonitor for tests and for hosts
// that already know their connectivity state.
type StaticMonitor struct {
	mu        sync.Mutex
	online    bool
	callbacks []func(bool)
}

// NewStaticMonitor creates a monitor with the given initial state.
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{online: online}
}

var _ NetworkMonitor = (*StaticMonitor)(nil)

func (m *StaticMonitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *StaticMonitor) OnChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// SetOnline flips the state and notifies callbacks on change.
func (m *StaticMonitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	callbacks := append([]func(bool){}, m.callbacks...)
	m.mu.Unlock()

	if changed {
		for _, fn := range callbacks {
			fn(online)
		}
	}
}

// WebSocketMonitor detects connectivity by keeping a websocket heartbeat open
// against the sync endpoint: pings on an interval, pong deadline enforcement,
// and reconnection with the same backoff policy the queue uses. A broken or
// unreachable socket means offline.
type WebSocketMonitor struct {
	url          string
	pingInterval time.Duration
	pongTimeout  time.Duration
	policy       *RetryPolicy

	mu        sync.Mutex
	online    bool
	callbacks []func(bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocketMonitor creates a heartbeat monitor from config. Call Start to
// begin probing.
func NewWebSocketMonitor(cfg MonitorConfig, policy *RetryPolicy) *WebSocketMonitor {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketMonitor{
		url:          cfg.HeartbeatURL,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		policy:       policy,
		ctx:          ctx,
		cancel:       cancel,
	}
}

var _ NetworkMonitor = (*WebSocketMonitor)(nil)

func (m *WebSocketMonitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *WebSocketMonitor) OnChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Start launches the heartbeat loop.
func (m *WebSocketMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the heartbeat loop.
func (m *WebSocketMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *WebSocketMonitor) run() {
	defer m.wg.Done()

	attempt := 0
	for {
		if m.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(m.ctx, m.url, nil)
		if err != nil {
			m.setOnline(false)
			delay := m.policy.Delay(attempt)
			attempt++
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		m.setOnline(true)
		m.heartbeat(conn)
		conn.Close()
		m.setOnline(false)
	}
}

// heartbeat pings until the connection breaks or the monitor stops.
func (m *WebSocketMonitor) heartbeat(conn *websocket.Conn) {
	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	// Reader goroutine: pong handlers only fire while a read is in flight.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.pongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
			select {
			case <-pong:
			case <-done:
				return
			case <-m.ctx.Done():
				return
			case <-time.After(m.pongTimeout):
				return
			}
		}
	}
}

func (m *WebSocketMonitor) setOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	callbacks := append([]func(bool){}, m.callbacks...)
	m.mu.Unlock()

	if changed {
		for _, fn := range callbacks {
			fn(online)
		}
	}
}
