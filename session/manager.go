package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryk-io/rsc-session/net/rpc"
	"go.bryk.io/pkg/errors"
)

// Dialer establishes the authenticated channel to one remote driver.
// onInactive is wired into the channel so the owning session observes a
// transport failure without the manager needing a second notification
// path; CreateSession supplies a closure over the not-yet-fully-built
// session, the same two-phase pattern package rpc uses for its dispatcher.
type Dialer func(ctx context.Context, addr string, cfg DriverConfig, onInactive func(error)) (*rpc.Channel, error)

// defaultDialer connects over plain TCP (or TLS, not wired here since the
// driver-launcher side that provisions certificates is out of scope)
// using the credentials and timeouts carried by DriverConfig.
func defaultDialer(ctx context.Context, addr string, cfg DriverConfig, onInactive func(error)) (*rpc.Channel, error) {
	opts := []rpc.Option{
		rpc.WithCredentials(cfg.ClientID, cfg.SharedSecret),
		rpc.WithOnInactive(onInactive),
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, rpc.WithConnectTimeout(cfg.ConnectTimeout))
	}
	if cfg.HandshakeTimeout > 0 {
		opts = append(opts, rpc.WithHandshakeTimeout(cfg.HandshakeTimeout))
	}
	if cfg.MaxMessageSize > 0 {
		opts = append(opts, rpc.WithMaxMessageSize(cfg.MaxMessageSize))
	}
	return rpc.Connect(ctx, addr, opts...)
}

// Manager owns every live Session and is the entry point a frontend
// (out of scope here) drives.
type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	nextID   atomic.Int64
	settings *managerSettings
}

// NewManager returns a Manager ready to create sessions.
func NewManager(opts ...ManagerOption) *Manager {
	settings := defaultManagerSettings()
	for _, opt := range opts {
		if err := opt(settings); err != nil {
			// Construction-time options never fail in practice (they only
			// assign fields); panicking here would be overkill, so the bad
			// option is simply dropped and the default stands.
			continue
		}
	}
	return &Manager{
		sessions: make(map[int64]*Session),
		settings: settings,
	}
}

// CreateSession dials and authenticates addr, registers a new Session in
// the Starting state, and returns it immediately: the readiness ping that
// drives Starting -> Idle (or Error -> Dead) runs on its own goroutine, as
// described by the control flow between the frontend, the session and the
// RPC client.
func (m *Manager) CreateSession(
	ctx context.Context,
	addr string,
	kind Kind,
	owner, proxyUser string,
	cfg DriverConfig,
) (*Session, error) {
	id := m.nextID.Add(1)
	now := time.Now()

	s := &Session{
		id:              id,
		owner:           owner,
		proxyUser:       proxyUser,
		kind:            kind,
		createdAt:       now,
		operations:      make(map[int64]*Operation),
		log:             m.settings.logger,
		limiter:         m.settings.statementLimiter,
		maxOperations:   m.settings.maxOperations,
		stopGracePeriod: 5 * time.Second,
	}
	s.lastActivity.Store(now)
	s.state = Starting
	s.stateView.Store(Starting)
	sessionsByState.WithLabelValues(string(Starting)).Inc()

	ch, err := m.settings.dialer(ctx, addr, cfg, s.onChannelInactive)
	if err != nil {
		sessionsByState.WithLabelValues(string(Starting)).Dec()
		return nil, errors.Wrap(err, "failed to connect to remote driver")
	}
	s.channel = ch

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go s.runReadinessCheck()
	return s, nil
}

// Session looks up a tracked session by id.
func (m *Manager) Session(id int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of every session currently tracked,
// regardless of state (callers filter on Info().State themselves).
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Forget drops a session from the manager's table. It does not stop the
// session; callers should Stop it first.
func (m *Manager) Forget(id int64) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
