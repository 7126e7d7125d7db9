package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by SendText when the tenant has no open
// session.
var ErrNotConnected = fmt.Errorf("session: tenant not connected")

// Responder decides the reply for an inbound message. An empty reply
// means stay silent.
type Responder interface {
	Decide(ctx context.Context, tenantID, text string) (string, error)
}

// SessionInfo is the caller-visible view of a tenant session.
type SessionInfo struct {
	TenantID        string     `json:"tenant_id"`
	Status          string     `json:"status"`
	Challenge       string     `json:"qr,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
}

// tenantSession is one registry entry. All fields are guarded by the
// manager mutex; generation ties events to the connection that emitted
// them so a superseded connection cannot clobber its replacement.
type tenantSession struct {
	tenantID        string
	generation      string
	transport       Transport
	creds           *CredentialBundle
	status          string
	challenge       string
	phone           string
	lastConnectedAt time.Time
}

func (s *tenantSession) info() SessionInfo {
	info := SessionInfo{
		TenantID:  s.tenantID,
		Status:    s.status,
		Challenge: s.challenge,
		Phone:     s.phone,
	}
	if !s.lastConnectedAt.IsZero() {
		t := s.lastConnectedAt
		info.LastConnectedAt = &t
	}
	return info
}

// Manager owns the in-memory session registry: at most one live entry per
// tenant, created and destroyed here and nowhere else. The persisted store
// is an eventually consistent mirror written on every transition.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*tenantSession

	dialer    Dialer
	store     Store
	responder Responder
}

func NewManager(dialer Dialer, store Store, responder Responder) *Manager {
	return &Manager{
		sessions:  make(map[string]*tenantSession),
		dialer:    dialer,
		store:     store,
		responder: responder,
	}
}

// EnsureSession returns the existing live session for the tenant or
// creates one. The registry slot is reserved under the lock before the
// transport is constructed, so two near-simultaneous calls can never
// open two connections for one tenant.
func (m *Manager) EnsureSession(ctx context.Context, tenantID string) (SessionInfo, error) {
	m.mu.Lock()
	if s, ok := m.sessions[tenantID]; ok {
		info := s.info()
		m.mu.Unlock()
		return info, nil
	}
	s := &tenantSession{
		tenantID:   tenantID,
		generation: uuid.NewString(),
		status:     StatusConnecting,
	}
	m.sessions[tenantID] = s
	m.mu.Unlock()

	// Mirror the connecting status before the transport can emit anything,
	// so a pairing event persisted by the handler is never overwritten by
	// this write.
	m.persistState(ctx, tenantID, State{Status: StatusConnecting})

	creds, err := m.store.LoadCredentials(ctx, tenantID)
	if err != nil {
		zap.L().Warn("session: credential load failed, starting fresh",
			zap.String("tenant_id", tenantID), zap.Error(err))
		creds = NewCredentialBundle()
	}

	gen := s.generation
	transport, err := m.dialer.Dial(ctx, tenantID, creds)
	if err != nil {
		m.removeSession(tenantID, gen)
		m.persistState(ctx, tenantID, State{Status: StatusDisconnected, LastError: err.Error()})
		return SessionInfo{}, fmt.Errorf("session: dial transport for %s: %w", tenantID, err)
	}
	transport.SetHandler(func(ev Event) {
		m.handleEvent(tenantID, gen, ev)
	})

	// A Disconnect racing the dial removes the placeholder; the fresh
	// transport must then be torn down, never registered, or a live
	// unmanaged connection survives next to the tenant's replacement.
	m.mu.Lock()
	if cur, ok := m.sessions[tenantID]; !ok || cur.generation != gen {
		m.mu.Unlock()
		transport.Disconnect()
		zap.L().Info("session: superseded while dialing", zap.String("tenant_id", tenantID))
		return SessionInfo{TenantID: tenantID, Status: StatusDisconnected}, nil
	}
	s.transport = transport
	s.creds = creds
	m.mu.Unlock()

	if err := transport.Connect(ctx); err != nil {
		transport.Disconnect()
		m.removeSession(tenantID, gen)
		m.persistState(ctx, tenantID, State{Status: StatusDisconnected, LastError: err.Error()})
		return SessionInfo{}, fmt.Errorf("session: connect %s: %w", tenantID, err)
	}

	m.mu.Lock()
	if cur, ok := m.sessions[tenantID]; !ok || cur.generation != gen {
		m.mu.Unlock()
		transport.Disconnect()
		zap.L().Info("session: superseded while connecting", zap.String("tenant_id", tenantID))
		return SessionInfo{TenantID: tenantID, Status: StatusDisconnected}, nil
	}
	info := s.info()
	m.mu.Unlock()

	zap.L().Info("session: connection started", zap.String("tenant_id", tenantID))
	return info, nil
}

// GetSessionInfo returns in-memory state if present, otherwise the last
// persisted state. It never creates a connection.
func (m *Manager) GetSessionInfo(ctx context.Context, tenantID string) SessionInfo {
	m.mu.Lock()
	if s, ok := m.sessions[tenantID]; ok {
		info := s.info()
		m.mu.Unlock()
		return info
	}
	m.mu.Unlock()

	st, err := m.store.LoadState(ctx, tenantID)
	if err != nil {
		zap.L().Warn("session: persisted state lookup failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
	if st == nil {
		return SessionInfo{TenantID: tenantID, Status: StatusDisconnected}
	}
	return SessionInfo{
		TenantID:        tenantID,
		Status:          st.Status,
		Challenge:       st.QrData,
		Phone:           st.Phone,
		LastConnectedAt: st.LastConnectedAt,
	}
}

// Disconnect logs the tenant out and removes the registry entry. Logout
// failures are swallowed; the disconnected status and the credential wipe
// are always persisted.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) {
	m.mu.Lock()
	var transport Transport
	if s, ok := m.sessions[tenantID]; ok {
		transport = s.transport
		delete(m.sessions, tenantID)
	}
	m.mu.Unlock()

	if transport != nil {
		if err := transport.Logout(ctx); err != nil {
			zap.L().Warn("session: logout failed during disconnect",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
		transport.Disconnect()
	}

	m.persistState(ctx, tenantID, State{Status: StatusDisconnected})
	if err := m.store.ClearCredentials(ctx, tenantID); err != nil {
		zap.L().Warn("session: credential wipe failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
	zap.L().Info("session: disconnected", zap.String("tenant_id", tenantID))
}

// SendText delivers a text message through the tenant's open session.
func (m *Manager) SendText(ctx context.Context, tenantID, to, text string) error {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	var transport Transport
	if ok && s.status == StatusConnected {
		transport = s.transport
	}
	m.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}
	return transport.Send(ctx, to, text)
}

// Statuses returns the count of live sessions per status.
func (m *Manager) Statuses() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.sessions))
	for _, s := range m.sessions {
		out[s.status]++
	}
	return out
}

// LiveTenants lists tenants with a registry entry, for heartbeat jobs.
func (m *Manager) LiveTenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ReconnectPersisted re-establishes sessions that were connected before
// the last shutdown.
func (m *Manager) ReconnectPersisted(ctx context.Context) {
	ids, err := m.store.ConnectedTenants(ctx)
	if err != nil {
		zap.L().Warn("session: persisted session scan failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if _, err := m.EnsureSession(ctx, id); err != nil {
			zap.L().Warn("session: startup reconnect failed",
				zap.String("tenant_id", id), zap.Error(err))
		}
	}
}

// Shutdown tears down all live connections without logging out, so the
// sessions resume on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	transports := make([]Transport, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.transport != nil {
			transports = append(transports, s.transport)
		}
	}
	m.sessions = make(map[string]*tenantSession)
	m.mu.Unlock()
	for _, t := range transports {
		t.Disconnect()
	}
}

// handleEvent runs on the transport's delivery goroutine; per-tenant
// ordering is the transport's emission order. Events from a superseded
// generation are dropped.
func (m *Manager) handleEvent(tenantID, gen string, ev Event) {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	if !ok || s.generation != gen {
		m.mu.Unlock()
		return
	}

	ctx := context.Background()
	switch e := ev.(type) {
	case PairingEvent:
		s.status = StatusAwaitingScan
		s.challenge = e.Code
		m.mu.Unlock()
		m.persistState(ctx, tenantID, State{Status: StatusAwaitingScan, QrData: e.Code})
		zap.L().Info("session: pairing challenge received", zap.String("tenant_id", tenantID))

	case OpenedEvent:
		s.status = StatusConnected
		s.challenge = ""
		s.phone = s.transport.Phone()
		s.lastConnectedAt = time.Now()
		st := State{Status: StatusConnected, Phone: s.phone, LastConnectedAt: &s.lastConnectedAt}
		m.mu.Unlock()
		m.persistState(ctx, tenantID, st)
		zap.L().Info("session: connected",
			zap.String("tenant_id", tenantID), zap.String("phone", st.Phone))

	case CredentialEvent:
		s.creds.SetKey(e.Category, e.ID, e.Value)
		snapshot := s.creds.Snapshot()
		m.mu.Unlock()
		// Must be durable before the handler returns: the transport
		// treats handler return as the acknowledgement, and traffic that
		// depends on the rotated keys follows it.
		if err := m.store.SaveCredentials(ctx, tenantID, snapshot); err != nil {
			zap.L().Error("session: credential persist failed",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}

	case ClosedEvent:
		transport := s.transport
		delete(m.sessions, tenantID)
		m.mu.Unlock()
		if e.LoggedOut {
			m.persistState(ctx, tenantID, State{Status: StatusDisconnected})
			if err := m.store.ClearCredentials(ctx, tenantID); err != nil {
				zap.L().Warn("session: credential wipe failed",
					zap.String("tenant_id", tenantID), zap.Error(err))
			}
			zap.L().Info("session: logged out", zap.String("tenant_id", tenantID))
			return
		}
		// Recoverable close: reconnect immediately, no backoff. A
		// persistently failing transport retries at whatever rate the
		// connect timeout allows; the churn stays invisible to callers.
		zap.L().Warn("session: connection closed, reconnecting",
			zap.String("tenant_id", tenantID), zap.Error(e.Err))
		if transport != nil {
			// The stale client must be fully torn down before a new one
			// dials against the same device row.
			transport.Disconnect()
		}
		go func() {
			if _, err := m.EnsureSession(context.Background(), tenantID); err != nil {
				zap.L().Warn("session: reconnect failed",
					zap.String("tenant_id", tenantID), zap.Error(err))
			}
		}()

	case MessageEvent:
		transport := s.transport
		m.mu.Unlock()
		m.handleInbound(ctx, tenantID, transport, e)

	default:
		m.mu.Unlock()
	}
}

// handleInbound runs the reply pipeline for one message. Every failure is
// logged and dropped; nothing here may take the listening loop down.
func (m *Manager) handleInbound(ctx context.Context, tenantID string, transport Transport, ev MessageEvent) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("session: inbound handler panic",
				zap.String("tenant_id", tenantID), zap.Any("panic", r))
		}
	}()

	if ev.FromSelf {
		return
	}
	if strings.HasSuffix(ev.Chat, GroupSuffix) || strings.HasSuffix(ev.Chat, BroadcastSuffix) {
		return
	}
	text := ev.Content.Text()
	if text == "" {
		return
	}

	reply, err := m.responder.Decide(ctx, tenantID, text)
	if err != nil {
		zap.L().Warn("session: reply decision failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	if reply == "" {
		return
	}
	if err := transport.Send(ctx, ev.Sender, reply); err != nil {
		zap.L().Warn("session: reply send failed",
			zap.String("tenant_id", tenantID), zap.String("to", ev.Sender), zap.Error(err))
	}
}

func (m *Manager) removeSession(tenantID, gen string) {
	m.mu.Lock()
	if s, ok := m.sessions[tenantID]; ok && s.generation == gen {
		delete(m.sessions, tenantID)
	}
	m.mu.Unlock()
}

// persistState writes the mirror row; failures are logged, never
// propagated into the in-memory transition that triggered them.
func (m *Manager) persistState(ctx context.Context, tenantID string, st State) {
	if err := m.store.SaveState(ctx, tenantID, st); err != nil {
		zap.L().Warn("session: state persist failed",
			zap.String("tenant_id", tenantID), zap.String("status", st.Status), zap.Error(err))
	}
}
