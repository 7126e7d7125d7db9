package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexabot/wagate/internal/session"
)

type sentMessage struct {
	to   string
	text string
}

type fakeTransport struct {
	mu            sync.Mutex
	handler       session.EventHandler
	connectErr    error
	connectEvents []session.Event
	phone         string
	sent          []sentMessage
	loggedOut     bool
	disconnected  bool
}

func (t *fakeTransport) SetHandler(h session.EventHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	if t.connectErr != nil {
		return t.connectErr
	}
	for _, ev := range t.connectEvents {
		t.emit(ev)
	}
	return nil
}

func (t *fakeTransport) Logout(ctx context.Context) error {
	t.mu.Lock()
	t.loggedOut = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Disconnect() {
	t.mu.Lock()
	t.disconnected = true
	t.mu.Unlock()
}

func (t *fakeTransport) isDisconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnected
}

func (t *fakeTransport) Send(ctx context.Context, to, text string) error {
	t.mu.Lock()
	t.sent = append(t.sent, sentMessage{to: to, text: text})
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Phone() string { return t.phone }

func (t *fakeTransport) emit(ev session.Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (t *fakeTransport) sentMessages() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

type fakeDialer struct {
	mu            sync.Mutex
	dials         int
	transports    []*fakeTransport
	connectEvents []session.Event
	err           error
}

func (d *fakeDialer) Dial(ctx context.Context, tenantID string, creds *session.CredentialBundle) (session.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	t := &fakeTransport{phone: "18095551234", connectEvents: d.connectEvents}
	d.transports = append(d.transports, t)
	d.dials++
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

// blockingDialer parks Dial until released so a concurrent call can be
// interleaved mid-dial.
type blockingDialer struct {
	inner   fakeDialer
	entered chan struct{}
	release chan struct{}
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (d *blockingDialer) Dial(ctx context.Context, tenantID string, creds *session.CredentialBundle) (session.Transport, error) {
	d.entered <- struct{}{}
	<-d.release
	return d.inner.Dial(ctx, tenantID, creds)
}

type memStore struct {
	mu     sync.Mutex
	creds  map[string]*session.CredentialBundle
	states map[string]session.State
}

func newMemStore() *memStore {
	return &memStore{
		creds:  make(map[string]*session.CredentialBundle),
		states: make(map[string]session.State),
	}
}

func (s *memStore) LoadCredentials(ctx context.Context, tenantID string) (*session.CredentialBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.creds[tenantID]; ok {
		return b.Snapshot(), nil
	}
	return session.NewCredentialBundle(), nil
}

func (s *memStore) SaveCredentials(ctx context.Context, tenantID string, creds *session.CredentialBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[tenantID] = creds.Snapshot()
	return nil
}

func (s *memStore) ClearCredentials(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, tenantID)
	return nil
}

func (s *memStore) SaveState(ctx context.Context, tenantID string, st session.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[tenantID] = st
	return nil
}

func (s *memStore) LoadState(ctx context.Context, tenantID string) (*session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[tenantID]; ok {
		copied := st
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) Touch(ctx context.Context, tenantID string, at time.Time) error { return nil }

func (s *memStore) ConnectedTenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, st := range s.states {
		if st.Status == session.StatusConnected {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *memStore) state(tenantID string) session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[tenantID]
}

func (s *memStore) hasCreds(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.creds[tenantID]
	return ok && !b.Empty()
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []string
	reply string
	err   error
}

func (r *fakeResponder) Decide(ctx context.Context, tenantID, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, text)
	return r.reply, r.err
}

func (r *fakeResponder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestManager() (*session.Manager, *fakeDialer, *memStore, *fakeResponder) {
	dialer := &fakeDialer{}
	store := newMemStore()
	responder := &fakeResponder{}
	return session.NewManager(dialer, store, responder), dialer, store, responder
}

func TestEnsureSessionDeduplicates(t *testing.T) {
	m, dialer, _, _ := newTestManager()
	ctx := context.Background()

	info, err := m.EnsureSession(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, session.StatusConnecting, info.Status)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.EnsureSession(ctx, "t1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, dialer.dialCount())
}

func TestEnsureSessionDialFailure(t *testing.T) {
	m, dialer, store, _ := newTestManager()
	dialer.err = errors.New("no route")

	_, err := m.EnsureSession(context.Background(), "t1")
	require.Error(t, err)
	require.Equal(t, session.StatusDisconnected, store.state("t1").Status)
	require.Contains(t, store.state("t1").LastError, "no route")

	// the failed placeholder must not block a retry
	dialer.err = nil
	_, err = m.EnsureSession(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 1, dialer.dialCount())
}

func TestDisconnectDuringDialTearsDownTransport(t *testing.T) {
	dialer := newBlockingDialer()
	store := newMemStore()
	m := session.NewManager(dialer, store, &fakeResponder{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := m.EnsureSession(ctx, "t1")
		done <- err
	}()

	<-dialer.entered
	m.Disconnect(ctx, "t1")
	close(dialer.release)
	require.NoError(t, <-done)

	// the in-flight dial lost its slot; its transport must not stay live
	require.True(t, dialer.inner.transport(0).isDisconnected())
	require.Empty(t, m.LiveTenants())
	require.Equal(t, session.StatusDisconnected, store.state("t1").Status)

	// the next connect opens exactly one fresh connection
	_, err := m.EnsureSession(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 2, dialer.inner.dialCount())
	require.False(t, dialer.inner.transport(1).isDisconnected())
}

func TestPairingDuringConnectNotClobbered(t *testing.T) {
	m, dialer, store, _ := newTestManager()
	dialer.connectEvents = []session.Event{session.PairingEvent{Code: "2@qr-seed"}}

	info, err := m.EnsureSession(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, session.StatusAwaitingScan, info.Status)
	require.Equal(t, session.StatusAwaitingScan, store.state("t1").Status)
	require.Equal(t, "2@qr-seed", store.state("t1").QrData)
}

func TestPairingAndConnectFlow(t *testing.T) {
	m, dialer, store, _ := newTestManager()
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "t1")
	require.NoError(t, err)
	tr := dialer.transport(0)

	tr.emit(session.PairingEvent{Code: "2@abc123"})
	info := m.GetSessionInfo(ctx, "t1")
	require.Equal(t, session.StatusAwaitingScan, info.Status)
	require.Equal(t, "2@abc123", info.Challenge)
	require.Equal(t, session.StatusAwaitingScan, store.state("t1").Status)

	tr.emit(session.OpenedEvent{})
	info = m.GetSessionInfo(ctx, "t1")
	require.Equal(t, session.StatusConnected, info.Status)
	require.Empty(t, info.Challenge)
	require.Equal(t, "18095551234", info.Phone)
	require.NotNil(t, info.LastConnectedAt)
	require.Equal(t, session.StatusConnected, store.state("t1").Status)
}

func TestCredentialPersistedSynchronously(t *testing.T) {
	m, dialer, store, _ := newTestManager()

	_, err := m.EnsureSession(context.Background(), "t1")
	require.NoError(t, err)

	dialer.transport(0).emit(session.CredentialEvent{
		Category: "prekeys",
		ID:       "42",
		Value:    []byte("material"),
	})
	// synchronous dispatch: the write is durable once emit returns
	require.True(t, store.hasCreds("t1"))
}

func TestTransientCloseReconnects(t *testing.T) {
	m, dialer, _, _ := newTestManager()

	_, err := m.EnsureSession(context.Background(), "t1")
	require.NoError(t, err)

	dialer.transport(0).emit(session.ClosedEvent{Err: errors.New("stream error")})
	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// the stale connection is torn down before the replacement dials
	require.True(t, dialer.transport(0).isDisconnected())
	require.False(t, dialer.transport(1).isDisconnected())
}

func TestLogoutClearsCredentials(t *testing.T) {
	m, dialer, store, _ := newTestManager()
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "t1")
	require.NoError(t, err)
	tr := dialer.transport(0)

	tr.emit(session.CredentialEvent{Category: "device", ID: "jid", Value: []byte("x")})
	require.True(t, store.hasCreds("t1"))

	tr.emit(session.ClosedEvent{LoggedOut: true})
	require.Equal(t, session.StatusDisconnected, store.state("t1").Status)
	require.False(t, store.hasCreds("t1"))
	require.Equal(t, session.StatusDisconnected, m.GetSessionInfo(ctx, "t1").Status)

	// no reconnect after a remote logout
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, dialer.dialCount())
}

func TestDisconnectAlwaysCleansUp(t *testing.T) {
	m, dialer, store, _ := newTestManager()
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "t1")
	require.NoError(t, err)
	tr := dialer.transport(0)
	tr.emit(session.OpenedEvent{})

	m.Disconnect(ctx, "t1")
	require.True(t, tr.loggedOut)
	require.Equal(t, session.StatusDisconnected, store.state("t1").Status)
	require.False(t, store.hasCreds("t1"))

	// disconnecting an absent tenant is a no-op that still persists
	m.Disconnect(ctx, "ghost")
	require.Equal(t, session.StatusDisconnected, store.state("ghost").Status)
}

func TestSendTextRequiresConnection(t *testing.T) {
	m, dialer, _, _ := newTestManager()
	ctx := context.Background()

	err := m.SendText(ctx, "t1", "1@s.whatsapp.net", "hola")
	require.ErrorIs(t, err, session.ErrNotConnected)

	_, err = m.EnsureSession(ctx, "t1")
	require.NoError(t, err)
	// still connecting, not connected
	err = m.SendText(ctx, "t1", "1@s.whatsapp.net", "hola")
	require.ErrorIs(t, err, session.ErrNotConnected)

	tr := dialer.transport(0)
	tr.emit(session.OpenedEvent{})
	require.NoError(t, m.SendText(ctx, "t1", "1@s.whatsapp.net", "hola"))
	require.Equal(t, []sentMessage{{to: "1@s.whatsapp.net", text: "hola"}}, tr.sentMessages())
}

func TestInboundFiltering(t *testing.T) {
	m, dialer, _, responder := newTestManager()
	responder.reply = "claro que si"

	_, err := m.EnsureSession(context.Background(), "t1")
	require.NoError(t, err)
	tr := dialer.transport(0)
	tr.emit(session.OpenedEvent{})

	from := "18290000001" + session.UserSuffix
	msg := func(sender, chat string, fromSelf bool, text string) session.MessageEvent {
		return session.MessageEvent{
			Sender:   sender,
			Chat:     chat,
			FromSelf: fromSelf,
			Content:  session.Content{Conversation: text},
		}
	}

	tr.emit(msg(from, from, true, "self echo"))
	tr.emit(msg(from, "group"+session.GroupSuffix, false, "group chatter"))
	tr.emit(msg(from, "status"+session.BroadcastSuffix, false, "broadcast"))
	tr.emit(msg(from, from, false, ""))
	require.Equal(t, 0, responder.callCount())
	require.Empty(t, tr.sentMessages())

	tr.emit(msg(from, from, false, "hola, tienen citas?"))
	require.Equal(t, 1, responder.callCount())
	require.Equal(t, []sentMessage{{to: from, text: "claro que si"}}, tr.sentMessages())
}

func TestInboundSilenceOnEmptyReply(t *testing.T) {
	m, dialer, _, responder := newTestManager()
	responder.reply = ""

	_, err := m.EnsureSession(context.Background(), "t1")
	require.NoError(t, err)
	tr := dialer.transport(0)
	tr.emit(session.OpenedEvent{})

	from := "18290000001" + session.UserSuffix
	tr.emit(session.MessageEvent{
		Sender:  from,
		Chat:    from,
		Content: session.Content{Conversation: "algo raro"},
	})
	require.Equal(t, 1, responder.callCount())
	require.Empty(t, tr.sentMessages())
}

func TestEphemeralTextExtraction(t *testing.T) {
	m, dialer, _, responder := newTestManager()
	responder.reply = "ok"

	_, err := m.EnsureSession(context.Background(), "t1")
	require.NoError(t, err)
	tr := dialer.transport(0)
	tr.emit(session.OpenedEvent{})

	from := "18290000001" + session.UserSuffix
	tr.emit(session.MessageEvent{
		Sender: from,
		Chat:   from,
		Content: session.Content{
			Ephemeral: &session.Content{ExtendedText: "mensaje temporal"},
		},
	})
	require.Equal(t, 1, responder.callCount())
}

func TestReconnectPersisted(t *testing.T) {
	m, dialer, store, _ := newTestManager()
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, "t1", session.State{Status: session.StatusConnected}))
	require.NoError(t, store.SaveState(ctx, "t2", session.State{Status: session.StatusDisconnected}))

	m.ReconnectPersisted(ctx)
	require.Equal(t, 1, dialer.dialCount())
	require.Equal(t, session.StatusConnecting, m.GetSessionInfo(ctx, "t1").Status)
}

func TestStatusesAndLiveTenants(t *testing.T) {
	m, dialer, _, _ := newTestManager()
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "t1")
	require.NoError(t, err)
	_, err = m.EnsureSession(ctx, "t2")
	require.NoError(t, err)
	dialer.transport(0).emit(session.OpenedEvent{})

	statuses := m.Statuses()
	require.Equal(t, 1, statuses[session.StatusConnected])
	require.Equal(t, 1, statuses[session.StatusConnecting])
	require.ElementsMatch(t, []string{"t1", "t2"}, m.LiveTenants())
}
