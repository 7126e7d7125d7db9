package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/nexabot/wagate/internal/session"
)

const (
	credCategoryDevice = "device"
	credKeyJID         = "jid"
)

// Dialer creates WhatsApp transports backed by a shared sqlite device
// store. All tenants share one store file; the credential bundle carries
// the device JID that ties a tenant to its row in it.
type Dialer struct {
	container *sqlstore.Container
	debugQR   bool
}

// NewDialer opens (or creates) the device store under storePath.
func NewDialer(ctx context.Context, storePath string, debugQR bool) (*Dialer, error) {
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return nil, fmt.Errorf("transport: create store dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", storePath)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: open device store: %w", err)
	}
	return &Dialer{container: container, debugQR: debugQR}, nil
}

// Dial builds a transport for the tenant. A bundle carrying a known
// device JID resumes that device; otherwise a fresh device is created and
// pairing starts from scratch.
func (d *Dialer) Dial(ctx context.Context, tenantID string, creds *session.CredentialBundle) (session.Transport, error) {
	device, err := d.deviceFor(ctx, tenantID, creds)
	if err != nil {
		return nil, err
	}
	client := whatsmeow.NewClient(device, nil)
	// The session manager owns reconnection; a self-reconnecting client
	// would race the manager's fresh dial for the same device.
	client.EnableAutoReconnect = false
	return &waTransport{
		tenantID: tenantID,
		client:   client,
		debugQR:  d.debugQR,
	}, nil
}

func (d *Dialer) deviceFor(ctx context.Context, tenantID string, creds *session.CredentialBundle) (*store.Device, error) {
	raw, ok := creds.Key(credCategoryDevice, credKeyJID)
	if ok {
		jid, err := waTypes.ParseJID(string(raw))
		if err == nil {
			device, err := d.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, fmt.Errorf("transport: load device %s: %w", jid, err)
			}
			if device != nil {
				return device, nil
			}
		}
		zap.L().Warn("transport: stored device unusable, pairing fresh",
			zap.String("tenant_id", tenantID), zap.String("jid", string(raw)))
	}
	return d.container.NewDevice(), nil
}

// waTransport adapts one whatsmeow client to the session event model.
type waTransport struct {
	tenantID string
	client   *whatsmeow.Client
	debugQR  bool

	mu      sync.Mutex
	handler session.EventHandler
}

func (t *waTransport) SetHandler(h session.EventHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *waTransport) emit(ev session.Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (t *waTransport) Connect(ctx context.Context) error {
	t.client.AddEventHandler(t.dispatch)

	if t.client.Store.ID == nil {
		qrChan, err := t.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("transport: open qr channel: %w", err)
		}
		go t.pumpQR(qrChan)
	}

	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("transport: connect: %w", err)
	}
	return nil
}

// pumpQR forwards pairing codes until the channel closes. whatsmeow
// closes it on success, timeout and teardown alike.
func (t *waTransport) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if item.Event != "code" {
			continue
		}
		if t.debugQR {
			qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
		}
		t.emit(session.PairingEvent{Code: item.Code})
	}
}

// dispatch runs on whatsmeow's event goroutine; emitting inline keeps
// per-tenant delivery order intact.
func (t *waTransport) dispatch(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		t.emit(session.CredentialEvent{
			Category: credCategoryDevice,
			ID:       credKeyJID,
			Value:    []byte(e.ID.String()),
		})

	case *events.Connected:
		t.emit(session.OpenedEvent{})

	case *events.LoggedOut:
		t.emit(session.ClosedEvent{LoggedOut: true})

	case *events.StreamError:
		t.emit(session.ClosedEvent{Err: fmt.Errorf("transport: stream error: %s", e.Code)})

	case *events.Disconnected:
		t.emit(session.ClosedEvent{Err: fmt.Errorf("transport: connection dropped")})

	case *events.Message:
		if e.Message == nil {
			return
		}
		t.emit(session.MessageEvent{
			Sender:   e.Info.Sender.String(),
			Chat:     e.Info.Chat.String(),
			FromSelf: e.Info.IsFromMe,
			Content:  contentFrom(e.Message),
		})
	}
}

func contentFrom(msg *waE2E.Message) session.Content {
	c := session.Content{
		Conversation: msg.GetConversation(),
		ExtendedText: msg.GetExtendedTextMessage().GetText(),
	}
	if eph := msg.GetEphemeralMessage().GetMessage(); eph != nil {
		inner := contentFrom(eph)
		c.Ephemeral = &inner
	}
	return c
}

func (t *waTransport) Logout(ctx context.Context) error {
	if err := t.client.Logout(ctx); err != nil {
		return fmt.Errorf("transport: logout: %w", err)
	}
	return nil
}

func (t *waTransport) Disconnect() {
	t.client.Disconnect()
}

func (t *waTransport) Send(ctx context.Context, to, text string) error {
	jid, err := waTypes.ParseJID(to)
	if err != nil {
		return fmt.Errorf("transport: parse jid %q: %w", to, err)
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := t.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("transport: send to %s: %w", jid, err)
	}
	return nil
}

func (t *waTransport) Phone() string {
	if t.client.Store.ID == nil {
		return ""
	}
	return t.client.Store.ID.User
}
