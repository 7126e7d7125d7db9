package session

import (
	"context"
	"strings"
)

// Session status values. Errors never surface as a terminal status; they
// resolve to disconnected or trigger a new connecting entry.
const (
	StatusConnecting   = "connecting"
	StatusAwaitingScan = "awaiting_scan"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Recipient identifier suffixes on the messaging network.
const (
	UserSuffix      = "@s.whatsapp.net"
	GroupSuffix     = "@g.us"
	BroadcastSuffix = "@broadcast"
)

// Event is the union of lifecycle events a Transport delivers. Events for
// one connection are delivered synchronously through the registered
// handler, in emission order.
type Event interface {
	isEvent()
}

// PairingEvent carries a pairing challenge to be scanned by the tenant.
type PairingEvent struct {
	Code string
}

// OpenedEvent signals a successfully established, authenticated session.
type OpenedEvent struct{}

// ClosedEvent signals the connection is gone. LoggedOut marks a terminal
// close (remote logout); anything else is recoverable.
type ClosedEvent struct {
	LoggedOut bool
	Err       error
}

// CredentialEvent signals rotated key material. The handler must durably
// persist the update before returning; the transport treats handler return
// as the acknowledgement.
type CredentialEvent struct {
	Category string
	ID       string
	Value    []byte
}

// MessageEvent is an inbound message.
type MessageEvent struct {
	// Sender is the identifier replies are addressed to.
	Sender string
	// Chat is the conversation identifier the message arrived on; group
	// and broadcast chats are recognized by their suffix.
	Chat     string
	FromSelf bool
	Content  Content
}

func (PairingEvent) isEvent()    {}
func (OpenedEvent) isEvent()     {}
func (ClosedEvent) isEvent()     {}
func (CredentialEvent) isEvent() {}
func (MessageEvent) isEvent()    {}

// Content is the tagged union of known inbound message shapes.
type Content struct {
	Conversation string
	ExtendedText string
	// Ephemeral wraps content delivered in a self-destruct envelope.
	Ephemeral *Content
}

// Text returns the best-available plain text of the content, or the empty
// string when none of the known shapes carries text. Shapes are tried in
// order; the first non-empty result wins.
func (c Content) Text() string {
	if t := strings.TrimSpace(c.Conversation); t != "" {
		return t
	}
	if t := strings.TrimSpace(c.ExtendedText); t != "" {
		return t
	}
	if c.Ephemeral != nil {
		return c.Ephemeral.Text()
	}
	return ""
}

// EventHandler receives transport events. Handlers must not panic; the
// manager recovers inbound pipeline errors itself.
type EventHandler func(Event)

// Transport is one live connection to the messaging network. It is opaque
// to the lifecycle manager beyond this contract.
type Transport interface {
	// SetHandler registers the event handler. Must be called before Connect.
	SetHandler(EventHandler)
	// Connect opens the connection; the transport enforces its own
	// connect timeout.
	Connect(ctx context.Context) error
	// Logout terminates the remote pairing. Best-effort on disconnect.
	Logout(ctx context.Context) error
	// Disconnect tears the local connection down without logging out.
	Disconnect()
	// Send delivers a text message to the given identifier.
	Send(ctx context.Context, to string, text string) error
	// Phone returns the linked account identifier once the session opened.
	Phone() string
}

// Dialer constructs transports. The credential bundle is loaded into the
// connection so an encrypted session resumes without re-pairing.
type Dialer interface {
	Dial(ctx context.Context, tenantID string, creds *CredentialBundle) (Transport, error)
}
