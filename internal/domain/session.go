package domain

import "time"

// BotSession persists the last known state of a tenant's WhatsApp session.
// The in-memory registry is authoritative at runtime; this row is an
// eventually consistent mirror written on every state transition.
type BotSession struct {
	ID              int64      `json:"id,string" gorm:"primaryKey"`
	TenantID        string     `json:"tenant_id" gorm:"uniqueIndex"`
	Status          string     `json:"status"`
	QrData          string     `json:"qr_data"`
	PhoneNumber     string     `json:"phone_number"`
	LastConnectedAt *time.Time `json:"last_connected_at"`
	LastSeenAt      *time.Time `json:"last_seen_at"`
	LastError       string     `json:"last_error"`
	// AuthState holds the serialized credential bundle (JSON, binary
	// fields base64-encoded).
	AuthState string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (BotSession) TableName() string {
	return "bot_session"
}
