package domain

import "time"

// Tenant is a business account using the bot. The wa_* columns are a
// simplified mirror of the session state for quick dashboard reads; the
// bot_session row is the full record.
type Tenant struct {
	ID          int64     `json:"id,string" gorm:"primaryKey"`
	TenantID    string    `json:"tenant_id" gorm:"uniqueIndex"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	WaConnected bool      `json:"wa_connected"`
	WaPhone     string    `json:"wa_phone"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Tenant) TableName() string {
	return "tenant"
}
