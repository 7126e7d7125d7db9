package domain

import "time"

// MessageTemplate is an operator-authored canned response body with
// {{name}} placeholders, keyed by tenant and event.
type MessageTemplate struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	TenantID  string    `json:"tenant_id" gorm:"index:idx_template_key"`
	EventKey  string    `json:"event_key" gorm:"index:idx_template_key"`
	Body      string    `json:"body"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MessageTemplate) TableName() string {
	return "message_template"
}
