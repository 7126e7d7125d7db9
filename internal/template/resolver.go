package template

import (
	"context"
	"errors"
	"regexp"

	"github.com/nexabot/wagate/internal/domain"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no active template exists for the key.
var ErrNotFound = errors.New("template: no active template for key")

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Resolver looks up active message templates by (tenant, event) key.
type Resolver struct {
	db *gorm.DB
}

func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns the body of the active template for the tenant and event
// key. When more than one active record exists the lowest id wins.
func (r *Resolver) Resolve(ctx context.Context, tenantID, eventKey string) (string, error) {
	var tpl domain.MessageTemplate
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND event_key = ? AND active = ?", tenantID, eventKey, true).
		Order("id ASC").
		First(&tpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return tpl.Body, nil
}

// Render replaces every {{identifier}} occurrence in body with the value
// from vars, or the empty string when the variable is absent. Braces that
// do not wrap a plain identifier are left untouched. Render is pure and
// idempotent for bodies whose variable values contain no placeholders.
func Render(body string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		name := m[2 : len(m)-2]
		return vars[name]
	})
}
