package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexabot/wagate/internal/domain"
	"github.com/nexabot/wagate/internal/template"
)

// PricingEventKey is the template key consulted when an inbound message
// asks about prices.
const PricingEventKey = "pricing_pitch"

// pricingKeywords trigger the canned pitch; matching is done on the
// lowercased message so casing never matters.
var pricingKeywords = []string{"precio", "costo", "cuanto vale", "planes", "tarifa"}

// TemplateSource resolves a template body for a tenant and event key.
type TemplateSource interface {
	Resolve(ctx context.Context, tenantID, eventKey string) (string, error)
}

// Completer produces a free-form completion from a system prompt and a
// user message.
type Completer interface {
	CompleteWithSystem(ctx context.Context, system, user string) (string, error)
}

// Profile is the business identity fed into the generated persona.
type Profile struct {
	Name        string
	Category    string
	Description string
}

// ProfileSource loads the tenant's business profile.
type ProfileSource interface {
	Profile(ctx context.Context, tenantID string) (Profile, error)
}

// GormProfileSource reads profiles from the tenant table, degrading to a
// generic profile when the row is missing.
type GormProfileSource struct {
	db *gorm.DB
}

func NewGormProfileSource(db *gorm.DB) *GormProfileSource {
	return &GormProfileSource{db: db}
}

func (s *GormProfileSource) Profile(ctx context.Context, tenantID string) (Profile, error) {
	var t domain.Tenant
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return defaultProfile(), nil
	}
	if err != nil {
		return Profile{}, err
	}
	p := Profile{Name: t.Name, Category: t.Category, Description: t.Description}
	if p.Name == "" {
		p.Name = defaultProfile().Name
	}
	if p.Category == "" {
		p.Category = defaultProfile().Category
	}
	return p, nil
}

func defaultProfile() Profile {
	return Profile{Name: "el negocio", Category: "general"}
}

// Engine picks the outbound reply for an inbound message: a matching
// template wins outright, otherwise the generated assistant answers, and
// when neither works the engine stays silent.
type Engine struct {
	templates TemplateSource
	profiles  ProfileSource
	completer Completer
	maxRunes  int
}

func NewEngine(templates TemplateSource, profiles ProfileSource, completer Completer, maxRunes int) *Engine {
	if maxRunes <= 0 {
		maxRunes = 600
	}
	return &Engine{
		templates: templates,
		profiles:  profiles,
		completer: completer,
		maxRunes:  maxRunes,
	}
}

// Decide returns the reply text for the message, or "" to stay silent.
// It never returns an error for a completion failure; silence is the
// failure mode for the whole pipeline.
func (e *Engine) Decide(ctx context.Context, tenantID, text string) (string, error) {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return "", nil
	}

	if containsAny(lowered, pricingKeywords) {
		body, err := e.templates.Resolve(ctx, tenantID, PricingEventKey)
		if err == nil {
			return strings.TrimSpace(template.Render(body, nil)), nil
		}
		if !errors.Is(err, template.ErrNotFound) {
			zap.L().Warn("reply: template lookup failed",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
		// fall through to the generated path
	}

	if e.completer == nil {
		return "", nil
	}

	profile, err := e.profiles.Profile(ctx, tenantID)
	if err != nil {
		zap.L().Warn("reply: profile load failed, using generic profile",
			zap.String("tenant_id", tenantID), zap.Error(err))
		profile = defaultProfile()
	}

	answer, err := e.completer.CompleteWithSystem(ctx, systemPrompt(profile), text)
	if err != nil {
		zap.L().Warn("reply: completion failed, staying silent",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return "", nil
	}
	return capRunes(strings.TrimSpace(answer), e.maxRunes), nil
}

func systemPrompt(p Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Eres el asistente virtual de %s, un negocio del rubro %s.\n", p.Name, p.Category)
	if p.Description != "" {
		fmt.Fprintf(&b, "Sobre el negocio: %s\n", p.Description)
	}
	b.WriteString("Responde en el idioma del cliente, de forma breve y cordial.\n")
	b.WriteString("Solo contesta preguntas relacionadas con el negocio y sus servicios.\n")
	b.WriteString("Cuando el cliente muestre interes, invitalo a agendar una cita o reservar.\n")
	b.WriteString("Si no sabes la respuesta o la consulta requiere atencion personal, indica que un encargado respondera pronto.")
	return b.String()
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func capRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max]))
}
