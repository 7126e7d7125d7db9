package app

import (
	"gorm.io/gorm"

	"github.com/nexabot/wagate/internal/domain"
)

const DemoTenantID = "demo"

// checkDefaults seeds the demo tenant and its starter templates so a
// fresh install can pair and answer immediately.
func (a *Application) checkDefaults() {
	a.checkDemoTenant()
	a.checkDemoTemplates()
}

func (a *Application) checkDemoTenant() {
	var tenant domain.Tenant
	err := a.gormDB.Where("tenant_id = ?", DemoTenantID).First(&tenant).Error
	if err == gorm.ErrRecordNotFound {
		a.gormDB.Create(&domain.Tenant{
			TenantID:    DemoTenantID,
			Name:        "Barberia Don Jose",
			Category:    "barberia",
			Description: "Cortes clasicos y modernos, lunes a sabado de 9am a 7pm.",
		})
	}
}

func (a *Application) checkDemoTemplates() {
	seeds := []domain.MessageTemplate{
		{
			TenantID: DemoTenantID,
			EventKey: "pricing_pitch",
			Body:     "Nuestros cortes van desde RD$350. Corte + barba RD$500. Escribenos para agendar tu cita!",
			Active:   true,
		},
		{
			TenantID: DemoTenantID,
			EventKey: "booking_confirmed",
			Body:     "Hola {{name}}! Tu cita quedo confirmada para el {{date}} a las {{time}}. Te esperamos.",
			Active:   true,
		},
	}
	for _, seed := range seeds {
		var count int64
		a.gormDB.Model(&domain.MessageTemplate{}).
			Where("tenant_id = ? AND event_key = ?", seed.TenantID, seed.EventKey).
			Count(&count)
		if count == 0 {
			a.gormDB.Create(&seed)
		}
	}
}
