package botapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/nexabot/wagate/internal/domain"
	"github.com/nexabot/wagate/internal/session"
)

// AdminHandler exposes management CRUD for tenants and message
// templates.
type AdminHandler struct {
	db *gorm.DB
}

func NewAdminHandler(db *gorm.DB) *AdminHandler {
	return &AdminHandler{db: db}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/tenants", h.listTenants)
	g.GET("/tenants/:id", h.getTenant)
	g.POST("/tenants", h.createTenant)
	g.PUT("/tenants/:id", h.updateTenant)
	g.DELETE("/tenants/:id", h.deleteTenant)
	g.GET("/templates", h.listTemplates)
	g.POST("/templates", h.createTemplate)
	g.PUT("/templates/:id", h.updateTemplate)
	g.DELETE("/templates/:id", h.deleteTemplate)
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

func parsePagination(c echo.Context) (int, int) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	return page, pageSize
}

func paged(c echo.Context, items interface{}, total int64, page, pageSize int) error {
	return ok(c, map[string]interface{}{
		"items":     items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (h *AdminHandler) listTenants(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := h.db.Model(&domain.Tenant{})
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		db = db.Where("LOWER(tenant_id) LIKE ? OR LOWER(name) LIKE ?", like, like)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query tenants", err.Error())
	}

	var tenants []domain.Tenant
	if err := db.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&tenants).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query tenants", err.Error())
	}

	return paged(c, tenants, total, page, pageSize)
}

func (h *AdminHandler) getTenant(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}

	var t domain.Tenant
	if err := h.db.Where("id = ?", id).First(&t).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "TENANT_NOT_FOUND", "Tenant not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query tenant", err.Error())
	}

	return ok(c, t)
}

type tenantPayload struct {
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

func (h *AdminHandler) createTenant(c echo.Context) error {
	var payload tenantPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse tenant parameters", nil)
	}

	payload.TenantID = strings.TrimSpace(payload.TenantID)
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.TenantID == "" || payload.Name == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "tenant_id and name are required", nil)
	}

	var exists int64
	h.db.Model(&domain.Tenant{}).Where("tenant_id = ?", payload.TenantID).Count(&exists)
	if exists > 0 {
		return fail(c, http.StatusConflict, "TENANT_EXISTS", "Tenant ID already exists", nil)
	}

	tenant := domain.Tenant{
		TenantID:    payload.TenantID,
		Name:        payload.Name,
		Category:    payload.Category,
		Description: payload.Description,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := h.db.Create(&tenant).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create tenant", err.Error())
	}

	return ok(c, tenant)
}

type tenantUpdatePayload struct {
	Name        *string `json:"name"`
	Category    *string `json:"category"`
	Description *string `json:"description"`
}

func (h *AdminHandler) updateTenant(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}

	var payload tenantUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse tenant parameters", nil)
	}

	var t domain.Tenant
	if err := h.db.Where("id = ?", id).First(&t).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "TENANT_NOT_FOUND", "Tenant not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query tenant", err.Error())
	}

	if payload.Name != nil {
		t.Name = strings.TrimSpace(*payload.Name)
	}
	if payload.Category != nil {
		t.Category = *payload.Category
	}
	if payload.Description != nil {
		t.Description = *payload.Description
	}
	t.UpdatedAt = time.Now()

	if err := h.db.Save(&t).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update tenant", err.Error())
	}

	return ok(c, t)
}

func (h *AdminHandler) deleteTenant(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid tenant ID", nil)
	}

	var t domain.Tenant
	if err := h.db.Where("id = ?", id).First(&t).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "TENANT_NOT_FOUND", "Tenant not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query tenant", err.Error())
	}

	// Tenants with a live pairing must be disconnected first
	var connected int64
	h.db.Model(&domain.BotSession{}).
		Where("tenant_id = ? AND status = ?", t.TenantID, session.StatusConnected).
		Count(&connected)
	if connected > 0 {
		return fail(c, http.StatusConflict, "TENANT_CONNECTED", "Tenant has a connected session and cannot be deleted", nil)
	}

	if err := h.db.Where("tenant_id = ?", t.TenantID).Delete(&domain.MessageTemplate{}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete tenant templates", err.Error())
	}
	if err := h.db.Where("tenant_id = ?", t.TenantID).Delete(&domain.BotSession{}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete tenant session", err.Error())
	}
	if err := h.db.Where("id = ?", id).Delete(&domain.Tenant{}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete tenant", err.Error())
	}

	return ok(c, map[string]interface{}{"deleted": true})
}

func (h *AdminHandler) listTemplates(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := h.db.Model(&domain.MessageTemplate{})
	if tenantID := strings.TrimSpace(c.QueryParam("tenant_id")); tenantID != "" {
		db = db.Where("tenant_id = ?", tenantID)
	}
	if event := strings.TrimSpace(c.QueryParam("event")); event != "" {
		db = db.Where("event_key = ?", event)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query templates", err.Error())
	}

	var templates []domain.MessageTemplate
	if err := db.Order("id ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&templates).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query templates", err.Error())
	}

	return paged(c, templates, total, page, pageSize)
}

type templatePayload struct {
	TenantID string `json:"tenant_id"`
	EventKey string `json:"event_key"`
	Body     string `json:"body"`
	Active   *bool  `json:"active"`
}

func (h *AdminHandler) createTemplate(c echo.Context) error {
	var payload templatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse template parameters", nil)
	}

	payload.TenantID = strings.TrimSpace(payload.TenantID)
	payload.EventKey = strings.TrimSpace(payload.EventKey)
	if payload.TenantID == "" || payload.EventKey == "" || payload.Body == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "tenant_id, event_key and body are required", nil)
	}

	var tenantCount int64
	h.db.Model(&domain.Tenant{}).Where("tenant_id = ?", payload.TenantID).Count(&tenantCount)
	if tenantCount == 0 {
		return fail(c, http.StatusNotFound, "TENANT_NOT_FOUND", "Tenant not found", nil)
	}

	active := true
	if payload.Active != nil {
		active = *payload.Active
	}
	tpl := domain.MessageTemplate{
		TenantID:  payload.TenantID,
		EventKey:  payload.EventKey,
		Body:      payload.Body,
		Active:    active,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := h.db.Create(&tpl).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create template", err.Error())
	}

	return ok(c, tpl)
}

type templateUpdatePayload struct {
	Body   *string `json:"body"`
	Active *bool   `json:"active"`
}

func (h *AdminHandler) updateTemplate(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid template ID", nil)
	}

	var payload templateUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse template parameters", nil)
	}

	var tpl domain.MessageTemplate
	if err := h.db.Where("id = ?", id).First(&tpl).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "Template not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query template", err.Error())
	}

	if payload.Body != nil {
		tpl.Body = *payload.Body
	}
	if payload.Active != nil {
		tpl.Active = *payload.Active
	}
	tpl.UpdatedAt = time.Now()

	if err := h.db.Save(&tpl).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update template", err.Error())
	}

	return ok(c, tpl)
}

func (h *AdminHandler) deleteTemplate(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid template ID", nil)
	}

	var tpl domain.MessageTemplate
	if err := h.db.Where("id = ?", id).First(&tpl).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "Template not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query template", err.Error())
	}

	if err := h.db.Where("id = ?", id).Delete(&domain.MessageTemplate{}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete template", err.Error())
	}

	return ok(c, map[string]interface{}{"deleted": true})
}
