package botapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/nexabot/wagate/internal/session"
	"github.com/nexabot/wagate/internal/template"
)

// SessionController is the slice of the session manager the API needs.
type SessionController interface {
	EnsureSession(ctx context.Context, tenantID string) (session.SessionInfo, error)
	GetSessionInfo(ctx context.Context, tenantID string) session.SessionInfo
	Disconnect(ctx context.Context, tenantID string)
	SendText(ctx context.Context, tenantID, to, text string) error
	Statuses() map[string]int
}

// TemplateSource resolves template bodies for outbound sends.
type TemplateSource interface {
	Resolve(ctx context.Context, tenantID, eventKey string) (string, error)
}

// Handler wires the session endpoints onto an echo router.
type Handler struct {
	sessions  SessionController
	templates TemplateSource
}

func NewHandler(sessions SessionController, templates TemplateSource) *Handler {
	return &Handler{sessions: sessions, templates: templates}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.getHealth)
	g := e.Group("/sessions")
	g.GET("/:tenantId", h.getSession)
	g.POST("/:tenantId/connect", h.postConnect)
	g.POST("/:tenantId/disconnect", h.postDisconnect)
	g.POST("/:tenantId/send-template", h.postSendTemplate)
}

func (h *Handler) getHealth(c echo.Context) error {
	statuses := h.sessions.Statuses()
	total := 0
	for _, n := range statuses {
		total += n
	}
	return ok(c, map[string]interface{}{
		"sessions": total,
		"statuses": statuses,
	})
}

func (h *Handler) getSession(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if tenantID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenantId is required", nil)
	}
	return ok(c, h.sessions.GetSessionInfo(c.Request().Context(), tenantID))
}

func (h *Handler) postConnect(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if tenantID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenantId is required", nil)
	}
	info, err := h.sessions.EnsureSession(c.Request().Context(), tenantID)
	if err != nil {
		zap.L().Error("botapi: connect failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "CONNECT_FAILED", "Unable to start session", err.Error())
	}
	return ok(c, info)
}

// postDisconnect always reports success: after it runs the tenant is
// disconnected no matter what the remote teardown said.
func (h *Handler) postDisconnect(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if tenantID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenantId is required", nil)
	}
	h.sessions.Disconnect(c.Request().Context(), tenantID)
	return ok(c, map[string]interface{}{
		"tenant_id": tenantID,
		"status":    session.StatusDisconnected,
	})
}

type sendTemplatePayload struct {
	Event     string            `json:"event"`
	Phone     string            `json:"phone"`
	Variables map[string]string `json:"variables"`
}

func (h *Handler) postSendTemplate(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if tenantID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenantId is required", nil)
	}

	var payload sendTemplatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.Event == "" || payload.Phone == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "event and phone are required", nil)
	}

	ctx := c.Request().Context()
	body, err := h.templates.Resolve(ctx, tenantID, payload.Event)
	if errors.Is(err, template.ErrNotFound) {
		return fail(c, http.StatusNotFound, "TEMPLATE_NOT_FOUND", "No active template for event", payload.Event)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to resolve template", err.Error())
	}
	text := template.Render(body, payload.Variables)

	to := NormalizePhone(payload.Phone)
	if to == "" {
		return fail(c, http.StatusBadRequest, "INVALID_PHONE", "phone has no digits", payload.Phone)
	}

	if h.sessions.GetSessionInfo(ctx, tenantID).Status != session.StatusConnected {
		// One implicit connect attempt; resumable credentials make this
		// succeed without operator action.
		if _, err := h.sessions.EnsureSession(ctx, tenantID); err != nil {
			zap.L().Warn("botapi: implicit connect failed",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}

	if err := h.sessions.SendText(ctx, tenantID, to, text); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			return fail(c, http.StatusBadRequest, "NOT_CONNECTED", "Tenant session is not connected", nil)
		}
		zap.L().Error("botapi: template send failed",
			zap.String("tenant_id", tenantID), zap.String("to", to), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "SEND_FAILED", "Failed to send message", err.Error())
	}

	return ok(c, map[string]interface{}{
		"tenant_id": tenantID,
		"to":        to,
		"event":     payload.Event,
	})
}

// NormalizePhone strips everything but digits and appends the user JID
// suffix. Inputs already carrying a JID suffix pass through unchanged.
func NormalizePhone(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	var digits strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return digits.String() + session.UserSuffix
}
