package webhook

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/docquery/internal/platform/apperr"
	"github.com/ehr/docquery/internal/platform/auth"
	"github.com/ehr/docquery/pkg/pagination"
)

// Handler exposes webhook settings to customers and ledger maintenance to
// internal callers.
type Handler struct {
	settings *SettingsService
	retrier  *Retrier
	requests RequestRepository
	// runAsync runs customer-triggered retries after the response is sent.
	runAsync func(func())
}

func NewHandler(settings *SettingsService, retrier *Retrier, requests RequestRepository) *Handler {
	return &Handler{
		settings: settings,
		retrier:  retrier,
		requests: requests,
		runAsync: func(f func()) { go f() },
	}
}

// RegisterRoutes binds the customer routes to api and the internal routes to
// internal.
func (h *Handler) RegisterRoutes(api, internal *echo.Group) {
	cx := api.Group("/settings", auth.RequireCustomer())
	cx.GET("", h.GetSettings)
	cx.POST("", h.UpdateSettings)
	cx.GET("/webhook", h.GetWebhookStatus)
	cx.POST("/webhook/retry", h.RetryWebhookRequests)
	cx.GET("/webhook/requests", h.ListWebhookRequests)

	in := internal.Group("/webhook", auth.RequireRole(auth.RoleInternal))
	in.POST("/retry", h.InternalRetry)
	in.GET("/count", h.InternalCount)
}

func customerID(c echo.Context) (uuid.UUID, error) {
	cxID, err := auth.CxIDFromContext(c.Request().Context())
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return cxID, nil
}

func queryCxID(c echo.Context) (uuid.UUID, error) {
	cxID, err := uuid.Parse(c.QueryParam("cxId"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "cxId query parameter is required")
	}
	return cxID, nil
}

// settingsView leaves out timestamps and health, which have their own route.
type settingsView struct {
	ID         uuid.UUID `json:"id"`
	WebhookURL *string   `json:"webhookUrl"`
	WebhookKey *string   `json:"webhookKey"`
}

func newSettingsView(s *Settings) settingsView {
	return settingsView{ID: s.ID, WebhookURL: s.WebhookURL, WebhookKey: s.WebhookKey}
}

func (h *Handler) GetSettings(c echo.Context) error {
	cxID, err := customerID(c)
	if err != nil {
		return err
	}
	s, err := h.settings.Get(c.Request().Context(), cxID)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, newSettingsView(s))
}

type updateSettingsRequest struct {
	WebhookURL *string `json:"webhookUrl" validate:"omitempty,max=2048"`
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	cxID, err := customerID(c)
	if err != nil {
		return err
	}
	var req updateSettingsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return apperr.ToHTTPError(err)
		}
	}
	webhookURL := ""
	if req.WebhookURL != nil {
		webhookURL = *req.WebhookURL
	}
	s, err := h.settings.Update(c.Request().Context(), cxID, webhookURL)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, newSettingsView(s))
}

func (h *Handler) GetWebhookStatus(c echo.Context) error {
	cxID, err := customerID(c)
	if err != nil {
		return err
	}
	status, err := h.settings.Status(c.Request().Context(), cxID)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// RetryWebhookRequests starts a retry pass and returns before it finishes.
func (h *Handler) RetryWebhookRequests(c echo.Context) error {
	cxID, err := customerID(c)
	if err != nil {
		return err
	}
	ctx := context.WithoutCancel(c.Request().Context())
	h.runAsync(func() {
		_, _ = h.retrier.RetryFailed(ctx, cxID)
	})
	return c.JSON(http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (h *Handler) ListWebhookRequests(c echo.Context) error {
	cxID, err := customerID(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	items, total, err := h.settings.ListRequests(c.Request().Context(), cxID, p.Limit, p.Offset)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	if items == nil {
		items = []*Request{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

// InternalRetry runs a retry pass for one customer and waits for it.
func (h *Handler) InternalRetry(c echo.Context) error {
	cxID, err := queryCxID(c)
	if err != nil {
		return err
	}
	report, err := h.retrier.RetryFailed(c.Request().Context(), cxID)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) InternalCount(c echo.Context) error {
	cxID, err := queryCxID(c)
	if err != nil {
		return err
	}
	counts, err := h.requests.CountOpen(c.Request().Context(), cxID)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, counts)
}
