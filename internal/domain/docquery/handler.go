package docquery

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/docquery/internal/platform/apperr"
	"github.com/ehr/docquery/internal/platform/auth"
)

// Handler exposes the progress operations to the retrieval and conversion
// pipelines and to operators. All routes are internal.
type Handler struct {
	svc      *Service
	sweeper  *Sweeper
	notifier CompletionNotifier
}

func NewHandler(svc *Service, sweeper *Sweeper, notifier CompletionNotifier) *Handler {
	return &Handler{svc: svc, sweeper: sweeper, notifier: notifier}
}

func (h *Handler) RegisterRoutes(internal *echo.Group) {
	g := internal.Group("", auth.RequireRole(auth.RoleInternal))
	g.GET("/patients/:id/docquery", h.GetProgress)
	g.POST("/patients/:id/docquery/init", h.InitDocumentQuery)
	g.POST("/patients/:id/docquery/progress", h.AppendProgress)
	g.POST("/patients/:id/docquery/conversion", h.RecordConversion)
	g.POST("/patients/:id/consolidated", h.InitConsolidatedQuery)
	g.POST("/patients/:id/consolidated/:requestId/complete", h.CompleteConsolidatedQuery)
	g.POST("/docquery/sweep", h.Sweep)
}

// ProgressView is what the internal API returns for a patient. Demographics
// are left out.
type ProgressView struct {
	PatientID             uuid.UUID              `json:"patientId"`
	CxID                  uuid.UUID              `json:"cxId"`
	DocumentQueryProgress *DocumentQueryProgress `json:"documentQueryProgress,omitempty"`
	ExternalData          ExternalData           `json:"externalData,omitempty"`
	ConsolidatedQueries   []ConsolidatedQuery    `json:"consolidatedQueries,omitempty"`
	UpdatedAt             time.Time              `json:"updatedAt"`
	CompletedStages       []ProgressType         `json:"completedStages,omitempty"`
}

func newProgressView(p *Patient, completed []ProgressType) ProgressView {
	return ProgressView{
		PatientID:             p.ID,
		CxID:                  p.CxID,
		DocumentQueryProgress: p.DocumentQueryProgress,
		ExternalData:          p.ExternalData,
		ConsolidatedQueries:   p.ConsolidatedQueries,
		UpdatedAt:             p.UpdatedAt,
		CompletedStages:       completed,
	}
}

func patientRef(c echo.Context) (PatientRef, error) {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return PatientRef{}, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	cxID, err := uuid.Parse(c.QueryParam("cxId"))
	if err != nil {
		return PatientRef{}, echo.NewHTTPError(http.StatusBadRequest, "cxId query parameter is required")
	}
	return PatientRef{CxID: cxID, PatientID: patientID}, nil
}

func parseSource(raw string) (*HieSource, error) {
	if raw == "" {
		return nil, nil
	}
	src, err := ParseHieSource(raw)
	if err != nil {
		return nil, apperr.Validation("source", "%v", err)
	}
	return &src, nil
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(req); err != nil {
			return apperr.ToHTTPError(err)
		}
	}
	return nil
}

// notify hands every completion to the notifier. The request does not wait
// for delivery; the returned count is what was queued.
func (h *Handler) notify(c echo.Context, p *Patient, completed []ProgressType, documents []json.RawMessage) int {
	if h.notifier == nil {
		return 0
	}
	events := NewCompletionEvents(p, completed, documents)
	for _, evt := range events {
		h.notifier.NotifyCompletion(c.Request().Context(), evt)
	}
	return len(events)
}

func (h *Handler) GetProgress(c echo.Context) error {
	ref, err := patientRef(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetProgress(c.Request().Context(), ref)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, newProgressView(p, nil))
}

type initRequest struct {
	RequestID           string     `json:"requestId" validate:"required"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	TriggerConsolidated *bool      `json:"triggerConsolidated,omitempty"`
}

func (h *Handler) InitDocumentQuery(c echo.Context) error {
	ref, err := patientRef(c)
	if err != nil {
		return err
	}
	var req initRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	params := InitParams{RequestID: req.RequestID, TriggerConsolidated: req.TriggerConsolidated}
	if req.StartedAt != nil {
		params.StartedAt = *req.StartedAt
	}
	p, err := h.svc.InitDocumentQuery(c.Request().Context(), ref, params)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, newProgressView(p, nil))
}

type progressRequest struct {
	Download                  StageUpdate       `json:"download"`
	Convert                   StageUpdate       `json:"convert"`
	ConvertibleDownloadErrors int               `json:"convertibleDownloadErrors" validate:"min=0"`
	Reset                     bool              `json:"reset"`
	Source                    string            `json:"source" validate:"omitempty,oneof=COMMONWELL CAREQUALITY"`
	Documents                 []json.RawMessage `json:"documents,omitempty"`
}

// AppendProgress applies a pipeline's progress report. A JSON null for a
// stage clears it; leaving the stage out keeps it.
func (h *Handler) AppendProgress(c echo.Context) error {
	ref, err := patientRef(c)
	if err != nil {
		return err
	}
	var req progressRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	src, err := parseSource(req.Source)
	if err != nil {
		return apperr.ToHTTPError(err)
	}

	res, err := h.svc.AppendProgress(c.Request().Context(), ref, AppendParams{
		Delta: Delta{
			Download:                  req.Download,
			Convert:                   req.Convert,
			ConvertibleDownloadErrors: req.ConvertibleDownloadErrors,
			Reset:                     req.Reset,
		},
		Source: src,
	})
	if err != nil {
		return apperr.ToHTTPError(err)
	}

	h.notify(c, res.Patient, res.Completed, req.Documents)
	return c.JSON(http.StatusOK, newProgressView(res.Patient, res.Completed))
}

type conversionRequest struct {
	Result ConversionResult `json:"result" validate:"required,oneof=success failed"`
	Count  int              `json:"count" validate:"omitempty,gt=0"`
	Source string           `json:"source" validate:"omitempty,oneof=COMMONWELL CAREQUALITY"`
}

// RecordConversion is the converter's per-document callback.
func (h *Handler) RecordConversion(c echo.Context) error {
	ref, err := patientRef(c)
	if err != nil {
		return err
	}
	var req conversionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if req.Count == 0 {
		req.Count = 1
	}
	src, err := parseSource(req.Source)
	if err != nil {
		return apperr.ToHTTPError(err)
	}

	res, err := h.svc.RecordConversionResult(c.Request().Context(), ref, src, req.Result, req.Count)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	h.notify(c, res.Patient, res.Completed, nil)
	return c.JSON(http.StatusOK, newProgressView(res.Patient, res.Completed))
}

type consolidatedRequest struct {
	RequestID      string   `json:"requestId" validate:"required"`
	Resources      []string `json:"resources,omitempty"`
	ConversionType string   `json:"conversionType,omitempty" validate:"omitempty,oneof=json pdf html"`
	DateFrom       string   `json:"dateFrom,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DateTo         string   `json:"dateTo,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) InitConsolidatedQuery(c echo.Context) error {
	ref, err := patientRef(c)
	if err != nil {
		return err
	}
	var req consolidatedRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	q, _, err := h.svc.InitConsolidatedQuery(c.Request().Context(), ref, ConsolidatedQuery{
		RequestID:      req.RequestID,
		Resources:      req.Resources,
		ConversionType: req.ConversionType,
		DateFrom:       req.DateFrom,
		DateTo:         req.DateTo,
	})
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	status := http.StatusCreated
	if q.RequestID != req.RequestID {
		status = http.StatusOK
	}
	return c.JSON(status, q)
}

type completeConsolidatedRequest struct {
	Status ProgressStatus `json:"status" validate:"required,oneof=completed failed"`
}

func (h *Handler) CompleteConsolidatedQuery(c echo.Context) error {
	ref, err := patientRef(c)
	if err != nil {
		return err
	}
	var req completeConsolidatedRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.CompleteConsolidatedQuery(c.Request().Context(), ref, c.Param("requestId"), req.Status)
	if err != nil {
		return apperr.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, newProgressView(p, nil))
}

type sweepRequest struct {
	PatientIDs []uuid.UUID `json:"patientIds,omitempty"`
}

type sweepResponse struct {
	Completed    int            `json:"completed"`
	Abandoned    int            `json:"abandoned"`
	Skipped      int            `json:"skipped"`
	Failed       []sweepFailure `json:"failed,omitempty"`
	Notified     int            `json:"notified"`
	NotifyFailed int            `json:"notifyFailed"`
	Truncated    bool           `json:"truncated,omitempty"`
}

type sweepFailure struct {
	PatientID uuid.UUID `json:"patientId"`
	Error     string    `json:"error"`
}

// Sweep runs the stale-job sweep now, optionally for some patients only.
func (h *Handler) Sweep(c echo.Context) error {
	var req sweepRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	report, err := h.sweeper.Sweep(c.Request().Context(), req.PatientIDs)
	if err != nil {
		return apperr.ToHTTPError(err)
	}

	resp := sweepResponse{
		Completed:    len(report.Completed),
		Abandoned:    len(report.Abandoned),
		Skipped:      report.Skipped,
		Notified:     report.Notified,
		NotifyFailed: report.NotifyFailed,
		Truncated:    report.Truncated,
	}
	for _, f := range report.Failed {
		resp.Failed = append(resp.Failed, sweepFailure{PatientID: f.Ref.PatientID, Error: f.Error})
	}
	return c.JSON(http.StatusOK, resp)
}
