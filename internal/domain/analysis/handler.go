package analysis

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/riskwatch/internal/domain/risk"
	"github.com/ehr/riskwatch/internal/platform/fhir"
	"github.com/ehr/riskwatch/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/classify", h.Classify)
	api.POST("/analyses", h.CreateAnalysis)
	api.GET("/analyses/pending", h.ListPending)
	api.GET("/analyses/pending/:id", h.GetPending)
	api.POST("/analyses/:id/deliver", h.Deliver)
	api.POST("/analyses/:id/escalate", h.Escalate)
	api.POST("/vitals", h.UploadVitals)
	api.POST("/instructions", h.SendInstruction)
}

// AnalysisResponse carries an analysis and, when delivery failed, the
// delivery error as an OperationOutcome.
type AnalysisResponse struct {
	Analysis      *Analysis              `json:"analysis"`
	DeliveryError *fhir.OperationOutcome `json:"delivery_error,omitempty"`
}

func (h *Handler) Classify(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return outcome(c, http.StatusBadRequest, fhir.ErrorOutcome("invalid request body"))
	}
	req.Source = SourceHTTP
	res, err := h.svc.Classify(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CreateAnalysis(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return outcome(c, http.StatusBadRequest, fhir.ErrorOutcome("invalid request body"))
	}
	req.Source = SourceHTTP
	a, err := h.svc.Analyze(c.Request().Context(), req)
	if a == nil {
		return errorResponse(c, err)
	}
	if err != nil {
		return c.JSON(http.StatusAccepted, AnalysisResponse{Analysis: a, DeliveryError: deliveryOutcome(err)})
	}
	return c.JSON(http.StatusCreated, AnalysisResponse{Analysis: a})
}

func (h *Handler) ListPending(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPending(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPending(c echo.Context) error {
	a, err := h.svc.GetAnalysis(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Deliver(c echo.Context) error {
	a, err := h.svc.Redeliver(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, a.Receipt)
}

func (h *Handler) Escalate(c echo.Context) error {
	res, err := h.svc.Escalate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) UploadVitals(c echo.Context) error {
	var req UploadRequest
	if err := c.Bind(&req); err != nil {
		return outcome(c, http.StatusBadRequest, fhir.ErrorOutcome("invalid request body"))
	}
	res, err := h.svc.UploadVitals(c.Request().Context(), req)
	if err != nil {
		// vitals stored but the follow-up analysis could not be delivered
		if res != nil && res.Analysis != nil {
			return c.JSON(http.StatusAccepted, res)
		}
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) SendInstruction(c echo.Context) error {
	var req InstructionRequest
	if err := c.Bind(&req); err != nil {
		return outcome(c, http.StatusBadRequest, fhir.ErrorOutcome("invalid request body"))
	}
	res, err := h.svc.SendInstruction(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func outcome(c echo.Context, status int, o *fhir.OperationOutcome) error {
	return c.JSON(status, o)
}

// errorResponse maps service errors to status codes with an
// OperationOutcome body.
func errorResponse(c echo.Context, err error) error {
	var dataErr *risk.DataError
	if errors.As(err, &dataErr) {
		return outcome(c, http.StatusUnprocessableEntity, fhir.ValidationOutcome(dataErr.Field, dataErr.Error()))
	}
	if de, ok := fhir.AsDeliveryError(err); ok {
		return outcome(c, http.StatusBadGateway, deliveryOutcome(de))
	}
	switch {
	case errors.Is(err, risk.ErrPatientRequired):
		return outcome(c, http.StatusBadRequest, fhir.RequiredFieldOutcome("patient_id"))
	case errors.Is(err, ErrInvalidRequest):
		return outcome(c, http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	case errors.Is(err, ErrNotFound):
		return outcome(c, http.StatusNotFound, fhir.NotFoundOutcome("Analysis", c.Param("id")))
	case errors.Is(err, ErrNotEscalatable), errors.Is(err, ErrNotDelivered):
		return outcome(c, http.StatusConflict, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeBusinessRule, err.Error()))
	}
	c.Logger().Error(err)
	return outcome(c, http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error"))
}

// deliveryOutcome prefers the store's own OperationOutcome when it reports
// an error.
func deliveryOutcome(err error) *fhir.OperationOutcome {
	de, ok := fhir.AsDeliveryError(err)
	if !ok {
		return fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTransient, err.Error())
	}
	if de.Outcome != nil && de.Outcome.HasErrors() {
		return de.Outcome
	}
	return fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTransient, de.Error())
}
