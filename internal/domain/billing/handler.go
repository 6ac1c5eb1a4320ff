package billing

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:id/billable-events", h.GetBillableEvents)
	api.GET("/patients/:id/bills", h.ListPatientBills)

	api.POST("/bills", h.ComposeBill)
	api.GET("/bills/:id", h.GetBill)
	api.POST("/bills/:id/payments", h.RecordPayment)
	api.GET("/bills/:id/payments", h.ListPayments)

	api.GET("/insurance/:patientId", h.ListEnrollments)
	api.POST("/insurance-policies", h.CreatePolicy)
	api.POST("/insurance-policies/:provider/enrollments", h.Enroll)
}

// httpError maps a service error onto an HTTP status.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStorageFailure):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) GetBillableEvents(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	events, err := h.svc.FindBillableEvents(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, events)
}

func (h *Handler) ListPatientBills(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	bills, total, err := h.svc.ListBillsByPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(bills, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) ComposeBill(c echo.Context) error {
	var req ComposeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	bill, err := h.svc.ComposeBill(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, bill)
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	detail, err := h.svc.GetBill(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req PaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.RecordPayment(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	payments, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, payments)
}

func (h *Handler) ListEnrollments(c echo.Context) error {
	id, err := parseID(c, "patientId")
	if err != nil {
		return err
	}
	views, err := h.svc.ListEnrollments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) CreatePolicy(c echo.Context) error {
	var p InsurancePolicy
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.CreatePolicy(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Enroll(c echo.Context) error {
	provider, err := url.PathUnescape(c.Param("provider"))
	if err != nil || provider == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid provider")
	}
	var e Enrollment
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.Enroll(c.Request().Context(), provider, &e); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}
