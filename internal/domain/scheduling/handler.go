package scheduling

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medcenter/clinicflow/internal/platform/auth"
	"github.com/medcenter/clinicflow/internal/platform/predictor"
	"github.com/medcenter/clinicflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: every clinic role
	readGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleReceptionist))
	readGroup.GET("/appointments", h.ListAppointments)
	readGroup.GET("/appointments/:id", h.GetAppointment)
	readGroup.GET("/queues/:department", h.GetQueue)
	readGroup.GET("/interactions/queue", h.GetQueueView)
	readGroup.GET("/interactions/:id", h.GetInteraction)
	readGroup.POST("/estimates", h.PreviewEstimate)

	// Front desk
	deskGroup := api.Group("", auth.RequireRole(auth.RoleReceptionist, auth.RoleNurse))
	deskGroup.POST("/appointments", h.CreateAppointment)
	deskGroup.POST("/appointments/:id/check-in", h.CheckIn)
	deskGroup.POST("/appointments/:id/cancel", h.Cancel)
	deskGroup.POST("/appointments/:id/no-show", h.MarkNoShow)
	deskGroup.POST("/interactions/:id/checkout", h.Checkout)

	// Clinical staff
	clinicalGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	clinicalGroup.POST("/appointments/:id/start", h.Start)
	clinicalGroup.POST("/appointments/:id/complete", h.Complete)
	clinicalGroup.POST("/appointments/:id/priority", h.Reprioritize)
	clinicalGroup.POST("/interactions/:id/vitals/start", h.StartVitals)
	clinicalGroup.POST("/interactions/:id/vitals/end", h.EndVitals)
	clinicalGroup.POST("/interactions/:id/consult/start", h.StartConsult)
	clinicalGroup.POST("/interactions/:id/consult/end", h.EndConsult)

	// Analytics
	analyticsGroup := api.Group("/analytics", auth.RequireRole(auth.RolePhysician))
	analyticsGroup.GET("/prediction-accuracy", h.PredictionAccuracy)
	analyticsGroup.GET("/training-data", h.TrainingData)
}

// httpError maps domain errors onto status codes. Conflicts carry enough
// detail for the client to refresh its view.
func httpError(err error) error {
	var (
		nf *NotFoundError
		it *InvalidTransitionError
		sc *SlotConflictError
		po *PhaseOutOfOrderError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &nf):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"error":   "validation",
			"field":   ve.Field,
			"message": ve.Message,
		})
	case errors.As(err, &it):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"error":          "invalid_transition",
			"message":        err.Error(),
			"current_status": string(it.Current),
			"operation":      string(it.Operation),
		})
	case errors.As(err, &sc):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"error":          "slot_conflict",
			"message":        err.Error(),
			"conflicting_id": sc.ConflictingID.String(),
		})
	case errors.As(err, &po):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"error":   "phase_out_of_order",
			"message": err.Error(),
			"phase":   string(po.Phase),
			"reason":  po.Reason,
		})
	case errors.Is(err, ErrStorageUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable, retry later")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func windowDays(c echo.Context) (int, error) {
	raw := c.QueryParam("window_days")
	if raw == "" {
		return 30, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "window_days must be a positive integer")
	}
	return n, nil
}

// -- Appointment Handlers --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req CreateAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.CreateAppointment(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetAppointmentDetail(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := AppointmentFilter{
		Department: Department(strings.ToUpper(c.QueryParam("department"))),
		Status:     Status(strings.ToUpper(c.QueryParam("status"))),
		Priority:   Priority(strings.ToUpper(c.QueryParam("priority"))),
		PatientID:  c.QueryParam("patient_id"),
	}
	if raw := c.QueryParam("date"); raw != "" {
		d, err := ParseDate(raw)
		if err != nil {
			return httpError(err)
		}
		f.Date = &d
	}

	items, total, err := h.svc.SearchAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, c.QueryParams(), total)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CheckIn(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.CheckIn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Start(c echo.Context) error {
	return h.transition(c, h.svc.Start)
}

func (h *Handler) Complete(c echo.Context) error {
	return h.transition(c, h.svc.Complete)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.transition(c, h.svc.MarkNoShow)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	a, err := h.svc.Cancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type priorityRequest struct {
	Priority Priority `json:"priority"`
}

func (h *Handler) Reprioritize(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req priorityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.Reprioritize(c.Request().Context(), id, Priority(strings.ToUpper(string(req.Priority))))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) transition(c echo.Context, fn func(context.Context, uuid.UUID) (*Appointment, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := fn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Queue Handlers --

func (h *Handler) GetQueue(c echo.Context) error {
	dept := Department(strings.ToUpper(c.Param("department")))
	date := h.svc.Today()
	if raw := c.QueryParam("date"); raw != "" {
		d, err := ParseDate(raw)
		if err != nil {
			return httpError(err)
		}
		date = d
	}
	snap, err := h.svc.CurrentQueue(c.Request().Context(), dept, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) GetQueueView(c echo.Context) error {
	items, err := h.svc.CurrentQueueView(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Interaction{}
	}
	return c.JSON(http.StatusOK, items)
}

// -- Interaction Handlers --

func (h *Handler) GetInteraction(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	i, err := h.svc.GetInteraction(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, i)
}

func (h *Handler) StartVitals(c echo.Context) error  { return h.phase(c, PhaseStartVitals) }
func (h *Handler) EndVitals(c echo.Context) error    { return h.phase(c, PhaseEndVitals) }
func (h *Handler) StartConsult(c echo.Context) error { return h.phase(c, PhaseStartConsult) }
func (h *Handler) EndConsult(c echo.Context) error   { return h.phase(c, PhaseEndConsult) }
func (h *Handler) Checkout(c echo.Context) error     { return h.phase(c, PhaseCheckout) }

func (h *Handler) phase(c echo.Context, p Phase) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.recordPhase(c.Request().Context(), id, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Analytics Handlers --

func (h *Handler) PredictionAccuracy(c echo.Context) error {
	days, err := windowDays(c)
	if err != nil {
		return err
	}
	report, err := h.svc.PredictionAccuracy(c.Request().Context(), days)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) TrainingData(c echo.Context) error {
	days, err := windowDays(c)
	if err != nil {
		return err
	}
	samples, err := h.svc.TrainingSamples(c.Request().Context(), days)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": samples, "count": len(samples)})
}

func (h *Handler) PreviewEstimate(c echo.Context) error {
	var f predictor.Features
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	f.Department = strings.ToUpper(f.Department)
	f.Priority = strings.ToUpper(f.Priority)
	est, err := h.svc.PreviewEstimate(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, est)
}
