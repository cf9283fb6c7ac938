package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes webhook subscription management.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/test", h.Test)
	g.GET("/:id/deliveries", h.Deliveries)
	g.POST("/:id/pause", h.Pause)
	g.POST("/:id/resume", h.Resume)
}

type createRequest struct {
	URL         string   `json:"url"`
	Secret      string   `json:"secret"`
	Description string   `json:"description"`
	Events      []string `json:"events"`
}

func httpError(err error) error {
	if errors.Is(err, ErrEndpointNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Create returns the endpoint including its secret; later reads omit it.
func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.manager.Register(req.URL, req.Secret, req.Description, req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func redact(ep *Endpoint) *Endpoint {
	ep.Secret = ""
	return ep
}

func (h *Handler) List(c echo.Context) error {
	eps := h.manager.List()
	for _, ep := range eps {
		redact(ep)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": eps, "total": len(eps)})
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.manager.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, redact(ep))
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.manager.Delete(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Test(c echo.Context) error {
	attempt, err := h.manager.Ping(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, attempt)
}

func (h *Handler) Deliveries(c echo.Context) error {
	log, err := h.manager.Deliveries(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": log, "total": len(log)})
}

func (h *Handler) Pause(c echo.Context) error {
	if err := h.manager.Pause(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": StatusPaused})
}

func (h *Handler) Resume(c echo.Context) error {
	if err := h.manager.Resume(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": StatusActive})
}
