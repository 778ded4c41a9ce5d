package concept

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes concept lookups over HTTP.
type Handler struct {
	lookup *Lookup
}

// NewHandler creates a new concept handler.
func NewHandler(lookup *Lookup) *Handler {
	return &Handler{lookup: lookup}
}

// RegisterRoutes registers concept routes on the API group.
//
//	GET /api/v1/concepts/:code - concept metadata plus rules
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/concepts/:code", h.GetConcept)
}

// GetConcept handles GET /api/v1/concepts/:code.
func (h *Handler) GetConcept(c echo.Context) error {
	code := c.Param("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "concept code is required")
	}
	entry, ok, err := h.lookup.Entry(c.Request().Context(), code)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "concept not found: "+code)
	}
	return c.JSON(http.StatusOK, entry)
}
