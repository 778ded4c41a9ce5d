package validation

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the validator over HTTP.
type Handler struct {
	validator *Validator
}

// NewHandler creates a new validation handler.
func NewHandler(v *Validator) *Handler {
	return &Handler{validator: v}
}

// RegisterRoutes registers validation routes on the API group.
//
//	POST /api/v1/validate - validate one value
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/validate", h.Validate)
}

// validateRequest is the request body. Rules optionally overrides standard
// rules for this call only, keyed by data type.
type validateRequest struct {
	Request
	Rules map[DataType]map[string]interface{} `json:"rules,omitempty"`
}

// Validate handles POST /api/v1/validate. The response body is always a
// Result; its isValid flag carries the verdict.
func (h *Handler) Validate(c echo.Context) error {
	var body validateRequest
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body: "+err.Error())
	}

	cfg := h.validator.Config()
	for t, rules := range body.Rules {
		patch, err := ParsePatch(t, rules)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid rules: "+err.Error())
		}
		cfg = cfg.Merge(patch)
	}

	result := h.validator.ValidateWith(c.Request().Context(), cfg, body.Request)
	return c.JSON(http.StatusOK, result)
}
