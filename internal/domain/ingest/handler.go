package ingest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Handler exposes the dispatcher over HTTP.
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates a new import handler.
func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes registers import endpoints on the API group.
//
//	POST /api/v1/imports          - import a file
//	POST /api/v1/imports/analyze  - pre-flight checks without parsing
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/imports", h.Import)
	api.POST("/imports/analyze", h.Analyze)
}

// importRequest is the JSON request body. Multipart uploads carry the same
// data as a "file" part plus optional "options" and "limit" fields.
type importRequest struct {
	Filename string  `json:"filename"`
	Content  string  `json:"content"`
	Options  Options `json:"options"`
}

// Import handles POST /api/v1/imports. Failed imports answer 422 with the
// envelope.
func (h *Handler) Import(c echo.Context) error {
	req, err := readImportRequest(c)
	if err != nil {
		return err
	}
	res := h.dispatcher.ImportFile(c.Request().Context(), req.Content, req.Filename, req.Options)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, res)
}

// Analyze handles POST /api/v1/imports/analyze.
func (h *Handler) Analyze(c echo.Context) error {
	req, err := readImportRequest(c)
	if err != nil {
		return err
	}
	a := h.dispatcher.AnalyzeFile(req.Content, req.Filename, req.Options)
	status := http.StatusOK
	if !a.Valid {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, a)
}

func readImportRequest(c echo.Context) (*importRequest, error) {
	req := &importRequest{}
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "file part is required")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to open uploaded file")
		}
		defer f.Close()
		body, err := io.ReadAll(f)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read uploaded file")
		}
		req.Filename = fh.Filename
		req.Content = string(body)
		if raw := c.FormValue("options"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Options); err != nil {
				return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid options: "+err.Error())
			}
		}
	} else {
		if err := json.NewDecoder(c.Request().Body).Decode(req); err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body: "+err.Error())
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		req.Options.Limit = n
	}
	return req, nil
}
