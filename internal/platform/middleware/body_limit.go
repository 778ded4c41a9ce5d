package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit returns middleware that limits the maximum request body size.
// defaultLimit applies to most endpoints while uploadLimit applies to
// POST requests below uploadPrefix, where whole files travel in the body.
//
// defaultLimit is a human-readable string: "1M" for 1 megabyte, "512K",
// "1G". A bare number is treated as bytes. A non-positive uploadLimit
// falls back to defaultLimit.
//
// When the limit is exceeded, the middleware answers 413 with the same
// code/message shape the import envelope uses for its issues.
func BodyLimit(defaultLimit string, uploadPrefix string, uploadLimit int64) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	if uploadLimit <= 0 {
		uploadLimit = defaultBytes
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Body == nil || c.Request().Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if isUpload(c.Request(), uploadPrefix) {
				limit = uploadLimit
			}

			// Content-Length allows early rejection
			if c.Request().ContentLength > limit {
				return payloadTooLargeError(c, limit)
			}

			// Missing or wrong Content-Length is caught while reading.
			c.Request().Body = &limitedReadCloser{
				ReadCloser: c.Request().Body,
				remaining:  limit,
			}

			return next(c)
		}
	}
}

func isUpload(req *http.Request, prefix string) bool {
	if prefix == "" || req.Method != http.MethodPost {
		return false
	}
	return strings.HasPrefix(req.URL.Path, prefix)
}

// limitedReadCloser wraps an io.ReadCloser and returns an error once the
// read limit is exceeded.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	// read one byte past the limit to detect overflow
	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	return n, err
}

func payloadTooLargeError(c echo.Context, limit int64) error {
	return writeIssue(c, http.StatusRequestEntityTooLarge, issue{
		Code:     CodeFileTooLarge,
		Message:  fmt.Sprintf("Request body exceeds maximum allowed size of %d bytes", limit),
		Severity: "error",
	})
}

// parseLimit parses a human-readable size string (e.g. "1M", "512K", "10G")
// into the number of bytes. Unparseable input yields 1 MB.
func parseLimit(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 << 20
	}

	s = strings.ToUpper(s)
	var multiplier int64 = 1

	if strings.HasSuffix(s, "G") || strings.HasSuffix(s, "GB") {
		multiplier = 1 << 30
		s = strings.TrimRight(s, "GB")
	} else if strings.HasSuffix(s, "M") || strings.HasSuffix(s, "MB") {
		multiplier = 1 << 20
		s = strings.TrimRight(s, "MB")
	} else if strings.HasSuffix(s, "K") || strings.HasSuffix(s, "KB") {
		multiplier = 1 << 10
		s = strings.TrimRight(s, "KB")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 1 << 20
	}

	return n * multiplier
}
