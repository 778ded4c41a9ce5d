package middleware

import "github.com/labstack/echo/v4"

// Issue codes written by middleware. They share the shape of the import
// envelope's errors so clients handle transport and import failures alike.
const (
	CodeFileTooLarge  = "FILE_TOO_LARGE"
	CodeInternalError = "INTERNAL_ERROR"
)

type issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
	Severity string `json:"severity"`
}

type failure struct {
	Success bool    `json:"success"`
	Errors  []issue `json:"errors"`
}

func writeIssue(c echo.Context, status int, i issue) error {
	return c.JSON(status, failure{Success: false, Errors: []issue{i}})
}
