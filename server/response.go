package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/teranos/transmute/errors"
)

// errorResponse is the body of every non-2xx answer
type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// writeError writes a JSON error response
func writeError(c echo.Context, status int, message, hint string) error {
	return c.JSON(status, errorResponse{Error: message, Hint: hint})
}

// handleError is the echo error handler. Handlers return errors marked with
// the shared sentinels and this maps them to status codes.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, message := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("Request failed",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"error", err,
			"details", errors.GetAllDetails(err),
		)
	}

	hint := ""
	if status < http.StatusInternalServerError {
		hint = errors.FlattenHints(err)
	}
	if werr := writeError(c, status, message, hint); werr != nil {
		s.logger.Warnw("Failed to send error response", "error", werr)
	}
}

func mapError(err error) (int, string) {
	// echo's own errors: unknown route, bad bind, method not allowed
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, msg
	}

	switch {
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, errors.ErrInvalidRequest), errors.Is(err, errors.ErrUnsupported):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
