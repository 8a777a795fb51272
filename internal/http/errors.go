package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/fyrsmithlabs/patternd/internal/learning"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/safety"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pattern.ErrInvalidTransition),
		errors.Is(err, pattern.ErrNotEligible),
		errors.Is(err, store.ErrDuplicateSignature):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidMessage),
		errors.Is(err, safety.ErrInvalidConfig),
		errors.Is(err, pattern.ErrInvalidPattern),
		learning.IsInputError(err):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrStoreUnavailable), errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		msg := http.StatusText(status)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(status)
			}
		} else {
			status = statusFor(err)
			if status < http.StatusInternalServerError {
				msg = err.Error()
			} else {
				msg = http.StatusText(status)
			}
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("path", c.Path()),
				zap.Int("status", status),
				zap.Error(err))
		}

		resp := ErrorResponse{Error: msg, RequestID: c.Response().Header().Get(echo.HeaderXRequestID)}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, resp)
		}
		if err != nil {
			logger.Warn("writing error response", zap.Error(err))
		}
	}
}
