package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/conn"
	"github.com/zulandar/courier/internal/outbox"
	"github.com/zulandar/courier/internal/pacing"
	"github.com/zulandar/courier/internal/session"
	"github.com/zulandar/courier/internal/store"
)

// envelope is the shape of every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   any    `json:"error,omitempty"`
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func fail(c *gin.Context, status int, message string, err error) {
	env := envelope{Message: message}
	if err != nil {
		env.Error = err.Error()
	}
	c.JSON(status, env)
}

// failErr maps a domain error onto a status code and responds.
func failErr(c *gin.Context, err error) {
	status := statusFor(err)
	fail(c, status, messageFor(status, err), nil)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, outbox.ErrInvalid), errors.Is(err, pacing.ErrQuotaExceeded):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrConflict), errors.Is(err, session.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrPairingTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrClosed), errors.Is(err, conn.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "Internal error: " + err.Error()
	}
	return err.Error()
}
