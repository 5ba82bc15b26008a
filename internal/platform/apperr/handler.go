package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Body is the JSON shape of every error response.
type Body struct {
	ErrorCode string      `json:"errorCode"`
	Message   string      `json:"message"`
	Current   interface{} `json:"current,omitempty"`
}

// HTTPErrorHandler renders *Error values with their code and echo's own
// HTTP errors as INVALID_INPUT / INTERNAL. Unknown errors are logged and
// returned as 500 without leaking details.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := render(err)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
			if Retryable(err) {
				c.Response().Header().Set("Retry-After", "1")
			}
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

func render(err error) (int, Body) {
	if e, ok := As(err); ok {
		return HTTPStatus(e), Body{ErrorCode: e.Code, Message: e.Message, Current: e.Current}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := "HTTP_ERROR"
		switch he.Code {
		case http.StatusBadRequest:
			code = CodeInvalidInput
		case http.StatusUnauthorized:
			code = "UNAUTHORIZED"
		case http.StatusForbidden:
			code = "FORBIDDEN"
		case http.StatusNotFound:
			code = "NOT_FOUND"
		case http.StatusTooManyRequests:
			code = "RATE_LIMITED"
		case http.StatusInternalServerError:
			code = "INTERNAL"
		}
		return he.Code, Body{ErrorCode: code, Message: fmt.Sprintf("%v", he.Message)}
	}

	return http.StatusInternalServerError, Body{ErrorCode: "INTERNAL", Message: "internal server error"}
}
