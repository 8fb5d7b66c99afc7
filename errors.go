package folio

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with an existing record.
	ErrConflict = errors.New("conflict")
	// ErrRateLimited is returned when a visitor repeats an action too soon.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidTransition is returned for a state change that is not allowed.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidInput is returned for input that validates structurally but
	// makes no sense, like a crop rectangle outside the image.
	ErrInvalidInput = errors.New("invalid input")
)

type errorBody struct {
	Error  string            `json:"error"`
	Errors map[string]string `json:"errors,omitempty"`
}

func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	body := errorBody{Error: http.StatusText(code)}

	var (
		he *echo.HTTPError
		ve validator.ValidationErrors
	)
	switch {
	case errors.As(err, &he):
		code = he.Code
		body.Error = http.StatusText(code)
		if msg, ok := he.Message.(string); ok && msg != "" {
			body.Error = msg
		}
	case errors.As(err, &ve):
		code = http.StatusBadRequest
		body.Error = "validation failed"
		body.Errors = a.validator.messages(ve)
	case errors.Is(err, ErrNotFound):
		code, body.Error = http.StatusNotFound, "not found"
	case errors.Is(err, ErrConflict):
		code, body.Error = http.StatusConflict, err.Error()
	case errors.Is(err, ErrRateLimited):
		code, body.Error = http.StatusTooManyRequests, err.Error()
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidInput):
		code, body.Error = http.StatusUnprocessableEntity, err.Error()
	}

	if code >= 500 {
		a.Log.Error().Err(err).
			Str("method", c.Request().Method).
			Str("uri", c.Request().RequestURI).
			Msg("server error")
		body.Error = http.StatusText(code)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, body)
}
