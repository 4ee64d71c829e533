package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"aigroup/internal/models"
	"aigroup/internal/plugin"
	"aigroup/internal/provider"
	"aigroup/internal/provider/baidu"
	"aigroup/internal/store"
	"aigroup/internal/task"
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func errorPayload(err requestError) errorBody {
	return errorBody{Error: errorDetail{Message: err.Message, Type: err.Type, Code: err.Code}}
}

func writeError(c echo.Context, err requestError) error {
	return c.JSON(err.Status, errorPayload(err))
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		_ = writeError(c, requestError{Status: he.Code, Message: msg, Type: "invalid_request_error"})
		return
	}

	slog.Error("unhandled request error", "error", err)
	_ = writeError(c, requestError{Status: http.StatusInternalServerError, Message: "internal server error", Type: "server_error"})
}

func invalidRequest(err error) requestError {
	return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
}

// toHTTPError maps domain and upstream failures onto OpenAI-style error responses.
func toHTTPError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var (
		httpErr   *provider.HTTPError
		decodeErr *provider.DecodeError
		baiduErr  *baidu.APIError
		taskErr   *task.FailedError
	)
	switch {
	case errors.Is(err, models.ErrInvalidModelCode),
		errors.Is(err, provider.ErrUnsupportedProvider),
		errors.Is(err, provider.ErrUnsupportedContent),
		errors.Is(err, provider.ErrUnsupportedOperation),
		errors.Is(err, provider.ErrMissingCredential):
		return invalidRequest(err)
	case errors.Is(err, provider.ErrModelNotFound), errors.Is(err, store.ErrNotFound):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found_error"}
	case errors.Is(err, plugin.ErrExecutorClosed):
		return requestError{Status: http.StatusServiceUnavailable, Message: err.Error(), Type: "server_error"}
	case errors.Is(err, context.DeadlineExceeded):
		return requestError{Status: http.StatusGatewayTimeout, Message: "upstream provider timed out", Type: "upstream_error"}
	case errors.As(err, &httpErr):
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return requestError{Status: http.StatusTooManyRequests, Message: err.Error(), Type: "rate_limit_error", Code: httpErr.Category()}
		}
		return requestError{Status: http.StatusBadGateway, Message: err.Error(), Type: "upstream_error", Code: httpErr.Category()}
	case errors.As(err, &decodeErr), errors.As(err, &baiduErr), errors.As(err, &taskErr):
		return requestError{Status: http.StatusBadGateway, Message: err.Error(), Type: "upstream_error"}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func parseModel(code string) (models.ModelCode, error) {
	parsed, err := models.ParseModelCode(code)
	if err != nil {
		return models.ModelCode{}, invalidRequest(err)
	}
	return parsed, nil
}
