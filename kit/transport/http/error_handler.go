package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/influxdata/replication"
)

// ErrorCodeHeader carries the replication error code of a failed request.
const ErrorCodeHeader = "X-Replication-Error-Code"

// ErrorHandler is the error handler in http package.
type ErrorHandler int

// HandleHTTPError encodes err with the appropriate status code and format,
// sets the X-Replication-Error-Code header on the response and sets the
// response status to the corresponding status code.
func (h ErrorHandler) HandleHTTPError(ctx context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		return
	}

	code := replication.ErrorCode(err)
	w.Header().Set(ErrorCodeHeader, code)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(ErrorCodeToStatusCode(code))

	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	e.Code = code
	var rerr *replication.Error
	if errors.As(err, &rerr) {
		e.Message = err.Error()
	} else {
		e.Message = "An internal error has occurred"
	}
	b, _ := json.Marshal(e)
	_, _ = w.Write(b)
}

// ErrorCodeToStatusCode maps a replication error code to an HTTP status.
func ErrorCodeToStatusCode(code string) int {
	if s, ok := statusCodeError[code]; ok {
		return s
	}
	return http.StatusBadRequest
}

// StatusCodeToErrorCode maps an HTTP status back to a replication error code.
func StatusCodeToErrorCode(statusCode int) string {
	if code, ok := errorCodeStatus[statusCode]; ok {
		return code
	}
	return replication.EInternal
}

var statusCodeError = map[string]int{
	replication.EInternal:         http.StatusInternalServerError,
	replication.EInvalid:          http.StatusBadRequest,
	replication.ENotFound:         http.StatusNotFound,
	replication.EClosed:           http.StatusServiceUnavailable,
	replication.EInvalidState:     http.StatusConflict,
	replication.EStaleBallot:      http.StatusConflict,
	replication.ECapacityExceeded: http.StatusTooManyRequests,
	replication.EIncompleteData:   http.StatusServiceUnavailable,
	replication.ELocalFailure:     http.StatusInternalServerError,
	replication.EInvariant:        http.StatusInternalServerError,
}

var errorCodeStatus = map[int]string{
	http.StatusBadRequest:          replication.EInvalid,
	http.StatusNotFound:            replication.ENotFound,
	http.StatusConflict:            replication.EInvalidState,
	http.StatusTooManyRequests:     replication.ECapacityExceeded,
	http.StatusServiceUnavailable:  replication.EClosed,
	http.StatusInternalServerError: replication.EInternal,
}
