package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/teststand-core/internal/instrument/hvps"
	"github.com/nerrad567/teststand-core/internal/instrument/vrg"
	"github.com/nerrad567/teststand-core/internal/transport"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeDeviceRejected = "device_rejected"
	ErrCodeBadReply       = "bad_device_reply"
	ErrCodeTimeout        = "device_timeout"
	ErrCodeUnavailable    = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeInstrumentError maps a facade error to an HTTP status.
//
// Mapping:
//   - out of range, invalid value, channel or parameter: 400 validation_error
//   - rejected by the HVPS (NAK): 502 device_rejected
//   - unparseable reply: 502 bad_device_reply
//   - no reply within the timeout: 504 device_timeout
//   - link closed or not connected: 503 unavailable
//   - anything else: 500 internal_error
func writeInstrumentError(w http.ResponseWriter, err error) {
	status, code := classifyInstrumentError(err)
	writeError(w, status, code, err.Error())
}

func classifyInstrumentError(err error) (int, string) {
	switch {
	case errors.Is(err, vrg.ErrOutOfRange), errors.Is(err, vrg.ErrInvalidValue),
		errors.Is(err, hvps.ErrInvalidChannel), errors.Is(err, hvps.ErrInvalidParameter):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, hvps.ErrNAK):
		return http.StatusBadGateway, ErrCodeDeviceRejected
	case errors.Is(err, vrg.ErrMalformedReply):
		return http.StatusBadGateway, ErrCodeBadReply
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, vrg.ErrNoReply),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, transport.ErrClosed), errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrConnectionFailed):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
