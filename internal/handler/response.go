package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"identity-service/internal/service"
	"identity-service/internal/util"

	"go.uber.org/zap"
)

const maxBodyBytes = 16 << 10

// Response is the envelope for error and PIN responses.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

func respondWithJSON(logger *zap.Logger, w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps err to a status and writes it. Dependency and
// internal failures are logged in full and surfaced generically.
func respondWithError(logger *zap.Logger, w http.ResponseWriter, err error, message string) {
	status := statusFor(err)

	var rle *service.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds))
	}

	switch service.ClassOf(err) {
	case service.ClassDependency, service.ClassInternal:
		logger.Error("Request failed",
			util.ErrorField(err),
			util.Int("status_code", status),
			util.String("message", message),
		)
		respondWithJSON(logger, w, status, Response{Success: false, Error: "internal error", Message: message})
		return
	}

	logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", status),
		util.String("message", message),
	)
	respondWithJSON(logger, w, status, errorResponse(err, message))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrRateLimited), errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, service.ErrPinNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAccountDeleted):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrPinTaken):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrOTPMismatch),
		errors.Is(err, service.ErrOTPNotFound),
		errors.Is(err, service.ErrAlreadyExists),
		errors.Is(err, service.ErrInvalidPin):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return service.ErrInvalidInput
	}
	return nil
}

// clientIP expects middleware.RealIP to have already rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
