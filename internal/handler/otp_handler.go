package handler

import (
	"context"
	"net/http"
	"time"

	"identity-service/internal/service"
	"identity-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Verifier is the verification flow the OTP endpoints drive.
type Verifier interface {
	StartVerification(ctx context.Context, req service.StartRequest) (*service.StartResponse, error)
	CompleteVerification(ctx context.Context, req service.CompleteRequest) (*service.CompleteResponse, error)
}

// OTPHandler serves the passwordless start/complete endpoints.
type OTPHandler struct {
	verifier Verifier
	logger   *zap.Logger
}

func NewOTPHandler(verifier Verifier, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{verifier: verifier, logger: logger}
}

func (h *OTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/otp", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/complete", h.Complete)
	})
}

// Start sends a verification code to the contact.
func (h *OTPHandler) Start(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.StartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(h.logger, w, err, "Invalid request body")
		return
	}
	req.ClientIP = clientIP(r)

	resp, err := h.verifier.StartVerification(r.Context(), req)
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to start verification")
		return
	}

	respondWithJSON(h.logger, w, http.StatusOK, resp)
	h.logger.Debug("Verification started via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Start"),
	)
}

// Complete checks the code and returns a session token.
func (h *OTPHandler) Complete(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.CompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(h.logger, w, err, "Invalid request body")
		return
	}
	req.ClientIP = clientIP(r)

	resp, err := h.verifier.CompleteVerification(r.Context(), req)
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to complete verification")
		return
	}

	respondWithJSON(h.logger, w, http.StatusOK, resp)
	h.logger.Info("Verification completed via HTTP",
		util.String("user_id", resp.User.ID),
		util.Bool("is_new", resp.User.IsNew),
		util.Duration("duration", time.Since(startTime)),
	)
}
