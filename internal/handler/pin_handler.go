package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"identity-service/internal/model"
	"identity-service/internal/service"
	"identity-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// PinManager issues and verifies professional identity PINs.
type PinManager interface {
	Get(ctx context.Context, userID string) (*model.ProfessionalPin, error)
	Issue(ctx context.Context, userID, customPin string) (*model.ProfessionalPin, error)
	Verify(ctx context.Context, pin, verifierType, verifierID string) (string, error)
}

// VerifyLimiter throttles PIN lookups per verifier.
type VerifyLimiter interface {
	AllowPinVerify(ctx context.Context, verifierType, verifierID string) error
}

type PinHandler struct {
	pins    PinManager
	limiter VerifyLimiter
	auth    func(http.Handler) http.Handler
	logger  *zap.Logger
}

func NewPinHandler(pins PinManager, limiter VerifyLimiter, tokens TokenParser, logger *zap.Logger) *PinHandler {
	return &PinHandler{
		pins:    pins,
		limiter: limiter,
		auth:    RequireBearer(tokens, logger),
		logger:  logger,
	}
}

type issuePinRequest struct {
	CustomPin string `json:"custom_pin,omitempty"`
}

type verifyPinRequest struct {
	Pin          string `json:"pin"`
	VerifierType string `json:"verifier_type"`
	VerifierID   string `json:"verifier_id"`
}

// issuePinResponse keeps the PIN at the top level; data carries the full record.
type issuePinResponse struct {
	Success bool                   `json:"success"`
	Pin     string                 `json:"pin"`
	Data    *model.ProfessionalPin `json:"data,omitempty"`
}

type verifyPinResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *PinHandler) RegisterRoutes(r chi.Router) {
	r.Route("/pin", func(r chi.Router) {
		r.Post("/verify", h.Verify)

		r.Group(func(r chi.Router) {
			r.Use(h.auth)
			r.Get("/", h.Get)
			r.Post("/issue", h.Issue)
		})
	})
}

// Issue returns the caller's PIN, creating it on first use.
func (h *PinHandler) Issue(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req issuePinRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respondWithError(h.logger, w, err, "Invalid request body")
			return
		}
	}

	pin, err := h.pins.Issue(r.Context(), userID, strings.TrimSpace(req.CustomPin))
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to issue PIN")
		return
	}

	respondWithJSON(h.logger, w, http.StatusOK, issuePinResponse{Success: true, Pin: pin.PinNumber, Data: pin})
}

func (h *PinHandler) Get(w http.ResponseWriter, r *http.Request) {
	pin, err := h.pins.Get(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		respondWithError(h.logger, w, err, "Failed to get PIN")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, Response{Success: true, Data: pin})
}

// Verify answers a third-party lookup. Every non-match gets the same 200 body.
func (h *PinHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyPinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(h.logger, w, err, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.VerifierType) != "" && strings.TrimSpace(req.VerifierID) != "" && h.limiter != nil {
		if err := h.limiter.AllowPinVerify(r.Context(), strings.ToLower(strings.TrimSpace(req.VerifierType)), strings.TrimSpace(req.VerifierID)); err != nil {
			respondWithError(h.logger, w, err, "Too many verification requests")
			return
		}
	}

	userID, err := h.pins.Verify(r.Context(), req.Pin, req.VerifierType, req.VerifierID)
	switch {
	case err == nil:
		respondWithJSON(h.logger, w, http.StatusOK, verifyPinResponse{Success: true, UserID: userID})
	case errors.Is(err, service.ErrInvalidPin):
		respondWithJSON(h.logger, w, http.StatusOK, verifyPinResponse{Success: false, Error: service.ErrInvalidPin.Error()})
	default:
		respondWithError(h.logger, w, err, "Failed to verify PIN")
		return
	}

	h.logger.Debug("PIN verification handled",
		util.String("verifier_type", req.VerifierType),
		util.Bool("matched", err == nil),
	)
}
