package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/util"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	StatusSent   = "sent"
	tokenTypeJWT = "Bearer"
)

type StartRequest struct {
	Contact       string `json:"contact" validate:"required,max=320"`
	ContactType   string `json:"contact_type" validate:"omitempty,oneof=email phone"`
	CreateAccount bool   `json:"create_account"`
	ClientIP      string `json:"-"`
}

type StartResponse struct {
	Status    string `json:"status"`
	ExpiresIn int64  `json:"expires_in"`
}

type CompleteRequest struct {
	Contact       string       `json:"contact" validate:"required,max=320"`
	ContactType   string       `json:"contact_type,omitempty" validate:"omitempty,oneof=email phone"`
	OTP           string       `json:"otp" validate:"required,max=64"`
	CreateAccount bool         `json:"create_account"`
	ProfileSeed   *ProfileSeed `json:"profile_seed,omitempty"`
	ClientIP      string       `json:"-"`
}

type UserInfo struct {
	ID          string `json:"id"`
	ContactType string `json:"contact_type"`
	IsNew       bool   `json:"is_new"`
}

type CompleteResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int64    `json:"expires_in"`
	User        UserInfo `json:"user"`
}

// VerificationService is the single start/complete flow for passwordless
// login and registration.
type VerificationService struct {
	validate    *validator.Validate
	contacts    ContactHasher
	limiter     *RateLimiter
	otps        *OTPStore
	resolver    *IdentityResolver
	provisioner *AccountProvisioner
	sessions    *SessionIssuer
	notifier    Notifier
	recorder    EventRecorder
	logger      *zap.Logger
}

func NewVerificationService(
	contacts ContactHasher,
	limiter *RateLimiter,
	otps *OTPStore,
	resolver *IdentityResolver,
	provisioner *AccountProvisioner,
	sessions *SessionIssuer,
	notifier Notifier,
	recorder EventRecorder,
	logger *zap.Logger,
) *VerificationService {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &VerificationService{
		validate:    newRequestValidator(),
		contacts:    contacts,
		limiter:     limiter,
		otps:        otps,
		resolver:    resolver,
		provisioner: provisioner,
		sessions:    sessions,
		notifier:    notifier,
		recorder:    recorder,
		logger:      logger,
	}
}

// newRequestValidator adds the safetext tag, which rejects markup and template
// syntax in free-text profile fields.
func newRequestValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("safetext", func(fl validator.FieldLevel) bool {
		return !util.ContainsSuspicious(fl.Field().String())
	})
	return v
}

// StartVerification sends a fresh code to the contact after checking that the
// requested flow makes sense for the account state.
func (s *VerificationService) StartVerification(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ref, err := s.contactRef(req.Contact, req.ContactType)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.AllowOTPStart(ctx, ref.Hash, req.ClientIP); err != nil {
		s.record(ctx, audit.EventRateLimited, audit.OutcomeFailure, "", ref, req.ClientIP, ActionOTPStart)
		return nil, err
	}

	outcome, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	purpose := model.PurposeLogin
	if req.CreateAccount {
		purpose = model.PurposeRegistration
		if outcome.Kind == OutcomeFound || outcome.Kind == OutcomePending {
			return nil, ErrAlreadyExists
		}
	} else {
		switch outcome.Kind {
		case OutcomeOrphaned:
			return nil, ErrAccountDeleted
		case OutcomeNotFound, OutcomePending:
			return nil, ErrAccountNotFound
		}
	}

	challenge, code, err := s.otps.Start(ctx, ref.Hash, purpose, 0)
	if err != nil {
		return nil, err
	}
	ttl := challenge.ExpiresAt.Sub(challenge.CreatedAt)

	if err := s.notifier.SendOTP(ctx, ref.Type, ref.Normalized, code, ttl); err != nil {
		s.logger.Error("OTP delivery failed",
			zap.String("contact", hashing.RedactHash(ref.Hash)),
			zap.String("contact_type", ref.Type),
			zap.Error(err))
		s.record(ctx, audit.EventOTPFailed, audit.OutcomeFailure, outcome.UserID, ref, req.ClientIP, "delivery")
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	s.record(ctx, audit.EventOTPSent, audit.OutcomeSuccess, outcome.UserID, ref, req.ClientIP, purpose)
	return &StartResponse{Status: StatusSent, ExpiresIn: int64(ttl / time.Second)}, nil
}

// CompleteVerification redeems a code and returns a session. Proving
// possession of the contact logs into an existing account even when the
// client asked to register.
func (s *VerificationService) CompleteVerification(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var seed ProfileSeed
	if req.ProfileSeed != nil {
		if err := s.validate.Struct(req.ProfileSeed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		seed = *req.ProfileSeed
	}
	ref, err := s.contactRef(req.Contact, req.ContactType)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.AllowOTPComplete(ctx, ref.Hash); err != nil {
		s.record(ctx, audit.EventRateLimited, audit.OutcomeFailure, "", ref, req.ClientIP, ActionOTPComplete)
		return nil, err
	}

	if _, err := s.otps.Complete(ctx, ref.Hash, req.OTP); err != nil {
		s.record(ctx, audit.EventOTPFailed, audit.OutcomeFailure, "", ref, req.ClientIP, otpFailureReason(err))
		return nil, err
	}

	userID, isNew, err := s.settleIdentity(ctx, ref, req.CreateAccount, seed)
	if err != nil {
		return nil, err
	}

	email := ""
	if ref.Type == util.ContactTypeEmail {
		email = ref.Normalized
	}
	token, expiresIn, err := s.sessions.Issue(userID, email)
	if err != nil {
		return nil, err
	}

	event := audit.EventLogin
	if isNew {
		event = audit.EventRegistered
	}
	s.record(ctx, event, audit.OutcomeSuccess, userID, ref, req.ClientIP, "")

	return &CompleteResponse{
		AccessToken: token,
		TokenType:   tokenTypeJWT,
		ExpiresIn:   expiresIn,
		User: UserInfo{
			ID:          userID,
			ContactType: ref.Type,
			IsNew:       isNew,
		},
	}, nil
}

// settleIdentity turns a verified contact into a user id, provisioning when
// registration was requested and no live account exists.
func (s *VerificationService) settleIdentity(ctx context.Context, ref ContactRef, register bool, seed ProfileSeed) (string, bool, error) {
	outcome, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return "", false, err
	}

	switch outcome.Kind {
	case OutcomeFound:
		return outcome.UserID, false, nil
	case OutcomePending:
		if register {
			return "", false, ErrAlreadyExists
		}
		return "", false, ErrAccountNotFound
	case OutcomeOrphaned:
		if !register {
			return "", false, ErrAccountDeleted
		}
	case OutcomeNotFound:
		if !register {
			return "", false, ErrAccountNotFound
		}
	}

	userID, err := s.provisioner.Provision(ctx, ref, seed)
	if errors.Is(err, ErrAlreadyExists) {
		// A concurrent registration for the same contact won; log into it if it finished.
		again, rerr := s.resolver.Resolve(ctx, ref)
		if rerr == nil && again.Kind == OutcomeFound {
			return again.UserID, false, nil
		}
		return "", false, ErrAlreadyExists
	}
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

func (s *VerificationService) contactRef(contact, contactType string) (ContactRef, error) {
	normalized := util.NormalizeContact(contact)
	if contactType == "" {
		contactType = util.DetectContactType(normalized)
	}

	tag := "e164"
	if contactType == util.ContactTypeEmail {
		tag = "email"
	}
	if err := s.validate.Var(normalized, "required,"+tag); err != nil {
		return ContactRef{}, fmt.Errorf("%w: invalid %s", ErrInvalidInput, contactType)
	}

	return ContactRef{
		Hash:       s.contacts.HashContact(normalized),
		Normalized: normalized,
		Type:       contactType,
	}, nil
}

func (s *VerificationService) record(ctx context.Context, name, outcome, userID string, ref ContactRef, clientIP, reason string) {
	s.recorder.Record(ctx, audit.Event{
		Name:        name,
		Outcome:     outcome,
		UserID:      userID,
		ContactHash: ref.Hash,
		ContactType: ref.Type,
		ClientIP:    clientIP,
		Reason:      reason,
	})
}

func otpFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrOTPMismatch):
		return "mismatch"
	case errors.Is(err, ErrTooManyAttempts):
		return "exhausted"
	case errors.Is(err, ErrOTPNotFound):
		return "not_found"
	default:
		return "error"
	}
}
