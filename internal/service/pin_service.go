package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPinCountry = "NG"
	defaultPinTries   = 10
	pinAlphabet       = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	pinRandomLength   = 6
	nonceBytes        = 16
	ledgerTaskName    = "pin_ledger_submit"
)

// Audit metadata keys and values.
const (
	metaVerifierType  = "verifier_type"
	metaVerifierID    = "verifier_id"
	metaReason        = "reason"
	metaLedgerHash    = "ledger_hash"
	metaIssuance      = "issuance"
	reasonUnknownPin  = "unknown_pin"
	reasonBadVerifier = "invalid_verifier_type"
	issuanceCustom    = "custom"
	issuanceGenerated = "generated"
)

var defaultVerifierTypes = []string{"employer", "recruiter", "agency", "platform"}

var pinFormat = regexp.MustCompile(`^PIN-[A-Z]{2}-\d{4}-[A-Z0-9]{6}$`)

// ValidPinFormat reports whether pin looks like PIN-CC-YYYY-XXXXXX.
func ValidPinFormat(pin string) bool {
	return pinFormat.MatchString(pin)
}

// PinService issues one PIN per user and lets third parties verify them.
// Both the per-user row and the number claim are storage-level unique.
type PinService struct {
	repo          model.PinRepository
	tasks         TaskDispatcher
	ledger        LedgerSubmitter
	country       string
	maxTries      int
	verifierTypes map[string]struct{}
	now           Clock
	logger        *zap.Logger
}

// NewPinService builds the service. A nil ledger disables ledger submission.
func NewPinService(repo model.PinRepository, tasks TaskDispatcher, ledger LedgerSubmitter, cfg config.PINConfig, logger *zap.Logger) *PinService {
	if tasks == nil {
		tasks = inlineDispatcher{}
	}
	country := strings.ToUpper(cfg.CountryCode)
	if len(country) != 2 {
		country = defaultPinCountry
	}
	tries := cfg.MaxGenerateTries
	if tries <= 0 {
		tries = defaultPinTries
	}
	types := cfg.VerifierTypes
	if len(types) == 0 {
		types = defaultVerifierTypes
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	if !cfg.LedgerEnabled {
		ledger = nil
	}

	return &PinService{
		repo:          repo,
		tasks:         tasks,
		ledger:        ledger,
		country:       country,
		maxTries:      tries,
		verifierTypes: allowed,
		now:           systemClock,
		logger:        logger,
	}
}

// Get returns the user's PIN or ErrPinNotFound.
func (s *PinService) Get(ctx context.Context, userID string) (*model.ProfessionalPin, error) {
	p, err := s.repo.GetByUser(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrPinNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return p, nil
}

// Issue returns the user's PIN, creating it on first call. customPin is
// optional; when set it must be well formed and unclaimed.
func (s *PinService) Issue(ctx context.Context, userID, customPin string) (*model.ProfessionalPin, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	existing, err := s.Get(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrPinNotFound) {
		return nil, err
	}

	now := s.now()
	var number, issuance string

	if custom := strings.ToUpper(strings.TrimSpace(customPin)); custom != "" {
		if !ValidPinFormat(custom) {
			return nil, fmt.Errorf("%w: pin must match PIN-CC-YYYY-XXXXXX", ErrInvalidInput)
		}
		claimed, err := s.repo.ClaimNumber(ctx, custom, userID, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if !claimed {
			return nil, ErrPinTaken
		}
		number, issuance = custom, issuanceCustom
	} else {
		number, err = s.claimGenerated(ctx, userID)
		if err != nil {
			return nil, err
		}
		issuance = issuanceGenerated
	}

	p := &model.ProfessionalPin{
		UserID:             userID,
		PinNumber:          number,
		VerificationStatus: model.PinStatusIssued,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	winner, err := s.repo.InsertForUser(ctx, p)
	if errors.Is(err, model.ErrConflict) {
		// A concurrent issuance for this user persisted first.
		s.releaseNumber(ctx, number, userID)
		return winner, nil
	}
	if err != nil {
		s.releaseNumber(ctx, number, userID)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.appendAudit(ctx, &model.PinAuditEvent{
		UserID:    userID,
		PinNumber: number,
		Event:     model.EventPinCreated,
		Metadata:  map[string]string{metaIssuance: issuance},
	})
	s.logger.Info("PIN issued", zap.String("user_id", userID), zap.String("issuance", issuance))

	s.scheduleLedger(p)
	return p, nil
}

// claimGenerated draws candidates until one is claimed or tries run out.
func (s *PinService) claimGenerated(ctx context.Context, userID string) (string, error) {
	for i := 0; i < s.maxTries; i++ {
		candidate, err := s.generate()
		if err != nil {
			return "", fmt.Errorf("generate pin: %w", err)
		}

		exists, err := s.repo.NumberExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if exists {
			continue
		}

		claimed, err := s.repo.ClaimNumber(ctx, candidate, userID, s.now())
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if claimed {
			return candidate, nil
		}
	}

	s.logger.Error("PIN generation exhausted",
		zap.String("user_id", userID),
		zap.Int("attempts", s.maxTries),
		zap.String("country", s.country),
	)
	return "", ErrGenerationExhausted
}

func (s *PinService) generate() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(pinAlphabet)))
	for i := 0; i < pinRandomLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(pinAlphabet[n.Int64()])
	}
	return fmt.Sprintf("PIN-%s-%04d-%s", s.country, s.now().Year(), b.String()), nil
}

// Verify resolves pin for a third party. Every failure, whether the PIN is
// unknown or the verifier type is not accepted, returns the same ErrInvalidPin
// after the same lookup and audit write.
func (s *PinService) Verify(ctx context.Context, pin, verifierType, verifierID string) (string, error) {
	pin = strings.ToUpper(strings.TrimSpace(pin))
	verifierType = strings.ToLower(strings.TrimSpace(verifierType))
	verifierID = strings.TrimSpace(verifierID)
	if pin == "" || verifierType == "" || verifierID == "" {
		return "", ErrInvalidInput
	}

	p, err := s.repo.GetByNumber(ctx, pin)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	_, allowed := s.verifierTypes[verifierType]

	if p == nil || !allowed {
		reason := reasonUnknownPin
		if p != nil {
			reason = reasonBadVerifier
		}
		s.appendAudit(ctx, &model.PinAuditEvent{
			PinNumber: pin,
			Event:     model.EventPinVerificationFailed,
			Metadata: map[string]string{
				metaVerifierType: verifierType,
				metaVerifierID:   verifierID,
				metaReason:       reason,
			},
		})
		return "", ErrInvalidPin
	}

	now := s.now()
	nonce, err := hashing.RandomToken(nonceBytes)
	if err != nil {
		return "", fmt.Errorf("verification nonce: %w", err)
	}
	record := &model.PinVerification{
		VerificationID:   uuid.NewString(),
		UserID:           p.UserID,
		PinNumber:        p.PinNumber,
		VerifierType:     verifierType,
		VerifierID:       verifierID,
		VerificationHash: hashing.VerificationHash(p.UserID, p.PinNumber, verifierType, verifierID, now.UnixNano(), nonce),
		CreatedAt:        now,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.repo.InsertVerification(gctx, record)
	})
	g.Go(func() error {
		return s.repo.AppendAudit(gctx, &model.PinAuditEvent{
			EventID:   uuid.NewString(),
			UserID:    p.UserID,
			PinNumber: p.PinNumber,
			Event:     model.EventPinVerified,
			Metadata: map[string]string{
				metaVerifierType: verifierType,
				metaVerifierID:   verifierID,
			},
			CreatedAt: now,
		})
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("%w: record verification: %v", ErrStorage, err)
	}

	return p.UserID, nil
}

func (s *PinService) scheduleLedger(p *model.ProfessionalPin) {
	if s.ledger == nil {
		return
	}
	userID, number, created := p.UserID, p.PinNumber, p.CreatedAt
	err := s.tasks.Dispatch(ledgerTaskName, func(ctx context.Context) error {
		ledgerHash := hashing.LedgerHash(userID, number, created.Unix())
		if err := s.ledger.Submit(ctx, userID, ledgerHash); err != nil {
			return err
		}
		if err := s.repo.SetLedgerHash(ctx, userID, ledgerHash, model.PinStatusRecorded); err != nil {
			return err
		}
		s.appendAudit(ctx, &model.PinAuditEvent{
			UserID:    userID,
			PinNumber: number,
			Event:     model.EventPinLedgerRecorded,
			Metadata:  map[string]string{metaLedgerHash: ledgerHash},
		})
		return nil
	})
	if err != nil {
		s.logger.Warn("Ledger submission not completed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *PinService) releaseNumber(ctx context.Context, number, userID string) {
	if err := s.repo.ReleaseNumber(ctx, number, userID); err != nil {
		s.logger.Error("Failed to release claimed PIN number",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// appendAudit writes an audit event. A failed write is logged, never returned.
func (s *PinService) appendAudit(ctx context.Context, e *model.PinAuditEvent) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if err := s.repo.AppendAudit(ctx, e); err != nil {
		s.logger.Error("PIN audit write failed",
			zap.String("event", e.Event),
			zap.String("user_id", e.UserID),
			zap.Error(err))
	}
}
