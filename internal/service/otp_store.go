package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultOTPTTL         = 10 * time.Minute
	defaultOTPMaxAttempts = 5
	defaultOTPLength      = 6

	// How many recent unused rows are considered when picking the challenge to check.
	otpScanLimit = 20
	// How often a lost attempts CAS is retried against a reloaded row.
	otpCASRetries = 3
)

// OTPStore issues and redeems one-time codes. Challenges are never deleted:
// they retire by being consumed, exhausted or expired, and expiry is only
// evaluated at read time.
type OTPStore struct {
	repo        model.OTPRepository
	hasher      OTPHasher
	ttl         time.Duration
	maxAttempts int
	length      int
	now         Clock
	codes       func(length int) (string, error)
	logger      *zap.Logger
}

func NewOTPStore(repo model.OTPRepository, hasher OTPHasher, cfg config.OTPConfig, logger *zap.Logger) *OTPStore {
	s := &OTPStore{
		repo:        repo,
		hasher:      hasher,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		length:      cfg.Length,
		now:         systemClock,
		codes:       generateCode,
		logger:      logger,
	}
	if s.ttl <= 0 {
		s.ttl = defaultOTPTTL
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultOTPMaxAttempts
	}
	if s.length <= 0 {
		s.length = defaultOTPLength
	}
	return s
}

func (s *OTPStore) TTL() time.Duration { return s.ttl }

// Start creates a fresh challenge and returns it with the cleartext code.
// Earlier challenges for the contact are left in place. A non-positive ttl
// uses the configured default.
func (s *OTPStore) Start(ctx context.Context, contactHash, purpose string, ttl time.Duration) (*model.OTPChallenge, string, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}

	code, err := s.codes(s.length)
	if err != nil {
		return nil, "", fmt.Errorf("generate otp: %w", err)
	}
	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, "", fmt.Errorf("hash otp: %w", err)
	}

	now := s.now()
	c := &model.OTPChallenge{
		ContactHash:   contactHash,
		OTPID:         uuid.NewString(),
		OTPHash:       hashed.Hash,
		OTPSalt:       hashed.Salt,
		HashAlgorithm: hashed.Algorithm,
		PepperVersion: hashed.PepperVersion,
		Purpose:       purpose,
		Attempts:      0,
		Used:          false,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	if err := s.repo.Create(ctx, c); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return c, code, nil
}

// Complete redeems candidate against the newest usable challenge. A match is
// reported at most once per challenge; the attempts limit is final.
func (s *OTPStore) Complete(ctx context.Context, contactHash, candidate string) (*model.OTPChallenge, error) {
	for i := 0; i < otpCASRetries; i++ {
		c, err := s.newestUsable(ctx, contactHash)
		if err != nil {
			return nil, err
		}
		if c.Attempts >= s.maxAttempts {
			return nil, ErrTooManyAttempts
		}

		// Hashing runs for every candidate so timing does not depend on its shape.
		ok, err := s.hasher.VerifyOTP(candidate, &hashing.HashResult{
			Hash:          c.OTPHash,
			Salt:          c.OTPSalt,
			PepperVersion: c.PepperVersion,
			Algorithm:     c.HashAlgorithm,
		})
		if err != nil {
			return nil, fmt.Errorf("verify otp: %w", err)
		}

		if ok {
			applied, err := s.repo.MarkUsed(ctx, c)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStorage, err)
			}
			if !applied {
				return nil, ErrOTPNotFound
			}
			c.Used = true
			return c, nil
		}

		applied, err := s.repo.IncrementAttempts(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if applied {
			c.Attempts++
			if c.Attempts >= s.maxAttempts {
				s.logger.Warn("OTP challenge exhausted",
					zap.String("contact", hashing.RedactHash(contactHash)),
					zap.String("otp_id", c.OTPID))
			}
			return nil, ErrOTPMismatch
		}
		// Another failed attempt landed first; recount against the fresh row.
	}
	return nil, ErrOTPMismatch
}

func (s *OTPStore) newestUsable(ctx context.Context, contactHash string) (*model.OTPChallenge, error) {
	rows, err := s.repo.ListUnused(ctx, contactHash, otpScanLimit)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrOTPNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	now := s.now()
	var newest *model.OTPChallenge
	for _, c := range rows {
		if !c.Usable(now) {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	if newest == nil {
		return nil, ErrOTPNotFound
	}
	return newest, nil
}

// generateCode returns a uniformly random zero-padded numeric code.
func generateCode(length int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
