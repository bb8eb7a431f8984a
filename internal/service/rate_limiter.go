package service

import (
	"context"
	"math"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"

	"go.uber.org/zap"
)

const (
	ActionOTPStart    = "otp_start"
	ActionOTPComplete = "otp_complete"
	ActionPinVerify   = "pin_verify"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// RateLimiter applies per (subject, action) limits on top of a counter store.
// It fails open: when the store is unreachable every request is allowed and
// the failure is logged, so an outage of the counter store never locks users out.
type RateLimiter struct {
	store    model.RateLimitStore
	policies config.RateLimitConfig
	logger   *zap.Logger
}

func NewRateLimiter(store model.RateLimitStore, policies config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{store: store, policies: policies, logger: logger}
}

// Check counts a hit and reports whether it is within max per window.
// A non-positive max disables the limit.
func (r *RateLimiter) Check(ctx context.Context, subject, action string, max int, window time.Duration) Decision {
	if max <= 0 || window <= 0 || r.store == nil {
		return Decision{Allowed: true}
	}

	count, ttl, err := r.store.Hit(ctx, action+":"+subject, max, window)
	if err != nil {
		r.logger.Warn("Rate limit store unavailable, allowing request",
			zap.String("action", action),
			zap.String("subject", hashing.RedactHash(subject)),
			zap.Error(err),
		)
		return Decision{Allowed: true}
	}

	if count > int64(max) {
		if ttl <= 0 {
			ttl = window
		}
		return Decision{Allowed: false, Count: count, RetryAfter: ttl}
	}
	return Decision{Allowed: true, Count: count}
}

// Enforce is Check returning a *RateLimitError when denied.
func (r *RateLimiter) Enforce(ctx context.Context, subject, action string, max int, window time.Duration) error {
	d := r.Check(ctx, subject, action, max, window)
	if d.Allowed {
		return nil
	}
	return &RateLimitError{RetryAfterSeconds: retrySeconds(d.RetryAfter)}
}

// AllowOTPStart applies the per-contact and per-IP start limits.
func (r *RateLimiter) AllowOTPStart(ctx context.Context, contactHash, clientIP string) error {
	if err := r.Enforce(ctx, contactHash, ActionOTPStart, r.policies.StartPerContact, r.policies.OTPWindow); err != nil {
		return err
	}
	if clientIP == "" {
		return nil
	}
	return r.Enforce(ctx, "ip:"+clientIP, ActionOTPStart, r.policies.StartPerIP, r.policies.OTPWindow)
}

func (r *RateLimiter) AllowOTPComplete(ctx context.Context, contactHash string) error {
	return r.Enforce(ctx, contactHash, ActionOTPComplete, r.policies.CompletePerContact, r.policies.OTPWindow)
}

func (r *RateLimiter) AllowPinVerify(ctx context.Context, verifierType, verifierID string) error {
	return r.Enforce(ctx, verifierType+":"+verifierID, ActionPinVerify, r.policies.VerifyPerVerifier, r.policies.VerifyWindow)
}

func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
