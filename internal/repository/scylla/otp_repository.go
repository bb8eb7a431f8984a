package scylla

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"identity-service/internal/hashing"
	"identity-service/internal/model"
)

const (
	insertOTPStmt = `INSERT INTO otp_challenges (
		contact_hash, created_at, otp_id, otp_hash, otp_salt, hash_algorithm,
		pepper_version, purpose, attempts, used, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	listOTPStmt = `SELECT contact_hash, created_at, otp_id, otp_hash, otp_salt, hash_algorithm,
		pepper_version, purpose, attempts, used, expires_at
		FROM otp_challenges WHERE contact_hash = ?`

	incrementOTPAttemptsStmt = `UPDATE otp_challenges SET attempts = ?
		WHERE contact_hash = ? AND created_at = ? AND otp_id = ?
		IF attempts = ? AND used = false`

	markOTPUsedStmt = `UPDATE otp_challenges SET used = true
		WHERE contact_hash = ? AND created_at = ? AND otp_id = ?
		IF used = false`
)

type OTPRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

var _ model.OTPRepository = (*OTPRepository)(nil)

func NewOTPRepository(client *ScyllaClient, logger *zap.Logger) *OTPRepository {
	return &OTPRepository{client: client, logger: logger}
}

func (r *OTPRepository) Create(ctx context.Context, c *model.OTPChallenge) error {
	query := r.client.Query(ctx, insertOTPStmt,
		c.ContactHash, c.CreatedAt, c.OTPID, c.OTPHash, c.OTPSalt, c.HashAlgorithm,
		c.PepperVersion, c.Purpose, c.Attempts, c.Used, c.ExpiresAt)

	// The primary key includes a fresh uuid, so a replayed insert writes the same row.
	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		r.logger.Error("Failed to create OTP challenge",
			zap.String("contact", hashing.RedactHash(c.ContactHash)),
			zap.String("otp_id", c.OTPID),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP challenge: %w", err)
	}
	return nil
}

func (r *OTPRepository) ListUnused(ctx context.Context, contactHash string, limit int) ([]*model.OTPChallenge, error) {
	iter := r.client.Query(ctx, listOTPStmt, contactHash).PageSize(50).Iter()

	var out []*model.OTPChallenge
	for {
		c := &model.OTPChallenge{}
		if !iter.Scan(&c.ContactHash, &c.CreatedAt, &c.OTPID, &c.OTPHash, &c.OTPSalt, &c.HashAlgorithm,
			&c.PepperVersion, &c.Purpose, &c.Attempts, &c.Used, &c.ExpiresAt) {
			break
		}
		if c.Used {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list OTP challenges: %w", err)
	}
	return out, nil
}

func (r *OTPRepository) IncrementAttempts(ctx context.Context, c *model.OTPChallenge) (bool, error) {
	applied, err := r.client.Query(ctx, incrementOTPAttemptsStmt,
		c.Attempts+1, c.ContactHash, c.CreatedAt, c.OTPID, c.Attempts).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}
	return applied, nil
}

func (r *OTPRepository) MarkUsed(ctx context.Context, c *model.OTPChallenge) (bool, error) {
	applied, err := r.client.Query(ctx, markOTPUsedStmt, c.ContactHash, c.CreatedAt, c.OTPID).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to mark OTP used: %w", err)
	}
	return applied, nil
}
