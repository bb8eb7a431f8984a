package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/model"
)

const (
	getPinByUserStmt = `SELECT user_id, pin_number, verification_status, ledger_hash, created_at, updated_at
		FROM professional_pins WHERE user_id = ?`

	getPinOwnerStmt = `SELECT user_id FROM pins_by_number WHERE pin_number = ?`

	claimPinNumberStmt = `INSERT INTO pins_by_number (pin_number, user_id, created_at)
		VALUES (?, ?, ?) IF NOT EXISTS`

	releasePinNumberStmt = `DELETE FROM pins_by_number WHERE pin_number = ? IF user_id = ?`

	insertPinStmt = `INSERT INTO professional_pins (user_id, pin_number, verification_status, ledger_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	setLedgerHashStmt = `UPDATE professional_pins SET ledger_hash = ?, verification_status = ?, updated_at = ?
		WHERE user_id = ?`

	insertVerificationStmt = `INSERT INTO pin_verifications (
		user_id, created_at, verification_id, pin_number, verifier_type, verifier_id, verification_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

	insertAuditStmt = `INSERT INTO pin_audit_logs (
		event_bucket, event_date, created_at, event_id, user_id, pin_number, event, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
)

// PinRepository keeps two uniqueness guards: professional_pins is keyed by
// user and pins_by_number by number. A PIN exists only when both rows agree.
type PinRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
	logger  *zap.Logger
}

var _ model.PinRepository = (*PinRepository)(nil)

func NewPinRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, logger *zap.Logger) *PinRepository {
	return &PinRepository{client: client, buckets: buckets, logger: logger}
}

func (r *PinRepository) GetByUser(ctx context.Context, userID string) (*model.ProfessionalPin, error) {
	p := &model.ProfessionalPin{}
	err := r.client.ScanWithRetry(ctx, r.client.Query(ctx, getPinByUserStmt, userID),
		&p.UserID, &p.PinNumber, &p.VerificationStatus, &p.LedgerHash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get PIN by user: %w", err)
	}
	return p, nil
}

// GetByNumber always reads both tables. An unknown number still reads
// professional_pins under unknownPinOwner, so a miss and a hit on a PIN the
// caller may not use take the same round trips.
func (r *PinRepository) GetByNumber(ctx context.Context, pin string) (*model.ProfessionalPin, error) {
	return lookupByNumber(ctx, r, pin)
}

func (r *PinRepository) NumberExists(ctx context.Context, pin string) (bool, error) {
	_, err := r.ownerOf(ctx, pin)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check PIN number: %w", err)
	}
	return true, nil
}

func (r *PinRepository) ownerOf(ctx context.Context, pin string) (string, error) {
	var owner string
	err := r.client.ScanWithRetry(ctx, r.client.Query(ctx, getPinOwnerStmt, pin), &owner)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return "", model.ErrNotFound
		}
		return "", fmt.Errorf("failed to get PIN owner: %w", err)
	}
	return owner, nil
}

// unknownPinOwner is the nil UUID. No user is ever assigned it.
const unknownPinOwner = "00000000-0000-0000-0000-000000000000"

type pinRows interface {
	ownerOf(ctx context.Context, pin string) (string, error)
	GetByUser(ctx context.Context, userID string) (*model.ProfessionalPin, error)
}

func lookupByNumber(ctx context.Context, rows pinRows, pin string) (*model.ProfessionalPin, error) {
	owner, err := rows.ownerOf(ctx, pin)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	found := err == nil
	if !found {
		owner = unknownPinOwner
	}

	p, err := rows.GetByUser(ctx, owner)
	if !found {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// A claim whose user row went to a different number is not a live PIN.
	if p.PinNumber != pin {
		return nil, model.ErrNotFound
	}
	return p, nil
}

func (r *PinRepository) ClaimNumber(ctx context.Context, pin, userID string, at time.Time) (bool, error) {
	applied, err := r.client.Query(ctx, claimPinNumberStmt, pin, userID, at).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to claim PIN number: %w", err)
	}
	return applied, nil
}

func (r *PinRepository) ReleaseNumber(ctx context.Context, pin, userID string) error {
	if _, err := r.client.Query(ctx, releasePinNumberStmt, pin, userID).
		MapScanCAS(map[string]interface{}{}); err != nil {
		return fmt.Errorf("failed to release PIN number: %w", err)
	}
	return nil
}

func (r *PinRepository) InsertForUser(ctx context.Context, p *model.ProfessionalPin) (*model.ProfessionalPin, error) {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, insertPinStmt,
		p.UserID, p.PinNumber, p.VerificationStatus, p.LedgerHash, p.CreatedAt, p.UpdatedAt).
		MapScanCAS(existing)
	if err != nil {
		return nil, fmt.Errorf("failed to insert PIN: %w", err)
	}
	if applied {
		return nil, nil
	}

	winner := &model.ProfessionalPin{UserID: p.UserID}
	if v, ok := existing["pin_number"].(string); ok {
		winner.PinNumber = v
	}
	if v, ok := existing["verification_status"].(string); ok {
		winner.VerificationStatus = v
	}
	if v, ok := existing["ledger_hash"].(string); ok {
		winner.LedgerHash = v
	}
	if v, ok := existing["created_at"].(time.Time); ok {
		winner.CreatedAt = v
	}
	if v, ok := existing["updated_at"].(time.Time); ok {
		winner.UpdatedAt = v
	}
	return winner, model.ErrConflict
}

func (r *PinRepository) SetLedgerHash(ctx context.Context, userID, ledgerHash, status string) error {
	query := r.client.Query(ctx, setLedgerHashStmt, ledgerHash, status, time.Now().UTC(), userID)
	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		return fmt.Errorf("failed to set ledger hash: %w", err)
	}
	return nil
}

func (r *PinRepository) InsertVerification(ctx context.Context, v *model.PinVerification) error {
	query := r.client.Query(ctx, insertVerificationStmt,
		v.UserID, v.CreatedAt, v.VerificationID, v.PinNumber, v.VerifierType, v.VerifierID, v.VerificationHash)
	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		return fmt.Errorf("failed to insert PIN verification: %w", err)
	}
	return nil
}

func (r *PinRepository) AppendAudit(ctx context.Context, e *model.PinAuditEvent) error {
	part := r.buckets.AuditPartition(e.PinNumber, e.CreatedAt)

	query := r.client.Query(ctx, insertAuditStmt,
		part.EventBucket, part.EventDate, e.CreatedAt, e.EventID,
		nullableUUID(e.UserID), e.PinNumber, e.Event, e.Metadata)
	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		r.logger.Error("Failed to append PIN audit event",
			zap.String("event", e.Event),
			zap.String("event_id", e.EventID),
			zap.Error(err))
		return fmt.Errorf("failed to append PIN audit event: %w", err)
	}
	return nil
}

func nullableUUID(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}
