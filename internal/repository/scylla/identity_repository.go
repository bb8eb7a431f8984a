package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/hashing"
	"identity-service/internal/model"
)

const (
	getMappingStmt = `SELECT contact_hash, user_id, status, created_at, updated_at
		FROM identity_mappings WHERE contact_hash = ?`

	insertMappingStmt = `INSERT INTO identity_mappings (contact_hash, user_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?) IF NOT EXISTS`

	activateMappingStmt = `UPDATE identity_mappings SET status = ?, updated_at = ?
		WHERE contact_hash = ? IF user_id = ?`

	deleteMappingStmt = `DELETE FROM identity_mappings WHERE contact_hash = ? IF user_id = ?`
)

// IdentityRepository stores contact hash to user id mappings. Every write is
// conditional so concurrent resolvers and provisioners cannot clobber each other.
type IdentityRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

var _ model.IdentityRepository = (*IdentityRepository)(nil)

func NewIdentityRepository(client *ScyllaClient, logger *zap.Logger) *IdentityRepository {
	return &IdentityRepository{client: client, logger: logger}
}

func (r *IdentityRepository) Get(ctx context.Context, contactHash string) (*model.IdentityMapping, error) {
	m := &model.IdentityMapping{}
	var status string

	err := r.client.ScanWithRetry(ctx, r.client.Query(ctx, getMappingStmt, contactHash),
		&m.ContactHash, &m.UserID, &status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get identity mapping: %w", err)
	}
	m.Status = model.MappingStatus(status)
	return m, nil
}

func (r *IdentityRepository) Insert(ctx context.Context, m *model.IdentityMapping) (*model.IdentityMapping, error) {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, insertMappingStmt,
		m.ContactHash, m.UserID, string(m.Status), m.CreatedAt, m.UpdatedAt).
		MapScanCAS(existing)
	if err != nil {
		return nil, fmt.Errorf("failed to insert identity mapping: %w", err)
	}
	if applied {
		return nil, nil
	}

	r.logger.Debug("Identity mapping insert lost race",
		zap.String("contact", hashing.RedactHash(m.ContactHash)))
	return mappingFromRow(m.ContactHash, existing), model.ErrConflict
}

func (r *IdentityRepository) Activate(ctx context.Context, contactHash, userID string) error {
	applied, err := r.client.Query(ctx, activateMappingStmt,
		string(model.MappingActive), time.Now().UTC(), contactHash, userID).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to activate identity mapping: %w", err)
	}
	if !applied {
		return model.ErrConflict
	}
	return nil
}

func (r *IdentityRepository) Delete(ctx context.Context, contactHash, userID string) (bool, error) {
	applied, err := r.client.Query(ctx, deleteMappingStmt, contactHash, userID).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to delete identity mapping: %w", err)
	}
	return applied, nil
}

func mappingFromRow(contactHash string, row map[string]interface{}) *model.IdentityMapping {
	m := &model.IdentityMapping{ContactHash: contactHash}
	if v, ok := row["user_id"].(gocql.UUID); ok {
		m.UserID = v.String()
	}
	if v, ok := row["status"].(string); ok {
		m.Status = model.MappingStatus(v)
	}
	if v, ok := row["created_at"].(time.Time); ok {
		m.CreatedAt = v
	}
	if v, ok := row["updated_at"].(time.Time); ok {
		m.UpdatedAt = v
	}
	return m
}
