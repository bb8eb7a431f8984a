package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

const uniqueViolation = "23505"

const directorySchema = `
CREATE TABLE IF NOT EXISTS directory_users (
	id              UUID PRIMARY KEY,
	email           TEXT,
	phone           TEXT,
	credential_hash TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at      TIMESTAMPTZ
);

-- Uniqueness covers live users only, so a soft-deleted contact can register again.
ALTER TABLE directory_users DROP CONSTRAINT IF EXISTS directory_users_email_key;
ALTER TABLE directory_users DROP CONSTRAINT IF EXISTS directory_users_phone_key;
CREATE UNIQUE INDEX IF NOT EXISTS directory_users_live_email
	ON directory_users (email) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS directory_users_live_phone
	ON directory_users (phone) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS profiles (
	user_id           UUID PRIMARY KEY REFERENCES directory_users(id),
	contact_type      TEXT NOT NULL,
	contact_encrypted TEXT NOT NULL,
	contact_dek       TEXT NOT NULL,
	contact_key_id    TEXT NOT NULL,
	full_name         TEXT NOT NULL DEFAULT '',
	role              TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// DirectoryRepository is the user directory backed by Postgres. Soft-deleted
// users count as absent everywhere.
type DirectoryRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ model.DirectoryRepository = (*DirectoryRepository)(nil)

func NewDirectoryRepository(db *sqlx.DB, logger *zap.Logger) *DirectoryRepository {
	return &DirectoryRepository{db: db, logger: logger}
}

func (r *DirectoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, directorySchema); err != nil {
		return fmt.Errorf("failed to apply directory schema: %w", err)
	}
	return nil
}

func (r *DirectoryRepository) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM directory_users WHERE id = $1 AND deleted_at IS NULL)`
	if err := r.db.GetContext(ctx, &exists, query, userID); err != nil {
		return false, fmt.Errorf("failed to check directory user: %w", err)
	}
	return exists, nil
}

func (r *DirectoryRepository) FindByContact(ctx context.Context, contactType, normalized string) (*model.DirectoryUser, error) {
	column := "phone"
	if contactType == util.ContactTypeEmail {
		column = "email"
	}

	var u model.DirectoryUser
	query := `SELECT id, email, phone, credential_hash, created_at, deleted_at
		FROM directory_users WHERE ` + column + ` = $1 AND deleted_at IS NULL`
	if err := r.db.GetContext(ctx, &u, query, normalized); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find directory user: %w", err)
	}
	return &u, nil
}

func (r *DirectoryRepository) CreateUser(ctx context.Context, u *model.DirectoryUser) error {
	query := `INSERT INTO directory_users (id, email, phone, credential_hash, created_at)
		VALUES (:id, :email, :phone, :credential_hash, :created_at)`

	if _, err := r.db.NamedExecContext(ctx, query, u); err != nil {
		if isUniqueViolation(err) {
			return model.ErrConflict
		}
		return fmt.Errorf("failed to create directory user: %w", err)
	}
	return nil
}

func (r *DirectoryRepository) CreateProfile(ctx context.Context, p *model.Profile) error {
	query := `INSERT INTO profiles (
			user_id, contact_type, contact_encrypted, contact_dek, contact_key_id, full_name, role, created_at
		) VALUES (
			:user_id, :contact_type, :contact_encrypted, :contact_dek, :contact_key_id, :full_name, :role, :created_at
		)
		ON CONFLICT (user_id) DO NOTHING`

	if _, err := r.db.NamedExecContext(ctx, query, p); err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
