package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultProfileRole = "professional"

// ProfileSeed carries the optional profile fields supplied at registration.
type ProfileSeed struct {
	FullName string `json:"full_name,omitempty" validate:"omitempty,max=200,safetext"`
	Role     string `json:"role,omitempty" validate:"omitempty,oneof=professional employer recruiter agency"`
}

// PinIssuer is the part of PinService used for auto-issuance.
type PinIssuer interface {
	Issue(ctx context.Context, userID, customPin string) (*model.ProfessionalPin, error)
}

// AccountProvisioner creates a directory account for a contact. The pending
// mapping is claimed first, so two registrations for one contact cannot both
// reach the directory.
type AccountProvisioner struct {
	mappings    model.IdentityRepository
	directory   model.DirectoryRepository
	credentials CredentialHasher
	encrypter   FieldEncrypter
	notifier    Notifier
	tasks       TaskDispatcher
	pins        PinIssuer

	autoIssuePin     bool
	directoryTimeout time.Duration
	now              Clock
	logger           *zap.Logger
}

func NewAccountProvisioner(
	mappings model.IdentityRepository,
	directory model.DirectoryRepository,
	credentials CredentialHasher,
	encrypter FieldEncrypter,
	notifier Notifier,
	tasks TaskDispatcher,
	pins PinIssuer,
	cfg *config.Config,
	logger *zap.Logger,
) *AccountProvisioner {
	if tasks == nil {
		tasks = inlineDispatcher{}
	}
	timeout := cfg.Reconciliation.DirectoryTimeout
	if timeout <= 0 {
		timeout = defaultDirectoryTimeout
	}
	return &AccountProvisioner{
		mappings:         mappings,
		directory:        directory,
		credentials:      credentials,
		encrypter:        encrypter,
		notifier:         notifier,
		tasks:            tasks,
		pins:             pins,
		autoIssuePin:     cfg.PIN.AutoIssueOnSignup,
		directoryTimeout: timeout,
		now:              systemClock,
		logger:           logger,
	}
}

// Provision registers ref and returns the new user id. Once the directory
// account exists, later failures leave the mapping pending for the resolver
// to repair.
func (p *AccountProvisioner) Provision(ctx context.Context, ref ContactRef, seed ProfileSeed) (string, error) {
	if ref.Hash == "" || ref.Normalized == "" {
		return "", ErrInvalidInput
	}

	userID := uuid.NewString()
	now := p.now()

	_, err := p.mappings.Insert(ctx, &model.IdentityMapping{
		ContactHash: ref.Hash,
		UserID:      userID,
		Status:      model.MappingPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, model.ErrConflict) {
		return "", ErrAlreadyExists
	}
	if err != nil {
		return "", fmt.Errorf("%w: claim mapping: %v", ErrStorage, err)
	}

	user, err := p.newDirectoryUser(userID, ref, now)
	if err != nil {
		p.release(ctx, ref, userID)
		return "", err
	}

	dctx, cancel := context.WithTimeout(ctx, p.directoryTimeout)
	err = p.directory.CreateUser(dctx, user)
	cancel()
	if errors.Is(err, model.ErrConflict) {
		p.release(ctx, ref, userID)
		return "", ErrAlreadyExists
	}
	if err != nil {
		p.release(ctx, ref, userID)
		return "", fmt.Errorf("%w: create user: %v", ErrDirectory, err)
	}

	if err := p.writeProfile(ctx, userID, ref, seed, now); err != nil {
		return "", err
	}

	if err := p.mappings.Activate(ctx, ref.Hash, userID); err != nil {
		return "", fmt.Errorf("%w: activate mapping: %v", ErrStorage, err)
	}

	p.logger.Info("Account provisioned",
		zap.String("user_id", userID),
		zap.String("contact", hashing.RedactHash(ref.Hash)),
		zap.String("contact_type", ref.Type),
	)

	p.afterProvision(userID, ref)
	return userID, nil
}

func (p *AccountProvisioner) newDirectoryUser(userID string, ref ContactRef, now time.Time) (*model.DirectoryUser, error) {
	// The account is passwordless; the placeholder only fills the credential column.
	placeholder, err := hashing.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("placeholder credential: %w", err)
	}
	credential, err := p.credentials.HashCredential(placeholder)
	if err != nil {
		return nil, fmt.Errorf("hash placeholder credential: %w", err)
	}

	user := &model.DirectoryUser{
		ID:             userID,
		CredentialHash: credential,
		CreatedAt:      now,
	}
	contact := ref.Normalized
	if ref.Type == util.ContactTypeEmail {
		user.Email = &contact
	} else {
		user.Phone = &contact
	}
	return user, nil
}

func (p *AccountProvisioner) writeProfile(ctx context.Context, userID string, ref ContactRef, seed ProfileSeed, now time.Time) error {
	env, err := p.encrypter.EncryptField(ctx, ref.Normalized, userID)
	if err != nil {
		return fmt.Errorf("encrypt contact: %w", err)
	}

	role := seed.Role
	if role == "" {
		role = defaultProfileRole
	}

	dctx, cancel := context.WithTimeout(ctx, p.directoryTimeout)
	defer cancel()
	err = p.directory.CreateProfile(dctx, &model.Profile{
		UserID:           userID,
		ContactType:      ref.Type,
		ContactEncrypted: env.Ciphertext,
		ContactDEK:       env.EncryptedDEK,
		ContactKeyID:     env.KeyID,
		FullName:         util.SanitizeInput(seed.FullName),
		Role:             role,
		CreatedAt:        now,
	})
	if err != nil {
		return fmt.Errorf("%w: create profile: %v", ErrDirectory, err)
	}
	return nil
}

// release drops a pending claim whose registration never produced an account.
func (p *AccountProvisioner) release(ctx context.Context, ref ContactRef, userID string) {
	if _, err := p.mappings.Delete(ctx, ref.Hash, userID); err != nil {
		p.logger.Error("Failed to release pending mapping",
			zap.String("contact", hashing.RedactHash(ref.Hash)),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (p *AccountProvisioner) afterProvision(userID string, ref ContactRef) {
	if p.notifier != nil {
		contactType, to := ref.Type, ref.Normalized
		if err := p.tasks.Dispatch("welcome_notification", func(ctx context.Context) error {
			return p.notifier.SendWelcome(ctx, contactType, to)
		}); err != nil {
			p.logger.Warn("Welcome notification not scheduled", zap.String("user_id", userID), zap.Error(err))
		}
	}

	if p.autoIssuePin && p.pins != nil {
		if err := p.tasks.Dispatch("pin_auto_issue", func(ctx context.Context) error {
			_, err := p.pins.Issue(ctx, userID, "")
			return err
		}); err != nil {
			p.logger.Warn("PIN auto-issue not scheduled", zap.String("user_id", userID), zap.Error(err))
		}
	}
}
