package model

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a uniqueness guard rejects a write.
	ErrConflict = errors.New("record already exists")
)

// -------------------- OTP CHALLENGE --------------------

// OTPChallenge is one issued code for a contact. Rows are never deleted;
// they retire by being used, exhausted or expired.
type OTPChallenge struct {
	ContactHash   string    `json:"-" db:"contact_hash"`
	OTPID         string    `json:"otp_id" db:"otp_id"`
	OTPHash       string    `json:"-" db:"otp_hash"`
	OTPSalt       string    `json:"-" db:"otp_salt"`
	HashAlgorithm string    `json:"-" db:"hash_algorithm"`
	PepperVersion int       `json:"-" db:"pepper_version"`
	Purpose       string    `json:"purpose" db:"purpose"`
	Attempts      int       `json:"attempts" db:"attempts"`
	Used          bool      `json:"used" db:"used"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
}

// Usable reports whether the challenge may still be redeemed at now.
func (c *OTPChallenge) Usable(now time.Time) bool {
	return !c.Used && now.Before(c.ExpiresAt)
}

const (
	PurposeLogin        = "login"
	PurposeRegistration = "registration"
)

// -------------------- IDENTITY MAPPING --------------------

type MappingStatus string

const (
	MappingActive MappingStatus = "active"
	// MappingPending marks a provisioning that has claimed the contact but not finished.
	MappingPending MappingStatus = "pending"
)

// IdentityMapping links a contact hash to its directory account.
type IdentityMapping struct {
	ContactHash string        `json:"-" db:"contact_hash"`
	UserID      string        `json:"user_id" db:"user_id"`
	Status      MappingStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// -------------------- PROFESSIONAL PIN --------------------

const (
	PinStatusIssued   = "issued"
	PinStatusRecorded = "ledger_recorded"
)

type ProfessionalPin struct {
	UserID             string    `json:"user_id" db:"user_id"`
	PinNumber          string    `json:"pin" db:"pin_number"`
	VerificationStatus string    `json:"verification_status" db:"verification_status"`
	LedgerHash         string    `json:"ledger_hash,omitempty" db:"ledger_hash"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// PinVerification is an append-only record of one successful third-party check.
type PinVerification struct {
	VerificationID   string    `json:"verification_id" db:"verification_id"`
	UserID           string    `json:"user_id" db:"user_id"`
	PinNumber        string    `json:"pin" db:"pin_number"`
	VerifierType     string    `json:"verifier_type" db:"verifier_type"`
	VerifierID       string    `json:"verifier_id" db:"verifier_id"`
	VerificationHash string    `json:"verification_hash" db:"verification_hash"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

const (
	EventPinCreated            = "PIN_CREATED"
	EventPinVerified           = "PIN_VERIFIED"
	EventPinVerificationFailed = "PIN_VERIFICATION_FAILED"
	EventPinLedgerRecorded     = "PIN_BLOCKCHAIN_RECORDED"
)

// PinAuditEvent is append-only. UserID is empty when the PIN did not resolve.
type PinAuditEvent struct {
	EventID   string            `json:"event_id" db:"event_id"`
	UserID    string            `json:"user_id,omitempty" db:"user_id"`
	PinNumber string            `json:"pin" db:"pin_number"`
	Event     string            `json:"event" db:"event"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// -------------------- DIRECTORY --------------------

// DirectoryUser is the ground truth for account existence.
type DirectoryUser struct {
	ID             string     `db:"id"`
	Email          *string    `db:"email"`
	Phone          *string    `db:"phone"`
	CredentialHash string     `db:"credential_hash"`
	CreatedAt      time.Time  `db:"created_at"`
	DeletedAt      *time.Time `db:"deleted_at"`
}

// Profile is the baseline profile written at registration; the contact is envelope encrypted.
type Profile struct {
	UserID           string    `db:"user_id"`
	ContactType      string    `db:"contact_type"`
	ContactEncrypted string    `db:"contact_encrypted"`
	ContactDEK       string    `db:"contact_dek"`
	ContactKeyID     string    `db:"contact_key_id"`
	FullName         string    `db:"full_name"`
	Role             string    `db:"role"`
	CreatedAt        time.Time `db:"created_at"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// OTPRepository stores challenges. Attempt and usage updates are compare-and-set.
type OTPRepository interface {
	Create(ctx context.Context, c *OTPChallenge) error
	// ListUnused returns unused challenges for the contact, newest first.
	ListUnused(ctx context.Context, contactHash string, limit int) ([]*OTPChallenge, error)
	// IncrementAttempts bumps attempts only if the row still has the attempts
	// and used values in c; it reports false when another writer got there first.
	IncrementAttempts(ctx context.Context, c *OTPChallenge) (bool, error)
	// MarkUsed flips used to true only if it is still false.
	MarkUsed(ctx context.Context, c *OTPChallenge) (bool, error)
}

type IdentityRepository interface {
	Get(ctx context.Context, contactHash string) (*IdentityMapping, error)
	// Insert writes m only if no mapping exists. On conflict it returns the
	// existing row together with ErrConflict.
	Insert(ctx context.Context, m *IdentityMapping) (*IdentityMapping, error)
	// Activate marks a pending mapping active; ErrConflict if it no longer points at userID.
	Activate(ctx context.Context, contactHash, userID string) error
	// Delete removes the mapping only while it still points at userID.
	Delete(ctx context.Context, contactHash, userID string) (bool, error)
}

type PinRepository interface {
	GetByUser(ctx context.Context, userID string) (*ProfessionalPin, error)
	// GetByNumber resolves a PIN number to the owning user's PIN row.
	GetByNumber(ctx context.Context, pin string) (*ProfessionalPin, error)
	NumberExists(ctx context.Context, pin string) (bool, error)
	// ClaimNumber reserves pin for userID; false when the number is taken.
	ClaimNumber(ctx context.Context, pin, userID string, at time.Time) (bool, error)
	ReleaseNumber(ctx context.Context, pin, userID string) error
	// InsertForUser writes p only if the user has no PIN. On conflict it
	// returns the existing row together with ErrConflict.
	InsertForUser(ctx context.Context, p *ProfessionalPin) (*ProfessionalPin, error)
	SetLedgerHash(ctx context.Context, userID, ledgerHash, status string) error
	InsertVerification(ctx context.Context, v *PinVerification) error
	AppendAudit(ctx context.Context, e *PinAuditEvent) error
}

type DirectoryRepository interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	FindByContact(ctx context.Context, contactType, normalized string) (*DirectoryUser, error)
	CreateUser(ctx context.Context, u *DirectoryUser) error
	CreateProfile(ctx context.Context, p *Profile) error
}

// RateLimitStore counts hits in a window and reports the count and the time left.
type RateLimitStore interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (count int64, ttl time.Duration, err error)
}
