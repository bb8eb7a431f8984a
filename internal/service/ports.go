package service

import (
	"context"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
)

// Collaborators the services depend on. Concrete implementations live in
// internal/delivery, internal/tasks, internal/ledger, internal/audit,
// internal/hashing and internal/encryption.

type Notifier interface {
	SendOTP(ctx context.Context, contactType, to, code string, ttl time.Duration) error
	SendWelcome(ctx context.Context, contactType, to string) error
}

// TaskDispatcher runs fn asynchronously with its own retries.
type TaskDispatcher interface {
	Dispatch(name string, fn func(ctx context.Context) error) error
}

type LedgerSubmitter interface {
	Submit(ctx context.Context, userID, ledgerHash string) error
}

type EventRecorder interface {
	Record(ctx context.Context, e audit.Event)
}

type OTPHasher interface {
	HashOTP(otp string) (*hashing.HashResult, error)
	VerifyOTP(otp string, stored *hashing.HashResult) (bool, error)
}

type ContactHasher interface {
	HashContact(normalized string) string
}

type CredentialHasher interface {
	HashCredential(secret string) (string, error)
}

type FieldEncrypter interface {
	EncryptField(ctx context.Context, plaintext, aad string) (*encryption.Envelope, error)
}

// Clock is swapped in tests.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// inlineDispatcher runs tasks synchronously. It backs services built without
// a dispatcher, mostly in tests.
type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(_ string, fn func(ctx context.Context) error) error {
	return fn(context.Background())
}

type noopRecorder struct{}

func (noopRecorder) Record(context.Context, audit.Event) {}
