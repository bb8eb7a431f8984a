package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	envelopeVersion = "v1"
	localKeyID      = "local"
)

// KMSAPI is the part of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Envelope is a field sealed with a per-value data key; only the wrapped key is stored.
type Envelope struct {
	Ciphertext   string `json:"ciphertext" db:"contact_encrypted"`
	EncryptedDEK string `json:"encrypted_dek" db:"contact_dek"`
	KeyID        string `json:"key_id" db:"contact_key_id"`
	Version      string `json:"version"`
}

type EncryptionManager struct {
	kms     KMSAPI
	enabled bool
	keyID   string

	// keyCache maps a wrapped DEK to its plaintext.
	keyCache sync.Map
}

func NewEncryptionManager(cfg *config.Config, client KMSAPI) *EncryptionManager {
	return &EncryptionManager{
		kms:     client,
		enabled: cfg.KMS.Enabled && client != nil,
		keyID:   cfg.KMS.KeyID,
	}
}

type dataKey struct {
	plaintext  []byte
	ciphertext []byte
	keyID      string
}

func (em *EncryptionManager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !em.enabled {
		return em.generateLocalKey()
	}

	result, err := em.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		plaintext:  result.Plaintext,
		ciphertext: result.CiphertextBlob,
		keyID:      em.keyID,
	}, nil
}

// generateLocalKey is for development only: the "wrapped" key is the raw key.
func (em *EncryptionManager) generateLocalKey() (*dataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local key: %w", err)
	}
	return &dataKey{plaintext: key, ciphertext: key, keyID: localKeyID}, nil
}

// EncryptField seals plaintext bound to aad (the owning record id), so a
// ciphertext copied onto another record fails to open.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, aad string) (*Envelope, error) {
	dk, err := em.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dk.plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	wrapped := base64.StdEncoding.EncodeToString(dk.ciphertext)
	em.keyCache.Store(wrapped, dk.plaintext)

	util.Debug("Field encrypted", util.String("key_id", dk.keyID))

	return &Envelope{
		Ciphertext:   base64.StdEncoding.EncodeToString(sealed),
		EncryptedDEK: wrapped,
		KeyID:        dk.keyID,
		Version:      envelopeVersion,
	}, nil
}

func (em *EncryptionManager) DecryptField(ctx context.Context, env *Envelope, aad string) (string, error) {
	if env == nil {
		return "", fmt.Errorf("%w: empty envelope", ErrDecryptionFailed)
	}

	key, err := em.unwrap(ctx, env)
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (em *EncryptionManager) unwrap(ctx context.Context, env *Envelope) ([]byte, error) {
	if cached, ok := em.keyCache.Load(env.EncryptedDEK); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(env.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var key []byte
	if env.KeyID == localKeyID {
		key = blob
	} else {
		if !em.enabled {
			return nil, fmt.Errorf("%w: KMS disabled for key %s", ErrDecryptionFailed, env.KeyID)
		}
		result, err := em.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		key = result.Plaintext
	}

	em.keyCache.Store(env.EncryptedDEK, key)
	return key, nil
}

func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
