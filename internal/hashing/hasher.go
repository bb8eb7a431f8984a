package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash     = errors.New("invalid hash format")
	ErrUnknownPepper   = errors.New("pepper version not found")
	ErrMissingPeppers  = errors.New("no peppers configured")
	errUnsupportedAlgo = errors.New("unsupported hash algorithm")
)

const algorithmArgon2ID = "argon2id-v1"

// Domain separation labels mixed into every argon2 input.
const (
	purposeOTP        = "otp"
	purposeCredential = "credential"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// Hasher owns every one-way transform applied to secrets and identifiers.
type Hasher struct {
	params      Argon2Params
	contactSalt []byte

	// peppers is fixed after construction; rotation is a config change and a restart.
	peppers map[int]string
	current int
}

// NewHasher builds a hasher from config. Peppers are versioned by position,
// starting at 1; the last one signs new hashes while older ones still verify.
// Outside production an empty pepper list is replaced by an ephemeral random pepper.
func NewHasher(cfg *config.Config) (*Hasher, error) {
	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		contactSalt: []byte(cfg.Hashing.ContactSalt),
		peppers:     make(map[int]string),
	}

	peppers := cfg.Hashing.Peppers
	if len(peppers) == 0 {
		if cfg.IsProduction() {
			return nil, ErrMissingPeppers
		}
		ephemeral, err := RandomToken(32)
		if err != nil {
			return nil, err
		}
		util.Warn("No peppers configured, using an ephemeral pepper")
		peppers = []string{ephemeral}
	}
	for i, p := range peppers {
		h.peppers[i+1] = p
	}
	h.current = len(peppers)

	return h, nil
}

func (h *Hasher) HashOTP(otp string) (*HashResult, error) {
	return h.hashWithPepper(otp, purposeOTP)
}

// VerifyOTP hashes the candidate whatever its length and compares in constant time.
func (h *Hasher) VerifyOTP(otp string, stored *HashResult) (bool, error) {
	return h.verifyWithPepper(otp, stored, purposeOTP)
}

// HashCredential returns an encoded argon2id hash suitable for a single text column.
func (h *Hasher) HashCredential(secret string) (string, error) {
	res, err := h.hashWithPepper(secret, purposeCredential)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s$%d$%s$%s", res.Algorithm, res.PepperVersion, res.Salt, res.Hash), nil
}

func (h *Hasher) hashWithPepper(data, purpose string) (*HashResult, error) {
	version := h.current
	pepper := h.peppers[version]

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(key),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     algorithmArgon2ID,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, stored *HashResult, purpose string) (bool, error) {
	if stored == nil {
		return false, ErrInvalidHash
	}
	if stored.Algorithm != algorithmArgon2ID {
		return false, errUnsupportedAlgo
	}

	pepper, ok := h.peppers[stored.PepperVersion]
	if !ok {
		return false, ErrUnknownPepper
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// HashContact derives the lookup key for a normalized contact. It is deterministic
// so the same contact always maps to the same row.
func (h *Hasher) HashContact(normalized string) string {
	mac := hmac.New(sha256.New, h.contactSalt)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerificationHash binds a PIN verification to its participants, time and a nonce.
func VerificationHash(userID, pin, verifierType, verifierID string, unixNano int64, nonce string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		userID, pin, verifierType, verifierID, fmt.Sprintf("%d", unixNano), nonce,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// LedgerHash is the durable fingerprint of an issued PIN submitted for tamper evidence.
func LedgerHash(userID, pin string, createdUnix int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", userID, pin, createdUnix)))
	return hex.EncodeToString(sum[:])
}

// Redact returns a short stable fingerprint safe for logs.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return "h:" + hex.EncodeToString(sum[:6])
}

// RedactHash shortens an already hashed value for logs.
func RedactHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}

// RandomToken returns n random bytes, URL-safe base64 encoded.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
