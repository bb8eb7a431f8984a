package service

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"identity-service/internal/config"
	"identity-service/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOTPStore(t *testing.T, repo *memOTPRepo) *OTPStore {
	t.Helper()
	return NewOTPStore(repo, testHasher(t), config.OTPConfig{TTL: 10 * time.Minute, MaxAttempts: 5, Length: 6}, zap.NewNop())
}

func TestOTPStartPersistsFreshChallenge(t *testing.T) {
	repo := newMemOTPRepo()
	store := newTestOTPStore(t, repo)

	c, code, err := store.Start(context.Background(), "contact-hash", model.PurposeLogin, 0)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)
	assert.Equal(t, 0, c.Attempts)
	assert.False(t, c.Used)
	assert.Equal(t, 10*time.Minute, c.ExpiresAt.Sub(c.CreatedAt))
	assert.NotContains(t, c.OTPHash, code)
	require.Len(t, repo.rows["contact-hash"], 1)
}

func TestOTPStartStorageFailure(t *testing.T) {
	repo := newMemOTPRepo()
	repo.createErr = errors.New("unavailable")
	store := newTestOTPStore(t, repo)

	_, _, err := store.Start(context.Background(), "h", model.PurposeLogin, 0)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestOTPIsSingleUse(t *testing.T) {
	store := newTestOTPStore(t, newMemOTPRepo())
	ctx := context.Background()

	_, code, err := store.Start(ctx, "h", model.PurposeLogin, 0)
	require.NoError(t, err)

	c, err := store.Complete(ctx, "h", code)
	require.NoError(t, err)
	assert.True(t, c.Used)

	_, err = store.Complete(ctx, "h", code)
	assert.ErrorIs(t, err, ErrOTPNotFound)
}

func TestOTPExhaustsAfterFiveFailures(t *testing.T) {
	store := newTestOTPStore(t, newMemOTPRepo())
	store.codes = fixedCode("123456")
	ctx := context.Background()

	_, _, err := store.Start(ctx, "h", model.PurposeLogin, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.Complete(ctx, "h", "000000")
		assert.ErrorIs(t, err, ErrOTPMismatch, "attempt %d", i+1)
	}

	_, err = store.Complete(ctx, "h", "123456")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestOTPExpiredChallengeNeverMatches(t *testing.T) {
	repo := newMemOTPRepo()
	store := newTestOTPStore(t, repo)
	ctx := context.Background()

	_, code, err := store.Start(ctx, "h", model.PurposeLogin, 0)
	require.NoError(t, err)
	repo.expireAll(time.Now().Add(-time.Second))

	_, err = store.Complete(ctx, "h", code)
	assert.ErrorIs(t, err, ErrOTPNotFound)
}

func TestOTPExpiryIsEvaluatedAtReadTime(t *testing.T) {
	store := newTestOTPStore(t, newMemOTPRepo())
	ctx := context.Background()

	_, code, err := store.Start(ctx, "h", model.PurposeLogin, time.Minute)
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	_, err = store.Complete(ctx, "h", code)
	assert.ErrorIs(t, err, ErrOTPNotFound)
}

func TestOTPNewestChallengeWins(t *testing.T) {
	store := newTestOTPStore(t, newMemOTPRepo())
	ctx := context.Background()

	base := time.Now().UTC()
	store.now = func() time.Time { return base }
	store.codes = fixedCode("111111")
	_, _, err := store.Start(ctx, "h", model.PurposeLogin, 0)
	require.NoError(t, err)

	store.now = func() time.Time { return base.Add(time.Second) }
	store.codes = fixedCode("222222")
	_, _, err = store.Start(ctx, "h", model.PurposeLogin, 0)
	require.NoError(t, err)

	_, err = store.Complete(ctx, "h", "111111")
	assert.ErrorIs(t, err, ErrOTPMismatch)

	_, err = store.Complete(ctx, "h", "222222")
	assert.NoError(t, err)
}

func TestOTPLostAttemptRaceIsRecounted(t *testing.T) {
	repo := newMemOTPRepo()
	store := newTestOTPStore(t, repo)
	store.codes = fixedCode("123456")
	ctx := context.Background()

	_, _, err := store.Start(ctx, "h", model.PurposeLogin, 0)
	require.NoError(t, err)

	// A concurrent failure lands between our read and our CAS.
	repo.beforeIncrement = func(stored *model.OTPChallenge) { stored.Attempts++ }

	_, err = store.Complete(ctx, "h", "999999")
	assert.ErrorIs(t, err, ErrOTPMismatch)

	rows, err := repo.ListUnused(ctx, "h", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Attempts)
}

func TestOTPCandidateShapeDoesNotMatter(t *testing.T) {
	store := newTestOTPStore(t, newMemOTPRepo())
	store.codes = fixedCode("123456")
	ctx := context.Background()

	_, _, err := store.Start(ctx, "h", model.PurposeLogin, 0)
	require.NoError(t, err)

	for _, candidate := range []string{"1", "1234567890", "abcdef"} {
		_, err := store.Complete(ctx, "h", candidate)
		assert.ErrorIs(t, err, ErrOTPMismatch, candidate)
	}
}

func TestOTPListFailureIsStorageError(t *testing.T) {
	repo := newMemOTPRepo()
	repo.listErr = errors.New("timeout")
	store := newTestOTPStore(t, repo)

	_, err := store.Complete(context.Background(), "h", "123456")
	assert.ErrorIs(t, err, ErrStorage)
}

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := generateCode(6)
		require.NoError(t, err)
		assert.Len(t, code, 6)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1)
}
