package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/model"
	"identity-service/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhone = "+2348000000001"

func (h *harness) login(t *testing.T, contact string, register bool) (*CompleteResponse, error) {
	t.Helper()
	ctx := context.Background()
	svc := h.factory.Verification()

	if _, err := svc.StartVerification(ctx, StartRequest{Contact: contact, CreateAccount: register}); err != nil {
		return nil, err
	}
	return svc.CompleteVerification(ctx, CompleteRequest{
		Contact:       contact,
		OTP:           h.notifier.lastCode(util.NormalizeContact(contact)),
		CreateAccount: register,
	})
}

func TestScenarioPhoneLoginIsStable(t *testing.T) {
	h := newHarness(t)
	h.factory.otpStore.codes = fixedCode("123456")
	ctx := context.Background()
	svc := h.factory.Verification()

	start, err := svc.StartVerification(ctx, StartRequest{Contact: testPhone, CreateAccount: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, start.Status)
	assert.Equal(t, int64(600), start.ExpiresIn)
	assert.Equal(t, "123456", h.notifier.lastCode(testPhone))

	first, err := svc.CompleteVerification(ctx, CompleteRequest{Contact: testPhone, OTP: "123456", CreateAccount: true})
	require.NoError(t, err)
	assert.NotEmpty(t, first.AccessToken)
	assert.True(t, first.User.IsNew)
	assert.Equal(t, "phone", first.User.ContactType)

	for i := 0; i < 2; i++ {
		_, err := svc.StartVerification(ctx, StartRequest{Contact: testPhone})
		require.NoError(t, err)
		again, err := svc.CompleteVerification(ctx, CompleteRequest{Contact: testPhone, OTP: "123456"})
		require.NoError(t, err)
		assert.NotEmpty(t, again.AccessToken)
		assert.False(t, again.User.IsNew)
		assert.Equal(t, first.User.ID, again.User.ID)
	}

	claims, err := h.factory.Sessions().Parse(first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, claims.Subject)
}

func TestRegistrationSideEffects(t *testing.T) {
	h := newHarness(t)

	resp, err := h.login(t, "Alice@Example.com ", true)
	require.NoError(t, err)
	userID := resp.User.ID

	assert.Equal(t, []string{"alice@example.com"}, h.notifier.welcomes)
	assert.Contains(t, h.tasks.names, "welcome_notification")
	assert.Contains(t, h.tasks.names, "pin_auto_issue")

	pin, err := h.factory.Pins().Get(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ValidPinFormat(pin.PinNumber))

	profile := h.directory.profiles[userID]
	require.NotNil(t, profile)
	assert.NotContains(t, profile.ContactEncrypted, "alice")
	assert.Equal(t, "professional", profile.Role)

	claims, err := h.factory.Sessions().Parse(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", claims.Email)

	assert.Contains(t, h.recorder.names(), audit.EventRegistered)
}

func TestStartRegistrationForExistingAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.login(t, testPhone, true)
	require.NoError(t, err)

	_, err = h.factory.Verification().StartVerification(context.Background(), StartRequest{Contact: testPhone, CreateAccount: true})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStartLoginWithoutAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.factory.Verification().StartVerification(context.Background(), StartRequest{Contact: testPhone})
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Empty(t, h.notifier.lastCode(testPhone), "no code is sent for an unknown login")
}

func TestLoginToDeletedAccount(t *testing.T) {
	h := newHarness(t)
	resp, err := h.login(t, testPhone, true)
	require.NoError(t, err)

	h.directory.remove(resp.User.ID)

	_, err = h.factory.Verification().StartVerification(context.Background(), StartRequest{Contact: testPhone})
	assert.ErrorIs(t, err, ErrAccountDeleted)
	assert.Equal(t, ClassSecurity, ClassOf(err))

	// After the purge the contact is free for a fresh registration.
	fresh, err := h.login(t, testPhone, true)
	require.NoError(t, err)
	assert.True(t, fresh.User.IsNew)
	assert.NotEqual(t, resp.User.ID, fresh.User.ID)
}

func TestCompleteRegistrationForExistingAccountLogsIn(t *testing.T) {
	h := newHarness(t)
	first, err := h.login(t, testPhone, true)
	require.NoError(t, err)

	// Start as login, then complete asking to register: proven possession logs in.
	ctx := context.Background()
	svc := h.factory.Verification()
	_, err = svc.StartVerification(ctx, StartRequest{Contact: testPhone})
	require.NoError(t, err)
	resp, err := svc.CompleteVerification(ctx, CompleteRequest{Contact: testPhone, OTP: h.notifier.lastCode(testPhone), CreateAccount: true})
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, resp.User.ID)
	assert.False(t, resp.User.IsNew)
	assert.Equal(t, 1, h.directory.count())
}

func TestCompleteWithWrongCode(t *testing.T) {
	h := newHarness(t)
	h.factory.otpStore.codes = fixedCode("123456")
	ctx := context.Background()
	svc := h.factory.Verification()

	_, err := svc.StartVerification(ctx, StartRequest{Contact: testPhone, CreateAccount: true})
	require.NoError(t, err)

	_, err = svc.CompleteVerification(ctx, CompleteRequest{Contact: testPhone, OTP: "000000", CreateAccount: true})
	assert.ErrorIs(t, err, ErrOTPMismatch)
	assert.Equal(t, 0, h.directory.count())
	assert.Contains(t, h.recorder.names(), audit.EventOTPFailed)
}

func TestStartDeliveryFailure(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("provider down")

	_, err := h.factory.Verification().StartVerification(context.Background(), StartRequest{Contact: testPhone, CreateAccount: true})
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, ClassDependency, ClassOf(err))
}

func TestStartRejectsMalformedContacts(t *testing.T) {
	h := newHarness(t)
	svc := h.factory.Verification()

	for _, req := range []StartRequest{
		{Contact: ""},
		{Contact: "not-an-email@"},
		{Contact: "08000000001"},
		{Contact: "a@example.com", ContactType: "phone"},
		{Contact: testPhone, ContactType: "fax"},
	} {
		_, err := svc.StartVerification(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidInput, req.Contact)
	}
}

func TestStartIsRateLimited(t *testing.T) {
	h := newHarness(t)
	rl, _ := newRedisLimiter(t, h.cfg.RateLimit)
	rl.policies.StartPerContact = 2
	rl.policies.OTPWindow = time.Minute
	h.factory.verification.limiter = rl

	svc := h.factory.Verification()
	for i := 0; i < 2; i++ {
		_, err := svc.StartVerification(context.Background(), StartRequest{Contact: testPhone, CreateAccount: true})
		require.NoError(t, err)
	}
	_, err := svc.StartVerification(context.Background(), StartRequest{Contact: testPhone, CreateAccount: true})

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Contains(t, h.recorder.names(), audit.EventRateLimited)
}

func TestConcurrentRegistrationConflictLogsIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.factory.Verification()

	_, err := svc.StartVerification(ctx, StartRequest{Contact: testPhone, CreateAccount: true})
	require.NoError(t, err)
	code := h.notifier.lastCode(testPhone)

	// Another registration for the same contact completes between resolve and provision.
	race := &raceMappings{
		memIdentityRepo: h.mappings,
		directory:       h.directory,
		hash:            h.hasher.HashContact(testPhone),
		phone:           testPhone,
		winner:          "winner",
	}
	h.factory.resolver.mappings = race
	h.factory.provisioner.mappings = race

	resp, err := svc.CompleteVerification(ctx, CompleteRequest{Contact: testPhone, OTP: code, CreateAccount: true})
	require.NoError(t, err)
	assert.Equal(t, "winner", resp.User.ID)
	assert.False(t, resp.User.IsNew)
}

// raceMappings lets a competing registration for the contact land just
// before the caller claims the mapping.
type raceMappings struct {
	*memIdentityRepo
	directory *memDirectory
	hash      string
	phone     string
	winner    string
}

func (r *raceMappings) Insert(ctx context.Context, m *model.IdentityMapping) (*model.IdentityMapping, error) {
	if m.ContactHash == r.hash && r.memIdentityRepo.get(r.hash) == nil {
		r.directory.addUser(r.winner, r.phone)
		r.memIdentityRepo.put(&model.IdentityMapping{ContactHash: r.hash, UserID: r.winner, Status: model.MappingActive})
	}
	return r.memIdentityRepo.Insert(ctx, m)
}

func TestCompleteRejectsMarkupInProfileName(t *testing.T) {
	h := newHarness(t)
	h.factory.otpStore.codes = fixedCode("123456")
	ctx := context.Background()
	svc := h.factory.Verification()

	_, err := svc.StartVerification(ctx, StartRequest{Contact: testPhone, CreateAccount: true})
	require.NoError(t, err)

	for _, name := range []string{"<script>alert(1)</script>", "{{.Env}}", "${jndi}"} {
		_, err = svc.CompleteVerification(ctx, CompleteRequest{
			Contact:       testPhone,
			OTP:           "123456",
			CreateAccount: true,
			ProfileSeed:   &ProfileSeed{FullName: name},
		})
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}
	assert.Equal(t, 0, h.directory.count())

	// The rejected attempts did not consume the code.
	resp, err := svc.CompleteVerification(ctx, CompleteRequest{
		Contact:       testPhone,
		OTP:           "123456",
		CreateAccount: true,
		ProfileSeed:   &ProfileSeed{FullName: "Ada Lovelace"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", h.directory.profiles[resp.User.ID].FullName)
}
