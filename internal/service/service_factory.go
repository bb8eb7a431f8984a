package service

import (
	"identity-service/internal/config"
	"identity-service/internal/model"

	"go.uber.org/zap"
)

// Hasher is everything the services need from internal/hashing.
type Hasher interface {
	OTPHasher
	ContactHasher
	CredentialHasher
}

// Dependencies are the collaborators handed to the service layer.
type Dependencies struct {
	Config *config.Config

	OTPs       model.OTPRepository
	Mappings   model.IdentityRepository
	Pins       model.PinRepository
	Directory  model.DirectoryRepository
	RateLimits model.RateLimitStore

	Hasher    Hasher
	Encrypter FieldEncrypter
	Notifier  Notifier
	Tasks     TaskDispatcher
	Ledger    LedgerSubmitter
	Recorder  EventRecorder
	Logger    *zap.Logger
}

// ServiceFactory builds the services once and hands out the shared instances.
type ServiceFactory struct {
	rateLimiter  *RateLimiter
	otpStore     *OTPStore
	resolver     *IdentityResolver
	provisioner  *AccountProvisioner
	pinService   *PinService
	sessions     *SessionIssuer
	verification *VerificationService
}

// NewServiceFactory fails only on configuration that makes the services unusable.
func NewServiceFactory(d Dependencies) (*ServiceFactory, error) {
	cfg := d.Config
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sessions, err := NewSessionIssuer(cfg.Session.Secret, cfg.Session.TTL, cfg.Session.Issuer)
	if err != nil {
		return nil, err
	}

	f := &ServiceFactory{sessions: sessions}
	f.rateLimiter = NewRateLimiter(d.RateLimits, cfg.RateLimit, logger.Named("rate_limiter"))
	f.otpStore = NewOTPStore(d.OTPs, d.Hasher, cfg.OTP, logger.Named("otp"))
	f.resolver = NewIdentityResolver(d.Mappings, d.Directory, d.Recorder, cfg.Reconciliation, logger.Named("identity"))
	f.pinService = NewPinService(d.Pins, d.Tasks, d.Ledger, cfg.PIN, logger.Named("pin"))
	f.provisioner = NewAccountProvisioner(
		d.Mappings,
		d.Directory,
		d.Hasher,
		d.Encrypter,
		d.Notifier,
		d.Tasks,
		f.pinService,
		cfg,
		logger.Named("provisioner"),
	)
	f.verification = NewVerificationService(
		d.Hasher,
		f.rateLimiter,
		f.otpStore,
		f.resolver,
		f.provisioner,
		sessions,
		d.Notifier,
		d.Recorder,
		logger.Named("verification"),
	)
	return f, nil
}

func (f *ServiceFactory) Verification() *VerificationService { return f.verification }

func (f *ServiceFactory) Pins() *PinService { return f.pinService }

func (f *ServiceFactory) Sessions() *SessionIssuer { return f.sessions }

func (f *ServiceFactory) RateLimiter() *RateLimiter { return f.rateLimiter }

func (f *ServiceFactory) Resolver() *IdentityResolver { return f.resolver }
