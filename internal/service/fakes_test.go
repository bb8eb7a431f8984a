package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/model"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// -------------------- OTP --------------------

type memOTPRepo struct {
	mu        sync.Mutex
	rows      map[string][]*model.OTPChallenge
	createErr error
	listErr   error
	// beforeIncrement runs inside IncrementAttempts before the CAS check.
	beforeIncrement func(stored *model.OTPChallenge)
}

func newMemOTPRepo() *memOTPRepo {
	return &memOTPRepo{rows: map[string][]*model.OTPChallenge{}}
}

func (r *memOTPRepo) Create(_ context.Context, c *model.OTPChallenge) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.rows[c.ContactHash] = append(r.rows[c.ContactHash], &cp)
	return nil
}

func (r *memOTPRepo) ListUnused(_ context.Context, contactHash string, limit int) ([]*model.OTPChallenge, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.OTPChallenge
	for _, c := range r.rows[contactHash] {
		if !c.Used {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOTPRepo) find(c *model.OTPChallenge) *model.OTPChallenge {
	for _, s := range r.rows[c.ContactHash] {
		if s.OTPID == c.OTPID {
			return s
		}
	}
	return nil
}

func (r *memOTPRepo) IncrementAttempts(_ context.Context, c *model.OTPChallenge) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.find(c)
	if s == nil {
		return false, nil
	}
	if r.beforeIncrement != nil {
		hook := r.beforeIncrement
		r.beforeIncrement = nil
		hook(s)
	}
	if s.Attempts != c.Attempts || s.Used {
		return false, nil
	}
	s.Attempts++
	return true, nil
}

func (r *memOTPRepo) MarkUsed(_ context.Context, c *model.OTPChallenge) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.find(c)
	if s == nil || s.Used {
		return false, nil
	}
	s.Used = true
	return true, nil
}

func (r *memOTPRepo) expireAll(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rows := range r.rows {
		for _, c := range rows {
			c.ExpiresAt = at
		}
	}
}

// -------------------- identity mappings --------------------

type memIdentityRepo struct {
	mu        sync.Mutex
	rows      map[string]*model.IdentityMapping
	getErr    error
	deleteErr error
	insertErr error
}

func newMemIdentityRepo() *memIdentityRepo {
	return &memIdentityRepo{rows: map[string]*model.IdentityMapping{}}
}

func (r *memIdentityRepo) Get(_ context.Context, contactHash string) (*model.IdentityMapping, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[contactHash]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memIdentityRepo) Insert(_ context.Context, m *model.IdentityMapping) (*model.IdentityMapping, error) {
	if r.insertErr != nil {
		return nil, r.insertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rows[m.ContactHash]; ok {
		cp := *existing
		return &cp, model.ErrConflict
	}
	cp := *m
	r.rows[m.ContactHash] = &cp
	return nil, nil
}

func (r *memIdentityRepo) Activate(_ context.Context, contactHash, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[contactHash]
	if !ok || m.UserID != userID {
		return model.ErrConflict
	}
	m.Status = model.MappingActive
	return nil
}

func (r *memIdentityRepo) Delete(_ context.Context, contactHash, userID string) (bool, error) {
	if r.deleteErr != nil {
		return false, r.deleteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[contactHash]
	if !ok || m.UserID != userID {
		return false, nil
	}
	delete(r.rows, contactHash)
	return true, nil
}

func (r *memIdentityRepo) put(m *model.IdentityMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.rows[m.ContactHash] = &cp
}

func (r *memIdentityRepo) get(hash string) *model.IdentityMapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[hash]
}

// -------------------- directory --------------------

type memDirectory struct {
	mu        sync.Mutex
	users     map[string]*model.DirectoryUser
	profiles  map[string]*model.Profile
	existsErr error
	findErr   error
	createErr error
}

func newMemDirectory() *memDirectory {
	return &memDirectory{users: map[string]*model.DirectoryUser{}, profiles: map[string]*model.Profile{}}
}

func (d *memDirectory) UserExists(_ context.Context, userID string) (bool, error) {
	if d.existsErr != nil {
		return false, d.existsErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	return ok && u.DeletedAt == nil, nil
}

func (d *memDirectory) FindByContact(_ context.Context, contactType, normalized string) (*model.DirectoryUser, error) {
	if d.findErr != nil {
		return nil, d.findErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.DeletedAt != nil {
			continue
		}
		if (u.Email != nil && *u.Email == normalized) || (u.Phone != nil && *u.Phone == normalized) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

// CreateUser mirrors the partial unique indexes on directory_users: only
// live rows hold their email and phone.
func (d *memDirectory) CreateUser(_ context.Context, u *model.DirectoryUser) error {
	if d.createErr != nil {
		return d.createErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.users {
		if existing.DeletedAt != nil {
			continue
		}
		if (u.Email != nil && existing.Email != nil && *u.Email == *existing.Email) ||
			(u.Phone != nil && existing.Phone != nil && *u.Phone == *existing.Phone) {
			return model.ErrConflict
		}
	}
	cp := *u
	d.users[u.ID] = &cp
	return nil
}

func (d *memDirectory) CreateProfile(_ context.Context, p *model.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *p
	d.profiles[p.UserID] = &cp
	return nil
}

func (d *memDirectory) addUser(id, phone string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := phone
	d.users[id] = &model.DirectoryUser{ID: id, Phone: &p, CreatedAt: time.Now()}
}

func (d *memDirectory) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, id)
}

func (d *memDirectory) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

// -------------------- pins --------------------

type memPinRepo struct {
	mu            sync.Mutex
	byUser        map[string]*model.ProfessionalPin
	numbers       map[string]string
	verifications []*model.PinVerification
	audits        []*model.PinAuditEvent
	alwaysExists  bool
	// raceWinner, when set, is persisted for the user just before InsertForUser runs.
	raceWinner *model.ProfessionalPin
	released   []string
	lookups    int
}

func newMemPinRepo() *memPinRepo {
	return &memPinRepo{byUser: map[string]*model.ProfessionalPin{}, numbers: map[string]string{}}
}

func (r *memPinRepo) GetByUser(_ context.Context, userID string) (*model.ProfessionalPin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUser[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPinRepo) GetByNumber(_ context.Context, pin string) (*model.ProfessionalPin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	owner, ok := r.numbers[pin]
	if !ok {
		return nil, model.ErrNotFound
	}
	p, ok := r.byUser[owner]
	if !ok || p.PinNumber != pin {
		return nil, model.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPinRepo) NumberExists(_ context.Context, pin string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.alwaysExists {
		return true, nil
	}
	_, ok := r.numbers[pin]
	return ok, nil
}

func (r *memPinRepo) ClaimNumber(_ context.Context, pin, userID string, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.numbers[pin]; ok {
		return false, nil
	}
	r.numbers[pin] = userID
	return true, nil
}

func (r *memPinRepo) ReleaseNumber(_ context.Context, pin, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.numbers[pin] == userID {
		delete(r.numbers, pin)
		r.released = append(r.released, pin)
	}
	return nil
}

func (r *memPinRepo) InsertForUser(_ context.Context, p *model.ProfessionalPin) (*model.ProfessionalPin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.raceWinner != nil {
		w := *r.raceWinner
		r.byUser[w.UserID] = &w
		r.numbers[w.PinNumber] = w.UserID
		r.raceWinner = nil
	}
	if existing, ok := r.byUser[p.UserID]; ok {
		cp := *existing
		return &cp, model.ErrConflict
	}
	cp := *p
	r.byUser[p.UserID] = &cp
	return nil, nil
}

func (r *memPinRepo) SetLedgerHash(_ context.Context, userID, ledgerHash, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUser[userID]
	if !ok {
		return model.ErrNotFound
	}
	p.LedgerHash = ledgerHash
	p.VerificationStatus = status
	return nil
}

func (r *memPinRepo) InsertVerification(_ context.Context, v *model.PinVerification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *v
	r.verifications = append(r.verifications, &cp)
	return nil
}

func (r *memPinRepo) AppendAudit(_ context.Context, e *model.PinAuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.audits = append(r.audits, &cp)
	return nil
}

func (r *memPinRepo) auditEvents(name string) []*model.PinAuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.PinAuditEvent
	for _, e := range r.audits {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

// -------------------- collaborators --------------------

type fakeNotifier struct {
	mu       sync.Mutex
	codes    map[string]string
	welcomes []string
	err      error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{codes: map[string]string{}}
}

func (n *fakeNotifier) SendOTP(_ context.Context, _, to, code string, _ time.Duration) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes[to] = code
	return nil
}

func (n *fakeNotifier) SendWelcome(_ context.Context, _, to string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcomes = append(n.welcomes, to)
	return nil
}

func (n *fakeNotifier) lastCode(to string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[to]
}

// syncTasks runs tasks inline and remembers their names.
type syncTasks struct {
	mu    sync.Mutex
	names []string
	errs  []error
}

func (t *syncTasks) Dispatch(name string, fn func(ctx context.Context) error) error {
	err := fn(context.Background())
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = append(t.names, name)
	t.errs = append(t.errs, err)
	return nil
}

type fakeLedger struct {
	mu        sync.Mutex
	submitted map[string]string
	err       error
}

func (l *fakeLedger) Submit(_ context.Context, userID, ledgerHash string) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.submitted == nil {
		l.submitted = map[string]string{}
	}
	l.submitted[userID] = ledgerHash
	return nil
}

type memRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *memRecorder) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *memRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

// failingStore is a rate limit store that is always down.
type failingStore struct{ err error }

func (s failingStore) Hit(context.Context, string, int, time.Duration) (int64, time.Duration, error) {
	return 0, 0, s.err
}

// -------------------- harness --------------------

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           []string{"test-pepper"},
			ContactSalt:       "test-salt",
		},
		OTP:       config.OTPConfig{TTL: 10 * time.Minute, MaxAttempts: 5, Length: 6},
		RateLimit: config.RateLimitConfig{Strategy: "fixed"},
		Session:   config.SessionConfig{Secret: "test-secret", TTL: 24 * time.Hour, Issuer: "identity-service"},
		PIN: config.PINConfig{
			CountryCode:       "NG",
			MaxGenerateTries:  10,
			VerifierTypes:     []string{"employer", "recruiter", "agency", "platform"},
			LedgerEnabled:     true,
			AutoIssueOnSignup: true,
		},
		Reconciliation: config.ReconciliationConfig{
			ProvisioningTimeout: 2 * time.Minute,
			DirectoryTimeout:    time.Second,
			AlertBaseline:       10,
		},
	}
}

func testHasher(t *testing.T) *hashing.Hasher {
	t.Helper()
	h, err := hashing.NewHasher(testConfig())
	require.NoError(t, err)
	return h
}

type harness struct {
	cfg       *config.Config
	hasher    *hashing.Hasher
	otps      *memOTPRepo
	mappings  *memIdentityRepo
	directory *memDirectory
	pins      *memPinRepo
	notifier  *fakeNotifier
	tasks     *syncTasks
	ledger    *fakeLedger
	recorder  *memRecorder
	factory   *ServiceFactory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cfg:       testConfig(),
		hasher:    testHasher(t),
		otps:      newMemOTPRepo(),
		mappings:  newMemIdentityRepo(),
		directory: newMemDirectory(),
		pins:      newMemPinRepo(),
		notifier:  newFakeNotifier(),
		tasks:     &syncTasks{},
		ledger:    &fakeLedger{},
		recorder:  &memRecorder{},
	}

	f, err := NewServiceFactory(Dependencies{
		Config:    h.cfg,
		OTPs:      h.otps,
		Mappings:  h.mappings,
		Pins:      h.pins,
		Directory: h.directory,
		Hasher:    h.hasher,
		Encrypter: encryption.NewEncryptionManager(h.cfg, nil),
		Notifier:  h.notifier,
		Tasks:     h.tasks,
		Ledger:    h.ledger,
		Recorder:  h.recorder,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	h.factory = f
	return h
}

func fixedCode(code string) func(int) (string, error) {
	return func(int) (string, error) { return code, nil }
}
