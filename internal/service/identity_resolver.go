package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/model"

	"go.uber.org/zap"
)

const (
	defaultProvisioningTimeout = 2 * time.Minute
	defaultDirectoryTimeout    = 5 * time.Second
	reconciliationWindow       = time.Minute
)

// ContactRef identifies a contact. Normalized is only needed for the
// directory fallback and is never written to the mapping table.
type ContactRef struct {
	Hash       string
	Normalized string
	Type       string
}

type OutcomeKind string

const (
	OutcomeFound    OutcomeKind = "found"
	OutcomeNotFound OutcomeKind = "not_found"
	// OutcomeOrphaned means the mapping pointed at a deleted account and has been purged.
	OutcomeOrphaned OutcomeKind = "orphaned"
	// OutcomePending means a registration for the contact is still in flight.
	OutcomePending OutcomeKind = "pending"
)

type Outcome struct {
	Kind   OutcomeKind
	UserID string
}

// ReconciliationStats counts the rare repair paths taken since start.
type ReconciliationStats struct {
	SelfHealed     uint64
	OrphansPurged  uint64
	PendingRepairs uint64
}

// IdentityResolver maps a contact hash to a directory account. The directory
// is the ground truth: missing mappings are rebuilt from it and mappings to
// deleted accounts are removed before the caller hears about them.
type IdentityResolver struct {
	mappings  model.IdentityRepository
	directory model.DirectoryRepository
	recorder  EventRecorder
	monitor   *rarePathMonitor

	provisioningTimeout time.Duration
	directoryTimeout    time.Duration
	now                 Clock
	logger              *zap.Logger

	healed  atomic.Uint64
	purged  atomic.Uint64
	repairs atomic.Uint64
}

func NewIdentityResolver(
	mappings model.IdentityRepository,
	directory model.DirectoryRepository,
	recorder EventRecorder,
	cfg config.ReconciliationConfig,
	logger *zap.Logger,
) *IdentityResolver {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	r := &IdentityResolver{
		mappings:            mappings,
		directory:           directory,
		recorder:            recorder,
		provisioningTimeout: cfg.ProvisioningTimeout,
		directoryTimeout:    cfg.DirectoryTimeout,
		now:                 systemClock,
		logger:              logger,
	}
	if r.provisioningTimeout <= 0 {
		r.provisioningTimeout = defaultProvisioningTimeout
	}
	if r.directoryTimeout <= 0 {
		r.directoryTimeout = defaultDirectoryTimeout
	}
	r.monitor = &rarePathMonitor{
		baseline: cfg.AlertBaseline,
		now:      func() time.Time { return r.now() },
		logger:   logger,
	}
	return r
}

// Resolve never reports Found for an account missing from the directory.
func (r *IdentityResolver) Resolve(ctx context.Context, ref ContactRef) (Outcome, error) {
	return r.resolve(ctx, ref, 1)
}

func (r *IdentityResolver) Stats() ReconciliationStats {
	return ReconciliationStats{
		SelfHealed:     r.healed.Load(),
		OrphansPurged:  r.purged.Load(),
		PendingRepairs: r.repairs.Load(),
	}
}

func (r *IdentityResolver) resolve(ctx context.Context, ref ContactRef, retries int) (Outcome, error) {
	m, err := r.mappings.Get(ctx, ref.Hash)
	if errors.Is(err, model.ErrNotFound) {
		return r.heal(ctx, ref, retries)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	pending := m.Status == model.MappingPending
	if pending && r.now().Sub(m.CreatedAt) < r.provisioningTimeout {
		return Outcome{Kind: OutcomePending, UserID: m.UserID}, nil
	}

	exists, err := r.userExists(ctx, m.UserID)
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		if pending {
			r.repairPending(ctx, ref, m)
		}
		return Outcome{Kind: OutcomeFound, UserID: m.UserID}, nil
	}

	applied, err := r.mappings.Delete(ctx, ref.Hash, m.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: purge orphaned mapping: %v", ErrStorage, err)
	}
	if !applied {
		// The mapping changed under us; judge the new one instead.
		if retries > 0 {
			return r.resolve(ctx, ref, retries-1)
		}
		return Outcome{}, fmt.Errorf("%w: identity mapping changed during purge", ErrStorage)
	}

	r.purged.Add(1)
	r.logger.Warn("Orphaned identity mapping purged",
		zap.String("contact", hashing.RedactHash(ref.Hash)),
		zap.String("user_id", m.UserID),
		zap.String("status", string(m.Status)),
	)
	r.monitor.observe("orphan_purged")
	r.recorder.Record(ctx, audit.Event{
		Name:        audit.EventIdentityOrphaned,
		Outcome:     audit.OutcomeSuccess,
		UserID:      m.UserID,
		ContactHash: ref.Hash,
		ContactType: ref.Type,
	})

	// An abandoned registration never produced an account, so there is nothing deleted to report.
	if pending {
		return Outcome{Kind: OutcomeNotFound}, nil
	}
	return Outcome{Kind: OutcomeOrphaned, UserID: m.UserID}, nil
}

// heal looks the contact up in the directory and restores a missing mapping.
func (r *IdentityResolver) heal(ctx context.Context, ref ContactRef, retries int) (Outcome, error) {
	if ref.Normalized == "" {
		return Outcome{Kind: OutcomeNotFound}, nil
	}

	dctx, cancel := context.WithTimeout(ctx, r.directoryTimeout)
	user, err := r.directory.FindByContact(dctx, ref.Type, ref.Normalized)
	cancel()
	if errors.Is(err, model.ErrNotFound) {
		return Outcome{Kind: OutcomeNotFound}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrDirectory, err)
	}
	if user.DeletedAt != nil {
		return Outcome{Kind: OutcomeNotFound}, nil
	}

	now := r.now()
	_, err = r.mappings.Insert(ctx, &model.IdentityMapping{
		ContactHash: ref.Hash,
		UserID:      user.ID,
		Status:      model.MappingActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, model.ErrConflict) {
		if retries > 0 {
			return r.resolve(ctx, ref, retries-1)
		}
		return Outcome{}, fmt.Errorf("%w: identity mapping contended", ErrStorage)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	r.healed.Add(1)
	r.logger.Warn("Identity mapping rebuilt from directory",
		zap.String("contact", hashing.RedactHash(ref.Hash)),
		zap.String("user_id", user.ID),
	)
	r.monitor.observe("self_healed")
	r.recorder.Record(ctx, audit.Event{
		Name:        audit.EventIdentityHealed,
		Outcome:     audit.OutcomeSuccess,
		UserID:      user.ID,
		ContactHash: ref.Hash,
		ContactType: ref.Type,
	})
	return Outcome{Kind: OutcomeFound, UserID: user.ID}, nil
}

// repairPending finishes a registration that created its account but never
// activated the mapping. Failure is logged; the account is still found.
func (r *IdentityResolver) repairPending(ctx context.Context, ref ContactRef, m *model.IdentityMapping) {
	if err := r.mappings.Activate(ctx, ref.Hash, m.UserID); err != nil {
		r.logger.Warn("Failed to activate stale pending mapping",
			zap.String("contact", hashing.RedactHash(ref.Hash)),
			zap.String("user_id", m.UserID),
			zap.Error(err),
		)
		return
	}
	r.repairs.Add(1)
	r.logger.Warn("Stale pending mapping activated",
		zap.String("contact", hashing.RedactHash(ref.Hash)),
		zap.String("user_id", m.UserID),
	)
	r.monitor.observe("pending_repaired")
}

func (r *IdentityResolver) userExists(ctx context.Context, userID string) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, r.directoryTimeout)
	defer cancel()

	exists, err := r.directory.UserExists(dctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDirectory, err)
	}
	return exists, nil
}

// rarePathMonitor counts repair events per minute and raises an error log
// once per window when the count passes the baseline.
type rarePathMonitor struct {
	mu          sync.Mutex
	baseline    int
	windowStart time.Time
	count       int
	alerted     bool
	now         Clock
	logger      *zap.Logger
}

func (m *rarePathMonitor) observe(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.windowStart) >= reconciliationWindow {
		m.windowStart = now
		m.count = 0
		m.alerted = false
	}
	m.count++

	if m.baseline > 0 && m.count > m.baseline && !m.alerted {
		m.alerted = true
		m.logger.Error("Identity reconciliation rate above baseline",
			zap.String("last_kind", kind),
			zap.Int("count", m.count),
			zap.Int("baseline", m.baseline),
			zap.Duration("window", reconciliationWindow),
		)
	}
}
