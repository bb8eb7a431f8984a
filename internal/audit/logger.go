package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/hashing"
)

// Event names.
const (
	EventOTPSent          = "OTP_SENT"
	EventOTPFailed        = "OTP_FAILED"
	EventLogin            = "LOGIN"
	EventRegistered       = "REGISTERED"
	EventIdentityHealed   = "IDENTITY_SELF_HEALED"
	EventIdentityOrphaned = "IDENTITY_ORPHAN_PURGED"
	EventRateLimited      = "RATE_LIMITED"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is a telemetry record. It carries hashes and ids only; raw contacts
// and codes never reach it.
type Event struct {
	ID          string    `json:"event_id"`
	Name        string    `json:"event"`
	Outcome     string    `json:"outcome"`
	UserID      string    `json:"user_id,omitempty"`
	ContactHash string    `json:"contact_hash,omitempty"`
	ContactType string    `json:"contact_type,omitempty"`
	ClientIP    string    `json:"client_ip,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Sink receives batches of events. Implementations must tolerate redelivery.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// Logger writes every event to zap at once and fans batches out to sinks in
// the background. A full buffer drops events rather than slowing requests.
type Logger struct {
	logger *zap.Logger
	sinks  []Sink
	opts   Options

	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func NewLogger(logger *zap.Logger, opts Options, sinks ...Sink) *Logger {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	l := &Logger{
		logger: logger.Named("audit"),
		sinks:  sinks,
		opts:   opts,
		ch:     make(chan Event, opts.BufferSize),
		done:   make(chan struct{}),
	}

	if len(sinks) > 0 {
		l.wg.Add(1)
		go l.run()
	}
	return l
}

// Record never blocks and never fails the caller.
func (l *Logger) Record(_ context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	l.logger.Info("auth event",
		zap.String("event", e.Name),
		zap.String("outcome", e.Outcome),
		zap.String("user_id", e.UserID),
		zap.String("contact", hashing.RedactHash(e.ContactHash)),
		zap.String("contact_type", e.ContactType),
		zap.String("reason", e.Reason),
	)

	if len(l.sinks) == 0 || l.closed.Load() {
		return
	}

	select {
	case l.ch <- e:
	default:
		l.dropped.Add(1)
	}
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.flush(batch)
		batch = make([]Event, 0, l.opts.BatchSize)
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) flush(batch []Event) {
	for _, s := range l.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.WriteTimeout)
		if err := s.Write(ctx, batch); err != nil {
			l.logger.Warn("Audit sink write failed",
				zap.String("sink", s.Name()),
				zap.Int("events", len(batch)),
				zap.Error(err))
		}
		cancel()
	}
}

// Close flushes buffered events and stops the background writer.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
		l.wg.Wait()
		if n := l.dropped.Load(); n > 0 {
			l.logger.Warn("Audit events dropped", zap.Uint64("count", n))
		}
	})
}

func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}
