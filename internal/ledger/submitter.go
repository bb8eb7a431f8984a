package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Entry is the tamper-evidence record for an issued PIN. Only the hash leaves the service.
type Entry struct {
	UserID      string    `json:"user_id"`
	LedgerHash  string    `json:"ledger_hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// KafkaSubmitter hands ledger entries to the ledger writer over Kafka. The
// message key is the user id, so resubmissions for a user stay ordered.
type KafkaSubmitter struct {
	producer producer
	topic    string
	logger   *zap.Logger
	now      func() time.Time
}

func NewKafkaSubmitter(p producer, topic string, logger *zap.Logger) *KafkaSubmitter {
	return &KafkaSubmitter{producer: p, topic: topic, logger: logger, now: time.Now}
}

func (s *KafkaSubmitter) Submit(ctx context.Context, userID, ledgerHash string) error {
	value, err := json.Marshal(Entry{
		UserID:      userID,
		LedgerHash:  ledgerHash,
		SubmittedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(userID), value, map[string]string{
		"type": "pin_hash",
	}); err != nil {
		return fmt.Errorf("failed to submit ledger entry: %w", err)
	}

	s.logger.Debug("Ledger entry submitted", zap.String("user_id", userID))
	return nil
}
