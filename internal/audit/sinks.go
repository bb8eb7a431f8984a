package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"identity-service/internal/bucketing"
)

type batchInserter interface {
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// ClickHouseSink appends events to the analytics table.
type ClickHouseSink struct {
	client batchInserter
	table  string
}

func NewClickHouseSink(client batchInserter, table string) *ClickHouseSink {
	return &ClickHouseSink{client: client, table: table}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.ID, e.Name, e.Outcome, e.UserID, e.ContactHash, e.ContactType, e.ClientIP, e.Reason, e.At,
		})
	}
	query := fmt.Sprintf(`INSERT INTO %s (event_id, event, outcome, user_id, contact_hash, contact_type, client_ip, reason, at)`, s.table)
	return s.client.BatchInsert(ctx, query, rows)
}

type documentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes events by id, so a retried batch overwrites itself.
type ElasticsearchSink struct {
	client documentIndexer
	index  string
}

func NewElasticsearchSink(client documentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: client, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []Event) error {
	var errs []error
	for _, e := range events {
		if err := s.client.IndexDocument(ctx, s.index, e.ID, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type messageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes events for downstream consumers, keyed by a partition
// bucket so one contact's events stay ordered.
type KafkaSink struct {
	producer messageProducer
	topic    string
	buckets  *bucketing.BucketingManager
}

func NewKafkaSink(producer messageProducer, topic string, buckets *bucketing.BucketingManager) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic, buckets: buckets}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []Event) error {
	var errs []error
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		subject := e.ContactHash
		if subject == "" {
			subject = e.UserID
		}
		key := fmt.Sprintf("%d", s.buckets.GetEventBucket(subject))
		if err := s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{"event": e.Name}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
