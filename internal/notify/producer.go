// Package notify publishes committed master-data mutations to Kafka so
// downstream domain services (lanes, locations, vehicles, fuel,
// accessorials) can react to changes. Publication happens after the store
// commit and is best effort; it is never part of the engine's atomicity
// guarantee.
package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/rpattn/freightmdm/internal/domain"
	"github.com/rpattn/freightmdm/internal/engine"

	skafka "github.com/segmentio/kafka-go"
)

// Writer is the subset of the kafka writer we need, kept small so tests can
// inject a fake.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Publisher is the interface the server wires into engine hooks.
type Publisher interface {
	Publish(ctx context.Context, key string, value any) error
	Close() error
}

// KafkaProducer is a thin wrapper around a kafka writer implementing
// Publisher.
type KafkaProducer struct {
	writer Writer
}

// NewKafkaProducer creates a producer writing to the given broker/topic.
func NewKafkaProducer(brokerURL, topic string) *KafkaProducer {
	w := &skafka.Writer{
		Addr:     skafka.TCP(brokerURL),
		Topic:    topic,
		Balancer: &skafka.LeastBytes{},
	}
	return &KafkaProducer{writer: w}
}

// NewKafkaProducerWithWriter allows injecting a test writer.
func NewKafkaProducerWithWriter(w Writer) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

// Publish marshals the value to JSON and writes a message keyed by key.
func (p *KafkaProducer) Publish(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		log.Println("[NOTIFY] failed to marshal kafka value:", err)
		return err
	}
	msg := skafka.Message{Key: []byte(key), Value: b}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Println("[NOTIFY] kafka write error:", err)
		return err
	}
	return nil
}

// Close closes the underlying writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// changeEvent is the wire shape of one published mutation.
type changeEvent struct {
	EntityType string            `json:"entity_type"`
	Entry      domain.AuditEntry `json:"entry"`
}

// AuditHook returns an engine hook publishing each committed audit entry,
// keyed by entity id so one entity's changes stay ordered per partition.
// Failures are logged and dropped; the durable audit log is the source of
// truth.
func AuditHook(publisher Publisher, entityType string) engine.Hook {
	return func(ctx context.Context, entry domain.AuditEntry) {
		event := changeEvent{EntityType: entityType, Entry: entry}
		if err := publisher.Publish(ctx, entry.EntityID.String(), event); err != nil {
			log.Printf("[NOTIFY] dropping change event for %s %s: %v", entityType, entry.EntityID, err)
		}
	}
}
