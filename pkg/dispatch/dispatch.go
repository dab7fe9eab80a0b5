package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"seedcore/pkg/retryplan"
)

// Message is one routed work item: a retry or DLQ plan serialized for the
// batch processors downstream of this core.
type Message struct {
	Key   string
	Value []byte
}

// Publisher routes planned batch work onto its queue topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

// PublishPlan serializes a retry plan and routes it to the plan's queue.
func PublishPlan(ctx context.Context, pub Publisher, plan retryplan.Plan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan for batch %s: %w", plan.Batch.BatchID, err)
	}
	if err := pub.Publish(ctx, plan.Queue, Message{Key: plan.Batch.BatchID, Value: raw}); err != nil {
		return fmt.Errorf("publish plan for batch %s: %w", plan.Batch.BatchID, err)
	}
	return nil
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher routes messages through one writer; the topic is set per
// message so retry and DLQ traffic share the connection.
type KafkaPublisher struct {
	writer kafkaWriter
}

type KafkaConfig struct {
	Brokers []string
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, msg Message) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("kafka topic required")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// MemoryPublisher collects messages per topic for tests and single-node
// deployments without a broker.
type MemoryPublisher struct {
	mu     sync.Mutex
	topics map[string][]Message
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{topics: make(map[string][]Message)}
}

func (p *MemoryPublisher) Publish(ctx context.Context, topic string, msg Message) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("topic required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics[topic] = append(p.topics[topic], msg)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Messages returns the messages published to a topic.
func (p *MemoryPublisher) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.topics[topic]))
	copy(out, p.topics[topic])
	return out
}
