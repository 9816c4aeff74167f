// Package notify implements the notification boundary: outbound alert
// payloads leave through a Kafka topic consumed by downstream senders, and
// optionally through a Slack incoming webhook for paged levels. Payloads
// carry identifiers and aggregates only, never complaint bodies.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"complaintwatch/internal/events"
	"complaintwatch/internal/retry"
)

const (
	// writeTimeout is the maximum time to wait for a Kafka write operation.
	writeTimeout = 10 * time.Second
)

// KafkaDispatcher publishes alert payloads to the outbound topic.
type KafkaDispatcher struct {
	writer *kafka.Writer
	topic  string
	retry  retry.Config
}

// NewKafkaDispatcher creates a dispatcher with the specified brokers and
// topic, configured for at-least-once delivery with synchronous writes.
func NewKafkaDispatcher(brokers string, topic string) (*KafkaDispatcher, error) {
	if brokers == "" {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	slog.Info("Initializing alert dispatcher",
		"brokers", brokerList,
		"topic", topic,
	)

	// Best effort; failures are logged and the topic may need manual creation.
	createTopicIfNotExists(brokerList[0], topic)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokerList...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // key by alert_id so one alert's events stay ordered
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	return &KafkaDispatcher{writer: writer, topic: topic, retry: retry.DefaultConfig()}, nil
}

// Dispatch serializes the payload and publishes it keyed by alert_id.
// Transient broker failures retry with bounded backoff.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, p *events.AlertPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	err = retry.Do(ctx, d.retry, "kafka_dispatch", func() error {
		return d.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(p.AlertID),
			Value: data,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", p.AlertID, err)
	}

	slog.Info("Alert payload published",
		"alert_id", p.AlertID,
		"level", p.Level,
		"kind", p.Kind,
		"topic", d.topic,
	)
	return nil
}

// Close closes the underlying Kafka writer.
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// createTopicIfNotExists attempts to create the topic if it doesn't exist.
// This is a best-effort operation and failures don't prevent dispatcher
// creation.
func createTopicIfNotExists(broker, topic string) {
	conn, err := kafka.Dial("tcp", broker)
	if err != nil {
		slog.Warn("Could not connect to Kafka to check/create topic",
			"broker", broker,
			"topic", topic,
			"error", err,
		)
		return
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if err == nil && len(partitions) > 0 {
		slog.Info("Topic already exists", "topic", topic, "partitions", len(partitions))
		return
	}

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     3,
		ReplicationFactor: 1,
	})
	if err != nil {
		slog.Warn("Could not create topic (may need to be created manually)",
			"topic", topic,
			"error", err,
		)
		return
	}

	slog.Info("Created topic", "topic", topic, "partitions", 3)
}
