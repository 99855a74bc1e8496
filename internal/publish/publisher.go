// Package publish delivers report outcomes to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"rulebrief/internal/schema"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publish: publisher is closed")

// Publisher delivers outcomes.
type Publisher interface {
	Publish(ctx context.Context, outcome schema.Outcome) error
	Close() error
}

// KafkaConfig holds configuration for the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"` // -1=all, 0=none, 1=leader
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultKafkaConfig returns the default publisher configuration.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "rulebrief-reports",
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: -1,
		Compression:  "snappy",
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// Validate checks if the configuration is valid.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("publish: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("publish: topic is required")
	}
	if c.MaxRetries < 0 {
		return errors.New("publish: max_retries must be non-negative")
	}
	return nil
}

func (c KafkaConfig) compression() kafka.Compression {
	switch c.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// messageWriter is the subset of kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Metrics are cumulative publisher counters.
type Metrics struct {
	Published int64
	Reports   int64
	Errors    int64
	Retries   int64
	Failures  int64
}

// KafkaPublisher writes each outcome as one JSON message keyed by rule ID.
type KafkaPublisher struct {
	writer messageWriter
	config KafkaConfig
	logger *slog.Logger
	closed atomic.Bool

	published atomic.Int64
	reports   atomic.Int64
	errors    atomic.Int64
	retries   atomic.Int64
	failures  atomic.Int64
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.compression(),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	p := newKafkaPublisher(writer, cfg, logger)
	logger.Info("kafka publisher initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.Compression,
	)
	return p, nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, config: cfg, logger: logger}
}

// Publish writes the outcome. Messages carry an "outcome" header of
// "report" or "error" and, for errors, a "cause" header.
func (p *KafkaPublisher) Publish(ctx context.Context, outcome schema.Outcome) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	msg, err := message(outcome)
	if err != nil {
		return err
	}

	var lastErr error
	backoff := p.config.RetryBackoff
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.published.Add(1)
			if !outcome.Failed() {
				p.reports.Add(1)
			} else {
				p.failures.Add(1)
			}
			p.logger.Debug("published outcome", "rule_id", string(msg.Key), "topic", p.config.Topic)
			return nil
		}

		lastErr = err
		p.errors.Add(1)
		p.logger.Warn("kafka publish failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.MaxRetries+1,
		)
		if isNonRetryable(err) {
			return fmt.Errorf("publish: non-retryable error: %w", err)
		}
	}
	return fmt.Errorf("publish: failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

func message(outcome schema.Outcome) (kafka.Message, error) {
	var (
		ruleID  string
		headers []kafka.Header
	)
	switch {
	case outcome.Error != nil:
		ruleID = outcome.Error.RuleID
		headers = []kafka.Header{
			{Key: "outcome", Value: []byte("error")},
			{Key: "cause", Value: []byte(outcome.Error.Cause)},
		}
	case outcome.Report != nil:
		ruleID = outcome.Report.RuleID
		headers = []kafka.Header{{Key: "outcome", Value: []byte("report")}}
	default:
		return kafka.Message{}, errors.New("publish: empty outcome")
	}

	value, err := json.Marshal(outcome)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("publish: failed to marshal outcome: %w", err)
	}
	return kafka.Message{
		Key:     []byte(ruleID),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}, nil
}

// isNonRetryable reports errors that retrying will not fix.
func isNonRetryable(err error) bool {
	for _, e := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// Metrics returns the publisher counters.
func (p *KafkaPublisher) Metrics() Metrics {
	return Metrics{
		Published: p.published.Load(),
		Reports:   p.reports.Load(),
		Errors:    p.errors.Load(),
		Retries:   p.retries.Load(),
		Failures:  p.failures.Load(),
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka publisher", "published", p.published.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("publish: failed to close writer: %w", err)
	}
	return nil
}
