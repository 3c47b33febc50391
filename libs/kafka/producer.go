package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

type ProducerMetrics struct {
	PublishTotal   *prometheus.CounterVec
	PublishLatency prometheus.Histogram
	DLQTotal       *prometheus.CounterVec
}

func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_publish_total",
				Help: "Total Kafka publish attempts.",
			},
			[]string{"topic", "status"},
		),
		PublishLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_latency_seconds",
				Help:    "Kafka publish latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		DLQTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_dlq_total",
				Help: "Messages diverted to a dead letter topic.",
			},
			[]string{"original_topic", "status"},
		),
	}

	registry.MustRegister(m.PublishTotal, m.PublishLatency, m.DLQTotal)
	return m
}

func (m *ProducerMetrics) observePublish(topic string, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(topic, status(err)).Inc()
	m.PublishLatency.Observe(took.Seconds())
}

func (m *ProducerMetrics) observeDLQ(topic string, err error) {
	if m == nil {
		return
	}
	m.DLQTotal.WithLabelValues(topic, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Publisher is satisfied by SyncProducer and DLQPublisher.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// DLQPublisher diverts messages the primary could not deliver to a dead
// letter topic. The original error is always returned to the caller.
type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewDLQPublisher(primary Publisher, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQPublisher{
		primary:  primary,
		dlq:      dlq,
		dlqTopic: dlqTopic,
		logger:   logger,
	}
}

// WithMetrics counts DLQ diversions on m.
func (p *DLQPublisher) WithMetrics(m *ProducerMetrics) *DLQPublisher {
	p.metrics = m
	return p
}

func (p *DLQPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p == nil || p.primary == nil {
		return 0, 0, fmt.Errorf("kafka producer not configured")
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err == nil {
		return partition, offset, nil
	}
	if p.dlq == nil || p.dlqTopic == "" {
		return partition, offset, err
	}
	// The caller's context may already be done; the diversion still goes out.
	payload := BuildPublishDLQPayload(topic, key, value, err, "publish_failed", 1)
	_, _, dlqErr := p.dlq.PublishJSON(context.WithoutCancel(ctx), p.dlqTopic, key, payload)
	p.metrics.observeDLQ(topic, dlqErr)
	if dlqErr != nil {
		p.logger.Error("publish dlq failed", "topic", p.dlqTopic, "original_topic", topic, "event_id", payload.EventID, "error", dlqErr)
	}
	return partition, offset, err
}

func (p *DLQPublisher) Close() error {
	if p == nil || p.primary == nil {
		return nil
	}
	return p.primary.Close()
}

type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

// ProducerOptions bounds how long one synchronous publish may block.
type ProducerOptions struct {
	// Timeout caps the broker ack wait and each network round trip.
	Timeout  time.Duration
	RetryMax int
}

const (
	DefaultPublishTimeout = 2 * time.Second
	DefaultRetryMax       = 2
)

func NewSyncProducer(brokers []string, clientID string, opts ProducerOptions, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPublishTimeout
	}
	// The idempotent producer refuses a zero retry budget.
	if opts.RetryMax < 1 {
		opts.RetryMax = 1
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	// Keys are actor ids; hashing keeps one actor's events ordered on a partition.
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Timeout = opts.Timeout
	cfg.Producer.Retry.Max = opts.RetryMax
	cfg.Producer.Retry.Backoff = 100 * time.Millisecond
	cfg.Net.DialTimeout = opts.Timeout
	cfg.Net.ReadTimeout = opts.Timeout
	cfg.Net.WriteTimeout = opts.Timeout
	cfg.Metadata.Retry.Max = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newSyncProducer(producer, logger, metrics), nil
}

func newSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{producer: producer, logger: logger, metrics: metrics}
}

type sendResult struct {
	partition int32
	offset    int64
	err       error
}

// PublishJSON returns when the broker answers or ctx is done, whichever comes
// first. A send abandoned on ctx may still be delivered by sarama afterwards.
func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	msg, err := buildMessage(topic, key, value)
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	done := make(chan sendResult, 1)
	go func() {
		partition, offset, err := p.producer.SendMessage(msg)
		done <- sendResult{partition: partition, offset: offset, err: err}
	}()

	var res sendResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	p.metrics.observePublish(topic, res.err, time.Since(start))
	if res.err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "key", key, "error", res.err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", res.err)
	}
	return res.partition, res.offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// buildMessage encodes value as JSON and copies envelope fields into record
// headers so consumers can route without decoding the body.
func buildMessage(topic, key string, value any) (*sarama.ProducerMessage, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal kafka payload: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	if env, ok := envelopeOf(value); ok {
		msg.Headers = env.RecordHeaders()
	}
	return msg, nil
}
