// Package kafka publishes dedup events.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// MessageWriter is the subset of *kafka.Writer the producer uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles Kafka event emission
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

func compressionCodec(name string) kafka.Compression {
	switch name {
	case "gzip":
		return kafka.Gzip
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	case "none":
		return 0
	default:
		return kafka.Snappy
	}
}

// NewProducer creates a producer backed by a kafka-go writer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compressionCodec(cfg.Compression),
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(writer, cfg.Topic, logger)
}

func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close flushes pending messages and closes the writer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishDedupEvent writes one event keyed by its candidate (or scan) id
func (p *Producer) PublishDedupEvent(ctx context.Context, event *models.DedupEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishDedupEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	headers := headerCarrier{{Key: "event_type", Value: []byte(event.EventType)}}
	if requestID := appctx.GetRequestID(ctx); requestID != "" {
		headers.Set("request_id", requestID)
	}
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	msg := kafka.Message{
		Key:     []byte(event.Key()),
		Value:   data,
		Headers: headers,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.RecordKafkaPublish(string(event.EventType), "error")
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish dedup event")
		return err
	}
	metrics.RecordKafkaPublish(string(event.EventType), "success")

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.EventType,
		"key":        event.Key(),
		"topic":      p.topic,
	}).Debug("Published dedup event")

	return nil
}

// headerCarrier lets the otel propagator write traceparent into message headers.
type headerCarrier []kafka.Header

func (h *headerCarrier) Get(key string) string {
	for _, header := range *h {
		if header.Key == key {
			return string(header.Value)
		}
	}
	return ""
}

func (h *headerCarrier) Set(key, value string) {
	for i, header := range *h {
		if header.Key == key {
			(*h)[i].Value = []byte(value)
			return
		}
	}
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*h))
	for _, header := range *h {
		keys = append(keys, header.Key)
	}
	return keys
}
