package outbox

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerEventType = "event_type"
	headerEventID   = "event_id"
)

// ErrInvalidDispatcherConfig reports missing dispatcher dependencies.
var ErrInvalidDispatcherConfig = errors.New("invalid outbox dispatcher config")

// Producer writes messages to a broker. *kafka.Writer satisfies it.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Dispatcher turns outbox records into Kafka messages keyed by aggregate id.
type Dispatcher struct {
	logger   *zap.Logger
	producer Producer
	topic    string
}

// NewDispatcher validates dependencies and returns a Dispatcher.
func NewDispatcher(logger *zap.Logger, producer Producer, topic string) (*Dispatcher, error) {
	if producer == nil {
		return nil, errors.Join(ErrInvalidDispatcherConfig, errors.New("producer is nil"))
	}
	if topic == "" {
		return nil, errors.Join(ErrInvalidDispatcherConfig, errors.New("topic is empty"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger, producer: producer, topic: topic}, nil
}

// Dispatch publishes one record.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, record Record) error {
	message := kafka.Message{
		Topic:   dispatcher.topic,
		Key:     []byte(record.AggregateID),
		Value:   record.Payload,
		Headers: buildHeaders(ctx, record),
		Time:    record.CreatedAt,
	}
	if err := dispatcher.producer.WriteMessages(ctx, message); err != nil {
		dispatcher.logger.Error("outbox dispatch failed", zap.Int64("event_id", record.ID), zap.String("event_type", record.Type), zap.Error(err))
		return err
	}
	dispatcher.logger.Debug("outbox dispatched", zap.Int64("event_id", record.ID), zap.String("event_type", record.Type))
	return nil
}

func buildHeaders(ctx context.Context, record Record) []kafka.Header {
	headers := make([]kafka.Header, 0, len(record.Headers)+2)
	keys := make([]string, 0, len(record.Headers))
	for key := range record.Headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(record.Headers[key])})
	}
	headers = append(headers,
		kafka.Header{Key: headerEventType, Value: []byte(record.Type)},
		kafka.Header{Key: headerEventID, Value: []byte(strconv.FormatInt(record.ID, 10))},
	)
	// Events written outside a traced request carry the relay's own context.
	if _, stored := record.Headers[TraceparentHeader]; !stored {
		headers = injectKafkaHeaders(ctx, headers)
	}
	return headers
}

// WriterConfig describes the Kafka producer used by the relay.
type WriterConfig struct {
	Brokers      []string
	WriteTimeout time.Duration
}

// NewWriter returns a kafka.Writer that waits for all in-sync replicas.
// The topic is set per message by the Dispatcher.
func NewWriter(config WriterConfig) *kafka.Writer {
	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
	}
	return writer
}
