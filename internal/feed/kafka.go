package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/rickgao/mcap-resolver/internal/model"
)

// Source delivers trades to emit until ctx is cancelled or it fails.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(model.TradeRecord)) error
}

// Sink receives priced trades.
type Sink interface {
	Publish(ctx context.Context, trades []model.PricedTrade) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka source and sink.
type KafkaConfig struct {
	Brokers     []string
	TradesTopic string
	PricedTopic string
	Group       string
}

// KafkaSource consumes JSON trades from a topic. Offsets are committed
// after each message is handed to emit.
type KafkaSource struct {
	reader messageReader
	topic  string
	logger *slog.Logger
}

// NewKafkaSource creates a consumer-group reader on cfg.TradesTopic.
func NewKafkaSource(cfg KafkaConfig, logger *slog.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.Group,
		Topic:          cfg.TradesTopic,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
	})
	return newKafkaSource(reader, cfg.TradesTopic, logger)
}

func newKafkaSource(r messageReader, topic string, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{reader: r, topic: topic, logger: logger}
}

// Name implements Source.
func (s *KafkaSource) Name() string { return "kafka:" + s.topic }

// Run implements Source. Undecodable messages are logged and committed so
// they do not block the partition.
func (s *KafkaSource) Run(ctx context.Context, emit func(model.TradeRecord)) error {
	defer s.reader.Close()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", s.topic, err)
		}

		trade, err := DecodeTrade(msg.Value)
		if err != nil {
			s.logger.Warn("skipping undecodable trade",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"err", err,
			)
		} else {
			emit(trade)
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit %s offset %d: %w", s.topic, msg.Offset, err)
		}
	}
}

// KafkaSink publishes priced trades as JSON keyed by mint, so one mint's
// trades stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a producer on cfg.PricedTopic.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.PricedTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &KafkaSink{writer: w, topic: cfg.PricedTopic}
}

// Publish implements Sink.
func (s *KafkaSink) Publish(ctx context.Context, trades []model.PricedTrade) error {
	if len(trades) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(trades))
	for _, t := range trades {
		value, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode priced trade %s: %w", t.Trade.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(t.Trade.Mint),
			Value: value,
			Headers: []kafka.Header{
				{Key: "confidence", Value: []byte(t.Result.Confidence)},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// LogSink writes priced trades to the log. It is used when no output topic
// is configured.
type LogSink struct {
	Logger *slog.Logger
}

// Publish implements Sink.
func (s LogSink) Publish(ctx context.Context, trades []model.PricedTrade) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, t := range trades {
		logger.Info("priced trade",
			"id", t.Trade.ID,
			"mint", t.Trade.Mint,
			"slot", t.Trade.Slot,
			"confidence", t.Result.Confidence,
			"market_cap", nullString(t.Result.Value),
			"value_usd", nullString(t.ValueUSD),
		)
	}
	return nil
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "null"
	}
	return d.Decimal.String()
}
