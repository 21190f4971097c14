// Package publisher delivers committed inventory events to Kafka
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nemonet1337/apexstock/pkg/inventory"
)

// Event type header values
const (
	EventTypeStockIn           = "inventory.stock_in"
	EventTypeStockOut          = "inventory.stock_out"
	EventTypeTransferConfirmed = "inventory.transfer_confirmed"
	EventTypeUnitStatusChanged = "inventory.unit_status_changed"
)

// Topics names the Kafka topic of each event type
// イベント種別ごとのトピック名
type Topics struct {
	StockIn           string `yaml:"stock_in"`
	StockOut          string `yaml:"stock_out"`
	TransferConfirmed string `yaml:"transfer_confirmed"`
	UnitStatusChanged string `yaml:"unit_status_changed"`
}

// DefaultTopics returns the topic names used when none are configured
func DefaultTopics() Topics {
	return Topics{
		StockIn:           "apexstock.stock-in",
		StockOut:          "apexstock.stock-out",
		TransferConfirmed: "apexstock.transfer-confirmed",
		UnitStatusChanged: "apexstock.unit-status-changed",
	}
}

// envelope wraps every event payload on the wire
type envelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload"`
}

// KafkaPublisher implements inventory.EventPublisher with a sarama SyncProducer
// Kafkaへの在庫イベント発行
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topics   Topics
	logger   *zap.Logger
	tracer   trace.Tracer
}

var _ inventory.EventPublisher = (*KafkaPublisher)(nil)

// NewProducerConfig returns the producer settings: acks from all replicas,
// three retries and snappy compression
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.MaxMessageBytes = 1000000
	return config
}

// NewKafkaPublisher connects a SyncProducer to brokers
// Kafkaパブリッシャーを作成
func NewKafkaPublisher(brokers []string, topics Topics, logger *zap.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("Kafkaプロデューサーの作成に失敗しました: %w", err)
	}
	if logger != nil {
		logger.Info("Kafkaパブリッシャーを初期化しました", zap.Strings("brokers", brokers))
	}
	return NewKafkaPublisherWithProducer(producer, topics, logger), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topics Topics, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		producer: producer,
		topics:   topics,
		logger:   logger,
		tracer:   otel.Tracer("github.com/nemonet1337/apexstock/pkg/inventory/publisher"),
	}
}

// PublishStockIn publishes a stock-in keyed by product
func (p *KafkaPublisher) PublishStockIn(ctx context.Context, event inventory.StockInEvent) error {
	return p.send(ctx, p.topics.StockIn, EventTypeStockIn, event.ProductID, event)
}

// PublishStockOut publishes a stock-out keyed by receipt id
func (p *KafkaPublisher) PublishStockOut(ctx context.Context, event inventory.StockOutEvent) error {
	return p.send(ctx, p.topics.StockOut, EventTypeStockOut, event.ReceiptID, event)
}

// PublishTransferConfirmed publishes a transfer confirmation keyed by receipt id
func (p *KafkaPublisher) PublishTransferConfirmed(ctx context.Context, event inventory.TransferConfirmedEvent) error {
	return p.send(ctx, p.topics.TransferConfirmed, EventTypeTransferConfirmed, event.ReceiptID, event)
}

// PublishUnitStatusChanged publishes a status change keyed by unit id
func (p *KafkaPublisher) PublishUnitStatusChanged(ctx context.Context, event inventory.UnitStatusChangedEvent) error {
	return p.send(ctx, p.topics.UnitStatusChanged, EventTypeUnitStatusChanged, event.UnitID, event)
}

func (p *KafkaPublisher) send(ctx context.Context, topic, eventType, key string, payload any) error {
	eventID := uuid.New().String()
	ctx, span := p.tracer.Start(ctx, "kafka.publish."+eventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.destination_kind", "topic"),
			attribute.String("event.type", eventType),
			attribute.String("event.id", eventID),
		),
	)
	defer span.End()

	body, err := json.Marshal(envelope{EventID: eventID, EventType: eventType, Payload: payload})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "イベントのエンコードに失敗しました")
		return fmt.Errorf("イベントのエンコードに失敗しました: %w", err)
	}

	// トレースコンテキストをヘッダーに伝播
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := []sarama.RecordHeader{
		{Key: []byte("event_type"), Value: []byte(eventType)},
		{Key: []byte("event_id"), Value: []byte(eventID)},
	}
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(body),
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "メッセージ送信に失敗しました")
		return fmt.Errorf("Kafkaへの送信に失敗しました (%s): %w", topic, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.kafka.partition", int(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	)
	span.SetStatus(codes.Ok, "")
	p.logger.Debug("イベントを発行しました",
		zap.String("event_id", eventID),
		zap.String("event_type", eventType),
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close closes the Kafka producer
func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
