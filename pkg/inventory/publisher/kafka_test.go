package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/apexstock/pkg/inventory"
)

func TestKafkaPublisher_PublishStockOut(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer producer.Close()

	var captured *sarama.ProducerMessage
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		captured = msg
		return nil
	})

	pub := NewKafkaPublisherWithProducer(producer, DefaultTopics(), nil)
	err := pub.PublishStockOut(context.Background(), inventory.StockOutEvent{
		StockOutID: "so-1",
		ReceiptID:  "O03FEB-K9Z",
		Category:   inventory.CategoryBranchTransfer,
		UnitIDs:    []string{"u-1", "u-2"},
		UserID:     "user-1",
		Timestamp:  time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, "apexstock.stock-out", captured.Topic)
	key, err := captured.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "O03FEB-K9Z", string(key))

	headers := map[string]string{}
	for _, h := range captured.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, EventTypeStockOut, headers["event_type"])
	assert.NotEmpty(t, headers["event_id"])

	body, err := captured.Value.Encode()
	require.NoError(t, err)
	var decoded struct {
		EventID   string                  `json:"event_id"`
		EventType string                  `json:"event_type"`
		Payload   inventory.StockOutEvent `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, headers["event_id"], decoded.EventID)
	assert.Equal(t, []string{"u-1", "u-2"}, decoded.Payload.UnitIDs)
	assert.Equal(t, inventory.CategoryBranchTransfer, decoded.Payload.Category)
}

func TestKafkaPublisher_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer producer.Close()

	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	pub := NewKafkaPublisherWithProducer(producer, DefaultTopics(), nil)
	err := pub.PublishUnitStatusChanged(context.Background(), inventory.UnitStatusChangedEvent{
		UnitID: "u-1",
		From:   inventory.UnitStatusAvailable,
		To:     inventory.UnitStatusService,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewProducerConfig(t *testing.T) {
	config := NewProducerConfig()
	assert.True(t, config.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, config.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionSnappy, config.Producer.Compression)
	assert.Equal(t, 3, config.Producer.Retry.Max)
}
