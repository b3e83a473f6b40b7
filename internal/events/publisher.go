// Package events publishes fired alerts to Kafka for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/perpwatch/perpwatch/pkg/models"
)

// messageWriter is the slice of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AlertPublisher emits one message per fired alert, keyed by subaccount so
// consumers see a subaccount's alerts in order.
type AlertPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewAlertPublisher(brokers []string, topic string, logger *zap.Logger) *AlertPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &AlertPublisher{writer: w, logger: logger.Named("events")}
}

// PublishAlert writes the alert as JSON. Publish failures are the caller's
// to log; the alert itself is already persisted.
func (p *AlertPublisher) PublishAlert(ctx context.Context, alert *models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.SubaccountID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "alert_type", Value: []byte(alert.AlertType)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
		Time: alert.CreatedAt,
	})
}

func (p *AlertPublisher) Close() error {
	return p.writer.Close()
}
