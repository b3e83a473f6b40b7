package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/perpwatch/perpwatch/pkg/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishAlertMessageShape(t *testing.T) {
	writer := &fakeWriter{}
	p := &AlertPublisher{writer: writer, logger: zap.NewNop()}

	alert := &models.Alert{
		ID:           uuid.New(),
		SubaccountID: uuid.New(),
		AlertType:    "rule_margin_ratio",
		Severity:     models.SeverityWarning,
		Message:      "margin ratio dropped",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, p.PublishAlert(context.Background(), alert))

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	assert.Equal(t, alert.SubaccountID.String(), string(msg.Key))

	var decoded models.Alert
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, alert.ID, decoded.ID)
	assert.Equal(t, alert.Message, decoded.Message)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "rule_margin_ratio", headers["alert_type"])
	assert.Equal(t, "warning", headers["severity"])
}

func TestPublishAlertPropagatesWriteError(t *testing.T) {
	writer := &fakeWriter{err: assert.AnError}
	p := &AlertPublisher{writer: writer, logger: zap.NewNop()}

	err := p.PublishAlert(context.Background(), &models.Alert{ID: uuid.New()})
	assert.ErrorIs(t, err, assert.AnError)
}
