// Package notify delivers fired alerts to user-configured channels. Each
// channel type has a Sender; the Dispatcher fans a notification out to every
// channel concurrently with a bounded per-channel timeout so one hung
// transport cannot stall the rest.
package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/metrics"
	"github.com/perpwatch/perpwatch/pkg/models"
)

// Notification is the transport-independent view of a fired alert.
type Notification struct {
	AlertID     uuid.UUID
	AlertType   string
	Severity    models.Severity
	Message     string
	Description string

	// Subaccount is the human label, nickname or address#number.
	Subaccount string

	// Market and Condition feed the webhook metadata object. Nil for
	// built-in account-level alerts.
	Market    *string
	Condition *string

	Timestamp time.Time
}

// Delivery is the outcome of one channel attempt.
type Delivery struct {
	ChannelID   uuid.UUID
	ChannelType models.ChannelType
	ChannelName string
	OK          bool
	Err         error
}

// Sender delivers a notification over one transport.
type Sender interface {
	Type() models.ChannelType
	Send(ctx context.Context, n Notification, ch *models.NotificationChannel) error
}

// Dispatcher fans notifications out to channels.
type Dispatcher struct {
	logger  *zap.Logger
	timeout time.Duration
	senders map[models.ChannelType]Sender
}

// NewDispatcher builds a dispatcher with the given per-channel timeout.
// A zero timeout defaults to ten seconds.
func NewDispatcher(logger *zap.Logger, timeout time.Duration, senders ...Sender) *Dispatcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		logger:  logger,
		timeout: timeout,
		senders: make(map[models.ChannelType]Sender, len(senders)),
	}
	for _, s := range senders {
		d.senders[s.Type()] = s
	}
	return d
}

// NewDefaultDispatcher wires all six transports.
func NewDefaultDispatcher(logger *zap.Logger, timeout time.Duration, telegramToken string, smtp SMTPConfig) *Dispatcher {
	client := &http.Client{}
	return NewDispatcher(logger, timeout,
		NewTelegramSender(telegramToken, client),
		NewDiscordSender(client),
		NewSlackSender(client),
		NewPagerDutySender(client),
		NewEmailSender(smtp),
		NewWebhookSender(client),
	)
}

// Dispatch sends the notification to every enabled channel in parallel and
// returns one Delivery per channel. Failures are isolated: they are recorded
// in the result and never abort the other channels.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification, channels []*models.NotificationChannel) []Delivery {
	deliveries := make([]Delivery, len(channels))
	var wg sync.WaitGroup

	for i, ch := range channels {
		deliveries[i] = Delivery{
			ChannelID:   ch.ID,
			ChannelType: ch.ChannelType,
			ChannelName: ch.Name,
		}
		if !ch.Enabled {
			deliveries[i].Err = errors.New(errors.KindDispatch, "channel disabled")
			continue
		}
		sender, ok := d.senders[ch.ChannelType]
		if !ok {
			deliveries[i].Err = errors.Newf(errors.KindDispatch, "no sender for channel type %q", ch.ChannelType)
			continue
		}

		wg.Add(1)
		go func(i int, ch *models.NotificationChannel, sender Sender) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			start := time.Now()
			err := sender.Send(sendCtx, n, ch)
			metrics.DispatchLatency.WithLabelValues(string(ch.ChannelType)).Observe(time.Since(start).Seconds())

			if err != nil {
				metrics.DispatchTotal.WithLabelValues(string(ch.ChannelType), "failure").Inc()
				d.logger.Warn("notification delivery failed",
					zap.String("channel_id", ch.ID.String()),
					zap.String("channel_type", string(ch.ChannelType)),
					zap.Error(err))
				deliveries[i].Err = err
				return
			}
			metrics.DispatchTotal.WithLabelValues(string(ch.ChannelType), "success").Inc()
			deliveries[i].OK = true
		}(i, ch, sender)
	}

	wg.Wait()
	return deliveries
}

// TestChannel sends a canned message so users can verify a channel's
// configuration.
func (d *Dispatcher) TestChannel(ctx context.Context, ch *models.NotificationChannel) error {
	sender, ok := d.senders[ch.ChannelType]
	if !ok {
		return errors.Newf(errors.KindDispatch, "no sender for channel type %q", ch.ChannelType)
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	n := Notification{
		AlertID:    uuid.New(),
		AlertType:  "test",
		Severity:   models.SeverityInfo,
		Message:    "ℹ️ Test notification: your channel \"" + ch.Name + "\" is configured correctly.",
		Subaccount: "test",
		Timestamp:  time.Now().UTC(),
	}
	if err := sender.Send(sendCtx, n, ch); err != nil {
		return errors.New(errors.KindDispatch, "test delivery failed").Wrap(err)
	}
	return nil
}
