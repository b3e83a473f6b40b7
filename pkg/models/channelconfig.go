package models

import (
	"encoding/json"
	"net/http"

	"github.com/perpwatch/perpwatch/pkg/errors"
)

// Typed views over NotificationChannel.Config. The column stays JSON so new
// transports do not need a migration; the senders decode the view they need.

type TelegramConfig struct {
	ChatID string `json:"chat_id"`
}

type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

type PagerDutyConfig struct {
	IntegrationKey string `json:"integration_key"`
}

type EmailConfig struct {
	To string `json:"to"`
}

type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// DecodeChannelConfig decodes and validates the config for the given channel
// type, returning the typed struct (one of the *Config types above).
func DecodeChannelConfig(t ChannelType, cfg JSONMap) (any, error) {
	switch t {
	case ChannelTelegram:
		var c TelegramConfig
		if err := decodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		if c.ChatID == "" {
			return nil, errors.Validation("telegram config requires chat_id")
		}
		return c, nil
	case ChannelDiscord:
		var c DiscordConfig
		if err := decodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		if c.WebhookURL == "" {
			return nil, errors.Validation("discord config requires webhook_url")
		}
		return c, nil
	case ChannelSlack:
		var c SlackConfig
		if err := decodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		if c.WebhookURL == "" {
			return nil, errors.Validation("slack config requires webhook_url")
		}
		return c, nil
	case ChannelPagerDuty:
		var c PagerDutyConfig
		if err := decodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		if c.IntegrationKey == "" {
			return nil, errors.Validation("pagerduty config requires integration_key")
		}
		return c, nil
	case ChannelEmail:
		var c EmailConfig
		if err := decodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		if c.To == "" {
			return nil, errors.Validation("email config requires to")
		}
		return c, nil
	case ChannelWebhook:
		var c WebhookConfig
		if err := decodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		if c.URL == "" {
			return nil, errors.Validation("webhook config requires url")
		}
		if c.Method == "" {
			c.Method = http.MethodPost
		}
		return c, nil
	default:
		return nil, errors.Validation("unknown channel type %q", t)
	}
}

func decodeConfig(cfg JSONMap, dest any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.Validation("invalid channel config").Wrap(err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errors.Validation("invalid channel config").Wrap(err)
	}
	return nil
}
