// Package models defines the persisted entities shared by the stores, the
// alert engine and the API layer.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/perpwatch/perpwatch/pkg/errors"
)

// Subaccount is a monitored exchange subaccount registered by a user.
type Subaccount struct {
	ID               uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID           uuid.UUID `json:"user_id" gorm:"type:uuid;index;uniqueIndex:uniq_subaccount,priority:1"`
	Address          string    `json:"address" gorm:"uniqueIndex:uniq_subaccount,priority:2" validate:"required"`
	SubaccountNumber int       `json:"subaccount_number" gorm:"uniqueIndex:uniq_subaccount,priority:3" validate:"gte=0"`
	Nickname         string    `json:"nickname" validate:"max=100"`

	// LiquidationThresholdPercent drives the built-in threshold monitor,
	// separate from user rules.
	LiquidationThresholdPercent float64 `json:"liquidation_threshold_percent" gorm:"default:10"`

	IsActive  bool      `json:"is_active" gorm:"index;default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Subaccount) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// AlertRule is a user-defined alert condition. A rule fires at most once:
// the first fire archives it. Archived rules are kept for history and are
// never evaluated again.
type AlertRule struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	SubaccountID *uuid.UUID `json:"subaccount_id" gorm:"type:uuid;index"`

	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description"`

	Scope          Scope         `json:"scope" gorm:"index"`
	PositionMarket *string       `json:"position_market,omitempty"`
	ConditionType  ConditionType `json:"condition_type"`
	ThresholdValue float64       `json:"threshold_value"`
	Comparison     Comparison    `json:"comparison"`
	Severity       Severity      `json:"severity"`

	CustomMessage *string  `json:"custom_message,omitempty" validate:"omitempty,max=500"`
	ChannelIDs    UUIDList `json:"channel_ids" gorm:"type:json"`

	CooldownSeconds float64    `json:"cooldown_seconds"`
	Enabled         bool       `json:"enabled" gorm:"index"`
	Archived        bool       `json:"archived" gorm:"index"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *AlertRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Validate checks the cross-field invariants a gorm tag cannot express.
func (r *AlertRule) Validate() error {
	if r.Name == "" || len(r.Name) > 100 {
		return errors.Validation("name must be 1-100 characters")
	}
	if !r.Scope.Valid() {
		return errors.Validation("unknown scope %q", r.Scope)
	}
	if !r.ConditionType.Valid() {
		return errors.Validation("unknown condition type %q", r.ConditionType)
	}
	if r.ConditionType.Scope() != r.Scope {
		return errors.Validation("condition %q is not a %s-scope condition", r.ConditionType, r.Scope)
	}
	if r.Scope == ScopePosition {
		if r.PositionMarket == nil || *r.PositionMarket == "" {
			return errors.Validation("position_market is required for position-scope rules")
		}
	} else if r.PositionMarket != nil && *r.PositionMarket != "" {
		return errors.Validation("position_market must be empty for account-scope rules")
	}
	if !r.Comparison.Valid() {
		return errors.Validation("unknown comparison %q", r.Comparison)
	}
	if !r.Severity.Valid() {
		return errors.Validation("unknown severity %q", r.Severity)
	}
	if len(r.ChannelIDs) == 0 {
		return errors.Validation("at least one notification channel is required")
	}
	if r.CooldownSeconds < CooldownMinSeconds || r.CooldownSeconds > CooldownMaxSeconds {
		return errors.Validation("cooldown_seconds must be between %d and %d", CooldownMinSeconds, CooldownMaxSeconds)
	}
	return nil
}

// AppliesTo reports whether the rule targets the given subaccount. A nil
// SubaccountID means the rule applies to every subaccount of the user.
func (r *AlertRule) AppliesTo(subaccountID uuid.UUID) bool {
	return r.SubaccountID == nil || *r.SubaccountID == subaccountID
}

// InCooldown reports whether the rule fired recently enough that a new fire
// must be suppressed. The suppression does not archive the rule.
func (r *AlertRule) InCooldown(now time.Time) bool {
	if r.LastFiredAt == nil {
		return false
	}
	return now.Sub(*r.LastFiredAt) < time.Duration(r.CooldownSeconds*float64(time.Second))
}

// Alert is an immutable record of a fired alert.
type Alert struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	SubaccountID uuid.UUID `json:"subaccount_id" gorm:"type:uuid;index"`

	AlertType   string   `json:"alert_type" gorm:"index"`
	Severity    Severity `json:"severity" gorm:"index"`
	Message     string   `json:"message" gorm:"type:text"`
	Description *string  `json:"description,omitempty" gorm:"type:text"`

	Metadata     JSONMap    `json:"metadata" gorm:"type:json"`
	ChannelsSent StringList `json:"channels_sent" gorm:"type:json"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// NotificationChannel is a user-configured delivery target for alerts.
type NotificationChannel struct {
	ID     uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID uuid.UUID `json:"user_id" gorm:"type:uuid;index"`

	ChannelType ChannelType `json:"channel_type" gorm:"index"`
	Name        string      `json:"name" validate:"required,min=1,max=100"`
	Config      JSONMap     `json:"config" gorm:"type:json"`

	Enabled   bool    `json:"enabled" gorm:"default:true"`
	LastError *string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *NotificationChannel) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// Validate checks the type and that the config carries the keys the
// transport needs.
func (c *NotificationChannel) Validate() error {
	if c.Name == "" || len(c.Name) > 100 {
		return errors.Validation("name must be 1-100 characters")
	}
	if !c.ChannelType.Valid() {
		return errors.Validation("unknown channel type %q", c.ChannelType)
	}
	_, err := DecodeChannelConfig(c.ChannelType, c.Config)
	return err
}
