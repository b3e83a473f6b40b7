// Package store holds the gorm-backed persistence for subaccounts, rules,
// alerts and channels. All rule state transitions happen through atomic
// store operations so racing engine workers cannot double-fire.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/models"
)

// RuleStore persists alert rules.
type RuleStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRuleStore(db *gorm.DB, logger *zap.Logger) *RuleStore {
	return &RuleStore{db: db, logger: logger}
}

// Create validates the rule and inserts it, enforcing the per-user cap on
// non-archived rules inside one transaction.
func (s *RuleStore) Create(ctx context.Context, rule *models.AlertRule) error {
	if rule.CooldownSeconds == 0 {
		rule.CooldownSeconds = models.CooldownDefaultSeconds
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.AlertRule{}).
			Where("user_id = ? AND archived = ?", rule.UserID, false).
			Count(&count).Error; err != nil {
			return err
		}
		if count >= models.MaxActiveRulesPerUser {
			return errors.Capacity("maximum of %d active alert rules reached", models.MaxActiveRulesPerUser)
		}
		return tx.Create(rule).Error
	})
}

// GetByID loads one rule scoped to its owner.
func (s *RuleStore) GetByID(ctx context.Context, userID, id uuid.UUID) (*models.AlertRule, error) {
	var rule models.AlertRule
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&rule).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("alert rule %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	SubaccountID    *uuid.UUID
	IncludeArchived bool
}

// List returns the user's rules, newest first.
func (s *RuleStore) List(ctx context.Context, userID uuid.UUID, filter ListFilter) ([]*models.AlertRule, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if !filter.IncludeArchived {
		q = q.Where("archived = ?", false)
	}
	if filter.SubaccountID != nil {
		q = q.Where("subaccount_id = ?", *filter.SubaccountID)
	}
	var rules []*models.AlertRule
	if err := q.Order("created_at DESC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// Update persists changes to a rule. Condition fields of an archived rule
// are frozen: the rule already fired on those terms and its history must
// stay interpretable. Only the mutable columns are written, and the write
// is conditional on the archived flag seen at read time, so a MarkFired
// landing in between cannot be reverted into a second fire.
func (s *RuleStore) Update(ctx context.Context, rule *models.AlertRule) error {
	existing, err := s.GetByID(ctx, rule.UserID, rule.ID)
	if err != nil {
		return err
	}
	if existing.Archived && conditionChanged(existing, rule) {
		return errors.Validation("condition fields of an archived rule cannot be changed")
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&models.AlertRule{}).
		Where("id = ? AND user_id = ? AND archived = ?", rule.ID, rule.UserID, existing.Archived).
		Updates(map[string]any{
			"name":             rule.Name,
			"description":      rule.Description,
			"subaccount_id":    rule.SubaccountID,
			"scope":            rule.Scope,
			"position_market":  rule.PositionMarket,
			"condition_type":   rule.ConditionType,
			"threshold_value":  rule.ThresholdValue,
			"comparison":       rule.Comparison,
			"severity":         rule.Severity,
			"custom_message":   rule.CustomMessage,
			"channel_ids":      rule.ChannelIDs,
			"cooldown_seconds": rule.CooldownSeconds,
			"enabled":          rule.Enabled,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Conflict("rule %s fired concurrently, reload and retry", rule.ID)
	}
	rule.Archived = existing.Archived
	rule.LastFiredAt = existing.LastFiredAt
	return nil
}

func conditionChanged(a, b *models.AlertRule) bool {
	if a.ConditionType != b.ConditionType ||
		a.Comparison != b.Comparison ||
		a.ThresholdValue != b.ThresholdValue ||
		a.Scope != b.Scope {
		return true
	}
	switch {
	case a.PositionMarket == nil && b.PositionMarket == nil:
		return false
	case a.PositionMarket == nil || b.PositionMarket == nil:
		return true
	default:
		return *a.PositionMarket != *b.PositionMarket
	}
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, userID, id uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&models.AlertRule{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.NotFound("alert rule %s not found", id)
	}
	return nil
}

// ActiveForSubaccount returns the enabled, non-archived rules that target
// the subaccount, including the user's global rules.
func (s *RuleStore) ActiveForSubaccount(ctx context.Context, userID, subaccountID uuid.UUID) ([]*models.AlertRule, error) {
	var rules []*models.AlertRule
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND archived = ? AND enabled = ?", userID, false, true).
		Where("subaccount_id IS NULL OR subaccount_id = ?", subaccountID).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// MarkFired archives the rule and stamps the fire time in one conditional
// UPDATE. When the rule is already archived the update matches no row and a
// Conflict error tells the caller it lost the race.
func (s *RuleStore) MarkFired(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.AlertRule{}).
		Where("id = ? AND archived = ?", id, false).
		Updates(map[string]any{"archived": true, "last_fired_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Conflict("rule %s already fired or does not exist", id)
	}
	return nil
}

// CountBlockingChannel counts the user's non-archived rules that reference
// the channel. The channel list is a JSON column, so the containment check
// runs in Go for portability across drivers.
func (s *RuleStore) CountBlockingChannel(ctx context.Context, userID, channelID uuid.UUID) (int, error) {
	var rules []*models.AlertRule
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND archived = ?", userID, false).
		Find(&rules).Error
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range rules {
		if r.ChannelIDs.Contains(channelID) {
			count++
		}
	}
	return count, nil
}
