package store

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/models"
)

// ChannelStore persists notification channels.
type ChannelStore struct {
	db     *gorm.DB
	rules  *RuleStore
	logger *zap.Logger
}

func NewChannelStore(db *gorm.DB, rules *RuleStore, logger *zap.Logger) *ChannelStore {
	return &ChannelStore{db: db, rules: rules, logger: logger}
}

// Create validates the channel and inserts it, enforcing the per-user cap.
func (s *ChannelStore) Create(ctx context.Context, ch *models.NotificationChannel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.NotificationChannel{}).
			Where("user_id = ?", ch.UserID).
			Count(&count).Error; err != nil {
			return err
		}
		if count >= models.MaxChannelsPerUser {
			return errors.Capacity("maximum of %d notification channels reached", models.MaxChannelsPerUser)
		}
		return tx.Create(ch).Error
	})
}

func (s *ChannelStore) GetByID(ctx context.Context, userID, id uuid.UUID) (*models.NotificationChannel, error) {
	var ch models.NotificationChannel
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&ch).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("notification channel %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetByIDs resolves channels by id without user scoping; the engine already
// holds rule-validated ids.
func (s *ChannelStore) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.NotificationChannel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var channels []*models.NotificationChannel
	if err := s.db.WithContext(ctx).Where("id IN (?)", ids).Find(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

func (s *ChannelStore) List(ctx context.Context, userID uuid.UUID) ([]*models.NotificationChannel, error) {
	var channels []*models.NotificationChannel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&channels).Error
	if err != nil {
		return nil, err
	}
	return channels, nil
}

func (s *ChannelStore) ListEnabledForUser(ctx context.Context, userID uuid.UUID) ([]*models.NotificationChannel, error) {
	var channels []*models.NotificationChannel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND enabled = ?", userID, true).
		Find(&channels).Error
	if err != nil {
		return nil, err
	}
	return channels, nil
}

func (s *ChannelStore) Update(ctx context.Context, ch *models.NotificationChannel) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	if _, err := s.GetByID(ctx, ch.UserID, ch.ID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(ch).Error
}

// Delete removes a channel unless a non-archived rule still references it,
// in which case the error carries the exact blocking count.
func (s *ChannelStore) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if _, err := s.GetByID(ctx, userID, id); err != nil {
		return err
	}
	blocking, err := s.rules.CountBlockingChannel(ctx, userID, id)
	if err != nil {
		return err
	}
	if blocking > 0 {
		return errors.Conflict("channel is referenced by %d active alert rule(s)", blocking)
	}
	return s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&models.NotificationChannel{}).Error
}

// RecordDeliveryError surfaces the latest transport failure on the channel.
func (s *ChannelStore) RecordDeliveryError(ctx context.Context, id uuid.UUID, message string) error {
	return s.db.WithContext(ctx).Model(&models.NotificationChannel{}).
		Where("id = ?", id).
		Update("last_error", message).Error
}

// ClearDeliveryError resets the failure flag, used after a successful test
// delivery.
func (s *ChannelStore) ClearDeliveryError(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&models.NotificationChannel{}).
		Where("id = ?", id).
		Update("last_error", nil).Error
}
