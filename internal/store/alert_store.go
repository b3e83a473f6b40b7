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

// AlertStore persists fired alerts. Alerts are immutable apart from the
// channels-sent outcome recorded right after dispatch.
type AlertStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewAlertStore(db *gorm.DB, logger *zap.Logger) *AlertStore {
	return &AlertStore{db: db, logger: logger}
}

func (s *AlertStore) Create(ctx context.Context, alert *models.Alert) error {
	return s.db.WithContext(ctx).Create(alert).Error
}

// SetChannelsSent records which channel types accepted the delivery.
func (s *AlertStore) SetChannelsSent(ctx context.Context, id uuid.UUID, sent models.StringList) error {
	return s.db.WithContext(ctx).Model(&models.Alert{}).
		Where("id = ?", id).
		Update("channels_sent", sent).Error
}

// AlertFilter narrows List results.
type AlertFilter struct {
	SubaccountID *uuid.UUID
	AlertType    *string
	Severity     *models.Severity
	Limit        int
	Offset       int
}

// List returns the user's alerts, newest first. Alerts carry no user id of
// their own; ownership goes through the subaccount.
func (s *AlertStore) List(ctx context.Context, userID uuid.UUID, filter AlertFilter) ([]*models.Alert, error) {
	q := s.db.WithContext(ctx).Model(&models.Alert{}).
		Joins("JOIN subaccounts ON subaccounts.id = alerts.subaccount_id").
		Where("subaccounts.user_id = ?", userID)
	if filter.SubaccountID != nil {
		q = q.Where("alerts.subaccount_id = ?", *filter.SubaccountID)
	}
	if filter.AlertType != nil {
		q = q.Where("alerts.alert_type = ?", *filter.AlertType)
	}
	if filter.Severity != nil {
		q = q.Where("alerts.severity = ?", *filter.Severity)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var alerts []*models.Alert
	err := q.Order("alerts.created_at DESC").
		Limit(limit).Offset(filter.Offset).
		Find(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// Delete removes one alert owned by the user.
func (s *AlertStore) Delete(ctx context.Context, userID, id uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND subaccount_id IN (?)",
			id, s.db.Model(&models.Subaccount{}).Select("id").Where("user_id = ?", userID)).
		Delete(&models.Alert{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.NotFound("alert %s not found", id)
	}
	return nil
}

// DeleteBulk removes the given alerts owned by the user and reports how
// many were removed.
func (s *AlertStore) DeleteBulk(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("id IN (?) AND subaccount_id IN (?)",
			ids, s.db.Model(&models.Subaccount{}).Select("id").Where("user_id = ?", userID)).
		Delete(&models.Alert{})
	return res.RowsAffected, res.Error
}

// DeleteOlderThan is the retention sweep: alerts created before the cutoff
// are dropped for every user.
func (s *AlertStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.Alert{})
	if res.RowsAffected > 0 {
		s.logger.Info("retention sweep removed alerts", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, res.Error
}
