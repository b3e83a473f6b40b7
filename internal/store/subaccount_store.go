package store

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/perpwatch/perpwatch/pkg/errors"
	"github.com/perpwatch/perpwatch/pkg/models"
)

// SubaccountStore persists monitored subaccounts.
type SubaccountStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewSubaccountStore(db *gorm.DB, logger *zap.Logger) *SubaccountStore {
	return &SubaccountStore{db: db, logger: logger}
}

func (s *SubaccountStore) Create(ctx context.Context, sub *models.Subaccount) error {
	if sub.Address == "" {
		return errors.Validation("address is required")
	}
	if sub.SubaccountNumber < 0 {
		return errors.Validation("subaccount_number must be non-negative")
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&models.Subaccount{}).
		Where("user_id = ? AND address = ? AND subaccount_number = ?",
			sub.UserID, sub.Address, sub.SubaccountNumber).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return errors.Conflict("subaccount %s#%d is already monitored", sub.Address, sub.SubaccountNumber)
	}
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *SubaccountStore) GetByID(ctx context.Context, userID, id uuid.UUID) (*models.Subaccount, error) {
	var sub models.Subaccount
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&sub).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.NotFound("subaccount %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SubaccountStore) List(ctx context.Context, userID uuid.UUID) ([]*models.Subaccount, error) {
	var subs []*models.Subaccount
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// ListActive returns every active subaccount across all users; the feed
// subscribes to each of them.
func (s *SubaccountStore) ListActive(ctx context.Context) ([]*models.Subaccount, error) {
	var subs []*models.Subaccount
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *SubaccountStore) Update(ctx context.Context, sub *models.Subaccount) error {
	if _, err := s.GetByID(ctx, sub.UserID, sub.ID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(sub).Error
}

// Delete removes the subaccount and its alert history. Rules that pointed
// at it are kept but stop matching any feed event.
func (s *SubaccountStore) Delete(ctx context.Context, userID, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&models.Subaccount{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.NotFound("subaccount %s not found", id)
		}
		return tx.Where("subaccount_id = ?", id).Delete(&models.Alert{}).Error
	})
}
