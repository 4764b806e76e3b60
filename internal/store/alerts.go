package store

import (
	"context"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
)

// UnresolvedAlert returns the dedup row for (device, type), if any.
func (r *Repo) UnresolvedAlert(ctx context.Context, deviceID uint, alertType string) (*model.ThresholdAlert, error) {
	var a model.ThresholdAlert
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND alert_type = ? AND resolved_at IS NULL", deviceID, alertType).
		First(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// CreateThresholdAlert fails on the partial unique index if an unresolved
// alert for the same key already exists.
func (r *Repo) CreateThresholdAlert(ctx context.Context, a *model.ThresholdAlert) error {
	if a.SentAt.IsZero() {
		a.SentAt = utcNow()
	}
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) ResolveThresholdAlert(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.ThresholdAlert{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", at.UTC()).Error
}

// ListActiveThresholdAlerts excludes resolved and dismissed alerts.
func (r *Repo) ListActiveThresholdAlerts(ctx context.Context) ([]model.ThresholdAlert, error) {
	var out []model.ThresholdAlert
	err := r.db.WithContext(ctx).
		Where("resolved_at IS NULL AND dismissed_at IS NULL").
		Order("sent_at DESC, id DESC").
		Find(&out).Error
	return out, err
}

func (r *Repo) DismissThresholdAlert(ctx context.Context, id uint, by string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.ThresholdAlert{}).
		Where("id = ?", id).
		Updates(map[string]any{"dismissed_at": at.UTC(), "dismissed_by": by})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DismissAllThresholdAlerts dismisses every active alert and returns the count.
func (r *Repo) DismissAllThresholdAlerts(ctx context.Context, by string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.ThresholdAlert{}).
		Where("resolved_at IS NULL AND dismissed_at IS NULL").
		Updates(map[string]any{"dismissed_at": at.UTC(), "dismissed_by": by})
	return res.RowsAffected, res.Error
}
