package store

import (
	"context"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

func (r *Repo) GetSetting(ctx context.Context, key string) (string, error) {
	var s model.Setting
	if err := r.db.WithContext(ctx).Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: key}).First(&s).Error; err != nil {
		return "", notFound(err)
	}
	return s.Value, nil
}

func (r *Repo) GetSettings(ctx context.Context) (map[string]string, error) {
	var rows []model.Setting
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, s := range rows {
		out[s.Key] = s.Value
	}
	return out, nil
}

func (r *Repo) SetSettings(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([]model.Setting, 0, len(values))
	for k, v := range values {
		rows = append(rows, model.Setting{Key: k, Value: v})
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&rows).Error
}

// SeedSettings writes defaults without overwriting existing keys.
func (r *Repo) SeedSettings(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([]model.Setting, 0, len(values))
	for k, v := range values {
		rows = append(rows, model.Setting{Key: k, Value: v})
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *Repo) ListWebhookSinks(ctx context.Context) ([]model.WebhookSink, error) {
	var out []model.WebhookSink
	err := r.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (r *Repo) ListEnabledWebhookSinks(ctx context.Context) ([]model.WebhookSink, error) {
	var out []model.WebhookSink
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&out).Error
	return out, err
}

func (r *Repo) CreateWebhookSink(ctx context.Context, s *model.WebhookSink) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// RecordWebhookResult stores the outcome of the last delivery attempt.
func (r *Repo) RecordWebhookResult(ctx context.Context, id uint, status int, errMsg string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.WebhookSink{}).Where("id = ?", id).Updates(map[string]any{
		"last_status":    status,
		"last_status_at": at.UTC(),
		"last_error":     errMsg,
	}).Error
}

func (r *Repo) InsertNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = utcNow()
	}
	return r.db.WithContext(ctx).Create(n).Error
}

func (r *Repo) ListNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []model.Notification
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
