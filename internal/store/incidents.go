package store

import (
	"context"
	"errors"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"gorm.io/gorm"
)

func (r *Repo) GetOpenIncident(ctx context.Context, deviceID uint) (*model.Incident, error) {
	var inc model.Incident
	err := r.db.WithContext(ctx).Where("device_id = ? AND ended_at IS NULL", deviceID).First(&inc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inc, nil
}

// OpenIncident starts an incident for the device. If one is already open it
// is returned unchanged with created=false.
func (r *Repo) OpenIncident(ctx context.Context, deviceID uint, startedAt time.Time) (inc *model.Incident, created bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Incident
		err := tx.Where("device_id = ? AND ended_at IS NULL", deviceID).First(&existing).Error
		if err == nil {
			inc = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		inc = &model.Incident{DeviceID: deviceID, StartedAt: startedAt.UTC()}
		if err := tx.Create(inc).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return inc, created, nil
}

// CloseOpenIncident ends the device's open incident. It returns ErrNotFound
// when nothing is open.
func (r *Repo) CloseOpenIncident(ctx context.Context, deviceID uint, endedAt time.Time, notes string) (*model.Incident, error) {
	var inc model.Incident
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ? AND ended_at IS NULL", deviceID).First(&inc).Error; err != nil {
			return err
		}
		end := endedAt.UTC()
		dur := int64(end.Sub(inc.StartedAt).Seconds())
		if dur < 0 {
			dur = 0
		}
		inc.EndedAt = &end
		inc.DurationSec = &dur
		if notes != "" {
			inc.ResolutionNotes = notes
		}
		return tx.Save(&inc).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &inc, nil
}

// ListIncidents returns newest first; deviceID 0 means all devices.
func (r *Repo) ListIncidents(ctx context.Context, deviceID uint, openOnly bool, limit int) ([]model.Incident, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(limit)
	if deviceID != 0 {
		q = q.Where("device_id = ?", deviceID)
	}
	if openOnly {
		q = q.Where("ended_at IS NULL")
	}
	var out []model.Incident
	err := q.Find(&out).Error
	return out, err
}

func (r *Repo) AcknowledgeIncident(ctx context.Context, id uint, by, notes string, at time.Time) (*model.Incident, error) {
	var inc model.Incident
	if err := r.db.WithContext(ctx).First(&inc, id).Error; err != nil {
		return nil, notFound(err)
	}
	t := at.UTC()
	inc.AcknowledgedBy = &by
	inc.AcknowledgedAt = &t
	if notes != "" {
		inc.ResolutionNotes = notes
	}
	if err := r.db.WithContext(ctx).Save(&inc).Error; err != nil {
		return nil, err
	}
	return &inc, nil
}
