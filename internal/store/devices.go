package store

import (
	"context"
	"errors"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertDeviceByName inserts the device or refreshes its probe settings.
// Maintenance state is owned by operators and left untouched on update.
func (r *Repo) UpsertDeviceByName(ctx context.Context, d *model.Device) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Device
		err := tx.Where("name = ?", d.Name).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(d).Error
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&existing).Updates(map[string]any{
			"type":       d.Type,
			"hostname":   d.Hostname,
			"url":        d.URL,
			"floor":      d.Floor,
			"category":   d.Category,
			"active":     d.Active,
			"interval":   d.Interval,
			"ignore_tls": d.IgnoreTLS,
			"updated_at": utcNow(),
		}).Error; err != nil {
			return err
		}
		return tx.First(d, existing.ID).Error
	})
}

func (r *Repo) GetDevice(ctx context.Context, id uint) (*model.Device, error) {
	var d model.Device
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *Repo) ListDevices(ctx context.Context) ([]model.Device, error) {
	var out []model.Device
	err := r.db.WithContext(ctx).Order("floor, name").Find(&out).Error
	return out, err
}

func (r *Repo) ListActiveDevices(ctx context.Context) ([]model.Device, error) {
	var out []model.Device
	err := r.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&out).Error
	return out, err
}

// ListActivePrinters returns active printer-category devices.
func (r *Repo) ListActivePrinters(ctx context.Context) ([]model.Device, error) {
	var out []model.Device
	err := r.db.WithContext(ctx).
		Where("active = ? AND category = ?", true, model.CategoryPrinters).
		Order("id").Find(&out).Error
	return out, err
}

func (r *Repo) SetMaintenance(ctx context.Context, id uint, on bool, note *string, until *time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Updates(map[string]any{
		"maintenance":       on,
		"maintenance_note":  note,
		"maintenance_until": until,
		"updated_at":        utcNow(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) InsertHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	if hb.Time.IsZero() {
		hb.Time = utcNow()
	}
	return r.db.WithContext(ctx).Create(hb).Error
}

// LatestHeartbeats returns the newest heartbeat of every device that has one.
func (r *Repo) LatestHeartbeats(ctx context.Context) ([]model.Heartbeat, error) {
	var rows []model.Heartbeat
	err := r.db.WithContext(ctx).Raw(`
		SELECT h.* FROM heartbeats h
		JOIN (SELECT device_id, MAX(checked_at) AS latest FROM heartbeats GROUP BY device_id) m
		  ON h.device_id = m.device_id AND h.checked_at = m.latest
		ORDER BY h.device_id, h.id`).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	// equal timestamps: keep the highest id
	out := rows[:0]
	for _, hb := range rows {
		if n := len(out); n > 0 && out[n-1].DeviceID == hb.DeviceID {
			out[n-1] = hb
			continue
		}
		out = append(out, hb)
	}
	return out, nil
}

// StatusSince returns the time of the first heartbeat in the device's
// current run of the given status, i.e. the first one after the newest
// heartbeat with a different status.
func (r *Repo) StatusSince(ctx context.Context, deviceID uint, status model.Status) (time.Time, error) {
	db := r.db.WithContext(ctx)
	q := db.Where("device_id = ? AND status = ?", deviceID, status)

	var other model.Heartbeat
	err := db.Where("device_id = ? AND status <> ?", deviceID, status).
		Order("checked_at DESC, id DESC").First(&other).Error
	switch {
	case err == nil:
		q = q.Where("checked_at > ?", other.Time)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return time.Time{}, err
	}

	var first model.Heartbeat
	if err := q.Order("checked_at, id").First(&first).Error; err != nil {
		return time.Time{}, notFound(err)
	}
	return first.Time, nil
}

type HeartbeatPage struct {
	Heartbeats []model.Heartbeat `json:"heartbeats"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// ListHeartbeats pages newest first.
func (r *Repo) ListHeartbeats(ctx context.Context, deviceID uint, limit int, cursor *Cursor) (HeartbeatPage, error) {
	var rows []model.Heartbeat
	limit, err := r.keyset(ctx, "device_id", deviceID, "checked_at", limit, cursor, &rows)
	if err != nil {
		return HeartbeatPage{}, err
	}
	out := HeartbeatPage{Heartbeats: rows}
	if len(rows) > limit {
		last := rows[limit-1]
		out.Heartbeats = rows[:limit]
		out.NextCursor = EncodeCursor(Cursor{TS: last.Time, ID: last.ID})
	}
	return out, nil
}

// keyset loads up to limit+1 rows of owner ordered by (timeCol, id) descending,
// starting after cursor. It returns the clamped limit.
func (r *Repo) keyset(ctx context.Context, ownerCol string, ownerID uint, timeCol string, limit int, cursor *Cursor, dest any) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: ownerCol}, Value: ownerID},
	}
	if cursor != nil {
		exprs = append(exprs, clause.Or(
			clause.Lt{Column: clause.Column{Name: timeCol}, Value: cursor.TS},
			clause.And(
				clause.Eq{Column: clause.Column{Name: timeCol}, Value: cursor.TS},
				clause.Lt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
			),
		))
	}
	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: timeCol}, Desc: true},
		{Column: clause.Column{Name: "id"}, Desc: true},
	}}
	err := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Limit(limit + 1).Find(dest).Error
	return limit, err
}

// Uptime is the share of up heartbeats since the given time, in percent.
// A device with no heartbeats in the window reports 0 with total 0.
func (r *Repo) Uptime(ctx context.Context, deviceID uint, since time.Time) (pct float64, total int64, err error) {
	var up int64
	base := r.db.WithContext(ctx).Model(&model.Heartbeat{}).Where("device_id = ? AND checked_at >= ?", deviceID, since.UTC())
	if err = base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, nil
	}
	if err = base.Session(&gorm.Session{}).Where("status = ?", model.StatusUp).Count(&up).Error; err != nil {
		return 0, 0, err
	}
	return float64(up) / float64(total) * 100, total, nil
}
