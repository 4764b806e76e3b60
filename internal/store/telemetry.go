package store

import (
	"context"
	"errors"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"gorm.io/gorm"
)

// InsertSupplyReading refuses empty readings so a printer with SNMP disabled
// never produces rows.
func (r *Repo) InsertSupplyReading(ctx context.Context, rd *model.SupplyReading) error {
	if rd.Empty() {
		return errors.New("empty supply reading")
	}
	if rd.Time.IsZero() {
		rd.Time = utcNow()
	}
	return r.db.WithContext(ctx).Create(rd).Error
}

func (r *Repo) LatestSupplyReading(ctx context.Context, deviceID uint) (*model.SupplyReading, error) {
	var rd model.SupplyReading
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("recorded_at DESC, id DESC").
		First(&rd).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rd, nil
}

// ReconcileExternalDevices upserts every device by external id and appends
// one connectivity record per device, all in one transaction. Maintenance
// state is kept from the stored row.
func (r *Repo) ReconcileExternalDevices(ctx context.Context, devices []model.ExternalDevice, at time.Time) error {
	at = at.UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range devices {
			d := &devices[i]
			var existing model.ExternalDevice
			err := tx.Where("external_id = ?", d.ExternalID).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(d).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if err := tx.Model(&existing).Updates(map[string]any{
					"name":             d.Name,
					"model":            d.Model,
					"serial_number":    d.SerialNumber,
					"software_version": d.SoftwareVersion,
					"address":          d.Address,
					"room":             d.Room,
					"floor":            d.Floor,
					"connected":        d.Connected,
					"last_seen":        d.LastSeen,
					"updated_at":       at,
				}).Error; err != nil {
					return err
				}
				d.ID = existing.ID
				d.CreatedAt = existing.CreatedAt
				d.Maintenance = existing.Maintenance
				d.MaintenanceNote = existing.MaintenanceNote
				d.MaintenanceUntil = existing.MaintenanceUntil
			}
			hb := model.ExternalHeartbeat{
				ExternalDeviceID: d.ID,
				Connected:        d.Connected,
				Address:          d.Address,
				Time:             at,
			}
			if err := tx.Create(&hb).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) ListExternalDevices(ctx context.Context) ([]model.ExternalDevice, error) {
	var out []model.ExternalDevice
	err := r.db.WithContext(ctx).Order("floor, name").Find(&out).Error
	return out, err
}

func (r *Repo) GetExternalDevice(ctx context.Context, id uint) (*model.ExternalDevice, error) {
	var d model.ExternalDevice
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *Repo) SetExternalMaintenance(ctx context.Context, id uint, on bool, note *string, until *time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.ExternalDevice{}).Where("id = ?", id).Updates(map[string]any{
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

type ExternalHeartbeatPage struct {
	Heartbeats []model.ExternalHeartbeat `json:"heartbeats"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

// ListExternalHeartbeats pages the connectivity records of a synced device,
// newest first.
func (r *Repo) ListExternalHeartbeats(ctx context.Context, externalDeviceID uint, limit int, cursor *Cursor) (ExternalHeartbeatPage, error) {
	var rows []model.ExternalHeartbeat
	limit, err := r.keyset(ctx, "external_device_id", externalDeviceID, "seen_at", limit, cursor, &rows)
	if err != nil {
		return ExternalHeartbeatPage{}, err
	}
	out := ExternalHeartbeatPage{Heartbeats: rows}
	if len(rows) > limit {
		last := rows[limit-1]
		out.Heartbeats = rows[:limit]
		out.NextCursor = EncodeCursor(Cursor{TS: last.Time, ID: last.ID})
	}
	return out, nil
}

// ExternalUptime is the share of connected records since the given time,
// in percent. No records in the window reports 0 with total 0.
func (r *Repo) ExternalUptime(ctx context.Context, externalDeviceID uint, since time.Time) (pct float64, total int64, err error) {
	var up int64
	base := r.db.WithContext(ctx).Model(&model.ExternalHeartbeat{}).Where("external_device_id = ? AND seen_at >= ?", externalDeviceID, since.UTC())
	if err = base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, nil
	}
	if err = base.Session(&gorm.Session{}).Where("connected = ?", true).Count(&up).Error; err != nil {
		return 0, 0, err
	}
	return float64(up) / float64(total) * 100, total, nil
}

type SupplyReadingPage struct {
	Readings   []model.SupplyReading `json:"readings"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// ListSupplyReadings pages a printer's supply history, newest first.
func (r *Repo) ListSupplyReadings(ctx context.Context, deviceID uint, limit int, cursor *Cursor) (SupplyReadingPage, error) {
	var rows []model.SupplyReading
	limit, err := r.keyset(ctx, "device_id", deviceID, "recorded_at", limit, cursor, &rows)
	if err != nil {
		return SupplyReadingPage{}, err
	}
	out := SupplyReadingPage{Readings: rows}
	if len(rows) > limit {
		last := rows[limit-1]
		out.Readings = rows[:limit]
		out.NextCursor = EncodeCursor(Cursor{TS: last.Time, ID: last.ID})
	}
	return out, nil
}
