package model

import (
	"time"
)

type ProbeType string

const (
	ProbePing ProbeType = "ping"
	ProbeHTTP ProbeType = "http"
)

// CategoryPrinters marks devices that are polled over SNMP and checked
// against supply thresholds.
const CategoryPrinters = "printers"

type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Device is a monitored endpoint on the fixed office roster.
type Device struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	Type      ProbeType `gorm:"not null" json:"type"`
	Hostname  string    `json:"hostname,omitempty"`
	URL       string    `json:"url,omitempty"`
	Floor     string    `gorm:"index" json:"floor,omitempty"`
	Category  string    `gorm:"index" json:"category,omitempty"`
	Active    bool      `json:"active"`
	Interval  int       `json:"interval"` // seconds
	IgnoreTLS bool      `json:"ignore_tls"`

	Maintenance      bool       `json:"maintenance"`
	MaintenanceNote  *string    `json:"maintenance_note,omitempty"`
	MaintenanceUntil *time.Time `json:"maintenance_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Address is the hostname for ping devices and the URL for http devices.
func (d Device) Address() string {
	if d.Type == ProbeHTTP && d.URL != "" {
		return d.URL
	}
	if d.Hostname != "" {
		return d.Hostname
	}
	return d.URL
}

// InMaintenance reports whether status notifications are muted at now.
// A maintenance window without an expiry never lapses.
func (d Device) InMaintenance(now time.Time) bool {
	if !d.Maintenance {
		return false
	}
	if d.MaintenanceUntil == nil {
		return true
	}
	return d.MaintenanceUntil.After(now)
}

// PollInterval falls back to def when the device carries no interval.
func (d Device) PollInterval(def time.Duration) time.Duration {
	if d.Interval <= 0 {
		return def
	}
	return time.Duration(d.Interval) * time.Second
}

func (d Device) IsPrinter() bool { return d.Category == CategoryPrinters }

// Heartbeat is one immutable probe observation.
type Heartbeat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DeviceID  uint      `gorm:"index:idx_heartbeat_device_time,priority:1;not null" json:"device_id"`
	Status    Status    `gorm:"not null" json:"status"`
	LatencyMs *float64  `json:"latency_ms,omitempty"`
	Message   string    `json:"message"`
	Time      time.Time `gorm:"column:checked_at;index:idx_heartbeat_device_time,priority:2" json:"time"`
}

// Incident spans a confirmed outage. At most one row per device has a nil
// EndedAt; the partial unique index enforces it in the database.
type Incident struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	DeviceID        uint       `gorm:"not null;uniqueIndex:idx_incident_open,where:ended_at IS NULL" json:"device_id"`
	StartedAt       time.Time  `gorm:"not null" json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSec     *int64     `json:"duration_sec,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	AcknowledgedBy  *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
}

func (i Incident) Open() bool { return i.EndedAt == nil }
