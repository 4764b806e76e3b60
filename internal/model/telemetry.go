package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SupplyReading is one SNMP poll of a printer. Nil fields were not reported.
type SupplyReading struct {
	ID       uint `gorm:"primaryKey" json:"id"`
	DeviceID uint `gorm:"index:idx_supply_device_time,priority:1;not null" json:"device_id"`

	TonerBlack   *int `json:"toner_black"`
	TonerCyan    *int `json:"toner_cyan"`
	TonerMagenta *int `json:"toner_magenta"`
	TonerYellow  *int `json:"toner_yellow"`
	TonerWaste   *int `json:"toner_waste"`

	PaperLevel *int `json:"paper_level"`
	PaperTray1 *int `json:"paper_tray1"`
	PaperTray2 *int `json:"paper_tray2"`

	ErrorState       *string `json:"error_state"`
	ErrorDescription *string `json:"error_description"`
	PageCount        *int64  `json:"page_count"`
	Model            *string `json:"model"`
	SerialNumber     *string `json:"serial_number"`

	Time time.Time `gorm:"column:recorded_at;index:idx_supply_device_time,priority:2" json:"time"`
}

// Empty is true when nothing at all was collected, e.g. SNMP disabled on the device.
func (r SupplyReading) Empty() bool {
	for _, p := range []*int{r.TonerBlack, r.TonerCyan, r.TonerMagenta, r.TonerYellow, r.TonerWaste, r.PaperLevel, r.PaperTray1, r.PaperTray2} {
		if p != nil {
			return false
		}
	}
	for _, p := range []*string{r.ErrorState, r.ErrorDescription, r.Model, r.SerialNumber} {
		if p != nil {
			return false
		}
	}
	return r.PageCount == nil
}

// Toner returns the level for an alert-tracked colorant.
func (r SupplyReading) Toner(color string) *int {
	switch color {
	case "black":
		return r.TonerBlack
	case "cyan":
		return r.TonerCyan
	case "magenta":
		return r.TonerMagenta
	case "yellow":
		return r.TonerYellow
	case "waste":
		return r.TonerWaste
	}
	return nil
}

// ExternalDevice mirrors a partner-managed device, keyed by ExternalID.
// Its IDs never collide with Device IDs semantically: the two rosters are disjoint.
type ExternalDevice struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ExternalID      string     `gorm:"uniqueIndex;not null" json:"external_id"`
	Name            string     `gorm:"not null" json:"name"`
	Model           string     `json:"model,omitempty"`
	SerialNumber    string     `json:"serial_number,omitempty"`
	SoftwareVersion string     `json:"software_version,omitempty"`
	Address         string     `json:"address,omitempty"`
	Room            string     `json:"room,omitempty"`
	Floor           string     `json:"floor"`
	Connected       bool       `json:"connected"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`

	Maintenance      bool       `json:"maintenance"`
	MaintenanceNote  *string    `json:"maintenance_note,omitempty"`
	MaintenanceUntil *time.Time `json:"maintenance_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExternalHeartbeat is the connectivity record appended per device per sync.
type ExternalHeartbeat struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ExternalDeviceID uint      `gorm:"index:idx_external_heartbeat_device_time,priority:1;not null" json:"external_device_id"`
	Connected        bool      `json:"connected"`
	Address          string    `json:"address,omitempty"`
	Time             time.Time `gorm:"column:seen_at;index:idx_external_heartbeat_device_time,priority:2" json:"time"`
}

// ThresholdAlert is keyed by (DeviceID, AlertType) while unresolved.
type ThresholdAlert struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	DeviceID    uint       `gorm:"not null;uniqueIndex:idx_alert_open,priority:1,where:resolved_at IS NULL" json:"device_id"`
	AlertType   string     `gorm:"not null;uniqueIndex:idx_alert_open,priority:2,where:resolved_at IS NULL" json:"alert_type"`
	Value       int        `json:"value"`
	SentAt      time.Time  `json:"sent_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
	DismissedBy *string    `json:"dismissed_by,omitempty"`
}

type Setting struct {
	Key   string `gorm:"primaryKey" json:"key"`
	Value string `json:"value"`
}

// WebhookSink is an operator-configured outbound webhook.
type WebhookSink struct {
	ID      uint              `gorm:"primaryKey" json:"id"`
	Name    string            `gorm:"not null" json:"name"`
	Kind    string            `gorm:"not null;default:generic" json:"kind"` // generic|discord|teams
	URL     string            `gorm:"not null" json:"url"`
	Headers datatypes.JSONMap `json:"headers,omitempty"`
	Events  string            `gorm:"not null;default:all" json:"events"` // "all" or comma list
	Enabled bool              `json:"enabled"`

	LastStatus   int        `json:"last_status"`
	LastStatusAt *time.Time `json:"last_status_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Notification is the best-effort notification center record.
type Notification struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	EventType string     `gorm:"index;not null" json:"event_type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	DeviceID  *uint      `json:"device_id,omitempty"`
	CreatedAt time.Time  `gorm:"index" json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}
