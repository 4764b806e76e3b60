package notify

import (
	"strconv"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
)

type EventType string

const (
	EventDeviceDown      EventType = "device_down"
	EventDeviceUp        EventType = "device_up"
	EventIncidentOpened  EventType = "incident_opened"
	EventIncidentClosed  EventType = "incident_closed"
	EventIncidentError   EventType = "incident_error"
	EventThresholdBreach EventType = "threshold_breach"
	EventTest            EventType = "test"
)

// Event is the fan-out payload. Device is a copy taken when the event was raised.
type Event struct {
	Type    EventType      `json:"event"`
	Device  *model.Device  `json:"device,omitempty"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	Time    time.Time      `json:"timestamp"`
}

// Threshold events carry these keys in Data.
const (
	DataColor     = "color"
	DataLevel     = "level"
	DataThreshold = "threshold"
)

// Status events carry these keys in Data.
const (
	DataDowntimeSec = "downtime_sec"
	DataIncidentID  = "incident_id"
)

// FormatDuration renders a downtime like "1h 4m" or "42s".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	s := int((d % time.Minute) / time.Second)
	switch {
	case h > 0:
		return strconv.Itoa(h) + "h " + strconv.Itoa(m) + "m"
	case m > 0:
		return strconv.Itoa(m) + "m " + strconv.Itoa(s) + "s"
	default:
		return strconv.Itoa(s) + "s"
	}
}
