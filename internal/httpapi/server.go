package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/health"
	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
	"github.com/PetoAdam/homenavi/office-monitor/internal/notify"
	"github.com/PetoAdam/homenavi/office-monitor/internal/roster"
	"github.com/PetoAdam/homenavi/office-monitor/internal/snmp"
	"github.com/PetoAdam/homenavi/office-monitor/internal/store"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Repo interface {
	Ping(ctx context.Context) error
	ListDevices(ctx context.Context) ([]model.Device, error)
	GetDevice(ctx context.Context, id uint) (*model.Device, error)
	SetMaintenance(ctx context.Context, id uint, on bool, note *string, until *time.Time) error
	Uptime(ctx context.Context, deviceID uint, since time.Time) (float64, int64, error)
	ListHeartbeats(ctx context.Context, deviceID uint, limit int, cursor *store.Cursor) (store.HeartbeatPage, error)
	ListIncidents(ctx context.Context, deviceID uint, openOnly bool, limit int) ([]model.Incident, error)
	AcknowledgeIncident(ctx context.Context, id uint, by, notes string, at time.Time) (*model.Incident, error)
	LatestSupplyReading(ctx context.Context, deviceID uint) (*model.SupplyReading, error)
	ListSupplyReadings(ctx context.Context, deviceID uint, limit int, cursor *store.Cursor) (store.SupplyReadingPage, error)
	ListExternalDevices(ctx context.Context) ([]model.ExternalDevice, error)
	GetExternalDevice(ctx context.Context, id uint) (*model.ExternalDevice, error)
	SetExternalMaintenance(ctx context.Context, id uint, on bool, note *string, until *time.Time) error
	ListExternalHeartbeats(ctx context.Context, externalDeviceID uint, limit int, cursor *store.Cursor) (store.ExternalHeartbeatPage, error)
	ExternalUptime(ctx context.Context, externalDeviceID uint, since time.Time) (float64, int64, error)
	ListActiveThresholdAlerts(ctx context.Context) ([]model.ThresholdAlert, error)
	DismissThresholdAlert(ctx context.Context, id uint, by string, at time.Time) error
	DismissAllThresholdAlerts(ctx context.Context, by string, at time.Time) (int64, error)
	GetSettings(ctx context.Context) (map[string]string, error)
	SetSettings(ctx context.Context, values map[string]string) error
	ListNotifications(ctx context.Context, limit int) ([]model.Notification, error)
	ListWebhookSinks(ctx context.Context) ([]model.WebhookSink, error)
}

type StatusSource interface {
	Statuses() map[uint]health.StatusView
}

type PrinterRefresher interface {
	CollectDevice(ctx context.Context, deviceID uint) (*model.SupplyReading, error)
}

type Roster interface {
	Sync(ctx context.Context, force bool) []model.ExternalDevice
	LastFetch() time.Time
	ResetToken()
}

type ChatTester interface {
	SendTest(ctx context.Context) error
}

// SettingKeys are the settings an operator may change.
var SettingKeys = []string{
	notify.SettingChatWebhookURL,
	notify.SettingChatChannel,
	notify.SettingChatEnabled,
	roster.SettingClientID,
	roster.SettingClientSecret,
	"check_interval",
	"ping_timeout",
}

var webhookTail = regexp.MustCompile(`/[^/]+$`)

type Server struct {
	repo     Repo
	statuses StatusSource
	printers PrinterRefresher
	roster   Roster
	chat     ChatTester
	log      *zap.Logger
	now      func() time.Time
}

func NewServer(repo Repo, statuses StatusSource, printers PrinterRefresher, rs Roster, chat ChatTester, log *zap.Logger) *Server {
	return &Server{
		repo:     repo,
		statuses: statuses,
		printers: printers,
		roster:   rs,
		chat:     chat,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/monitors", s.handleMonitors)
		r.Get("/monitors/{id}/uptime", s.handleUptime)
		r.Get("/monitors/{id}/heartbeats", s.handleHeartbeats)
		r.Put("/monitors/{id}/maintenance", s.handleMaintenance)

		r.Get("/incidents", s.handleIncidents)
		r.Post("/incidents/{id}/ack", s.handleAckIncident)

		r.Get("/printers/{id}/status", s.handlePrinterStatus)
		r.Post("/printers/{id}/refresh", s.handlePrinterRefresh)
		r.Get("/printers/{id}/history", s.handlePrinterHistory)

		r.Get("/external-devices", s.handleExternalDevices)
		r.Get("/external-devices/{id}/history", s.handleExternalHistory)
		r.Get("/external-devices/{id}/uptime", s.handleExternalUptime)
		r.Put("/external-devices/{id}/maintenance", s.handleExternalMaintenance)

		r.Get("/threshold-alerts", s.handleThresholdAlerts)
		r.Patch("/threshold-alerts/{id}/dismiss", s.handleDismissAlert)
		r.Post("/threshold-alerts/dismiss-all", s.handleDismissAll)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Post("/settings/test-chat", s.handleTestChat)

		r.Get("/notifications", s.handleNotifications)
		r.Get("/notifications/sinks", s.handleSinks)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store.ErrNotFound to 404 and anything else to 500.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.log.Error("request failed", zap.String("what", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func idParam(r *http.Request) (uint, error) {
	n, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid id")
	}
	return uint(n), nil
}

func intQuery(r *http.Request, key string, def, max int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// cursorQuery decodes the optional cursor parameter.
func cursorQuery(r *http.Request) (*store.Cursor, error) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		return nil, nil
	}
	c, err := store.DecodeCursor(raw)
	if err != nil {
		return nil, errors.New("invalid cursor")
	}
	return c, nil
}

// actor is the acting user forwarded by the gateway.
func actor(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get("X-User")); u != "" {
		return u
	}
	return "unknown"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type monitorView struct {
	model.Device
	Status       model.Status `json:"status,omitempty"`
	LastChange   *time.Time   `json:"last_change,omitempty"`
	LastCheck    *time.Time   `json:"last_check,omitempty"`
	PendingRetry bool         `json:"pending_retry"`
}

func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	devices, err := s.repo.ListDevices(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "devices")
		return
	}
	statuses := s.statuses.Statuses()
	out := make([]monitorView, 0, len(devices))
	for _, d := range devices {
		v := monitorView{Device: d}
		if st, ok := statuses[d.ID]; ok {
			v.Status = st.Status
			v.LastChange = &st.LastChange
			v.LastCheck = &st.LastCheck
			v.PendingRetry = st.PendingRetry
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUptime(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours := intQuery(r, "hours", 24, 24*90)
	pct, samples, err := s.repo.Uptime(r.Context(), id, s.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		s.writeStoreError(w, err, "uptime")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "hours": hours, "uptime": pct, "samples": samples})
}

func (s *Server) handleHeartbeats(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cursor, err := cursorQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.repo.ListHeartbeats(r.Context(), id, intQuery(r, "limit", 100, 1000), cursor)
	if err != nil {
		s.writeStoreError(w, err, "heartbeats")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type maintenanceRequest struct {
	Maintenance bool       `json:"maintenance"`
	Note        *string    `json:"note"`
	Until       *time.Time `json:"until"`
}

func decodeMaintenance(r *http.Request) (maintenanceRequest, error) {
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid json")
	}
	if !req.Maintenance {
		req.Note, req.Until = nil, nil
	}
	return req, nil
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := decodeMaintenance(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.SetMaintenance(r.Context(), id, req.Maintenance, req.Note, req.Until); err != nil {
		s.writeStoreError(w, err, "device")
		return
	}
	d, err := s.repo.GetDevice(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "device")
		return
	}
	s.log.Info("maintenance updated", zap.String("device", d.Name), zap.Bool("maintenance", d.Maintenance), zap.String("by", actor(r)))
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	var deviceID uint
	if v := r.URL.Query().Get("device_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid device_id")
			return
		}
		deviceID = uint(n)
	}
	openOnly := r.URL.Query().Get("open") == "1" || r.URL.Query().Get("open") == "true"
	incidents, err := s.repo.ListIncidents(r.Context(), deviceID, openOnly, intQuery(r, "limit", 100, 1000))
	if err != nil {
		s.writeStoreError(w, err, "incidents")
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleAckIncident(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	inc, err := s.repo.AcknowledgeIncident(r.Context(), id, actor(r), strings.TrimSpace(body.Notes), s.now())
	if err != nil {
		s.writeStoreError(w, err, "incident")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handlePrinterStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rd, err := s.repo.LatestSupplyReading(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "printer status")
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handlePrinterRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rd, err := s.printers.CollectDevice(r.Context(), id)
	switch {
	case errors.Is(err, snmp.ErrNotPrinter):
		writeError(w, http.StatusBadRequest, "device is not a printer")
	case errors.Is(err, snmp.ErrNoData):
		writeError(w, http.StatusBadGateway, "printer returned no SNMP data")
	case err != nil:
		s.writeStoreError(w, err, "printer")
	default:
		writeJSON(w, http.StatusOK, rd)
	}
}

func (s *Server) handlePrinterHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cursor, err := cursorQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.repo.ListSupplyReadings(r.Context(), id, intQuery(r, "limit", 100, 1000), cursor)
	if err != nil {
		s.writeStoreError(w, err, "printer history")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleExternalDevices(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") != ""
	synced := s.roster.Sync(r.Context(), refresh)

	// Maintenance flags change between syncs; take them from the store.
	devices := make([]model.ExternalDevice, len(synced))
	copy(devices, synced)
	if stored, err := s.repo.ListExternalDevices(r.Context()); err != nil {
		s.log.Warn("load external device maintenance failed", zap.Error(err))
	} else {
		byExternalID := make(map[string]model.ExternalDevice, len(stored))
		for _, d := range stored {
			byExternalID[d.ExternalID] = d
		}
		for i := range devices {
			if st, ok := byExternalID[devices[i].ExternalID]; ok {
				devices[i].ID = st.ID
				devices[i].Maintenance = st.Maintenance
				devices[i].MaintenanceNote = st.MaintenanceNote
				devices[i].MaintenanceUntil = st.MaintenanceUntil
			}
		}
	}

	var last *time.Time
	if t := s.roster.LastFetch(); !t.IsZero() {
		last = &t
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_count": len(devices),
		"last_fetch":   last,
		"devices":      devices,
	})
}

func (s *Server) handleExternalHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cursor, err := cursorQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.repo.GetExternalDevice(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "external device")
		return
	}
	page, err := s.repo.ListExternalHeartbeats(r.Context(), id, intQuery(r, "limit", 100, 1000), cursor)
	if err != nil {
		s.writeStoreError(w, err, "external device history")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleExternalUptime(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.repo.GetExternalDevice(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "external device")
		return
	}
	hours := intQuery(r, "hours", 24, 24*90)
	pct, samples, err := s.repo.ExternalUptime(r.Context(), id, s.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		s.writeStoreError(w, err, "uptime")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"external_device_id": id, "hours": hours, "uptime": pct, "samples": samples})
}

func (s *Server) handleExternalMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := decodeMaintenance(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.SetExternalMaintenance(r.Context(), id, req.Maintenance, req.Note, req.Until); err != nil {
		s.writeStoreError(w, err, "external device")
		return
	}
	d, err := s.repo.GetExternalDevice(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "external device")
		return
	}
	s.log.Info("external maintenance updated", zap.String("device", d.Name), zap.Bool("maintenance", d.Maintenance), zap.String("by", actor(r)))
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleThresholdAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.repo.ListActiveThresholdAlerts(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.repo.DismissThresholdAlert(r.Context(), id, actor(r), s.now()); err != nil {
		s.writeStoreError(w, err, "alert")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "dismissed": true})
}

func (s *Server) handleDismissAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.repo.DismissAllThresholdAlerts(r.Context(), actor(r), s.now())
	if err != nil {
		s.writeStoreError(w, err, "alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dismissed": n})
}

// MaskSettings hides the webhook path tail and the partner secret.
func MaskSettings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	if v := out[notify.SettingChatWebhookURL]; v != "" {
		out[notify.SettingChatWebhookURL] = webhookTail.ReplaceAllString(v, "/****")
	}
	if out[roster.SettingClientSecret] != "" {
		out[roster.SettingClientSecret] = "********"
	}
	return out
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.repo.GetSettings(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "settings")
		return
	}
	writeJSON(w, http.StatusOK, MaskSettings(settings))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	updates := map[string]string{}
	for _, k := range SettingKeys {
		v, ok := body[k]
		if !ok || v == nil {
			continue
		}
		switch tv := v.(type) {
		case string:
			updates[k] = tv
		case bool:
			updates[k] = "0"
			if tv {
				updates[k] = "1"
			}
		default:
			updates[k] = fmt.Sprint(tv)
		}
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "no recognised settings")
		return
	}

	// A form saved from GET carries the masked values back; those and any
	// unchanged value are not writes.
	current, err := s.repo.GetSettings(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "settings")
		return
	}
	masked := MaskSettings(current)
	for k, v := range updates {
		if cur, ok := current[k]; ok && (v == cur || v == masked[k]) {
			delete(updates, k)
		}
	}
	if err := s.repo.SetSettings(r.Context(), updates); err != nil {
		s.writeStoreError(w, err, "settings")
		return
	}
	_, idChanged := updates[roster.SettingClientID]
	_, secretChanged := updates[roster.SettingClientSecret]
	if idChanged || secretChanged {
		s.roster.ResetToken()
	}

	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.log.Info("settings updated", zap.Strings("keys", keys), zap.String("by", actor(r)))
	writeJSON(w, http.StatusOK, map[string]any{"updated": keys})
}

func (s *Server) handleTestChat(w http.ResponseWriter, r *http.Request) {
	err := s.chat.SendTest(r.Context())
	switch {
	case errors.Is(err, notify.ErrChatNotConfigured), errors.Is(err, notify.ErrDisabled):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Test notification sent"})
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := s.repo.ListNotifications(r.Context(), intQuery(r, "limit", 50, 500))
	if err != nil {
		s.writeStoreError(w, err, "notifications")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleSinks(w http.ResponseWriter, r *http.Request) {
	sinks, err := s.repo.ListWebhookSinks(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "sinks")
		return
	}
	for i := range sinks {
		for k := range sinks[i].Headers {
			sinks[i].Headers[k] = "****"
		}
	}
	writeJSON(w, http.StatusOK, sinks)
}
