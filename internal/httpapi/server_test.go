package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/health"
	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
	"github.com/PetoAdam/homenavi/office-monitor/internal/notify"
	"github.com/PetoAdam/homenavi/office-monitor/internal/snmp"
	"github.com/PetoAdam/homenavi/office-monitor/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type staticStatuses map[uint]health.StatusView

func (s staticStatuses) Statuses() map[uint]health.StatusView { return s }

type fakePrinters struct {
	reading *model.SupplyReading
	err     error
}

func (f *fakePrinters) CollectDevice(context.Context, uint) (*model.SupplyReading, error) {
	return f.reading, f.err
}

type fakeRoster struct {
	devices []model.ExternalDevice
	forced  bool
	resets  int
}

func (f *fakeRoster) Sync(_ context.Context, force bool) []model.ExternalDevice {
	f.forced = force
	return f.devices
}

func (f *fakeRoster) LastFetch() time.Time { return time.Time{} }

func (f *fakeRoster) ResetToken() { f.resets++ }

type fakeChat struct{ err error }

func (f fakeChat) SendTest(context.Context) error { return f.err }

type fixture struct {
	repo     *store.Repo
	printers *fakePrinters
	roster   *fakeRoster
	chat     *fakeChat
	statuses staticStatuses
	router   chi.Router
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	repo, err := store.New(db)
	require.NoError(t, err)

	f := &fixture{
		repo:     repo,
		printers: &fakePrinters{},
		roster:   &fakeRoster{},
		chat:     &fakeChat{},
		statuses: staticStatuses{},
		now:      time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC),
	}
	s := NewServer(repo, f.statuses, f.printers, f.roster, f.chat, zap.NewNop())
	s.now = func() time.Time { return f.now }
	f.router = chi.NewRouter()
	s.RegisterRoutes(f.router)
	return f
}

func (f *fixture) device(t *testing.T, name, category string) *model.Device {
	t.Helper()
	d := &model.Device{Name: name, Type: model.ProbePing, Hostname: "10.1.0.7", Category: category, Active: true, Interval: 60}
	require.NoError(t, f.repo.UpsertDeviceByName(context.Background(), d))
	return d
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestMonitorsJoinLiveStatus(t *testing.T) {
	f := newFixture(t)
	printer := f.device(t, "PRN-3F", model.CategoryPrinters)
	f.device(t, "AP-2", "accessPoints")
	f.statuses[printer.ID] = health.StatusView{DeviceID: printer.ID, Status: model.StatusDown, LastChange: f.now, LastCheck: f.now, PendingRetry: true}

	rec := f.do(t, http.MethodGet, "/api/monitors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]map[string]any](t, rec)
	require.Len(t, got, 2)
	// ordered by floor then name
	assert.Equal(t, "AP-2", got[0]["name"])
	_, hasStatus := got[0]["status"]
	assert.False(t, hasStatus)
	assert.Equal(t, "PRN-3F", got[1]["name"])
	assert.Equal(t, "down", got[1]["status"])
	assert.Equal(t, true, got[1]["pending_retry"])
}

func TestUptimeAndHeartbeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, "SW-CORE", "switches")
	for i, st := range []model.Status{model.StatusUp, model.StatusUp, model.StatusUp, model.StatusDown} {
		require.NoError(t, f.repo.InsertHeartbeat(ctx, &model.Heartbeat{DeviceID: d.ID, Status: st, Time: f.now.Add(-time.Duration(i+1) * time.Minute)}))
	}

	rec := f.do(t, http.MethodGet, "/api/monitors/1/uptime?hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	up := decode[map[string]any](t, rec)
	assert.InDelta(t, 75.0, up["uptime"], 0.01)
	assert.Equal(t, float64(4), up["samples"])

	rec = f.do(t, http.MethodGet, "/api/monitors/1/heartbeats?limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[store.HeartbeatPage](t, rec)
	assert.Len(t, page.Heartbeats, 3)
	require.NotEmpty(t, page.NextCursor)

	rec = f.do(t, http.MethodGet, "/api/monitors/1/heartbeats?limit=3&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[store.HeartbeatPage](t, rec).Heartbeats, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/monitors/1/heartbeats?cursor=bm9wZQ", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/monitors/abc/uptime", nil).Code)
}

func TestMaintenanceToggle(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, "AP-7", "accessPoints")

	rec := f.do(t, http.MethodPut, "/api/monitors/1/maintenance", map[string]any{"maintenance": true, "note": "cabling"})
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := f.repo.GetDevice(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, got.Maintenance)
	require.NotNil(t, got.MaintenanceNote)
	assert.Equal(t, "cabling", *got.MaintenanceNote)

	rec = f.do(t, http.MethodPut, "/api/monitors/1/maintenance", map[string]any{"maintenance": false, "note": "ignored"})
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = f.repo.GetDevice(context.Background(), d.ID)
	require.NoError(t, err)
	assert.False(t, got.Maintenance)
	assert.Nil(t, got.MaintenanceNote)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/monitors/42/maintenance", map[string]any{"maintenance": true}).Code)
}

func TestIncidentsListAndAcknowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, "PRN-1F", model.CategoryPrinters)
	inc, created, err := f.repo.OpenIncident(ctx, d.ID, f.now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, created)

	rec := f.do(t, http.MethodGet, "/api/incidents?open=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Incident](t, rec), 1)

	rec = f.do(t, http.MethodPost, "/api/incidents/1/ack", map[string]string{"notes": "paper jam"}, "X-User", "marta")
	require.Equal(t, http.StatusOK, rec.Code)
	acked := decode[model.Incident](t, rec)
	assert.Equal(t, inc.ID, acked.ID)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, "marta", *acked.AcknowledgedBy)
	assert.Equal(t, "paper jam", acked.ResolutionNotes)

	rec = f.do(t, http.MethodPost, "/api/incidents/1/ack", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unknown", *decode[model.Incident](t, rec).AcknowledgedBy)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/incidents/99/ack", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/incidents?device_id=x", nil).Code)
}

func TestPrinterStatusAndRefresh(t *testing.T) {
	f := newFixture(t)
	d := f.device(t, "PRN-2F", model.CategoryPrinters)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/printers/1/status", nil).Code)

	black := 64
	require.NoError(t, f.repo.InsertSupplyReading(context.Background(), &model.SupplyReading{DeviceID: d.ID, TonerBlack: &black, Time: f.now}))
	rec := f.do(t, http.MethodGet, "/api/printers/1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(64), decode[map[string]any](t, rec)["toner_black"])

	f.printers.reading = &model.SupplyReading{DeviceID: d.ID, TonerBlack: &black}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/printers/1/refresh", nil).Code)

	f.printers.reading, f.printers.err = nil, snmp.ErrNotPrinter
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/printers/1/refresh", nil).Code)
	f.printers.err = snmp.ErrNoData
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, "/api/printers/1/refresh", nil).Code)
	f.printers.err = store.ErrNotFound
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/printers/1/refresh", nil).Code)
}

func TestExternalDevicesRefresh(t *testing.T) {
	f := newFixture(t)
	f.roster.devices = []model.ExternalDevice{{ExternalID: "poly-1", Name: "Huddle 4", Floor: "4", Connected: true}}

	rec := f.do(t, http.MethodGet, "/api/external-devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.roster.forced)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), body["device_count"])
	assert.Nil(t, body["last_fetch"])

	f.do(t, http.MethodGet, "/api/external-devices?refresh=1", nil)
	assert.True(t, f.roster.forced)
}

func TestPrinterHistoryPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, "PRN-2F", model.CategoryPrinters)
	for i, level := range []int{90, 70, 40} {
		v := level
		require.NoError(t, f.repo.InsertSupplyReading(ctx, &model.SupplyReading{DeviceID: d.ID, TonerBlack: &v, Time: f.now.Add(time.Duration(i) * time.Hour)}))
	}

	rec := f.do(t, http.MethodGet, "/api/printers/1/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[store.SupplyReadingPage](t, rec)
	require.Len(t, page.Readings, 2)
	assert.Equal(t, 40, *page.Readings[0].TonerBlack)
	require.NotEmpty(t, page.NextCursor)

	rec = f.do(t, http.MethodGet, "/api/printers/1/history?limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[store.SupplyReadingPage](t, rec)
	require.Len(t, page.Readings, 1)
	assert.Equal(t, 90, *page.Readings[0].TonerBlack)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/printers/1/history?cursor=bm9wZQ", nil).Code)
}

func TestExternalDeviceHistoryUptimeAndMaintenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, on := range []bool{true, false, true, true} {
		devs := []model.ExternalDevice{{ExternalID: "poly-1", Name: "Huddle 4", Floor: "4", Connected: on}}
		require.NoError(t, f.repo.ReconcileExternalDevices(ctx, devs, f.now.Add(time.Duration(i-4)*time.Hour)))
		f.roster.devices = devs
	}
	id := f.roster.devices[0].ID

	rec := f.do(t, http.MethodGet, "/api/external-devices/1/history?limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[store.ExternalHeartbeatPage](t, rec)
	require.Len(t, page.Heartbeats, 3)
	assert.Equal(t, id, page.Heartbeats[0].ExternalDeviceID)
	require.NotEmpty(t, page.NextCursor)

	rec = f.do(t, http.MethodGet, "/api/external-devices/1/history?cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[store.ExternalHeartbeatPage](t, rec)
	require.Len(t, page.Heartbeats, 1)
	assert.True(t, page.Heartbeats[0].Connected)

	rec = f.do(t, http.MethodGet, "/api/external-devices/1/uptime?hours=24", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	up := decode[map[string]any](t, rec)
	assert.Equal(t, float64(4), up["samples"])
	assert.InDelta(t, 75.0, up["uptime"], 0.001)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/external-devices/9/history", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/external-devices/9/uptime", nil).Code)

	rec = f.do(t, http.MethodPut, "/api/external-devices/1/maintenance", map[string]any{"maintenance": true, "note": "cable swap"}, "X-User", "ops")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[model.ExternalDevice](t, rec)
	assert.True(t, got.Maintenance)
	require.NotNil(t, got.MaintenanceNote)
	assert.Equal(t, "cable swap", *got.MaintenanceNote)

	// the roster cache predates the flag; the listing reads it from the store
	rec = f.do(t, http.MethodGet, "/api/external-devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[struct {
		Devices []model.ExternalDevice `json:"devices"`
	}](t, rec)
	require.Len(t, listing.Devices, 1)
	assert.True(t, listing.Devices[0].Maintenance)
	assert.False(t, f.roster.devices[0].Maintenance)

	rec = f.do(t, http.MethodPut, "/api/external-devices/1/maintenance", map[string]any{"maintenance": false, "note": "ignored"})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[model.ExternalDevice](t, rec)
	assert.False(t, got.Maintenance)
	assert.Nil(t, got.MaintenanceNote)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/external-devices/9/maintenance", map[string]any{"maintenance": true}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/external-devices/1/maintenance", "nope").Code)
}

func TestThresholdAlertDismissal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.device(t, "PRN-5F", model.CategoryPrinters)
	for _, color := range []string{"black", "cyan", "yellow"} {
		require.NoError(t, f.repo.CreateThresholdAlert(ctx, &model.ThresholdAlert{DeviceID: d.ID, AlertType: "toner_" + color, Value: 12, SentAt: f.now}))
	}

	rec := f.do(t, http.MethodGet, "/api/threshold-alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.ThresholdAlert](t, rec), 3)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPatch, "/api/threshold-alerts/1/dismiss", nil, "X-User", "ops").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPatch, "/api/threshold-alerts/77/dismiss", nil).Code)

	rec = f.do(t, http.MethodPost, "/api/threshold-alerts/dismiss-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode[map[string]any](t, rec)["dismissed"])

	rec = f.do(t, http.MethodGet, "/api/threshold-alerts", nil)
	assert.Empty(t, decode[[]model.ThresholdAlert](t, rec))
}

func TestSettingsMaskedAndFiltered(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.SetSettings(context.Background(), map[string]string{
		notify.SettingChatWebhookURL: "https://hooks.slack.com/services/T0/B0/secret",
		"poly_lens_client_secret":    "shh",
	}))

	rec := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]string](t, rec)
	assert.Equal(t, "https://hooks.slack.com/services/T0/B0/****", got[notify.SettingChatWebhookURL])
	assert.Equal(t, "********", got["poly_lens_client_secret"])

	rec = f.do(t, http.MethodPut, "/api/settings", map[string]any{"slack_enabled": true, "check_interval": 45, "admin": "root"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.roster.resets)
	stored, err := f.repo.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", stored[notify.SettingChatEnabled])
	assert.Equal(t, "45", stored["check_interval"])
	_, hasAdmin := stored["admin"]
	assert.False(t, hasAdmin)

	f.do(t, http.MethodPut, "/api/settings", map[string]any{"poly_lens_client_id": "new-id"})
	assert.Equal(t, 1, f.roster.resets)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/settings", map[string]any{"admin": "root"}).Code)
}

func TestSettingsSavedFromMaskedFormKeepSecrets(t *testing.T) {
	f := newFixture(t)
	webhook := "https://hooks.slack.com/services/T0/B0/secret"
	require.NoError(t, f.repo.SetSettings(context.Background(), map[string]string{
		notify.SettingChatWebhookURL: webhook,
		notify.SettingChatChannel:    "#ops",
		"poly_lens_client_id":        "client",
		"poly_lens_client_secret":    "shh",
	}))

	rec := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	form := decode[map[string]string](t, rec)
	form[notify.SettingChatChannel] = "#it-alerts"

	rec = f.do(t, http.MethodPut, "/api/settings", form)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{notify.SettingChatChannel}, decode[map[string]any](t, rec)["updated"])

	stored, err := f.repo.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, webhook, stored[notify.SettingChatWebhookURL])
	assert.Equal(t, "shh", stored["poly_lens_client_secret"])
	assert.Equal(t, "#it-alerts", stored[notify.SettingChatChannel])
	assert.Equal(t, 0, f.roster.resets)

	rec = f.do(t, http.MethodPut, "/api/settings", map[string]any{"poly_lens_client_secret": "rotated"})
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err = f.repo.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rotated", stored["poly_lens_client_secret"])
	assert.Equal(t, 1, f.roster.resets)
}

func TestTestChatOutcomes(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/settings/test-chat", nil).Code)

	f.chat.err = notify.ErrChatNotConfigured
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/settings/test-chat", nil).Code)

	f.chat.err = errors.New("chat webhook returned 404")
	rec := f.do(t, http.MethodPost, "/api/settings/test-chat", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "404")
}

func TestNotificationsAndSinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.InsertNotification(ctx, &model.Notification{EventType: "device_down", Title: "PRN-3F is DOWN", CreatedAt: f.now}))
	require.NoError(t, f.repo.CreateWebhookSink(ctx, &model.WebhookSink{Name: "ops", Kind: "generic", URL: "https://ops.example/hook", Events: "all", Enabled: true, Headers: map[string]any{"Authorization": "Bearer abc"}}))

	rec := f.do(t, http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Notification](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/notifications/sinks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sinks := decode[[]model.WebhookSink](t, rec)
	require.Len(t, sinks, 1)
	assert.Equal(t, "****", sinks[0].Headers["Authorization"])
}

func TestMaskSettingsLeavesEmptyValues(t *testing.T) {
	got := MaskSettings(map[string]string{notify.SettingChatWebhookURL: "", "slack_channel": "#it"})
	assert.Equal(t, "", got[notify.SettingChatWebhookURL])
	assert.Equal(t, "#it", got["slack_channel"])
}
