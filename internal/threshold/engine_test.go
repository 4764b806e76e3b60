package threshold

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
	"github.com/PetoAdam/homenavi/office-monitor/internal/notify"
	"github.com/PetoAdam/homenavi/office-monitor/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:threshold_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	repo, err := store.New(db)
	require.NoError(t, err)
	return repo
}

type recorder struct {
	mu         sync.Mutex
	events     []notify.Event
	broadcasts []any
}

func (r *recorder) Emit(evt notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) Broadcast(_ string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, data)
}

func intp(v int) *int { return &v }

type fixture struct {
	repo    *store.Repo
	rec     *recorder
	engine  *Engine
	printer *model.Device
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	repo := openTestRepo(t)
	p := &model.Device{Name: "Printer-3F-01", Type: model.ProbePing, Hostname: "10.0.3.50", Category: model.CategoryPrinters, Floor: "Floor 3", Active: true}
	require.NoError(t, repo.UpsertDeviceByName(context.Background(), p))
	rec := &recorder{}
	f := &fixture{repo: repo, rec: rec, printer: p, clock: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	f.engine = New(repo, rec, rec, 20, 25, zap.NewNop())
	f.engine.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) reading(t *testing.T, black int) {
	t.Helper()
	f.clock = f.clock.Add(5 * time.Minute)
	require.NoError(t, f.repo.InsertSupplyReading(context.Background(), &model.SupplyReading{
		DeviceID:   f.printer.ID,
		TonerBlack: intp(black),
		TonerCyan:  intp(80),
		PaperLevel: intp(3),
		Time:       f.clock,
	}))
	require.NoError(t, f.engine.Evaluate(context.Background()))
}

func TestLowTonerAlertsOnce(t *testing.T) {
	f := newFixture(t)

	f.reading(t, 18)
	f.reading(t, 18)

	a, err := f.repo.UnresolvedAlert(context.Background(), f.printer.ID, "toner_black")
	require.NoError(t, err)
	assert.Equal(t, 18, a.Value)

	active, err := f.repo.ListActiveThresholdAlerts(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.Len(t, f.rec.events, 1)
	evt := f.rec.events[0]
	assert.Equal(t, notify.EventThresholdBreach, evt.Type)
	assert.Equal(t, "black", evt.Data[notify.DataColor])
	assert.Equal(t, 18, evt.Data[notify.DataLevel])
	assert.Equal(t, 20, evt.Data[notify.DataThreshold])
}

func TestHysteresisBand(t *testing.T) {
	f := newFixture(t)

	f.reading(t, 20)
	first, err := f.repo.UnresolvedAlert(context.Background(), f.printer.ID, "toner_black")
	require.NoError(t, err)

	// Inside the band: neither a new alert nor a resolve.
	f.reading(t, 23)
	f.reading(t, 25)
	still, err := f.repo.UnresolvedAlert(context.Background(), f.printer.ID, "toner_black")
	require.NoError(t, err)
	assert.Equal(t, first.ID, still.ID)

	f.reading(t, 30)
	_, err = f.repo.UnresolvedAlert(context.Background(), f.printer.ID, "toner_black")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, f.rec.events, 1, "recovery sends no notification")
	assert.Len(t, f.rec.broadcasts, 1)

	f.reading(t, 18)
	again, err := f.repo.UnresolvedAlert(context.Background(), f.printer.ID, "toner_black")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID, "a new alert row, not a reuse")
	assert.Len(t, f.rec.events, 2)
}

func TestEndToEndPrinterScenario(t *testing.T) {
	f := newFixture(t)

	f.reading(t, 15)
	active, err := f.repo.ListActiveThresholdAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "toner_black", active[0].AlertType)
	require.Len(t, f.rec.events, 1)

	f.reading(t, 40)
	active, err = f.repo.ListActiveThresholdAlerts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Len(t, f.rec.events, 1)
}

func TestMaintenancePrinterSkipped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.SetMaintenance(context.Background(), f.printer.ID, true, nil, nil))

	f.reading(t, 5)

	active, err := f.repo.ListActiveThresholdAlerts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Empty(t, f.rec.events)
}

func TestPaperNeverAlerts(t *testing.T) {
	f := newFixture(t)
	f.reading(t, 90)
	assert.Empty(t, f.rec.events)
}

func TestNoReadingIsQuiet(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Evaluate(context.Background()))
	assert.Empty(t, f.rec.events)
}
