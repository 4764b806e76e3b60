package health

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
	"github.com/PetoAdam/homenavi/office-monitor/internal/notify"
	"github.com/PetoAdam/homenavi/office-monitor/internal/observability"
	"github.com/PetoAdam/homenavi/office-monitor/internal/probe"
	"github.com/PetoAdam/homenavi/office-monitor/internal/store"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Live channel message types.
const (
	MsgStatusUpdate = "status_update"
	MsgIncident     = "incident"
	MsgHeartbeat    = "heartbeat"
)

type Store interface {
	ListActiveDevices(ctx context.Context) ([]model.Device, error)
	GetDevice(ctx context.Context, id uint) (*model.Device, error)
	InsertHeartbeat(ctx context.Context, hb *model.Heartbeat) error
	LatestHeartbeats(ctx context.Context) ([]model.Heartbeat, error)
	StatusSince(ctx context.Context, deviceID uint, status model.Status) (time.Time, error)
	OpenIncident(ctx context.Context, deviceID uint, startedAt time.Time) (*model.Incident, bool, error)
	CloseOpenIncident(ctx context.Context, deviceID uint, endedAt time.Time, notes string) (*model.Incident, error)
}

type Notifier interface {
	Emit(evt notify.Event)
}

type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// Mirror receives every committed status, e.g. a shared cache.
type Mirror interface {
	PutStatus(ctx context.Context, v StatusView) error
}

type Options struct {
	DefaultInterval time.Duration
	RetryDelay      time.Duration
	Parallelism     int
	// IncidentBackOff builds the retry policy for incident writes.
	IncidentBackOff func() backoff.BackOff
	Now             func() time.Time
}

type Monitor struct {
	store       Store
	prober      probe.Prober
	notifier    Notifier
	broadcaster Broadcaster
	mirror      Mirror
	states      *StateStore
	retries     Scheduler
	log         *zap.Logger
	opts        Options

	firstRun atomic.Bool
}

func New(st Store, pr probe.Prober, n Notifier, b Broadcaster, retries Scheduler, log *zap.Logger, opts Options) *Monitor {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 15 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.IncidentBackOff == nil {
		opts.IncidentBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return b
		}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	m := &Monitor{
		store:       st,
		prober:      pr,
		notifier:    n,
		broadcaster: b,
		states:      NewStateStore(),
		retries:     retries,
		log:         log,
		opts:        opts,
	}
	m.firstRun.Store(true)
	return m
}

// SetMirror attaches an optional status mirror.
func (m *Monitor) SetMirror(mr Mirror) { m.mirror = mr }

// FirstRun reports whether the initial sweep is still outstanding.
func (m *Monitor) FirstRun() bool { return m.firstRun.Load() }

// Restore seeds in-memory state from the newest heartbeat per device.
// LastChange is the start of the current run of that status; it falls back
// to the heartbeat time when the history cannot be read.
func (m *Monitor) Restore(ctx context.Context) error {
	hbs, err := m.store.LatestHeartbeats(ctx)
	if err != nil {
		return fmt.Errorf("load latest heartbeats: %w", err)
	}
	for _, hb := range hbs {
		since, err := m.store.StatusSince(ctx, hb.DeviceID, hb.Status)
		if err != nil {
			m.log.Debug("status start unavailable", zap.Uint("device_id", hb.DeviceID), zap.Error(err))
			since = hb.Time
		}
		m.states.Seed(hb.DeviceID, DeviceState{Status: hb.Status, LastChange: since, LastCheck: hb.Time})
	}
	m.log.Info("restored device status", zap.Int("devices", len(hbs)))
	return nil
}

// Statuses returns the committed status of every known device.
func (m *Monitor) Statuses() map[uint]StatusView {
	snap := m.states.Snapshot()
	out := make(map[uint]StatusView, len(snap))
	for id, st := range snap {
		out[id] = m.view(id, st)
	}
	return out
}

func (m *Monitor) view(id uint, st DeviceState) StatusView {
	return StatusView{
		DeviceID:     id,
		Status:       st.Status,
		LastChange:   st.LastChange,
		LastCheck:    st.LastCheck,
		PendingRetry: m.retries.Pending(id),
	}
}

// RunCycle probes every active device whose interval has elapsed. It never
// fails because of a single device.
func (m *Monitor) RunCycle(ctx context.Context) error {
	devices, err := m.store.ListActiveDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	now := m.opts.Now()

	var g errgroup.Group
	g.SetLimit(m.opts.Parallelism)
	checked := 0
	for _, d := range devices {
		if !m.due(d, now) {
			continue
		}
		checked++
		g.Go(func() error {
			m.check(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	if m.firstRun.CompareAndSwap(true, false) {
		m.log.Info("initial sweep complete, alerting enabled", zap.Int("devices", checked))
	} else {
		m.log.Debug("sweep complete", zap.Int("checked", checked))
	}
	return nil
}

// due allows one second of slack so a device on a 30s interval swept every
// 10s is checked on the third sweep rather than the fourth.
func (m *Monitor) due(d model.Device, now time.Time) bool {
	st, ok := m.states.Get(d.ID)
	if !ok || st.LastCheck.IsZero() {
		return true
	}
	return now.Sub(st.LastCheck)+time.Second >= d.PollInterval(m.opts.DefaultInterval)
}

// Check probes one device immediately and evaluates the result.
func (m *Monitor) Check(ctx context.Context, d model.Device) {
	m.check(ctx, d)
}

func (m *Monitor) check(ctx context.Context, d model.Device) {
	if !m.states.TryBegin(d.ID) {
		return
	}
	defer m.states.End(d.ID)

	res := m.prober.Probe(ctx, d)
	m.recordHeartbeat(ctx, d, res)
	m.evaluate(ctx, d, res)
}

func (m *Monitor) recordHeartbeat(ctx context.Context, d model.Device, res probe.Result) {
	observability.Probes.WithLabelValues(string(res.Status)).Inc()
	hb := &model.Heartbeat{
		DeviceID:  d.ID,
		Status:    res.Status,
		LatencyMs: res.LatencyMs,
		Message:   res.Message,
		Time:      m.opts.Now(),
	}
	if err := m.store.InsertHeartbeat(ctx, hb); err != nil {
		m.log.Warn("heartbeat write failed", zap.String("device", d.Name), zap.Error(err))
	}
	m.broadcast(MsgHeartbeat, hb)
}

func (m *Monitor) evaluate(ctx context.Context, d model.Device, res probe.Result) {
	now := m.opts.Now()
	e := m.states.lock(d.ID)
	defer e.mu.Unlock()

	prev, known := e.state, e.known
	if !known || m.firstRun.Load() {
		next := DeviceState{Status: res.Status, LastChange: prev.LastChange, LastCheck: now}
		if !known || prev.Status != res.Status || next.LastChange.IsZero() {
			next.LastChange = now
		}
		e.state, e.known = next, true
		if res.Up() {
			m.closeStaleIncident(ctx, d, now)
		}
		m.mirrorStatus(ctx, d.ID, next)
		return
	}

	if res.Status == prev.Status {
		e.state.LastCheck = now
		return
	}

	if res.Status == model.StatusDown {
		// Provisional: the committed status stays up until confirmed.
		e.state.LastCheck = now
		if m.retries.Schedule(d.ID, m.opts.RetryDelay, func() {
			m.confirmDown(context.WithoutCancel(ctx), d.ID)
		}) {
			m.log.Info("device appears down, scheduling confirmation",
				zap.String("device", d.Name), zap.Duration("delay", m.opts.RetryDelay), zap.String("message", res.Message))
		}
		return
	}

	m.retries.Cancel(d.ID)
	e.state = DeviceState{Status: model.StatusUp, LastChange: now, LastCheck: now}
	m.commitUp(ctx, d, res, prev.LastChange, now)
}

// confirmDown is the deferred second probe. It re-reads the device so an
// edit made during the window (maintenance, deactivation) is honoured.
func (m *Monitor) confirmDown(ctx context.Context, deviceID uint) {
	d, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		m.log.Warn("confirmation skipped, device lookup failed", zap.Uint("device_id", deviceID), zap.Error(err))
		return
	}
	if !d.Active {
		return
	}

	res := m.prober.Probe(ctx, *d)
	m.recordHeartbeat(ctx, *d, res)

	now := m.opts.Now()
	e := m.states.lock(d.ID)
	defer e.mu.Unlock()
	if e.state.Status == model.StatusDown {
		return
	}

	if res.Status == model.StatusDown {
		e.state = DeviceState{Status: model.StatusDown, LastChange: now, LastCheck: now}
		m.commitDown(ctx, *d, res, now)
		return
	}

	e.state.Status = model.StatusUp
	e.state.LastCheck = now
	m.log.Info("device recovered during confirmation window, no alert", zap.String("device", d.Name))
}

func (m *Monitor) commitDown(ctx context.Context, d model.Device, res probe.Result, now time.Time) {
	m.log.Warn("device confirmed down", zap.String("device", d.Name), zap.String("message", res.Message))
	st := DeviceState{Status: model.StatusDown, LastChange: now, LastCheck: now}
	m.mirrorStatus(ctx, d.ID, st)
	m.broadcastStatus(d, st, res)

	inc, err := retryIncident(ctx, m.opts.IncidentBackOff(), func() (*model.Incident, error) {
		inc, _, err := m.store.OpenIncident(ctx, d.ID, now)
		return inc, err
	})
	if err != nil {
		m.incidentFailed(d, "open", err)
	} else {
		observability.Incidents.WithLabelValues("opened").Inc()
		m.broadcast(MsgIncident, inc)
	}

	if d.InMaintenance(now) {
		m.log.Info("device in maintenance, down notification suppressed", zap.String("device", d.Name))
		return
	}
	m.notifier.Emit(notify.Event{
		Type:    notify.EventDeviceDown,
		Device:  &d,
		Title:   d.Name + " is DOWN",
		Message: res.Message,
		Time:    now,
	})
	if inc != nil {
		m.notifier.Emit(notify.Event{
			Type:    notify.EventIncidentOpened,
			Device:  &d,
			Title:   "Incident opened: " + d.Name,
			Message: res.Message,
			Data:    map[string]any{notify.DataIncidentID: inc.ID},
			Time:    now,
		})
	}
}

func (m *Monitor) commitUp(ctx context.Context, d model.Device, res probe.Result, downSince, now time.Time) {
	st := DeviceState{Status: model.StatusUp, LastChange: now, LastCheck: now}
	m.mirrorStatus(ctx, d.ID, st)
	m.broadcastStatus(d, st, res)

	downtime := time.Duration(0)
	if !downSince.IsZero() {
		downtime = now.Sub(downSince)
	}

	inc, err := retryIncident(ctx, m.opts.IncidentBackOff(), func() (*model.Incident, error) {
		inc, err := m.store.CloseOpenIncident(ctx, d.ID, now, "")
		if errors.Is(err, store.ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		return inc, err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		inc = nil
	case err != nil:
		m.incidentFailed(d, "close", err)
	default:
		observability.Incidents.WithLabelValues("closed").Inc()
		if inc.DurationSec != nil {
			downtime = time.Duration(*inc.DurationSec) * time.Second
		}
		m.broadcast(MsgIncident, inc)
	}
	m.log.Info("device back up", zap.String("device", d.Name), zap.Duration("downtime", downtime))

	if d.InMaintenance(now) {
		return
	}
	m.notifier.Emit(notify.Event{
		Type:    notify.EventDeviceUp,
		Device:  &d,
		Title:   d.Name + " is UP",
		Message: fmt.Sprintf("Back online after %s. %s", notify.FormatDuration(downtime), res.Message),
		Data:    map[string]any{notify.DataDowntimeSec: int64(downtime.Seconds())},
		Time:    now,
	})
	if inc != nil {
		m.notifier.Emit(notify.Event{
			Type:    notify.EventIncidentClosed,
			Device:  &d,
			Title:   "Incident resolved: " + d.Name,
			Message: "Downtime " + notify.FormatDuration(downtime),
			Data:    map[string]any{notify.DataIncidentID: inc.ID, notify.DataDowntimeSec: int64(downtime.Seconds())},
			Time:    now,
		})
	}
}

// closeStaleIncident ends an incident left open by a previous process when
// the first observation after start is up. Nothing is announced.
func (m *Monitor) closeStaleIncident(ctx context.Context, d model.Device, now time.Time) {
	inc, err := m.store.CloseOpenIncident(ctx, d.ID, now, "closed on startup")
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		m.log.Warn("stale incident close failed", zap.String("device", d.Name), zap.Error(err))
		return
	}
	observability.Incidents.WithLabelValues("closed").Inc()
	m.log.Info("closed stale incident", zap.String("device", d.Name), zap.Uint("incident_id", inc.ID))
}

func (m *Monitor) incidentFailed(d model.Device, op string, err error) {
	observability.Incidents.WithLabelValues("error").Inc()
	m.log.Error("incident write failed after retries", zap.String("device", d.Name), zap.String("op", op), zap.Error(err))
	m.notifier.Emit(notify.Event{
		Type:    notify.EventIncidentError,
		Device:  &d,
		Title:   "Incident " + op + " failed: " + d.Name,
		Message: err.Error(),
		Time:    m.opts.Now(),
	})
}

func retryIncident(ctx context.Context, b backoff.BackOff, op func() (*model.Incident, error)) (*model.Incident, error) {
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(4))
}

// mirrorStatus writes a committed status. A commit settles any confirmation,
// so the mirrored view never carries a pending retry.
func (m *Monitor) mirrorStatus(ctx context.Context, id uint, st DeviceState) {
	if m.mirror == nil {
		return
	}
	v := StatusView{DeviceID: id, Status: st.Status, LastChange: st.LastChange, LastCheck: st.LastCheck}
	if err := m.mirror.PutStatus(ctx, v); err != nil {
		m.log.Debug("status mirror write failed", zap.Uint("device_id", id), zap.Error(err))
	}
}

func (m *Monitor) broadcastStatus(d model.Device, st DeviceState, res probe.Result) {
	m.broadcast(MsgStatusUpdate, map[string]any{
		"device_id":   d.ID,
		"name":        d.Name,
		"status":      st.Status,
		"last_change": st.LastChange,
		"latency_ms":  res.LatencyMs,
		"message":     res.Message,
		"maintenance": d.Maintenance,
	})
}

func (m *Monitor) broadcast(msgType string, data any) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.Broadcast(msgType, data)
}
