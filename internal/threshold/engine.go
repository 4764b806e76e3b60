package threshold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
	"github.com/PetoAdam/homenavi/office-monitor/internal/notify"
	"github.com/PetoAdam/homenavi/office-monitor/internal/observability"
	"github.com/PetoAdam/homenavi/office-monitor/internal/store"

	"go.uber.org/zap"
)

// Colors are the alert-tracked colorants. Paper and waste are display only.
var Colors = []string{"black", "cyan", "magenta", "yellow"}

func AlertType(color string) string { return "toner_" + color }

type Store interface {
	ListActivePrinters(ctx context.Context) ([]model.Device, error)
	LatestSupplyReading(ctx context.Context, deviceID uint) (*model.SupplyReading, error)
	UnresolvedAlert(ctx context.Context, deviceID uint, alertType string) (*model.ThresholdAlert, error)
	CreateThresholdAlert(ctx context.Context, a *model.ThresholdAlert) error
	ResolveThresholdAlert(ctx context.Context, id uint, at time.Time) error
}

type Notifier interface {
	Emit(evt notify.Event)
}

type Broadcaster interface {
	Broadcast(msgType string, data any)
}

type Engine struct {
	store       Store
	notifier    Notifier
	broadcaster Broadcaster
	alertAt     int
	clearAbove  int
	now         func() time.Time
	log         *zap.Logger
}

// New builds an engine that alerts at or below alertAt percent and resolves
// strictly above clearAbove percent.
func New(st Store, n Notifier, b Broadcaster, alertAt, clearAbove int, log *zap.Logger) *Engine {
	return &Engine{
		store:       st,
		notifier:    n,
		broadcaster: b,
		alertAt:     alertAt,
		clearAbove:  clearAbove,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log,
	}
}

// Evaluate checks the latest reading of every active printer that is not
// flagged for maintenance.
func (e *Engine) Evaluate(ctx context.Context) error {
	printers, err := e.store.ListActivePrinters(ctx)
	if err != nil {
		return fmt.Errorf("list printers: %w", err)
	}
	for _, p := range printers {
		if p.Maintenance {
			continue
		}
		rd, err := e.store.LatestSupplyReading(ctx, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			e.log.Warn("latest supply reading failed", zap.String("device", p.Name), zap.Error(err))
			continue
		}
		for _, color := range Colors {
			level := rd.Toner(color)
			if level == nil {
				continue
			}
			if err := e.evaluateOne(ctx, p, color, *level); err != nil {
				e.log.Warn("threshold evaluation failed",
					zap.String("device", p.Name), zap.String("color", color), zap.Error(err))
			}
		}
	}
	return nil
}

func (e *Engine) evaluateOne(ctx context.Context, p model.Device, color string, level int) error {
	alertType := AlertType(color)
	switch {
	case level <= e.alertAt:
		_, err := e.store.UnresolvedAlert(ctx, p.ID, alertType)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return e.raise(ctx, p, color, level)
	case level > e.clearAbove:
		a, err := e.store.UnresolvedAlert(ctx, p.ID, alertType)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := e.now()
		if err := e.store.ResolveThresholdAlert(ctx, a.ID, now); err != nil {
			return err
		}
		a.ResolvedAt = &now
		observability.ThresholdAlerts.WithLabelValues(observability.AlertResolved).Inc()
		e.log.Info("toner recovered, alert resolved", zap.String("device", p.Name), zap.String("color", color), zap.Int("level", level))
		if e.broadcaster != nil {
			e.broadcaster.Broadcast(notify.MsgAlert, a)
		}
	}
	return nil
}

func (e *Engine) raise(ctx context.Context, p model.Device, color string, level int) error {
	a := &model.ThresholdAlert{
		DeviceID:  p.ID,
		AlertType: AlertType(color),
		Value:     level,
		SentAt:    e.now(),
	}
	if err := e.store.CreateThresholdAlert(ctx, a); err != nil {
		// Lost a race against another writer holding the same key.
		if _, lookupErr := e.store.UnresolvedAlert(ctx, p.ID, a.AlertType); lookupErr == nil {
			return nil
		}
		return err
	}
	observability.ThresholdAlerts.WithLabelValues(observability.AlertCreated).Inc()
	e.log.Info("low toner alert", zap.String("device", p.Name), zap.String("color", color), zap.Int("level", level))

	e.notifier.Emit(notify.Event{
		Type:    notify.EventThresholdBreach,
		Device:  &p,
		Title:   fmt.Sprintf("%s - Low Toner %s", p.Name, color),
		Message: fmt.Sprintf("Current level %d%%, threshold %d%%", level, e.alertAt),
		Data: map[string]any{
			notify.DataColor:     color,
			notify.DataLevel:     level,
			notify.DataThreshold: e.alertAt,
		},
		Time: a.SentAt,
	})
	return nil
}
