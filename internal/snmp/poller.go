package snmp

import (
	"context"
	"errors"
	"fmt"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
	"github.com/PetoAdam/homenavi/office-monitor/internal/observability"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotPrinter = errors.New("device is not a printer")
	ErrNoData     = errors.New("no snmp data collected")
)

type Source interface {
	Collect(ctx context.Context, address string) (model.SupplyReading, error)
}

type Store interface {
	GetDevice(ctx context.Context, id uint) (*model.Device, error)
	ListActivePrinters(ctx context.Context) ([]model.Device, error)
	InsertSupplyReading(ctx context.Context, rd *model.SupplyReading) error
}

// Poller drives the collector over the printer roster and stores readings.
type Poller struct {
	source   Source
	store    Store
	log      *zap.Logger
	parallel int
}

func NewPoller(source Source, store Store, parallel int, log *zap.Logger) *Poller {
	if parallel <= 0 {
		parallel = 1
	}
	return &Poller{source: source, store: store, parallel: parallel, log: log}
}

// CollectDevice polls one printer immediately.
func (p *Poller) CollectDevice(ctx context.Context, deviceID uint) (*model.SupplyReading, error) {
	d, err := p.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !d.IsPrinter() {
		return nil, ErrNotPrinter
	}
	return p.collect(ctx, *d)
}

// CollectAll polls every active printer. Failures are per printer and only logged.
func (p *Poller) CollectAll(ctx context.Context) error {
	printers, err := p.store.ListActivePrinters(ctx)
	if err != nil {
		return fmt.Errorf("list printers: %w", err)
	}
	p.log.Debug("collecting printer telemetry", zap.Int("printers", len(printers)))

	var g errgroup.Group
	g.SetLimit(p.parallel)
	for _, d := range printers {
		if d.Hostname == "" {
			continue
		}
		g.Go(func() error {
			if _, err := p.collect(ctx, d); err != nil && !errors.Is(err, ErrNoData) {
				p.log.Warn("printer collection failed", zap.String("device", d.Name), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) collect(ctx context.Context, d model.Device) (*model.SupplyReading, error) {
	rd, err := p.source.Collect(ctx, d.Hostname)
	if err != nil {
		observability.SNMPCollections.WithLabelValues("error").Inc()
		return nil, err
	}
	if rd.Empty() {
		observability.SNMPCollections.WithLabelValues("empty").Inc()
		p.log.Info("no snmp response from printer, snmp may be disabled", zap.String("device", d.Name), zap.String("hostname", d.Hostname))
		return nil, ErrNoData
	}
	rd.DeviceID = d.ID
	if err := p.store.InsertSupplyReading(ctx, &rd); err != nil {
		observability.SNMPCollections.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("store supply reading: %w", err)
	}
	observability.SNMPCollections.WithLabelValues("stored").Inc()
	return &rd, nil
}
