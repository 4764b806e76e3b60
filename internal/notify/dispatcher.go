package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"
	"github.com/PetoAdam/homenavi/office-monitor/internal/observability"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDisabled is returned by a sink that is switched off or unconfigured.
// The dispatcher counts it as skipped, not failed.
var ErrDisabled = errors.New("sink disabled")

type Sink interface {
	Name() string
	Accepts(t EventType) bool
	Send(ctx context.Context, evt Event) error
}

// Provider supplies sinks that are looked up at delivery time, such as
// operator-configured webhook rows.
type Provider interface {
	Sinks(ctx context.Context) ([]Sink, error)
}

// Recorder persists the notification center entry for an event.
type Recorder interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
}

type Dispatcher struct {
	sinks     []Sink
	providers []Provider
	center    Recorder
	chat      *Chat
	timeout   time.Duration
	log       *zap.Logger

	wg sync.WaitGroup
}

type Option func(*Dispatcher)

func WithSink(s Sink) Option { return func(d *Dispatcher) { d.sinks = append(d.sinks, s) } }

func WithProvider(p Provider) Option {
	return func(d *Dispatcher) { d.providers = append(d.providers, p) }
}

func WithRecorder(r Recorder) Option { return func(d *Dispatcher) { d.center = r } }

// WithChat registers the chat sink and makes it available to SendTest.
func WithChat(c *Chat) Option {
	return func(d *Dispatcher) {
		d.chat = c
		d.sinks = append(d.sinks, c)
	}
}

func NewDispatcher(timeout time.Duration, log *zap.Logger, opts ...Option) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{timeout: timeout, log: log}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Emit hands the event to every matching sink in the background and
// returns immediately.
func (d *Dispatcher) Emit(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(evt)
	}()
}

// Wait blocks until every emitted event has been delivered or timed out.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) dispatch(evt Event) {
	ctx := context.Background()
	d.record(ctx, evt)

	sinks := append([]Sink(nil), d.sinks...)
	for _, p := range d.providers {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		extra, err := p.Sinks(pctx)
		cancel()
		if err != nil {
			d.log.Warn("notification sink lookup failed", zap.Error(err))
			continue
		}
		sinks = append(sinks, extra...)
	}

	var wg sync.WaitGroup
	for _, s := range sinks {
		if !s.Accepts(evt.Type) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver(ctx, s, evt)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, evt Event) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			observability.Notifications.WithLabelValues(s.Name(), "error").Inc()
			d.log.Error("notification sink panicked", zap.String("sink", s.Name()), zap.Any("panic", r))
		}
	}()

	err := s.Send(ctx, evt)
	switch {
	case errors.Is(err, ErrDisabled):
		observability.Notifications.WithLabelValues(s.Name(), "skipped").Inc()
	case err != nil:
		observability.Notifications.WithLabelValues(s.Name(), "error").Inc()
		d.log.Warn("notification delivery failed",
			zap.String("sink", s.Name()), zap.String("event", string(evt.Type)), zap.Error(err))
	default:
		observability.Notifications.WithLabelValues(s.Name(), "sent").Inc()
		d.log.Debug("notification sent", zap.String("sink", s.Name()), zap.String("event", string(evt.Type)))
	}
}

func (d *Dispatcher) record(ctx context.Context, evt Event) {
	if d.center == nil || evt.Type == EventTest {
		return
	}
	n := &model.Notification{
		ID:        uuid.New(),
		EventType: string(evt.Type),
		Title:     evt.Title,
		Message:   evt.Message,
		CreatedAt: evt.Time,
	}
	if evt.Device != nil {
		id := evt.Device.ID
		n.DeviceID = &id
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.center.InsertNotification(ctx, n); err != nil {
		d.log.Warn("notification center write failed", zap.Error(err))
	}
}

// SendTest posts the fixed test message to the chat webhook and reports the
// outcome to the caller.
func (d *Dispatcher) SendTest(ctx context.Context) error {
	if d.chat == nil {
		return fmt.Errorf("chat sink: %w", ErrDisabled)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.chat.SendTest(ctx)
}
