package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type WebhookStore interface {
	ListEnabledWebhookSinks(ctx context.Context) ([]model.WebhookSink, error)
	RecordWebhookResult(ctx context.Context, id uint, status int, errMsg string, at time.Time) error
}

// Webhooks turns the enabled webhook_sinks rows into sinks on every event.
type Webhooks struct {
	store  WebhookStore
	client *resty.Client
	log    *zap.Logger
}

func NewWebhooks(store WebhookStore, timeout time.Duration, log *zap.Logger) *Webhooks {
	return &Webhooks{
		store: store,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "OfficeMonitor/1.0"),
		log: log,
	}
}

func (w *Webhooks) Sinks(ctx context.Context) ([]Sink, error) {
	rows, err := w.store.ListEnabledWebhookSinks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Sink, 0, len(rows))
	for _, row := range rows {
		out = append(out, &webhookSink{row: row, parent: w})
	}
	return out, nil
}

type webhookSink struct {
	row    model.WebhookSink
	parent *Webhooks
}

func (s *webhookSink) Name() string { return "webhook:" + s.row.Name }

func (s *webhookSink) Accepts(t EventType) bool { return MatchEvents(s.row.Events, t) }

func (s *webhookSink) Send(ctx context.Context, evt Event) error {
	req := s.parent.client.R().SetContext(ctx).SetBody(WebhookBody(s.row.Kind, evt))
	for k, v := range s.row.Headers {
		req.SetHeader(k, fmt.Sprint(v))
	}

	status, errMsg := 0, ""
	resp, err := req.Post(s.row.URL)
	switch {
	case err != nil:
		errMsg = err.Error()
	case !resp.IsSuccess():
		status = resp.StatusCode()
		errMsg = fmt.Sprintf("webhook returned status %d", status)
		err = errors.New(errMsg)
	default:
		status = resp.StatusCode()
	}

	// The delivery context may already be spent; the bookkeeping gets its own.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := s.parent.store.RecordWebhookResult(rctx, s.row.ID, status, errMsg, time.Now().UTC()); rerr != nil {
		s.parent.log.Warn("webhook result write failed", zap.String("sink", s.row.Name), zap.Error(rerr))
	}
	return err
}

// MatchEvents reports whether a filter ("all" or a comma list) admits t.
func MatchEvents(filter string, t EventType) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" || strings.EqualFold(filter, "all") {
		return true
	}
	for _, part := range strings.Split(filter, ",") {
		if strings.TrimSpace(part) == string(t) {
			return true
		}
	}
	return false
}

// WebhookBody shapes the event for a sink kind.
func WebhookBody(kind string, evt Event) any {
	text := evt.Title
	if evt.Message != "" {
		text += "\n" + evt.Message
	}
	switch kind {
	case "discord":
		return map[string]any{"content": text}
	case "teams":
		return map[string]any{"text": text}
	default:
		return map[string]any{
			"event":     evt.Type,
			"data":      evt,
			"timestamp": evt.Time,
		}
	}
}
