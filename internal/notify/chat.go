package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"github.com/go-resty/resty/v2"
)

// Settings keys read by the chat sink at delivery time.
const (
	SettingChatWebhookURL = "slack_webhook_url"
	SettingChatChannel    = "slack_channel"
	SettingChatEnabled    = "slack_enabled"
)

// ErrChatNotConfigured is returned by SendTest when no webhook URL is set.
var ErrChatNotConfigured = errors.New("chat webhook URL not configured")

type SettingsReader interface {
	GetSettings(ctx context.Context) (map[string]string, error)
}

// Chat posts Slack-compatible attachment messages to an incoming webhook.
type Chat struct {
	settings SettingsReader
	client   *resty.Client
}

func NewChat(settings SettingsReader, timeout time.Duration) *Chat {
	return &Chat{
		settings: settings,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *Chat) Name() string { return "chat" }

func (c *Chat) Accepts(t EventType) bool {
	switch t {
	case EventDeviceDown, EventDeviceUp, EventThresholdBreach:
		return true
	}
	return false
}

func (c *Chat) Send(ctx context.Context, evt Event) error {
	s, err := c.settings.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load chat settings: %w", err)
	}
	url := strings.TrimSpace(s[SettingChatWebhookURL])
	if url == "" || s[SettingChatEnabled] != "1" {
		return ErrDisabled
	}
	return c.post(ctx, url, chatMessage(evt, s[SettingChatChannel]))
}

// SendTest ignores the enabled toggle so an operator can verify the URL
// before switching notifications on.
func (c *Chat) SendTest(ctx context.Context) error {
	s, err := c.settings.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load chat settings: %w", err)
	}
	url := strings.TrimSpace(s[SettingChatWebhookURL])
	if url == "" {
		return ErrChatNotConfigured
	}
	msg := chatPayload{
		Channel: s[SettingChatChannel],
		Attachments: []chatAttachment{{
			Color:  "#3B82F6",
			Blocks: []chatBlock{section(":bell: *Test Notification*\nThis is a test message from Office Monitor.")},
		}},
	}
	return c.post(ctx, url, msg)
}

func (c *Chat) post(ctx context.Context, url string, body chatPayload) error {
	resp, err := c.client.R().SetContext(ctx).SetBody(body).Post(url)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("chat webhook returned status %d", resp.StatusCode())
	}
	return nil
}

type chatPayload struct {
	Channel     string           `json:"channel,omitempty"`
	Attachments []chatAttachment `json:"attachments"`
}

type chatAttachment struct {
	Color  string      `json:"color"`
	Blocks []chatBlock `json:"blocks"`
}

type chatBlock struct {
	Type     string     `json:"type"`
	Text     *chatText  `json:"text,omitempty"`
	Elements []chatText `json:"elements,omitempty"`
}

type chatText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func section(text string) chatBlock {
	return chatBlock{Type: "section", Text: &chatText{Type: "mrkdwn", Text: text}}
}

func contextLine(text string) chatBlock {
	return chatBlock{Type: "context", Elements: []chatText{{Type: "mrkdwn", Text: text}}}
}

// chatMessage builds the chat payload for a status or threshold event.
func chatMessage(evt Event, channel string) chatPayload {
	var d model.Device
	if evt.Device != nil {
		d = *evt.Device
	}
	floor := d.Floor
	if floor == "" {
		floor = "N/A"
	}

	if evt.Type == EventThresholdBreach {
		level, _ := evt.Data[DataLevel].(int)
		threshold, _ := evt.Data[DataThreshold].(int)
		color, _ := evt.Data[DataColor].(string)
		emoji, hex := ":warning:", "#F59E0B"
		if level <= 10 {
			emoji, hex = ":rotating_light:", "#EF4444"
		}
		return chatPayload{
			Channel: channel,
			Attachments: []chatAttachment{{
				Color: hex,
				Blocks: []chatBlock{
					section(fmt.Sprintf("%s *%s* - Low Toner %s", emoji, d.Name, color)),
					contextLine(fmt.Sprintf("*Current Level:* %d%% | *Threshold:* %d%% | *Floor:* %s", level, threshold, floor)),
				},
			}},
		}
	}

	emoji, state, hex := ":red_circle:", "DOWN", "#EF4444"
	if evt.Type == EventDeviceUp {
		emoji, state, hex = ":white_check_mark:", "UP", "#22C55E"
	}
	detail := evt.Message
	if detail == "" {
		detail = evt.Time.Format(time.RFC1123)
	}
	kind := d.Category
	if kind == "" {
		kind = string(d.Type)
	}
	return chatPayload{
		Channel: channel,
		Attachments: []chatAttachment{{
			Color: hex,
			Blocks: []chatBlock{
				section(fmt.Sprintf("%s *%s* is *%s*", emoji, d.Name, state)),
				contextLine(fmt.Sprintf("*Type:* %s | *IP:* %s | *Floor:* %s", kind, d.Address(), floor)),
				contextLine("_" + detail + "_"),
			},
		}},
	}
}
