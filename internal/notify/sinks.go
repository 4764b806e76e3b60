package notify

import (
	"context"
	"encoding/json"
	"strings"
)

// Live channel message types produced by notifications.
const (
	MsgNotification = "notification"
	MsgAlert        = "alert"
)

type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// BroadcastSink forwards every event to connected UI clients.
type BroadcastSink struct {
	B Broadcaster
}

func (BroadcastSink) Name() string { return "broadcast" }

func (BroadcastSink) Accepts(EventType) bool { return true }

func (s BroadcastSink) Send(_ context.Context, evt Event) error {
	msgType := MsgNotification
	if evt.Type == EventThresholdBreach {
		msgType = MsgAlert
	}
	s.B.Broadcast(msgType, evt)
	return nil
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTSink publishes each event as JSON to <prefix>/events/<event_type>.
type MQTTSink struct {
	Pub    Publisher
	Prefix string
}

func (MQTTSink) Name() string { return "mqtt" }

func (MQTTSink) Accepts(EventType) bool { return true }

func (s MQTTSink) Send(_ context.Context, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return s.Pub.Publish(EventTopic(s.Prefix, evt.Type), b)
}

func EventTopic(prefix string, t EventType) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "events/" + string(t)
	}
	return prefix + "/events/" + string(t)
}
