package mqtt

import (
	"crypto/tls"
	"errors"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type Client struct {
	client mqtt.Client
}

// BrokerURL normalises mqtt:// to the tcp:// scheme paho expects.
func BrokerURL(raw string) string {
	url := strings.TrimSpace(raw)
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	if strings.HasPrefix(url, "mqtts://") {
		url = "ssl://" + strings.TrimPrefix(url, "mqtts://")
	}
	return url
}

func Connect(brokerURL, clientID string, log *zap.Logger) (*Client, error) {
	url := BrokerURL(brokerURL)
	if url == "" {
		return nil, errors.New("mqtt broker url is empty")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(url)
	if strings.TrimSpace(clientID) == "" {
		clientID = "office-monitor-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	}
	opts.OnConnect = func(_ mqtt.Client) {
		log.Info("mqtt connected", zap.String("broker", url))
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

// Publish sends a QoS 1 message and waits up to five seconds for the ack.
func (c *Client) Publish(topic string, payload []byte) error {
	tok := c.client.Publish(topic, 1, false, payload)
	if !tok.WaitTimeout(5 * time.Second) {
		return errors.New("mqtt publish timed out")
	}
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
