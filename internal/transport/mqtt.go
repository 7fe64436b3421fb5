package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const mqttQueueDepth = 1024

// MQTT reads payloads published on ReadTopic and publishes writes on
// WriteTopic. Each message is one Read result, so message boundaries are
// preserved for the stages above.
type MQTT struct {
	cfg Config

	mu     sync.Mutex
	client mqtt.Client
	msgs   chan []byte
	lost   chan struct{}
	drop   func()
}

func NewMQTT(cfg Config) *MQTT {
	return &MQTT{cfg: cfg.WithDefaults()}
}

func (m *MQTT) clientID() string {
	if m.cfg.ClientID != "" {
		return m.cfg.ClientID
	}
	return fmt.Sprintf("linkctl-%d", time.Now().UnixNano())
}

func (m *MQTT) Connect(ctx context.Context) error {
	msgs := make(chan []byte, mqttQueueDepth)
	lost := make(chan struct{})
	var lostOnce sync.Once
	drop := func() { lostOnce.Do(func() { close(lost) }) }

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Address).
		SetClientID(m.clientID()).
		SetAutoReconnect(false).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Str("transport", TypeMQTT).Str("broker", m.cfg.Address).Msg("connection lost")
			drop()
		})
	if m.cfg.TLS.Enabled {
		tlsCfg, err := clientTLS(m.cfg.TLS, hostPort(m.cfg.Address))
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", m.cfg.Address, err)
	}
	if m.cfg.ReadTopic != "" {
		handler := func(_ mqtt.Client, msg mqtt.Message) {
			select {
			case msgs <- append([]byte(nil), msg.Payload()...):
			default:
				log.Warn().Str("transport", TypeMQTT).Str("topic", msg.Topic()).Msg("read queue full, dropping message")
			}
		}
		if err := waitToken(ctx, client.Subscribe(m.cfg.ReadTopic, m.cfg.QoS, handler)); err != nil {
			client.Disconnect(250)
			return fmt.Errorf("mqtt subscribe %s: %w", m.cfg.ReadTopic, err)
		}
	}

	m.mu.Lock()
	old := m.client
	m.client, m.msgs, m.lost, m.drop = client, msgs, lost, drop
	m.mu.Unlock()
	if old != nil {
		old.Disconnect(250)
	}
	log.Info().Str("transport", TypeMQTT).Str("broker", m.cfg.Address).
		Str("read_topic", m.cfg.ReadTopic).Str("write_topic", m.cfg.WriteTopic).Msg("connected")
	return nil
}

func (m *MQTT) state() (mqtt.Client, chan []byte, chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client, m.msgs, m.lost
}

func (m *MQTT) Connected() bool {
	client, _, _ := m.state()
	return client != nil && client.IsConnected()
}

func (m *MQTT) Disconnect() error {
	m.mu.Lock()
	client, drop := m.client, m.drop
	m.client = nil
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	if m.cfg.ReadTopic != "" {
		client.Unsubscribe(m.cfg.ReadTopic).WaitTimeout(time.Second)
	}
	client.Disconnect(250)
	drop()
	log.Info().Str("transport", TypeMQTT).Str("broker", m.cfg.Address).Msg("disconnected")
	return nil
}

func (m *MQTT) Read(ctx context.Context) ([]byte, error) {
	client, msgs, lost := m.state()
	if client == nil {
		return nil, ErrNotConnected
	}
	select {
	case data := <-msgs:
		return data, nil
	case <-lost:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MQTT) Write(ctx context.Context, data []byte) (int, error) {
	client, _, _ := m.state()
	if client == nil {
		return 0, ErrNotConnected
	}
	if m.cfg.WriteTopic == "" {
		return 0, fmt.Errorf("%w: mqtt write topic not set", ErrInvalidConfig)
	}
	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := waitToken(writeCtx, client.Publish(m.cfg.WriteTopic, m.cfg.QoS, false, data)); err != nil {
		return 0, err
	}
	return len(data), nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hostPort extracts host:port from a broker or websocket URL for TLS
// server name selection.
func hostPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if u.Port() == "" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return u.Host
}
