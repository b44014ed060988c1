package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the bus uses, so tests can
// substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// DefaultMQTTClient wraps the paho MQTT client
type DefaultMQTTClient struct {
	client mqtt.Client
}

func (d *DefaultMQTTClient) Connect() mqtt.Token {
	return d.client.Connect()
}

func (d *DefaultMQTTClient) Disconnect(quiesce uint) {
	d.client.Disconnect(quiesce)
}

func (d *DefaultMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return d.client.Publish(topic, qos, retained, payload)
}

func (d *DefaultMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return d.client.Subscribe(topic, qos, callback)
}

func (d *DefaultMQTTClient) IsConnected() bool {
	return d.client.IsConnected()
}

// MQTTConfig locates the broker and topic.
type MQTTConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Topic    string
	ClientID string
}

// MQTTBus broadcasts events across processes through an MQTT topic. Local
// subscribers are served by an embedded MemoryBus, so events published here
// reach them even while the broker is unreachable.
type MQTTBus struct {
	local    *MemoryBus
	cfg      MQTTConfig
	client   MQTTClient
	logger   *slog.Logger
	factory  func(opts *mqtt.ClientOptions) MQTTClient
	pubWait  time.Duration
	connWait time.Duration
}

// NewMQTTBus creates a bus for the given broker. Call Connect to start it.
func NewMQTTBus(cfg MQTTConfig, logger *slog.Logger) *MQTTBus {
	return NewMQTTBusWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return &DefaultMQTTClient{client: mqtt.NewClient(opts)}
	})
}

// NewMQTTBusWithClient creates a bus with a custom client factory (for testing)
func NewMQTTBusWithClient(cfg MQTTConfig, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTBus {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("fieldsync-%d", time.Now().UnixNano())
	}
	return &MQTTBus{
		local:    NewMemoryBus(logger),
		cfg:      cfg,
		logger:   logger.With("component", "notify", "bus", "mqtt"),
		factory:  factory,
		pubWait:  5 * time.Second,
		connWait: 10 * time.Second,
	}
}

// Connect dials the broker and subscribes to the topic. The paho client
// reconnects and resubscribes on its own after a dropped connection.
func (b *MQTTBus) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", b.cfg.Host, b.cfg.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		if err := b.subscribe(); err != nil {
			b.logger.Error("failed to subscribe", "topic", b.cfg.Topic, "error", err)
		}
	})

	b.client = b.factory(opts)

	b.logger.Info("connecting to mqtt broker", "broker", brokerURL, "topic", b.cfg.Topic)
	token := b.client.Connect()
	if !token.WaitTimeout(b.connWait) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

func (b *MQTTBus) subscribe() error {
	token := b.client.Subscribe(b.cfg.Topic, 0, b.handleMessage)
	if !token.WaitTimeout(b.connWait) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

func (b *MQTTBus) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var e Event
	if err := json.Unmarshal(msg.Payload(), &e); err != nil {
		b.logger.Warn("dropping malformed notification", "topic", msg.Topic(), "error", err)
		return
	}
	if e.Source == b.cfg.ClientID {
		return
	}
	b.local.Publish(context.Background(), e)
}

// Publish delivers to local subscribers, then forwards to the broker
// without waiting for the acknowledgement.
func (b *MQTTBus) Publish(ctx context.Context, e Event) {
	e = e.stamped()
	if e.Source == "" {
		e.Source = b.cfg.ClientID
	}
	b.local.Publish(ctx, e)

	if b.client == nil || !b.client.IsConnected() {
		b.logger.Debug("mqtt not connected, event kept local", "type", e.Type, "id", e.ID)
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("marshal notification", "error", err)
		return
	}
	token := b.client.Publish(b.cfg.Topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(b.pubWait) {
			b.logger.Warn("mqtt publish timeout", "type", e.Type, "id", e.ID)
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Warn("mqtt publish failed", "type", e.Type, "id", e.ID, "error", err)
		}
	}()
}

func (b *MQTTBus) Subscribe(fn func(Event)) func() {
	return b.local.Subscribe(fn)
}

func (b *MQTTBus) Close() error {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	return b.local.Close()
}
