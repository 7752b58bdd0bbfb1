package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrConnectTimeout is returned by Connect when the first connection attempt
// does not complete in time. The client keeps retrying in the background.
var ErrConnectTimeout = errors.New("mqtt: connect timeout")

// Options configures a RealBus.
type Options struct {
	Broker         string
	ClientID       string // a random suffix is appended
	Username       string
	Password       string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	SubscribeQoS   byte
	BufferSize     int
}

func (o *Options) applyDefaults() {
	if o.ClientID == "" {
		o.ClientID = "telemetry-core"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
}

// RealBus talks to an actual MQTT broker.
type RealBus struct {
	client   paho.Client
	opts     Options
	messages chan Message
	log      zerolog.Logger

	mu        sync.Mutex
	onConnect func()
}

// NewRealBus creates a client for the configured broker. It does not connect.
func NewRealBus(opts Options, log zerolog.Logger) *RealBus {
	opts.applyDefaults()
	b := &RealBus{
		opts:     opts,
		messages: make(chan Message, opts.BufferSize),
		log:      log.With().Str("component", "mqtt").Str("broker", opts.Broker).Logger(),
	}

	clientID := fmt.Sprintf("%s-%s", opts.ClientID, uuid.NewString()[:8])
	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetResumeSubs(false).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(opts.ConnectTimeout).
		SetKeepAlive(60 * time.Second).
		SetDefaultPublishHandler(b.handleMessage).
		SetOnConnectHandler(b.handleConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			b.log.Warn().Err(err).Msg("connection lost, reconnecting")
		}).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			b.log.Info().Msg("reconnecting")
		})
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}

	b.client = paho.NewClient(po)
	return b
}

// SetOnConnect registers fn to run after every successful (re)connect.
// Subscriptions do not survive a reconnect, so fn is expected to restore them.
func (b *RealBus) SetOnConnect(fn func()) {
	b.mu.Lock()
	b.onConnect = fn
	b.mu.Unlock()
}

// Connect starts the connection and waits for the first attempt to succeed.
func (b *RealBus) Connect(ctx context.Context) error {
	token := b.client.Connect()

	timer := time.NewTimer(b.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to broker: %w", err)
		}
		return nil
	case <-timer.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *RealBus) handleConnect(_ paho.Client) {
	b.log.Info().Msg("connected")
	b.mu.Lock()
	fn := b.onConnect
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// handleMessage blocks when the buffer is full, which applies back-pressure
// to the broker without reordering.
func (b *RealBus) handleMessage(_ paho.Client, m paho.Message) {
	b.messages <- Message{
		Topic:    m.Topic(),
		Payload:  m.Payload(),
		Retained: m.Retained(),
	}
}

// Messages returns the inbound message stream.
func (b *RealBus) Messages() <-chan Message {
	return b.messages
}

// IsConnected reports whether the connection is currently open.
func (b *RealBus) IsConnected() bool {
	return b.client.IsConnectionOpen()
}

// Publish sends payload to topic.
func (b *RealBus) Publish(topic string, payload []byte, opts PublishOptions) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	token := b.client.Publish(topic, opts.QoS, opts.Retained, payload)
	if !token.WaitTimeout(b.opts.CommandTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to topic. Messages arrive on Messages().
func (b *RealBus) Subscribe(topic string) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	token := b.client.Subscribe(topic, b.opts.SubscribeQoS, nil)
	if !token.WaitTimeout(b.opts.CommandTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the subscription to topic.
func (b *RealBus) Unsubscribe(topic string) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	token := b.client.Unsubscribe(topic)
	if !token.WaitTimeout(b.opts.CommandTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (b *RealBus) Close() error {
	b.client.Disconnect(1000) // 1 second timeout
	return nil
}

var _ Bus = (*RealBus)(nil)
