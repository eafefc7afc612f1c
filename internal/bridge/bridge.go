// Package bridge connects the BLE data channel to an MQTT broker. Peer
// writes and controller state changes are published; messages on the tx
// paired and ssid topics are forwarded to the peer and the hub service.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Topic suffixes under the configured prefix.
const (
	TopicState  = "state"      // retained controller state
	TopicRx     = "rx"         // data written by the BLE peer
	TopicTx     = "tx"         // data to send to the BLE peer
	TopicPaired = "paired/set" // "1"/"0" or "true"/"false"
	TopicSSID   = "ssid/set"
)

const (
	publishTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
	outboxSize       = 64
)

var ErrStopped = errors.New("bridge: stopped")

// Peer is the BLE side of the bridge.
type Peer interface {
	SendString(s string) error
	SetPaired(paired bool) error
	SetSSID(ssid string) error
}

// Config holds broker settings.
type Config struct {
	Broker      string
	Port        int
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

type outMsg struct {
	topic    string
	retained bool
	payload  []byte
}

// Bridge relays between the broker and the peer.
type Bridge struct {
	client mqtt.Client
	prefix string
	peer   Peer
	outbox chan outMsg

	mu         sync.Mutex
	subscribed bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a bridge with a paho client configured for cfg.
func New(cfg Config, peer Peer) *Bridge {
	b := newBridge(cfg.TopicPrefix, peer)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Last will marks the hub offline if the link drops.
	opts.SetWill(b.topic(TopicState), "offline", 1, true)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		slog.Info("[MQTT] connected", "broker", cfg.Broker, "port", cfg.Port)
		if b.wasSubscribed() {
			if err := b.subscribe(); err != nil {
				slog.Error("[MQTT] resubscribe failed", "error", err)
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("[MQTT] connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// NewWithClient builds a bridge around an existing client.
func NewWithClient(client mqtt.Client, prefix string, peer Peer) *Bridge {
	b := newBridge(prefix, peer)
	b.client = client
	return b
}

func newBridge(prefix string, peer Peer) *Bridge {
	return &Bridge{
		prefix: strings.TrimSuffix(prefix, "/"),
		peer:   peer,
		outbox: make(chan outMsg, outboxSize),
		stopCh: make(chan struct{}),
	}
}

func (b *Bridge) topic(suffix string) string {
	return b.prefix + "/" + suffix
}

func (b *Bridge) wasSubscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribed
}

// IsConnected reports whether the broker link is up.
func (b *Bridge) IsConnected() bool {
	return b.client.IsConnected()
}

// Connect connects to the broker and subscribes to the inbound topics. It
// waits for the initial connection and respects ctx and Disconnect.
func (b *Bridge) Connect(ctx context.Context) error {
	select {
	case <-b.stopCh:
		return ErrStopped
	default:
	}

	if !b.client.IsConnected() {
		token := b.client.Connect()
		const poll = 200 * time.Millisecond
		for !token.WaitTimeout(poll) {
			select {
			case <-ctx.Done():
				b.client.Disconnect(0)
				return ctx.Err()
			case <-b.stopCh:
				b.client.Disconnect(0)
				return ErrStopped
			default:
			}
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("bridge: connect: %w", err)
		}
	}

	if err := b.subscribe(); err != nil {
		b.client.Disconnect(0)
		return err
	}
	return nil
}

func (b *Bridge) subscribe() error {
	filters := map[string]byte{
		b.topic(TopicTx):     1,
		b.topic(TopicPaired): 1,
		b.topic(TopicSSID):   1,
	}
	token := b.client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("bridge: subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("bridge: subscribe: %w", err)
	}
	b.mu.Lock()
	b.subscribed = true
	b.mu.Unlock()
	slog.Info("[MQTT] subscribed", "tx", b.topic(TopicTx), "paired", b.topic(TopicPaired), "ssid", b.topic(TopicSSID))
	return nil
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	slog.Debug("[MQTT] received", "topic", topic, "size", len(payload))
	switch topic {
	case b.topic(TopicTx):
		if err := b.peer.SendString(string(payload)); err != nil {
			slog.Warn("[MQTT] forward to peer failed", "error", err)
		}
	case b.topic(TopicPaired):
		paired, err := parseFlag(string(payload))
		if err != nil {
			slog.Warn("[MQTT] bad paired value", "payload", string(payload), "error", err)
			return
		}
		if err := b.peer.SetPaired(paired); err != nil {
			slog.Warn("[MQTT] set paired failed", "error", err)
		}
	case b.topic(TopicSSID):
		if err := b.peer.SetSSID(strings.TrimSpace(string(payload))); err != nil {
			slog.Warn("[MQTT] set ssid failed", "error", err)
		}
	default:
		slog.Debug("[MQTT] ignoring topic", "topic", topic)
	}
}

func parseFlag(s string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(s))
}

func (b *Bridge) enqueue(m outMsg) {
	select {
	case b.outbox <- m:
	default:
		slog.Warn("[MQTT] outbox full, dropping message", "topic", m.topic)
	}
}

// PublishState queues a retained state update.
func (b *Bridge) PublishState(state string) {
	b.enqueue(outMsg{topic: b.topic(TopicState), retained: true, payload: []byte(state)})
}

// PublishData queues data received from the peer.
func (b *Bridge) PublishData(data []byte) {
	b.enqueue(outMsg{topic: b.topic(TopicRx), payload: append([]byte(nil), data...)})
}

// Run publishes queued messages until ctx is done or Disconnect is called.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return nil
		case m := <-b.outbox:
			if err := b.publish(m); err != nil {
				slog.Error("[MQTT] publish failed", "topic", m.topic, "error", err)
			}
		}
	}
}

func (b *Bridge) publish(m outMsg) error {
	if !b.client.IsConnected() {
		return fmt.Errorf("bridge: not connected")
	}
	token := b.client.Publish(m.topic, 1, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("bridge: publish timeout for topic %s", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("bridge: publish: %w", err)
	}
	slog.Debug("[MQTT] published", "topic", m.topic, "size", len(m.payload))
	return nil
}

// Disconnect stops Run and closes the broker connection. Safe to call more
// than once.
func (b *Bridge) Disconnect() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	if b.client.IsConnected() {
		token := b.client.Unsubscribe(b.topic(TopicTx), b.topic(TopicPaired), b.topic(TopicSSID))
		token.WaitTimeout(2 * time.Second)
	}
	b.client.Disconnect(250)
	slog.Info("[MQTT] disconnected")
}
