package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	subErr     error
	handler    mqtt.MessageHandler
	filters    map[string]byte
	published  []published
	unsubbed   []string
	disconnect int
}

var _ mqtt.Client = (*fakeClient)(nil)

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.connected = true
	}
	return &fakeToken{err: c.connectErr}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnect++
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, retained, string(payload.([]byte))})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, cb)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return &fakeToken{err: c.subErr}
	}
	c.filters = filters
	c.handler = cb
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubbed = append(c.unsubbed, topics...)
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver simulates a broker message.
func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

type fakePeer struct {
	mu      sync.Mutex
	sent    []string
	paired  []bool
	ssids   []string
	sendErr error
}

func (p *fakePeer) SendString(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, s)
	return p.sendErr
}

func (p *fakePeer) SetPaired(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paired = append(p.paired, v)
	return nil
}

func (p *fakePeer) SetSSID(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ssids = append(p.ssids, s)
	return nil
}

func TestConnectSubscribes(t *testing.T) {
	c := &fakeClient{}
	b := NewWithClient(c, "gghub/", &fakePeer{})

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !b.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	for _, topic := range []string{"gghub/tx", "gghub/paired/set", "gghub/ssid/set"} {
		if _, ok := c.filters[topic]; !ok {
			t.Errorf("not subscribed to %s (filters %v)", topic, c.filters)
		}
	}
}

func TestConnectErrors(t *testing.T) {
	boom := errors.New("refused")

	c := &fakeClient{connectErr: boom}
	if err := NewWithClient(c, "p", &fakePeer{}).Connect(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Connect() = %v, want %v", err, boom)
	}

	c = &fakeClient{subErr: boom}
	if err := NewWithClient(c, "p", &fakePeer{}).Connect(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Connect() with subscribe failure = %v, want %v", err, boom)
	}
	if c.IsConnected() {
		t.Error("client should be disconnected after subscribe failure")
	}

	b := NewWithClient(&fakeClient{}, "p", &fakePeer{})
	b.Disconnect()
	if err := b.Connect(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Connect() after Disconnect() = %v, want ErrStopped", err)
	}
}

func TestInboundMessages(t *testing.T) {
	c := &fakeClient{}
	peer := &fakePeer{}
	b := NewWithClient(c, "hub", peer)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.deliver("hub/tx", "hello peer")
	c.deliver("hub/paired/set", "1")
	c.deliver("hub/paired/set", "false")
	c.deliver("hub/paired/set", "maybe")
	c.deliver("hub/ssid/set", " Barn-AP\n")
	c.deliver("hub/other", "x")

	if len(peer.sent) != 1 || peer.sent[0] != "hello peer" {
		t.Errorf("peer sent = %q", peer.sent)
	}
	if len(peer.paired) != 2 || !peer.paired[0] || peer.paired[1] {
		t.Errorf("paired = %v, want [true false]", peer.paired)
	}
	if len(peer.ssids) != 1 || peer.ssids[0] != "Barn-AP" {
		t.Errorf("ssids = %q, want [Barn-AP]", peer.ssids)
	}
}

func TestOutboundMessages(t *testing.T) {
	c := &fakeClient{}
	b := NewWithClient(c, "hub", &fakePeer{})
	if err := b.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	b.PublishState("connected")
	data := []byte("from peer")
	b.PublishData(data)
	data[0] = 'X'

	deadline := time.Now().Add(2 * time.Second)
	for len(c.sent()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("published %d messages, want 2", len(c.sent()))
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}

	got := c.sent()
	want := []published{
		{"hub/state", true, "connected"},
		{"hub/rx", false, "from peer"},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("published[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDisconnectStopsRun(t *testing.T) {
	c := &fakeClient{}
	b := NewWithClient(c, "hub", &fakePeer{})
	if err := b.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	b.Disconnect()
	b.Disconnect()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
	if len(c.unsubbed) != 3 {
		t.Errorf("unsubscribed %v", c.unsubbed)
	}
	if c.IsConnected() {
		t.Error("client still connected")
	}
}

func TestPublishWhileOffline(t *testing.T) {
	c := &fakeClient{}
	b := NewWithClient(c, "hub", &fakePeer{})
	if err := b.publish(outMsg{topic: "hub/rx"}); err == nil {
		t.Error("publish() while disconnected should fail")
	}
	for i := 0; i < outboxSize+5; i++ {
		b.PublishData([]byte("x"))
	}
	if len(b.outbox) != outboxSize {
		t.Errorf("outbox holds %d, want %d", len(b.outbox), outboxSize)
	}
}
