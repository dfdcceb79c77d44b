package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"beacon/internal/models"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *doneToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeBroker struct {
	mu           sync.Mutex
	handler      mqtt.MessageHandler
	unsubscribed bool
	subscribed   chan struct{}
}

func newFakeBroker() *fakeBroker { return &fakeBroker{subscribed: make(chan struct{})} }

func (b *fakeBroker) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	b.handler = callback
	b.mu.Unlock()
	close(b.subscribed)
	return &doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	b.unsubscribed = true
	b.mu.Unlock()
	return &doneToken{}
}

func (b *fakeBroker) deliver(topic, payload string) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	h(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func timestamp() string { return time.Now().UTC().Add(-time.Second).Format(time.RFC3339) }

func TestMQTTFeed_SensorFromTopic(t *testing.T) {
	out := make(chan *models.Envelope, 10)
	f := NewMQTTFeed(newFakeBroker(), "sensors/+/readings", "node-1", out)

	n := f.handle(context.Background(), "sensors/gauge-7/readings",
		[]byte(`{"parameter":"water_level","value":9.2,"timestamp":"`+timestamp()+`"}`))
	if n != 1 {
		t.Fatalf("expected 1 accepted, got %d", n)
	}

	env := <-out
	if env.Reading.SensorID != "gauge-7" || env.Source != "mqtt" {
		t.Errorf("unexpected envelope: %+v", env.Reading)
	}
}

func TestMQTTFeed_RejectsInvalid(t *testing.T) {
	out := make(chan *models.Envelope, 10)
	f := NewMQTTFeed(newFakeBroker(), "sensors/readings", "node-1", out)

	if n := f.handle(context.Background(), "sensors/readings", []byte(`garbage`)); n != 0 {
		t.Errorf("garbage accepted")
	}
	if n := f.handle(context.Background(), "sensors/readings",
		[]byte(`{"parameter":"water_level","value":9.2,"timestamp":"`+timestamp()+`"}`)); n != 0 {
		t.Errorf("reading without sensor id accepted")
	}
	if len(out) != 0 {
		t.Errorf("rejected readings were queued")
	}
}

func TestMQTTFeed_FullQueueDropsAfterTimeout(t *testing.T) {
	out := make(chan *models.Envelope)
	f := NewMQTTFeed(newFakeBroker(), "sensors/+/readings", "node-1", out)
	f.queueTimeout = 10 * time.Millisecond

	n := f.handle(context.Background(), "sensors/g1/readings",
		[]byte(`{"parameter":"rainfall","value":4,"timestamp":"`+timestamp()+`"}`))
	if n != 0 {
		t.Errorf("expected drop on full queue, got %d accepted", n)
	}
}

func TestMQTTFeed_StartSubscribesUntilCancelled(t *testing.T) {
	broker := newFakeBroker()
	out := make(chan *models.Envelope, 10)
	f := NewMQTTFeed(broker, "sensors/+/readings", "node-1", out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Start(ctx) }()

	<-broker.subscribed
	broker.deliver("sensors/g9/readings", `[{"parameter":"wind_speed","value":31,"timestamp":"`+timestamp()+`"}]`)

	select {
	case env := <-out:
		if env.Reading.SensorID != "g9" {
			t.Errorf("unexpected sensor %q", env.Reading.SensorID)
		}
	case <-time.After(time.Second):
		t.Fatal("reading not queued")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if !broker.unsubscribed {
		t.Error("feed did not unsubscribe")
	}

	late := f.handle(context.Background(), "sensors/g9/readings",
		[]byte(`{"parameter":"wind_speed","value":31,"timestamp":"`+timestamp()+`"}`))
	if late != 0 || len(out) != 0 {
		t.Error("stopped feed still queued a reading")
	}
}

func TestWildcardLevel(t *testing.T) {
	tests := []struct {
		filter, topic, want string
	}{
		{"sensors/+/readings", "sensors/g1/readings", "g1"},
		{"site/+/+/data", "site/north/g2/data", "north"},
		{"sensors/#", "sensors/g1", ""},
		{"sensors/readings", "sensors/readings", ""},
	}
	for _, tt := range tests {
		if got := wildcardLevel(tt.filter, tt.topic); got != tt.want {
			t.Errorf("wildcardLevel(%q, %q) = %q, want %q", tt.filter, tt.topic, got, tt.want)
		}
	}
}
