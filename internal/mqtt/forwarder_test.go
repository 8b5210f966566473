package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/chatrelay/internal/config"
	"github.com/nugget/chatrelay/internal/events"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, msg *paho.Publish) (*paho.PublishResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return &paho.PublishResponse{}, p.err
}

func (p *fakePublisher) published() []*paho.Publish {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*paho.Publish(nil), p.msgs...)
}

func TestForward(t *testing.T) {
	f := New(config.MQTTConfig{TopicPrefix: "relay"}, "0198-abcd", nil, nil)
	pub := &fakePublisher{}
	ch := make(chan events.Event, 2)
	ch <- events.Event{
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:    events.SourceCompletions,
		Kind:      events.KindRequestComplete,
		Data:      map[string]any{"request_id": "r1"},
	}
	ch <- events.Event{Source: events.SourceMemory, Kind: events.KindMemoryChanged}
	close(ch)

	f.forward(context.Background(), ch, pub)

	msgs := pub.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if msgs[0].Topic != "relay/events/completions/request_complete" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
	if msgs[1].Topic != "relay/events/memory/memory_changed" {
		t.Errorf("topic = %q", msgs[1].Topic)
	}

	var got events.Event
	if err := json.Unmarshal(msgs[0].Payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Kind != events.KindRequestComplete || got.Data["request_id"] != "r1" {
		t.Errorf("payload = %+v", got)
	}
	if msgs[0].Retain {
		t.Error("events should not be retained")
	}
}

func TestForward_StopsOnCancel(t *testing.T) {
	f := New(config.MQTTConfig{}, "id", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.forward(ctx, make(chan events.Event), &fakePublisher{})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward did not return after cancel")
	}
}

func TestForward_PublishErrorsAreNotFatal(t *testing.T) {
	f := New(config.MQTTConfig{}, "id", nil, nil)
	pub := &fakePublisher{err: errors.New("not connected")}
	ch := make(chan events.Event, 2)
	ch <- events.Event{Kind: "a"}
	ch <- events.Event{Kind: "b"}
	close(ch)

	f.forward(context.Background(), ch, pub)
	if n := len(pub.published()); n != 2 {
		t.Errorf("attempted %d publishes, want 2", n)
	}
}

func TestPublishAvailability(t *testing.T) {
	f := New(config.MQTTConfig{}, "0198c0de-0000-7000-8000-00000000beef", nil, nil)
	pub := &fakePublisher{}

	f.publishAvailability(context.Background(), pub, "online")

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d", len(msgs))
	}
	m := msgs[0]
	if m.Topic != "chatrelay/0198c0de-0000-7000-8000-00000000beef/availability" {
		t.Errorf("topic = %q", m.Topic)
	}
	if string(m.Payload) != "online" || !m.Retain || m.QoS != 1 {
		t.Errorf("message = %+v", m)
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		cfgID, instance, want string
	}{
		{"", "", "chatrelay"},
		{"", "0198c0de-0000-7000-8000-00000000beef", "chatrelay-0000beef"},
		{"kitchen", "0198c0de-0000-7000-8000-00000000beef", "kitchen-0000beef"},
	}
	for _, tt := range tests {
		f := New(config.MQTTConfig{ClientID: tt.cfgID}, tt.instance, nil, nil)
		if got := f.clientID(); got != tt.want {
			t.Errorf("clientID(%q, %q) = %q, want %q", tt.cfgID, tt.instance, got, tt.want)
		}
	}
}

func TestStart_BadBroker(t *testing.T) {
	f := New(config.MQTTConfig{Broker: "not a url"}, "id", events.New(), nil)
	if err := f.Start(context.Background()); err == nil {
		t.Fatal("expected error for broker without host")
	}
}

func TestStop_NotStarted(t *testing.T) {
	f := New(config.MQTTConfig{}, "id", nil, nil)
	if err := f.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Errorf("id %q is not a UUID: %v", first, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, instanceFile))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("second = %q, want stable %q", second, first)
	}
}
