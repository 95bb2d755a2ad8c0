package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu         sync.Mutex
	delivered  [][]string
	broadcasts []string
	frames     []string
	done       chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{}, 16)} }

func (r *recorder) DeliverLocal(connIDs []string, frame []byte) int {
	r.mu.Lock()
	r.delivered = append(r.delivered, connIDs)
	r.frames = append(r.frames, string(frame))
	r.mu.Unlock()
	r.done <- struct{}{}
	return len(connIDs)
}

func (r *recorder) BroadcastLocal(frame []byte, exceptUser string) int {
	r.mu.Lock()
	r.broadcasts = append(r.broadcasts, exceptUser)
	r.frames = append(r.frames, string(frame))
	r.mu.Unlock()
	r.done <- struct{}{}
	return 1
}

func TestDeliverSubject(t *testing.T) {
	tests := map[string]string{
		"s1":                "router.deliver.s1",
		"chat-1.prod.local": "router.deliver.chat-1_prod_local",
		"a*b>c":             "router.deliver.a_b_c",
	}
	for in, want := range tests {
		if got := deliverSubject(in); got != want {
			t.Errorf("deliverSubject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandleDeliver(t *testing.T) {
	r := NewRelay(nil, "s2")
	rec := newRecorder()

	frame := `{"type":"pong"}`
	data, _ := json.Marshal(deliverEnvelope{Origin: "s1", ConnIDs: []string{"s2:a", "s2:b"}, Frame: json.RawMessage(frame)})
	r.handleDeliver(rec, data)

	if len(rec.delivered) != 1 || len(rec.delivered[0]) != 2 {
		t.Fatalf("delivered = %v", rec.delivered)
	}
	if rec.frames[0] != frame {
		t.Errorf("frame = %s, want %s", rec.frames[0], frame)
	}

	r.handleDeliver(rec, []byte("not json"))
	if len(rec.delivered) != 1 {
		t.Error("malformed envelope should be dropped")
	}
}

func TestHandleBroadcastSkipsOrigin(t *testing.T) {
	r := NewRelay(nil, "s1")
	rec := newRecorder()

	own, _ := json.Marshal(broadcastEnvelope{Origin: "s1", Frame: json.RawMessage(`{}`)})
	r.handleBroadcast(rec, own)
	if len(rec.broadcasts) != 0 {
		t.Fatal("a server must ignore its own broadcasts")
	}

	other, _ := json.Marshal(broadcastEnvelope{Origin: "s2", ExceptUser: "alice", Frame: json.RawMessage(`{}`)})
	r.handleBroadcast(rec, other)
	if len(rec.broadcasts) != 1 || rec.broadcasts[0] != "alice" {
		t.Errorf("broadcasts = %v", rec.broadcasts)
	}
}

func TestRelayOverNATS(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c1, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer c1.Close()
	c2, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer c2.Close()

	r1, r2 := NewRelay(c1, "relay-test-1"), NewRelay(c2, "relay-test-2")
	rec1, rec2 := newRecorder(), newRecorder()
	if err := r1.Start(rec1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r2.Start(rec2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c1.Flush()
	c2.Flush()

	ctx := context.Background()
	if err := r1.PublishDeliver(ctx, "relay-test-2", []string{"relay-test-2:x"}, []byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("PublishDeliver: %v", err)
	}
	select {
	case <-rec2.done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliver did not arrive")
	}

	if err := r1.PublishBroadcast(ctx, []byte(`{"type":"user_online","userId":"u"}`), "u"); err != nil {
		t.Fatalf("PublishBroadcast: %v", err)
	}
	select {
	case <-rec2.done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not arrive")
	}

	time.Sleep(100 * time.Millisecond)
	rec1.mu.Lock()
	defer rec1.mu.Unlock()
	if len(rec1.broadcasts) != 0 {
		t.Error("origin received its own broadcast")
	}

	if err := r2.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r2.Stop(); err == nil {
		t.Error("second Stop should report missing subscriptions")
	}
}
