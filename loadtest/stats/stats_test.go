package stats

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	if s := Summarize(nil); s.N != 0 {
		t.Errorf("empty summary = %+v", s)
	}

	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := Summarize(ds)
	if s.N != 100 || s.Max != 100*time.Millisecond {
		t.Errorf("summary = %+v", s)
	}
	if s.P50 != 51*time.Millisecond || s.P95 != 95*time.Millisecond || s.P99 != 99*time.Millisecond {
		t.Errorf("percentiles = %v %v %v", s.P50, s.P95, s.P99)
	}
	if s.Avg != 50500*time.Microsecond {
		t.Errorf("avg = %v", s.Avg)
	}
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line   string
		name   string
		labels map[string]string
		value  float64
		ok     bool
	}{
		{"chat_connections_total 42", "chat_connections_total", nil, 42, true},
		{`chat_messages_total{event="sent"} 7`, "chat_messages_total", map[string]string{"event": "sent"}, 7, true},
		{`chat_http_request_duration_seconds_count{method="GET",route="/health",status="200"} 3 1700000000`,
			"chat_http_request_duration_seconds_count", map[string]string{"method": "GET", "route": "/health", "status": "200"}, 3, true},
		{"chat_connections_total", "", nil, 0, false},
		{`broken{event="sent" 7`, "", nil, 0, false},
		{"chat_connections_total NaNx", "", nil, 0, false},
	}
	for _, tt := range tests {
		name, labels, value, ok := parseMetricLine(tt.line)
		if ok != tt.ok || name != tt.name || value != tt.value {
			t.Errorf("%q: got (%q, %v, %v), want (%q, %v, %v)", tt.line, name, value, ok, tt.name, tt.value, tt.ok)
			continue
		}
		for k, v := range tt.labels {
			if labels[k] != v {
				t.Errorf("%q: label %s = %q, want %q", tt.line, k, labels[k], v)
			}
		}
	}
}

func TestParseSnapshot(t *testing.T) {
	exposition := `# HELP chat_connections_total Active connections
# TYPE chat_connections_total gauge
chat_connections_total 12
chat_messages_total{event="sent"} 30
chat_messages_total{event="read"} 4
chat_fanout_frames_total{result="dropped"} 2
chat_fanout_frames_total{result="local"} 28
chat_rate_limited_total{rule="message"} 1
chat_rate_limited_total{rule="typing"} 2
chat_message_latency_seconds_sum 0.3
chat_message_latency_seconds_count 30
`
	snap, err := parseSnapshot(strings.NewReader(exposition), time.Now())
	if err != nil {
		t.Fatalf("parseSnapshot: %v", err)
	}
	if snap.connections != 12 || snap.messagesTotal != 30 || snap.framesDropped != 2 || snap.rateLimited != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.latencyCount != 30 {
		t.Errorf("latency count = %v", snap.latencyCount)
	}
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(5 * time.Millisecond)
	c.AddSent()
	c.AddSent()
	c.AddDelivery(2 * time.Millisecond)
	c.AddRateLimited()

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	for _, want := range []string{"Connections:  1", "2 sent, 1 delivered (50.00%), 1 rate limited", "Delivery Latency"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if sent, delivered := c.Counts(); sent != 2 || delivered != 1 {
		t.Errorf("counts = %d/%d", sent, delivered)
	}
}
