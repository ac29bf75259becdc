package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cnc-twin/internal/analytics"
	"cnc-twin/internal/ml"
	"cnc-twin/internal/storage"
	"cnc-twin/internal/telemetry"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMetrics struct {
	mu         sync.Mutex
	collected  map[string]int
	reconnects int
	errors     int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{collected: make(map[string]int)}
}

func (f *fakeMetrics) TelemetryCollectedInc(sink string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collected[sink]++
}

func (f *fakeMetrics) WSReconnectsInc() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeMetrics) ErrorsInc() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors++
}

type memSink struct {
	mu       sync.Mutex
	payloads []telemetry.Payload
	failOn   int
}

func (m *memSink) Publish(_ context.Context, p telemetry.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn > 0 && len(m.payloads)+1 == m.failOn {
		return errors.New("sink down")
	}
	m.payloads = append(m.payloads, p)
	return nil
}

var fixedNow = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func TestSimulation_Run(t *testing.T) {
	sink := &memSink{}
	sim := &Simulation{
		Sink:       sink,
		Iterations: 6,
		Machines:   []string{"CNC-01", "CNC-02"},
		Seed:       7,
		Now:        func() time.Time { return fixedNow },
	}

	n, err := sim.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	require.Len(t, sink.payloads, 6)

	for i, p := range sink.payloads {
		want := "CNC-01"
		if i%2 == 1 {
			want = "CNC-02"
		}
		assert.Equal(t, want, p.MachineID)
		assert.Equal(t, "2025-06-02T08:00:00Z", p.Ts)
		assert.GreaterOrEqual(t, p.SpindleRPM, 1000)
		assert.LessOrEqual(t, p.SpindleRPM, 7000)
	}
}

func TestSimulation_DefaultMachine(t *testing.T) {
	sink := &memSink{}
	sim := &Simulation{Sink: sink, Iterations: 2, Seed: 1}

	_, err := sim.Run(context.Background())
	require.NoError(t, err)
	for _, p := range sink.payloads {
		assert.Equal(t, "CNC-01", p.MachineID)
	}
}

func TestSimulation_Deterministic(t *testing.T) {
	run := func() []telemetry.Payload {
		sink := &memSink{}
		sim := &Simulation{Sink: sink, Iterations: 10, Seed: 42, Now: func() time.Time { return fixedNow }}
		_, err := sim.Run(context.Background())
		require.NoError(t, err)
		return sink.payloads
	}
	assert.Equal(t, run(), run())
}

func TestSimulation_SinkErrorStops(t *testing.T) {
	sink := &memSink{failOn: 3}
	sim := &Simulation{Sink: sink, Iterations: 10, Seed: 1}

	n, err := sim.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish reading 3")
	assert.Equal(t, 2, n)
}

func TestSimulation_NoSink(t *testing.T) {
	_, err := (&Simulation{Iterations: 1}).Run(context.Background())
	assert.Error(t, err)
}

func TestSimulation_Cancelled(t *testing.T) {
	sink := &memSink{}
	sim := &Simulation{Sink: sink, Iterations: 100, Delay: time.Hour, Seed: 1}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	n, err := sim.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}

func TestCollectorSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry", "live.csv")
	m := newFakeMetrics()
	sink := NewCollectorSink(telemetry.NewCollector(path), m)

	sim := &Simulation{Sink: sink, Iterations: 3, Seed: 3}
	_, err := sim.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, strings.Join(telemetry.PayloadColumns, ","), lines[0])
	assert.Equal(t, 3, m.collected[SinkCSV])
}

func TestArchiveSink(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	m := newFakeMetrics()
	sink := NewArchiveSink(store, m)
	sim := &Simulation{Sink: sink, Iterations: 4, Seed: 5, Now: func() time.Time { return fixedNow }}
	_, err = sim.Run(context.Background())
	require.NoError(t, err)

	_, payloads, err := store.Count()
	require.NoError(t, err)
	// Identical timestamps share a key, so only one survives per machine.
	assert.Equal(t, 1, payloads)
	assert.Equal(t, 4, m.collected[SinkArchive])
}

func TestMultiSink(t *testing.T) {
	a, b := &memSink{}, &memSink{failOn: 1}
	multi := MultiSink{a, b, SinkFunc(func(context.Context, telemetry.Payload) error { return nil })}

	err := multi.Publish(context.Background(), telemetry.Payload{MachineID: "CNC-01"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Len(t, a.payloads, 1)
	assert.Empty(t, b.payloads)
}

func TestKafkaMessageEncoding(t *testing.T) {
	p := telemetry.Payload{
		Ts:         "2025-06-02T08:00:00Z",
		MachineID:  "CNC-07",
		SpindleRPM: 4200,
		FeedRate:   800,
		Vibration:  telemetry.Vibration{X: 0.1, Y: 0.2, Z: 0.3},
	}

	msg, err := EncodeMessage(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("CNC-07"), msg.Key)
	assert.Equal(t, fixedNow, msg.Time)
	assert.Contains(t, string(msg.Value), `"spindle_rpm":4200`)

	decoded, err := DecodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestKafkaDecode_KeyFallbackAndMalformed(t *testing.T) {
	p, err := DecodeMessage(kafka.Message{Key: []byte("CNC-02"), Value: []byte(`{"spindle_rpm":1500}`)})
	require.NoError(t, err)
	assert.Equal(t, "CNC-02", p.MachineID)
	assert.Equal(t, 1500, p.SpindleRPM)

	_, err = DecodeMessage(kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestKafkaCollector_Handle(t *testing.T) {
	sink := &memSink{}
	m := newFakeMetrics()
	c := &KafkaCollector{sink: sink, metrics: m}

	msg, err := EncodeMessage(telemetry.Payload{Ts: "2025-06-02T08:00:00Z", MachineID: "CNC-01"})
	require.NoError(t, err)
	require.NoError(t, c.handle(context.Background(), msg))
	require.NoError(t, c.handle(context.Background(), kafka.Message{Value: []byte("{")}))

	assert.Len(t, sink.payloads, 1)
	assert.Equal(t, 1, m.errors)

	c.sink = &memSink{failOn: 1}
	assert.Error(t, c.handle(context.Background(), msg))
}

var upgrader = websocket.Upgrader{}

func feedFrame(machine string) FeedMessage {
	ra := 0.7
	return FeedMessage{
		Record:     telemetry.Record{Timestamp: fixedNow, MachineID: machine, SpindleSpeedRPM: 5000},
		Alerts:     []analytics.Alert{{Type: analytics.AlertVibration, MachineID: machine}},
		Prediction: ml.Prediction{SurfaceRoughnessUM: &ra},
	}
}

func TestFeedClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(feedFrame("CNC-01"))
		conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		conn.WriteJSON(feedFrame("CNC-02"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := newFakeMetrics()
	client := NewFeedClient("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second, m)
	out := make(chan FeedMessage, 4)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- client.Stream(ctx, out) }()

	first := receive(t, out)
	second := receive(t, out)
	assert.Equal(t, "CNC-01", first.Record.MachineID)
	assert.Equal(t, "CNC-02", second.Record.MachineID)
	require.NotNil(t, first.Prediction.SurfaceRoughnessUM)
	assert.Equal(t, 0.7, *first.Prediction.SurfaceRoughnessUM)
	assert.Len(t, first.Alerts, 1)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not return after cancel")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.errors)
}

func TestFeedClient_Reconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		if n == 1 {
			conn.WriteJSON(feedFrame("first"))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			return
		}
		conn.WriteJSON(feedFrame("second"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := newFakeMetrics()
	client := NewFeedClient("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second, m)
	out := make(chan FeedMessage, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Stream(ctx, out)

	assert.Equal(t, "first", receive(t, out).Record.MachineID)
	assert.Equal(t, "second", receive(t, out).Record.MachineID)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.GreaterOrEqual(t, m.reconnects, 1)
}

func receive(t *testing.T, out <-chan FeedMessage) FeedMessage {
	t.Helper()
	select {
	case msg := <-out:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for feed message")
		return FeedMessage{}
	}
}
