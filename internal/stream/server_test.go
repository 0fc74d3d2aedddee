package stream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/hardware"
	"codeberg.org/mutker/hwmonitor/internal/logger"
	"codeberg.org/mutker/hwmonitor/internal/monitor"
	"codeberg.org/mutker/hwmonitor/internal/stream"
	"codeberg.org/mutker/hwmonitor/internal/thermal"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	*monitor.Dispatcher
	thermal *hardware.ThermalSnapshot
}

func (f *fakeSource) ID() string           { return "session-1" }
func (f *fakeSource) IsRunning() bool      { return true }
func (f *fakeSource) Stats() monitor.Stats { return monitor.Stats{Ticks: 3, TotalEvents: 5} }

func (f *fakeSource) LastThermal() (*hardware.ThermalSnapshot, bool) {
	return f.thermal, f.thermal != nil
}

func (f *fakeSource) PredictThrottling(intensity float64) thermal.Prediction {
	return thermal.Predict(85, 0, intensity)
}

func newSource() *fakeSource {
	return &fakeSource{Dispatcher: monitor.NewDispatcher(16)}
}

func startServer(t *testing.T, source *fakeSource, cfg stream.Config) *httptest.Server {
	t.Helper()

	srv := stream.NewServer(cfg, source, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	// The hello message confirms the hub registered the client
	var hello stream.ServerMessage
	readJSON(t, conn, &hello)
	require.Equal(t, "hello", hello.Type)
	assert.Equal(t, "session-1", hello.Session)
	assert.NotEmpty(t, hello.Client)

	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

type envelope struct {
	Kind  monitor.EventKind `json:"kind"`
	Event json.RawMessage   `json:"event"`
}

func TestClientReceivesEvents(t *testing.T) {
	source := newSource()
	ts := startServer(t, source, stream.Config{})
	conn := dial(t, ts, nil)

	source.Dispatch(
		monitor.ThermalAlert{SensorName: "cpu", Temperature: 91, Threshold: 80, Timestamp: time.Now()},
		monitor.MetricsUpdate{Timestamp: time.Now()},
	)

	var first envelope
	readJSON(t, conn, &first)
	assert.Equal(t, monitor.KindThermalAlert, first.Kind)

	var alert monitor.ThermalAlert
	require.NoError(t, json.Unmarshal(first.Event, &alert))
	assert.Equal(t, "cpu", alert.SensorName)
	assert.InDelta(t, 91.0, alert.Temperature, 1e-9)

	var second envelope
	readJSON(t, conn, &second)
	assert.Equal(t, monitor.KindMetricsUpdate, second.Kind)
}

func TestClientSubscriptionFilters(t *testing.T) {
	source := newSource()
	ts := startServer(t, source, stream.Config{})
	conn := dial(t, ts, nil)

	require.NoError(t, conn.WriteJSON(stream.ClientMessage{
		Type:  "subscribe",
		Kinds: []monitor.EventKind{monitor.KindPowerAlert},
	}))

	var ack stream.ServerMessage
	readJSON(t, conn, &ack)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, []monitor.EventKind{monitor.KindPowerAlert}, ack.Kinds)

	source.Dispatch(
		monitor.MetricsUpdate{Timestamp: time.Now()},
		monitor.PowerAlert{CurrentPower: 310, Threshold: 300, Timestamp: time.Now()},
	)

	var got envelope
	readJSON(t, conn, &got)
	assert.Equal(t, monitor.KindPowerAlert, got.Kind, "metrics updates are filtered out")

	require.NoError(t, conn.WriteJSON(stream.ClientMessage{
		Type:  "unsubscribe",
		Kinds: []monitor.EventKind{monitor.KindPowerAlert},
	}))
	ack = stream.ServerMessage{}
	readJSON(t, conn, &ack)
	assert.Equal(t, "unsubscribed", ack.Type)
	assert.Empty(t, ack.Kinds)

	source.Dispatch(monitor.MetricsUpdate{Timestamp: time.Now()})
	readJSON(t, conn, &got)
	assert.Equal(t, monitor.KindMetricsUpdate, got.Kind, "an empty filter receives everything")
}

func TestInvalidClientMessages(t *testing.T) {
	ts := startServer(t, newSource(), stream.Config{})
	conn := dial(t, ts, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var reply stream.ServerMessage
	readJSON(t, conn, &reply)
	assert.Equal(t, "error", reply.Type)

	require.NoError(t, conn.WriteJSON(stream.ClientMessage{Type: "reboot"}))
	readJSON(t, conn, &reply)
	assert.Equal(t, "error", reply.Type)
	assert.Contains(t, reply.Error, "reboot")
}

func TestOriginCheck(t *testing.T) {
	ts := startServer(t, newSource(), stream.Config{AllowedOrigins: []string{"https://dash.example"}})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	dial(t, ts, http.Header{"Origin": {"https://dash.example"}})
}

func TestStatusEndpoint(t *testing.T) {
	source := newSource()
	source.thermal = &hardware.ThermalSnapshot{
		Sensors: []hardware.ThermalSensor{{Name: "cpu", Temperature: 83}},
	}
	ts := startServer(t, source, stream.Config{})

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status struct {
		Session       string         `json:"session"`
		Running       bool           `json:"running"`
		Stats         monitor.Stats  `json:"stats"`
		ThermalStatus thermal.Status `json:"thermal_status"`
		Prediction    struct {
			Severity string `json:"severity"`
		} `json:"prediction"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "session-1", status.Session)
	assert.True(t, status.Running)
	assert.Equal(t, uint64(3), status.Stats.Ticks)
	assert.Equal(t, thermal.StatusHot, status.ThermalStatus)
	assert.Equal(t, "moderate", status.Prediction.Severity)

	post, err := http.Post(ts.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}
