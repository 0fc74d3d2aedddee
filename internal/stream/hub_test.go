package stream

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/logger"
	"codeberg.org/mutker/hwmonitor/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(h *Hub, buffer int) *Client {
	return &Client{ID: "test", hub: h, send: make(chan []byte, buffer), logger: logger.Nop()}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub("session", logger.Nop())

	slow := testClient(h, 1)
	slow.send <- []byte("queued")
	h.clients[slow] = map[monitor.EventKind]bool{}

	fast := testClient(h, 1)
	h.clients[fast] = map[monitor.EventKind]bool{}

	h.deliver(outbound{kind: monitor.KindMetricsUpdate, data: []byte(`{}`)})

	assert.NotContains(t, h.clients, slow, "a full buffer disconnects the client")
	assert.Contains(t, h.clients, fast)

	queued, ok := <-slow.send
	require.True(t, ok)
	assert.Equal(t, "queued", string(queued))
	_, ok = <-slow.send
	assert.False(t, ok, "the dropped client's channel is closed")

	select {
	case data := <-fast.send:
		assert.Equal(t, `{}`, string(data))
	default:
		t.Fatal("client with room did not receive the event")
	}
}

func TestHubStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	h := NewHub("session", logger.Nop())
	go h.Run(ctx)

	c := testClient(h, 4)
	require.True(t, h.join(c))
	cancel()

	<-h.done
	assert.False(t, h.join(testClient(h, 1)), "a stopped hub refuses new clients")

	// leave and request never block once the hub is gone
	h.leave(c)
	h.request(clientRequest{client: c, msg: ClientMessage{Type: "subscribe"}})

	<-c.send
	_, ok := <-c.send
	assert.False(t, ok)
}

func TestPumpForwardsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := monitor.NewDispatcher(8)
	h := NewHub("session", logger.Nop())
	rx := d.Subscribe()
	go h.Pump(ctx, rx)

	d.Dispatch(monitor.MonitoringError{Error: "boom"})

	select {
	case msg := <-h.events:
		assert.Equal(t, monitor.KindMonitoringError, msg.kind)
		assert.Contains(t, string(msg.data), `"boom"`)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not forwarded")
	}
}
