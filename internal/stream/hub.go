// Package stream fans monitoring events out to websocket clients.
package stream

import (
	"context"
	"slices"

	"codeberg.org/mutker/hwmonitor/internal/errors"
	"codeberg.org/mutker/hwmonitor/internal/logger"
	"codeberg.org/mutker/hwmonitor/internal/monitor"
)

type outbound struct {
	kind monitor.EventKind
	data []byte
}

type clientRequest struct {
	client *Client
	msg    ClientMessage
}

// Hub owns the set of connected clients and their kind filters. All state
// is confined to the Run goroutine.
type Hub struct {
	session string
	clients map[*Client]map[monitor.EventKind]bool

	register   chan *Client
	unregister chan *Client
	requests   chan clientRequest
	events     chan outbound
	done       chan struct{}

	logger logger.Logger
}

func NewHub(session string, log logger.Logger) *Hub {
	return &Hub{
		session: session,
		clients: make(map[*Client]map[monitor.EventKind]bool),

		register:   make(chan *Client),
		unregister: make(chan *Client),
		requests:   make(chan clientRequest),
		events:     make(chan outbound, 100),
		done:       make(chan struct{}),

		logger: log,
	}
}

// Run serves the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = make(map[monitor.EventKind]bool)
			client.queue(ServerMessage{Type: "hello", Session: h.session, Client: client.ID})
			h.logger.Info().Str("client", client.ID).Int("total_clients", len(h.clients)).Msg("Stream client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				h.logger.Info().Str("client", client.ID).Int("total_clients", len(h.clients)).Msg("Stream client unregistered")
			}

		case req := <-h.requests:
			h.handleRequest(req)

		case msg := <-h.events:
			h.deliver(msg)
		}
	}
}

// Pump forwards events from rx to the clients until ctx is done.
func (h *Hub) Pump(ctx context.Context, rx *monitor.Receiver) {
	defer rx.Close()

	var lagged uint64
	for {
		event, err := rx.Recv(ctx)
		if err != nil {
			return
		}

		if n := rx.Lagged(); n > lagged {
			h.logger.Warn().Uint64("missed", n-lagged).Msg("Stream fell behind the monitor")
			lagged = n
		}

		data, err := monitor.MarshalEvent(event)
		if err != nil {
			h.logger.ErrorWithCode(errors.New().Wrap(ErrMarshal, err)).Str("kind", string(event.Kind())).Send()
			continue
		}

		select {
		case h.events <- outbound{kind: event.Kind(), data: data}:
		case <-h.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// join registers c unless the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) request(req clientRequest) {
	select {
	case h.requests <- req:
	case <-h.done:
	}
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// handleRequest runs on the hub goroutine, the only writer of client
// send channels.
func (h *Hub) handleRequest(req clientRequest) {
	kinds, ok := h.clients[req.client]
	if !ok {
		return
	}

	switch req.msg.Type {
	case "subscribe", "unsubscribe":
		add := req.msg.Type == "subscribe"
		for _, kind := range req.msg.Kinds {
			if add {
				kinds[kind] = true
			} else {
				delete(kinds, kind)
			}
		}

		active := make([]monitor.EventKind, 0, len(kinds))
		for kind := range kinds {
			active = append(active, kind)
		}
		slices.Sort(active)
		req.client.queue(ServerMessage{Type: req.msg.Type + "d", Kinds: active})

	case "invalid":
		req.client.queue(ServerMessage{Type: "error", Error: "invalid json message"})

	default:
		req.client.logger.Warn().Str("type", req.msg.Type).Msg("Unknown client message type")
		req.client.queue(ServerMessage{Type: "error", Error: "unknown message type " + req.msg.Type})
	}
}

func (h *Hub) deliver(msg outbound) {
	for client, kinds := range h.clients {
		// An empty filter receives every kind
		if len(kinds) > 0 && !kinds[msg.kind] {
			continue
		}

		select {
		case client.send <- msg.data:
		default:
			h.logger.Warn().Str("client", client.ID).Msg("Stream client buffer full, disconnecting")
			h.remove(client)
		}
	}
}
