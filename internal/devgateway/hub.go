package devgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/cskr/pubsub"

	"github.com/lightforgemedia/go-dopclient/pkg/wsframe"
)

const (
	hubQueueLength   = 64
	hubWriteTimeout  = 5 * time.Second
	controlTopicBase = "$hub/"
)

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("devgateway: hub closed")

type push struct {
	topic   string
	payload []byte
}

// Hub is the websocket push endpoint. Clients connect with a client_id
// query parameter, subscribe to topics with subscribe_request frames and
// receive publish frames. Fan-out runs on cskr/pubsub.
type Hub struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]chan interface{}
	topics  map[string]map[string]bool
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		ps:      pubsub.New(hubQueueLength),
		logger:  logger,
		clients: make(map[string]chan interface{}),
		topics:  make(map[string]map[string]bool),
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(topic string, payload []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrHubClosed
	}
	h.ps.Pub(push{topic: topic, payload: append([]byte(nil), payload...)}, topic)
	return nil
}

// Clients returns the ids of connected clients.
func (h *Hub) Clients() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	return out
}

// Subscribed reports whether clientID is subscribed to topic.
func (h *Hub) Subscribed(clientID, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.topics[clientID][topic]
}

func (h *Hub) track(clientID, topic string, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.topics[clientID]
	if set == nil {
		set = make(map[string]bool)
		h.topics[clientID] = set
	}
	if on {
		set[topic] = true
	} else {
		delete(set, topic)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.clients = make(map[string]chan interface{})
	h.topics = make(map[string]map[string]bool)
	h.mu.Unlock()
	h.ps.Shutdown()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "missing client_id", http.StatusBadRequest)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn(fmt.Sprintf("Hub: accept for %s failed: %v", clientID, err))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	// The control topic keeps the channel open until the client leaves.
	ch := h.ps.Sub(controlTopicBase + clientID)
	h.clients[clientID] = ch
	h.mu.Unlock()
	h.logger.Info(fmt.Sprintf("Hub: client %s connected", clientID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.writer(ctx, ws, ch)
	h.reader(ctx, ws, clientID, ch)

	h.mu.Lock()
	if h.clients[clientID] == ch {
		delete(h.clients, clientID)
		delete(h.topics, clientID)
	}
	closed := h.closed
	h.mu.Unlock()
	if !closed {
		h.ps.Unsub(ch)
	}
	ws.Close(websocket.StatusNormalClosure, "")
	h.logger.Info(fmt.Sprintf("Hub: client %s disconnected", clientID))
}

func (h *Hub) reader(ctx context.Context, ws *websocket.Conn, clientID string, ch chan interface{}) {
	for {
		var f wsframe.Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			return
		}

		switch f.Type {
		case wsframe.TypeHello:
			var hello wsframe.Hello
			if err := f.DecodePayload(&hello); err == nil && hello.ClientID != clientID {
				h.logger.Warn(fmt.Sprintf("Hub: hello from %s claims id %s", clientID, hello.ClientID))
			}
		case wsframe.TypeSubscribeRequest:
			h.ps.AddSub(ch, f.Topic)
			h.track(clientID, f.Topic, true)
			h.logger.Debug(fmt.Sprintf("Hub: %s subscribed to %s", clientID, f.Topic))
			h.write(ctx, ws, wsframe.Ack(&f, nil))
		case wsframe.TypeUnsubscribeRequest:
			h.ps.Unsub(ch, f.Topic)
			h.track(clientID, f.Topic, false)
			h.write(ctx, ws, wsframe.Ack(&f, nil))
		case wsframe.TypePublish:
			if err := h.Publish(f.Topic, f.Payload); err != nil {
				h.write(ctx, ws, wsframe.Ack(&f, &wsframe.ErrorPayload{Code: http.StatusServiceUnavailable, Message: err.Error()}))
			}
		default:
			h.logger.Debug(fmt.Sprintf("Hub: ignoring frame type %q from %s", f.Type, clientID))
		}
	}
}

func (h *Hub) writer(ctx context.Context, ws *websocket.Conn, ch chan interface{}) {
	for item := range ch {
		p, ok := item.(push)
		if !ok {
			continue
		}
		if !h.write(ctx, ws, wsframe.Publish(p.topic, p.payload)) {
			return
		}
	}
	ws.Close(websocket.StatusGoingAway, "hub closed")
}

func (h *Hub) write(ctx context.Context, ws *websocket.Conn, f *wsframe.Frame) bool {
	writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, ws, f); err != nil {
		h.logger.Debug(fmt.Sprintf("Hub: write failed: %v", err))
		return false
	}
	return true
}
