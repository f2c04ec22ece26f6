// Package gateway exposes the runtime's HTTP dashboard: liveness, bus
// topology snapshots, an SSE tap on live events, and a websocket topology
// push. It is a read-only consumer of the bus; nothing here publishes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/loom/internal/bus"
)

// Config holds the gateway's dependencies and settings.
type Config struct {
	Addr         string
	AuthToken    string
	AllowOrigins []string
	Bus          *bus.Bus
	Logger       *slog.Logger

	// TopologyPushInterval is how often /ws clients receive a fresh
	// topology snapshot. Zero means 1s.
	TopologyPushInterval time.Duration
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopologyPushInterval <= 0 {
		cfg.TopologyPushInterval = time.Second
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the gateway's route table, exposed separately so tests
// can drive it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/topology", s.handleTopology)
	mux.HandleFunc("/api/v1/topics", s.handleTopics)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken {
		return true
	}
	// Browsers can't set headers on EventSource/WebSocket requests, so a
	// token query parameter is accepted as well, on every endpoint that
	// calls authorize.
	return r.URL.Query().Get("token") == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	top := s.cfg.Bus.Snapshot()
	writeJSON(w, map[string]any{
		"healthy":          top.State == bus.StateRunning,
		"bus_state":        top.State.String(),
		"events_published": top.EventsPublished,
		"events_dropped":   top.EventsDropped,
		"subscriptions":    len(top.Subscriptions),
		"time_unix":        time.Now().Unix(),
	})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, topologyView(s.cfg.Bus.Snapshot()))
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{"topics": s.cfg.Bus.Topics()})
}

// handleEvents implements GET /api/v1/events?prefix=XXX: an SSE stream of
// every envelope whose topic matches the prefix (empty prefix taps
// everything). The subscription is Batched, so a slow dashboard client
// sheds oldest events rather than backpressuring publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}
	flusher.Flush()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("prefix"))
	if sub == nil {
		return
	}
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse client disconnected")
			return
		case env, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(eventView(env))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWS pushes a topology snapshot to the client at the configured
// interval until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("ws client connected")
	defer func() {
		s.logger.Info("ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()

	// Reads are discarded; their only purpose is noticing the close.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.TopologyPushInterval)
	defer ticker.Stop()

	push := func() error {
		return wsjson.Write(ctx, conn, map[string]any{
			"type":     "topology",
			"topology": topologyView(s.cfg.Bus.Snapshot()),
		})
	}
	if err := push(); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-ticker.C:
			if err := push(); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// sseEvent is the wire shape of one envelope on the SSE tap. Payload is
// re-marshaled best-effort; a payload that doesn't marshal is shown by its
// Go type name rather than dropped, so the event's timing is still visible.
type sseEvent struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	EventType   string          `json:"event_type,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	QoS         string          `json:"qos"`
	PublishedAt int64           `json:"published_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadType string          `json:"payload_type,omitempty"`
}

func eventView(env bus.Event) sseEvent {
	out := sseEvent{
		ID:          env.ID.String(),
		Topic:       env.Topic,
		EventType:   env.EventType,
		Sender:      env.Sender,
		QoS:         env.QoS.String(),
		PublishedAt: env.PublishedAt,
	}
	if env.Payload != nil {
		if raw, err := json.Marshal(env.Payload); err == nil {
			out.Payload = raw
		} else {
			out.PayloadType = fmt.Sprintf("%T", env.Payload)
		}
	}
	return out
}

type subscriptionJSON struct {
	ID              uint64   `json:"id"`
	Topic           string   `json:"topic"`
	IsPrefixPattern bool     `json:"is_prefix_pattern,omitempty"`
	TypeFilter      []string `json:"type_filter,omitempty"`
	QoS             string   `json:"qos"`
	State           string   `json:"state"`
	Capacity        int      `json:"capacity"`
	Depth           int      `json:"depth"`
	HighWater       int      `json:"high_water"`
	Delivered       int64    `json:"delivered"`
	DroppedOverflow int64    `json:"dropped_overflow"`
	DroppedFilter   int64    `json:"dropped_filter"`
	Degrading       bool     `json:"degrading,omitempty"`
	LastDeliveryNs  int64    `json:"last_delivery_ns,omitempty"`
}

type topicJSON struct {
	Topic       string  `json:"topic"`
	Published   int64   `json:"published"`
	Delivered   int64   `json:"delivered"`
	LastEventNs int64   `json:"last_event_ns"`
	RatePerSec  float64 `json:"rate_per_sec"`
}

type topologyJSON struct {
	State           string             `json:"state"`
	EventsPublished int64              `json:"events_published"`
	EventsDelivered int64              `json:"events_delivered"`
	EventsDropped   int64              `json:"events_dropped"`
	GlobalInFlight  int64              `json:"global_in_flight"`
	GlobalLimit     int64              `json:"global_limit"`
	Subscriptions   []subscriptionJSON `json:"subscriptions"`
	Topics          []topicJSON        `json:"topics"`
}

func topologyView(top bus.Topology) topologyJSON {
	out := topologyJSON{
		State:           top.State.String(),
		EventsPublished: top.EventsPublished,
		EventsDelivered: top.EventsDelivered,
		EventsDropped:   top.EventsDropped,
		GlobalInFlight:  top.GlobalInFlight,
		GlobalLimit:     top.GlobalLimit,
		Subscriptions:   make([]subscriptionJSON, 0, len(top.Subscriptions)),
		Topics:          make([]topicJSON, 0, len(top.Topics)),
	}
	for _, sub := range top.Subscriptions {
		out.Subscriptions = append(out.Subscriptions, subscriptionJSON{
			ID:              uint64(sub.ID),
			Topic:           sub.Topic,
			IsPrefixPattern: sub.IsPrefixPattern,
			TypeFilter:      sub.TypeFilter,
			QoS:             sub.QoS.String(),
			State:           sub.State.String(),
			Capacity:        sub.Capacity,
			Depth:           sub.Depth,
			HighWater:       sub.HighWater,
			Delivered:       sub.Delivered,
			DroppedOverflow: sub.DroppedOverflow,
			DroppedFilter:   sub.DroppedFilter,
			Degrading:       sub.Degrading,
			LastDeliveryNs:  sub.LastDeliveryNs,
		})
	}
	for _, topic := range top.Topics {
		out.Topics = append(out.Topics, topicJSON{
			Topic:       topic.Topic,
			Published:   topic.Published,
			Delivered:   topic.Delivered,
			LastEventNs: topic.LastEventNs,
			RatePerSec:  topic.RatePerSec,
		})
	}
	return out
}
