package ws

import (
	"context"
	"errors"
	"sync"

	"stake-arena/server/internal/net/proto"
	"stake-arena/server/internal/sim"
	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/world"
	"stake-arena/server/logging"
	loggingnetwork "stake-arena/server/logging/network"
)

const (
	metricFramesBroadcast = "ws_frames_broadcast_total"
	metricBytesBroadcast  = "ws_bytes_broadcast_total"
	metricSendDropped     = "ws_send_dropped_total"
	metricSubscribers     = "ws_subscribers"

	msgEscapeFailed = "Not enough score to escape"
	msgReplaced     = "Another connection joined with this account"
)

// Hub tracks live websocket sessions and turns loop step results into
// outbound frames.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session

	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher
}

// HubConfig carries the hub's collaborators. All fields are optional.
type HubConfig struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

// NewHub returns an empty hub.
func NewHub(cfg HubConfig) *Hub {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Hub{
		sessions:  make(map[string]*session),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		publisher: publisher,
	}
}

// Len reports the number of attached sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) attach(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	count := len(h.sessions)
	h.mu.Unlock()
	h.store(metricSubscribers, uint64(count))
	loggingnetwork.SubscriberAttached(context.Background(), h.publisher, logging.PlayerRef(s.id), loggingnetwork.SubscriberPayload{Codec: s.codec.Name()})
}

func (h *Hub) detach(s *session, reason string) {
	h.mu.Lock()
	if current, ok := h.sessions[s.id]; ok && current == s {
		delete(h.sessions, s.id)
	}
	count := len(h.sessions)
	h.mu.Unlock()
	s.close()
	h.store(metricSubscribers, uint64(count))
	loggingnetwork.SubscriberDetached(context.Background(), h.publisher, logging.PlayerRef(s.id), loggingnetwork.SubscriberPayload{Codec: s.codec.Name(), Reason: reason})
}

func (h *Hub) session(id string) (*session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Send encodes msg for one session. It reports false when the session is
// gone or could not take the frame.
func (h *Hub) Send(id string, msg any) bool {
	s, ok := h.session(id)
	if !ok {
		return false
	}
	return h.sendTo(s, msg)
}

func (h *Hub) sendTo(s *session, msg any) bool {
	data, err := s.codec.Marshal(msg)
	if err != nil {
		if h.logger != nil {
			h.logger.Printf("failed to marshal %T for %s: %v", msg, s.id, err)
		}
		return false
	}
	if err := s.enqueue(data); err != nil {
		if errors.Is(err, errSessionClosed) {
			h.add(metricSendDropped, 1)
		}
		return false
	}
	return true
}

// Broadcast sends msg to every session, encoding it once per codec.
func (h *Hub) Broadcast(msg any) int {
	sessions := h.snapshot()
	if len(sessions) == 0 {
		return 0
	}
	encoded := make(map[string][]byte, 2)
	sent := 0
	var bytes uint64
	for _, s := range sessions {
		name := s.codec.Name()
		data, ok := encoded[name]
		if !ok {
			var err error
			data, err = s.codec.Marshal(msg)
			if err != nil {
				if h.logger != nil {
					h.logger.Printf("failed to marshal %T broadcast: %v", msg, err)
				}
				return sent
			}
			encoded[name] = data
		}
		if err := s.enqueue(data); err != nil {
			h.add(metricSendDropped, 1)
			continue
		}
		sent++
		bytes += uint64(len(data))
	}
	h.add(metricBytesBroadcast, bytes)
	return sent
}

// Deliver maps one loop step to client messages. It runs on the loop
// goroutine as the AfterStep hook and never blocks on a connection.
func (h *Hub) Deliver(result sim.StepResult) {
	for _, event := range result.Events {
		h.deliverEvent(event, result.Frame)
	}
	h.Broadcast(proto.NewState(result.Frame))
	h.add(metricFramesBroadcast, 1)
}

func (h *Hub) deliverEvent(event sim.Event, frame sim.Frame) {
	switch event.Kind {
	case sim.EventJoined:
		s, ok := h.session(event.Conn)
		if !ok || event.Join == nil {
			return
		}
		_, _, resumed := s.state()
		h.sendTo(s, proto.NewJoined(*event.Join, resumed))
		if event.Snapshot != nil {
			h.sendTo(s, proto.NewGameState(*event.Snapshot))
		}

	case sim.EventRejected:
		if event.Command == sim.CommandJoin {
			if s, ok := h.session(event.Conn); ok {
				s.release()
			}
		}
		h.Send(event.Conn, proto.NewNotice(proto.TypeError, errorMessage(event.Err), string(event.Command)))

	case sim.EventConsumed:
		if event.Consume == nil {
			return
		}
		h.Broadcast(proto.NewFoodEaten(event.Conn, *event.Consume))
		if player, ok := framePlayer(frame, event.Conn); ok {
			h.Send(event.Conn, proto.NewPlayerUpdated(player))
		}
		if event.Consume.ReachedEscape {
			h.Send(event.Conn, proto.NewCanEscape())
		}

	case sim.EventEliminated:
		if event.Terminal == nil {
			return
		}
		if s, ok := h.session(event.Conn); ok {
			s.release()
			h.sendTo(s, proto.NewPlayerDied(*event.Terminal, event.Killer))
		}
		h.Broadcast(proto.NewPlayerLeft(event.Conn, proto.LeftDied))

	case sim.EventExited:
		if event.Terminal == nil {
			return
		}
		if s, ok := h.session(event.Conn); ok {
			s.release()
			h.sendTo(s, proto.NewEscapeSuccess(*event.Terminal))
		}
		h.Broadcast(proto.NewPlayerLeft(event.Conn, proto.LeftEscaped))

	case sim.EventExitRefused:
		h.Send(event.Conn, proto.NewNotice(proto.TypeEscapeFailed, msgEscapeFailed, ""))

	case sim.EventEvicted:
		if s, ok := h.session(event.Conn); ok {
			s.release()
			h.sendTo(s, proto.NewNotice(proto.TypeReplaced, msgReplaced, ""))
		}
		h.Broadcast(proto.NewPlayerLeft(event.Conn, proto.LeftReplaced))

	case sim.EventLeft:
		h.Broadcast(proto.NewPlayerLeft(event.Conn, proto.LeftDisconnected))

	case sim.EventSettlement:
		if event.Completion == nil {
			return
		}
		h.Send(event.Conn, proto.NewSettlement(*event.Completion))
	}
}

func framePlayer(frame sim.Frame, conn string) (world.Player, bool) {
	for _, p := range frame.Players {
		if p.Conn == conn {
			return p, true
		}
	}
	return world.Player{}, false
}

func errorMessage(err error) string {
	if err == nil {
		return "request failed"
	}
	return err.Error()
}

func (h *Hub) add(key string, delta uint64) {
	if h.metrics == nil || delta == 0 {
		return
	}
	h.metrics.Add(key, delta)
}

func (h *Hub) store(key string, value uint64) {
	if h.metrics == nil {
		return
	}
	h.metrics.Store(key, value)
}
