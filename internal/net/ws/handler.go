package ws

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"stake-arena/server/internal/net/proto"
	"stake-arena/server/internal/settlement"
	"stake-arena/server/internal/sim"
	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/world"
	"stake-arena/server/logging"
	loggingnetwork "stake-arena/server/logging/network"
)

const (
	defaultAdmitTimeout = 10 * time.Second

	codeNotAdmitted    = "not_admitted"
	codePendingSettle  = "settlement_pending"
	codeAlreadyJoined  = "already_joined"
	codeSessionExpired = "session_expired"
	codeInvalidInput   = "invalid_input"
	codeUnavailable    = "unavailable"
	codeNotJoined      = "not_joined"
)

// Admitter checks the session store and the ledger before a player may enter
// the world.
type Admitter interface {
	Admit(ctx context.Context, account string) (settlement.Admission, error)
}

// Loop is the part of the simulation loop the transport feeds.
type Loop interface {
	Enqueue(cmd sim.Command) (bool, string)
}

// HandlerConfig carries optional handler settings.
type HandlerConfig struct {
	Logger       telemetry.Logger
	Publisher    logging.Publisher
	AdmitTimeout time.Duration
}

// Handler upgrades /ws requests and pumps client messages into the loop.
type Handler struct {
	hub          *Hub
	loop         Loop
	admitter     Admitter
	logger       telemetry.Logger
	publisher    logging.Publisher
	admitTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewHandler wires a websocket handler to the hub, the loop and admission.
func NewHandler(hub *Hub, loop Loop, admitter Admitter, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	timeout := cfg.AdmitTimeout
	if timeout <= 0 {
		timeout = defaultAdmitTimeout
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:          hub,
		loop:         loop,
		admitter:     admitter,
		logger:       logger,
		publisher:    publisher,
		admitTimeout: timeout,
		upgrader:     upgrader,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	h.Handle(w, r)
}

// Handle serves one websocket connection. A join may be requested up front
// with ?name=&account= or later with a join message.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	query := r.URL.Query()
	codec, err := proto.CodecFor(query.Get("codec"))
	if err != nil {
		nethttp.Error(w, err.Error(), nethttp.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	s := newSession(uuid.NewString(), conn, codec)
	h.hub.attach(s)
	go s.writePump()

	reason := "closed"
	defer func() {
		h.leave(s, reason)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if account := query.Get("account"); account != "" {
		h.join(r.Context(), s, proto.ClientMessage{Type: proto.TypeJoin, Name: query.Get("name"), Account: account})
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = err.Error()
			}
			return
		}
		if s.closed() {
			reason = "send queue overflow"
			return
		}

		msg, err := proto.DecodeClientMessage(codec, payload)
		if err != nil {
			h.reject(s, "", err.Error())
			continue
		}

		if msg.Type == proto.TypeJoin {
			h.join(r.Context(), s, msg)
			continue
		}

		cmd, ok := proto.ClientCommand(msg)
		if !ok {
			h.reject(s, msg.Type, "unknown message type")
			continue
		}
		if _, joined, _ := s.state(); !joined {
			h.hub.sendTo(s, proto.NewNotice(proto.TypeError, "join first", codeNotJoined))
			continue
		}
		cmd.ActorID = s.id
		if ok, dropReason := h.loop.Enqueue(cmd); !ok && cmd.Type != sim.CommandMove {
			h.hub.sendTo(s, proto.NewNotice(proto.TypeError, "command dropped", dropReason))
		}
	}
}

// join admits the account and stages the join for the next tick. The joined
// confirmation is sent by the hub once the world accepts the player.
func (h *Handler) join(ctx context.Context, s *session, msg proto.ClientMessage) {
	if _, joined, _ := s.state(); joined {
		h.hub.sendTo(s, proto.NewNotice(proto.TypeError, "already joined", codeAlreadyJoined))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.admitTimeout)
	defer cancel()
	admission, err := h.admitter.Admit(ctx, msg.Account)
	if err != nil {
		h.logger.Printf("admission refused for %s (%s): %v", s.id, msg.Account, err)
		h.hub.sendTo(s, proto.NewNotice(proto.TypeError, "Failed to join game", admissionCode(err)))
		return
	}

	name := strings.TrimSpace(msg.Name)
	if name == "" {
		name = admission.Session.PlayerName
	}
	resumed := admission.Resume != nil
	if !s.markJoined(admission.Session.Account, resumed) {
		h.hub.sendTo(s, proto.NewNotice(proto.TypeError, "already joined", codeAlreadyJoined))
		return
	}
	h.loop.Enqueue(sim.Command{
		ActorID: s.id,
		Type:    sim.CommandJoin,
		Join: &sim.JoinCommand{
			Name:    name,
			Account: admission.Session.Account,
			GameID:  admission.Session.GameID,
			Stake:   admission.Stake,
			Resume:  admission.Resume,
		},
	})
}

func (h *Handler) leave(s *session, reason string) {
	if _, joined, _ := s.state(); joined {
		s.release()
		h.loop.Enqueue(sim.Command{
			ActorID:    s.id,
			Type:       sim.CommandDisconnect,
			Disconnect: &sim.DisconnectCommand{Reason: reason},
		})
	}
	h.hub.detach(s, reason)
}

func (h *Handler) reject(s *session, messageType, reason string) {
	loggingnetwork.MessageRejected(context.Background(), h.publisher, logging.PlayerRef(s.id), loggingnetwork.MessageRejectedPayload{
		MessageType: messageType,
		Reason:      reason,
	})
	h.hub.sendTo(s, proto.NewNotice(proto.TypeError, reason, codeInvalidInput))
}

func admissionCode(err error) string {
	switch {
	case errors.Is(err, settlement.ErrSettlementPending):
		return codePendingSettle
	case errors.Is(err, settlement.ErrNotAdmitted):
		return codeNotAdmitted
	case errors.Is(err, settlement.ErrSessionExpired):
		return codeSessionExpired
	case errors.Is(err, world.ErrInvalidInput):
		return codeInvalidInput
	default:
		return codeUnavailable
	}
}
