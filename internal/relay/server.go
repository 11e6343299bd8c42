package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yuim/services/im-relay/internal/auth"
	"yuim/services/im-relay/internal/call"
	"yuim/services/im-relay/internal/config"
	"yuim/services/im-relay/internal/presence"
	"yuim/services/im-relay/internal/protocol"
)

// LastSeenStore records when a uid was last connected.
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, uid int64) error
}

// Server is the connection lifecycle manager: it authenticates the upgrade,
// owns each connection's read/write loops, and dispatches inbound packets to
// the pipeline and the call coordinator.
type Server struct {
	cfg    *config.Config
	log    *zap.Logger
	reg    *presence.Registry
	calls  *call.Coordinator
	pipe   *Pipeline
	routes *presence.RouteStore
	users  LastSeenStore
	rdb    *redis.Client

	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, log *zap.Logger, reg *presence.Registry, calls *call.Coordinator, pipe *Pipeline, routes *presence.RouteStore, users LastSeenStore, rdb *redis.Client) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		log:    log,
		reg:    reg,
		calls:  calls,
		pipe:   pipe,
		routes: routes,
		users:  users,
		rdb:    rdb,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS authenticates and upgrades, registers presence, then runs the read
// loop until the connection drops.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	tok := s.cfg.Auth.Token
	raw := auth.ExtractToken(r, tok.Header, tok.BearerPrefix, tok.QueryKey)
	uid, err := auth.VerifyToken(raw, tok.Secret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if tok.SessionCheck {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		ok, err := auth.ValidateSession(ctx, s.rdb, tok.RedisPrefix, raw)
		cancel()
		if err != nil || !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &presence.Conn{
		ID:            uuid.NewString(),
		UID:           uid,
		WS:            ws,
		Out:           make(chan []byte, s.cfg.WS.OutQueueSize),
		EstablishedAt: time.Now(),
	}
	s.reg.Register(c)
	s.setRoute(uid)
	s.log.Info("connected", zap.Int64("uid", uid), zap.String("conn_id", c.ID))

	go s.writeLoop(c)
	s.readLoop(c)
	s.onDisconnect(c)
}

func (s *Server) writeLoop(c *presence.Conn) {
	ping := time.NewTicker(s.cfg.WS.PingPeriod)
	defer func() {
		ping.Stop()
		_ = c.WS.Close()
	}()
	for {
		select {
		case b, ok := <-c.Out:
			if !ok {
				return
			}
			_ = c.WS.SetWriteDeadline(time.Now().Add(s.cfg.WS.WriteTimeout))
			if err := c.WS.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			_ = c.WS.SetWriteDeadline(time.Now().Add(s.cfg.WS.WriteTimeout))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(c *presence.Conn) {
	c.WS.SetReadLimit(s.cfg.WS.MaxMessageBytes)
	_ = c.WS.SetReadDeadline(time.Now().Add(s.cfg.WS.PongWait))
	c.WS.SetPongHandler(func(string) error {
		return c.WS.SetReadDeadline(time.Now().Add(s.cfg.WS.PongWait))
	})
	for {
		_, raw, err := c.WS.ReadMessage()
		if err != nil {
			return
		}
		pkt, err := protocol.Decode(raw)
		if err != nil {
			s.log.Debug("bad packet dropped", zap.Int64("uid", c.UID))
			continue
		}
		s.dispatch(c, pkt)
	}
}

// dispatch routes one inbound packet. Invalid or stale events are dropped
// here; nothing a client sends can take the loop down.
func (s *Server) dispatch(c *presence.Conn, pkt protocol.Packet) {
	switch pkt.Event {
	case protocol.EventSendMessage:
		var in protocol.SendMessage
		if json.Unmarshal(pkt.Data, &in) != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := s.pipe.Send(ctx, c.UID, in)
		cancel()
		if err != nil {
			s.log.Warn("send-message failed", zap.Int64("uid", c.UID), zap.Error(err))
		}

	case protocol.EventMarkRead:
		var in protocol.MarkRead
		if json.Unmarshal(pkt.Data, &in) != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := s.pipe.MarkRead(ctx, c.UID, in.Peer)
		cancel()
		if err != nil {
			s.log.Warn("mark-read failed", zap.Int64("uid", c.UID), zap.Error(err))
		}

	case protocol.EventTyping, protocol.EventStopTyping:
		var in protocol.Typing
		if json.Unmarshal(pkt.Data, &in) != nil || in.To <= 0 {
			return
		}
		s.reg.RelayTo(in.To, protocol.Encode(pkt.Event, protocol.Typing{From: c.UID}))

	case protocol.EventCallInvite:
		var in protocol.CallInvite
		if json.Unmarshal(pkt.Data, &in) != nil {
			return
		}
		s.calls.Invite(c.UID, in.To, in.Offer, in.Kind)

	case protocol.EventCallAnswer:
		var in protocol.CallAnswer
		if json.Unmarshal(pkt.Data, &in) != nil {
			return
		}
		s.calls.Answer(c.UID, in.CallID, in.Answer)

	case protocol.EventCallReject:
		var in protocol.CallReject
		if json.Unmarshal(pkt.Data, &in) != nil {
			return
		}
		s.calls.Reject(c.UID, in.CallID, in.Reason)

	case protocol.EventCallEnd:
		var in protocol.CallEnd
		if json.Unmarshal(pkt.Data, &in) != nil {
			return
		}
		s.calls.End(c.UID, in.CallID, in.To)

	case protocol.EventICECandidate:
		var in protocol.ICECandidate
		if json.Unmarshal(pkt.Data, &in) != nil {
			return
		}
		s.calls.Candidate(c.UID, in.CallID, in.Candidate)

	default:
		s.log.Debug("unknown event dropped", zap.String("event", pkt.Event), zap.Int64("uid", c.UID))
	}
}

// onDisconnect runs call cleanup before unregistering presence, in that
// order. A connection that was superseded owns nothing anymore and must not
// touch the new session's state.
func (s *Server) onDisconnect(c *presence.Conn) {
	cur, ok := s.reg.Resolve(c.UID)
	if !ok || cur.ID != c.ID {
		c.Close()
		return
	}
	s.calls.DisconnectCleanup(c.UID)
	s.reg.Unregister(c.ID)
	c.Close()
	s.delRoute(c.UID)
	s.touchLastSeen(c.UID)
	s.log.Info("disconnected", zap.Int64("uid", c.UID), zap.String("conn_id", c.ID))
}

func (s *Server) setRoute(uid int64) {
	if s.routes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.routes.Set(ctx, uid); err != nil {
		s.log.Warn("route set failed", zap.Int64("uid", uid), zap.Error(err))
	}
}

func (s *Server) delRoute(uid int64) {
	if s.routes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.routes.Del(ctx, uid); err != nil {
		s.log.Warn("route del failed", zap.Int64("uid", uid), zap.Error(err))
	}
}

func (s *Server) touchLastSeen(uid int64) {
	if s.users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.users.TouchLastSeen(ctx, uid); err != nil {
		s.log.Warn("last seen update failed", zap.Int64("uid", uid), zap.Error(err))
	}
}
