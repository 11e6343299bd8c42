package call

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuim/services/im-relay/internal/metrics"
	"yuim/services/im-relay/internal/protocol"
)

type State string

const (
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateRejected  State = "rejected"
	StateFailed    State = "failed"
)

const (
	ReasonRejected = "rejected"
	ReasonBusy     = "busy"
	ReasonOffline  = "offline"
	ReasonHangup   = "hangup"
	ReasonPeerGone = "peer-disconnected"
)

// Session is the ephemeral relay-side record of one call negotiation. It lives
// only in the coordinator's maps, never in the store.
type Session struct {
	ID        string
	Caller    int64
	Callee    int64
	Kind      string // audio|video
	State     State
	CreatedAt time.Time
}

func (s *Session) peer(uid int64) (int64, bool) {
	switch uid {
	case s.Caller:
		return s.Callee, true
	case s.Callee:
		return s.Caller, true
	}
	return 0, false
}

// Relayer is the slice of the presence registry the coordinator needs.
type Relayer interface {
	Online(uid int64) bool
	RelayTo(uid int64, packet []byte) bool
}

// Coordinator tracks at most one live Session per participant and relays
// offer/answer/ICE between the two sides.
type Coordinator struct {
	relay Relayer
	log   *zap.Logger

	mu     sync.Mutex
	byUser map[int64]*Session
	byID   map[string]*Session
}

func NewCoordinator(relay Relayer, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		relay:  relay,
		log:    log,
		byUser: make(map[int64]*Session),
		byID:   make(map[string]*Session),
	}
}

// Invite starts a call from caller to callee. Busy or offline callees produce
// an immediate call-rejected back to the caller and no session. The returned
// id is empty when no session was created.
func (c *Coordinator) Invite(caller, callee int64, offer json.RawMessage, kind string) string {
	if callee <= 0 || callee == caller || len(offer) == 0 {
		return ""
	}
	if kind != "video" {
		kind = "audio"
	}

	c.mu.Lock()
	if c.byUser[caller] != nil || c.byUser[callee] != nil {
		c.mu.Unlock()
		metrics.CallsRejected.WithLabelValues(ReasonBusy).Inc()
		c.relay.RelayTo(caller, protocol.Encode(protocol.EventCallRejected, protocol.CallRejected{Reason: ReasonBusy}))
		return ""
	}
	if !c.relay.Online(callee) {
		c.mu.Unlock()
		metrics.CallsRejected.WithLabelValues(ReasonOffline).Inc()
		c.relay.RelayTo(caller, protocol.Encode(protocol.EventCallRejected, protocol.CallRejected{Reason: ReasonOffline}))
		return ""
	}
	s := &Session{
		ID:        uuid.NewString(),
		Caller:    caller,
		Callee:    callee,
		Kind:      kind,
		State:     StateRinging,
		CreatedAt: time.Now(),
	}
	c.byUser[caller] = s
	c.byUser[callee] = s
	c.byID[s.ID] = s
	c.mu.Unlock()

	delivered := c.relay.RelayTo(callee, protocol.Encode(protocol.EventCallIncoming, protocol.CallIncoming{
		CallID: s.ID,
		From:   caller,
		Offer:  offer,
		Kind:   kind,
	}))
	if !delivered {
		// Callee vanished between the presence check and the relay.
		c.remove(s, StateFailed)
		metrics.CallsRejected.WithLabelValues(ReasonOffline).Inc()
		c.relay.RelayTo(caller, protocol.Encode(protocol.EventCallRejected, protocol.CallRejected{CallID: s.ID, Reason: ReasonOffline}))
		return ""
	}

	metrics.CallsStarted.Inc()
	c.log.Debug("call ringing", zap.String("call_id", s.ID), zap.Int64("caller", caller), zap.Int64("callee", callee))
	return s.ID
}

// Answer transitions a ringing session to connected and relays the answer to
// the caller. A stale answer (no matching ringing session owned by callee) is
// dropped.
func (c *Coordinator) Answer(callee int64, callID string, answer json.RawMessage) {
	if callID == "" || len(answer) == 0 {
		return
	}
	c.mu.Lock()
	s, ok := c.byID[callID]
	if !ok || s.Callee != callee || s.State != StateRinging {
		c.mu.Unlock()
		return
	}
	s.State = StateConnected
	c.mu.Unlock()

	metrics.CallsAnswered.Inc()
	c.relay.RelayTo(s.Caller, protocol.Encode(protocol.EventCallAnswered, protocol.CallAnswered{
		CallID: callID,
		Answer: answer,
	}))
}

// Candidate relays an ICE candidate verbatim to the other participant. ICE
// flows through both ringing and connected; a candidate for an unknown session
// arrived after teardown and is dropped, which is normal under jitter.
func (c *Coordinator) Candidate(from int64, callID string, candidate json.RawMessage) {
	if callID == "" || len(candidate) == 0 {
		return
	}
	c.mu.Lock()
	s, ok := c.byID[callID]
	if !ok {
		c.mu.Unlock()
		return
	}
	peer, member := s.peer(from)
	c.mu.Unlock()
	if !member {
		return
	}
	c.relay.RelayTo(peer, protocol.Encode(protocol.EventICECandidate, protocol.ICECandidate{
		CallID:    callID,
		Candidate: candidate,
		From:      from,
	}))
}

// Reject declines a ringing call. Only the callee may reject; anything else is
// a stale event.
func (c *Coordinator) Reject(callee int64, callID, reason string) {
	if reason != ReasonBusy {
		reason = ReasonRejected
	}
	c.mu.Lock()
	s, ok := c.byID[callID]
	if !ok || s.Callee != callee || s.State != StateRinging {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.remove(s, StateRejected)

	metrics.CallsRejected.WithLabelValues(reason).Inc()
	c.relay.RelayTo(s.Caller, protocol.Encode(protocol.EventCallRejected, protocol.CallRejected{
		CallID: callID,
		Reason: reason,
	}))
}

// End hangs up by's active session. With a callID the session must match it.
// When by has no matching session the event falls back to a direct relay to
// explicitTo, which covers ending a call that never produced a session on this
// side; that path mutates nothing.
func (c *Coordinator) End(by int64, callID string, explicitTo int64) {
	c.mu.Lock()
	s := c.byUser[by]
	if s != nil && (callID == "" || s.ID == callID) {
		prior := s.State
		peer, _ := s.peer(by)
		c.mu.Unlock()
		c.remove(s, StateEnded)

		metrics.CallsEnded.WithLabelValues(ReasonHangup).Inc()
		c.relay.RelayTo(peer, protocol.Encode(protocol.EventCallEnded, protocol.CallEnded{
			CallID: s.ID,
			From:   by,
			Reason: ReasonHangup,
			State:  string(prior),
		}))
		return
	}
	c.mu.Unlock()

	if explicitTo <= 0 {
		return
	}
	c.relay.RelayTo(explicitTo, protocol.Encode(protocol.EventCallEnded, protocol.CallEnded{
		CallID: callID,
		From:   by,
		Reason: ReasonHangup,
	}))
}

// DisconnectCleanup tears down uid's session when its connection drops. A
// session must never survive the disconnection of a participant; the
// remaining side gets exactly one call-ended with reason peer-disconnected.
func (c *Coordinator) DisconnectCleanup(uid int64) {
	c.mu.Lock()
	s := c.byUser[uid]
	if s == nil {
		c.mu.Unlock()
		return
	}
	prior := s.State
	peer, _ := s.peer(uid)
	c.mu.Unlock()
	c.remove(s, StateEnded)

	metrics.CallsEnded.WithLabelValues(ReasonPeerGone).Inc()
	c.relay.RelayTo(peer, protocol.Encode(protocol.EventCallEnded, protocol.CallEnded{
		CallID: s.ID,
		From:   uid,
		Reason: ReasonPeerGone,
		State:  string(prior),
	}))
}

// ActiveSession reports uid's live session, if any.
func (c *Coordinator) ActiveSession(uid int64) (*Session, bool) {
	c.mu.Lock()
	s := c.byUser[uid]
	c.mu.Unlock()
	if s == nil {
		return nil, false
	}
	return s, true
}

// remove deletes the session from all indexes, idempotently, and stamps its
// terminal state.
func (c *Coordinator) remove(s *Session, terminal State) {
	c.mu.Lock()
	if cur, ok := c.byID[s.ID]; ok && cur == s {
		delete(c.byID, s.ID)
		if c.byUser[s.Caller] == s {
			delete(c.byUser, s.Caller)
		}
		if c.byUser[s.Callee] == s {
			delete(c.byUser, s.Callee)
		}
		s.State = terminal
	}
	c.mu.Unlock()
}
