package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"yuim/services/im-relay/internal/event"
	"yuim/services/im-relay/internal/presence"
	"yuim/services/im-relay/internal/protocol"
	"yuim/services/im-relay/internal/repo"
)

type fakeStore struct {
	mu       sync.Mutex
	messages map[int64]*repo.Message
	outbox   map[int64]string // msg id -> payload json
	failNext error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[int64]*repo.Message),
		outbox:   make(map[int64]string),
	}
}

func (f *fakeStore) Insert(ctx context.Context, m *repo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	cp := *m
	f.messages[m.ID] = &cp
	return nil
}

func (f *fakeStore) InsertWithOutbox(ctx context.Context, m *repo.Message, ev, payloadJSON string) error {
	if err := f.Insert(ctx, m); err != nil {
		return err
	}
	f.mu.Lock()
	f.outbox[m.ID] = payloadJSON
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[id]; ok && !m.DeliveredAt.Valid {
		m.DeliveredAt.Time, m.DeliveredAt.Valid = at, true
	}
	return nil
}

func (f *fakeStore) UnreadFrom(ctx context.Context, receiver, sender int64, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id, m := range f.messages {
		if m.Sender == sender && m.Receiver == receiver && !m.ReadAt.Valid {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkRead(ctx context.Context, ids []int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if m, ok := f.messages[id]; ok && !m.ReadAt.Valid {
			m.ReadAt.Time, m.ReadAt.Valid = at, true
			if !m.DeliveredAt.Valid {
				m.DeliveredAt.Time, m.DeliveredAt.Valid = at, true
			}
		}
	}
	return nil
}

func (f *fakeStore) get(id int64) repo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.messages[id]
}

func counterIDs() func() (uint64, error) {
	var n uint64
	return func() (uint64, error) {
		n++
		return n, nil
	}
}

func connect(reg *presence.Registry, uid int64, id string) *presence.Conn {
	c := &presence.Conn{ID: id, UID: uid, Out: make(chan []byte, 32)}
	reg.Register(c)
	return c
}

// takeEvent pulls queued packets off a conn until it finds the event, skipping
// presence broadcasts and anything else.
func takeEvent(t *testing.T, c *presence.Conn, ev string) (protocol.Packet, bool) {
	t.Helper()
	for {
		select {
		case b := <-c.Out:
			var p protocol.Packet
			if err := json.Unmarshal(b, &p); err != nil {
				t.Fatalf("undecodable packet: %v", err)
			}
			if p.Event == ev {
				return p, true
			}
		default:
			return protocol.Packet{}, false
		}
	}
}

func TestSendDeliversToOnlineReceiver(t *testing.T) {
	reg := presence.NewRegistry()
	st := newFakeStore()
	p := NewPipeline(st, reg, counterIDs(), nil, false)

	sender := connect(reg, 1, "a")
	receiver := connect(reg, 2, "b")

	if err := p.Send(context.Background(), 1, protocol.SendMessage{To: 2, Message: " hi ", ClientID: "c1"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	rcv, ok := takeEvent(t, receiver, protocol.EventMessageReceived)
	if !ok {
		t.Fatalf("receiver got no message-received")
	}
	var mr protocol.MessageReceived
	_ = json.Unmarshal(rcv.Data, &mr)
	if mr.From != 1 || mr.To != 2 || mr.Message != "hi" {
		t.Fatalf("bad message-received payload: %+v", mr)
	}

	ack, ok := takeEvent(t, sender, protocol.EventMessageStatus)
	if !ok {
		t.Fatalf("sender got no message-status")
	}
	var ms protocol.MessageStatus
	_ = json.Unmarshal(ack.Data, &ms)
	if ms.ClientID != "c1" || ms.MessageID != mr.ID || ms.Status != "delivered" || ms.DeliveredAt == nil {
		t.Fatalf("bad status ack: %+v", ms)
	}

	if stored := st.get(mr.ID); !stored.DeliveredAt.Valid {
		t.Fatalf("delivered_at not persisted")
	}
}

func TestSendToOfflineReceiverIsSentOnly(t *testing.T) {
	reg := presence.NewRegistry()
	st := newFakeStore()
	p := NewPipeline(st, reg, counterIDs(), nil, false)

	sender := connect(reg, 1, "a")

	if err := p.Send(context.Background(), 1, protocol.SendMessage{To: 2, Message: "hi"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	ack, ok := takeEvent(t, sender, protocol.EventMessageStatus)
	if !ok {
		t.Fatalf("sender got no ack")
	}
	var ms protocol.MessageStatus
	_ = json.Unmarshal(ack.Data, &ms)
	if ms.Status != "sent" || ms.DeliveredAt != nil {
		t.Fatalf("offline receiver must leave status sent: %+v", ms)
	}
	if stored := st.get(ms.MessageID); stored.DeliveredAt.Valid {
		t.Fatalf("delivered_at must stay null for an offline receiver")
	}
}

func TestSendOfflineEnqueuesOutboxEvent(t *testing.T) {
	reg := presence.NewRegistry()
	st := newFakeStore()
	p := NewPipeline(st, reg, counterIDs(), nil, true)
	connect(reg, 1, "a")

	if err := p.Send(context.Background(), 1, protocol.SendMessage{To: 2, Message: "hi", ClientID: "c9"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(st.outbox) != 1 {
		t.Fatalf("expected one outbox row, got %d", len(st.outbox))
	}
	for _, payload := range st.outbox {
		var evt event.RelayEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			t.Fatalf("outbox payload not a RelayEvent: %v", err)
		}
		if evt.Event != event.OfflineMessage || evt.ToUID != 2 || evt.Msg.ClientMsgID != "c9" {
			t.Fatalf("bad outbox event: %+v", evt)
		}
	}
}

func TestSendValidation(t *testing.T) {
	reg := presence.NewRegistry()
	st := newFakeStore()
	p := NewPipeline(st, reg, counterIDs(), nil, false)

	cases := []protocol.SendMessage{
		{To: 0, Message: "hi"},
		{To: 2, Message: "   "},
		{To: 1, Message: "self"},
	}
	for _, in := range cases {
		if err := p.Send(context.Background(), 1, in); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument for %+v, got %v", in, err)
		}
	}
	if len(st.messages) != 0 {
		t.Fatalf("invalid sends must not persist")
	}
}

func TestSendPersistenceFailureAbortsBeforeRelay(t *testing.T) {
	reg := presence.NewRegistry()
	st := newFakeStore()
	st.failNext = errors.New("store down")
	p := NewPipeline(st, reg, counterIDs(), nil, false)

	sender := connect(reg, 1, "a")
	receiver := connect(reg, 2, "b")

	err := p.Send(context.Background(), 1, protocol.SendMessage{To: 2, Message: "hi"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if _, ok := takeEvent(t, receiver, protocol.EventMessageReceived); ok {
		t.Fatalf("nothing may be relayed when persistence fails")
	}
	if _, ok := takeEvent(t, sender, protocol.EventMessageStatus); ok {
		t.Fatalf("sender must not be acknowledged when persistence fails")
	}
}

func TestMarkReadNotifiesSenderOnceAndIsIdempotent(t *testing.T) {
	reg := presence.NewRegistry()
	st := newFakeStore()
	p := NewPipeline(st, reg, counterIDs(), nil, false)

	sender := connect(reg, 1, "a")
	connect(reg, 2, "b")

	for i := 0; i < 3; i++ {
		if err := p.Send(context.Background(), 1, protocol.SendMessage{To: 2, Message: "hi"}); err != nil {
			t.Fatal(err)
		}
	}
	drainConn(sender)

	// Reader 2 marks everything from 1 read.
	if err := p.MarkRead(context.Background(), 2, 1); err != nil {
		t.Fatalf("mark-read failed: %v", err)
	}
	pkt, ok := takeEvent(t, sender, protocol.EventMessagesRead)
	if !ok {
		t.Fatalf("sender got no messages-read")
	}
	var mrd protocol.MessagesRead
	_ = json.Unmarshal(pkt.Data, &mrd)
	if mrd.From != 2 || len(mrd.MessageIDs) != 3 {
		t.Fatalf("bad messages-read payload: %+v", mrd)
	}
	for _, id := range mrd.MessageIDs {
		m := st.get(id)
		if !m.ReadAt.Valid || !m.DeliveredAt.Valid {
			t.Fatalf("read must imply delivered, got %+v", m)
		}
	}

	// Second call finds nothing unread and emits nothing.
	if err := p.MarkRead(context.Background(), 2, 1); err != nil {
		t.Fatalf("idempotent mark-read errored: %v", err)
	}
	if _, ok := takeEvent(t, sender, protocol.EventMessagesRead); ok {
		t.Fatalf("second mark-read must be silent")
	}
}

func TestMarkReadBackfillsDelivered(t *testing.T) {
	reg := presence.NewRegistry()
	st := newFakeStore()
	p := NewPipeline(st, reg, counterIDs(), nil, false)

	// Receiver offline at send time, so the message stays sent-only. The
	// pipeline needs no sender connection either; only the ack is dropped.
	if err := p.Send(context.Background(), 1, protocol.SendMessage{To: 2, Message: "hi"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	for id := range st.messages {
		if st.get(id).DeliveredAt.Valid {
			t.Fatalf("precondition: message should be undelivered")
		}
	}

	if err := p.MarkRead(context.Background(), 2, 1); err != nil {
		t.Fatalf("mark-read failed: %v", err)
	}
	for id := range st.messages {
		m := st.get(id)
		if !m.DeliveredAt.Valid || !m.ReadAt.Valid {
			t.Fatalf("delivered_at must be backfilled on read: %+v", m)
		}
	}
}

func drainConn(c *presence.Conn) {
	for {
		select {
		case <-c.Out:
		default:
			return
		}
	}
}
