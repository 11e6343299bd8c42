package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"yuim/services/im-relay/internal/event"
	"yuim/services/im-relay/internal/metrics"
	"yuim/services/im-relay/internal/presence"
	"yuim/services/im-relay/internal/protocol"
	"yuim/services/im-relay/internal/repo"
)

var (
	ErrInvalidArgument = errors.New("relay: invalid argument")
	ErrPersistence     = errors.New("relay: persistence failed")
)

const (
	maxBodyBytes  = 8 * 1024
	readBatchSize = 500
	opTimeout     = 3 * time.Second
)

// MessageStore is the durable store surface the pipeline needs. The MySQL repo
// implements it; tests use an in-memory fake.
type MessageStore interface {
	Insert(ctx context.Context, m *repo.Message) error
	InsertWithOutbox(ctx context.Context, m *repo.Message, event, payloadJSON string) error
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	UnreadFrom(ctx context.Context, receiver, sender int64, limit int) ([]int64, error)
	MarkRead(ctx context.Context, ids []int64, at time.Time) error
}

// Pipeline is the message delivery pipeline: validate, persist, resolve,
// relay, acknowledge the sender. Persistence always precedes relay so nothing
// is forwarded without a durable record.
type Pipeline struct {
	store  MessageStore
	reg    *presence.Registry
	nextID func() (uint64, error)
	log    *zap.Logger

	// outbox controls whether messages to offline receivers also enqueue an
	// offline-notify event for the push worker.
	outbox bool
	now    func() time.Time
}

func NewPipeline(store MessageStore, reg *presence.Registry, nextID func() (uint64, error), log *zap.Logger, outbox bool) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:  store,
		reg:    reg,
		nextID: nextID,
		log:    log,
		outbox: outbox,
		now:    time.Now,
	}
}

// Send persists and relays one text message from sender. Exactly one Message
// is created per call; client_id is echoed back for the sender's optimistic UI
// and never used for server-side dedup. A persistence failure aborts before
// any relay and the sender gets no status event.
func (p *Pipeline) Send(ctx context.Context, sender int64, in protocol.SendMessage) error {
	body := strings.TrimSpace(in.Message)
	if in.To <= 0 || in.To == sender || body == "" || len(body) > maxBodyBytes {
		return ErrInvalidArgument
	}

	id, err := p.nextID()
	if err != nil {
		return fmt.Errorf("%w: id gen: %v", ErrPersistence, err)
	}
	m := &repo.Message{
		ID:        int64(id),
		Sender:    sender,
		Receiver:  in.To,
		Kind:      "text",
		Body:      body,
		CreatedAt: p.now(),
	}
	if in.ClientID != "" {
		m.ClientMsgID = sql.NullString{String: in.ClientID, Valid: true}
	}

	// Receiver reachability decides the persistence shape only; the message
	// row itself is identical either way.
	if p.outbox && !p.reg.Online(in.To) {
		payload, _ := json.Marshal(&event.RelayEvent{
			Event:   event.OfflineMessage,
			TS:      m.CreatedAt.Unix(),
			FromUID: sender,
			ToUID:   in.To,
			Msg: event.Message{
				MsgID:       m.ID,
				ClientMsgID: in.ClientID,
				Kind:        m.Kind,
				Body:        body,
			},
		})
		err = p.store.InsertWithOutbox(ctx, m, event.OfflineMessage, string(payload))
	} else {
		err = p.store.Insert(ctx, m)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.MessagesSent.Inc()

	delivered := p.reg.RelayTo(in.To, protocol.Encode(protocol.EventMessageReceived, protocol.MessageReceived{
		ID:        m.ID,
		From:      sender,
		To:        in.To,
		Message:   body,
		Kind:      m.Kind,
		CreatedAt: m.CreatedAt,
	}))

	var deliveredAt *time.Time
	if delivered {
		t := p.now()
		deliveredAt = &t
		metrics.MessagesDelivered.Inc()
		if err := p.store.MarkDelivered(ctx, m.ID, t); err != nil {
			p.log.Warn("mark delivered failed", zap.Int64("msg_id", m.ID), zap.Error(err))
		}
	}

	status := "sent"
	if delivered {
		status = "delivered"
	}
	p.reg.RelayTo(sender, protocol.Encode(protocol.EventMessageStatus, protocol.MessageStatus{
		ClientID:    in.ClientID,
		MessageID:   m.ID,
		Status:      status,
		DeliveredAt: deliveredAt,
	}))
	return nil
}

// MarkRead transitions every unread message peer->reader to read and tells the
// peer which ids flipped. Idempotent: a second call finds nothing unread and
// emits nothing. An offline peer just misses the notification; the persisted
// read state is the durable fact and history fetch reconciles it.
func (p *Pipeline) MarkRead(ctx context.Context, reader int64, peer int64) error {
	if peer <= 0 || peer == reader {
		return ErrInvalidArgument
	}
	ids, err := p.store.UnreadFrom(ctx, reader, peer, readBatchSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if len(ids) == 0 {
		return nil
	}
	readAt := p.now()
	if err := p.store.MarkRead(ctx, ids, readAt); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.MessagesRead.Add(float64(len(ids)))

	p.reg.RelayTo(peer, protocol.Encode(protocol.EventMessagesRead, protocol.MessagesRead{
		From:       reader,
		MessageIDs: ids,
		ReadAt:     readAt,
	}))
	return nil
}
