package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"yuim/services/im-relay/internal/event"
)

// Producer publishes relay events to MQ. It does not consume.
type Producer interface {
	Publish(ctx context.Context, evt *event.RelayEvent) error
	Close() error
}

type Settings struct {
	NameServer string
	Topic      string
	Tag        string
	Group      string
}

type RocketMQProducer struct {
	cfg Settings
	p   rmq.Producer
}

func NewRocketMQ(cfg Settings) (*RocketMQProducer, error) {
	if cfg.NameServer == "" {
		return nil, fmt.Errorf("rocketmq: missing name-server")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("rocketmq: missing producer group")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("rocketmq: missing topic")
	}
	prd, err := rmq.NewProducer(
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.Group),
		producer.WithRetry(2),
	)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &RocketMQProducer{cfg: cfg, p: prd}, nil
}

func (r *RocketMQProducer) Publish(ctx context.Context, evt *event.RelayEvent) error {
	if evt == nil {
		return fmt.Errorf("nil event")
	}
	if evt.TS == 0 {
		evt.TS = time.Now().Unix()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	m := primitive.NewMessage(r.cfg.Topic, b)
	if r.cfg.Tag != "" {
		m.WithTag(r.cfg.Tag)
	}
	_, err = r.p.SendSync(ctx, m)
	return err
}

func (r *RocketMQProducer) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}
