package outbox

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"yuim/services/im-relay/internal/event"
	"yuim/services/im-relay/internal/metrics"
	"yuim/services/im-relay/internal/mq"
)

// Store is the slice of the outbox repo the worker needs.
type Store interface {
	FetchDue(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string, backoff time.Duration) error
}

// Worker drains due outbox rows and publishes them to MQ with exponential
// retry. Rows survive process restarts; the table is the source of truth.
type Worker struct {
	store Store
	prod  mq.Producer
	log   *zap.Logger

	tick  time.Duration
	batch int
	stop  chan struct{}
}

type Options struct {
	Tick  time.Duration
	Batch int
}

func NewWorker(store Store, prod mq.Producer, log *zap.Logger, opt Options) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = 1 * time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		store: store,
		prod:  prod,
		log:   log,
		tick:  opt.Tick,
		batch: opt.Batch,
		stop:  make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		t := time.NewTicker(w.tick)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				w.RunOnce()
			}
		}
	}()
}

func (w *Worker) Stop() { close(w.stop) }

// RunOnce processes one due batch. Exported so tests can drive the worker
// without the ticker.
func (w *Worker) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	recs, err := w.store.FetchDue(ctx, w.batch)
	cancel()
	if err != nil || len(recs) == 0 {
		return
	}

	for _, r := range recs {
		var evt event.RelayEvent
		if err := json.Unmarshal([]byte(r.PayloadJSON), &evt); err != nil {
			_ = w.store.MarkFailed(context.Background(), r.ID, r.RetryCount+1, "decode:"+err.Error(), 10*time.Second)
			metrics.OutboxFailed.Inc()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := w.prod.Publish(ctx, &evt)
		cancel()
		if err == nil {
			_ = w.store.MarkSent(context.Background(), r.ID)
			metrics.OutboxPublished.Inc()
			continue
		}

		rc := r.RetryCount + 1
		backoff := calcBackoff(rc)
		_ = w.store.MarkFailed(context.Background(), r.ID, rc, err.Error(), backoff)
		metrics.OutboxFailed.Inc()
		if rc == 1 || rc%10 == 0 {
			w.log.Warn("outbox publish retry", zap.Int64("id", r.ID), zap.Int("retry", rc), zap.Duration("backoff", backoff), zap.Error(err))
		}
	}
}

// calcBackoff grows exponentially and caps at one minute.
func calcBackoff(retry int) time.Duration {
	if retry <= 0 {
		return 1 * time.Second
	}
	if retry > 8 {
		retry = 8
	}
	d := time.Duration(1<<retry) * time.Second // 2s..256s before cap
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
