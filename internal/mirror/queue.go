package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"BeliefLedger/internal/chain"
	"BeliefLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// The post-trade resync path is decoupled from the request/response path
// by a JetStream queue: SyncAfterTrade publishes a job and returns, a
// durable consumer drains and performs the actual sync with its own
// retry budget (redelivery).

const (
	resyncStreamName   = "BELIEF_RESYNC"
	resyncSubjectRoot  = "belief.resync.pool"
	resyncConsumerName = "mirror-resync"
)

// ResyncJob is the queued request to re-mirror one pool.
type ResyncJob struct {
	JobID       string    `json:"job_id"`
	PoolAddress string    `json:"pool_address"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// ResyncQueue publishes resync jobs.
type ResyncQueue struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewResyncQueue(js jetstream.JetStream, log zerolog.Logger, metrics *observability.Metrics) *ResyncQueue {
	return &ResyncQueue{js: js, log: log, metrics: metrics}
}

// Publish enqueues a resync job for the pool.
func (q *ResyncQueue) Publish(ctx context.Context, addr chain.Address) error {
	job := ResyncJob{
		JobID:       uuid.NewString(),
		PoolAddress: addr.String(),
		EnqueuedAt:  time.Now().UTC(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal resync job: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", resyncSubjectRoot, job.PoolAddress)
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish resync job: %w", err)
	}

	if q.metrics != nil {
		q.metrics.ResyncPublished.Inc()
	}
	return nil
}

// EnsureResyncStream creates the resync stream if it doesn't exist.
// Jobs are idempotent (a resync just re-reads chain state), so a short
// retention window is enough.
func EnsureResyncStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      resyncStreamName,
		Subjects:  []string{resyncSubjectRoot + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create resync stream: %w", err)
	}
	return nil
}

// ResyncWorker drains the resync queue and syncs each pool. Failures
// are logged and NAKed for redelivery; they never propagate to the
// trade path that enqueued the job.
type ResyncWorker struct {
	js       jetstream.JetStream
	mirror   *Mirror
	log      zerolog.Logger
	metrics  *observability.Metrics
	consumer jetstream.ConsumeContext
}

func NewResyncWorker(js jetstream.JetStream, m *Mirror, log zerolog.Logger, metrics *observability.Metrics) *ResyncWorker {
	return &ResyncWorker{js: js, mirror: m, log: log, metrics: metrics}
}

// Start creates the durable consumer and begins processing. Explicit
// ACK, bounded redelivery; a job that keeps failing ages out of the
// stream rather than wedging the consumer.
func (w *ResyncWorker) Start(ctx context.Context) error {
	consumer, err := w.js.CreateOrUpdateConsumer(ctx, resyncStreamName, jetstream.ConsumerConfig{
		Durable:       resyncConsumerName,
		FilterSubject: resyncSubjectRoot + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create resync consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		w.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume resync: %w", err)
	}

	w.consumer = cc
	go w.reportLag(ctx, consumer)
	w.log.Info().Str("stream", resyncStreamName).Msg("resync worker started")
	return nil
}

// reportLag periodically exports the number of jobs awaiting delivery.
func (w *ResyncWorker) reportLag(ctx context.Context, consumer jetstream.Consumer) {
	if w.metrics == nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := consumer.Info(ctx)
			if err != nil {
				continue
			}
			w.metrics.ResyncQueueLag.Set(float64(info.NumPending))
		}
	}
}

func (w *ResyncWorker) handle(ctx context.Context, msg jetstream.Msg) {
	var job ResyncJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		// Unparseable job can never succeed; drop it.
		w.log.Error().Err(err).Msg("resync job unmarshal failed, dropping")
		w.countProcessed("error")
		msg.Term()
		return
	}

	addr, err := chain.ParseAddress(job.PoolAddress)
	if err != nil {
		w.log.Error().Err(err).Str("job_id", job.JobID).Msg("resync job has bad pool address, dropping")
		w.countProcessed("error")
		msg.Term()
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := w.mirror.SyncPool(syncCtx, addr); err != nil {
		w.log.Warn().Err(err).
			Str("job_id", job.JobID).
			Str("pool", job.PoolAddress).
			Msg("resync failed, will redeliver")
		w.countProcessed("error")
		msg.Nak()
		return
	}

	w.countProcessed("ok")
	msg.Ack()
}

// Stop gracefully stops the consumer.
func (w *ResyncWorker) Stop() {
	if w.consumer != nil {
		w.consumer.Stop()
	}
	w.log.Info().Msg("resync worker stopped")
}

func (w *ResyncWorker) countProcessed(result string) {
	if w.metrics != nil {
		w.metrics.ResyncProcessed.WithLabelValues(result).Inc()
	}
}

// ConnectNATS establishes a NATS connection and returns a JetStream
// context, with unlimited reconnects.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
