// Package queue carries sync jobs between API and worker processes over NATS
// JetStream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/orionX123/billing/internal/sync"
)

const (
	StreamName   = "CONNECTOR_SYNC"
	JobSubject   = "connector.sync.jobs"
	ConsumerName = "connector-sync-workers"

	defaultAckWait     = 2 * time.Minute
	defaultMaxDeliver  = 5
	progressInterval   = 30 * time.Second
	redeliveryDelay    = 15 * time.Second
	streamMaxAge       = 24 * time.Hour
	duplicateWindow    = 10 * time.Minute
	defaultConsumeSize = 1
)

type JobQueue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect dials NATS and ensures the work-queue stream exists.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*JobQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &JobQueue{logger: logger.With("component", "queue")}

	conn, err := nats.Connect(
		url,
		nats.Name("billing-connector-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(q.reconnectHandler),
		nats.DisconnectErrHandler(q.disconnectHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	q.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	q.js = js

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{JobSubject},
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     streamMaxAge,
		Duplicates: duplicateWindow,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return q, nil
}

// Conn exposes the underlying connection for other publishers such as the
// alert notifier.
func (q *JobQueue) Conn() *nats.Conn { return q.conn }

func (q *JobQueue) Close() {
	if q.conn != nil {
		q.conn.Drain()
	}
}

func (q *JobQueue) reconnectHandler(nc *nats.Conn) {
	q.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
}

func (q *JobQueue) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		q.logger.Error("nats disconnected", "err", err)
	}
}

// Dispatch publishes job. The sync log id doubles as the JetStream message
// id, so a retried publish inside the duplicate window is dropped.
func (q *JobQueue) Dispatch(ctx context.Context, job sync.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode sync job: %w", err)
	}
	if _, err := q.js.Publish(ctx, JobSubject, data, jetstream.WithMsgID(job.SyncLogID.String())); err != nil {
		return fmt.Errorf("publish sync job: %w", err)
	}
	return nil
}

// Consume runs workers pull subscriptions on the shared durable consumer
// and blocks until ctx is done.
func (q *JobQueue) Consume(ctx context.Context, workers int, exec sync.Executor, maxRun time.Duration) error {
	if exec == nil {
		return errors.New("sync executor is nil")
	}
	if workers <= 0 {
		workers = defaultConsumeSize
	}
	ackWait := defaultAckWait
	if maxRun > 0 && maxRun/4 > ackWait {
		ackWait = maxRun / 4
	}

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: JobSubject,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    defaultMaxDeliver,
		MaxAckPending: workers * 2,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", ConsumerName, err)
	}

	consumers := make([]jetstream.ConsumeContext, 0, workers)
	defer func() {
		for _, cc := range consumers {
			cc.Stop()
		}
	}()
	for range workers {
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			q.handle(ctx, exec, msg)
		}, jetstream.PullMaxMessages(1))
		if err != nil {
			return fmt.Errorf("consume %s: %w", JobSubject, err)
		}
		consumers = append(consumers, cc)
	}
	q.logger.Info("consuming sync jobs", "workers", workers, "ack_wait", ackWait)

	<-ctx.Done()
	return nil
}

// jobMsg is the subset of jetstream.Msg the handler needs.
type jobMsg interface {
	Data() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	InProgress() error
	Term() error
}

func (q *JobQueue) handle(ctx context.Context, exec sync.Executor, msg jobMsg) {
	var job sync.Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil || job.SyncLogID == uuid.Nil {
		q.logger.Error("dropping malformed sync job", "payload", string(msg.Data()), "err", err)
		if err := msg.Term(); err != nil {
			q.logger.Warn("failed to terminate message", "err", err)
		}
		return
	}
	logger := q.logger.With("sync_log_id", job.SyncLogID, "connector_id", job.ConnectorID)

	if err := msg.InProgress(); err != nil {
		logger.Warn("failed to send the initial in progress message", "err", err)
	}
	stop := make(chan struct{})
	ticker := time.NewTicker(progressInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					logger.Warn("failed to send an in progress message", "err", err)
				}
			}
		}
	}()

	err := exec.Execute(ctx, job)
	close(stop)

	if err != nil && ctx.Err() == nil {
		logger.Error("sync job failed; requesting redelivery", "err", err)
		if err := msg.NakWithDelay(redeliveryDelay); err != nil {
			logger.Warn("failed to nak message", "err", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		logger.Warn("failed to ack message", "err", err)
	}
}

var _ sync.Dispatcher = (*JobQueue)(nil)
