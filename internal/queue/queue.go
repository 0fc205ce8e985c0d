// Package queue is a visibility-timeout work queue on SQLite.
//
// A claimed job stays invisible for the visibility timeout. The consumer acks
// it on success; if the consumer crashes or overruns, the job becomes visible
// again and another consumer picks it up. Delivery is therefore at-least-once
// and handlers must be idempotent.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/enrich/worker"
	"github.com/shpitdev/prospect-enrichment/internal/logging"
	"github.com/shpitdev/prospect-enrichment/internal/storage"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

type Options struct {
	// Queue is the logical queue name; several queues share one table.
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 15m.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts discards a job delivered more often than this. 0 means unlimited.
	MaxAttempts int
	// BatchSize is how many jobs Run claims per poll. Default: Workers.
	BatchSize int
	// Workers bounds concurrent handlers. Default: 4.
	Workers int
	// RunsPerSecond paces handler starts across workers. <=0 disables pacing.
	RunsPerSecond float64
	// RetryDelay is how long a nacked job waits before it is visible again.
	// Default: 5s. Negative means immediately.
	RetryDelay time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 15 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = o.Workers
	}
	switch {
	case o.RetryDelay == 0:
		o.RetryDelay = 5 * time.Second
	case o.RetryDelay < 0:
		o.RetryDelay = 0
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. The queue_jobs table comes from storage.Migrate.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	opts.Logger = opts.Logger.With("component", "queue", "queue", opts.Queue)
	return &Q{db: db, opts: opts}
}

// Publish inserts a job that is immediately visible.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	now := q.opts.Now().UnixMilli()
	_, err := storage.Exec(ctx, q.db,
		`INSERT INTO queue_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", id, err)
	}
	return nil
}

// Claim atomically picks the oldest visible job and hides it for the
// visibility timeout. Returns nil, nil if no job is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	jobs, err := q.BatchClaim(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// BatchClaim atomically claims up to n visible jobs. It returns an empty
// (non-nil) slice when no jobs are available.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := q.opts.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	var jobs []*Job
	err := storage.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		jobs = jobs[:0]
		rows, err := tx.QueryContext(ctx, `
			UPDATE queue_jobs
			SET visible_at = ?, attempts = attempts + 1
			WHERE id IN (
				SELECT id FROM queue_jobs
				WHERE queue = ? AND visible_at <= ?
				ORDER BY visible_at ASC, created_at ASC
				LIMIT ?
			)
			RETURNING id, queue, payload, visible_at, created_at, attempts`,
			hideUntil, q.opts.Queue, now.UnixMilli(), n,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var j Job
			var visAt, creAt int64
			if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
				return err
			}
			j.VisibleAt = time.UnixMilli(visAt)
			j.CreatedAt = time.UnixMilli(creAt)
			jobs = append(jobs, &j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	return jobs, nil
}

// Ack deletes a successfully processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := storage.Exec(ctx, q.db, `DELETE FROM queue_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a job visible again after RetryDelay.
func (q *Q) Nack(ctx context.Context, id string) error {
	visible := q.opts.Now().Add(q.opts.RetryDelay).UnixMilli()
	_, err := storage.Exec(ctx, q.db,
		`UPDATE queue_jobs SET visible_at = ? WHERE id = ? AND queue = ?`, visible, id, q.opts.Queue,
	)
	return err
}

// Extend pushes the visibility timeout forward for a job that needs more time.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := q.opts.Now().Add(extra).UnixMilli()
	_, err := storage.Exec(ctx, q.db,
		`UPDATE queue_jobs SET visible_at = ? WHERE id = ? AND queue = ?`, hideUntil, id, q.opts.Queue,
	)
	return err
}

// Len returns the number of jobs, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs until ctx is cancelled, draining in-flight
// handlers before returning.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("consumer started",
		"workers", q.opts.Workers,
		"batch_size", q.opts.BatchSize,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("consumer stopped")
			return
		case <-ticker.C:
			// Keep draining while batches come back full.
			for q.Drain(ctx, handler) == q.opts.BatchSize && ctx.Err() == nil {
			}
		}
	}
}

// Drain claims one batch and processes it. It returns how many jobs were
// claimed.
func (q *Q) Drain(ctx context.Context, handler Handler) int {
	log := q.opts.Logger
	jobs, err := q.BatchClaim(ctx, q.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("batch claim failed", "error", err)
		}
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	live := jobs[:0:0]
	for _, job := range jobs {
		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("job exceeded max attempts, discarding", "id", job.ID, "attempts", job.Attempts)
			_ = q.Ack(context.WithoutCancel(ctx), job.ID)
			continue
		}
		live = append(live, job)
	}

	_, err = worker.ProcessAllWithCallback(ctx, live,
		func(ctx context.Context, j *Job) (struct{}, error) {
			return struct{}{}, q.handle(ctx, j, handler)
		},
		func(r worker.Result[*Job, struct{}]) error {
			// Acks must land even when ctx is cancelled mid-batch.
			settle := context.WithoutCancel(ctx)
			if r.Err != nil {
				log.Warn("handler failed, nacking", "id", r.Input.ID, "attempts", r.Input.Attempts, "error", r.Err)
				if err := q.Nack(settle, r.Input.ID); err != nil {
					log.Error("nack failed", "id", r.Input.ID, "error", err)
				}
				return nil
			}
			if err := q.Ack(settle, r.Input.ID); err != nil {
				log.Error("ack failed", "id", r.Input.ID, "error", err)
			}
			return nil
		},
		worker.Options{
			Workers:        q.opts.Workers,
			RateLimitRPS:   q.opts.RunsPerSecond,
			RequestTimeout: -1,
			FailurePolicy:  worker.FailurePolicyPartialOutput,
		},
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("batch processing stopped", "error", err)
	}
	return len(jobs)
}

// handle runs handler while a heartbeat keeps the job invisible.
func (q *Q) handle(ctx context.Context, j *Job, handler Handler) error {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		t := time.NewTicker(max(q.opts.Visibility/2, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := q.Extend(hbCtx, j.ID, q.opts.Visibility); err != nil && hbCtx.Err() == nil {
					q.opts.Logger.Warn("visibility extend failed", "id", j.ID, "error", err)
				}
			}
		}
	}()
	return handler(ctx, j)
}
