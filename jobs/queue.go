package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/migration"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const idleWait = time.Minute

type Queue struct {
	log     *zap.SugaredLogger
	config  *config.Config
	db      *db.Database
	clock   clock.Clock
	network NetworkMonitor
	metrics *metrics.Metrics

	lock    sync.Mutex
	runners map[string]Runner

	wake       chan struct{}
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// NewQueue migrates the job table. It expects the database lock to be held by the caller. network may be nil, in
// which case the network is always considered available.
func NewQueue(c *config.Config, d *db.Database, cl clock.Clock, network NetworkMonitor, m *metrics.Metrics) (*Queue, error) {
	if err := d.MigrateNoLock("_jobs", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _jobs (
						seq INTEGER PRIMARY KEY AUTOINCREMENT,
						id TEXT NOT NULL,
						kind TEXT NOT NULL,
						queue_key TEXT NOT NULL DEFAULT '',
						payload BLOB NOT NULL,
						attempts INTEGER NOT NULL DEFAULT 0,
						max_attempts INTEGER NOT NULL,
						requires_network BOOLEAN NOT NULL DEFAULT FALSE,
						state INTEGER NOT NULL DEFAULT 0,
						cancelled BOOLEAN NOT NULL DEFAULT FALSE,
						next_run_ms INTEGER NOT NULL,
						last_error TEXT NOT NULL DEFAULT '',
						ctime_ms INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX jobs_id ON _jobs (id);
					CREATE INDEX jobs_queue_key ON _jobs (queue_key, seq);
					CREATE INDEX jobs_ready ON _jobs (state, next_run_ms);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &Queue{
		log:     c.Logger("jobs"),
		config:  c,
		db:      d,
		clock:   cl,
		network: network,
		metrics: m,
		runners: make(map[string]Runner),
		wake:    make(chan struct{}, 1),
		updates: make(chan interface{}, 100),
	}, nil
}

func (q *Queue) Register(kind string, r Runner) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.runners[kind] = r
}

func (q *Queue) runner(kind string) Runner {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.runners[kind]
}

func (q *Queue) Updates() chan interface{} {
	return q.updates
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue persists a job in the caller's transaction. It is picked up once the transaction commits.
func (q *Queue) Enqueue(kind string, payload interface{}, opts Options) (string, error) {
	body, err := bencode.Serialize(payload)
	if err != nil {
		return "", fmt.Errorf("jobs: encoding %s payload: %w", kind, err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.config.SendMaxAttempts
	}
	now := q.clock.CurrentTimeMs()
	job := &Job{
		ID:              uuid.NewString(),
		Kind:            kind,
		QueueKey:        opts.QueueKey,
		Payload:         body,
		MaxAttempts:     maxAttempts,
		RequiresNetwork: opts.RequiresNetwork,
		NextRunMs:       now + uint64(opts.Delay.Milliseconds()),
		CtimeMs:         now,
	}
	if _, err := q.db.Tx.NamedExec(`
		INSERT INTO _jobs (id, kind, queue_key, payload, max_attempts, requires_network, next_run_ms, ctime_ms)
		VALUES (:id, :kind, :queue_key, :payload, :max_attempts, :requires_network, :next_run_ms, :ctime_ms)`, job); err != nil {
		return "", fmt.Errorf("jobs: error enqueueing %s: %w", kind, err)
	}
	q.log.Debugf("enqueued %s job %s queue=%q", kind, job.ID, job.QueueKey)
	q.db.AfterCommit(q.poke)
	return job.ID, nil
}

func (q *Queue) job(id string) (*Job, error) {
	j := &Job{}
	if err := q.db.Tx.Get(j, "SELECT * FROM _jobs WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: error getting job %s: %w", id, err)
	}
	return j, nil
}

// Jobs lists queued jobs in enqueue order.
func (q *Queue) Jobs() ([]*Job, error) {
	var js []*Job
	if err := q.db.Tx.Select(&js, "SELECT * FROM _jobs ORDER BY seq"); err != nil {
		return nil, fmt.Errorf("jobs: error listing jobs: %w", err)
	}
	return js, nil
}

func (q *Queue) deleteJob(id string) error {
	if _, err := q.db.Tx.Exec("DELETE FROM _jobs WHERE id = $1", id); err != nil {
		return fmt.Errorf("jobs: error deleting job %s: %w", id, err)
	}
	return nil
}

// Cancel removes a waiting job, calling its failure hook with ErrCancelled. A running job is flagged and removed once
// its run returns, without being retried.
func (q *Queue) Cancel(id string) error {
	job, err := q.job(id)
	if err != nil || job == nil {
		return err
	}
	if job.State == StateRunning {
		if _, err := q.db.Tx.Exec("UPDATE _jobs SET cancelled = TRUE WHERE id = $1", id); err != nil {
			return fmt.Errorf("jobs: error cancelling job %s: %w", id, err)
		}
		return nil
	}
	if err := q.deleteJob(id); err != nil {
		return err
	}
	q.finish(job, ResultCancelled, ErrCancelled)
	return q.fail(job, ErrCancelled)
}

func (q *Queue) CancelQueue(queueKey string) error {
	var jobIDs []string
	if err := q.db.Tx.Select(&jobIDs, "SELECT id FROM _jobs WHERE queue_key = $1 ORDER BY seq", queueKey); err != nil {
		return fmt.Errorf("jobs: error listing queue %s: %w", queueKey, err)
	}
	for _, id := range jobIDs {
		if err := q.Cancel(id); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) fail(job *Job, err error) error {
	r := q.runner(job.Kind)
	if r == nil {
		return nil
	}
	return r.OnFailure(job, err)
}

// finish publishes the result once the current transaction commits.
func (q *Queue) finish(job *Job, result string, err error) {
	u := &Finished{ID: job.ID, Kind: job.Kind, Result: result, Err: err}
	q.db.AfterCommit(func() {
		q.metrics.JobFinished(job.Kind, result)
		select {
		case q.updates <- u:
		default:
			q.log.Debugf("dropping job update for %s", job.ID)
		}
	})
}

// Start resets jobs interrupted by a previous shutdown and begins dispatching.
func (q *Queue) Start() error {
	if err := q.db.Run("resetting interrupted jobs", func() error {
		res, err := q.db.Tx.Exec("UPDATE _jobs SET state = $1 WHERE state = $2", StateReady, StateRunning)
		if err != nil {
			return fmt.Errorf("jobs: error resetting jobs: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 0 {
			q.log.Infof("reset %d interrupted jobs", n)
		}
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	q.cancelFunc = cancelFunc
	q.startDispatcher(ctx)
	q.poke()
	return nil
}

func (q *Queue) Shutdown() error {
	if q.cancelFunc != nil {
		q.cancelFunc()
		q.finished.Wait()
	}
	return nil
}

func (q *Queue) startDispatcher(ctx context.Context) {
	workers := q.config.JobWorkers
	if workers < 1 {
		workers = 1
	}
	var networkChanged <-chan struct{}
	if q.network != nil {
		networkChanged = q.network.NetworkChanged()
	}

	q.finished.Add(1)
	go func() {
		defer q.finished.Done()
		var g errgroup.Group
		g.SetLimit(workers)
		var active atomic.Int32
		timer := time.NewTimer(idleWait)
		defer timer.Stop()

		for {
			wait := idleWait
			if free := workers - int(active.Load()); free > 0 {
				claimed, next, err := q.claim(free)
				if err != nil {
					q.log.Warnf("error claiming jobs: %s", err)
					wait = time.Second
				} else {
					for _, job := range claimed {
						job := job
						active.Add(1)
						g.Go(func() error {
							defer q.poke()
							defer active.Add(-1)
							q.runJob(ctx, job)
							return nil
						})
					}
					if next != 0 {
						wait = clock.Until(q.clock, next)
						if wait > idleWait {
							wait = idleWait
						}
					}
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)

			select {
			case <-ctx.Done():
				_ = g.Wait()
				return
			case <-q.wake:
			case <-networkChanged:
			case <-timer.C:
			}
		}
	}()
}

// claim marks up to n runnable jobs as running. A job is runnable once its run time has passed, the network is
// available when it needs it, and no earlier job with its queue key is still queued. It also returns the earliest
// future run time of a waiting job, or zero.
func (q *Queue) claim(n int) ([]*Job, uint64, error) {
	var claimed []*Job
	var next uint64
	available := q.network == nil || q.network.Available()
	if err := q.db.Run("claiming jobs", func() error {
		now := q.clock.CurrentTimeMs()
		if err := q.db.Tx.Select(&claimed, `
			SELECT * FROM _jobs j
			WHERE j.state = $1 AND j.next_run_ms <= $2 AND ($3 OR j.requires_network = FALSE)
			AND (j.queue_key = '' OR NOT EXISTS (SELECT 1 FROM _jobs e WHERE e.queue_key = j.queue_key AND e.seq < j.seq))
			ORDER BY j.seq LIMIT $4`, StateReady, now, available, n); err != nil {
			return fmt.Errorf("jobs: error selecting jobs: %w", err)
		}
		for _, j := range claimed {
			if _, err := q.db.Tx.Exec("UPDATE _jobs SET state = $1 WHERE id = $2", StateRunning, j.ID); err != nil {
				return fmt.Errorf("jobs: error claiming job %s: %w", j.ID, err)
			}
			j.State = StateRunning
		}
		return q.db.Tx.Get(&next, "SELECT COALESCE(MIN(next_run_ms), 0) FROM _jobs WHERE state = $1 AND next_run_ms > $2", StateReady, now)
	}); err != nil {
		return nil, 0, err
	}
	return claimed, next, nil
}

func (q *Queue) runJob(ctx context.Context, job *Job) {
	var err error
	r := q.runner(job.Kind)
	if r == nil {
		err = fmt.Errorf("jobs: no runner registered for %s", job.Kind)
	} else {
		q.log.Debugf("running %s job %s attempt %d/%d", job.Kind, job.ID, job.Attempts+1, job.MaxAttempts)
		err = r.Run(ctx, job)
	}
	if cerr := q.complete(ctx, job, err); cerr != nil {
		q.log.Warnf("error completing %s job %s: %s", job.Kind, job.ID, cerr)
		if err := q.db.Run("releasing job", func() error {
			return q.reschedule(job, job.Attempts, q.clock.CurrentTimeMs()+uint64(q.backoff(job.Attempts).Milliseconds()), cerr)
		}); err != nil {
			q.log.Warnf("error releasing %s job %s: %s", job.Kind, job.ID, err)
		}
	}
}

func (q *Queue) complete(ctx context.Context, job *Job, runErr error) error {
	return q.db.Run(fmt.Sprintf("completing %s job %s", job.Kind, job.ID), func() error {
		current, err := q.job(job.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		now := q.clock.CurrentTimeMs()

		switch {
		case runErr == nil:
			q.finish(current, ResultSuccess, nil)
			return q.deleteJob(current.ID)
		case current.Cancelled || errors.Is(runErr, ErrCancelled):
			q.log.Debugf("%s job %s cancelled", current.Kind, current.ID)
			q.finish(current, ResultCancelled, ErrCancelled)
			if err := q.deleteJob(current.ID); err != nil {
				return err
			}
			return q.fail(current, ErrCancelled)
		case ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
			// interrupted by shutdown, not counted as an attempt
			return q.reschedule(current, current.Attempts, now, runErr)
		}

		var re *RetryError
		if errors.As(runErr, &re) && !current.LastAttempt() {
			delay := re.After
			if delay == 0 {
				delay = q.backoff(current.Attempts)
			}
			q.log.Debugf("retrying %s job %s in %s: %s", current.Kind, current.ID, delay, runErr)
			q.finish(current, ResultRetry, runErr)
			return q.reschedule(current, current.Attempts+1, now+uint64(delay.Milliseconds()), runErr)
		}

		q.log.Warnf("%s job %s failed after %d attempts: %s", current.Kind, current.ID, current.Attempts+1, runErr)
		q.finish(current, ResultFailed, runErr)
		if err := q.deleteJob(current.ID); err != nil {
			return err
		}
		return q.fail(current, runErr)
	})
}

func (q *Queue) reschedule(job *Job, attempts uint32, nextRunMs uint64, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if _, err := q.db.Tx.Exec("UPDATE _jobs SET state = $1, attempts = $2, next_run_ms = $3, last_error = $4 WHERE id = $5", StateReady, attempts, nextRunMs, lastError, job.ID); err != nil {
		return fmt.Errorf("jobs: error rescheduling job %s: %w", job.ID, err)
	}
	return nil
}

// backoff is the delay before the retry following attempt failed attempts.
func (q *Queue) backoff(attempts uint32) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(q.config.RetryInitialMs) * time.Millisecond
	b.MaxInterval = time.Duration(q.config.RetryMaxMs) * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := uint32(0); i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
