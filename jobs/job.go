// Package jobs is a durable job queue. Jobs are persisted with a bencoded payload, run by a bounded worker pool and
// retried with exponential backoff. Jobs sharing a queue key run strictly one after the other in enqueue order.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-courier/bencode"
)

var ErrCancelled = errors.New("jobs: cancelled")

type State uint8

const (
	StateReady State = iota
	StateRunning
)

type Job struct {
	Seq             int64  `db:"seq"`
	ID              string `db:"id"`
	Kind            string `db:"kind"`
	QueueKey        string `db:"queue_key"`
	Payload         []byte `db:"payload"`
	Attempts        uint32 `db:"attempts"`
	MaxAttempts     uint32 `db:"max_attempts"`
	RequiresNetwork bool   `db:"requires_network"`
	State           State  `db:"state"`
	Cancelled       bool   `db:"cancelled"`
	NextRunMs       uint64 `db:"next_run_ms"`
	LastError       string `db:"last_error"`
	CtimeMs         uint64 `db:"ctime_ms"`
}

// Decode reads the job payload into v, which must be a pointer to a bencode tagged struct.
func (j *Job) Decode(v interface{}) error {
	if err := bencode.Deserialize(j.Payload, v); err != nil {
		return fmt.Errorf("jobs: decoding %s payload: %w", j.Kind, err)
	}
	return nil
}

// LastAttempt is true when a retry would exceed the attempt limit.
func (j *Job) LastAttempt() bool {
	return j.Attempts+1 >= j.MaxAttempts
}

// Runner executes jobs of one kind.
type Runner interface {
	Run(ctx context.Context, job *Job) error
	// OnFailure runs inside the transaction that removes a job which failed terminally, was cancelled, or exhausted
	// its attempts.
	OnFailure(job *Job, err error) error
}

// RetryError asks for the job to be run again. A zero After uses the queue's backoff.
type RetryError struct {
	After time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return "jobs: retry later"
	}
	return fmt.Sprintf("jobs: retry later: %s", e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

func RetryLater(err error, after time.Duration) error {
	return &RetryError{After: after, Err: err}
}

type Options struct {
	QueueKey        string
	MaxAttempts     uint32
	RequiresNetwork bool
	Delay           time.Duration
}

// NetworkMonitor gates jobs which need the network.
type NetworkMonitor interface {
	Available() bool
	NetworkChanged() <-chan struct{}
}

// Finished is published on Updates whenever a job run ends.
type Finished struct {
	ID     string
	Kind   string
	Result string
	Err    error
}

const (
	ResultSuccess   = "success"
	ResultRetry     = "retry"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)
