package jobs

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testPayload struct {
	N uint32 `bencode:"n"`
}

type fakeRunner struct {
	lock     sync.Mutex
	run      func(ctx context.Context, n uint32) error
	runs     []uint32
	failures []error
}

func (r *fakeRunner) Run(ctx context.Context, job *Job) error {
	p := &testPayload{}
	if err := job.Decode(p); err != nil {
		return err
	}
	r.lock.Lock()
	r.runs = append(r.runs, p.N)
	r.lock.Unlock()
	if r.run == nil {
		return nil
	}
	return r.run(ctx, p.N)
}

func (r *fakeRunner) OnFailure(job *Job, err error) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.failures = append(r.failures, err)
	return nil
}

func (r *fakeRunner) Runs() []uint32 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]uint32{}, r.runs...)
}

func (r *fakeRunner) Failures() []error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]error{}, r.failures...)
}

type fakeNetwork struct {
	available atomic.Bool
	changed   chan struct{}
}

func (n *fakeNetwork) Available() bool {
	return n.available.Load()
}

func (n *fakeNetwork) NetworkChanged() <-chan struct{} {
	return n.changed
}

func newTestQueue(t *testing.T, network NetworkMonitor) *Queue {
	c := config.NewConfig(config.WithRetryIntervalsMs(5, 20), config.WithJobWorkers(3))
	d := test.NewTestDatabase(c)
	var q *Queue
	require.Nil(t, d.Lock("test queue", func() error {
		var err error
		q, err = NewQueue(c, d, clock.NewSystemClock(), network, nil)
		return err
	}))
	t.Cleanup(func() {
		_ = q.Shutdown()
	})
	return q
}

func (q *Queue) enqueueTest(t *testing.T, kind string, n uint32, opts Options) string {
	var id string
	require.Nil(t, q.db.Run("enqueue", func() error {
		var err error
		id, err = q.Enqueue(kind, &testPayload{N: n}, opts)
		return err
	}))
	return id
}

func (q *Queue) count(t *testing.T) int {
	var n int
	require.Nil(t, q.db.Run("count", func() error {
		js, err := q.Jobs()
		n = len(js)
		return err
	}))
	return n
}

func TestRunAndDelete(t *testing.T) {
	require := require.New(t)
	q := newTestQueue(t, nil)
	r := &fakeRunner{}
	q.Register("test", r)
	require.Nil(q.Start())

	q.enqueueTest(t, "test", 7, Options{})
	require.Eventually(func() bool { return q.count(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal([]uint32{7}, r.Runs())
	require.Empty(r.Failures())
}

func TestRetryThenSucceed(t *testing.T) {
	require := require.New(t)
	q := newTestQueue(t, nil)
	var calls atomic.Int32
	r := &fakeRunner{run: func(ctx context.Context, n uint32) error {
		if calls.Add(1) < 3 {
			return RetryLater(errors.New("offline"), 0)
		}
		return nil
	}}
	q.Register("test", r)
	require.Nil(q.Start())

	q.enqueueTest(t, "test", 1, Options{MaxAttempts: 5})
	require.Eventually(func() bool { return q.count(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal([]uint32{1, 1, 1}, r.Runs())
	require.Empty(r.Failures())
}

func TestExhaustedAttemptsCallFailureHook(t *testing.T) {
	require := require.New(t)
	q := newTestQueue(t, nil)
	cause := errors.New("still offline")
	r := &fakeRunner{run: func(ctx context.Context, n uint32) error {
		return RetryLater(cause, time.Millisecond)
	}}
	q.Register("test", r)
	require.Nil(q.Start())

	q.enqueueTest(t, "test", 1, Options{MaxAttempts: 2})
	require.Eventually(func() bool { return len(r.Failures()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(r.Failures()[0], cause)
	require.Len(r.Runs(), 2)
	require.Equal(0, q.count(t))
}

func TestPlainErrorIsTerminal(t *testing.T) {
	require := require.New(t)
	q := newTestQueue(t, nil)
	r := &fakeRunner{run: func(ctx context.Context, n uint32) error {
		return errors.New("bad payload")
	}}
	q.Register("test", r)
	require.Nil(q.Start())

	q.enqueueTest(t, "test", 1, Options{MaxAttempts: 5})
	require.Eventually(func() bool { return len(r.Failures()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Len(r.Runs(), 1)
}

func TestQueueKeyRunsSequentially(t *testing.T) {
	require := require.New(t)
	q := newTestQueue(t, nil)
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	r := &fakeRunner{run: func(ctx context.Context, n uint32) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		if cur > maxInFlight.Load() {
			maxInFlight.Store(cur)
		}
		if n == 1 {
			<-release
		}
		return nil
	}}
	q.Register("test", r)
	require.Nil(q.Start())

	for i := uint32(1); i <= 3; i++ {
		q.enqueueTest(t, "test", i, Options{QueueKey: "conversation"})
	}
	other := &fakeRunner{}
	q.Register("other", other)
	q.enqueueTest(t, "other", 9, Options{QueueKey: "elsewhere"})

	require.Eventually(func() bool { return len(other.Runs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal([]uint32{1}, r.Runs())
	close(release)
	require.Eventually(func() bool { return q.count(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal([]uint32{1, 2, 3}, r.Runs())
	require.Equal(int32(1), maxInFlight.Load())
}

func TestNetworkConstraint(t *testing.T) {
	require := require.New(t)
	network := &fakeNetwork{changed: make(chan struct{}, 1)}
	q := newTestQueue(t, network)
	r := &fakeRunner{}
	q.Register("test", r)
	require.Nil(q.Start())

	q.enqueueTest(t, "test", 1, Options{RequiresNetwork: true})
	q.enqueueTest(t, "test", 2, Options{})
	require.Eventually(func() bool { return len(r.Runs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal([]uint32{2}, r.Runs())

	network.available.Store(true)
	network.changed <- struct{}{}
	require.Eventually(func() bool { return q.count(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal([]uint32{2, 1}, r.Runs())
}

func TestCancelWaitingJob(t *testing.T) {
	require := require.New(t)
	q := newTestQueue(t, nil)
	r := &fakeRunner{}
	q.Register("test", r)
	require.Nil(q.Start())

	id := q.enqueueTest(t, "test", 1, Options{Delay: time.Hour})
	require.Nil(q.db.Run("cancel", func() error { return q.Cancel(id) }))
	require.Equal(0, q.count(t))
	require.Len(r.Failures(), 1)
	require.ErrorIs(r.Failures()[0], ErrCancelled)
	require.Empty(r.Runs())
}

func TestCancelRunningJobIsNotRetried(t *testing.T) {
	require := require.New(t)
	q := newTestQueue(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	r := &fakeRunner{run: func(ctx context.Context, n uint32) error {
		close(started)
		<-release
		return RetryLater(errors.New("offline"), 0)
	}}
	q.Register("test", r)
	require.Nil(q.Start())

	id := q.enqueueTest(t, "test", 1, Options{})
	<-started
	require.Nil(q.db.Run("cancel", func() error { return q.Cancel(id) }))
	close(release)
	require.Eventually(func() bool { return q.count(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Len(r.Runs(), 1)
	require.Len(r.Failures(), 1)
	require.ErrorIs(r.Failures()[0], ErrCancelled)
}

func TestInterruptedJobsResetOnStart(t *testing.T) {
	require := require.New(t)
	q := newTestQueue(t, nil)
	r := &fakeRunner{}
	q.Register("test", r)

	id := q.enqueueTest(t, "test", 4, Options{})
	require.Nil(q.db.Run("simulate crash", func() error {
		_, err := q.db.Tx.Exec("UPDATE _jobs SET state = $1 WHERE id = $2", StateRunning, id)
		return err
	}))
	require.Nil(q.Start())
	require.Eventually(func() bool { return q.count(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal([]uint32{4}, r.Runs())
}

func TestBackoffGrows(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithRetryIntervalsMs(100, 1000))
	q := &Queue{config: c}
	first := q.backoff(0)
	require.True(first >= 50*time.Millisecond && first <= 150*time.Millisecond, "first backoff %s", first)
	require.True(q.backoff(20) <= 1500*time.Millisecond)
}
