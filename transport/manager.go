package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meow-io/go-courier/cipher"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/transport/pipe"
	"github.com/meow-io/go-courier/transport/poll"
	"go.uber.org/zap"
)

// EnvelopeProcessor is handed every received envelope. The service is only told an envelope was delivered once the
// processor returns nil for it.
type EnvelopeProcessor func(*envelope.Envelope) error

type NetworkUpdate struct {
	Available bool
}

// QueueEmpty is published when the service reports everything queued while offline has been delivered.
type QueueEmpty struct{}

type Manager struct {
	config         *config.Config
	log            *zap.SugaredLogger
	pipe           *pipe.Pipe
	rest           *poll.Client
	processor      EnvelopeProcessor
	finished       sync.WaitGroup
	cancelFunc     context.CancelFunc
	updates        chan interface{}
	available      atomic.Bool
	networkChanged chan struct{}

	// the network is available while either way of reaching the service works
	reachLock     sync.Mutex
	pipeReachable bool
	restReachable bool
}

func NewManager(config *config.Config, m *metrics.Metrics, header http.Header, processor EnvelopeProcessor) *Manager {
	return &Manager{
		config:         config,
		log:            config.Logger("transport/manager"),
		pipe:           pipe.New(config, m, header),
		rest:           poll.NewClient(config, m, header),
		processor:      processor,
		finished:       sync.WaitGroup{},
		updates:        make(chan interface{}, 100),
		networkChanged: make(chan struct{}, 1),
	}
}

func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc

	m.startUpdatePassing(ctx)
	m.startReceiving(ctx)
	return nil
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	err := m.pipe.Close()
	m.finished.Wait()
	return err
}

// REST exposes the service endpoints that have no pipe equivalent.
func (m *Manager) REST() *poll.Client {
	return m.rest
}

func (m *Manager) FetchPrekeys(ctx context.Context, id ids.ID, device uint32) ([]*cipher.PrekeyBundle, error) {
	return m.rest.FetchPrekeys(ctx, id, device)
}

func (m *Manager) UploadPrekeys(ctx context.Context, upload *cipher.PrekeyUpload) error {
	return m.rest.UploadPrekeys(ctx, upload)
}

func (m *Manager) FetchProfile(ctx context.Context, id ids.ID) (*poll.Profile, error) {
	return m.rest.FetchProfile(ctx, id)
}

func (m *Manager) UploadAttachment(ctx context.Context, body []byte) (*poll.AttachmentUpload, error) {
	return m.rest.UploadAttachment(ctx, body)
}

func (m *Manager) Available() bool {
	return m.available.Load()
}

func (m *Manager) NetworkChanged() <-chan struct{} {
	return m.networkChanged
}

func (m *Manager) setPipeReachable(r bool) {
	m.reachLock.Lock()
	defer m.reachLock.Unlock()
	m.pipeReachable = r
	m.setAvailable(m.pipeReachable || m.restReachable)
}

func (m *Manager) setRestReachable(r bool) {
	m.reachLock.Lock()
	defer m.reachLock.Unlock()
	m.restReachable = r
	m.setAvailable(m.pipeReachable || m.restReachable)
}

// setAvailable must be called with reachLock held.
func (m *Manager) setAvailable(a bool) {
	if m.available.Swap(a) == a {
		return
	}
	m.log.Infof("network available: %t", a)
	select {
	case m.networkChanged <- struct{}{}:
	default:
	}
	m.publish(&NetworkUpdate{Available: a})
}

func (m *Manager) publish(update interface{}) {
	select {
	case m.updates <- update:
	default:
		m.log.Warnf("dropping update %T", update)
	}
}

// Send delivers one recipient's batch, over the pipe when it is connected and over REST otherwise.
func (m *Manager) Send(ctx context.Context, batch *poll.OutgoingBatch) (*poll.SendResult, error) {
	if m.pipe.State() == pipe.StateConnected {
		res, err := m.sendOverPipe(ctx, batch)
		if err == nil || !isPipeFailure(err) {
			return res, err
		}
		m.log.Debugf("pipe send to %s failed, falling back to rest: %s", batch.Destination, err)
	}
	res, err := m.rest.SendMessages(ctx, batch)
	if err == nil {
		m.setRestReachable(true)
	}
	return res, err
}

func isPipeFailure(err error) bool {
	return errors.Is(err, pipe.ErrTimeout) ||
		errors.Is(err, pipe.ErrCancelled) ||
		errors.Is(err, pipe.ErrClosed) ||
		errors.Is(err, pipe.ErrNotConnected)
}

func (m *Manager) sendOverPipe(ctx context.Context, batch *poll.OutgoingBatch) (*poll.SendResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding batch: %w", err)
	}
	resp, err := m.pipe.SendAndAwaitResponse(ctx, &pipe.Request{
		Verb:    pipe.VerbPut,
		Path:    "/v1/messages/" + batch.Destination.String(),
		Headers: []string{"content-type:application/json"},
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, poll.ErrorForStatus(int(resp.Status), header(resp.Headers, "retry-after"), resp.Body)
	}
	res := &poll.SendResult{}
	if len(resp.Body) != 0 {
		if err := json.Unmarshal(resp.Body, res); err != nil {
			return nil, fmt.Errorf("transport: decoding send result: %w", err)
		}
	}
	return res, nil
}

func header(headers []string, name string) string {
	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (m *Manager) startUpdatePassing(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-m.pipe.Updates():
				if su, ok := update.(*pipe.StateUpdate); ok {
					if su.State == pipe.StateConnected {
						m.setPipeReachable(true)
					} else if su.State == pipe.StateDisconnected {
						m.setPipeReachable(false)
					}
				}
				m.publish(update)
			}
		}
	}()
}

// startReceiving reads from the pipe while it is connected and polls over REST when there is no pipe or it cannot
// be reached. Reconnects back off exponentially.
func (m *Manager) startReceiving(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		reconnect := backoff.NewExponentialBackOff()
		reconnect.InitialInterval = time.Second
		reconnect.MaxInterval = time.Duration(m.config.ReconnectMaxMs) * time.Millisecond
		reconnect.MaxElapsedTime = 0

		for ctx.Err() == nil {
			if m.config.PipeURL == "" {
				m.poll(ctx)
				m.wait(ctx, m.config.PollInterval())
				continue
			}
			if m.pipe.State() != pipe.StateConnected {
				if err := m.pipe.Connect(ctx); err != nil {
					if errors.Is(err, pipe.ErrClosed) {
						return
					}
					m.log.Warnf("error connecting pipe: %s", err)
					m.poll(ctx)
					m.wait(ctx, reconnect.NextBackOff())
					continue
				}
				reconnect.Reset()
			}
			m.readPipe()
		}
	}()
}

func (m *Manager) readPipe() {
	var processErr error
	_, err := m.pipe.ReadEnvelope(m.config.ReadTimeout(), func(env *envelope.Envelope) error {
		processErr = m.processor(env)
		return processErr
	})
	switch {
	case err == nil:
	case errors.Is(err, pipe.ErrQueueEmpty):
		m.publish(&QueueEmpty{})
	case errors.Is(err, pipe.ErrTimeout):
	case processErr != nil:
		// refused, the service redelivers it
		m.log.Warnf("error processing envelope: %s", processErr)
	default:
		m.log.Debugf("pipe read ended: %s", err)
	}
}

// poll drains the REST queue, acknowledging each envelope after it has been processed. A processing failure stops
// the drain so the envelope is fetched again on the next poll.
func (m *Manager) poll(ctx context.Context) {
	if m.config.ServiceURL == "" {
		return
	}
	for ctx.Err() == nil {
		envs, more, err := m.rest.Fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warnf("error polling: %s", err)
				m.setRestReachable(false)
			}
			return
		}
		m.setRestReachable(true)
		for _, env := range envs {
			if err := m.processor(env); err != nil {
				m.log.Warnf("error processing %s: %s", env, err)
				return
			}
			if err := m.rest.Ack(ctx, env); err != nil {
				m.log.Warnf("error acknowledging %s: %s", env, err)
				return
			}
		}
		if !more {
			m.publish(&QueueEmpty{})
			return
		}
	}
}

func (m *Manager) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
