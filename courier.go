// Package courier is the high-level interface to an end-to-end encrypted messaging client. It owns the encrypted
// store, keeps a connection to the service open, turns received envelopes into stored messages and delivers outgoing
// messages through a durable job queue.
package courier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meow-io/go-courier/cipher"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/content"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/receive"
	"github.com/meow-io/go-courier/send"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

const (
	receivedRetention = 7 * 24 * time.Hour
	pruneInterval     = time.Hour
)

var (
	ErrNotRunning   = errors.New("courier: not running")
	ErrNoIdentity   = errors.New("courier: local identity is not configured")
	ErrUnknownGroup = send.ErrUnknownGroup
)

// An event indicating a change in the state of courier.
type AppState struct {
	State int
}

type Courier struct {
	DB       *db.Database
	config   *config.Config
	log      *zap.SugaredLogger
	state    int
	clock    clock.Clock
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store     *store.Store
	queue     *jobs.Queue
	cipher    *cipher.Manager
	send      *send.Manager
	receive   *receive.Pipeline
	transport *transport.Manager

	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create a courier instance
func NewCourier(c *config.Config) (*Courier, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}

	return &Courier{
		DB:       d,
		config:   c,
		log:      log,
		state:    state,
		clock:    clock.NewSystemClock(),
		registry: registry,
		metrics:  m,
		updates:  make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password
func (c *Courier) NewKey(password string) ([]byte, error) {
	return newKey(password, c.config.RootDir, "salt")
}

// Gets various updates which must be dealt with. This will produce *AppState, *receive.MessageReceived,
// *send.MessageStateChanged and the other update types of the receive, send and transport packages.
func (c *Courier) Updates() chan interface{} {
	return c.updates
}

// Metrics returns the gatherer holding every courier collector.
func (c *Courier) Metrics() prometheus.Gatherer {
	return c.registry
}

// Returns true is courier is in NEW state.
func (c *Courier) New() bool {
	return c.state == StateNew
}

// Returns true is courier is in INITIALIZED state.
func (c *Courier) Initialized() bool {
	return c.state == StateInitialized
}

// Returns true is courier is in RUNNING state.
func (c *Courier) Running() bool {
	return c.state == StateRunning
}

// Initialize courier with a given key. This creates the encrypted store and the local identity key material, then
// opens it.
func (c *Courier) Initialize(key []byte) error {
	if c.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if c.config.LocalID.IsZero() {
		return ErrNoIdentity
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.setState(StateInitialized)
	return c.open(key)
}

// Open an existing courier with a given key.
func (c *Courier) Open(key []byte) error {
	return c.open(key)
}

func (c *Courier) open(key []byte) error {
	if c.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}
	if c.config.LocalID.IsZero() {
		return ErrNoIdentity
	}

	if err := c.DB.Open(key); err != nil {
		return err
	}

	header := http.Header{}
	header.Set("X-Courier-Address", c.config.LocalAddress().String())

	if err := c.DB.Lock("initializing subsystems", func() error {
		var err error
		if c.store, err = store.New(c.DB, c.clock); err != nil {
			return err
		}
		var pipeline *receive.Pipeline
		c.transport = transport.NewManager(c.config, c.metrics, header, func(env *envelope.Envelope) error {
			return pipeline.Process(env)
		})
		if c.queue, err = jobs.NewQueue(c.config, c.DB, c.clock, c.transport, c.metrics); err != nil {
			return err
		}
		if c.cipher, err = cipher.NewManager(c.config, c.DB, c.clock, c.transport); err != nil {
			return err
		}
		c.send = send.NewManager(c.config, c.DB, c.clock, c.store, c.queue, c.cipher, c.transport, c.metrics)
		pipeline = receive.New(c.config, c.DB, c.clock, c.cipher, c.store, c.send, c.metrics)
		c.receive = pipeline
		return nil
	}); err != nil {
		return c.abandonOpen(err)
	}

	// identity key material exists before anything is received, so nothing is held waiting for it
	upload, err := c.cipher.Initialize()
	if err != nil {
		return c.abandonOpen(err)
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	c.cancelFunc = cancelFunc
	c.startUpdatePassing(ctx)

	if err := c.queue.Start(); err != nil {
		return err
	}
	if err := c.transport.Start(); err != nil {
		return err
	}
	if upload != nil {
		c.startPrekeyUpload(ctx, upload)
	}
	c.startPruning(ctx)

	if n, err := c.receive.Drain(); err != nil {
		c.log.Warnf("error draining held envelopes: %s", err)
	} else if n != 0 {
		c.log.Infof("processed %d held envelopes", n)
	}

	c.setState(StateRunning)
	return nil
}

// abandonOpen closes the store after a failed open that started nothing.
func (c *Courier) abandonOpen(err error) error {
	if shutdownErr := c.DB.Shutdown(); shutdownErr != nil {
		c.log.Warnf("error closing store after failed open: %s", shutdownErr)
	}
	c.transport = nil
	c.queue = nil
	c.cipher = nil
	c.send = nil
	c.receive = nil
	c.store = nil
	return err
}

// Gracefully stop an existing courier instance.
func (c *Courier) Shutdown() error {
	if c.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	if err := c.transport.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.queue.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	c.cancelFunc()
	c.finished.Wait()
	if err := c.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	c.cancelFunc = nil
	c.transport = nil
	c.queue = nil
	c.cipher = nil
	c.send = nil
	c.receive = nil
	c.store = nil

	c.setState(StateInitialized)

	close(c.updates)
	c.updates = make(chan interface{}, 100)

	return nil
}

// Send a text message to every device of one identity. It returns the id of the stored outgoing message.
func (c *Courier) SendText(ctx context.Context, to ids.ID, body string) (int64, error) {
	return c.Send(ctx, &send.OutgoingRequest{To: &to, Message: &content.DataMessage{Body: &body}})
}

// Send a text message to every member of a group.
func (c *Courier) SendGroupText(ctx context.Context, groupID ids.ID, body string) (int64, error) {
	return c.Send(ctx, &send.OutgoingRequest{GroupID: &groupID, Message: &content.DataMessage{Body: &body}})
}

// Send persists an outgoing message and schedules its delivery.
func (c *Courier) Send(ctx context.Context, req *send.OutgoingRequest) (int64, error) {
	if c.state != StateRunning {
		return 0, ErrNotRunning
	}
	return c.send.Send(ctx, req)
}

// Cancel delivery of an outgoing message.
func (c *Courier) Cancel(messageID int64) error {
	if c.state != StateRunning {
		return ErrNotRunning
	}
	return c.send.Cancel(messageID)
}

// Resend a message to every destination that has not received it yet.
func (c *Courier) Resend(messageID int64) error {
	if c.state != StateRunning {
		return ErrNotRunning
	}
	return c.send.Resend(messageID, nil)
}

// Create or update a group with a given master key and member list.
func (c *Courier) SetGroup(id ids.ID, masterKey []byte, revision uint32, members []ids.ID) error {
	if c.state != StateRunning {
		return ErrNotRunning
	}
	return c.DB.Run("set group", func() error {
		if err := c.store.UpsertGroup(&store.Group{ID: id[:], MasterKey: masterKey, Revision: revision, UtimeMs: c.clock.CurrentTimeMs()}); err != nil {
			return err
		}
		return c.store.SetGroupMembers(id[:], members)
	})
}

// TrustIdentity accepts a changed identity key for id. Messages which failed because of the change can then be resent.
func (c *Courier) TrustIdentity(id ids.ID, key []byte) error {
	if c.state != StateRunning {
		return ErrNotRunning
	}
	return c.DB.Run("trust identity", func() error {
		if err := c.cipher.TrustIdentity(id, key); err != nil {
			return err
		}
		return c.store.ClearIdentityMismatches(id)
	})
}

// IdentityKey returns the identity key currently trusted for id, or nil when none is known.
func (c *Courier) IdentityKey(id ids.ID) ([]byte, error) {
	if c.state != StateRunning {
		return nil, ErrNotRunning
	}
	var key []byte
	return key, c.DB.RunReadOnly("identity key", func() error {
		var err error
		key, err = c.cipher.IdentityKey(id)
		return err
	})
}

// SetMigrationPending holds received envelopes while pending is true. Clearing it processes everything held.
func (c *Courier) SetMigrationPending(pending bool) error {
	if c.state != StateRunning {
		return ErrNotRunning
	}
	c.receive.SetMigrationPending(pending)
	if pending {
		return nil
	}
	n, err := c.receive.Drain()
	if err != nil {
		return err
	}
	c.log.Infof("processed %d held envelopes", n)
	return nil
}

// Messages returns every stored incoming message, placeholders included.
func (c *Courier) Messages() ([]*store.IncomingRecord, error) {
	if c.state != StateRunning {
		return nil, ErrNotRunning
	}
	var recs []*store.IncomingRecord
	return recs, c.DB.RunReadOnly("incoming messages", func() error {
		var err error
		recs, err = c.store.Messages()
		return err
	})
}

// Outgoing returns a stored outgoing message, or nil when it does not exist.
func (c *Courier) Outgoing(messageID int64) (*store.OutgoingMessageRecord, error) {
	if c.state != StateRunning {
		return nil, ErrNotRunning
	}
	var rec *store.OutgoingMessageRecord
	return rec, c.DB.RunReadOnly("outgoing message", func() error {
		var err error
		rec, err = c.store.GetOutgoing(messageID)
		return err
	})
}

func (c *Courier) startUpdatePassing(ctx context.Context) {
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-c.receive.Updates():
				c.pass("receive", e)
			case e := <-c.send.Updates():
				c.pass("send", e)
			case e := <-c.transport.Updates():
				c.pass("transport", e)
			case e := <-c.queue.Updates():
				if f, ok := e.(*jobs.Finished); ok && f.Err != nil {
					c.log.Debugf("job %s (%s) finished with %s: %s", f.ID, f.Kind, f.Result, f.Err)
				}
			}
		}
	}()
}

func (c *Courier) pass(source string, e interface{}) {
	c.log.Debugf("passing update: %s %#v", source, e)
	select {
	case c.updates <- e:
	default:
		c.log.Warnf("dropping %s update %T", source, e)
	}
}

// startPrekeyUpload publishes the prekeys generated with the local identity, retrying until the service accepts
// them or courier shuts down.
func (c *Courier) startPrekeyUpload(ctx context.Context, upload *cipher.PrekeyUpload) {
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Duration(c.config.RetryInitialMs) * time.Millisecond
		b.MaxInterval = time.Duration(c.config.RetryMaxMs) * time.Millisecond
		b.MaxElapsedTime = 0
		if err := backoff.RetryNotify(func() error {
			return c.transport.UploadPrekeys(ctx, upload)
		}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
			c.log.Warnf("error uploading prekeys, retrying in %s: %s", d, err)
		}); err != nil {
			c.log.Debugf("stopped uploading prekeys: %s", err)
			return
		}
		c.log.Infof("uploaded %d prekeys", len(upload.Prekeys))
	}()
}

// startPruning forgets old duplicate-detection digests once an hour.
func (c *Courier) startPruning(ctx context.Context) {
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				before := clock.MsAgo(c.clock, receivedRetention)
				if err := c.DB.Run("prune received", func() error {
					return c.cipher.PruneReceived(before)
				}); err != nil {
					c.log.Warnf("error pruning received digests: %s", err)
				}
			}
		}
	}()
}

func (c *Courier) setState(state int) {
	c.state = state
	select {
	case c.updates <- &AppState{state}:
	default:
	}
}
