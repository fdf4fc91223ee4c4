// Package pipe is the authenticated websocket connection to the message service. Requests and responses are
// correlated by id in both directions; inbound requests carry envelopes pushed by the service.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/metrics"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

var (
	ErrTimeout      = errors.New("pipe: timeout")
	ErrCancelled    = errors.New("pipe: cancelled")
	ErrClosed       = errors.New("pipe: closed")
	ErrNotConnected = errors.New("pipe: not connected")
	ErrQueueEmpty   = errors.New("pipe: queue empty")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type StateUpdate struct {
	State State
	Err   error
}

type connection struct {
	ws        *websocket.Conn
	writeLock sync.Mutex
	closed    chan struct{}
	incoming  chan *Request
}

func (c *connection) write(f *Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

type pendingRequest struct {
	conn *connection
	ch   chan *Response
}

type Pipe struct {
	log          *zap.SugaredLogger
	config       *config.Config
	metrics      *metrics.Metrics
	url          string
	header       http.Header
	signalingKey []byte

	lock     sync.Mutex
	conn     *connection
	state    State
	closed   bool
	nextID   uint64
	pending  map[uint64]*pendingRequest
	updates  chan interface{}
	finished sync.WaitGroup
}

func New(c *config.Config, m *metrics.Metrics, header http.Header) *Pipe {
	return &Pipe{
		log:          c.Logger("transport/pipe"),
		config:       c,
		metrics:      m,
		url:          c.PipeURL,
		header:       header,
		signalingKey: c.SignalingKey,
		pending:      make(map[uint64]*pendingRequest),
		updates:      make(chan interface{}, 100),
	}
}

func (p *Pipe) Updates() chan interface{} {
	return p.updates
}

func (p *Pipe) State() State {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

// setState must be called with the lock held.
func (p *Pipe) setState(s State, err error) {
	if p.state == s {
		return
	}
	p.state = s
	p.metrics.SetPipeState(int(s))
	select {
	case p.updates <- &StateUpdate{State: s, Err: err}:
	default:
		p.log.Debugf("dropping state update %s", s)
	}
}

// Connect dials the service. Any previous connection is torn down first.
func (p *Pipe) Connect(ctx context.Context) error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return ErrClosed
	}
	old := p.conn
	p.setState(StateConnecting, nil)
	p.lock.Unlock()
	if old != nil {
		p.teardown(old, errors.New("reconnecting"))
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, p.header)
	if err != nil {
		p.lock.Lock()
		p.setState(StateDisconnected, err)
		p.lock.Unlock()
		return fmt.Errorf("pipe: dialing: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)
	conn := &connection{
		ws:       ws,
		closed:   make(chan struct{}),
		incoming: make(chan *Request, 100),
	}

	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		ws.Close()
		return ErrClosed
	}
	p.conn = conn
	p.setState(StateConnected, nil)
	p.lock.Unlock()
	p.log.Infof("connected to %s", p.url)

	p.startReader(conn)
	p.startKeepalive(conn)
	return nil
}

// teardown ends conn once. Requests waiting on it observe ErrCancelled.
func (p *Pipe) teardown(conn *connection, cause error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	select {
	case <-conn.closed:
		return
	default:
	}
	close(conn.closed)
	conn.ws.Close()
	for _, id := range maps.Keys(p.pending) {
		if p.pending[id].conn == conn {
			delete(p.pending, id)
		}
	}
	if p.conn == conn {
		p.conn = nil
		p.setState(StateDisconnected, cause)
	}
	p.log.Debugf("connection ended: %v", cause)
}

// Close aborts all pending requests with ErrCancelled and refuses further connections.
func (p *Pipe) Close() error {
	p.lock.Lock()
	p.closed = true
	conn := p.conn
	p.lock.Unlock()
	if conn != nil {
		p.teardown(conn, ErrClosed)
	}
	p.finished.Wait()
	return nil
}

func (p *Pipe) current() (*connection, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.conn == nil {
		return nil, ErrNotConnected
	}
	return p.conn, nil
}

func (p *Pipe) startReader(conn *connection) {
	p.finished.Add(1)
	go func() {
		defer p.finished.Done()
		for {
			_, data, err := conn.ws.ReadMessage()
			if err != nil {
				p.teardown(conn, err)
				return
			}
			frame, err := DecodeFrame(data)
			if err != nil {
				p.log.Warnf("dropping frame: %s", err)
				continue
			}
			p.metrics.PipeFrame("in", frame.Type.String())
			switch frame.Type {
			case FrameResponse:
				p.lock.Lock()
				pr, ok := p.pending[frame.Response.ID]
				delete(p.pending, frame.Response.ID)
				p.lock.Unlock()
				if !ok {
					p.log.Warnf("dropping response for unknown or already answered request %d", frame.Response.ID)
					continue
				}
				pr.ch <- frame.Response
			case FrameRequest:
				select {
				case conn.incoming <- frame.Request:
				case <-conn.closed:
					return
				}
			}
		}
	}()
}

func (p *Pipe) startKeepalive(conn *connection) {
	interval := p.config.KeepaliveInterval()
	if interval <= 0 {
		return
	}
	p.finished.Add(1)
	go func() {
		defer p.finished.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-conn.closed:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), p.config.RequestTimeout())
				resp, err := p.send(ctx, conn, &Request{Verb: VerbGet, Path: PathKeepalive})
				cancel()
				if err == nil && resp.Status != http.StatusOK {
					err = fmt.Errorf("pipe: keepalive status %d", resp.Status)
				}
				if err != nil {
					p.log.Warnf("keepalive failed: %s", err)
					p.teardown(conn, err)
					return
				}
			}
		}
	}()
}

// SendAndAwaitResponse writes req with a fresh id and waits for the matching response.
func (p *Pipe) SendAndAwaitResponse(ctx context.Context, req *Request) (*Response, error) {
	conn, err := p.current()
	if err != nil {
		return nil, err
	}
	return p.send(ctx, conn, req)
}

func (p *Pipe) send(ctx context.Context, conn *connection, req *Request) (*Response, error) {
	ch := make(chan *Response, 1)
	p.lock.Lock()
	p.nextID++
	req.ID = p.nextID
	p.pending[req.ID] = &pendingRequest{conn: conn, ch: ch}
	p.lock.Unlock()
	forget := func() {
		p.lock.Lock()
		delete(p.pending, req.ID)
		p.lock.Unlock()
	}

	if err := conn.write(&Frame{Type: FrameRequest, Request: req}); err != nil {
		forget()
		return nil, fmt.Errorf("pipe: writing request: %w", err)
	}
	p.metrics.PipeFrame("out", FrameRequest.String())

	timer := time.NewTimer(p.config.RequestTimeout())
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-conn.closed:
		return nil, ErrCancelled
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, ErrTimeout
	}
}

func (p *Pipe) SendResponse(resp *Response) error {
	conn, err := p.current()
	if err != nil {
		return err
	}
	return p.respond(conn, resp)
}

func (p *Pipe) respond(conn *connection, resp *Response) error {
	if err := conn.write(&Frame{Type: FrameResponse, Response: resp}); err != nil {
		return fmt.Errorf("pipe: writing response: %w", err)
	}
	p.metrics.PipeFrame("out", FrameResponse.String())
	return nil
}

// Read waits up to timeout for the next request pushed by the service. ErrTimeout leaves the connection open.
func (p *Pipe) Read(timeout time.Duration) (*Request, error) {
	conn, err := p.current()
	if err != nil {
		return nil, err
	}
	return p.read(conn, timeout)
}

func (p *Pipe) read(conn *connection, timeout time.Duration) (*Request, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case req := <-conn.incoming:
		return req, nil
	case <-conn.closed:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// ReadEnvelope reads until an envelope arrives and hands it to callback. The service is only told the envelope was
// delivered after callback returns nil; on error it is refused so the service delivers it again.
func (p *Pipe) ReadEnvelope(timeout time.Duration, callback func(*envelope.Envelope) error) (*envelope.Envelope, error) {
	conn, err := p.current()
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		req, err := p.read(conn, remaining)
		if err != nil {
			return nil, err
		}

		switch {
		case req.Verb == VerbPut && req.Path == PathMessage:
			env, err := envelope.Unwrap(req.Body, p.signalingKey)
			if err != nil {
				// redelivery cannot fix a malformed envelope
				p.log.Warnf("dropping malformed envelope in request %d: %s", req.ID, err)
				if err := p.respond(conn, &Response{ID: req.ID, Status: http.StatusOK, Message: "OK"}); err != nil {
					return nil, err
				}
				continue
			}
			if err := callback(env); err != nil {
				if rerr := p.respond(conn, &Response{ID: req.ID, Status: http.StatusInternalServerError, Message: "Error processing"}); rerr != nil {
					p.log.Warnf("error refusing envelope: %s", rerr)
				}
				return nil, err
			}
			if err := p.respond(conn, &Response{ID: req.ID, Status: http.StatusOK, Message: "OK"}); err != nil {
				return nil, err
			}
			return env, nil
		case req.Verb == VerbPut && req.Path == PathQueueEmpty:
			if err := p.respond(conn, &Response{ID: req.ID, Status: http.StatusOK, Message: "OK"}); err != nil {
				return nil, err
			}
			return nil, ErrQueueEmpty
		default:
			p.log.Warnf("unknown request %s %s", req.Verb, req.Path)
			if err := p.respond(conn, &Response{ID: req.ID, Status: http.StatusBadRequest, Message: "Unknown"}); err != nil {
				return nil, err
			}
		}
	}
}
