package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/jobs"
	"github.com/meow-io/go-courier/transport/pipe"
	"github.com/meow-io/go-courier/transport/poll"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type queued struct {
	guid string
	body []byte
}

type fakeService struct {
	t       *testing.T
	srv     *httptest.Server
	conns   chan *websocket.Conn
	lock    sync.Mutex
	queued  []queued
	nextID  int
	acked   []string
	restPut atomic.Int32
}

func newFakeService(t *testing.T) *fakeService {
	s := &fakeService{t: t, conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/websocket", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
	})
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		s.lock.Lock()
		defer s.lock.Unlock()
		type delivered struct {
			GUID     string `json:"guid"`
			Envelope []byte `json:"envelope"`
		}
		out := struct {
			Messages []delivered `json:"messages"`
			More     bool        `json:"more"`
		}{Messages: []delivered{}}
		for _, q := range s.queued {
			out.Messages = append(out.Messages, delivered{GUID: q.guid, Envelope: q.body})
		}
		json.NewEncoder(w).Encode(&out)
	})
	mux.HandleFunc("/v1/messages/uuid/", func(w http.ResponseWriter, r *http.Request) {
		s.lock.Lock()
		defer s.lock.Unlock()
		guid := strings.TrimPrefix(r.URL.Path, "/v1/messages/uuid/")
		s.acked = append(s.acked, guid)
		kept := s.queued[:0]
		for _, q := range s.queued {
			if q.guid != guid {
				kept = append(kept, q)
			}
		}
		s.queued = kept
	})
	mux.HandleFunc("/v1/messages/", func(w http.ResponseWriter, r *http.Request) {
		s.restPut.Add(1)
		w.Write([]byte(`{"needsSync":true}`))
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeService) queue(b []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextID++
	s.queued = append(s.queued, queued{guid: fmt.Sprintf("guid-%d", s.nextID), body: b})
}

func (s *fakeService) ackedGUIDs() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string{}, s.acked...)
}

func (s *fakeService) accept() *websocket.Conn {
	select {
	case ws := <-s.conns:
		s.t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(5 * time.Second):
		s.t.Fatal("no connection")
		return nil
	}
}

func writeFrame(t *testing.T, ws *websocket.Conn, f *pipe.Frame) {
	b, err := pipe.EncodeFrame(f)
	require.Nil(t, err)
	require.Nil(t, ws.WriteMessage(websocket.BinaryMessage, b))
}

func readFrame(t *testing.T, ws *websocket.Conn) *pipe.Frame {
	require.Nil(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, b, err := ws.ReadMessage()
	require.Nil(t, err)
	f, err := pipe.DecodeFrame(b)
	require.Nil(t, err)
	return f
}

func encodedEnvelope(t *testing.T, ts uint64) []byte {
	source := ids.NewID()
	b, err := envelope.Encode(&envelope.Envelope{Type: envelope.TypeReceipt, Source: &source, SourceDevice: 1, Timestamp: ts})
	require.Nil(t, err)
	return b
}

type recorder struct {
	lock sync.Mutex
	envs []*envelope.Envelope
	fail atomic.Bool
	seen chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 100)}
}

func (r *recorder) process(env *envelope.Envelope) error {
	defer func() {
		select {
		case r.seen <- struct{}{}:
		default:
		}
	}()
	if r.fail.Load() {
		return errors.New("storage unavailable")
	}
	r.lock.Lock()
	r.envs = append(r.envs, env)
	r.lock.Unlock()
	return nil
}

func (r *recorder) wait(t *testing.T) {
	select {
	case <-r.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not processed")
	}
}

func (r *recorder) timestamps() []uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	ts := make([]uint64, len(r.envs))
	for i, e := range r.envs {
		ts[i] = e.Timestamp
	}
	return ts
}

func newTestManager(t *testing.T, s *fakeService, withPipe bool, processor EnvelopeProcessor) *Manager {
	pipeURL := ""
	if withPipe {
		pipeURL = s.pipeURL("/v1/websocket")
	}
	return startManager(t, s, pipeURL, processor)
}

func (s *fakeService) pipeURL(path string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + path
}

func startManager(t *testing.T, s *fakeService, pipeURL string, processor EnvelopeProcessor) *Manager {
	opts := []config.Option{
		config.WithServiceURL(s.srv.URL),
		config.WithKeepaliveIntervalMs(0),
		config.WithReadTimeoutMs(100),
		config.WithPollIntervalMs(20),
		config.WithRequestTimeoutMs(2000),
	}
	if pipeURL != "" {
		opts = append(opts, config.WithPipeURL(pipeURL))
	}
	c := config.NewConfig(opts...)
	c.PollRatePerSec = 0
	m := NewManager(c, nil, nil, processor)
	require.Nil(t, m.Start())
	t.Cleanup(func() { m.Shutdown() })
	return m
}

func TestPipeReceiveAcksAfterProcessing(t *testing.T) {
	require := require.New(t)
	s := newFakeService(t)
	r := newRecorder()
	m := newTestManager(t, s, true, r.process)
	ws := s.accept()

	writeFrame(t, ws, &pipe.Frame{Type: pipe.FrameRequest, Request: &pipe.Request{ID: 1, Verb: pipe.VerbPut, Path: pipe.PathMessage, Body: encodedEnvelope(t, 100)}})
	r.wait(t)
	ack := readFrame(t, ws)
	require.Equal(uint64(1), ack.Response.ID)
	require.Equal(uint32(200), ack.Response.Status)
	require.Equal([]uint64{100}, r.timestamps())

	r.fail.Store(true)
	writeFrame(t, ws, &pipe.Frame{Type: pipe.FrameRequest, Request: &pipe.Request{ID: 2, Verb: pipe.VerbPut, Path: pipe.PathMessage, Body: encodedEnvelope(t, 200)}})
	r.wait(t)
	ack = readFrame(t, ws)
	require.Equal(uint64(2), ack.Response.ID)
	require.Equal(uint32(500), ack.Response.Status)
	require.Eventually(m.Available, 5*time.Second, 10*time.Millisecond)
}

func TestPollingWithoutPipe(t *testing.T) {
	require := require.New(t)
	s := newFakeService(t)
	s.queue(encodedEnvelope(t, 1))
	s.queue(encodedEnvelope(t, 2))
	r := newRecorder()
	m := newTestManager(t, s, false, r.process)

	r.wait(t)
	r.wait(t)
	require.Equal([]uint64{1, 2}, r.timestamps())
	require.Eventually(func() bool { return len(s.ackedGUIDs()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.True(m.Available())
	select {
	case <-m.NetworkChanged():
	case <-time.After(time.Second):
		t.Fatal("no network change")
	}
}

func TestPollingStopsAtProcessingFailure(t *testing.T) {
	require := require.New(t)
	s := newFakeService(t)
	s.queue(encodedEnvelope(t, 1))
	r := newRecorder()
	r.fail.Store(true)
	newTestManager(t, s, false, r.process)

	r.wait(t)
	r.wait(t)
	require.Empty(s.ackedGUIDs())

	r.fail.Store(false)
	require.Eventually(func() bool { return len(s.ackedGUIDs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal([]uint64{1}, r.timestamps())
}

func TestSendPrefersPipe(t *testing.T) {
	require := require.New(t)
	s := newFakeService(t)
	m := newTestManager(t, s, true, newRecorder().process)
	ws := s.accept()
	require.Eventually(m.Available, 5*time.Second, 10*time.Millisecond)

	dest := ids.NewID()
	go func() {
		f := readFrame(t, ws)
		if f.Request.Path != "/v1/messages/"+dest.String() {
			t.Errorf("unexpected path %s", f.Request.Path)
		}
		writeFrame(t, ws, &pipe.Frame{Type: pipe.FrameResponse, Response: &pipe.Response{ID: f.Request.ID, Status: 200, Body: []byte(`{"needsSync":true}`)}})

		f = readFrame(t, ws)
		writeFrame(t, ws, &pipe.Frame{Type: pipe.FrameResponse, Response: &pipe.Response{ID: f.Request.ID, Status: 409, Body: []byte(`{"missingDevices":[2],"extraDevices":[]}`)}})
	}()

	res, err := m.Send(context.Background(), &poll.OutgoingBatch{Destination: dest, Timestamp: 10})
	require.Nil(err)
	require.True(res.NeedsSync)

	_, err = m.Send(context.Background(), &poll.OutgoingBatch{Destination: dest, Timestamp: 11})
	var mismatched *poll.MismatchedDevicesError
	require.True(errors.As(err, &mismatched))
	require.Equal([]uint32{2}, mismatched.Missing)
	require.Equal(int32(0), s.restPut.Load())
}

func TestSendOverRestWithoutPipe(t *testing.T) {
	require := require.New(t)
	s := newFakeService(t)
	m := newTestManager(t, s, false, newRecorder().process)

	res, err := m.Send(context.Background(), &poll.OutgoingBatch{Destination: ids.NewID(), Timestamp: 10})
	require.Nil(err)
	require.True(res.NeedsSync)
	require.Equal(int32(1), s.restPut.Load())
}

func TestHeaderLookup(t *testing.T) {
	require := require.New(t)
	require.Equal("5", header([]string{"Content-Type: text/plain", "Retry-After: 5"}, "retry-after"))
	require.Equal("", header([]string{"bogus"}, "retry-after"))
}

type sendJob struct {
	N uint32 `bencode:"n"`
}

type signalRunner struct {
	ran chan uint32
}

func (r *signalRunner) Run(ctx context.Context, job *jobs.Job) error {
	p := &sendJob{}
	if err := job.Decode(p); err != nil {
		return err
	}
	r.ran <- p.N
	return nil
}

func (r *signalRunner) OnFailure(job *jobs.Job, err error) error {
	return nil
}

func TestPollingKeepsNetworkAvailableWhilePipeIsDown(t *testing.T) {
	require := require.New(t)
	s := newFakeService(t)
	m := startManager(t, s, s.pipeURL("/v1/unreachable"), newRecorder().process)

	c := config.NewConfig(config.WithRetryIntervalsMs(5, 20))
	d := test.NewTestDatabase(c)
	var q *jobs.Queue
	require.Nil(d.Lock("test queue", func() error {
		var err error
		q, err = jobs.NewQueue(c, d, clock.NewSystemClock(), m, nil)
		return err
	}))
	t.Cleanup(func() { _ = q.Shutdown() })
	r := &signalRunner{ran: make(chan uint32, 1)}
	q.Register("send", r)
	require.Nil(q.Start())

	require.Nil(d.Run("enqueue", func() error {
		_, err := q.Enqueue("send", &sendJob{N: 7}, jobs.Options{RequiresNetwork: true})
		return err
	}))

	select {
	case n := <-r.ran:
		require.Equal(uint32(7), n)
	case <-time.After(5 * time.Second):
		t.Fatal("network job was never claimed")
	}
	require.True(m.Available())
	require.NotEqual(pipe.StateConnected, m.pipe.State())
}
