package poll

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meow-io/go-courier/cipher"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := config.NewConfig(config.WithServiceURL(srv.URL), config.WithRequestTimeoutMs(2000))
	c.PollRatePerSec = 0
	return NewClient(c, nil, http.Header{"Authorization": []string{"Basic dGVzdA=="}})
}

func TestFetchAndAck(t *testing.T) {
	require := require.New(t)
	source := ids.NewID()
	good, err := envelope.Encode(&envelope.Envelope{Type: envelope.TypeReceipt, Source: &source, SourceDevice: 1, Timestamp: 10})
	require.Nil(err)

	var lock sync.Mutex
	var acked []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal("Basic dGVzdA==", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/messages":
			json.NewEncoder(w).Encode(&wireMessages{
				Messages: []wireDelivered{{GUID: "bad", Envelope: []byte("nope")}, {GUID: "good", Envelope: good}},
				More:     true,
			})
		case r.Method == http.MethodDelete:
			lock.Lock()
			acked = append(acked, r.URL.Path)
			lock.Unlock()
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	envs, more, err := client.Fetch(context.Background())
	require.Nil(err)
	require.True(more)
	require.Len(envs, 1)
	require.Equal("good", envs[0].ServerGUID)
	require.True(envs[0].IsReceipt())

	require.Nil(client.Ack(context.Background(), envs[0]))
	require.Equal([]string{"/v1/messages/uuid/bad", "/v1/messages/uuid/good"}, acked)
}

func TestAckWithoutGUID(t *testing.T) {
	require := require.New(t)
	var lock sync.Mutex
	var acked []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodDelete, r.Method)
		lock.Lock()
		acked = append(acked, r.URL.Path)
		lock.Unlock()
	})

	source := ids.NewID()
	require.Nil(client.Ack(context.Background(), &envelope.Envelope{Type: envelope.TypeCiphertext, Source: &source, SourceDevice: 1, Timestamp: 42}))
	require.Nil(client.Ack(context.Background(), &envelope.Envelope{Type: envelope.TypeUnidentifiedSender, Timestamp: 43}))
	require.Equal([]string{"/v1/messages/" + source.String() + "/42"}, acked)
}

func TestStatusMapping(t *testing.T) {
	require := require.New(t)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/profile/" + ids.ID{1}.String():
			w.WriteHeader(http.StatusNotFound)
		case "/v1/profile/" + ids.ID{2}.String():
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"missingDevices":[3],"extraDevices":[4]}`))
		case "/v1/profile/" + ids.ID{3}.String():
			w.WriteHeader(http.StatusGone)
			w.Write([]byte(`{"staleDevices":[2]}`))
		case "/v1/profile/" + ids.ID{4}.String():
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	})
	ctx := context.Background()

	_, err := client.FetchProfile(ctx, ids.ID{1})
	require.ErrorIs(err, ErrUnregistered)

	_, err = client.FetchProfile(ctx, ids.ID{2})
	var mismatched *MismatchedDevicesError
	require.True(errors.As(err, &mismatched))
	require.Equal([]uint32{3}, mismatched.Missing)
	require.Equal([]uint32{4}, mismatched.Extra)

	_, err = client.FetchProfile(ctx, ids.ID{3})
	var stale *StaleDevicesError
	require.True(errors.As(err, &stale))
	require.Equal([]uint32{2}, stale.Stale)

	_, err = client.FetchProfile(ctx, ids.ID{4})
	var se *StatusError
	require.True(errors.As(err, &se))
	require.Equal(http.StatusTooManyRequests, se.Status)
	require.Equal(3*time.Second, se.RetryAfter)

	_, err = client.FetchProfile(ctx, ids.ID{5})
	require.True(errors.As(err, &se))
	require.Equal(http.StatusForbidden, se.Status)
	require.Zero(se.RetryAfter)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	require := require.New(t)
	var hits atomic.Int32
	var failing atomic.Bool
	failing.Store(true)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	ctx := context.Background()

	// client errors do not trip the breaker
	failing.Store(false)
	for i := 0; i < 10; i++ {
		_, err := client.FetchProfile(ctx, ids.NewID())
		require.ErrorIs(err, ErrUnregistered)
	}

	failing.Store(true)
	for i := 0; i < 5; i++ {
		_, err := client.FetchProfile(ctx, ids.NewID())
		var se *StatusError
		require.True(errors.As(err, &se))
	}
	before := hits.Load()
	_, err := client.FetchProfile(ctx, ids.NewID())
	require.ErrorIs(err, ErrUnavailable)
	require.Equal(before, hits.Load())
}

func TestPrekeys(t *testing.T) {
	require := require.New(t)
	id := ids.NewID()
	var uploaded wireKeysUpload
	var paths []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(&wireKeysResponse{
				IdentityKey: []byte{9, 9},
				Devices: []wireDeviceKeys{
					{DeviceID: 1, Prekey: &wirePrekey{KeyID: 7, PublicKey: []byte{1}}},
					{DeviceID: 2},
				},
			})
		case http.MethodPut:
			require.Equal("application/json", r.Header.Get("Content-Type"))
			b, err := io.ReadAll(r.Body)
			require.Nil(err)
			require.Nil(json.Unmarshal(b, &uploaded))
		}
	})
	ctx := context.Background()

	bundles, err := client.FetchPrekeys(ctx, id, 0)
	require.Nil(err)
	require.Len(bundles, 1)
	require.Equal(&cipher.PrekeyBundle{Device: 1, IdentityKey: []byte{9, 9}, PrekeyID: 7, Prekey: []byte{1}}, bundles[0])

	_, err = client.FetchPrekeys(ctx, id, 2)
	require.Nil(err)
	require.Equal([]string{"/v2/keys/" + id.String() + "/*", "/v2/keys/" + id.String() + "/2"}, paths)

	require.Nil(client.UploadPrekeys(ctx, &cipher.PrekeyUpload{IdentityKey: []byte{5}, Prekeys: []cipher.PublicPrekey{{ID: 1, Key: []byte{6}}}}))
	require.Equal([]byte{5}, uploaded.IdentityKey)
	require.Equal([]wirePrekey{{KeyID: 1, PublicKey: []byte{6}}}, uploaded.Prekeys)
}

func TestSendMessages(t *testing.T) {
	require := require.New(t)
	dest := ids.NewID()
	var got OutgoingBatch
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodPut, r.Method)
		require.Equal("/v1/messages/"+dest.String(), r.URL.Path)
		require.Nil(json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"needsSync":true}`))
	})

	res, err := client.SendMessages(context.Background(), &OutgoingBatch{
		Destination: dest,
		Timestamp:   55,
		Messages:    []*OutgoingMessage{{Type: envelope.TypeCiphertext, DestinationDevice: 2, Content: []byte("x")}},
	})
	require.Nil(err)
	require.True(res.NeedsSync)
	require.Equal(dest, got.Destination)
	require.Equal(uint32(2), got.Messages[0].DestinationDevice)
	require.Equal([]byte("x"), got.Messages[0].Content)
}
