// Package poll is the REST side of the message service: polling fallback for receiving, plus the key, profile and
// attachment endpoints the pipelines need.
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/meow-io/go-courier/cipher"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const breakerName = "service"

type Client struct {
	log          *zap.SugaredLogger
	base         string
	header       http.Header
	signalingKey []byte
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker
	limiter      *rate.Limiter
}

func NewClient(c *config.Config, m *metrics.Metrics, header http.Header) *Client {
	log := c.Logger("transport/poll")
	settings := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// answers from a healthy service, even refusals, do not count against it
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Status < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("circuit breaker %s: %s -> %s", name, from, to)
			m.SetCircuitBreakerState(name, int(to))
		},
	}
	breaker := gobreaker.NewCircuitBreaker(settings)
	m.SetCircuitBreakerState(breakerName, int(breaker.State()))

	limit := rate.Inf
	if c.PollRatePerSec > 0 {
		limit = rate.Limit(c.PollRatePerSec)
	}
	return &Client{
		log:          log,
		base:         c.ServiceURL,
		header:       header,
		signalingKey: c.SignalingKey,
		http:         &http.Client{Timeout: c.RequestTimeout()},
		breaker:      breaker,
		limiter:      rate.NewLimiter(limit, 1),
	}
}

// Do performs one request through the circuit breaker and returns the raw response body. Non-2xx answers are mapped
// to the package's error types.
func (c *Client) Do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, method, path, contentType, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("poll: building request: %w", err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("poll: reading %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return b, nil
	}
	return nil, statusError(resp, b)
}

func statusError(resp *http.Response, body []byte) error {
	return ErrorForStatus(resp.StatusCode, resp.Header.Get("Retry-After"), body)
}

// ErrorForStatus maps a non-2xx service answer to an error. It is shared with requests made over the pipe, which
// carry the same statuses and bodies.
func ErrorForStatus(status int, retryAfter string, body []byte) error {
	switch status {
	case http.StatusNotFound:
		return ErrUnregistered
	case http.StatusConflict:
		e := &MismatchedDevicesError{}
		if err := json.Unmarshal(body, e); err != nil {
			return &StatusError{Status: status}
		}
		return e
	case http.StatusGone:
		e := &StaleDevicesError{}
		if err := json.Unmarshal(body, e); err != nil {
			return &StatusError{Status: status}
		}
		return e
	}
	se := &StatusError{Status: status}
	if status == http.StatusRequestEntityTooLarge || status == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("poll: encoding %s body: %w", path, err)
		}
		body = b
		contentType = "application/json"
	}
	resp, err := c.Do(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("poll: decoding %s response: %w", path, err)
	}
	return nil
}

// Fetch pulls queued envelopes. Envelopes which cannot be decoded are acknowledged and skipped. The returned
// envelopes carry the service guid needed for Ack.
func (c *Client) Fetch(ctx context.Context) ([]*envelope.Envelope, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}
	var msgs wireMessages
	if err := c.doJSON(ctx, http.MethodGet, "/v1/messages", nil, &msgs); err != nil {
		return nil, false, err
	}
	envs := make([]*envelope.Envelope, 0, len(msgs.Messages))
	for _, d := range msgs.Messages {
		env, err := envelope.Unwrap(d.Envelope, c.signalingKey)
		if err != nil {
			c.log.Warnf("dropping malformed envelope %s: %s", d.GUID, err)
			if d.GUID != "" {
				if err := c.ackGUID(ctx, d.GUID); err != nil {
					return nil, false, err
				}
			}
			continue
		}
		env.ServerGUID = d.GUID
		envs = append(envs, env)
	}
	return envs, msgs.More, nil
}

// Ack removes env from the service queue. Without a guid the sender and timestamp address it instead, and an
// envelope with neither is left for the service to expire.
func (c *Client) Ack(ctx context.Context, env *envelope.Envelope) error {
	switch {
	case env.ServerGUID != "":
		return c.ackGUID(ctx, env.ServerGUID)
	case env.HasSource():
		_, err := c.Do(ctx, http.MethodDelete, fmt.Sprintf("/v1/messages/%s/%d", env.Source, env.Timestamp), "", nil)
		return err
	default:
		c.log.Warnf("cannot acknowledge %s without a guid or sender", env)
		return nil
	}
}

func (c *Client) ackGUID(ctx context.Context, guid string) error {
	_, err := c.Do(ctx, http.MethodDelete, "/v1/messages/uuid/"+url.PathEscape(guid), "", nil)
	return err
}

func (c *Client) SendMessages(ctx context.Context, batch *OutgoingBatch) (*SendResult, error) {
	res := &SendResult{}
	if err := c.doJSON(ctx, http.MethodPut, "/v1/messages/"+batch.Destination.String(), batch, res); err != nil {
		return nil, err
	}
	return res, nil
}

// FetchPrekeys returns a bundle per device of id, or only for device when it is non-zero.
func (c *Client) FetchPrekeys(ctx context.Context, id ids.ID, device uint32) ([]*cipher.PrekeyBundle, error) {
	d := "*"
	if device != 0 {
		d = strconv.FormatUint(uint64(device), 10)
	}
	var keys wireKeysResponse
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v2/keys/%s/%s", id, d), nil, &keys); err != nil {
		return nil, err
	}
	bundles := make([]*cipher.PrekeyBundle, 0, len(keys.Devices))
	for _, dk := range keys.Devices {
		if dk.Prekey == nil {
			c.log.Warnf("no prekey available for %s.%d", id, dk.DeviceID)
			continue
		}
		bundles = append(bundles, &cipher.PrekeyBundle{
			Device:      dk.DeviceID,
			IdentityKey: keys.IdentityKey,
			PrekeyID:    dk.Prekey.KeyID,
			Prekey:      dk.Prekey.PublicKey,
		})
	}
	return bundles, nil
}

func (c *Client) UploadPrekeys(ctx context.Context, upload *cipher.PrekeyUpload) error {
	w := &wireKeysUpload{IdentityKey: upload.IdentityKey, Prekeys: make([]wirePrekey, len(upload.Prekeys))}
	for i, p := range upload.Prekeys {
		w.Prekeys[i] = wirePrekey{KeyID: p.ID, PublicKey: p.Key}
	}
	return c.doJSON(ctx, http.MethodPut, "/v2/keys", w, nil)
}

func (c *Client) FetchProfile(ctx context.Context, id ids.ID) (*Profile, error) {
	p := &Profile{}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/profile/"+id.String(), nil, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UploadAttachment stores an already encrypted attachment body and returns where it can be fetched from.
func (c *Client) UploadAttachment(ctx context.Context, body []byte) (*AttachmentUpload, error) {
	resp, err := c.Do(ctx, http.MethodPost, "/v2/attachments", "application/octet-stream", body)
	if err != nil {
		return nil, err
	}
	u := &AttachmentUpload{}
	if err := json.Unmarshal(resp, u); err != nil {
		return nil, fmt.Errorf("poll: decoding attachment upload: %w", err)
	}
	return u, nil
}
