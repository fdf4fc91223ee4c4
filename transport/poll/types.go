package poll

import (
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
)

var (
	ErrUnregistered = errors.New("poll: recipient unregistered")
	ErrUnavailable  = errors.New("poll: service unavailable")
)

// StatusError is any non-2xx answer without a more specific meaning. RetryAfter is zero unless the service asked
// for a pause.
type StatusError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter != 0 {
		return fmt.Sprintf("poll: status %d, retry after %s", e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("poll: status %d", e.Status)
}

// MismatchedDevicesError means the batch did not address exactly the recipient's registered devices.
type MismatchedDevicesError struct {
	Missing []uint32 `json:"missingDevices"`
	Extra   []uint32 `json:"extraDevices"`
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("poll: mismatched devices, missing %v extra %v", e.Missing, e.Extra)
}

// StaleDevicesError means the sessions with these devices belong to a previous registration.
type StaleDevicesError struct {
	Stale []uint32 `json:"staleDevices"`
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("poll: stale devices %v", e.Stale)
}

type OutgoingMessage struct {
	Type              envelope.Type `json:"type"`
	DestinationDevice uint32        `json:"destinationDeviceId"`
	Content           []byte        `json:"content"`
}

// OutgoingBatch is every device's copy of one message for a single recipient.
type OutgoingBatch struct {
	Destination ids.ID             `json:"destination"`
	Timestamp   uint64             `json:"timestamp"`
	Online      bool               `json:"online"`
	Urgent      bool               `json:"urgent"`
	Messages    []*OutgoingMessage `json:"messages"`
}

type SendResult struct {
	NeedsSync bool `json:"needsSync"`
}

type wirePrekey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

type wireDeviceKeys struct {
	DeviceID uint32      `json:"deviceId"`
	Prekey   *wirePrekey `json:"preKey"`
}

type wireKeysResponse struct {
	IdentityKey []byte           `json:"identityKey"`
	Devices     []wireDeviceKeys `json:"devices"`
}

type wireKeysUpload struct {
	IdentityKey []byte       `json:"identityKey"`
	Prekeys     []wirePrekey `json:"preKeys"`
}

type wireDelivered struct {
	GUID     string `json:"guid"`
	Envelope []byte `json:"envelope"`
}

type wireMessages struct {
	Messages []wireDelivered `json:"messages"`
	More     bool            `json:"more"`
}

type Profile struct {
	ID         ids.ID `json:"id"`
	Name       []byte `json:"name"`
	About      []byte `json:"about"`
	ProfileKey []byte `json:"profileKey,omitempty"`
}

type AttachmentUpload struct {
	ID  []byte `json:"id"`
	CDN uint32 `json:"cdn"`
}
