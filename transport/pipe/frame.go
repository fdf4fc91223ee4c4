package pipe

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/bencode"
)

type FrameType uint8

const (
	FrameRequest FrameType = iota + 1
	FrameResponse
)

func (t FrameType) String() string {
	switch t {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

const (
	VerbGet    = "GET"
	VerbPut    = "PUT"
	VerbDelete = "DELETE"

	PathMessage    = "/api/v1/message"
	PathQueueEmpty = "/api/v1/queue/empty"
	PathKeepalive  = "/v1/keepalive"
)

type Request struct {
	ID      uint64   `bencode:"i"`
	Verb    string   `bencode:"v"`
	Path    string   `bencode:"p"`
	Headers []string `bencode:"h,omitempty"`
	Body    []byte   `bencode:"b,omitempty"`
}

type Response struct {
	ID      uint64   `bencode:"i"`
	Status  uint32   `bencode:"s"`
	Message string   `bencode:"m,omitempty"`
	Body    []byte   `bencode:"b,omitempty"`
	Headers []string `bencode:"h,omitempty"`
}

// Frame is one websocket message. Exactly one of Request or Response is set, matching Type.
type Frame struct {
	Type     FrameType `bencode:"t"`
	Request  *Request  `bencode:"rq,omitempty"`
	Response *Response `bencode:"rs,omitempty"`
}

var errMalformedFrame = errors.New("pipe: malformed frame")

func (f *Frame) validate() error {
	switch f.Type {
	case FrameRequest:
		if f.Request == nil || f.Response != nil {
			return errMalformedFrame
		}
	case FrameResponse:
		if f.Response == nil || f.Request != nil {
			return errMalformedFrame
		}
	default:
		return fmt.Errorf("%w: unknown type %d", errMalformedFrame, f.Type)
	}
	return nil
}

func DecodeFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	if err := bencode.Deserialize(b, f); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedFrame, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func EncodeFrame(f *Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	return bencode.Serialize(f)
}
