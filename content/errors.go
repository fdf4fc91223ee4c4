package content

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/ids"
)

var ErrInvalidMessageStructure = errors.New("content: invalid message structure")

// UnsupportedVersionError is returned for a data message requiring a newer protocol than this client speaks. Group
// is set when the message's group context itself was valid.
type UnsupportedVersionError struct {
	Required uint32
	Sender   *ids.ID
	Device   uint32
	Group    *GroupContext
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("content: message requires protocol version %d, current is %d", e.Required, CurrentProtocolVersion)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessageStructure, fmt.Sprintf(format, args...))
}
