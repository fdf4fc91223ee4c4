package receive

import (
	"github.com/meow-io/go-courier/content"
	"github.com/meow-io/go-courier/envelope"
	"github.com/meow-io/go-courier/ids"
)

type MessageReceived struct {
	ID        int64
	Sender    ids.Address
	Timestamp uint64
	GroupID   *ids.ID
	Message   *content.DataMessage
}

// PlaceholderInserted reports a message which arrived but could not be read. NewKey is set when the sender's
// identity key changed.
type PlaceholderInserted struct {
	ID        int64
	Sender    ids.Address
	Timestamp uint64
	Kind      string
	NewKey    []byte
}

type ReceiptsUpdated struct {
	Type       content.ReceiptType
	Sender     ids.ID
	Timestamps []uint64
	Updated    int64
}

type TypingUpdate struct {
	Sender  ids.Address
	Message *content.TypingMessage
}

type CallUpdate struct {
	Sender  ids.Address
	Message *content.CallMessage
}

type SystemCommandReceived struct {
	Timestamp uint64
	Command   *envelope.SystemCommand
}

type StoryReceived struct {
	Sender    ids.Address
	Timestamp uint64
	Story     *content.StoryMessage
}

type SenderKeyReceived struct {
	Sender  ids.Address
	Message *content.SenderKeyDistributionMessage
}

type DecryptionErrorReceived struct {
	Sender  ids.Address
	Message *content.DecryptionErrorMessage
}

type GroupUpdated struct {
	GroupID  ids.ID
	Revision uint32
}

type ReactionUpdated struct {
	Sender   ids.Address
	Reaction *content.Reaction
}

type RemoteDeleted struct {
	Sender          ids.ID
	TargetTimestamp uint64
}

type ExpirationTimerUpdated struct {
	ConversationID ids.ID
	Seconds        uint32
}

type ReadMarksApplied struct {
	Marks []content.ReadMark
}

type SentTranscriptApplied struct {
	OutgoingID int64
	Timestamp  uint64
}

type SessionEnded struct {
	Sender ids.Address
}
