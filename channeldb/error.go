package channeldb

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveChannels is returned when there are no active (open)
	// channels within the database.
	ErrNoActiveChannels = errors.New("no active channels exist")

	// ErrChannelNotFound is returned when we attempt to locate a channel
	// for a specific chain, but it is not found.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrNoPastDeltas is returned when the channel delta log is empty.
	ErrNoPastDeltas = errors.New("channel has no recorded deltas")

	// ErrLogEntryNotFound is returned when we cannot find a log entry at
	// the height requested in the revocation log.
	ErrLogEntryNotFound = errors.New("log entry not found")

	// ErrNoChanInfoFound is returned when a particular channel does not
	// have any channels state.
	ErrNoChanInfoFound = errors.New("no chan info found")

	// ErrNoCommitmentsFound is returned when a channel has not set
	// commitment states.
	ErrNoCommitmentsFound = errors.New("no commitments found")

	// ErrNoRevocationsFound is returned when revocation state for a
	// particular channel cannot be found.
	ErrNoRevocationsFound = errors.New("no revocations found")

	// ErrNoPendingCommit is returned when there is not a pending
	// commitment for a remote party. A new commitment is written to disk
	// each time we write a new state in order to be properly fault
	// tolerant.
	ErrNoPendingCommit = errors.New("no pending commits found")

	// ErrNoCloseTx is returned when no closing tx is found for a channel
	// in the state CommitBroadcasted.
	ErrNoCloseTx = errors.New("no closing tx found")

	// ErrChanBorked is returned when a caller attempts to mutate a borked
	// channel.
	ErrChanBorked = errors.New("cannot mutate borked channel")

	// ErrOutOfOrderUpdate is returned when a monitor update record is
	// appended whose update ID is not exactly one greater than the last
	// applied update ID. Records are never reordered, the producer is
	// responsible for sequencing.
	ErrOutOfOrderUpdate = errors.New("monitor update applied out of order")

	// ErrMalformedUpdate is returned when a monitor update record
	// references an unknown HTLC id, or carries a commitment with a
	// height lower than the current one.
	ErrMalformedUpdate = errors.New("malformed monitor update")

	// ErrUnrecoverableLog is returned once a monitor update log has
	// failed a durable write. At that point the caller must not proceed
	// with any state transition that depends on the failed record, as we
	// can no longer guarantee the punishment material is recoverable.
	ErrUnrecoverableLog = errors.New("monitor update log unrecoverable")

	// ErrPendingUpdates is returned when archival of a monitor log is
	// attempted while asynchronous record writes are still outstanding.
	ErrPendingUpdates = errors.New("monitor has pending updates")

	// ErrUnpersistedPreimage is returned when archival of a monitor log
	// is attempted while a known preimage has not yet been durably
	// recorded.
	ErrUnpersistedPreimage = errors.New("preimage not durably recorded")

	// ErrMonitorArchived is returned when a record is appended to a
	// monitor log that has already been archived.
	ErrMonitorArchived = errors.New("monitor log already archived")

	// ErrPreimageNotFound is returned when a preimage lookup within the
	// preimage index fails.
	ErrPreimageNotFound = errors.New("preimage not found")
)

// UnknownElementType is an error returned when the codec is unable to encode
// or decode a particular type.
type UnknownElementType struct {
	method  string
	element interface{}
}

// NewUnknownElementType creates a new UnknownElementType error from the
// passed method name and element.
func NewUnknownElementType(method string, el interface{}) UnknownElementType {
	return UnknownElementType{method: method, element: el}
}

// Error returns the name of the method that encountered the error, as well as
// the type that was unsupported.
func (e UnknownElementType) Error() string {
	return fmt.Sprintf("Unknown type in %s: %T", e.method, e.element)
}
