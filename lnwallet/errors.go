package lnwallet

import (
	"errors"
	"fmt"

	"github.com/AreaLayer/rust-lightning/lnwire"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrChanClosing is returned when a caller attempts to close a channel
	// that has already been closed or is in the process of being closed.
	ErrChanClosing = errors.New("channel is being closed, operation " +
		"disallowed")

	// ErrNoWindow is returned when revocation window is exhausted.
	ErrNoWindow = errors.New("unable to sign new commitment, the current " +
		"revocation window is exhausted")

	// ErrMaxWeightCost is returned when the cost/weight (see segwit)
	// exceeds the widely used maximum allowed policy weight limit. In this
	// case the transaction can't be propagated through the network.
	ErrMaxWeightCost = errors.New("commitment transaction exceed max " +
		"available cost")

	// ErrMaxHTLCNumber is returned when a proposed HTLC would exceed the
	// maximum number of allowed HTLC's if committed in a state transition.
	ErrMaxHTLCNumber = errors.New("commitment transaction exceed max " +
		"htlc number")

	// ErrMaxPendingAmount is returned when a proposed HTLC exceeds the
	// overall maximum pending value of all HTLCs if committed in a state
	// transition.
	ErrMaxPendingAmount = errors.New("commitment transaction exceed max" +
		"overall pending htlc value")

	// ErrBelowChanReserve is returned when a proposed HTLC would cause
	// one of the peer's funds to dip below the channel reserve limit.
	ErrBelowChanReserve = errors.New("commitment transaction dips peer " +
		"below chan reserve")

	// ErrBelowMinHTLC is returned when a proposed HTLC has a value that
	// is below the minimum HTLC value constraint for either us or our
	// peer depending on which flags are set.
	ErrBelowMinHTLC = errors.New("proposed HTLC value is below minimum " +
		"allowed HTLC value")

	// ErrInvalidHTLCAmt signals that a proposed HTLC has a value that is
	// not positive.
	ErrInvalidHTLCAmt = errors.New("proposed HTLC value must be positive")

	// ErrDustHTLC is returned when a proposed HTLC has a value below the
	// channel's dust limit. Such an HTLC would have no output on the
	// commitment transaction to enforce on-chain, so it is rejected
	// outright rather than silently trimmed to fees.
	ErrDustHTLC = errors.New("proposed HTLC value is below the " +
		"channel's dust limit")

	// ErrTotalCLTVTooHigh is returned when a proposed HTLC has an expiry
	// height beyond the channel's maximum CLTV expiry constraint.
	ErrTotalCLTVTooHigh = errors.New("proposed HTLC expiry exceeds the " +
		"maximum CLTV expiry height")

	// ErrCannotSyncCommitChains is returned if, upon receiving a
	// ChanSync message, the state of both commitment chains cannot be
	// synchronized with the remote party.
	ErrCannotSyncCommitChains = errors.New("unable to sync commit chains")

	// ErrInvalidLastCommitSecret is returned in the case that the
	// commitment secret sent by the remote party in their ChannelReestablish
	// message doesn't match the last secret we sent.
	ErrInvalidLastCommitSecret = errors.New("commit secret is incorrect")

	// ErrInvalidLocalUnrevokedCommitPoint is returned in the case that the
	// commitment point sent by the remote party in their
	// ChannelReestablish message doesn't match the last unrevoked commit
	// point they sent us.
	ErrInvalidLocalUnrevokedCommitPoint = errors.New("unrevoked commit " +
		"point is invalid")

	// ErrCommitSyncRemoteDataLoss is returned in the case that we receive
	// a valid commit secret within the ChannelReestablish message from the
	// remote node AND they advertise a RemoteCommitTailHeight higher than
	// our current known height. This means we have lost some critical
	// data, and must fail the channel and MUST NOT force close it. Instead
	// we should wait for the remote to force close it, such that we can
	// attempt to sweep our funds.
	ErrCommitSyncRemoteDataLoss = errors.New("possible remote commitment " +
		"state data loss")

	// ErrNoUpdatesToSign is returned when a new commitment is signed but
	// there are no updates to sign.
	ErrNoUpdatesToSign = errors.New("no updates to sign")

	// ErrDoubleSpend is returned from a transaction publish attempt in
	// the case the tx being published is spending an output that has
	// already been spent by a conflicting transaction.
	ErrDoubleSpend = errors.New("transaction rejected: output already " +
		"spent")
)

// ErrCommitSyncLocalDataLoss is returned in the case that we receive a valid
// commit secret within the ChannelReestablish message from the remote node
// AND they advertise a RemoteCommitTailHeight higher than our current known
// height. This means we have lost some critical data, and must fail the
// channel and MUST NOT force close it. Instead we should wait for the remote
// to force close it, such that we can attempt to sweep our funds. The
// commitment point needed to sweep the remote's force close is encapsulated.
type ErrCommitSyncLocalDataLoss struct {
	// ChannelPoint is the identifier for the channel that experienced data
	// loss.
	ChannelPoint wire.OutPoint

	// CommitPoint is the last unrevoked commit point, sent to us by the
	// remote when we determined we had lost state.
	CommitPoint *btcec.PublicKey
}

// Error returns a string representation of the local data loss error.
func (e *ErrCommitSyncLocalDataLoss) Error() string {
	return fmt.Sprintf("ChannelPoint(%v) with CommitPoint(%x) had "+
		"possible local commitment state data loss", e.ChannelPoint,
		e.CommitPoint.SerializeCompressed())
}

// InvalidCommitSigError is a struct that implements the error interface to
// report a failure to properly verify a commitment signature for a remote
// peer. We'll use the items in this struct to generate a rich error message
// for the remote peer when we receive an invalid signature from it. Doing so
// can greatly aide in debugging cross implementation issues.
type InvalidCommitSigError struct {
	commitHeight uint64

	commitSig []byte

	sigHash []byte

	commitTx []byte
}

// Error returns a detailed error string including the exact transaction that
// caused an invalid commitment signature.
func (i *InvalidCommitSigError) Error() string {
	return fmt.Sprintf("rejected commitment: commit_height=%v, "+
		"invalid_commit_sig=%x, commit_tx=%x, sig_hash=%x",
		i.commitHeight, i.commitSig, i.commitTx, i.sigHash)
}

// A compile time flag to ensure that InvalidCommitSigError implements the
// error interface.
var _ error = (*InvalidCommitSigError)(nil)

// InvalidHtlcSigError is a struct that implements the error interface to
// report a failure to properly verify an htlc signature from a remote peer.
// We'll use the items in this struct to generate a rich error message for the
// remote peer when we receive an invalid signature from it. Doing so can
// greatly aide in debugging across implementation issues.
type InvalidHtlcSigError struct {
	commitHeight uint64

	htlcSig []byte

	htlcIndex uint64

	sigHash []byte

	commitTx []byte
}

// Error returns a detailed error string including the exact transaction that
// caused an invalid htlc signature.
func (i *InvalidHtlcSigError) Error() string {
	return fmt.Sprintf("rejected commitment: commit_height=%v, "+
		"invalid_htlc_sig=%x, commit_tx=%x, sig_hash=%x",
		i.commitHeight, i.htlcSig, i.commitTx, i.sigHash)
}

// A compile time flag to ensure that InvalidHtlcSigError implements the error
// interface.
var _ error = (*InvalidHtlcSigError)(nil)

// PaymentHash represents the sha256 of a random value. This hash is used to
// uniquely track incoming/outgoing payments within this channel, as well as
// payments requested by the wallet/daemon.
type PaymentHash [32]byte

// String returns the payment hash as a hex encoded string.
func (p PaymentHash) String() string {
	return fmt.Sprintf("%x", p[:])
}

// ErrUnknownHtlcIndex returns an error indicating that an HTLC with the
// passed index could not be located within the update log of the given
// channel.
func ErrUnknownHtlcIndex(chanID lnwire.ChannelID, htlcIndex uint64) error {
	return fmt.Errorf("ChannelID(%v): unknown htlc index: %v",
		chanID, htlcIndex)
}
