package lnwallet

import (
	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwire"
)

// updateType is the exact type of an entry within the shared HTLC log.
type updateType uint8

const (
	// Add is an update type that adds a new HTLC entry into the log.
	// Either side can add a new pending HTLC by adding a new Add entry
	// into their update log.
	Add updateType = iota

	// Fail is an update type which removes a prior HTLC entry from the
	// log. Adding a Fail entry to one's log will modify the _remote_
	// party's update log once a new commitment view has been evaluated
	// which contains the Fail entry.
	Fail

	// Settle is an update type which settles a prior HTLC crediting the
	// balance of the receiving node. Adding a Settle entry to a log will
	// result in the settle entry being removed on the log as well as the
	// original add entry from the remote party's log after the next state
	// transition.
	Settle
)

// String returns a human readable string that uniquely identifies the target
// update type.
func (u updateType) String() string {
	switch u {
	case Add:
		return "Add"
	case Fail:
		return "Fail"
	case Settle:
		return "Settle"
	default:
		return "<unknown type>"
	}
}

// paymentDescriptor represents a commitment state update which either adds,
// settles, or removes an HTLC. paymentDescriptors encapsulate all necessary
// metadata w.r.t to an HTLC, and additional data pairing a settle message to
// the original added HTLC.
type paymentDescriptor struct {
	// ChanID is the ChannelID of the LightningChannel that this
	// paymentDescriptor belongs to. We track this here so we can
	// reconstruct the wire messages that this paymentDescriptor is mapped
	// to.
	ChanID lnwire.ChannelID

	// RHash is the payment hash for this HTLC. The HTLC can be settled iff
	// the preimage to this hash is presented.
	RHash PaymentHash

	// RPreimage is the preimage that settles the HTLC pointed to within
	// the log by the ParentIndex.
	RPreimage PaymentHash

	// Timeout is the absolute timeout in blocks, after which this HTLC
	// expires.
	Timeout uint32

	// Amount is the HTLC amount in milli-satoshis.
	Amount lnwire.MilliSatoshi

	// LogIndex is the log entry number that his HTLC update has within the
	// log. Depending on if IsIncoming is true, this is either an entry the
	// remote party added, or one that we added locally.
	LogIndex uint64

	// HtlcIndex is the index within the main update log for this HTLC.
	// Entries within the log of type Add will have this field populated,
	// as other entries will point to the entry via this counter.
	//
	// NOTE: This field will only be populated if EntryType is Add.
	HtlcIndex uint64

	// ParentIndex is the HTLC index of the entry that this update settles
	// or times out.
	//
	// NOTE: This field will only be populated if EntryType is Settle or
	// Fail.
	ParentIndex uint64

	// OnionBlob is an opaque blob which is used to complete multi-hop
	// routing.
	//
	// NOTE: Populated only on Add payment descriptor entry types.
	OnionBlob []byte

	// FailReason stores the reason why a particular payment was canceled.
	//
	// NOTE: Populated only in Fail payment descriptor entry types.
	FailReason []byte

	// addCommitHeight[Remote|Local] encodes the height of the commitment
	// which included this HTLC on either the remote or local commitment
	// chain. This value is used to determine when an HTLC is fully
	// "locked-in".
	addCommitHeightRemote uint64
	addCommitHeightLocal  uint64

	// removeCommitHeight[Remote|Local] encodes the height of the
	// commitment which removed the parent pointer of this
	// paymentDescriptor either due to a timeout or a settle. Once both
	// these heights are below the tail of both chains, the log entries can
	// safely be removed.
	removeCommitHeightRemote uint64
	removeCommitHeightLocal  uint64

	// [our|their][PkScript|WitnessScript] cache the onchain scripts
	// required for the different commitment transactions the HTLC output
	// may appear on. These fields are repopulated each time the commitment
	// view is re-evaluated.
	ourPkScript        []byte
	ourWitnessScript   []byte
	theirPkScript      []byte
	theirWitnessScript []byte

	// sig is the signature for the second level HTLC transaction that
	// spends this HTLC output on our commitment transaction. It is only
	// populated for HTLCs on our local commitment.
	sig input.Signature

	// localOutputIndex is the output index of this HTLC output in the
	// commitment transaction of the local node.
	//
	// NOTE: If the output is dust from the PoV of the local commitment
	// chain, then this value will be -1.
	localOutputIndex int32

	// remoteOutputIndex is the output index of this HTLC output in the
	// commitment transaction of the remote node.
	//
	// NOTE: If the output is dust from the PoV of the remote commitment
	// chain, then this value will be -1.
	remoteOutputIndex int32

	// EntryType denotes the exact type of the paymentDescriptor. In the
	// case of a Settle or Fail, then the ParentIndex will point to the log
	// entry being modified.
	EntryType updateType
}

// toLogUpdate recovers the underlying wire message from the payment
// descriptor. This operation is used when we need to persist the set of
// unsigned updates included in an outgoing commitment signature.
func (pd *paymentDescriptor) toLogUpdate() channeldb.LogUpdate {
	var msg lnwire.Message
	switch pd.EntryType {
	case Add:
		htlc := &lnwire.UpdateAddHTLC{
			ChanID:    pd.ChanID,
			ID:        pd.HtlcIndex,
			Amount:    pd.Amount,
			Expiry:    pd.Timeout,
			ExtraData: make([]byte, 0),
		}
		copy(htlc.PaymentHash[:], pd.RHash[:])
		copy(htlc.OnionBlob[:], pd.OnionBlob)
		msg = htlc

	case Settle:
		msg = &lnwire.UpdateFulfillHTLC{
			ChanID:          pd.ChanID,
			ID:              pd.ParentIndex,
			PaymentPreimage: lnwire.PaymentPreimage(pd.RPreimage),
			ExtraData:       make([]byte, 0),
		}

	case Fail:
		msg = &lnwire.UpdateFailHTLC{
			ChanID:    pd.ChanID,
			ID:        pd.ParentIndex,
			Reason:    pd.FailReason,
			ExtraData: make([]byte, 0),
		}
	}

	return channeldb.LogUpdate{
		LogIndex:  pd.LogIndex,
		UpdateMsg: msg,
	}
}
