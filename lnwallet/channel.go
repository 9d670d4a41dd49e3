package lnwallet

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet/chainfee"
	"github.com/AreaLayer/rust-lightning/lnwire"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// LightningChannel implements the state machine which corresponds to the
// current commitment protocol wire spec. The state machine implemented allows
// for asynchronous fully desynchronized, batched+pipelined updates to
// commitment transactions allowing for a high degree of non-blocking
// bi-directional payment throughput.
//
// In order to allow updates to be fully non-blocking, either side is able to
// create multiple new commitment states up to a pre-determined window size.
// This window size is encoded within InitialRevocationWindow. Before the start
// of a session, both side should send out revocation messages with nil
// preimages in order to populate their revocation window for the remote party.
//
// The state machine has for main methods:
//   - .SignNextCommitment()
//   - Called once when one wishes to sign the next commitment, either to add
//     new HTLCs, or to settle/fail existing ones.
//   - .ReceiveNewCommitment()
//   - Called upon receipt of a new commitment from the remote party. If the
//     new commitment is valid, then a revocation should immediately be
//     generated and sent.
//   - .RevokeCurrentCommitment()
//   - Revokes the current commitment. Should be called directly after
//     receiving a new commitment.
//   - .ReceiveRevocation()
//   - Processes a revocation from the remote party. If successful creates a
//     new defacto broadcastable state.
//
// See the individual comments within the above methods for further details.
type LightningChannel struct {
	// Signer is the main signer instances that will be responsible for
	// signing any HTLC and commitment transaction generated by the state
	// machine.
	Signer input.Signer

	// signDesc is the primary sign descriptor that is capable of signing
	// the commitment transaction that spends the multi-sig output.
	signDesc *input.SignDescriptor

	// sigPool is a pool of workers that are capable of signing and
	// validating signatures in parallel. This is utilized as an
	// optimization to void serially signing or validating the HTLC
	// signatures, of which there may be hundreds.
	sigPool *SigPool

	// currentHeight is the current height of our local commitment chain.
	// This is also the same as the number of updates to the channel we've
	// accepted.
	currentHeight uint64

	// remoteCommitChain is the remote node's commitment chain. Any new
	// commitments we initiate are added to the tip of this chain.
	remoteCommitChain *commitmentChain

	// localCommitChain is our local commitment chain. Any new commitments
	// received are added to the tip of this chain. The tail (or lowest
	// height) in this chain is our current accepted state, which we are
	// able to broadcast safely.
	localCommitChain *commitmentChain

	// channelState persists all the channel constraints, the current
	// commitment states for both parties, and the revocation state.
	channelState *channeldb.OpenChannel

	localChanCfg  *channeldb.ChannelConfig
	remoteChanCfg *channeldb.ChannelConfig

	// [local|remote]Log is a (mostly) append-only log storing all the
	// pending updates to the current commitment transactions of both
	// parties.
	localUpdateLog  *updateLog
	remoteUpdateLog *updateLog

	// stateHintObfuscator is a 48-bit state hint that's used to obfuscate
	// the current state number on the commitment transactions.
	stateHintObfuscator [StateHintSize]byte

	// ChanPoint is the funding outpoint of this channel.
	ChanPoint *wire.OutPoint

	// fundingOutput is the funding output (script and value), required to
	// generate valid sighashes when signing the commitment transaction.
	fundingOutput wire.TxOut

	// isClosed is set to true once either a cooperative channel closure
	// has been initiated, or a force close has been signed off on.
	isClosed bool

	// shutdownInitiated is set to true once a shutdown message has been
	// sent or received for the channel. Once set, no new HTLCs may be
	// added in either direction, though existing HTLCs may still be
	// settled or failed.
	shutdownInitiated bool

	// monitorLog, if attached, is the durable update log every state
	// transition of the channel is recorded to before the state machine
	// acts on it.
	monitorLog MonitorRecorder

	sync.RWMutex
}

// MonitorRecorder is the durable, strictly ordered update log a channel
// reports its state transitions to: newly signed remote commitments,
// revocation secrets disclosed by the counterparty, learned preimages, and
// HTLC resolutions. A *channeldb.MonitorLog satisfies this interface.
type MonitorRecorder interface {
	// LastAppliedID returns the update ID of the most recent record
	// accepted by the log.
	LastAppliedID() uint64

	// Append durably writes the passed record before returning.
	Append(*channeldb.MonitorUpdateRecord) (channeldb.MonitorUpdateStatus,
		error)

	// KnownHtlc reports whether the passed HTLC index has been introduced
	// by a commitment within an accepted record.
	KnownHtlc(htlcIndex uint64) bool
}

// AttachMonitorLog hands the channel a durable monitor update log. From this
// point on, every commitment extended to the remote chain, every revocation
// secret received, every preimage learned, and every HTLC moved to a terminal
// state is appended to the log before the corresponding transition completes.
func (lc *LightningChannel) AttachMonitorLog(recorder MonitorRecorder) {
	lc.Lock()
	defer lc.Unlock()

	lc.monitorLog = recorder
}

// recordMonitorUpdate appends a state transition record to the attached
// monitor log, allocating the next update ID. If no log is attached this is a
// no-op. The caller must hold the channel's write lock.
func (lc *LightningChannel) recordMonitorUpdate(
	record *channeldb.MonitorUpdateRecord) error {

	if lc.monitorLog == nil {
		return nil
	}

	record.UpdateID = lc.monitorLog.LastAppliedID() + 1
	_, err := lc.monitorLog.Append(record)
	return err
}

// NewLightningChannel creates a new, active payment channel given an
// implementation of the chain notifier, channel database, and the current
// settled channel state. Throughout state transitions, then channel will
// automatically persist pertinent state to the database in an efficient
// manner.
func NewLightningChannel(signer input.Signer,
	state *channeldb.OpenChannel,
	sigPool *SigPool) (*LightningChannel, error) {

	localCommit := state.LocalCommitment
	remoteCommit := state.RemoteCommitment

	// First, initialize the update logs with their current counter values
	// from the local and remote commitments.
	localUpdateLog := newUpdateLog(
		remoteCommit.LocalLogIndex, remoteCommit.LocalHtlcIndex,
	)
	remoteUpdateLog := newUpdateLog(
		localCommit.RemoteLogIndex, localCommit.RemoteHtlcIndex,
	)

	lc := &LightningChannel{
		Signer:            signer,
		sigPool:           sigPool,
		currentHeight:     localCommit.CommitHeight,
		remoteCommitChain: newCommitmentChain(),
		localCommitChain:  newCommitmentChain(),
		channelState:      state,
		localChanCfg:      &state.LocalChanCfg,
		remoteChanCfg:     &state.RemoteChanCfg,
		localUpdateLog:    localUpdateLog,
		remoteUpdateLog:   remoteUpdateLog,
		ChanPoint:         &state.FundingOutpoint,
	}

	// With the main channel struct reconstructed, we'll now restore the
	// commitment state in memory and also the update logs themselves.
	err := lc.restoreCommitState(&localCommit, &remoteCommit)
	if err != nil {
		return nil, err
	}

	// Create the sign descriptor which we'll be using very frequently to
	// request a signature for the 2-of-2 multi-sig from the signer in
	// order to complete channel state transitions.
	if err := lc.createSignDesc(); err != nil {
		return nil, err
	}

	lc.createStateHintObfuscator()

	return lc, nil
}

// createSignDesc derives the SignDescriptor for commitment transactions from
// other fields on the LightningChannel.
func (lc *LightningChannel) createSignDesc() error {
	localKey := lc.localChanCfg.MultiSigKey.PubKey.SerializeCompressed()
	remoteKey := lc.remoteChanCfg.MultiSigKey.PubKey.SerializeCompressed()

	multiSigScript, err := input.GenMultiSigScript(localKey, remoteKey)
	if err != nil {
		return err
	}

	fundingPkScript, err := input.WitnessScriptHash(multiSigScript)
	if err != nil {
		return err
	}
	lc.fundingOutput = wire.TxOut{
		PkScript: fundingPkScript,
		Value:    int64(lc.channelState.Capacity),
	}
	lc.signDesc = &input.SignDescriptor{
		KeyDesc:       lc.localChanCfg.MultiSigKey,
		WitnessScript: multiSigScript,
		Output:        &lc.fundingOutput,
		HashType:      txscript.SigHashAll,
		InputIndex:    0,
	}

	return nil
}

// createStateHintObfuscator derives and assigns the state hint obfuscator for
// the channel, which is used to encode the commitment height in the sequence
// number of commitment transaction inputs.
func (lc *LightningChannel) createStateHintObfuscator() {
	state := lc.channelState
	if state.IsInitiator {
		lc.stateHintObfuscator = DeriveStateHintObfuscator(
			state.LocalChanCfg.PaymentBasePoint.PubKey,
			state.RemoteChanCfg.PaymentBasePoint.PubKey,
		)
	} else {
		lc.stateHintObfuscator = DeriveStateHintObfuscator(
			state.RemoteChanCfg.PaymentBasePoint.PubKey,
			state.LocalChanCfg.PaymentBasePoint.PubKey,
		)
	}
}

// DeriveStateHintObfuscator derives the bytes to be used for obfuscating the
// state hints from the root to be used for a new channel. The obfuscator is
// generated via the following computation:
//
//   - sha256(initiatorKey || responderKey)[26:]
//
// This ensures that the obfuscator is deterministically generated for both
// parties, so both sides are able to recover the state number given the
// commitment transaction.
func DeriveStateHintObfuscator(key1, key2 *btcec.PublicKey) [StateHintSize]byte {
	h := sha256.New()
	h.Write(key1.SerializeCompressed())
	h.Write(key2.SerializeCompressed())

	sha := h.Sum(nil)

	var obfuscator [StateHintSize]byte
	copy(obfuscator[:], sha[26:])

	return obfuscator
}

// restoreCommitState will restore the local commitment chain and updateLog
// state to a consistent in-memory representation of the passed disk commitment.
// This method is to be used upon reconnection to our channel counter party.
// Once the connection has been established, we'll prepare our in memory state
// to re-sync states with the remote party, and also verify/extend new proposed
// commitment states.
func (lc *LightningChannel) restoreCommitState(
	localCommitState, remoteCommitState *channeldb.ChannelCommitment) error {

	// In order to reconstruct the pkScripts on each of the pending HTLC
	// outputs (if any) we'll need to regenerate the current revocation for
	// this current un-revoked state as well as retrieve the current
	// revocation for the remote party.
	ourRevPreimage, err := lc.channelState.RevocationProducer.AtIndex(
		lc.currentHeight,
	)
	if err != nil {
		return err
	}
	localCommitPoint := input.ComputeCommitmentPoint(ourRevPreimage[:])
	remoteCommitPoint := lc.channelState.RemoteCurrentRevocation

	// With the revocation state reconstructed, we can now convert the disk
	// commitment into our in-memory commitment format, inserting it into
	// the local commitment chain.
	localCommit, err := lc.diskCommitToMemCommit(
		true, localCommitState, localCommitPoint, nil,
	)
	if err != nil {
		return err
	}
	lc.localCommitChain.addCommitment(localCommit)

	// We'll also do the same for the remote commitment chain.
	remoteCommit, err := lc.diskCommitToMemCommit(
		false, remoteCommitState, nil, remoteCommitPoint,
	)
	if err != nil {
		return err
	}
	lc.remoteCommitChain.addCommitment(remoteCommit)

	var (
		pendingRemoteCommit     *commitment
		pendingRemoteCommitDiff *channeldb.CommitDiff
		pendingRemoteKeyChain   *CommitmentKeyRing
	)

	// Next, we'll check to see if we have an un-acked commitment state we
	// extended to the remote party but which was never ACK'd.
	pendingRemoteCommitDiff, err = lc.channelState.RemoteCommitChainTip()
	if err != nil && err != channeldb.ErrNoPendingCommit {
		return err
	}

	if pendingRemoteCommitDiff != nil {
		// If we have a pending remote commitment, then we'll also
		// reconstruct the original commitment for that state,
		// inserting it into the remote party's commitment chain. We
		// don't pass our commit point as we don't have the
		// corresponding state for the local commitment chain.
		pendingCommitPoint := lc.channelState.RemoteNextRevocation
		pendingRemoteCommit, err = lc.diskCommitToMemCommit(
			false, &pendingRemoteCommitDiff.Commitment,
			nil, pendingCommitPoint,
		)
		if err != nil {
			return err
		}
		lc.remoteCommitChain.addCommitment(pendingRemoteCommit)

		// We'll also re-create the set of commitment keys needed to
		// fully re-derive the state.
		pendingRemoteKeyChain = DeriveCommitmentKeys(
			pendingCommitPoint, false, lc.channelState.ChanType,
			lc.localChanCfg, lc.remoteChanCfg,
		)
	}

	// Finally, with the commitment states restored, we'll now restore the
	// state logs based on the current local+remote commit, and any pending
	// remote commit that exists.
	return lc.restoreStateLogs(
		localCommit, remoteCommit, pendingRemoteCommit,
		pendingRemoteCommitDiff, pendingRemoteKeyChain,
	)
}

// restoreStateLogs runs through the current locked-in HTLCs from the point of
// view of the channel and insert corresponding log entries (both local and
// remote) for each HTLC read from disk. This method is required to sync the
// in-memory state of the state machine with that read from persistent storage.
func (lc *LightningChannel) restoreStateLogs(
	localCommitment, remoteCommitment, pendingRemoteCommit *commitment,
	pendingRemoteCommitDiff *channeldb.CommitDiff,
	pendingRemoteKeys *CommitmentKeyRing) error {

	// For each HTLC within the local commitment, we'll restore the origin
	// add entry to the corresponding update log.
	for i := range localCommitment.incomingHTLCs {
		htlc := localCommitment.incomingHTLCs[i]
		lc.remoteUpdateLog.restoreHtlc(&htlc)
	}
	for i := range localCommitment.outgoingHTLCs {
		htlc := localCommitment.outgoingHTLCs[i]
		lc.localUpdateLog.restoreHtlc(&htlc)
	}

	// Next, we'll merge in the state of the remote commitment. An HTLC
	// may be present on both commitments, in which case we only need to
	// mark the height+scripts it has on the remote chain. Otherwise, it's
	// an HTLC that has only been locked in on the remote chain so far.
	for i := range remoteCommitment.incomingHTLCs {
		htlc := &remoteCommitment.incomingHTLCs[i]
		existing := lc.remoteUpdateLog.lookupHtlc(htlc.HtlcIndex)
		if existing != nil {
			existing.addCommitHeightRemote = htlc.addCommitHeightRemote
			existing.remoteOutputIndex = htlc.remoteOutputIndex
			existing.theirPkScript = htlc.theirPkScript
			existing.theirWitnessScript = htlc.theirWitnessScript
			continue
		}

		lc.remoteUpdateLog.restoreHtlc(htlc)
	}
	for i := range remoteCommitment.outgoingHTLCs {
		htlc := &remoteCommitment.outgoingHTLCs[i]
		existing := lc.localUpdateLog.lookupHtlc(htlc.HtlcIndex)
		if existing != nil {
			existing.addCommitHeightRemote = htlc.addCommitHeightRemote
			existing.remoteOutputIndex = htlc.remoteOutputIndex
			existing.theirPkScript = htlc.theirPkScript
			existing.theirWitnessScript = htlc.theirWitnessScript
			continue
		}

		lc.localUpdateLog.restoreHtlc(htlc)
	}

	// If we didn't have a dangling (un-acked) commit for the remote party,
	// then we can exit here.
	if pendingRemoteCommit == nil {
		return nil
	}

	// If we do have a dangling commitment for the remote party, then we'll
	// also restore into the log any incoming HTLCs we've sent but are not
	// locked in yet on either chain, as well as any updates that still
	// need to be signed for.
	pendingHeight := pendingRemoteCommit.height
	for i := range pendingRemoteCommitDiff.LogUpdates {
		logUpdate := &pendingRemoteCommitDiff.LogUpdates[i]

		payDesc, err := lc.logUpdateToPayDesc(
			logUpdate, lc.remoteUpdateLog, pendingHeight,
			pendingRemoteCommit.feePerKw, pendingRemoteKeys,
			lc.remoteChanCfg.DustLimit,
		)
		if err != nil {
			return err
		}

		if payDesc.EntryType == Add {
			// The HtlcIndex of the added HTLC _must_ be equal to
			// the log's htlcCounter at this point. If it is not we
			// panic to catch this.
			if payDesc.HtlcIndex != lc.localUpdateLog.htlcCounter {
				return fmt.Errorf("htlc index mismatch on "+
					"restoration: %v vs %v",
					payDesc.HtlcIndex,
					lc.localUpdateLog.htlcCounter)
			}

			lc.localUpdateLog.appendHtlc(payDesc)
		} else {
			if payDesc.LogIndex != lc.localUpdateLog.logIndex {
				return fmt.Errorf("log index mismatch on "+
					"restoration: %v vs %v",
					payDesc.LogIndex,
					lc.localUpdateLog.logIndex)
			}

			lc.localUpdateLog.appendUpdate(payDesc)
			lc.remoteUpdateLog.markHtlcModified(
				payDesc.ParentIndex, payDesc.EntryType,
			)
		}
	}

	return nil
}

// logUpdateToPayDesc converts a LogUpdate into a matching paymentDescriptor
// entry that can be re-inserted into the update log. This method is used when
// we extended a state to the remote party, but the connection was lost before
// they could remember it.
func (lc *LightningChannel) logUpdateToPayDesc(logUpdate *channeldb.LogUpdate,
	remoteUpdateLog *updateLog, commitHeight uint64,
	feeRate chainfee.SatPerKWeight, remoteCommitKeys *CommitmentKeyRing,
	remoteDustLimit btcutil.Amount) (*paymentDescriptor, error) {

	// Depending on the type of update message we'll map that to a distinct
	// paymentDescriptor instance.
	var pd *paymentDescriptor

	switch wireMsg := logUpdate.UpdateMsg.(type) {

	// For offered HTLC's, we'll map that to a paymentDescriptor with the
	// type Add, ensuring we restore the necessary fields. From the PoV of
	// the commitment chain, this HTLC was included in the remote chain,
	// but not the local chain.
	case *lnwire.UpdateAddHTLC:
		pd = &paymentDescriptor{
			ChanID:                wireMsg.ChanID,
			RHash:                 PaymentHash(wireMsg.PaymentHash),
			Timeout:               wireMsg.Expiry,
			Amount:                wireMsg.Amount,
			EntryType:             Add,
			HtlcIndex:             wireMsg.ID,
			LogIndex:              logUpdate.LogIndex,
			addCommitHeightRemote: commitHeight,
		}
		pd.OnionBlob = make([]byte, len(wireMsg.OnionBlob))
		copy(pd.OnionBlob, wireMsg.OnionBlob[:])

		isDustRemote := HtlcIsDust(
			lc.channelState.ChanType, false, false, feeRate,
			wireMsg.Amount.ToSatoshis(), remoteDustLimit,
		)
		if !isDustRemote {
			theirP2WSH, theirWitnessScript, err := genHtlcScript(
				lc.channelState.ChanType, false, false,
				wireMsg.Expiry, wireMsg.PaymentHash,
				remoteCommitKeys,
			)
			if err != nil {
				return nil, err
			}

			pd.theirPkScript = theirP2WSH
			pd.theirWitnessScript = theirWitnessScript
		}

	// For HTLC's we're offered we'll fetch the original offered HTLC from
	// the remote party's update log so we can retrieve the same
	// paymentDescriptor that SettleHTLC would produce.
	case *lnwire.UpdateFulfillHTLC:
		ogHTLC := remoteUpdateLog.lookupHtlc(wireMsg.ID)
		if ogHTLC == nil {
			return nil, ErrUnknownHtlcIndex(
				wireMsg.ChanID, wireMsg.ID,
			)
		}

		pd = &paymentDescriptor{
			Amount:                   ogHTLC.Amount,
			RHash:                    ogHTLC.RHash,
			RPreimage:                PaymentHash(wireMsg.PaymentPreimage),
			LogIndex:                 logUpdate.LogIndex,
			ParentIndex:              ogHTLC.HtlcIndex,
			EntryType:                Settle,
			removeCommitHeightRemote: commitHeight,
		}

	// If we sent a failure for a prior incoming HTLC, then we'll consult
	// the update log of the remote party so we can retrieve the
	// information of the original HTLC we're failing.
	case *lnwire.UpdateFailHTLC:
		ogHTLC := remoteUpdateLog.lookupHtlc(wireMsg.ID)
		if ogHTLC == nil {
			return nil, ErrUnknownHtlcIndex(
				wireMsg.ChanID, wireMsg.ID,
			)
		}

		pd = &paymentDescriptor{
			Amount:                   ogHTLC.Amount,
			RHash:                    ogHTLC.RHash,
			ParentIndex:              ogHTLC.HtlcIndex,
			LogIndex:                 logUpdate.LogIndex,
			EntryType:                Fail,
			FailReason:               wireMsg.Reason,
			removeCommitHeightRemote: commitHeight,
		}

	default:
		return nil, fmt.Errorf("unknown message type: %T", wireMsg)
	}

	return pd, nil
}

// diskCommitToMemCommit converts the on-disk commitment format to our
// in-memory commitment format which is needed in order to properly resume
// channel operations after a restart.
func (lc *LightningChannel) diskCommitToMemCommit(isLocal bool,
	diskCommit *channeldb.ChannelCommitment,
	localCommitPoint, remoteCommitPoint *btcec.PublicKey) (*commitment,
	error) {

	// First, we'll need to re-derive the commitment key ring for each
	// party used within this particular state. If this is a pending commit
	// (we extended but weren't able to complete the commitment dance
	// before disconnection), then the localCommitPoint won't be set as we
	// haven't yet received a responding commitment from the remote party.
	var localCommitKeys, remoteCommitKeys *CommitmentKeyRing
	if localCommitPoint != nil {
		localCommitKeys = DeriveCommitmentKeys(
			localCommitPoint, true, lc.channelState.ChanType,
			lc.localChanCfg, lc.remoteChanCfg,
		)
	}
	if remoteCommitPoint != nil {
		remoteCommitKeys = DeriveCommitmentKeys(
			remoteCommitPoint, false, lc.channelState.ChanType,
			lc.localChanCfg, lc.remoteChanCfg,
		)
	}

	// With the key rings re-created, we'll now convert all the on-disk
	// HTLC"s into paymentDescriptor's so we can re-insert them into our
	// update log.
	incomingHtlcs, outgoingHtlcs, err := lc.extractPayDescs(
		diskCommit.CommitHeight,
		chainfee.SatPerKWeight(diskCommit.FeePerKw),
		diskCommit.Htlcs, localCommitKeys, remoteCommitKeys, isLocal,
	)
	if err != nil {
		return nil, err
	}

	// With the necessary items generated, we'll now re-construct the
	// commitment state as it was originally present in memory.
	commit := &commitment{
		height:            diskCommit.CommitHeight,
		isOurs:            isLocal,
		ourBalance:        diskCommit.LocalBalance,
		theirBalance:      diskCommit.RemoteBalance,
		ourMessageIndex:   diskCommit.LocalLogIndex,
		ourHtlcIndex:      diskCommit.LocalHtlcIndex,
		theirMessageIndex: diskCommit.RemoteLogIndex,
		theirHtlcIndex:    diskCommit.RemoteHtlcIndex,
		txn:               diskCommit.CommitTx,
		sig:               diskCommit.CommitSig,
		fee:               diskCommit.CommitFee,
		feePerKw:          chainfee.SatPerKWeight(diskCommit.FeePerKw),
		incomingHTLCs:     incomingHtlcs,
		outgoingHTLCs:     outgoingHtlcs,
	}
	if isLocal {
		commit.dustLimit = lc.localChanCfg.DustLimit
	} else {
		commit.dustLimit = lc.remoteChanCfg.DustLimit
	}

	return commit, nil
}

// extractPayDescs will convert all HTLC's present within a disk commit state
// to a set of incoming and outgoing payment descriptors. Once reconstructed,
// these payment descriptors can be re-inserted into the in-memory updateLog
// for each side.
func (lc *LightningChannel) extractPayDescs(commitHeight uint64,
	feeRate chainfee.SatPerKWeight, htlcs []channeldb.HTLC,
	localCommitKeys, remoteCommitKeys *CommitmentKeyRing,
	isLocal bool) ([]paymentDescriptor, []paymentDescriptor, error) {

	var (
		incomingHtlcs []paymentDescriptor
		outgoingHtlcs []paymentDescriptor
	)

	// For each included HTLC within this commitment state, we'll convert
	// the disk format into our in memory paymentDescriptor format,
	// partitioning based on if we offered or received the HTLC.
	for _, htlc := range htlcs {
		payDesc, err := lc.diskHtlcToPayDesc(
			feeRate, commitHeight, &htlc,
			localCommitKeys, remoteCommitKeys, isLocal,
		)
		if err != nil {
			return incomingHtlcs, outgoingHtlcs, err
		}

		if htlc.Incoming {
			incomingHtlcs = append(incomingHtlcs, payDesc)
		} else {
			outgoingHtlcs = append(outgoingHtlcs, payDesc)
		}
	}

	return incomingHtlcs, outgoingHtlcs, nil
}

// diskHtlcToPayDesc converts an HTLC previously written to disk within a
// commitment state to the form required to manipulate in memory within the
// commitment state machine.
func (lc *LightningChannel) diskHtlcToPayDesc(feeRate chainfee.SatPerKWeight,
	commitHeight uint64, htlc *channeldb.HTLC,
	localCommitKeys, remoteCommitKeys *CommitmentKeyRing,
	isLocal bool) (paymentDescriptor, error) {

	// The proper pkScripts for this paymentDescriptor must be
	// generated so we can easily locate them within the commitment
	// transaction in the future.
	var (
		ourP2WSH, theirP2WSH                 []byte
		ourWitnessScript, theirWitnessScript []byte
		pd                                   paymentDescriptor
		err                                  error
		chanType                             = lc.channelState.ChanType
	)

	// If the either output is dust from the local or remote node's
	// perspective, then we don't need to generate the scripts as we only
	// generate them in order to locate the outputs within the commitment
	// transaction. As we'll mark dust with a special output index in the
	// on-disk state snapshot.
	isDustLocal := HtlcIsDust(
		chanType, htlc.Incoming, true, feeRate,
		htlc.Amt.ToSatoshis(), lc.localChanCfg.DustLimit,
	)
	if !isDustLocal && localCommitKeys != nil {
		ourP2WSH, ourWitnessScript, err = genHtlcScript(
			chanType, htlc.Incoming, true, htlc.RefundTimeout,
			htlc.RHash, localCommitKeys,
		)
		if err != nil {
			return pd, err
		}
	}
	isDustRemote := HtlcIsDust(
		chanType, htlc.Incoming, false, feeRate,
		htlc.Amt.ToSatoshis(), lc.remoteChanCfg.DustLimit,
	)
	if !isDustRemote && remoteCommitKeys != nil {
		theirP2WSH, theirWitnessScript, err = genHtlcScript(
			chanType, htlc.Incoming, false, htlc.RefundTimeout,
			htlc.RHash, remoteCommitKeys,
		)
		if err != nil {
			return pd, err
		}
	}

	// With the scripts reconstructed (depending on if this is our commit
	// vs theirs or a pending commit for the remote party), we can now
	// re-create the original payment descriptor.
	pd = paymentDescriptor{
		RHash:              htlc.RHash,
		Timeout:            htlc.RefundTimeout,
		Amount:             htlc.Amt,
		EntryType:          Add,
		HtlcIndex:          htlc.HtlcIndex,
		LogIndex:           htlc.LogIndex,
		ourPkScript:        ourP2WSH,
		ourWitnessScript:   ourWitnessScript,
		theirPkScript:      theirP2WSH,
		theirWitnessScript: theirWitnessScript,
	}
	pd.OnionBlob = make([]byte, len(htlc.OnionBlob))
	copy(pd.OnionBlob, htlc.OnionBlob)

	if isLocal {
		pd.addCommitHeightLocal = commitHeight
		pd.localOutputIndex = htlc.OutputIndex
	} else {
		pd.addCommitHeightRemote = commitHeight
		pd.remoteOutputIndex = htlc.OutputIndex
	}

	return pd, nil
}

// htlcView represents the "active" HTLCs at a particular point within the
// history of the HTLC update log.
type htlcView struct {
	ourUpdates   []*paymentDescriptor
	theirUpdates []*paymentDescriptor
}

// fetchHTLCView returns all the candidate HTLC updates which should be
// considered for inclusion within a commitment based on the passed HTLC log
// indexes.
func (lc *LightningChannel) fetchHTLCView(theirLogIndex,
	ourLogIndex uint64) *htlcView {

	var ourHTLCs []*paymentDescriptor
	for e := lc.localUpdateLog.Front(); e != nil; e = e.Next() {
		htlc := e.Value

		// This HTLC is active from this point-of-view iff the log
		// index of the state update is below the specified index in
		// our update log.
		if htlc.LogIndex < ourLogIndex {
			ourHTLCs = append(ourHTLCs, htlc)
		}
	}

	var theirHTLCs []*paymentDescriptor
	for e := lc.remoteUpdateLog.Front(); e != nil; e = e.Next() {
		htlc := e.Value

		// If this is an incoming HTLC, then it is only active from
		// this point-of-view if the index of the HTLC addition in
		// their log is below the specified view index.
		if htlc.LogIndex < theirLogIndex {
			theirHTLCs = append(theirHTLCs, htlc)
		}
	}

	return &htlcView{
		ourUpdates:   ourHTLCs,
		theirUpdates: theirHTLCs,
	}
}

// evaluateHTLCView processes all update entries in both HTLC update logs,
// producing a final view which is the result of properly applying all adds,
// settles, and timeouts found in both logs. The resulting view returned
// reflects the current state of HTLCs within the remote or local commitment
// chain.
func (lc *LightningChannel) evaluateHTLCView(view *htlcView, ourBalance,
	theirBalance *lnwire.MilliSatoshi, nextHeight uint64,
	remoteChain, mutateState bool) (*htlcView, error) {

	newView := &htlcView{}

	// We use two maps, one for the local log and one for the remote log
	// to keep track of which entries we need to skip when creating the
	// final htlc view. We skip an entry whenever we find a settle or a
	// timeout modifying an entry.
	skipUs := make(map[uint64]struct{})
	skipThem := make(map[uint64]struct{})

	// First we run through non-add entries in both logs, populating the
	// skip sets and mutating the current chain state (crediting balances,
	// etc) to reflect the settle/timeout entry encountered.
	for _, entry := range view.ourUpdates {
		if entry.EntryType == Add {
			continue
		}

		// If we're settling an inbound HTLC, and it hasn't been
		// processed yet, then increment our state tracking the total
		// number of satoshis we've received within the channel.
		if mutateState && entry.EntryType == Settle && !remoteChain &&
			entry.removeCommitHeightLocal == 0 {
			lc.channelState.TotalMSatReceived += entry.Amount
		}

		addEntry := lc.remoteUpdateLog.lookupHtlc(entry.ParentIndex)
		if addEntry == nil {
			return nil, fmt.Errorf("unable to find parent entry "+
				"%d in remote update log", entry.ParentIndex)
		}

		skipThem[addEntry.HtlcIndex] = struct{}{}
		processRemoveEntry(entry, ourBalance, theirBalance,
			nextHeight, remoteChain, true, mutateState)
	}
	for _, entry := range view.theirUpdates {
		if entry.EntryType == Add {
			continue
		}

		// If the remote party is settling one of our outbound HTLC's,
		// and it hasn't been processed, yet, the increment our state
		// tracking the total number of satoshis we've sent within the
		// channel.
		if mutateState && entry.EntryType == Settle && !remoteChain &&
			entry.removeCommitHeightLocal == 0 {
			lc.channelState.TotalMSatSent += entry.Amount
		}

		addEntry := lc.localUpdateLog.lookupHtlc(entry.ParentIndex)
		if addEntry == nil {
			return nil, fmt.Errorf("unable to find parent entry "+
				"%d in local update log", entry.ParentIndex)
		}

		skipUs[addEntry.HtlcIndex] = struct{}{}
		processRemoveEntry(entry, ourBalance, theirBalance,
			nextHeight, remoteChain, false, mutateState)
	}

	// Next we take a second pass through all the log entries, skipping any
	// settled HTLCs, and debiting the chain state balance due to any newly
	// added HTLCs.
	for _, entry := range view.ourUpdates {
		isAdd := entry.EntryType == Add
		if _, ok := skipUs[entry.HtlcIndex]; !isAdd || ok {
			continue
		}

		processAddEntry(entry, ourBalance, theirBalance, nextHeight,
			remoteChain, false, mutateState)

		newView.ourUpdates = append(newView.ourUpdates, entry)
	}
	for _, entry := range view.theirUpdates {
		isAdd := entry.EntryType == Add
		if _, ok := skipThem[entry.HtlcIndex]; !isAdd || ok {
			continue
		}

		processAddEntry(entry, ourBalance, theirBalance, nextHeight,
			remoteChain, true, mutateState)

		newView.theirUpdates = append(newView.theirUpdates, entry)
	}

	return newView, nil
}

// processAddEntry evaluates the effect of an add entry within the HTLC log.
// If the HTLC hasn't yet been committed in either chain, then the height it
// was committed is updated. Keeping track of this inclusion height allows us to
// later compact the log once the change is fully committed in both chains.
func processAddEntry(htlc *paymentDescriptor, ourBalance,
	theirBalance *lnwire.MilliSatoshi, nextHeight uint64,
	remoteChain bool, isIncoming, mutateState bool) {

	// If we're evaluating this entry for the remote chain (to create/view
	// a new commitment), then we'll may be updating the height this entry
	// was added to the chain. Otherwise, we may be updating the entry's
	// height w.r.t the local chain.
	var addHeight *uint64
	if remoteChain {
		addHeight = &htlc.addCommitHeightRemote
	} else {
		addHeight = &htlc.addCommitHeightLocal
	}

	if *addHeight != 0 {
		return
	}

	if isIncoming {
		// If this is a new incoming (un-committed) HTLC, then we need
		// to update their balance accordingly by subtracting the
		// amount of the HTLC that are funds pending.
		*theirBalance -= htlc.Amount
	} else {
		// Similarly, we need to debit our balance if this is an out
		// going HTLC to reflect the pending balance.
		*ourBalance -= htlc.Amount
	}

	if mutateState {
		*addHeight = nextHeight
	}
}

// processRemoveEntry processes a log entry which settles or times out a
// previously added HTLC. If the removal entry has already been processed, it
// is skipped.
func processRemoveEntry(htlc *paymentDescriptor, ourBalance,
	theirBalance *lnwire.MilliSatoshi, nextHeight uint64,
	remoteChain bool, isIncoming, mutateState bool) {

	var removeHeight *uint64
	if remoteChain {
		removeHeight = &htlc.removeCommitHeightRemote
	} else {
		removeHeight = &htlc.removeCommitHeightLocal
	}

	// Ignore any removal entries which have already been processed.
	if *removeHeight != 0 {
		return
	}

	switch {
	// If an incoming HTLC is being settled, then this means that we've
	// received the preimage either from another subsystem, or the
	// upstream peer in the route. Therefore, we increase our balance by
	// the HTLC amount.
	case isIncoming && htlc.EntryType == Settle:
		*ourBalance += htlc.Amount

	// Otherwise, this HTLC is being failed out, therefore the value of the
	// HTLC should return to the remote party.
	case isIncoming && htlc.EntryType == Fail:
		*theirBalance += htlc.Amount

	// If an outgoing HTLC is being settled, then this means that the
	// downstream party resented the preimage or learned of it via a
	// downstream peer. In either case, we credit their settled balance
	// with the value of the HTLC.
	case !isIncoming && htlc.EntryType == Settle:
		*theirBalance += htlc.Amount

	// Otherwise, one of our outgoing HTLC's has timed out, so the value
	// of the HTLC should be returned to our settled balance.
	case !isIncoming && htlc.EntryType == Fail:
		*ourBalance += htlc.Amount
	}

	if mutateState {
		*removeHeight = nextHeight
	}
}

// fetchCommitmentView returns a populated view of the current commitment for
// the target chain. The passed commitment key ring should be set for the
// commitment point that will be used to derive all the keys for this new
// state.
func (lc *LightningChannel) fetchCommitmentView(remoteChain bool,
	ourLogIndex, ourHtlcIndex, theirLogIndex, theirHtlcIndex uint64,
	keyRing *CommitmentKeyRing) (*commitment, error) {

	commitChain := lc.localCommitChain
	dustLimit := lc.localChanCfg.DustLimit
	if remoteChain {
		commitChain = lc.remoteCommitChain
		dustLimit = lc.remoteChanCfg.DustLimit
	}

	nextHeight := commitChain.tip().height + 1

	// Run through all the HTLCs that will be covered by this transaction
	// in order to update their commitment addition height, and to adjust
	// the balances on the commitment transaction accordingly.
	htlcView := lc.fetchHTLCView(theirLogIndex, ourLogIndex)
	ourBalance := commitChain.tip().ourBalance
	theirBalance := commitChain.tip().theirBalance

	// Add the fee from the previous commitment state back to the
	// initiator's balance, so that the fee can be recalculated and
	// subtracted from the updated balances.
	if lc.channelState.IsInitiator {
		ourBalance += lnwire.NewMSatFromSatoshis(
			commitChain.tip().fee,
		)
	} else {
		theirBalance += lnwire.NewMSatFromSatoshis(
			commitChain.tip().fee,
		)
	}

	filteredHTLCView, err := lc.evaluateHTLCView(
		htlcView, &ourBalance, &theirBalance, nextHeight, remoteChain,
		true,
	)
	if err != nil {
		return nil, err
	}
	feePerKw := commitChain.tip().feePerKw

	// Actually generate unsigned commitment transaction for this view.
	commitTx := &commitment{
		ourBalance:        ourBalance,
		theirBalance:      theirBalance,
		ourMessageIndex:   ourLogIndex,
		ourHtlcIndex:      ourHtlcIndex,
		theirMessageIndex: theirLogIndex,
		theirHtlcIndex:    theirHtlcIndex,
		height:            nextHeight,
		feePerKw:          feePerKw,
		dustLimit:         dustLimit,
		isOurs:            !remoteChain,
	}
	err = lc.createCommitmentTx(commitTx, filteredHTLCView, keyRing)
	if err != nil {
		return nil, err
	}

	// In order to ensure _none_ of the HTLC's associated with this new
	// commitment are mutated, we'll manually copy over each HTLC to its
	// respective slice.
	commitTx.outgoingHTLCs = make(
		[]paymentDescriptor, len(filteredHTLCView.ourUpdates),
	)
	for i, htlc := range filteredHTLCView.ourUpdates {
		commitTx.outgoingHTLCs[i] = *htlc
	}
	commitTx.incomingHTLCs = make(
		[]paymentDescriptor, len(filteredHTLCView.theirUpdates),
	)
	for i, htlc := range filteredHTLCView.theirUpdates {
		commitTx.incomingHTLCs[i] = *htlc
	}

	// Finally, we'll populate all the HTLC indexes so we can track the
	// locations of each HTLC in the commitment state.
	err = commitTx.populateHtlcIndexes(lc.channelState.ChanType)
	if err != nil {
		return nil, err
	}

	return commitTx, nil
}

// createCommitmentTx generates the unsigned commitment transaction for a
// commitment view and assigns to txn field.
func (lc *LightningChannel) createCommitmentTx(c *commitment,
	filteredHTLCView *htlcView, keyRing *CommitmentKeyRing) error {

	ourBalance := c.ourBalance
	theirBalance := c.theirBalance

	numHTLCs := int64(0)
	for _, htlc := range filteredHTLCView.ourUpdates {
		if HtlcIsDust(
			lc.channelState.ChanType, false, c.isOurs, c.feePerKw,
			htlc.Amount.ToSatoshis(), c.dustLimit,
		) {

			continue
		}

		numHTLCs++
	}
	for _, htlc := range filteredHTLCView.theirUpdates {
		if HtlcIsDust(
			lc.channelState.ChanType, true, c.isOurs, c.feePerKw,
			htlc.Amount.ToSatoshis(), c.dustLimit,
		) {

			continue
		}

		numHTLCs++
	}

	// Next, we'll calculate the fee for the commitment transaction based
	// on its total weight. Once we have the total weight, we'll multiply
	// by the current fee-per-kw, then divide by 1000 to get the proper
	// fee.
	totalCommitWeight := CommitWeight(lc.channelState.ChanType) +
		input.HTLCWeight*numHTLCs

	// With the weight known, we can now calculate the commitment fee,
	// ensuring that we account for any dust outputs trimmed above.
	commitFee := c.feePerKw.FeeForWeight(totalCommitWeight)
	commitFeeMSat := lnwire.NewMSatFromSatoshis(commitFee)

	// Currently, within the protocol, the initiator always pays the fees.
	// So we'll subtract the fee amount from the balance of the current
	// initiator. If the initiator is unable to pay the fee fully, then
	// their entire output is consumed.
	switch {
	case lc.channelState.IsInitiator && commitFee > ourBalance.ToSatoshis():
		ourBalance = 0

	case lc.channelState.IsInitiator:
		ourBalance -= commitFeeMSat

	case !lc.channelState.IsInitiator &&
		commitFee > theirBalance.ToSatoshis():

		theirBalance = 0

	case !lc.channelState.IsInitiator:
		theirBalance -= commitFeeMSat
	}

	var (
		commitTx *wire.MsgTx
		err      error
	)

	// Depending on whether the transaction is ours or not, we call
	// CreateCommitTx with parameters matching the perspective, to generate
	// a new commitment transaction with all the latest unsettled/un-timed
	// out HTLCs.
	if c.isOurs {
		commitTx, err = CreateCommitTx(
			lc.channelState.ChanType, fundingTxIn(lc.channelState),
			keyRing, lc.localChanCfg, lc.remoteChanCfg,
			ourBalance.ToSatoshis(), theirBalance.ToSatoshis(),
			numHTLCs,
		)
	} else {
		commitTx, err = CreateCommitTx(
			lc.channelState.ChanType, fundingTxIn(lc.channelState),
			keyRing, lc.remoteChanCfg, lc.localChanCfg,
			theirBalance.ToSatoshis(), ourBalance.ToSatoshis(),
			numHTLCs,
		)
	}
	if err != nil {
		return err
	}

	// We'll now add all the HTLC outputs to the commitment transaction.
	// Each output includes an off-chain 2-of-2 covenant clause, so we'll
	// need the objective local/remote keys for this particular commitment
	// as well.
	for _, htlc := range filteredHTLCView.ourUpdates {
		if HtlcIsDust(
			lc.channelState.ChanType, false, c.isOurs, c.feePerKw,
			htlc.Amount.ToSatoshis(), c.dustLimit,
		) {

			continue
		}

		err := lc.addHTLC(commitTx, c.isOurs, false, htlc, keyRing)
		if err != nil {
			return err
		}
	}
	for _, htlc := range filteredHTLCView.theirUpdates {
		if HtlcIsDust(
			lc.channelState.ChanType, true, c.isOurs, c.feePerKw,
			htlc.Amount.ToSatoshis(), c.dustLimit,
		) {

			continue
		}

		err := lc.addHTLC(commitTx, c.isOurs, true, htlc, keyRing)
		if err != nil {
			return err
		}
	}

	// Set the state hint of the commitment transaction to facilitate
	// quickly recovering the necessary penalty state in the case of an
	// uncooperative broadcast.
	err = SetStateNumHint(commitTx, c.height, lc.stateHintObfuscator)
	if err != nil {
		return err
	}

	// Sort the transactions according to the agreed upon canonical
	// ordering. This lets us skip sending the entire transaction over,
	// instead we'll just send signatures.
	txsort.InPlaceSort(commitTx)

	// Next, we'll ensure that we don't accidentally create a commitment
	// transaction which would be invalid by consensus.
	uTx := btcutil.NewTx(commitTx)
	if err := blockchain.CheckTransactionSanity(uTx); err != nil {
		return err
	}

	// Finally, we'll assert that were not attempting to draw more out of
	// the channel that was originally placed within it.
	var totalOut btcutil.Amount
	for _, txOut := range commitTx.TxOut {
		totalOut += btcutil.Amount(txOut.Value)
	}
	if totalOut > lc.channelState.Capacity {
		return fmt.Errorf("height=%v, for ChannelPoint(%v) attempts "+
			"to consume %v while channel capacity is %v",
			c.height, lc.channelState.FundingOutpoint,
			totalOut, lc.channelState.Capacity)
	}

	c.txn = commitTx
	c.fee = commitFee
	c.ourBalance = ourBalance
	c.theirBalance = theirBalance

	return nil
}

// addHTLC adds a new HTLC to the passed commitment transaction. One of four
// full scripts will be generated for the HTLC output depending on if the HTLC
// is incoming and if it's being applied to our commitment transaction or that
// of the remote node's.
func (lc *LightningChannel) addHTLC(commitTx *wire.MsgTx, ourCommit bool,
	isIncoming bool, paymentDesc *paymentDescriptor,
	keyRing *CommitmentKeyRing) error {

	timeout := paymentDesc.Timeout
	rHash := paymentDesc.RHash

	p2wsh, witnessScript, err := genHtlcScript(
		lc.channelState.ChanType, isIncoming, ourCommit, timeout,
		rHash, keyRing,
	)
	if err != nil {
		return err
	}

	// Add the new HTLC outputs to the respective commitment transactions.
	amountPending := int64(paymentDesc.Amount.ToSatoshis())
	commitTx.AddTxOut(wire.NewTxOut(amountPending, p2wsh))

	// Store the pkScript of this particular paymentDescriptor so we can
	// quickly locate it within the commitment transaction later.
	if ourCommit {
		paymentDesc.ourPkScript = p2wsh
		paymentDesc.ourWitnessScript = witnessScript
	} else {
		paymentDesc.theirPkScript = p2wsh
		paymentDesc.theirWitnessScript = witnessScript
	}

	return nil
}

// fundingTxIn returns the funding output as a transaction input. The input
// returned by this function uses a max sequence number, so it isn't able to be
// used with RBF by default.
func fundingTxIn(chanState *channeldb.OpenChannel) wire.TxIn {
	return *wire.NewTxIn(&chanState.FundingOutpoint, nil, nil)
}

// validateCommitmentSanity is used to validate the current state of the
// commitment transaction in terms of the ChannelConstraints that we and our
// remote peer agreed upon during the funding workflow. The predict[Our|Their]Add
// should parameters should be set to a valid paymentDescriptor if we are
// validating in the state when adding a new HTLC, or nil otherwise.
func (lc *LightningChannel) validateCommitmentSanity(theirLogCounter,
	ourLogCounter uint64, remoteChain bool,
	predictOurAdd *paymentDescriptor) error {

	// Fetch all updates not committed.
	view := lc.fetchHTLCView(theirLogCounter, ourLogCounter)

	// If we are checking if we can add a new HTLC, we add this to the
	// appropriate update log, in order to validate the sanity of the
	// commitment resulting from _actually adding_ this HTLC to the state.
	if predictOurAdd != nil {
		view.ourUpdates = append(view.ourUpdates, predictOurAdd)
	}

	commitChain := lc.localCommitChain
	if remoteChain {
		commitChain = lc.remoteCommitChain
	}
	ourInitialBalance := commitChain.tip().ourBalance
	theirInitialBalance := commitChain.tip().theirBalance

	ourBalance := ourInitialBalance
	theirBalance := theirInitialBalance

	// Add the fee from the previous commitment state back to the
	// initiator's balance, so that the fee can be recalculated and
	// subtracted from the updated balances.
	if lc.channelState.IsInitiator {
		ourBalance += lnwire.NewMSatFromSatoshis(
			commitChain.tip().fee,
		)
	} else {
		theirBalance += lnwire.NewMSatFromSatoshis(
			commitChain.tip().fee,
		)
	}
	nextHeight := commitChain.tip().height + 1
	filteredView, err := lc.evaluateHTLCView(
		view, &ourBalance, &theirBalance, nextHeight, remoteChain,
		false,
	)
	if err != nil {
		return err
	}

	feePerKw := commitChain.tip().feePerKw

	// Calculate the commitment fee, and subtract it from the initiator's
	// balance.
	numNonDust := int64(0)
	for _, entry := range filteredView.ourUpdates {
		if !HtlcIsDust(
			lc.channelState.ChanType, false, !remoteChain,
			feePerKw, entry.Amount.ToSatoshis(),
			commitChain.tip().dustLimit,
		) {

			numNonDust++
		}
	}
	for _, entry := range filteredView.theirUpdates {
		if !HtlcIsDust(
			lc.channelState.ChanType, true, !remoteChain,
			feePerKw, entry.Amount.ToSatoshis(),
			commitChain.tip().dustLimit,
		) {

			numNonDust++
		}
	}

	commitWeight := CommitWeight(lc.channelState.ChanType) +
		input.HTLCWeight*numNonDust
	commitFee := feePerKw.FeeForWeight(commitWeight)
	commitFeeMsat := lnwire.NewMSatFromSatoshis(commitFee)
	if lc.channelState.IsInitiator {
		ourBalance -= commitFeeMsat
	} else {
		theirBalance -= commitFeeMsat
	}

	// As a quick sanity check, we'll ensure that if we interpret the
	// balances as signed integers that neither of them dipped below zero.
	// If they did, then the proposed state transition is invalid.
	if int64(ourBalance) < 0 {
		return ErrBelowChanReserve
	}
	if int64(theirBalance) < 0 {
		return ErrBelowChanReserve
	}

	// Ensure that the fee being applied is enough to be relayed across
	// the network in a reasonable time frame, and that neither party dips
	// below their required channel reserve after applying all the updates
	// within this view.
	if ourBalance.ToSatoshis() < lc.localChanCfg.ChanReserve {
		return ErrBelowChanReserve
	}
	if theirBalance.ToSatoshis() < lc.remoteChanCfg.ChanReserve {
		return ErrBelowChanReserve
	}

	// validateUpdates take a set of updates, and validates them against
	// the passed channel constraints.
	validateUpdates := func(updates []*paymentDescriptor,
		constraints *channeldb.ChannelConfig) error {

		// We keep track of the number of HTLCs in flight for the
		// commitment, and the amount in flight.
		var numInFlight uint16
		var amtInFlight lnwire.MilliSatoshi

		// Go through all updates, checking that they don't violate the
		// channel constraints.
		for _, entry := range updates {
			if entry.EntryType != Add {
				continue
			}

			// An HTLC is being added, this will add to the number
			// and amount in flight.
			amtInFlight += entry.Amount
			numInFlight++

			// Check that the value of the HTLC they added is
			// above our minimum.
			if entry.Amount < constraints.MinHTLC {
				return ErrBelowMinHTLC
			}

			// Check that the HTLC's expiry doesn't exceed the
			// maximum CLTV constraint, if one is set.
			if constraints.MaxCltvExpiry != 0 &&
				entry.Timeout > constraints.MaxCltvExpiry {

				return ErrTotalCLTVTooHigh
			}
		}

		// Now that we know the total value of added HTLCs, we check
		// that this satisfy the MaxPendingAmont contraint.
		if amtInFlight > constraints.MaxPendingAmount {
			return ErrMaxPendingAmount
		}

		// In this step, we verify that the total number of active
		// HTLCs does not exceed the constraint of the maximum number
		// of HTLCs in flight.
		if numInFlight > constraints.MaxAcceptedHtlcs {
			return ErrMaxHTLCNumber
		}

		return nil
	}

	// First check that the remote updates won't violate it's channel
	// constraints.
	err = validateUpdates(
		filteredView.theirUpdates, lc.localChanCfg,
	)
	if err != nil {
		return err
	}

	// Secondly check that our updates won't violate our channel
	// constraints.
	err = validateUpdates(
		filteredView.ourUpdates, lc.remoteChanCfg,
	)
	if err != nil {
		return err
	}

	return nil
}

// SignNextCommitment signs a new commitment which includes any previous
// unsettled HTLCs, any new HTLCs, and any modifications to prior HTLCs
// committed in previous commitment updates. Signing a new commitment
// decrements the available revocation window by 1. After a successful method
// call, the remote party's commitment chain is extended by a new commitment
// which includes all updates to the HTLC log prior to this method invocation.
// The first return parameter is the signature for the commitment transaction
// itself, while the second parameter is a slice of all HTLC signatures (if
// any). The HTLC signatures are sorted according to the BIP 69 order of the
// HTLC's on the commitment transaction.
func (lc *LightningChannel) SignNextCommitment() (lnwire.Sig, []lnwire.Sig,
	[]channeldb.HTLC, error) {

	lc.Lock()
	defer lc.Unlock()

	var (
		sig      lnwire.Sig
		htlcSigs []lnwire.Sig
	)

	// If we don't yet have the commitment point for the next state for the
	// remote party, then we're unable to create a new commitment as the
	// revocation window is empty.
	if lc.channelState.RemoteNextRevocation == nil {
		return sig, htlcSigs, nil, ErrNoWindow
	}

	// Determine the last update on the remote log that has been locked in.
	remoteACKedIndex := lc.localCommitChain.tail().theirMessageIndex
	remoteHtlcIndex := lc.localCommitChain.tail().theirHtlcIndex

	// Before we extend this new commitment to the remote commitment chain,
	// ensure that we aren't violating any of the constraints the remote
	// party set up when we initially set up the channel. If we are, then
	// we'll abort this state transition.
	err := lc.validateCommitmentSanity(
		remoteACKedIndex, lc.localUpdateLog.logIndex, true, nil,
	)
	if err != nil {
		return sig, htlcSigs, nil, err
	}

	// Grab the next commitment point for the remote party. This will be
	// used within fetchCommitmentView to derive all the keys necessary to
	// construct the commitment state.
	commitPoint := lc.channelState.RemoteNextRevocation
	keyRing := DeriveCommitmentKeys(
		commitPoint, false, lc.channelState.ChanType,
		lc.localChanCfg, lc.remoteChanCfg,
	)

	// Create a new commitment view which will calculate the evaluated
	// state of the remote node's new commitment including our latest added
	// HTLCs. The view includes the latest balances for both sides on the
	// remote node's chain, and also update the addition height of any new
	// HTLC log entries.
	newCommitView, err := lc.fetchCommitmentView(
		true, lc.localUpdateLog.logIndex, lc.localUpdateLog.htlcCounter,
		remoteACKedIndex, remoteHtlcIndex, keyRing,
	)
	if err != nil {
		return sig, htlcSigs, nil, err
	}

	// If we detect that no new updates will actually be signed for within
	// this new commitment, then we'll abort, as there's no need to
	// advance the commitment chains at this point.
	tip := lc.remoteCommitChain.tip()
	if newCommitView.ourMessageIndex == tip.ourMessageIndex &&
		newCommitView.theirMessageIndex == tip.theirMessageIndex {

		return sig, htlcSigs, nil, ErrNoUpdatesToSign
	}

	walletLog.Tracef("ChannelPoint(%v): extending remote chain to height "+
		"%v, local_log=%v, remote_log=%v",
		lc.channelState.FundingOutpoint, newCommitView.height,
		lc.localUpdateLog.logIndex, remoteACKedIndex)

	// With the commitment view constructed, if there are any HTLC's, we'll
	// need to generate signatures of each of them for the remote party's
	// commitment state. We do so in two phases: first we generate and
	// submit the set of signature jobs to the worker pool.
	sigBatch, cancelChan, err := lc.genRemoteHtlcSigJobs(
		keyRing, newCommitView,
	)
	if err != nil {
		return sig, htlcSigs, nil, err
	}
	lc.sigPool.SubmitSignBatch(sigBatch)

	// While the job is being carried out, we'll set up the machinery to
	// sign the new commitment transaction itself.
	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		lc.fundingOutput.PkScript, lc.fundingOutput.Value,
	)
	lc.signDesc.SigHashes = txscript.NewTxSigHashes(
		newCommitView.txn, prevFetcher,
	)
	lc.signDesc.PrevOutputFetcher = prevFetcher
	rawSig, err := lc.Signer.SignOutputRaw(newCommitView.txn, lc.signDesc)
	if err != nil {
		close(cancelChan)
		return sig, htlcSigs, nil, err
	}
	sig, err = lnwire.NewSigFromRawSignature(rawSig.Serialize())
	if err != nil {
		close(cancelChan)
		return sig, htlcSigs, nil, err
	}

	// We'll need to send over the signatures to the remote party in the
	// order as they appear on the commitment transaction after BIP 69
	// sorting.
	sort.Slice(sigBatch, func(i, j int) bool {
		return sigBatch[i].OutputIndex < sigBatch[j].OutputIndex
	})

	// With the jobs sorted, we'll now iterate through all the responses to
	// gather each of the signatures in order.
	htlcSigs = make([]lnwire.Sig, 0, len(sigBatch))
	for _, htlcSigJob := range sigBatch {
		jobResp := <-htlcSigJob.Resp

		// If an error occurred, then we'll cancel any other active
		// jobs.
		if jobResp.Err != nil {
			close(cancelChan)
			return sig, htlcSigs, nil, jobResp.Err
		}

		htlcSigs = append(htlcSigs, jobResp.Sig)
	}

	// As we're about to proposer a new commitment state for the remote
	// party, we'll write this pending state to disk before we exit, so we
	// can retransmit it if necessary.
	commitDiff, err := lc.createCommitDiff(newCommitView, sig, htlcSigs)
	if err != nil {
		return sig, htlcSigs, nil, err
	}
	err = lc.channelState.AppendRemoteCommitChain(commitDiff)
	if err != nil {
		return sig, htlcSigs, nil, err
	}

	// The new commitment is a state the remote party will be able to
	// broadcast once they've revoked their prior one, so it's noted in the
	// monitor log before the signature leaves this method.
	err = lc.recordMonitorUpdate(&channeldb.MonitorUpdateRecord{
		Commitment: &commitDiff.Commitment,
	})
	if err != nil {
		return sig, htlcSigs, nil, err
	}

	// Extend the remote commitment chain by one with the addition of our
	// latest commitment update.
	lc.remoteCommitChain.addCommitment(newCommitView)

	return sig, htlcSigs, commitDiff.Commitment.Htlcs, nil
}

// createCommitDiff will create a commit diff given a new pending commitment
// for the remote party and the necessary signatures for the remote party to
// validate this new state. This function is called right before sending the
// new commitment to the remote party. The commit diff returned contains all
// information necessary for retransmission.
func (lc *LightningChannel) createCommitDiff(newCommit *commitment,
	commitSig lnwire.Sig, htlcSigs []lnwire.Sig) (*channeldb.CommitDiff,
	error) {

	var (
		logUpdates []channeldb.LogUpdate
		ackedIndex = lc.remoteCommitChain.tip().ourMessageIndex
	)

	// We'll now run through our local update log to locate the items which
	// were only just committed within this pending state. This will be the
	// set of items we need to retransmit if we reconnect and find that
	// they didn't process this new state fully.
	for e := lc.localUpdateLog.Front(); e != nil; e = e.Next() {
		pd := e.Value

		// If this entry wasn't committed at the exact height of this
		// remote commitment, then we'll skip it as it was already
		// lingering in the log.
		if pd.LogIndex < ackedIndex ||
			pd.LogIndex >= newCommit.ourMessageIndex {

			continue
		}

		logUpdates = append(logUpdates, pd.toLogUpdate())
	}

	// With the set of log updates mapped into wire messages, we'll now
	// convert the in-memory commitment into a format suitable for writing
	// to disk.
	diskCommit := newCommit.toDiskCommit(false)

	return &channeldb.CommitDiff{
		Commitment: *diskCommit,
		CommitSig: &lnwire.CommitSig{
			ChanID: lnwire.NewChanIDFromOutPoint(
				lc.channelState.FundingOutpoint,
			),
			CommitSig: commitSig,
			HtlcSigs:  htlcSigs,
			ExtraData: make([]byte, 0),
		},
		LogUpdates: logUpdates,
	}, nil
}

// genRemoteHtlcSigJobs generates a series of HTLC signature jobs for the sig
// pool, along with the set of signature jobs needed for the remote party to
// verify the signature batch.
func (lc *LightningChannel) genRemoteHtlcSigJobs(keyRing *CommitmentKeyRing,
	remoteCommitView *commitment) ([]SignJob, chan struct{}, error) {

	var (
		chanType    = lc.channelState.ChanType
		txHash      = remoteCommitView.txn.TxHash()
		dustLimit   = lc.remoteChanCfg.DustLimit
		feePerKw    = remoteCommitView.feePerKw
		sigHashType = txscript.SigHashAll
	)

	// With the keys generated, we'll make a slice with enough capacity to
	// hold potentially all the HTLCs. The actual slice may be a bit
	// smaller (than its total capacity) and some HTLCs may be dust.
	numSigs := len(remoteCommitView.incomingHTLCs) +
		len(remoteCommitView.outgoingHTLCs)
	sigBatch := make([]SignJob, 0, numSigs)

	cancelChan := make(chan struct{})

	// For each outgoing and incoming HTLC, if the HTLC isn't considered a
	// dust output after taking into account second-level HTLC fees, then a
	// sigJob will be generated and appended to the current batch.
	for i := range remoteCommitView.incomingHTLCs {
		htlc := remoteCommitView.incomingHTLCs[i]
		if HtlcIsDust(
			chanType, true, false, feePerKw,
			htlc.Amount.ToSatoshis(), dustLimit,
		) {

			continue
		}

		// If the HTLC isn't dust, then we'll create an empty sign job
		// to add to the batch momentarily.
		sigJob := SignJob{}
		sigJob.Cancel = cancelChan
		sigJob.Resp = make(chan SignJobResp, 1)

		// As this is an incoming HTLC and we're signing the commitment
		// transaction of the remote node, we'll need to generate an
		// HTLC timeout transaction for them. The output of the timeout
		// transaction needs to account for fees, so we'll compute the
		// required fee and output now.
		htlcFee := HtlcTimeoutFee(chanType, feePerKw)
		outputAmt := htlc.Amount.ToSatoshis() - htlcFee

		// With the fee calculate, we can properly create the HTLC
		// timeout transaction using the HTLC amount minus the fee.
		op := wire.OutPoint{
			Hash:  txHash,
			Index: uint32(htlc.remoteOutputIndex),
		}
		timeoutTx, err := CreateHtlcTimeoutTx(
			chanType, op, outputAmt, htlc.Timeout,
			uint32(lc.remoteChanCfg.CsvDelay),
			keyRing.RevocationKey, keyRing.ToLocalKey,
		)
		if err != nil {
			return nil, nil, err
		}
		sigJob.Tx = timeoutTx

		// Finally, we'll generate a sign descriptor to generate a
		// signature to give to the remote party for this commitment
		// transaction. Note we use the raw HTLC amount.
		prevFetcher := txscript.NewCannedPrevOutputFetcher(
			htlc.theirPkScript,
			int64(htlc.Amount.ToSatoshis()),
		)
		sigJob.SignDesc = input.SignDescriptor{
			KeyDesc:       lc.localChanCfg.HtlcBasePoint,
			SingleTweak:   keyRing.LocalHtlcKeyTweak,
			WitnessScript: htlc.theirWitnessScript,
			Output: &wire.TxOut{
				Value:    int64(htlc.Amount.ToSatoshis()),
				PkScript: htlc.theirPkScript,
			},
			HashType: sigHashType,
			SigHashes: txscript.NewTxSigHashes(
				sigJob.Tx, prevFetcher,
			),
			PrevOutputFetcher: prevFetcher,
			InputIndex:        0,
		}
		sigJob.OutputIndex = htlc.remoteOutputIndex

		sigBatch = append(sigBatch, sigJob)
	}
	for i := range remoteCommitView.outgoingHTLCs {
		htlc := remoteCommitView.outgoingHTLCs[i]
		if HtlcIsDust(
			chanType, false, false, feePerKw,
			htlc.Amount.ToSatoshis(), dustLimit,
		) {

			continue
		}

		sigJob := SignJob{}
		sigJob.Cancel = cancelChan
		sigJob.Resp = make(chan SignJobResp, 1)

		// As this is an outgoing HTLC and we're signing the commitment
		// transaction of the remote node, we'll need to generate an
		// HTLC success transaction for them. The output of the timeout
		// transaction needs to account for fees, so we'll compute the
		// required fee and output now.
		htlcFee := HtlcSuccessFee(chanType, feePerKw)
		outputAmt := htlc.Amount.ToSatoshis() - htlcFee

		// With the proper output amount calculated, we can now
		// generate the success transaction using the remote party's
		// CSV delay.
		op := wire.OutPoint{
			Hash:  txHash,
			Index: uint32(htlc.remoteOutputIndex),
		}
		successTx, err := CreateHtlcSuccessTx(
			chanType, op, outputAmt,
			uint32(lc.remoteChanCfg.CsvDelay),
			keyRing.RevocationKey, keyRing.ToLocalKey,
		)
		if err != nil {
			return nil, nil, err
		}
		sigJob.Tx = successTx

		prevFetcher := txscript.NewCannedPrevOutputFetcher(
			htlc.theirPkScript,
			int64(htlc.Amount.ToSatoshis()),
		)
		sigJob.SignDesc = input.SignDescriptor{
			KeyDesc:       lc.localChanCfg.HtlcBasePoint,
			SingleTweak:   keyRing.LocalHtlcKeyTweak,
			WitnessScript: htlc.theirWitnessScript,
			Output: &wire.TxOut{
				Value:    int64(htlc.Amount.ToSatoshis()),
				PkScript: htlc.theirPkScript,
			},
			HashType: sigHashType,
			SigHashes: txscript.NewTxSigHashes(
				sigJob.Tx, prevFetcher,
			),
			PrevOutputFetcher: prevFetcher,
			InputIndex:        0,
		}
		sigJob.OutputIndex = htlc.remoteOutputIndex

		sigBatch = append(sigBatch, sigJob)
	}

	return sigBatch, cancelChan, nil
}

// genHtlcSigValidationJobs generates a series of signatures verification jobs
// meant to verify all the signatures for HTLC's attached to a newly created
// commitment state. The jobs generated are fully populated, and can be sent
// directly into the pool of workers.
func (lc *LightningChannel) genHtlcSigValidationJobs(
	localCommitmentView *commitment, keyRing *CommitmentKeyRing,
	htlcSigs []lnwire.Sig) ([]VerifyJob, error) {

	var (
		chanType = lc.channelState.ChanType
		txHash   = localCommitmentView.txn.TxHash()
		feePerKw = localCommitmentView.feePerKw
	)

	// With the required state generated, we'll create a slice with large
	// enough capacity to hold verification jobs for all HTLC's in this
	// view. In the case that we have some dust outputs, then the actual
	// length will be smaller than the total capacity.
	numHtlcs := len(localCommitmentView.incomingHTLCs) +
		len(localCommitmentView.outgoingHTLCs)
	verifyJobs := make([]VerifyJob, 0, numHtlcs)

	// We'll iterate through each output in the commitment transaction,
	// populating the sigHash closure function if it's detected to be an
	// HLTC output. Given the sighash, and the signing key, we'll be able
	// to validate each signature within the worker pool.
	i := 0
	for index := range localCommitmentView.txn.TxOut {
		var (
			htlcIndex uint64
			sigHash   func() ([]byte, error)
			sig       input.Signature
			err       error
		)

		outputIndex := int32(index)
		switch {

		// If this output index is found within the incoming HTLC
		// index, then this means that we need to generate an HTLC
		// success transaction in order to validate the signature.
		case localCommitmentView.incomingHTLCIndex[outputIndex] != nil:
			htlc := localCommitmentView.incomingHTLCIndex[outputIndex]

			htlcIndex = htlc.HtlcIndex

			sigHash = func() ([]byte, error) {
				op := wire.OutPoint{
					Hash:  txHash,
					Index: uint32(htlc.localOutputIndex),
				}

				htlcFee := HtlcSuccessFee(chanType, feePerKw)
				outputAmt := htlc.Amount.ToSatoshis() - htlcFee

				successTx, err := CreateHtlcSuccessTx(
					chanType, op, outputAmt,
					uint32(lc.localChanCfg.CsvDelay),
					keyRing.RevocationKey,
					keyRing.ToLocalKey,
				)
				if err != nil {
					return nil, err
				}

				prevFetcher := txscript.NewCannedPrevOutputFetcher(
					htlc.ourPkScript,
					int64(htlc.Amount.ToSatoshis()),
				)
				hashCache := txscript.NewTxSigHashes(
					successTx, prevFetcher,
				)
				sigHash, err := txscript.CalcWitnessSigHash(
					htlc.ourWitnessScript, hashCache,
					txscript.SigHashAll, successTx, 0,
					int64(htlc.Amount.ToSatoshis()),
				)
				if err != nil {
					return nil, err
				}

				return sigHash, nil
			}

			// Make sure there are more signatures left.
			if i >= len(htlcSigs) {
				return nil, fmt.Errorf("not enough HTLC " +
					"signatures")
			}

			// With the sighash generated, we'll also store the
			// signature so it can be written to disk if this state
			// is valid.
			sig, err = htlcSigs[i].ToSignature()
			if err != nil {
				return nil, err
			}
			htlc.sig = sig

		// Otherwise, if this is an outgoing HTLC, then we'll need to
		// generate a timeout transaction so we can verify the
		// signature presented.
		case localCommitmentView.outgoingHTLCIndex[outputIndex] != nil:
			htlc := localCommitmentView.outgoingHTLCIndex[outputIndex]

			htlcIndex = htlc.HtlcIndex

			sigHash = func() ([]byte, error) {
				op := wire.OutPoint{
					Hash:  txHash,
					Index: uint32(htlc.localOutputIndex),
				}

				htlcFee := HtlcTimeoutFee(chanType, feePerKw)
				outputAmt := htlc.Amount.ToSatoshis() - htlcFee

				timeoutTx, err := CreateHtlcTimeoutTx(
					chanType, op, outputAmt, htlc.Timeout,
					uint32(lc.localChanCfg.CsvDelay),
					keyRing.RevocationKey,
					keyRing.ToLocalKey,
				)
				if err != nil {
					return nil, err
				}

				prevFetcher := txscript.NewCannedPrevOutputFetcher(
					htlc.ourPkScript,
					int64(htlc.Amount.ToSatoshis()),
				)
				hashCache := txscript.NewTxSigHashes(
					timeoutTx, prevFetcher,
				)
				sigHash, err := txscript.CalcWitnessSigHash(
					htlc.ourWitnessScript, hashCache,
					txscript.SigHashAll, timeoutTx, 0,
					int64(htlc.Amount.ToSatoshis()),
				)
				if err != nil {
					return nil, err
				}

				return sigHash, nil
			}

			// Make sure there are more signatures left.
			if i >= len(htlcSigs) {
				return nil, fmt.Errorf("not enough HTLC " +
					"signatures")
			}

			sig, err = htlcSigs[i].ToSignature()
			if err != nil {
				return nil, err
			}
			htlc.sig = sig

		default:
			continue
		}

		verifyJobs = append(verifyJobs, VerifyJob{
			HtlcIndex: htlcIndex,
			PubKey:    keyRing.RemoteHtlcKey,
			Sig:       sig,
			SigHash:   sigHash,
		})

		i++
	}

	// If we received a number of HTLC signatures that doesn't match our
	// commitment, we'll return an error now.
	if len(htlcSigs) != i {
		return nil, fmt.Errorf("number of htlc sig mismatch. "+
			"Expected %v sigs, got %v", i, len(htlcSigs))
	}

	return verifyJobs, nil
}

// ReceiveNewCommitment process a signature for a new commitment state sent by
// the remote party. This method should be called in response to the
// remote party initiating a new change, or when the remote party sends a
// signature fully accepting a new state we've initiated. If we are able to
// successfully validate the signature, then the generated commitment is added
// to our local commitment chain. Once we send a revocation for our prior
// state, then this newly added commitment becomes our current accepted channel
// state.
func (lc *LightningChannel) ReceiveNewCommitment(commitSig lnwire.Sig,
	htlcSigs []lnwire.Sig) error {

	lc.Lock()
	defer lc.Unlock()

	// Determine the last update on the local log that has been locked in.
	localACKedIndex := lc.remoteCommitChain.tail().ourMessageIndex
	localHtlcIndex := lc.remoteCommitChain.tail().ourHtlcIndex

	// Ensure that this new local update from the remote node respects all
	// the constraints we specified during initial channel setup. If not,
	// then we'll abort the channel as they've violated our constraints.
	err := lc.validateCommitmentSanity(
		lc.remoteUpdateLog.logIndex, localACKedIndex, false, nil,
	)
	if err != nil {
		return err
	}

	// We're receiving a new commitment which attempts to extend our local
	// commitment chain height by one, so fetch the proper commitment point
	// as this will be needed to derive the keys required to construct the
	// commitment.
	nextHeight := lc.currentHeight + 1
	commitSecret, err := lc.channelState.RevocationProducer.AtIndex(
		nextHeight,
	)
	if err != nil {
		return err
	}
	commitPoint := input.ComputeCommitmentPoint(commitSecret[:])
	keyRing := DeriveCommitmentKeys(
		commitPoint, true, lc.channelState.ChanType,
		lc.localChanCfg, lc.remoteChanCfg,
	)

	// With the current commitment point re-calculated, construct the new
	// commitment view which includes all the entries (pending or committed)
	// we know of within the remote node's HTLC log, but only our local
	// changes up to the last change the remote node has ACK'd.
	localCommitmentView, err := lc.fetchCommitmentView(
		false, localACKedIndex, localHtlcIndex,
		lc.remoteUpdateLog.logIndex, lc.remoteUpdateLog.htlcCounter,
		keyRing,
	)
	if err != nil {
		return err
	}

	walletLog.Tracef("ChannelPoint(%v): extending local chain to height "+
		"%v, local_log=%v, remote_log=%v",
		lc.channelState.FundingOutpoint, localCommitmentView.height,
		localACKedIndex, lc.remoteUpdateLog.logIndex)

	// Construct the sighash of the commitment transaction corresponding to
	// this newly proposed state update.
	localCommitTx := localCommitmentView.txn
	multiSigScript := lc.signDesc.WitnessScript
	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		lc.fundingOutput.PkScript, lc.fundingOutput.Value,
	)
	hashCache := txscript.NewTxSigHashes(localCommitTx, prevFetcher)
	sigHash, err := txscript.CalcWitnessSigHash(
		multiSigScript, hashCache, txscript.SigHashAll, localCommitTx,
		0, int64(lc.channelState.Capacity),
	)
	if err != nil {
		return err
	}

	// As an optimization, we'll generate a series of jobs for the worker
	// pool to verify each of the HTLc signatures presented. Once
	// generated, we'll submit these jobs to the worker pool.
	verifyJobs, err := lc.genHtlcSigValidationJobs(
		localCommitmentView, keyRing, htlcSigs,
	)
	if err != nil {
		return err
	}

	cancelChan := make(chan struct{})
	verifyResps := lc.sigPool.SubmitVerifyBatch(verifyJobs, cancelChan)

	// While the HTLC verification jobs are proceeding asynchronously,
	// we'll ensure that the newly constructed commitment state has a
	// valid signature.
	verifyKey := lc.remoteChanCfg.MultiSigKey.PubKey
	cSig, err := commitSig.ToSignature()
	if err != nil {
		return err
	}
	if !cSig.Verify(sigHash, verifyKey) {
		close(cancelChan)

		// If we fail to validate their commitment signature, we'll
		// generate a special error to send over the protocol. We'll
		// include the exact signature and commitment we failed to
		// verify against in order to aide debugging.
		var txBytes bytes.Buffer
		if err := localCommitTx.Serialize(&txBytes); err != nil {
			return err
		}
		return &InvalidCommitSigError{
			commitHeight: nextHeight,
			commitSig:    commitSig.ToSignatureBytes(),
			sigHash:      sigHash,
			commitTx:     txBytes.Bytes(),
		}
	}

	// With the commitment sig verified, we'll now loop over all the
	// verification jobs to ensure that each of the HTLC signatures are
	// also valid.
	for i := 0; i < len(verifyJobs); i++ {
		// In the case that a single signature is invalid, we'll exit
		// early and cancel all the outstanding verification jobs.
		htlcErr := <-verifyResps
		if htlcErr != nil {
			close(cancelChan)

			sigHash, err := htlcErr.SigHash()
			if err != nil {
				return err
			}

			var txBytes bytes.Buffer
			if err := localCommitTx.Serialize(&txBytes); err != nil {
				return err
			}
			return &InvalidHtlcSigError{
				commitHeight: nextHeight,
				htlcSig:      htlcErr.Sig.Serialize(),
				htlcIndex:    htlcErr.HtlcIndex,
				sigHash:      sigHash,
				commitTx:     txBytes.Bytes(),
			}
		}
	}

	// The signature checks out, so we can now add the new commitment to
	// our local commitment chain.
	localCommitmentView.sig = commitSig.ToSignatureBytes()
	lc.localCommitChain.addCommitment(localCommitmentView)

	return nil
}

// FullySynced returns a boolean value reflecting if both commitment chains
// (remote+local) are fully in sync. Both commitment chains are fully in sync
// if the tip of each chain includes the latest committed changes from both
// sides.
func (lc *LightningChannel) FullySynced() bool {
	lc.RLock()
	defer lc.RUnlock()

	lastLocalCommit := lc.localCommitChain.tip()
	lastRemoteCommit := lc.remoteCommitChain.tip()

	localUpdatesSynced := (lastLocalCommit.ourMessageIndex ==
		lastRemoteCommit.ourMessageIndex)

	remoteUpdatesSynced := (lastLocalCommit.theirMessageIndex ==
		lastRemoteCommit.theirMessageIndex)

	return localUpdatesSynced && remoteUpdatesSynced
}

// RevokeCurrentCommitment revokes the next lowest unrevoked commitment
// transaction in the local commitment chain. As a result the edge of our
// revocation window is extended by one, and the tail of our local commitment
// chain is advanced by a single commitment. This now lowest unrevoked
// commitment becomes our currently accepted state within the channel. This
// method also returns the set of HTLC's currently active within the commitment
// transaction. This return value allows callers to act once an HTLC has been
// locked into our commitment transaction.
func (lc *LightningChannel) RevokeCurrentCommitment() (*lnwire.RevokeAndAck,
	[]channeldb.HTLC, error) {

	lc.Lock()
	defer lc.Unlock()

	revocationMsg, err := lc.generateRevocation(lc.currentHeight)
	if err != nil {
		return nil, nil, err
	}

	walletLog.Tracef("ChannelPoint(%v): revoking height=%v, now at "+
		"height=%v", lc.channelState.FundingOutpoint,
		lc.localCommitChain.tail().height,
		lc.localCommitChain.tail().height+1)

	// Advance our tail, as we've revoked our previous state.
	lc.localCommitChain.advanceTail()
	lc.currentHeight++

	// Additionally, generate a channel delta for this state transition for
	// persistent storage. The state of the commitment that was just
	// revoked is now the accepted local commitment, so we persist it to
	// disk before the revocation leaves this method.
	chainTail := lc.localCommitChain.tail()
	newCommitment := chainTail.toDiskCommit(true)
	err = lc.channelState.UpdateCommitment(newCommitment)
	if err != nil {
		return nil, nil, err
	}

	// Since the remote party is able to sign for the state we've just
	// revoked, we can now attempt to compact the update logs as all prior
	// updates are committed irrevocably on both chains.
	remoteChainTail := lc.remoteCommitChain.tail().height
	localChainTail := lc.localCommitChain.tail().height

	// Any settle or fail now locked into both chains is terminal for its
	// HTLC, so the resolutions are recorded before compaction evicts the
	// entries.
	resolvedHtlcs := lc.resolvedHtlcIndexes(localChainTail, remoteChainTail)
	if len(resolvedHtlcs) > 0 {
		err = lc.recordMonitorUpdate(&channeldb.MonitorUpdateRecord{
			ResolvedHtlcs: resolvedHtlcs,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	compactLogs(
		lc.localUpdateLog, lc.remoteUpdateLog, localChainTail,
		remoteChainTail,
	)

	return revocationMsg, newCommitment.Htlcs, nil
}

// ReceiveRevocation processes a revocation sent by the remote party for the
// lowest unrevoked commitment within their commitment chain. We receive a
// revocation either during the initial session negotiation wherein revocation
// windows are extended, or in response to a state update that we initiate. If
// successful, then the remote commitment chain is advanced by a single
// commitment, and a log compaction is attempted.
func (lc *LightningChannel) ReceiveRevocation(
	revMsg *lnwire.RevokeAndAck) ([]channeldb.HTLC, error) {

	lc.Lock()
	defer lc.Unlock()

	// Ensure that the new pre-image can be placed in preimage store.
	store := lc.channelState.RevocationStore
	revocation, err := chainhash.NewHash(revMsg.Revocation[:])
	if err != nil {
		return nil, err
	}

	// Verify that the revocation preimage they've sent us corresponds to
	// the commitment point we have for their current (to be revoked)
	// state.
	pendingRevocationPoint := input.ComputeCommitmentPoint(
		revMsg.Revocation[:],
	)
	currentRevocationPoint := lc.channelState.RemoteCurrentRevocation
	if !pendingRevocationPoint.IsEqual(currentRevocationPoint) {
		return nil, fmt.Errorf("revocation key mismatch")
	}

	if err := store.AddNextEntry(revocation); err != nil {
		return nil, err
	}

	walletLog.Tracef("ChannelPoint(%v): remote party accepted state "+
		"transition, revoked height %v, now at %v",
		lc.channelState.FundingOutpoint,
		lc.remoteCommitChain.tail().height,
		lc.remoteCommitChain.tail().height+1)

	// At this point, the revocation has been accepted, and we've rotated
	// the current revocation key+hash for the remote party. Therefore we
	// sync now to ensure the revocation producer state is consistent with
	// the current commitment height and also to advance the on-disk
	// commitment chain.
	lc.channelState.RemoteCurrentRevocation = lc.channelState.RemoteNextRevocation
	lc.channelState.RemoteNextRevocation = revMsg.NextRevocationKey

	// Now that we've verified the revocation update the state of the HTLC
	// log as we may be able to prune portions of it now, and update their
	// balance.
	lc.remoteCommitChain.advanceTail()

	// Now that we've advanced the commitment tail, we'll grab the
	// current un-revoked commitment for the remote party, and persist it
	// to disk, advancing the persistent commitment chain as well.
	remoteChainTail := lc.remoteCommitChain.tail()
	newRemoteCommit := remoteChainTail.toDiskCommit(false)
	err = lc.channelState.AdvanceCommitChainTail(newRemoteCommit)
	if err != nil {
		return nil, err
	}

	// Any settle or fail now locked into both chains has moved its HTLC to
	// a terminal state. We collect those before compaction evicts the
	// entries, and durably record them along with the disclosed secret.
	localChainTail := lc.localCommitChain.tail().height
	resolvedHtlcs := lc.resolvedHtlcIndexes(
		localChainTail, remoteChainTail.height,
	)
	err = lc.recordMonitorUpdate(&channeldb.MonitorUpdateRecord{
		RevocationSecret: revocation,
		ResolvedHtlcs:    resolvedHtlcs,
	})
	if err != nil {
		return nil, err
	}

	// As both commitment chains are fully synced from this point onwards,
	// then we can safely compact the logs, removing all cancelled HTLC
	// entries.
	compactLogs(
		lc.localUpdateLog, lc.remoteUpdateLog, localChainTail,
		remoteChainTail.height,
	)

	return newRemoteCommit.Htlcs, nil
}

// resolvedHtlcIndexes returns the indexes of HTLCs whose settle or fail
// entries are locked into both chains at or below the passed tail heights.
// These are exactly the entries the next log compaction will evict. Indexes
// the attached monitor log has never seen in a commitment are skipped, as an
// HTLC added and removed within a single update never had a commitment
// output to monitor.
func (lc *LightningChannel) resolvedHtlcIndexes(localChainTail,
	remoteChainTail uint64) []uint64 {

	if lc.monitorLog == nil {
		return nil
	}

	var resolved []uint64
	collect := func(log *updateLog) {
		for e := log.Front(); e != nil; e = e.Next() {
			htlc := e.Value

			if htlc.EntryType == Add {
				continue
			}
			if htlc.removeCommitHeightRemote == 0 ||
				htlc.removeCommitHeightLocal == 0 {

				continue
			}

			if remoteChainTail >= htlc.removeCommitHeightRemote &&
				localChainTail >= htlc.removeCommitHeightLocal &&
				lc.monitorLog.KnownHtlc(htlc.ParentIndex) {

				resolved = append(resolved, htlc.ParentIndex)
			}
		}
	}
	collect(lc.localUpdateLog)
	collect(lc.remoteUpdateLog)

	return resolved
}

// NextRevocationKey returns the commitment point for the _next_ commitment
// height. The pubkey returned by this function is required by the remote party
// along with their revocation base to extend our commitment chain with a
// new commitment.
func (lc *LightningChannel) NextRevocationKey() (*btcec.PublicKey, error) {
	lc.RLock()
	defer lc.RUnlock()

	nextHeight := lc.currentHeight + 1
	revocation, err := lc.channelState.RevocationProducer.AtIndex(nextHeight)
	if err != nil {
		return nil, err
	}

	return input.ComputeCommitmentPoint(revocation[:]), nil
}

// InitNextRevocation inserts the passed commitment point as the _next_
// revocation to be used when creating a new commitment state for the remote
// party. This function MUST be called before the channel can accept or propose
// any new states.
func (lc *LightningChannel) InitNextRevocation(revKey *btcec.PublicKey) error {
	lc.Lock()
	defer lc.Unlock()

	return lc.channelState.InsertNextRevocation(revKey)
}

// AddHTLC adds an HTLC to the state machine's local update log. This method
// should be called when preparing to send an outgoing HTLC. The returned index
// uniquely identifies the new HTLC within our update log, and is also the
// value that must be used for the ID field of the outgoing wire message.
func (lc *LightningChannel) AddHTLC(htlc *lnwire.UpdateAddHTLC) (uint64, error) {
	lc.Lock()
	defer lc.Unlock()

	// Once the shutdown process has begun for the channel, no new HTLCs
	// are permitted in either direction.
	if lc.shutdownInitiated || lc.isClosed {
		return 0, ErrChanClosing
	}

	if htlc.Amount == 0 {
		return 0, ErrInvalidHTLCAmt
	}

	// An HTLC below the dust limit would have no enforceable output on
	// the commitment transaction, so we refuse to propose it in the first
	// place.
	if htlc.Amount.ToSatoshis() < lc.localChanCfg.DustLimit {
		return 0, ErrDustHTLC
	}

	pd := &paymentDescriptor{
		ChanID:    htlc.ChanID,
		EntryType: Add,
		RHash:     PaymentHash(htlc.PaymentHash),
		Timeout:   htlc.Expiry,
		Amount:    htlc.Amount,
		LogIndex:  lc.localUpdateLog.logIndex,
		HtlcIndex: lc.localUpdateLog.htlcCounter,
	}
	pd.OnionBlob = make([]byte, len(htlc.OnionBlob))
	copy(pd.OnionBlob, htlc.OnionBlob[:])

	// Make sure adding this HTLC won't violate any of the constraints we
	// must keep on the commitment transactions.
	remoteACKedIndex := lc.localCommitChain.tail().theirMessageIndex
	err := lc.validateCommitmentSanity(
		remoteACKedIndex, lc.localUpdateLog.logIndex, true, pd,
	)
	if err != nil {
		return 0, err
	}

	lc.localUpdateLog.appendHtlc(pd)

	return pd.HtlcIndex, nil
}

// ReceiveHTLC adds an HTLC to the state machine's remote update log. This
// method should be called in response to receiving a new HTLC from the remote
// party.
func (lc *LightningChannel) ReceiveHTLC(htlc *lnwire.UpdateAddHTLC) (uint64,
	error) {

	lc.Lock()
	defer lc.Unlock()

	if lc.shutdownInitiated || lc.isClosed {
		return 0, ErrChanClosing
	}

	if htlc.ID != lc.remoteUpdateLog.htlcCounter {
		return 0, fmt.Errorf("ID %d on HTLC add does not match "+
			"expected next ID %d", htlc.ID,
			lc.remoteUpdateLog.htlcCounter)
	}

	pd := &paymentDescriptor{
		ChanID:    htlc.ChanID,
		EntryType: Add,
		RHash:     PaymentHash(htlc.PaymentHash),
		Timeout:   htlc.Expiry,
		Amount:    htlc.Amount,
		LogIndex:  lc.remoteUpdateLog.logIndex,
		HtlcIndex: lc.remoteUpdateLog.htlcCounter,
	}
	pd.OnionBlob = make([]byte, len(htlc.OnionBlob))
	copy(pd.OnionBlob, htlc.OnionBlob[:])

	lc.remoteUpdateLog.appendHtlc(pd)

	return pd.HtlcIndex, nil
}

// SettleHTLC attempts to settle an existing outstanding received HTLC. The
// remote log index of the HTLC settled is returned in order to facilitate
// creating the corresponding wire message. In the case the supplied preimage
// is invalid, an error is returned.
func (lc *LightningChannel) SettleHTLC(preimage [32]byte,
	htlcIndex uint64) error {

	lc.Lock()
	defer lc.Unlock()

	htlc := lc.remoteUpdateLog.lookupHtlc(htlcIndex)
	if htlc == nil {
		return ErrUnknownHtlcIndex(lc.chanID(), htlcIndex)
	}

	if htlc.RHash != PaymentHash(sha256.Sum256(preimage[:])) {
		return fmt.Errorf("invalid payment preimage %x for hash %x",
			preimage[:], htlc.RHash[:])
	}

	// Now that we know the preimage is valid, check whether the HTLC has
	// already been modified. A redundant settle with the same preimage is
	// absorbed as a no-op, since redundant delivery across restarts must
	// not surface as an error. Only a conflicting modification is
	// rejected.
	if modType, ok := lc.remoteUpdateLog.htlcModification(htlcIndex); ok {
		if modType == Settle {
			return nil
		}

		return fmt.Errorf("HTLC with ID %d has already been failed",
			htlcIndex)
	}

	pd := &paymentDescriptor{
		ChanID:      lc.chanID(),
		Amount:      htlc.Amount,
		RPreimage:   preimage,
		RHash:       htlc.RHash,
		LogIndex:    lc.localUpdateLog.logIndex,
		ParentIndex: htlcIndex,
		EntryType:   Settle,
	}

	lc.localUpdateLog.appendUpdate(pd)

	// With the settle added to our local log, we'll now mark the HTLC as
	// modified to prevent ourselves from accidentally attempting a
	// duplicate settle.
	lc.remoteUpdateLog.markHtlcModified(htlcIndex, Settle)

	return nil
}

// ReceiveHTLCSettle attempts to settle an existing outgoing HTLC indexed by an
// index into the local log. If the specified index doesn't exist within the
// log, and error is returned. Similarly if the preimage is invalid w.r.t to
// the referenced of then a distinct error is returned.
func (lc *LightningChannel) ReceiveHTLCSettle(preimage [32]byte,
	htlcIndex uint64) error {

	lc.Lock()
	defer lc.Unlock()

	htlc := lc.localUpdateLog.lookupHtlc(htlcIndex)
	if htlc == nil {
		return ErrUnknownHtlcIndex(lc.chanID(), htlcIndex)
	}

	if htlc.RHash != PaymentHash(sha256.Sum256(preimage[:])) {
		return fmt.Errorf("invalid payment preimage %x for hash %x",
			preimage[:], htlc.RHash[:])
	}

	// A redundant settle with the same preimage is absorbed as a no-op,
	// only a conflicting modification is rejected.
	if modType, ok := lc.localUpdateLog.htlcModification(htlcIndex); ok {
		if modType == Settle {
			return nil
		}

		return fmt.Errorf("HTLC with ID %d has already been failed",
			htlcIndex)
	}

	// The preimage was just learned from the remote party, so it's durably
	// noted in the monitor log before the settle takes effect.
	err := lc.recordMonitorUpdate(&channeldb.MonitorUpdateRecord{
		Preimages: [][32]byte{preimage},
	})
	if err != nil {
		return err
	}

	pd := &paymentDescriptor{
		ChanID:      lc.chanID(),
		Amount:      htlc.Amount,
		RPreimage:   preimage,
		RHash:       htlc.RHash,
		LogIndex:    lc.remoteUpdateLog.logIndex,
		ParentIndex: htlcIndex,
		EntryType:   Settle,
	}

	lc.remoteUpdateLog.appendUpdate(pd)

	// With the settle added to the remote log, we'll now mark the HTLC as
	// modified to prevent the remote party from accidentally attempting a
	// duplicate settle.
	lc.localUpdateLog.markHtlcModified(htlcIndex, Settle)

	return nil
}

// FailHTLC attempts to fail a targeted HTLC by its payment hash, inserting an
// entry which will remove the target log entry within the next commitment
// update. This method is intended to be called in order to cancel in
// _incoming_ HTLC.
func (lc *LightningChannel) FailHTLC(htlcIndex uint64, reason []byte) error {
	lc.Lock()
	defer lc.Unlock()

	htlc := lc.remoteUpdateLog.lookupHtlc(htlcIndex)
	if htlc == nil {
		return ErrUnknownHtlcIndex(lc.chanID(), htlcIndex)
	}

	// A redundant fail of the same HTLC is absorbed as a no-op, only a
	// conflicting modification is rejected.
	if modType, ok := lc.remoteUpdateLog.htlcModification(htlcIndex); ok {
		if modType == Fail {
			return nil
		}

		return fmt.Errorf("HTLC with ID %d has already been settled",
			htlcIndex)
	}

	pd := &paymentDescriptor{
		ChanID:      lc.chanID(),
		Amount:      htlc.Amount,
		RHash:       htlc.RHash,
		ParentIndex: htlcIndex,
		LogIndex:    lc.localUpdateLog.logIndex,
		EntryType:   Fail,
		FailReason:  reason,
	}

	lc.localUpdateLog.appendUpdate(pd)

	// With the fail added to the remote log, we'll now mark the HTLC as
	// modified to prevent ourselves from accidentally attempting a
	// duplicate fail.
	lc.remoteUpdateLog.markHtlcModified(htlcIndex, Fail)

	return nil
}

// ReceiveFailHTLC attempts to cancel a targeted HTLC by its log index,
// inserting an entry which will remove the target log entry within the next
// commitment update. This method should be called in response to the remote
// party failing a particular outgoing HTLC.
func (lc *LightningChannel) ReceiveFailHTLC(htlcIndex uint64,
	reason []byte) error {

	lc.Lock()
	defer lc.Unlock()

	htlc := lc.localUpdateLog.lookupHtlc(htlcIndex)
	if htlc == nil {
		return ErrUnknownHtlcIndex(lc.chanID(), htlcIndex)
	}

	// A redundant fail of the same HTLC is absorbed as a no-op, only a
	// conflicting modification is rejected.
	if modType, ok := lc.localUpdateLog.htlcModification(htlcIndex); ok {
		if modType == Fail {
			return nil
		}

		return fmt.Errorf("HTLC with ID %d has already been settled",
			htlcIndex)
	}

	pd := &paymentDescriptor{
		ChanID:      lc.chanID(),
		Amount:      htlc.Amount,
		RHash:       htlc.RHash,
		ParentIndex: htlcIndex,
		LogIndex:    lc.remoteUpdateLog.logIndex,
		EntryType:   Fail,
		FailReason:  reason,
	}

	lc.remoteUpdateLog.appendUpdate(pd)

	// With the fail added to the remote log, we'll now mark the HTLC as
	// modified to prevent the remote party from accidentally attempting a
	// duplicate fail.
	lc.localUpdateLog.markHtlcModified(htlcIndex, Fail)

	return nil
}

// chanID returns the wire channel ID for this channel, derived from the
// funding outpoint.
func (lc *LightningChannel) chanID() lnwire.ChannelID {
	return lnwire.NewChanIDFromOutPoint(lc.channelState.FundingOutpoint)
}

// ChannelPoint returns the outpoint of the original funding transaction which
// created this active channel. This outpoint is used throughout various
// subsystems to uniquely identify an open channel.
func (lc *LightningChannel) ChannelPoint() *wire.OutPoint {
	return &lc.channelState.FundingOutpoint
}

// ShortChanID returns the short channel ID for the channel. The short channel
// ID encodes the exact location in the main chain that the original
// funding output can be found.
func (lc *LightningChannel) ShortChanID() lnwire.ShortChannelID {
	return lc.channelState.ShortChannelID
}

// generateRevocation generates the revocation message for a given height.
func (lc *LightningChannel) generateRevocation(height uint64) (
	*lnwire.RevokeAndAck, error) {

	// Now that we've accept a new state transition, we send the remote
	// party the revocation for our current commitment state.
	revocationMsg := &lnwire.RevokeAndAck{
		ExtraData: make([]byte, 0),
	}
	commitSecret, err := lc.channelState.RevocationProducer.AtIndex(height)
	if err != nil {
		return nil, err
	}
	copy(revocationMsg.Revocation[:], commitSecret[:])

	// Along with this revocation, we'll also send the _next_ commitment
	// point that the remote party should use to create our next commitment
	// transaction. We use a +2 here as we already gave them a look ahead
	// of size one after the ChannelReady message was sent:
	//
	// 0: current revocation, 1: their "next" revocation, 2: this revocation
	//
	// We're revoking the current revocation. Once they receive this
	// message they'll set the "current" revocation for us to their stored
	// "next" revocation, and this revocation will become their new "next"
	// revocation.
	nextCommitSecret, err := lc.channelState.RevocationProducer.AtIndex(
		height + 2,
	)
	if err != nil {
		return nil, err
	}

	revocationMsg.NextRevocationKey = input.ComputeCommitmentPoint(
		nextCommitSecret[:],
	)
	revocationMsg.ChanID = lnwire.NewChanIDFromOutPoint(
		lc.channelState.FundingOutpoint,
	)

	return revocationMsg, nil
}

// ProcessChanSyncMsg processes a ChannelReestablish message sent by the remote
// connection upon re establishment of our connection with them. This method
// will return a single message if we are currently out of sync in some way,
// and it should be sent to the remote party to allow them to catch up with our
// state. The second case is when the remote party has lost state, in which
// case we will raise an error so the channel can be frozen pending manual
// intervention.
//
// One of two message sets will be returned:
//
//   - CommitSig+Updates: if we have a pending remote commit which they claim to
//     have not received
//   - RevokeAndAck: if we sent a revocation message that they claim to have
//     not received
func (lc *LightningChannel) ProcessChanSyncMsg(
	msg *lnwire.ChannelReestablish) ([]lnwire.Message, error) {

	lc.Lock()
	defer lc.Unlock()

	// Now we'll examine the state we have, vs what was contained in the
	// chain sync message. If we're de-synchronized, then we'll send a
	// batch of messages which when applied will kick start the chain
	// resync.
	var updates []lnwire.Message

	// Take note of our current commit chain heights before we begin adding
	// more to them.
	var (
		localTailHeight  = lc.localCommitChain.tail().height
		remoteTailHeight = lc.remoteCommitChain.tail().height
		remoteTipHeight  = lc.remoteCommitChain.tip().height
	)

	// If the remote party included the optional fields, then we'll verify
	// their correctness first, as it will influence our decisions below.
	hasRecoveryOptions := msg.LocalUnrevokedCommitPoint != nil
	if hasRecoveryOptions && msg.RemoteCommitTailHeight != 0 {
		// We'll check that they've really sent a valid commit
		// secret from our shachain for our prior height, but only if
		// this isn't the first state.
		heightSecret, err := lc.channelState.RevocationProducer.AtIndex(
			msg.RemoteCommitTailHeight - 1,
		)
		if err != nil {
			return nil, err
		}
		commitSecretCorrect := bytes.Equal(
			heightSecret[:], msg.LastRemoteCommitSecret[:],
		)

		// If the commit secret they sent is incorrect then we'll fail
		// the channel as the remote node has an inconsistent state.
		if !commitSecretCorrect {
			// In this case, we'll return an error to indicate the
			// remote node sent us the wrong values. This will let
			// the caller act accordingly.
			walletLog.Errorf("ChannelPoint(%v), sync failed: "+
				"remote provided invalid commit secret!",
				lc.channelState.FundingOutpoint)
			return nil, ErrInvalidLastCommitSecret
		}
	}

	// Take note of their current commit chain heights before we begin
	// those same checks in the other direction.
	switch {

	// We owe the remote party a revocation if the tail of our current
	// commitment chain is one greater than what they _think_ our
	// commitment tail is. In this case we'll re-send the last revocation
	// message that we sent. This will be the revocation message for our
	// prior chain tail.
	case msg.RemoteCommitTailHeight+1 == localTailHeight:
		walletLog.Debugf("ChannelPoint(%v), sync: remote believes "+
			"our tail height is %v, while we have %v!",
			lc.channelState.FundingOutpoint,
			msg.RemoteCommitTailHeight, localTailHeight)

		revocationMsg, err := lc.generateRevocation(
			localTailHeight - 1,
		)
		if err != nil {
			return nil, err
		}
		updates = append(updates, revocationMsg)

	// If we owe them a revocation according to their chain tail, and they
	// are behind more than a single state, then they've lost data and we
	// have no revocation to re-send. The channel is irreparably
	// desynchronized.
	case msg.RemoteCommitTailHeight+1 < localTailHeight:
		walletLog.Errorf("ChannelPoint(%v), sync failed: remote "+
			"believes our tail height is %v, while we have %v!",
			lc.channelState.FundingOutpoint,
			msg.RemoteCommitTailHeight, localTailHeight)

		if err := lc.channelState.MarkBorked(); err != nil {
			return nil, err
		}

		return nil, ErrCommitSyncRemoteDataLoss

	// Their view of our chain tail is ahead of our actual chain tail. This
	// means we've lost some channel state, and cannot proceed safely. If
	// they've provided us with their current unrevoked commitment point,
	// then we can at least attempt to sweep our settled funds once they
	// force close.
	case msg.RemoteCommitTailHeight > localTailHeight:
		walletLog.Errorf("ChannelPoint(%v), sync failed with local "+
			"data loss: remote believes our tail height is %v, "+
			"while we have %v!", lc.channelState.FundingOutpoint,
			msg.RemoteCommitTailHeight, localTailHeight)

		if err := lc.channelState.MarkBorked(); err != nil {
			return nil, err
		}

		return nil, &ErrCommitSyncLocalDataLoss{
			ChannelPoint: lc.channelState.FundingOutpoint,
			CommitPoint:  msg.LocalUnrevokedCommitPoint,
		}
	}

	// Now check if our view of the remote chain is consistent with what
	// they tell us.
	switch {

	// If their reported height for our local chain tail is ahead of our
	// view, then we might have lost data.
	case msg.NextLocalCommitHeight > remoteTipHeight+1:
		walletLog.Errorf("ChannelPoint(%v), sync failed: remote's "+
			"next commit height is %v, while we believe it is %v!",
			lc.channelState.FundingOutpoint,
			msg.NextLocalCommitHeight, remoteTipHeight+1)

		if err := lc.channelState.MarkBorked(); err != nil {
			return nil, err
		}

		return nil, ErrCannotSyncCommitChains

	// We owe them a commitment if the tip of their chain (from our PoV) is
	// equal to what they think their next commit height should be. We'll
	// re-send all the updates necessary to recreate this state, along
	// with the commit sig.
	case msg.NextLocalCommitHeight == remoteTipHeight:
		walletLog.Debugf("ChannelPoint(%v), sync: remote's next "+
			"commit height is %v, while we believe it is %v, we "+
			"owe them a commitment",
			lc.channelState.FundingOutpoint,
			msg.NextLocalCommitHeight, remoteTipHeight+1)

		// Grab the current remote chain tip from the database. This
		// commit diff contains all the information required to re-sync
		// our states.
		commitDiff, err := lc.channelState.RemoteCommitChainTip()
		if err != nil {
			return nil, err
		}

		// Next, we'll need to send over any updates we sent as part of
		// this new proposed commitment state.
		for _, logUpdate := range commitDiff.LogUpdates {
			updates = append(updates, logUpdate.UpdateMsg)
		}

		// With the batch of updates accumulated, we'll now re-send the
		// original CommitSig message required to re-sync their remote
		// commitment chain with our local version of their chain.
		updates = append(updates, commitDiff.CommitSig)

	// There should be no other possible states.
	case msg.NextLocalCommitHeight != remoteTipHeight+1:
		walletLog.Errorf("ChannelPoint(%v), sync failed: remote's "+
			"next commit height is %v, while we believe it is %v!",
			lc.channelState.FundingOutpoint,
			msg.NextLocalCommitHeight, remoteTipHeight+1)

		if err := lc.channelState.MarkBorked(); err != nil {
			return nil, err
		}

		return nil, ErrCannotSyncCommitChains
	}

	// If we didn't have recovery options, then the final check cannot be
	// performed, and we'll return early.
	if !hasRecoveryOptions {
		return updates, nil
	}

	// At this point we have determined that either the commit heights are
	// in sync, or that we are in a state we can recover from. As a final
	// check, we ensure that the commitment point sent to us by the remote
	// is valid for the current commitment.
	var expectedPoint *btcec.PublicKey
	switch {
	case msg.NextLocalCommitHeight == remoteTailHeight+1:
		expectedPoint = lc.channelState.RemoteCurrentRevocation

	case msg.NextLocalCommitHeight == remoteTipHeight+1 &&
		remoteTipHeight != remoteTailHeight:

		expectedPoint = lc.channelState.RemoteNextRevocation
	}

	if expectedPoint != nil &&
		!expectedPoint.IsEqual(msg.LocalUnrevokedCommitPoint) {

		walletLog.Errorf("ChannelPoint(%v), sync failed: remote "+
			"sent an invalid commit point for height %v!",
			lc.channelState.FundingOutpoint,
			msg.NextLocalCommitHeight)

		if err := lc.channelState.MarkBorked(); err != nil {
			return nil, err
		}

		return nil, ErrInvalidLocalUnrevokedCommitPoint
	}

	return updates, nil
}

// ChanSyncMsg returns the ChannelReestablish message that should be sent upon
// reconnection with the remote peer that we're maintaining this channel with.
// The information contained within this message is necessary to re-sync our
// commitment chains in the case of a last or only partially processed message.
func (lc *LightningChannel) ChanSyncMsg() (*lnwire.ChannelReestablish, error) {
	return lc.channelState.ChanSyncMsg()
}

// OweCommitment returns a boolean value reflecting whether we need to send
// out a commitment signature because there are outstanding local updates
// and/or updates in the local commit tx that aren't reflected in the remote
// commit tx yet.
func (lc *LightningChannel) OweCommitment() bool {
	lc.RLock()
	defer lc.RUnlock()

	lastLocalCommit := lc.localCommitChain.tip()
	lastRemoteCommit := lc.remoteCommitChain.tip()

	// There are local updates pending if our local update log is
	// not in sync with our remote commitment tx.
	localUpdatesPending := lc.localUpdateLog.logIndex !=
		lastRemoteCommit.ourMessageIndex

	// There are remote updates pending if their remote commitment
	// tx (our local commitment tx) contains updates that we don't
	// have added to our remote commitment tx yet.
	remoteUpdatesPending := lastLocalCommit.theirMessageIndex !=
		lastRemoteCommit.theirMessageIndex

	return localUpdatesPending || remoteUpdatesPending
}

// PendingLocalUpdateCount returns the number of local updates that still need
// to be applied to the remote commitment tx.
func (lc *LightningChannel) PendingLocalUpdateCount() uint64 {
	lc.RLock()
	defer lc.RUnlock()

	lastRemoteCommit := lc.remoteCommitChain.tip()

	return lc.localUpdateLog.logIndex - lastRemoteCommit.ourMessageIndex
}

// State provides access to the channel's internal state.
func (lc *LightningChannel) State() *channeldb.OpenChannel {
	return lc.channelState
}

// AvailableBalance returns the current balance available for sending within
// the channel. By available balance, we mean that if at this very instance a
// new commitment were to be created which evals all the log entries, what
// would our available balance for adding an additional HTLC be. It takes into
// account the fee that must be paid for adding this HTLC, that we cannot spend
// from the channel reserve, and moreover the FeeBuffer when we are the
// initiator of the channel.
func (lc *LightningChannel) AvailableBalance() lnwire.MilliSatoshi {
	lc.RLock()
	defer lc.RUnlock()

	return lc.availableBalance()
}

// availableBalance is the private, non mutexed version of AvailableBalance.
// This method is provided so methods that already hold the lock can access
// this method.
func (lc *LightningChannel) availableBalance() lnwire.MilliSatoshi {
	// We'll grab the current set of log updates that the remote has
	// ACKed.
	remoteACKedIndex := lc.localCommitChain.tip().theirMessageIndex
	htlcView := lc.fetchHTLCView(
		remoteACKedIndex, lc.localUpdateLog.logIndex,
	)

	// Then compute our current balance for that view.
	ourBalance := lc.remoteCommitChain.tip().ourBalance
	theirBalance := lc.remoteCommitChain.tip().theirBalance

	// Add back the fee paid on the last commitment, as the fee will be
	// recalculated for the prospective state below.
	if lc.channelState.IsInitiator {
		ourBalance += lnwire.NewMSatFromSatoshis(
			lc.remoteCommitChain.tip().fee,
		)
	} else {
		theirBalance += lnwire.NewMSatFromSatoshis(
			lc.remoteCommitChain.tip().fee,
		)
	}

	nextHeight := lc.remoteCommitChain.tip().height + 1
	filteredView, err := lc.evaluateHTLCView(
		htlcView, &ourBalance, &theirBalance, nextHeight, true, false,
	)
	if err != nil {
		walletLog.Errorf("unable to fetch available balance: %v", err)
		return 0
	}

	// If we are the channel initiator, we must remember to subtract the
	// commitment fee from our available balance.
	if lc.channelState.IsInitiator {
		feePerKw := lc.remoteCommitChain.tip().feePerKw

		numNonDust := int64(0)
		for _, entry := range filteredView.ourUpdates {
			if !HtlcIsDust(
				lc.channelState.ChanType, false, false,
				feePerKw, entry.Amount.ToSatoshis(),
				lc.remoteChanCfg.DustLimit,
			) {

				numNonDust++
			}
		}
		for _, entry := range filteredView.theirUpdates {
			if !HtlcIsDust(
				lc.channelState.ChanType, true, false,
				feePerKw, entry.Amount.ToSatoshis(),
				lc.remoteChanCfg.DustLimit,
			) {

				numNonDust++
			}
		}

		commitWeight := CommitWeight(lc.channelState.ChanType) +
			input.HTLCWeight*numNonDust
		commitFee := lnwire.NewMSatFromSatoshis(
			feePerKw.FeeForWeight(commitWeight),
		)

		if ourBalance < commitFee {
			return 0
		}
		ourBalance -= commitFee
	}

	return ourBalance
}

// StateSnapshot returns a snapshot of the current fully committed state within
// the channel.
func (lc *LightningChannel) StateSnapshot() *channeldb.ChannelSnapshot {
	lc.RLock()
	defer lc.RUnlock()

	return lc.channelState.Snapshot()
}

// CommitFeeRate returns the current fee rate of the commitment transaction in
// units of sat-per-kw.
func (lc *LightningChannel) CommitFeeRate() chainfee.SatPerKWeight {
	lc.RLock()
	defer lc.RUnlock()

	return chainfee.SatPerKWeight(lc.channelState.LocalCommitment.FeePerKw)
}

// IsPending returns true if the channel's funding transaction has been fully
// confirmed, and false otherwise.
func (lc *LightningChannel) IsPending() bool {
	lc.RLock()
	defer lc.RUnlock()

	return lc.channelState.IsPending
}

// ActiveHtlcs returns a slice of HTLC's which are currently active on *both*
// commitment transactions.
func (lc *LightningChannel) ActiveHtlcs() []channeldb.HTLC {
	lc.RLock()
	defer lc.RUnlock()

	return lc.channelState.ActiveHtlcs()
}

// CalcFee returns the commitment fee to use for the given fee rate
// (fee-per-kw).
func (lc *LightningChannel) CalcFee(feeRate chainfee.SatPerKWeight) btcutil.Amount {
	return feeRate.FeeForWeight(CommitWeight(lc.channelState.ChanType))
}

// IsInitiator returns true if we were the ones that initiated the funding
// workflow which led to the creation of this channel. Otherwise, it returns
// false.
func (lc *LightningChannel) IsInitiator() bool {
	lc.RLock()
	defer lc.RUnlock()

	return lc.channelState.IsInitiator
}

// MarkBorked marks the event when the channel as reached an irreconcilable
// state, such as a channel breach or state desynchronization. Borked channels
// should never be added to the switch.
func (lc *LightningChannel) MarkBorked() error {
	lc.Lock()
	defer lc.Unlock()

	return lc.channelState.MarkBorked()
}

// MarkShutdown marks the channel as having entered the shutdown process.
// After this point any attempt to add a new HTLC in either direction will
// fail with ErrChanClosing, while settles and fails of existing HTLCs
// continue to flow so the channel can be flushed for the final closing
// negotiation.
func (lc *LightningChannel) MarkShutdown() {
	lc.Lock()
	defer lc.Unlock()

	lc.shutdownInitiated = true
}

// MarkCommitmentBroadcasted marks the channel as a commitment transaction has
// been broadcast, either our own or the remote, and we should watch the chain
// for it to confirm before taking any further action.
func (lc *LightningChannel) MarkCommitmentBroadcasted(tx *wire.MsgTx) error {
	lc.Lock()
	defer lc.Unlock()

	return lc.channelState.MarkCommitmentBroadcasted(tx)
}

// CreateCloseProposal is used by both parties in a cooperative channel close
// workflow to generate proposed close transactions and signatures. This method
// should only be executed once all pending HTLCs (if any) on the channel have
// been cleared/removed. Upon completion, the source channel will shift into
// the "closing" state, which indicates that all incoming/outgoing HTLC
// requests should be rejected. A signature for the closing transaction is
// returned.
func (lc *LightningChannel) CreateCloseProposal(proposedFee btcutil.Amount,
	localDeliveryScript []byte, remoteDeliveryScript []byte) (
	input.Signature, *chainhash.Hash, btcutil.Amount, error) {

	lc.Lock()
	defer lc.Unlock()

	// If we've already closed the channel, then ignore this request.
	if lc.isClosed {
		return nil, nil, 0, ErrChanClosing
	}

	// If there are active HTLCs, then we'll fail the close as the
	// balances can't yet be fully settled.
	if len(lc.channelState.ActiveHtlcs()) != 0 {
		return nil, nil, 0, fmt.Errorf("cannot close channel with " +
			"active htlcs")
	}

	// Subtract the proposed fee from the appropriate balance, taking care
	// not to persist the adjusted balance, as the feeRate may change
	// during the channel closing process.
	localCommit := lc.channelState.LocalCommitment
	ourBalance := localCommit.LocalBalance.ToSatoshis()
	theirBalance := localCommit.RemoteBalance.ToSatoshis()

	// We'll make sure we account for the complete balance by adding the
	// current dangling commitment fee to the balance of the initiator.
	commitFee := localCommit.CommitFee
	if lc.channelState.IsInitiator {
		ourBalance = ourBalance - proposedFee + commitFee
	} else {
		theirBalance = theirBalance - proposedFee + commitFee
	}

	closeTx := CreateCooperativeCloseTx(
		fundingTxIn(lc.channelState), lc.localChanCfg.DustLimit,
		lc.remoteChanCfg.DustLimit, ourBalance, theirBalance,
		localDeliveryScript, remoteDeliveryScript,
	)

	// Ensure that the transaction doesn't explicitly violate any
	// consensus rules such as being too big, or having any value with a
	// negative output.
	tx := btcutil.NewTx(closeTx)
	if err := blockchain.CheckTransactionSanity(tx); err != nil {
		return nil, nil, 0, err
	}

	// Finally, sign the completed cooperative closure transaction. As the
	// initiator we'll simply send our signature over to the remote party,
	// using the generated txid to be notified once the closure transaction
	// has been confirmed.
	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		lc.fundingOutput.PkScript, lc.fundingOutput.Value,
	)
	lc.signDesc.SigHashes = txscript.NewTxSigHashes(closeTx, prevFetcher)
	lc.signDesc.PrevOutputFetcher = prevFetcher
	sig, err := lc.Signer.SignOutputRaw(closeTx, lc.signDesc)
	if err != nil {
		return nil, nil, 0, err
	}

	// As everything checks out, indicate in the channel status that a
	// channel closure has been initiated.
	lc.isClosed = true

	closeTXID := closeTx.TxHash()
	return sig, &closeTXID, ourBalance, nil
}

// CompleteCooperativeClose completes the cooperative closure of the target
// active lightning channel. A fully signed closure transaction as well as the
// signature itself are returned. Additionally, we also return our final
// settled balance, which reflects any fees we may have paid.
//
// NOTE: The passed local and remote sigs are expected to be fully complete
// signatures including the proper sighash byte.
func (lc *LightningChannel) CompleteCooperativeClose(
	localSig, remoteSig input.Signature,
	localDeliveryScript, remoteDeliveryScript []byte,
	proposedFee btcutil.Amount) (*wire.MsgTx, btcutil.Amount, error) {

	lc.Lock()
	defer lc.Unlock()

	// If the channel is already closed, then ignore this request.
	if lc.isClosed {
		return nil, 0, ErrChanClosing
	}

	// Subtract the proposed fee from the appropriate balance, taking care
	// not to persist the adjusted balance, as the feeRate may change
	// during the channel closing process.
	localCommit := lc.channelState.LocalCommitment
	ourBalance := localCommit.LocalBalance.ToSatoshis()
	theirBalance := localCommit.RemoteBalance.ToSatoshis()

	// We'll make sure we account for the complete balance by adding the
	// current dangling commitment fee to the balance of the initiator.
	commitFee := localCommit.CommitFee
	if lc.channelState.IsInitiator {
		ourBalance = ourBalance - proposedFee + commitFee
	} else {
		theirBalance = theirBalance - proposedFee + commitFee
	}

	// Create the transaction used to return the current settled balance
	// on this active channel back to both parties. In this current model,
	// the initiator pays full fees for the cooperative close transaction.
	closeTx := CreateCooperativeCloseTx(
		fundingTxIn(lc.channelState), lc.localChanCfg.DustLimit,
		lc.remoteChanCfg.DustLimit, ourBalance, theirBalance,
		localDeliveryScript, remoteDeliveryScript,
	)

	// Ensure that the transaction doesn't explicitly validate any
	// consensus rules such as being too big, or having any value with a
	// negative output.
	tx := btcutil.NewTx(closeTx)
	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		lc.fundingOutput.PkScript, lc.fundingOutput.Value,
	)
	if err := blockchain.CheckTransactionSanity(tx); err != nil {
		return nil, 0, err
	}
	hashCache := txscript.NewTxSigHashes(closeTx, prevFetcher)

	// Finally, construct the witness for either party's version of the
	// transaction.
	ourKey := lc.localChanCfg.MultiSigKey.PubKey.SerializeCompressed()
	theirKey := lc.remoteChanCfg.MultiSigKey.PubKey.SerializeCompressed()
	ourSig := append(localSig.Serialize(), byte(txscript.SigHashAll))
	theirSig := append(remoteSig.Serialize(), byte(txscript.SigHashAll))
	witness := input.SpendMultiSig(
		lc.signDesc.WitnessScript, ourKey, ourSig, theirKey, theirSig,
	)
	closeTx.TxIn[0].Witness = witness

	// Validate the finalized transaction to ensure the output script is
	// properly met, and that the remote peer supplied a valid signature.
	vm, err := txscript.NewEngine(
		lc.fundingOutput.PkScript, closeTx, 0,
		txscript.StandardVerifyFlags, nil, hashCache,
		lc.fundingOutput.Value, prevFetcher,
	)
	if err != nil {
		return nil, 0, err
	}
	if err := vm.Execute(); err != nil {
		return nil, 0, err
	}

	// As the transaction is sane, and the scripts are valid we'll mark the
	// channel now as closed as the closure transaction should get into the
	// chain in a timely manner and possibly be re-broadcast by the wallet.
	lc.isClosed = true

	return closeTx, ourBalance, nil
}

// CreateCooperativeCloseTx creates a transaction which if signed by both
// parties, then broadcast cooperatively closes an active channel. The creation
// of the closure transaction is modified by a boolean indicating if the party
// constructing the channel is the initiator of the closure. Currently it is
// expected that the initiator pays the transaction fees for the closing
// transaction in full.
func CreateCooperativeCloseTx(fundingTxIn wire.TxIn,
	localDust, remoteDust, ourBalance, theirBalance btcutil.Amount,
	ourDeliveryScript, theirDeliveryScript []byte) *wire.MsgTx {

	// Construct the transaction to perform a cooperative closure of the
	// channel. In the event that one side doesn't have any settled funds
	// within the channel then a refund output for that particular side can
	// be omitted.
	closeTx := wire.NewMsgTx(2)
	closeTx.AddTxIn(&fundingTxIn)

	// Create both cooperative closure outputs, properly respecting the
	// dust limits of both parties.
	if ourBalance >= localDust {
		closeTx.AddTxOut(&wire.TxOut{
			PkScript: ourDeliveryScript,
			Value:    int64(ourBalance),
		})
	}
	if theirBalance >= remoteDust {
		closeTx.AddTxOut(&wire.TxOut{
			PkScript: theirDeliveryScript,
			Value:    int64(theirBalance),
		})
	}

	txsort.InPlaceSort(closeTx)

	return closeTx
}
