package contractcourt

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet"
	"github.com/AreaLayer/rust-lightning/sweep"
)

// htlcSuccessResolver is a resolver that's capable of sweeping an incoming
// HTLC output on-chain. If this is our commitment transaction, then we'll
// broadcast the pre-signed second-level success transaction, then sweep its
// output once the CSV delay matures. Otherwise, we'll simply sweep the output
// of the commitment transaction directly using the preimage.
//
// If the preimage isn't known at the time the commitment hits the chain,
// we'll watch the witness beacon until we either learn it, or the HTLC's
// absolute timeout passes and the output is no longer claimable by us.
type htlcSuccessResolver struct {
	// htlcResolution is the incoming HTLC resolution for this HTLC. It
	// contains everything we need to properly resolve this HTLC.
	htlcResolution lnwallet.IncomingHtlcResolution

	// outputIncubating returns true if we've sent the second-level output
	// to the sweeper for incubation before its CSV delay matures.
	outputIncubating bool

	// resolved reflects if the contract has been fully resolved or not.
	resolved bool

	// broadcastHeight is the height that the original contract was
	// broadcast to the main-chain at. We'll use this value to bound any
	// historical queries to the chain for spends/confirmations.
	broadcastHeight uint32

	// htlc contains the htlc that we are resolving.
	htlc channeldb.HTLC

	// currentReport stores the current state of the resolver for reporting
	// over the rpc interface.
	currentReport ContractReport

	// reportLock prevents concurrent access to the resolver report.
	reportLock sync.Mutex

	contractResolverKit
}

// newSuccessResolver instantiates a new htlc success resolver.
func newSuccessResolver(res lnwallet.IncomingHtlcResolution,
	broadcastHeight uint32, resCfg ResolverConfig) *htlcSuccessResolver {

	h := &htlcSuccessResolver{
		contractResolverKit: *newContractResolverKit(resCfg),
		htlcResolution:      res,
		broadcastHeight:     broadcastHeight,
	}

	h.initLogger(h)

	return h
}

// ResolverKey returns an identifier which should be globally unique for this
// particular resolver within the chain the original contract resides within.
func (h *htlcSuccessResolver) ResolverKey() []byte {
	// The primary key for this resolver will be the outpoint of the HTLC
	// on the commitment transaction itself. If this is our commitment,
	// then the output can be found within the signed success tx,
	// otherwise, it's just the ClaimOutpoint.
	var op wire.OutPoint
	if h.htlcResolution.SignedSuccessTx != nil {
		op = h.htlcResolution.SignedSuccessTx.TxIn[0].PreviousOutPoint
	} else {
		op = h.htlcResolution.ClaimOutpoint
	}

	key := newResolverID(op)
	return key[:]
}

// HtlcPoint returns the htlc's outpoint on the commitment tx.
func (h *htlcSuccessResolver) HtlcPoint() wire.OutPoint {
	if h.htlcResolution.SignedSuccessTx != nil {
		return h.htlcResolution.SignedSuccessTx.TxIn[0].PreviousOutPoint
	}

	return h.htlcResolution.ClaimOutpoint
}

// Supplement adds additional information to the resolver that is required
// before Resolve() is called.
func (h *htlcSuccessResolver) Supplement(htlc channeldb.HTLC) {
	h.htlc = htlc
}

// waitForPreimage blocks until the preimage for this HTLC is known, either
// from the time of resolution creation, the global witness cache, or a new
// preimage arriving via the beacon's update stream. If the HTLC's absolute
// timeout passes first, the output can no longer be claimed by us and false
// is returned.
func (h *htlcSuccessResolver) waitForPreimage() (bool, error) {
	var zeroPreimage [32]byte

	// If the preimage was already populated when the resolution was
	// created, there's nothing to wait for.
	if h.htlcResolution.Preimage != zeroPreimage {
		return true, nil
	}

	// Query the preimage cache up front in case the htlc was settled
	// across another channel while we were offline.
	if preimage, ok := h.PreimageDB.LookupPreimage(h.htlc.RHash); ok {
		h.htlcResolution.Preimage = preimage
		return true, nil
	}

	sub, err := h.PreimageDB.SubscribeUpdates()
	if err != nil {
		return false, err
	}
	defer sub.CancelSubscription()

	blockEpochs, err := h.Notifier.RegisterBlockEpochNtfn(nil)
	if err != nil {
		return false, err
	}
	defer blockEpochs.Cancel()

	for {
		select {
		case preimage, ok := <-sub.WitnessUpdates:
			if !ok {
				return false, errResolverShuttingDown
			}

			if sha256.Sum256(preimage[:]) != h.htlc.RHash {
				continue
			}

			h.log.Infof("learned preimage=%x for htlc=%x",
				preimage, h.htlc.RHash)

			h.htlcResolution.Preimage = preimage
			return true, nil

		case newBlock, ok := <-blockEpochs.Epochs:
			if !ok {
				return false, errResolverShuttingDown
			}

			// Once the HTLC has fully timed out we can no longer
			// settle it on-chain, as the remote party is able to
			// claim the output through the timeout clause.
			if uint32(newBlock.Height) >= h.htlc.RefundTimeout {
				h.log.Infof("htlc=%x expired at height=%v "+
					"without preimage, abandoning claim",
					h.htlc.RHash, newBlock.Height)

				return false, nil
			}

		case <-h.quit:
			return false, errResolverShuttingDown
		}
	}
}

// Resolve attempts to resolve an unresolved incoming HTLC that we know the
// preimage to, or learn it while the contract is still claimable. If the HTLC
// is on the commitment of the remote party, then we'll simply sweep it
// directly. Otherwise, we'll hand this off to the utxo nursery flow via the
// second-level success transaction.
//
// NOTE: Part of the ContractResolver interface.
func (h *htlcSuccessResolver) Resolve() (ContractResolver, error) {
	// If we're already resolved, then we can exit early.
	if h.resolved {
		return nil, nil
	}

	// Before anything else, make sure the preimage is at hand. If the
	// HTLC expires before we learn it, there is nothing left to claim.
	claimable, err := h.waitForPreimage()
	if err != nil {
		return nil, err
	}
	if !claimable {
		h.resolved = true
		return nil, h.Checkpoint(h)
	}

	// If we don't have a success transaction, then this means that this is
	// an output on the remote party's commitment transaction. We can
	// claim it directly with the preimage.
	if h.htlcResolution.SignedSuccessTx == nil {
		return h.resolveRemoteCommitOutput()
	}

	return h.resolveSecondLevelSuccess()
}

// resolveRemoteCommitOutput sweeps the HTLC output directly from the remote
// party's commitment transaction, using the preimage.
func (h *htlcSuccessResolver) resolveRemoteCommitOutput() (ContractResolver,
	error) {

	inp := input.MakeHtlcSucceedInput(
		&h.htlcResolution.ClaimOutpoint,
		&h.htlcResolution.SweepSignDesc,
		h.htlcResolution.Preimage[:], h.broadcastHeight, 0,
	)

	resultChan, err := h.Sweeper.SweepInput(
		&inp, sweep.Params{
			Fee: sweep.FeePreference{ConfTarget: sweepConfTarget},
		},
	)
	if err != nil {
		return nil, err
	}

	select {
	case sweepResult := <-resultChan:
		if sweepResult.Err != nil {
			return nil, sweepResult.Err
		}

		h.log.Infof("htlc output swept with preimage by tx %v",
			sweepResult.Tx.TxHash())

	case <-h.quit:
		return nil, errResolverShuttingDown
	}

	h.resolved = true
	return nil, h.Checkpoint(h)
}

// resolveSecondLevelSuccess handles the two-stage claim of an incoming HTLC
// on our own commitment transaction: broadcast of the pre-signed success
// transaction with the preimage embedded in its witness, followed by a
// CSV-delayed sweep of its output.
func (h *htlcSuccessResolver) resolveSecondLevelSuccess() (ContractResolver,
	error) {

	if !h.outputIncubating {
		successTx := h.htlcResolution.SignedSuccessTx

		// The preimage slot of the witness stack was left empty when
		// the resolution was crafted, as the preimage may not have
		// been known at the time.
		successTx.TxIn[0].Witness[3] = h.htlcResolution.Preimage[:]

		h.log.Infof("broadcasting success tx %v to claim htlc=%x",
			successTx.TxHash(), h.htlc.RHash)

		err := h.PublishTx(successTx)
		if err != nil && err != lnwallet.ErrDoubleSpend {
			return nil, err
		}

		// Now wait for the success transaction to confirm, so we can
		// move on to sweeping its output.
		witness := successTx.TxIn[0].Witness
		pkScript, err := input.WitnessScriptHash(
			witness[len(witness)-1],
		)
		if err != nil {
			return nil, err
		}

		htlcPoint := h.HtlcPoint()
		spendDetail, err := waitForSpend(
			&htlcPoint, pkScript, h.broadcastHeight, h.Notifier,
			h.quit,
		)
		if err != nil {
			return nil, err
		}

		h.log.Infof("htlc output spent by tx %v in block %v",
			spendDetail.SpenderTxHash, spendDetail.SpendingHeight)

		h.outputIncubating = true
		if err := h.Checkpoint(h); err != nil {
			return nil, err
		}
	}

	// With the second-level transaction confirmed, all that remains is
	// sweeping its output once the CSV delay matures. The sweeper handles
	// the delay for us based on the input's maturity.
	inp := input.NewCsvInput(
		&h.htlcResolution.ClaimOutpoint,
		input.HtlcAcceptedSuccessSecondLevel,
		&h.htlcResolution.SweepSignDesc, h.broadcastHeight,
		h.htlcResolution.CsvDelay,
	)

	resultChan, err := h.Sweeper.SweepInput(
		inp, sweep.Params{
			Fee: sweep.FeePreference{ConfTarget: sweepConfTarget},
		},
	)
	if err != nil {
		return nil, err
	}

	select {
	case sweepResult := <-resultChan:
		if sweepResult.Err != nil {
			return nil, sweepResult.Err
		}

		h.log.Infof("second-level output swept by tx %v",
			sweepResult.Tx.TxHash())

	case <-h.quit:
		return nil, errResolverShuttingDown
	}

	h.resolved = true
	return nil, h.Checkpoint(h)
}

// Stop signals the resolver to cancel any current resolution processes, and
// suspend.
func (h *htlcSuccessResolver) Stop() {
	close(h.quit)
}

// IsResolved returns true if the stored state in the resolve is fully
// resolved. In this case the target output can be forgotten.
func (h *htlcSuccessResolver) IsResolved() bool {
	return h.resolved
}

// report returns a report on the resolution state of the contract.
func (h *htlcSuccessResolver) report() *ContractReport {
	h.reportLock.Lock()
	defer h.reportLock.Unlock()

	stage := uint32(1)
	if h.outputIncubating {
		stage = 2
	}

	return &ContractReport{
		Outpoint:       h.htlcResolution.ClaimOutpoint,
		Type:           ReportOutputIncomingHtlc,
		Amount:         h.htlc.Amt.ToSatoshis(),
		MaturityHeight: h.htlc.RefundTimeout,
		LimboBalance:   h.htlc.Amt.ToSatoshis(),
		Stage:          stage,
	}
}

// Encode writes an encoded version of the ContractResolver into the passed
// Writer.
func (h *htlcSuccessResolver) Encode(w io.Writer) error {
	// First we'll encode our inner HTLC resolution.
	if err := encodeIncomingResolution(w, &h.htlcResolution); err != nil {
		return err
	}

	// Next, we'll write out the fields that are specified to the contract
	// resolver.
	if err := binary.Write(w, endian, h.outputIncubating); err != nil {
		return err
	}
	if err := binary.Write(w, endian, h.resolved); err != nil {
		return err
	}
	if err := binary.Write(w, endian, h.broadcastHeight); err != nil {
		return err
	}
	if _, err := w.Write(h.htlc.RHash[:]); err != nil {
		return err
	}

	return binary.Write(w, endian, h.htlc.RefundTimeout)
}

// newSuccessResolverFromReader attempts to decode an encoded ContractResolver
// from the passed Reader instance, returning an active ContractResolver
// instance.
func newSuccessResolverFromReader(r io.Reader, resCfg ResolverConfig) (
	*htlcSuccessResolver, error) {

	h := &htlcSuccessResolver{
		contractResolverKit: *newContractResolverKit(resCfg),
	}

	// First we'll decode our inner HTLC resolution.
	if err := decodeIncomingResolution(r, &h.htlcResolution); err != nil {
		return nil, err
	}

	// Next, we'll read all the fields that are specified to the contract
	// resolver.
	if err := binary.Read(r, endian, &h.outputIncubating); err != nil {
		return nil, err
	}
	if err := binary.Read(r, endian, &h.resolved); err != nil {
		return nil, err
	}
	if err := binary.Read(r, endian, &h.broadcastHeight); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, h.htlc.RHash[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(r, endian, &h.htlc.RefundTimeout); err != nil {
		return nil, err
	}

	h.initLogger(h)

	return h, nil
}

// A compile time assertion to ensure htlcSuccessResolver meets the
// ContractResolver interface.
var _ htlcContractResolver = (*htlcSuccessResolver)(nil)
var _ reportingContractResolver = (*htlcSuccessResolver)(nil)
