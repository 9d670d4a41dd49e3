package contractcourt

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/AreaLayer/rust-lightning/chainntnfs"
	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet"
	"github.com/AreaLayer/rust-lightning/sweep"
)

// htlcTimeoutResolver is a ContractResolver that's capable of resolving an
// outgoing HTLC. The HTLC may be on our commitment transaction, or on the
// commitment transaction of the remote party. An output on our commitment
// transaction is resolved by first broadcasting the timeout transaction, then
// sweeping its output with the pre-signed timeout tx once the absolute
// timeout has passed. If the remote party goes to chain, then we'll simply
// sweep the output directly once the timeout has passed.
//
// Before the timeout is reached, the remote party may still claim the output
// with the preimage. In that case we'll extract the preimage from the spend
// and hand it to the witness beacon so the corresponding incoming HTLC can be
// settled.
type htlcTimeoutResolver struct {
	// htlcResolution contains all the information required to properly
	// resolve this outgoing HTLC.
	htlcResolution lnwallet.OutgoingHtlcResolution

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

// newTimeoutResolver instantiates a new timeout htlc resolver.
func newTimeoutResolver(res lnwallet.OutgoingHtlcResolution,
	broadcastHeight uint32, resCfg ResolverConfig) *htlcTimeoutResolver {

	h := &htlcTimeoutResolver{
		contractResolverKit: *newContractResolverKit(resCfg),
		htlcResolution:      res,
		broadcastHeight:     broadcastHeight,
	}

	h.initLogger(h)

	return h
}

// ResolverKey returns an identifier which should be globally unique for this
// particular resolver within the chain the original contract resides within.
func (h *htlcTimeoutResolver) ResolverKey() []byte {
	// The primary key for this resolver will be the outpoint of the HTLC
	// on the commitment transaction itself. If this is our commitment,
	// then the output can be found within the signed timeout tx,
	// otherwise, it's just the ClaimOutpoint.
	var op wire.OutPoint
	if h.htlcResolution.SignedTimeoutTx != nil {
		op = h.htlcResolution.SignedTimeoutTx.TxIn[0].PreviousOutPoint
	} else {
		op = h.htlcResolution.ClaimOutpoint
	}

	key := newResolverID(op)
	return key[:]
}

// HtlcPoint returns the htlc's outpoint on the commitment tx.
func (h *htlcTimeoutResolver) HtlcPoint() wire.OutPoint {
	// If we have the pre-signed timeout transaction, then our commitment
	// went to chain, and the HTLC output is the sole input of that
	// transaction. Otherwise the claim outpoint is the HTLC output on the
	// remote party's commitment.
	if h.htlcResolution.SignedTimeoutTx != nil {
		return h.htlcResolution.SignedTimeoutTx.TxIn[0].PreviousOutPoint
	}

	return h.htlcResolution.ClaimOutpoint
}

// Supplement adds additional information to the resolver that is required
// before Resolve() is called.
func (h *htlcTimeoutResolver) Supplement(htlc channeldb.HTLC) {
	h.htlc = htlc
}

// htlcPkScript returns the pkScript of the HTLC output on the commitment
// transaction. For a second-level spend, the witness script is the final
// element of the pre-signed transaction's witness stack, so the P2WSH script
// can be re-derived from it.
func (h *htlcTimeoutResolver) htlcPkScript() ([]byte, error) {
	if h.htlcResolution.SignedTimeoutTx == nil {
		return h.htlcResolution.SweepSignDesc.Output.PkScript, nil
	}

	witness := h.htlcResolution.SignedTimeoutTx.TxIn[0].Witness
	if len(witness) == 0 {
		return nil, fmt.Errorf("timeout tx has no witness")
	}

	return input.WitnessScriptHash(witness[len(witness)-1])
}

// claimCleanUp is a helper method that's called once the HTLC output is spent
// by the remote party using the preimage. The preimage is extracted from the
// witness of the sweeping transaction and added to the global witness cache
// so any corresponding incoming HTLC can be settled off-chain.
func (h *htlcTimeoutResolver) claimCleanUp(
	commitSpend *chainntnfs.SpendDetail) (ContractResolver, error) {

	// Depending on if this is our commitment or not, then we'll be looking
	// for a different witness pattern.
	spenderIndex := commitSpend.SpenderInputIndex
	spendingInput := commitSpend.SpendingTx.TxIn[spenderIndex]

	h.log.Infof("htlc_point=%v was claimed by remote party during "+
		"contract resolution, extracting preimage", h.HtlcPoint())

	// If this is the remote party's commitment, then we'll be looking for
	// them to spend using the second-level success transaction.
	var preimageBytes []byte
	if h.htlcResolution.SignedTimeoutTx == nil {
		// The witness stack when the remote party sweeps the output
		// on their own commitment via the second-level success tx is:
		// <0> <sender sig> <recvr sig> <preimage> <witness script>
		preimageBytes = spendingInput.Witness[3]
	} else {
		// Otherwise, they'll be spending directly from our commitment
		// output. In which case the witness stack is:
		// <sig> <preimage> <witness script>
		preimageBytes = spendingInput.Witness[1]
	}

	var preimage [32]byte
	copy(preimage[:], preimageBytes)

	h.log.Infof("extracting preimage=%x from on-chain spend", preimage)

	// With the preimage obtained, we can now add it to the global cache.
	if err := h.PreimageDB.AddPreimages(preimage); err != nil {
		h.log.Errorf("unable to add witness to cache: %v", err)
	}

	h.resolved = true
	return nil, h.Checkpoint(h)
}

// waitForSpend waits for the given outpoint to be spent, and returns the
// details of the spending transaction.
func waitForSpend(op *wire.OutPoint, pkScript []byte, heightHint uint32,
	notifier chainntnfs.ChainNotifier, quit chan struct{}) (
	*chainntnfs.SpendDetail, error) {

	spendNtfn, err := notifier.RegisterSpendNtfn(op, pkScript, heightHint)
	if err != nil {
		return nil, err
	}

	select {
	case spendDetail, ok := <-spendNtfn.Spend:
		if !ok {
			return nil, errResolverShuttingDown
		}

		return spendDetail, nil

	case <-quit:
		return nil, errResolverShuttingDown
	}
}

// Resolve kicks off full resolution of an outgoing HTLC output. If it's our
// commitment, it isn't resolved until we see the second level HTLC txn
// confirmed. If it's the remote party's commitment, we don't resolve until we
// see a direct sweep via the timeout clause.
//
// NOTE: Part of the ContractResolver interface.
func (h *htlcTimeoutResolver) Resolve() (ContractResolver, error) {
	// If we're already full resolved, then we don't have anything further
	// to do.
	if h.resolved {
		return nil, nil
	}

	pkScript, err := h.htlcPkScript()
	if err != nil {
		return nil, err
	}

	// If we haven't already swept the output to the second level, we'll
	// wait until either the absolute timeout of the HTLC has been reached,
	// or the remote party sweeps the output with the preimage. Watching
	// for the remote claim before the timeout is what allows us to learn
	// preimages on-chain.
	if !h.outputIncubating {
		spendNtfn, err := h.Notifier.RegisterSpendNtfn(
			&h.htlcResolution.ClaimOutpoint, pkScript,
			h.broadcastHeight,
		)
		if err != nil {
			return nil, err
		}

		blockEpochs, err := h.Notifier.RegisterBlockEpochNtfn(nil)
		if err != nil {
			spendNtfn.Cancel()
			return nil, err
		}

	waitForTimeout:
		for {
			select {
			case newBlock, ok := <-blockEpochs.Epochs:
				if !ok {
					spendNtfn.Cancel()
					blockEpochs.Cancel()
					return nil, errResolverShuttingDown
				}

				// Once the timeout has been reached, we can
				// construct our timeout claim.
				height := uint32(newBlock.Height)
				if height >= h.htlcResolution.Expiry {
					break waitForTimeout
				}

			// The remote party has claimed the output with the
			// preimage before the timeout. We'll extract it and
			// wrap up this contract.
			case spendDetail, ok := <-spendNtfn.Spend:
				blockEpochs.Cancel()
				if !ok {
					spendNtfn.Cancel()
					return nil, errResolverShuttingDown
				}
				spendNtfn.Cancel()

				return h.claimCleanUp(spendDetail)

			case <-h.quit:
				spendNtfn.Cancel()
				blockEpochs.Cancel()
				return nil, errResolverShuttingDown
			}
		}
		blockEpochs.Cancel()
		spendNtfn.Cancel()
	}

	// If we have a pre-signed timeout transaction, our commitment is the
	// one that confirmed. We'll broadcast it and wait for the HTLC output
	// to be spent, either by us or by the remote party racing us with the
	// preimage.
	if h.htlcResolution.SignedTimeoutTx != nil {
		return h.resolveSecondLevelTimeout(pkScript)
	}

	// Otherwise, the remote party's commitment confirmed, and we can
	// sweep the output directly once the absolute lock time is valid.
	return h.resolveRemoteCommitTimeout()
}

// resolveSecondLevelTimeout handles the two-stage claim of an outgoing HTLC
// on our own commitment transaction: broadcast of the pre-signed timeout
// transaction, followed by a CSV-delayed sweep of its output.
func (h *htlcTimeoutResolver) resolveSecondLevelTimeout(
	pkScript []byte) (ContractResolver, error) {

	if !h.outputIncubating {
		timeoutTx := h.htlcResolution.SignedTimeoutTx

		h.log.Infof("broadcasting timeout tx %v to claim expired "+
			"htlc", timeoutTx.TxHash())

		err := h.PublishTx(timeoutTx)
		if err != nil && err != lnwallet.ErrDoubleSpend {
			return nil, err
		}

		// Now we'll wait for the HTLC output to be spent. This will
		// either be our timeout transaction confirming, or the remote
		// party snatching the output with the preimage.
		htlcPoint := h.HtlcPoint()
		spendDetail, err := waitForSpend(
			&htlcPoint, pkScript, h.broadcastHeight, h.Notifier,
			h.quit,
		)
		if err != nil {
			return nil, err
		}

		if *spendDetail.SpenderTxHash != timeoutTx.TxHash() {
			return h.claimCleanUp(spendDetail)
		}

		h.log.Infof("timeout tx confirmed in block %v, sweeping "+
			"second-level output", spendDetail.SpendingHeight)

		h.outputIncubating = true
		if err := h.Checkpoint(h); err != nil {
			return nil, err
		}
	}

	// The timeout tx has confirmed, so all that remains is sweeping its
	// output once the CSV delay matures. The sweeper handles the delay
	// for us based on the input's maturity.
	inp := input.NewCsvInput(
		&h.htlcResolution.ClaimOutpoint,
		input.HtlcOfferedTimeoutSecondLevel,
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

// resolveRemoteCommitTimeout sweeps the HTLC output directly from the remote
// party's commitment transaction, once the HTLC's absolute timeout allows it.
func (h *htlcTimeoutResolver) resolveRemoteCommitTimeout() (ContractResolver,
	error) {

	inp := input.NewCltvInput(
		&h.htlcResolution.ClaimOutpoint,
		input.HtlcOfferedRemoteTimeout,
		&h.htlcResolution.SweepSignDesc, h.broadcastHeight,
		h.htlcResolution.Expiry,
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
		switch sweepResult.Err {
		// The remote party managed to claim the output with the
		// preimage before our timeout sweep confirmed, so we'll
		// extract the preimage from their claim.
		case sweep.ErrRemoteSpend:
			spenderIndex := uint32(0)
			for i, txIn := range sweepResult.Tx.TxIn {
				prevOut := txIn.PreviousOutPoint
				if prevOut == h.htlcResolution.ClaimOutpoint {
					spenderIndex = uint32(i)
					break
				}
			}
			return h.claimCleanUp(&chainntnfs.SpendDetail{
				SpentOutPoint:     &h.htlcResolution.ClaimOutpoint,
				SpendingTx:        sweepResult.Tx,
				SpenderInputIndex: spenderIndex,
			})

		case nil:
			h.log.Infof("expired htlc output swept by tx %v",
				sweepResult.Tx.TxHash())

		default:
			return nil, sweepResult.Err
		}

	case <-h.quit:
		return nil, errResolverShuttingDown
	}

	h.resolved = true
	return nil, h.Checkpoint(h)
}

// Stop signals the resolver to cancel any current resolution processes, and
// suspend.
func (h *htlcTimeoutResolver) Stop() {
	close(h.quit)
}

// IsResolved returns true if the stored state in the resolve is fully
// resolved. In this case the target output can be forgotten.
func (h *htlcTimeoutResolver) IsResolved() bool {
	return h.resolved
}

// report returns a report on the resolution state of the contract.
func (h *htlcTimeoutResolver) report() *ContractReport {
	h.reportLock.Lock()
	defer h.reportLock.Unlock()

	stage := uint32(1)
	if h.outputIncubating {
		stage = 2
	}

	return &ContractReport{
		Outpoint:       h.htlcResolution.ClaimOutpoint,
		Type:           ReportOutputOutgoingHtlc,
		Amount:         h.htlc.Amt.ToSatoshis(),
		MaturityHeight: h.htlcResolution.Expiry,
		LimboBalance:   h.htlc.Amt.ToSatoshis(),
		Stage:          stage,
	}
}

// Encode writes an encoded version of the ContractResolver into the passed
// Writer.
func (h *htlcTimeoutResolver) Encode(w io.Writer) error {
	// First, we'll write out the relevant fields of the
	// OutgoingHtlcResolution to the writer.
	if err := encodeOutgoingResolution(w, &h.htlcResolution); err != nil {
		return err
	}

	// With that portion written, we can now write out the fields specific
	// to the resolver itself.
	if err := binary.Write(w, endian, h.outputIncubating); err != nil {
		return err
	}
	if err := binary.Write(w, endian, h.resolved); err != nil {
		return err
	}
	if err := binary.Write(w, endian, h.broadcastHeight); err != nil {
		return err
	}

	return binary.Write(w, endian, h.htlc.HtlcIndex)
}

// newTimeoutResolverFromReader attempts to decode an encoded ContractResolver
// from the passed Reader instance, returning an active ContractResolver
// instance.
func newTimeoutResolverFromReader(r io.Reader, resCfg ResolverConfig) (
	*htlcTimeoutResolver, error) {

	h := &htlcTimeoutResolver{
		contractResolverKit: *newContractResolverKit(resCfg),
	}

	// First, we'll read out all the mandatory fields of the
	// OutgoingHtlcResolution that we store.
	if err := decodeOutgoingResolution(r, &h.htlcResolution); err != nil {
		return nil, err
	}

	// With those fields read, we can now read back the fields that are
	// specific to the resolver itself.
	if err := binary.Read(r, endian, &h.outputIncubating); err != nil {
		return nil, err
	}
	if err := binary.Read(r, endian, &h.resolved); err != nil {
		return nil, err
	}
	if err := binary.Read(r, endian, &h.broadcastHeight); err != nil {
		return nil, err
	}
	if err := binary.Read(r, endian, &h.htlc.HtlcIndex); err != nil {
		return nil, err
	}

	h.initLogger(h)

	return h, nil
}

// A compile time assertion to ensure htlcTimeoutResolver meets the
// ContractResolver interface.
var _ htlcContractResolver = (*htlcTimeoutResolver)(nil)
var _ reportingContractResolver = (*htlcTimeoutResolver)(nil)
