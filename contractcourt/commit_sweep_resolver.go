package contractcourt

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/AreaLayer/rust-lightning/chainntnfs"
	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet"
	"github.com/AreaLayer/rust-lightning/sweep"
)

// commitSweepResolver is a resolver that will attempt to sweep the commitment
// output paying to us, in the case that the remote party broadcasts their
// version of the commitment transaction, or we broadcast our commitment and
// need to wait out our CSV delay. If successful, this resolver will be able
// to sweep our self output.
type commitSweepResolver struct {
	// commitResolution is the outcome of the close and carries everything
	// required to sweep the output to our wallet.
	commitResolution lnwallet.CommitOutputResolution

	// resolved reflects if the contract has been fully resolved or not.
	resolved bool

	// broadcastHeight is the height that the original contract was
	// broadcast to the main-chain at. We'll use this value to bound any
	// historical queries to the chain for spends/confirmations.
	broadcastHeight uint32

	// chanPoint is the channel point of the original contract.
	chanPoint wire.OutPoint

	// currentReport stores the current state of the resolver for reporting
	// over the rpc interface.
	currentReport ContractReport

	// reportLock prevents concurrent access to the resolver report.
	reportLock sync.Mutex

	contractResolverKit
}

// newCommitSweepResolver instantiates a new direct commit output resolver.
func newCommitSweepResolver(res lnwallet.CommitOutputResolution,
	broadcastHeight uint32, chanPoint wire.OutPoint,
	resCfg ResolverConfig) *commitSweepResolver {

	r := &commitSweepResolver{
		contractResolverKit: *newContractResolverKit(resCfg),
		commitResolution:    res,
		broadcastHeight:     broadcastHeight,
		chanPoint:           chanPoint,
	}

	r.initLogger(r)
	r.initReport()

	return r
}

// ResolverKey returns an identifier which should be globally unique for this
// particular resolver within the chain the original contract resides within.
func (c *commitSweepResolver) ResolverKey() []byte {
	key := newResolverID(c.commitResolution.SelfOutPoint)
	return key[:]
}

// waitForHeight registers for block notifications and waits for the provided
// block height to be reached.
func waitForHeight(waitHeight uint32, notifier chainntnfs.ChainNotifier,
	quit chan struct{}) error {

	// Register for block epochs. After registration, the current height
	// will be sent on the channel immediately.
	blockEpochs, err := notifier.RegisterBlockEpochNtfn(nil)
	if err != nil {
		return err
	}
	defer blockEpochs.Cancel()

	for {
		select {
		case newBlock, ok := <-blockEpochs.Epochs:
			if !ok {
				return errResolverShuttingDown
			}
			height := newBlock.Height
			if height >= int32(waitHeight) {
				return nil
			}

		case <-quit:
			return errResolverShuttingDown
		}
	}
}

// Resolve instructs the contract resolver to resolve the output on-chain.
// Once the output has been *fully* resolved, the function should return
// immediately with a nil ContractResolver value for the first return value.
// In the case that the contract requires further resolution, then another
// resolve is returned.
//
// NOTE: This function MUST be run as a goroutine.
func (c *commitSweepResolver) Resolve() (ContractResolver, error) {
	// If we're already resolved, then we can exit early.
	if c.resolved {
		return nil, nil
	}

	confHeight, err := c.getCommitTxConfHeight()
	if err != nil {
		return nil, err
	}

	unlockHeight := confHeight + c.commitResolution.MaturityDelay
	c.log.Debugf("commit conf_height=%v, unlock_height=%v", confHeight,
		unlockHeight)

	// Update report now that we learned the confirmation height.
	c.reportLock.Lock()
	c.currentReport.MaturityHeight = unlockHeight
	c.reportLock.Unlock()

	// If there is a csv delay, we'll wait for that.
	if c.commitResolution.MaturityDelay > 0 {
		c.log.Debugf("waiting for CSV lock to expire at height %v",
			unlockHeight)

		// We only need to wait for the block before the block that
		// unlocks the spend path.
		err := waitForHeight(unlockHeight-1, c.Notifier, c.quit)
		if err != nil {
			return nil, err
		}
	}

	// The output is on our local commitment if the script starts with
	// OP_IF for the revocation clause. On the remote commitment it will
	// either be a regular P2WKH or a simple sig spend with a CSV delay.
	isLocalCommitTx := c.commitResolution.MaturityDelay != 0
	signDesc := c.commitResolution.SelfOutputSignDesc

	var witnessType input.WitnessType
	switch {
	// Delayed output to us on our local commitment.
	case isLocalCommitTx:
		witnessType = input.CommitmentTimeLock

	// A confirmed output to us on the remote commitment where the funds
	// are sent to a key derived without a tweak.
	case signDesc.SingleTweak == nil:
		witnessType = input.CommitSpendNoDelayTweakless

	// A confirmed output to us on the remote commitment.
	default:
		witnessType = input.CommitmentNoDelay
	}

	// We'll craft an input with all the information required for the
	// sweeper to create a fully valid sweeping transaction to recover
	// these coins.
	inp := input.NewCsvInput(
		&c.commitResolution.SelfOutPoint, witnessType,
		&c.commitResolution.SelfOutputSignDesc, c.broadcastHeight,
		c.commitResolution.MaturityDelay,
	)

	// With our input constructed, we'll now offer it to the sweeper.
	c.log.Infof("sweeping commit output")

	feePref := sweep.FeePreference{ConfTarget: sweepConfTarget}
	resultChan, err := c.Sweeper.SweepInput(
		inp, sweep.Params{Fee: feePref},
	)
	if err != nil {
		c.log.Errorf("unable to sweep input: %v", err)
		return nil, err
	}

	// Sweeper is going to join this input with other inputs if possible
	// and publish the sweep tx. When the sweep tx confirms, it signals us
	// through the result channel with the outcome. Wait for this to
	// happen.
	claimed := true
	var sweepTx *wire.MsgTx
	select {
	case sweepResult := <-resultChan:
		switch sweepResult.Err {
		// If the remote party was able to sweep this output it's
		// likely what we broadcast was actually a revoked commitment.
		// Report the error and continue to wrap up the contract.
		case sweep.ErrRemoteSpend:
			c.log.Warnf("commitment output was swept by remote "+
				"party via %v", sweepResult.Tx.TxHash())
			claimed = false

		// No errors, therefore continue processing.
		case nil:
			c.log.Infof("commitment output fully resolved by "+
				"sweep tx: %v", sweepResult.Tx.TxHash())

		// Unknown errors.
		default:
			c.log.Errorf("unable to sweep input: %v",
				sweepResult.Err)
			return nil, sweepResult.Err
		}

		sweepTx = sweepResult.Tx

	case <-c.quit:
		return nil, errResolverShuttingDown
	}

	// Funds have been swept and balance is no longer in limbo.
	c.reportLock.Lock()
	if claimed {
		// We only record the balance as recovered if it actually came
		// back to us.
		c.currentReport.RecoveredBalance = c.currentReport.LimboBalance
	}
	c.currentReport.LimboBalance = 0
	c.reportLock.Unlock()

	c.log.Infof("commit output resolved by tx %v", sweepTx.TxHash())

	c.resolved = true
	return nil, c.Checkpoint(c)
}

// getCommitTxConfHeight waits for confirmation of the commitment transaction
// and returns the confirmation height.
func (c *commitSweepResolver) getCommitTxConfHeight() (uint32, error) {
	txID := c.commitResolution.SelfOutPoint.Hash
	signDesc := c.commitResolution.SelfOutputSignDesc
	pkScript := signDesc.Output.PkScript

	confChan, err := c.Notifier.RegisterConfirmationsNtfn(
		&txID, pkScript, 1, c.broadcastHeight,
	)
	if err != nil {
		return 0, err
	}
	defer confChan.Cancel()

	select {
	case txConfirmation, ok := <-confChan.Confirmed:
		if !ok {
			return 0, errResolverShuttingDown
		}

		return txConfirmation.BlockHeight, nil

	case <-c.quit:
		return 0, errResolverShuttingDown
	}
}

// Stop signals the resolver to cancel any current resolution processes, and
// suspend.
func (c *commitSweepResolver) Stop() {
	close(c.quit)
}

// IsResolved returns true if the stored state in the resolve is fully
// resolved. In this case the target output can be forgotten.
func (c *commitSweepResolver) IsResolved() bool {
	return c.resolved
}

// Encode writes an encoded version of the ContractResolver into the passed
// Writer.
func (c *commitSweepResolver) Encode(w io.Writer) error {
	if err := encodeCommitResolution(w, &c.commitResolution); err != nil {
		return err
	}

	if err := binary.Write(w, endian, c.resolved); err != nil {
		return err
	}
	if err := binary.Write(w, endian, c.broadcastHeight); err != nil {
		return err
	}
	if _, err := w.Write(c.chanPoint.Hash[:]); err != nil {
		return err
	}

	return binary.Write(w, endian, c.chanPoint.Index)
}

// newCommitSweepResolverFromReader attempts to decode an encoded
// ContractResolver from the passed Reader instance, returning an active
// ContractResolver instance.
func newCommitSweepResolverFromReader(r io.Reader, resCfg ResolverConfig) (
	*commitSweepResolver, error) {

	c := &commitSweepResolver{
		contractResolverKit: *newContractResolverKit(resCfg),
	}

	if err := decodeCommitResolution(r, &c.commitResolution); err != nil {
		return nil, err
	}

	if err := binary.Read(r, endian, &c.resolved); err != nil {
		return nil, err
	}
	if err := binary.Read(r, endian, &c.broadcastHeight); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, c.chanPoint.Hash[:]); err != nil {
		return nil, err
	}
	err := binary.Read(r, endian, &c.chanPoint.Index)
	if err != nil {
		return nil, err
	}

	c.initLogger(c)
	c.initReport()

	return c, nil
}

// report returns a report on the resolution state of the contract.
func (c *commitSweepResolver) report() *ContractReport {
	c.reportLock.Lock()
	defer c.reportLock.Unlock()

	cpy := c.currentReport
	return &cpy
}

// initReport initializes the pending channels report for this resolver.
func (c *commitSweepResolver) initReport() {
	amt := btcutil.Amount(
		c.commitResolution.SelfOutputSignDesc.Output.Value,
	)

	c.currentReport = ContractReport{
		Outpoint:     c.commitResolution.SelfOutPoint,
		Type:         ReportOutputUnencumbered,
		Amount:       amt,
		LimboBalance: amt,
	}
}

// A compile time assertion to ensure commitSweepResolver meets the
// ContractResolver interface.
var _ reportingContractResolver = (*commitSweepResolver)(nil)
