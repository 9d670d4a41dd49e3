package contractcourt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/AreaLayer/rust-lightning/chainntnfs"
	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet"
)

// LocalUnilateralCloseInfo encapsulates all the information we need to act on
// a local force close that gets confirmed.
type LocalUnilateralCloseInfo struct {
	*chainntnfs.SpendDetail
	*lnwallet.LocalForceCloseSummary
	*channeldb.ChannelCloseSummary

	// CommitSet is the set of known valid commitments at the time the
	// remote party's commitment hit the chain.
	CommitSet CommitSet
}

// CooperativeCloseInfo encapsulates all the information we need to act on a
// cooperative close that gets confirmed.
type CooperativeCloseInfo struct {
	*channeldb.ChannelCloseSummary
}

// RemoteUnilateralCloseInfo wraps the normal UnilateralCloseSummary to couple
// the CommitSet at the time of channel closure.
type RemoteUnilateralCloseInfo struct {
	*lnwallet.UnilateralCloseSummary

	// CommitSet is the set of known valid commitments at the time the
	// remote party's commitment hit the chain.
	CommitSet CommitSet
}

// CommitSet is a collection of the set of known valid commitments at a given
// instant. If ConfCommitKey is set, then the commitment identified by the
// HtlcSetKey has hit the chain. This struct will be used to examine all live
// HTLCs to determine if any additional actions need to be made based on the
// remote party's commitments.
type CommitSet struct {
	// ConfCommitKey if non-nil, identifies the commitment that was
	// confirmed in the chain.
	ConfCommitKey fn.Option[HtlcSetKey]

	// HtlcSets stores the set of all known active HTLC for each active
	// commitment at the time of channel closure.
	HtlcSets map[HtlcSetKey][]channeldb.HTLC
}

// IsEmpty returns true if there are no active HTLCs at all, even if there are
// multiple commitments for the channel.
func (c *CommitSet) IsEmpty() bool {
	if c == nil {
		return true
	}

	for _, htlcs := range c.HtlcSets {
		if len(htlcs) != 0 {
			return false
		}
	}

	return true
}

// toActiveHTLCSets returns the set of all active HTLCs across all commitment
// transactions.
func (c *CommitSet) toActiveHTLCSets() map[HtlcSetKey]htlcSet {
	htlcSets := make(map[HtlcSetKey]htlcSet)

	for htlcSetKey, htlcs := range c.HtlcSets {
		htlcSets[htlcSetKey] = newHtlcSet(htlcs)
	}

	return htlcSets
}

// ChainEventSubscription is a struct that houses a subscription to be notified
// for any on-chain events related to a channel. There are three types of
// possible on-chain events: a cooperative channel closure, a unilateral
// channel closure, and a channel breach. The fourth type: a force close is
// locally initiated, so we don't provide any event stream for said event.
type ChainEventSubscription struct {
	// ChanPoint is that channel that chain events will be dispatched for.
	ChanPoint wire.OutPoint

	// RemoteUnilateralClosure is a channel that will be sent upon in the
	// event that the remote party's commitment transaction is confirmed.
	RemoteUnilateralClosure chan *RemoteUnilateralCloseInfo

	// LocalUnilateralClosure is a channel that will be sent upon in the
	// event that our commitment transaction is confirmed.
	LocalUnilateralClosure chan *LocalUnilateralCloseInfo

	// CooperativeClosure is a signal that will be sent upon once a
	// cooperative channel closure has been detected confirmed.
	CooperativeClosure chan *CooperativeCloseInfo

	// ContractBreach is a channel that will be sent upon if we detect a
	// contract breach. The struct sent across the channel contains all the
	// material required to bring the cheating channel peer to justice.
	ContractBreach chan *lnwallet.BreachRetribution

	// Cancel cancels the subscription to the event stream for a particular
	// channel. This method should be called once the caller no longer needs
	// to be notified of any on-chain events for a particular channel.
	Cancel func()
}

// chainWatcherConfig encapsulates all the necessary functions and interfaces
// needed to watch and act on on-chain events for a particular channel.
type chainWatcherConfig struct {
	// chanState is a snapshot of the persistent state of the channel that
	// we're watching. In the event of an on-chain event, we'll query the
	// database to ensure that we act using the most up to date state.
	chanState *channeldb.OpenChannel

	// notifier is a reference to the channel notifier that we'll use to be
	// notified of output spends and when transactions are confirmed.
	notifier chainntnfs.ChainNotifier

	// signer is the main signer instances that will be responsible for
	// signing any HTLC and commitment transaction generated by the state
	// machine.
	signer input.Signer

	// contractBreach is a method that will be called by the watcher if it
	// detects that a contract breach transaction has been confirmed. Only
	// when this method returns with a non-nil error it will be safe to mark
	// the channel as pending closed in the database.
	contractBreach func(*lnwallet.BreachRetribution) error

	// recordChainFact, if non-nil, is used to durably note a confirmed
	// spend of the funding output in the channel's monitor log before any
	// dispatch takes place.
	recordChainFact func(*chainntnfs.SpendDetail) error

	// extractStateNumHint extracts the encoded state hint using the passed
	// obfuscater. This is used by the chain watcher to identify which
	// state was broadcast and confirmed on-chain.
	extractStateNumHint func(*wire.MsgTx, [lnwallet.StateHintSize]byte) uint64
}

// chainWatcher is a system that's assigned to every active channel. The duty
// of this system is to watch the chain for spends of the channels chan point.
// If a spend is detected then with chain watcher will notify all registered
// clients of the chain event, and also mark the channel as being closed in
// the database.
type chainWatcher struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	quit chan struct{}
	wg   sync.WaitGroup

	cfg chainWatcherConfig

	// stateHintObfuscator is a 48-bit state hint that's used to obfuscate
	// the current state number on the commitment transactions.
	stateHintObfuscator [lnwallet.StateHintSize]byte

	// All the fields below are protected by this mutex.
	sync.Mutex

	// clientID is an ephemeral counter used to keep track of each
	// individual client subscription.
	clientID uint64

	// clientSubscriptions is a map that keeps track of all the active
	// client subscriptions for events related to this channel.
	clientSubscriptions map[uint64]*ChainEventSubscription
}

// newChainWatcher returns a new instance of a chainWatcher for a channel given
// the chan point to watch, and also a notifier instance that will allow us to
// detect on chain events.
func newChainWatcher(cfg chainWatcherConfig) (*chainWatcher, error) {
	// In order to be able to detect the nature of a potential channel
	// closure we'll need to reconstruct the state hint bytes used to
	// obfuscate the commitment state number encoded in the lock time and
	// sequence fields.
	var stateHint [lnwallet.StateHintSize]byte
	chanState := cfg.chanState
	if chanState.IsInitiator {
		stateHint = lnwallet.DeriveStateHintObfuscator(
			chanState.LocalChanCfg.PaymentBasePoint.PubKey,
			chanState.RemoteChanCfg.PaymentBasePoint.PubKey,
		)
	} else {
		stateHint = lnwallet.DeriveStateHintObfuscator(
			chanState.RemoteChanCfg.PaymentBasePoint.PubKey,
			chanState.LocalChanCfg.PaymentBasePoint.PubKey,
		)
	}

	return &chainWatcher{
		cfg:                 cfg,
		stateHintObfuscator: stateHint,
		quit:                make(chan struct{}),
		clientSubscriptions: make(map[uint64]*ChainEventSubscription),
	}, nil
}

// Start starts all goroutines that the chainWatcher needs to perform its
// duties.
func (c *chainWatcher) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	chanState := c.cfg.chanState
	log.Debugf("Starting chain watcher for ChannelPoint(%v)",
		chanState.FundingOutpoint)

	// First, we'll register for a notification to be dispatched if the
	// funding output is spent.
	fundingOut := &chanState.FundingOutpoint

	// As a height hint, we'll try to use the opening height, but if the
	// channel isn't yet open, then we'll use the height it was broadcast
	// at.
	heightHint := chanState.ShortChannelID.BlockHeight
	if heightHint == 0 {
		heightHint = chanState.FundingBroadcastHeight
	}

	localKey := chanState.LocalChanCfg.MultiSigKey.PubKey.
		SerializeCompressed()
	remoteKey := chanState.RemoteChanCfg.MultiSigKey.PubKey.
		SerializeCompressed()
	multiSigScript, err := input.GenMultiSigScript(localKey, remoteKey)
	if err != nil {
		return err
	}
	pkScript, err := input.WitnessScriptHash(multiSigScript)
	if err != nil {
		return err
	}

	spendNtfn, err := c.cfg.notifier.RegisterSpendNtfn(
		fundingOut, pkScript, heightHint,
	)
	if err != nil {
		return err
	}

	// With the spend notification obtained, we'll now dispatch the
	// closeObserver which will properly react to any changes.
	c.wg.Add(1)
	go c.closeObserver(spendNtfn)

	return nil
}

// Stop signals the close observer to gracefully exit.
func (c *chainWatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	close(c.quit)

	c.wg.Wait()

	return nil
}

// SubscribeChannelEvents returns an active subscription to the set of channel
// events for the channel watched by this chain watcher. Once clients no longer
// require the subscription, they should call the Cancel() method to allow the
// watcher to regain those committed resources.
func (c *chainWatcher) SubscribeChannelEvents() *ChainEventSubscription {
	c.Lock()
	clientID := c.clientID
	c.clientID++
	c.Unlock()

	log.Debugf("New ChainEventSubscription(id=%v) for ChannelPoint(%v)",
		clientID, c.cfg.chanState.FundingOutpoint)

	sub := &ChainEventSubscription{
		ChanPoint:               c.cfg.chanState.FundingOutpoint,
		RemoteUnilateralClosure: make(chan *RemoteUnilateralCloseInfo, 1),
		LocalUnilateralClosure:  make(chan *LocalUnilateralCloseInfo, 1),
		CooperativeClosure:      make(chan *CooperativeCloseInfo, 1),
		ContractBreach:          make(chan *lnwallet.BreachRetribution, 1),
		Cancel: func() {
			c.Lock()
			delete(c.clientSubscriptions, clientID)
			c.Unlock()
		},
	}

	c.Lock()
	c.clientSubscriptions[clientID] = sub
	c.Unlock()

	return sub
}

// closeObserver is a dedicated goroutine that will watch for any closes of the
// channel that it's watching on chain. In the event of an on-chain event, the
// close observer will assembled the proper materials required to claim the
// funds of the channel on-chain (if required), then dispatch these as
// notifications to all subscribers.
func (c *chainWatcher) closeObserver(spendNtfn *chainntnfs.SpendEvent) {
	defer c.wg.Done()

	log.Infof("Close observer for ChannelPoint(%v) active",
		c.cfg.chanState.FundingOutpoint)

	select {
	// We've detected a spend of the channel onchain! Depending on the type
	// of spend, we'll act accordingly, so we'll examine the spending
	// transaction to determine what we should do.
	case commitSpend, ok := <-spendNtfn.Spend:
		// If the channel was closed, then this means that the notifier
		// exited, so we will as well.
		if !ok {
			return
		}

		// Before we classify the spend, we'll durably record the
		// chain-observed fact in the channel's monitor log. A failure
		// here isn't fatal to dispatch, the record is re-derivable
		// from the chain itself.
		if c.cfg.recordChainFact != nil {
			if err := c.cfg.recordChainFact(commitSpend); err != nil {
				log.Errorf("Unable to record funding spend "+
					"for ChannelPoint(%v): %v",
					c.cfg.chanState.FundingOutpoint, err)
			}
		}

		if err := c.handleCommitSpend(commitSpend); err != nil {
			log.Errorf("Unable to handle spend of "+
				"ChannelPoint(%v): %v",
				c.cfg.chanState.FundingOutpoint, err)
		}

	// The chainWatcher has been signalled to exit, so we'll do so now.
	case <-c.quit:
		return
	}
}

// handleCommitSpend classifies a confirmed spend of the funding output and
// dispatches the corresponding close event to all subscribers. The state
// number encoded in the spending transaction is the primary discriminator: it
// tells us whose commitment hit the chain, and whether that commitment was
// current, pending, or already revoked.
func (c *chainWatcher) handleCommitSpend(
	commitSpend *chainntnfs.SpendDetail) error {

	chanState := c.cfg.chanState
	commitTxBroadcast := commitSpend.SpendingTx

	localCommit := chanState.LocalCommitment
	remoteCommit := chanState.RemoteCommitment

	// Fetch the current known commit height for the remote party, and
	// their pending commitment chain tip if it exists.
	remoteStateNum := remoteCommit.CommitHeight
	remoteChainTip, err := chanState.RemoteCommitChainTip()
	if err != nil && err != channeldb.ErrNoPendingCommit {
		return fmt.Errorf("unable to fetch remote chain tip: %v", err)
	}

	// We'll not retrieve the latest sate of the revocation store so we
	// can populate the information within the channel state object that
	// we have.
	commitSet := CommitSet{
		HtlcSets: map[HtlcSetKey][]channeldb.HTLC{
			LocalHtlcSet:  localCommit.Htlcs,
			RemoteHtlcSet: remoteCommit.Htlcs,
		},
	}
	if remoteChainTip != nil {
		commitSet.HtlcSets[RemotePendingHtlcSet] =
			remoteChainTip.Commitment.Htlcs
	}

	// If this is our commitment transaction, then we can exit early as we
	// don't need to decode the state hint to detect this case.
	commitHash := commitTxBroadcast.TxHash()
	if commitHash == localCommit.CommitTx.TxHash() {
		commitSet.ConfCommitKey = fn.Some(LocalHtlcSet)
		return c.dispatchLocalForceClose(
			commitSpend, localCommit, commitSet,
		)
	}

	// Next, we'll check to see if this is a cooperative channel closure,
	// as those use a finalized sequence number on their sole input, while
	// commitment transactions carry an obfuscated state hint there.
	if commitTxBroadcast.TxIn[0].Sequence == wire.MaxTxInSequenceNum {
		return c.dispatchCooperativeClose(commitSpend)
	}

	// Decode the state hint encoded within the commitment transaction to
	// determine if this is a revoked state or not.
	obfuscator := c.stateHintObfuscator
	broadcastStateNum := c.cfg.extractStateNumHint(
		commitTxBroadcast, obfuscator,
	)

	log.Infof("Unprompted commitment broadcast for ChannelPoint(%v), "+
		"state=%v", chanState.FundingOutpoint, broadcastStateNum)

	switch {
	// If the state number broadcast is lower than the remote node's
	// current un-revoked height, then THEY'RE ATTEMPTING TO VIOLATE THE
	// CONTRACT LAID OUT WITHIN THE PAYMENT CHANNEL. Therefore we close
	// the signal indicating a revoked broadcast to allow subscribers to
	// swiftly dispatch justice!
	case broadcastStateNum < remoteStateNum:
		return c.dispatchContractBreach(
			commitSpend, broadcastStateNum,
		)

	// If the remote party has broadcast a state beyond our best known
	// state for them, and they don't have a pending commitment (we write
	// them to disk before sending out), then this means that we've lost
	// data. In this case, we'll enter the DLP protocol. Otherwise, if
	// we've recovered our channel state from scratch, then we don't know
	// what the precise current state is, so we assume either the remote
	// party forced closed or we've been breached. In the latter case,
	// our tower will take care of us.
	case broadcastStateNum > remoteStateNum+1,
		broadcastStateNum == remoteStateNum+1 && remoteChainTip == nil:

		log.Warnf("Remote node broadcast state #%v, which is more "+
			"than 1 beyond best known state #%v!!! Attempting "+
			"recovery...", broadcastStateNum, remoteStateNum)

		// If we can recover the commitment point for the broadcast
		// state, then we'll attempt a sweep of our settled funds. For
		// tweakless channels the current revocation point suffices
		// for any state.
		commitPoint := chanState.RemoteCurrentRevocation
		if commitPoint == nil {
			log.Errorf("Unable to recover commit point for "+
				"ChannelPoint(%v), state #%v",
				chanState.FundingOutpoint, broadcastStateNum)
			return chanState.MarkBorked()
		}

		lostCommit := channeldb.ChannelCommitment{
			CommitHeight: broadcastStateNum,
		}
		commitSet.ConfCommitKey = fn.Some(RemoteHtlcSet)
		return c.dispatchRemoteForceClose(
			commitSpend, lostCommit, commitSet, commitPoint,
		)

	// The remote has broadcast their latest commitment, so we'll go to
	// chain using the resolution materials for their current state.
	case broadcastStateNum == remoteStateNum:
		commitSet.ConfCommitKey = fn.Some(RemoteHtlcSet)
		return c.dispatchRemoteForceClose(
			commitSpend, remoteCommit, commitSet,
			chanState.RemoteCurrentRevocation,
		)

	// The remote has broadcast the commitment we signed for them but they
	// haven't yet revoked their prior state. This is still a valid close.
	case broadcastStateNum == remoteStateNum+1 && remoteChainTip != nil:
		commitSet.ConfCommitKey = fn.Some(RemotePendingHtlcSet)
		return c.dispatchRemoteForceClose(
			commitSpend, remoteChainTip.Commitment, commitSet,
			chanState.RemoteNextRevocation,
		)
	}

	return nil
}

// dispatchCooperativeClose processed a detect cooperative channel closure.
// We'll use the spending transaction to locate our output within the
// transaction, then clean up the database state. We'll also dispatch a
// notification to all subscribers that the channel has been closed in this
// manner.
func (c *chainWatcher) dispatchCooperativeClose(
	commitSpend *chainntnfs.SpendDetail) error {

	broadcastTx := commitSpend.SpendingTx

	log.Infof("Cooperative closure for ChannelPoint(%v): %v",
		c.cfg.chanState.FundingOutpoint, broadcastTx.TxHash())

	// On a cooperative close both balances are fully settled, so the
	// local balance of the final commitment is what we walked away with.
	chanState := c.cfg.chanState
	closeSummary := &channeldb.ChannelCloseSummary{
		ChanPoint:      chanState.FundingOutpoint,
		ChainHash:      chanState.ChainHash,
		ClosingTXID:    *commitSpend.SpenderTxHash,
		RemotePub:      chanState.IdentityPub,
		Capacity:       chanState.Capacity,
		CloseHeight:    uint32(commitSpend.SpendingHeight),
		SettledBalance: chanState.LocalCommitment.LocalBalance.ToSatoshis(),
		ShortChanID:    chanState.ShortChannelID,
		CloseType:      channeldb.CooperativeClose,
		IsPending:      true,
	}

	// Attempt to add a channel sync message to the close summary.
	err := chanState.CloseChannel(closeSummary)
	if err != nil && err != channeldb.ErrNoActiveChannels {
		return fmt.Errorf("unable to close chan state: %v", err)
	}

	// With the event processed, we'll now notify all subscribers of the
	// event.
	closeInfo := &CooperativeCloseInfo{
		ChannelCloseSummary: closeSummary,
	}
	c.Lock()
	for _, sub := range c.clientSubscriptions {
		select {
		case sub.CooperativeClosure <- closeInfo:
		case <-c.quit:
			c.Unlock()
			return fmt.Errorf("exiting")
		}
	}
	c.Unlock()

	return nil
}

// dispatchLocalForceClose processes a unilateral close by us being confirmed.
func (c *chainWatcher) dispatchLocalForceClose(
	commitSpend *chainntnfs.SpendDetail,
	localCommit channeldb.ChannelCommitment, commitSet CommitSet) error {

	log.Infof("Local unilateral close of ChannelPoint(%v) "+
		"detected", c.cfg.chanState.FundingOutpoint)

	forceClose, err := lnwallet.NewLocalForceCloseSummary(
		c.cfg.chanState, c.cfg.signer,
		commitSpend.SpendingTx, localCommit.CommitHeight,
	)
	if err != nil {
		return err
	}

	// As we've detected that the channel has been closed, immediately
	// delete the state from disk, creating a close summary for future
	// usage by related sub-systems.
	chanState := c.cfg.chanState
	chanSnapshot := forceClose.ChanSnapshot
	closeSummary := &channeldb.ChannelCloseSummary{
		ChanPoint:   chanSnapshot.ChannelPoint,
		ChainHash:   chanSnapshot.ChainHash,
		ClosingTXID: forceClose.CloseTx.TxHash(),
		RemotePub:   &chanSnapshot.RemoteIdentity,
		Capacity:    chanSnapshot.Capacity,
		CloseType:   channeldb.LocalForceClose,
		IsPending:   true,
		ShortChanID: chanState.ShortChannelID,
		CloseHeight: uint32(commitSpend.SpendingHeight),
	}

	// If our commitment output isn't dust or we have active HTLC's on the
	// commitment transaction, then we'll populate the balances on the
	// close channel summary.
	if forceClose.CommitResolution != nil {
		closeSummary.SettledBalance =
			chanSnapshot.LocalBalance.ToSatoshis()
		closeSummary.TimeLockedBalance =
			chanSnapshot.LocalBalance.ToSatoshis()
	}
	for _, htlc := range forceClose.HtlcResolutions.OutgoingHTLCs {
		htlcValue := btcutil.Amount(htlc.SweepSignDesc.Output.Value)
		closeSummary.TimeLockedBalance += htlcValue
	}

	err = chanState.CloseChannel(closeSummary)
	if err != nil {
		return fmt.Errorf("unable to delete channel state: %v", err)
	}

	// With the event processed, we'll now notify all subscribers of the
	// event.
	closeInfo := &LocalUnilateralCloseInfo{
		SpendDetail:            commitSpend,
		LocalForceCloseSummary: forceClose,
		ChannelCloseSummary:    closeSummary,
		CommitSet:              commitSet,
	}
	c.Lock()
	for _, sub := range c.clientSubscriptions {
		select {
		case sub.LocalUnilateralClosure <- closeInfo:
		case <-c.quit:
			c.Unlock()
			return fmt.Errorf("exiting")
		}
	}
	c.Unlock()

	return nil
}

// dispatchRemoteForceClose processes a detected unilateral channel closure by
// the remote party. This function will prepare a UnilateralCloseSummary which
// will then be sent to any subscribers allowing them to resolve all our funds
// in the channel on chain. Once this close summary is prepared, all
// registered subscribers will receive a notification of this event. The
// commitPoint argument should be set to the per_commitment_point
// corresponding to the spending commitment.
func (c *chainWatcher) dispatchRemoteForceClose(
	commitSpend *chainntnfs.SpendDetail,
	remoteCommit channeldb.ChannelCommitment, commitSet CommitSet,
	commitPoint *btcec.PublicKey) error {

	log.Infof("Remote unilateral close of ChannelPoint(%v) "+
		"detected", c.cfg.chanState.FundingOutpoint)

	// First, we'll create a closure summary that contains all the
	// materials required to let each subscriber sweep the funds in the
	// channel on-chain.
	uniClose, err := lnwallet.NewUnilateralCloseSummary(
		c.cfg.chanState, c.cfg.signer, commitSpend,
		remoteCommit, commitPoint,
	)
	if err != nil {
		return err
	}

	// As we've detected that the channel has been closed, immediately
	// delete the state from disk, creating a close summary for future
	// usage by related sub-systems.
	err = c.cfg.chanState.CloseChannel(&uniClose.ChannelCloseSummary)
	if err != nil {
		return fmt.Errorf("unable to delete channel state: %v", err)
	}

	// With the event processed, we'll now notify all subscribers of the
	// event.
	c.Lock()
	for _, sub := range c.clientSubscriptions {
		select {
		case sub.RemoteUnilateralClosure <- &RemoteUnilateralCloseInfo{
			UnilateralCloseSummary: uniClose,
			CommitSet:              commitSet,
		}:
		case <-c.quit:
			c.Unlock()
			return fmt.Errorf("exiting")
		}
	}
	c.Unlock()

	return nil
}

// dispatchContractBreach processes a detected contract breached by the remote
// party. This method is to be called once we detect that the remote party has
// broadcast a prior revoked commitment state. This method well prepare all the
// materials required to bring the cheater to justice, then notify all
// registered subscribers of this event.
func (c *chainWatcher) dispatchContractBreach(
	spendEvent *chainntnfs.SpendDetail, broadcastStateNum uint64) error {

	log.Warnf("Remote peer has breached the channel contract for "+
		"ChannelPoint(%v). Revoked state #%v was broadcast!!!",
		c.cfg.chanState.FundingOutpoint, broadcastStateNum)

	if err := c.cfg.chanState.MarkBorked(); err != nil {
		return fmt.Errorf("unable to mark channel as borked: %v", err)
	}

	spendHeight := uint32(spendEvent.SpendingHeight)

	// Create a new reach retribution struct which contains all the data
	// needed to swiftly bring the cheating peer to justice.
	retribution, err := lnwallet.NewBreachRetribution(
		c.cfg.chanState, broadcastStateNum, spendHeight,
	)
	if err != nil {
		return fmt.Errorf("unable to create breach retribution: %v",
			err)
	}

	// Hand the retribution to the breach arbitrator before we notify any
	// subscribers. The arbitrator persists the retribution to disk, so
	// once this call returns, justice will be served even if we restart.
	if err := c.cfg.contractBreach(retribution); err != nil {
		return fmt.Errorf("unable to hand off breach: %v", err)
	}

	// With the breach persisted, we can notify all subscribers.
	c.Lock()
	for _, sub := range c.clientSubscriptions {
		select {
		case sub.ContractBreach <- retribution:
		case <-c.quit:
			c.Unlock()
			return fmt.Errorf("quitting")
		}
	}
	c.Unlock()

	// At this point, we've successfully received an ack for the breach
	// close, so we'll mark the channel as pending force closed.
	chanState := c.cfg.chanState
	var settledBalance btcutil.Amount
	remoteCommit, err := chanState.FindPreviousState(broadcastStateNum)
	if err == nil {
		settledBalance = remoteCommit.LocalBalance.ToSatoshis()
	}
	closeSummary := channeldb.ChannelCloseSummary{
		ChanPoint:      chanState.FundingOutpoint,
		ChainHash:      chanState.ChainHash,
		ClosingTXID:    *spendEvent.SpenderTxHash,
		CloseHeight:    spendHeight,
		RemotePub:      chanState.IdentityPub,
		Capacity:       chanState.Capacity,
		CloseType:      channeldb.BreachClose,
		IsPending:      true,
		ShortChanID:    chanState.ShortChannelID,
		SettledBalance: settledBalance,
	}

	if err := chanState.CloseChannel(&closeSummary); err != nil {
		return err
	}

	log.Infof("Breached channel=%v marked pending-closed",
		chanState.FundingOutpoint)

	return nil
}
