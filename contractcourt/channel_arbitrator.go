package contractcourt

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"

	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet"
	"github.com/AreaLayer/rust-lightning/lnwire"
	"github.com/AreaLayer/rust-lightning/sweep"
)

const (
	// arbitratorBlockBufferSize is the size of the buffer we give to each
	// channel arbitrator.
	arbitratorBlockBufferSize = 20
)

var (
	// errAlreadyForceClosed is an error returned when we attempt to force
	// close a channel that's already in the process of doing so.
	errAlreadyForceClosed = errors.New("channel is already in the " +
		"process of being force closed")

	// errShuttingDown is returned when a request can't be served because
	// the arbitrator is shutting down.
	errShuttingDown = errors.New("arbitrator shutting down")
)

// sweepAnchor offers our anchor output on the just broadcast commitment to
// the sweeper. Anchors are of negative yield at almost any fee rate, so the
// input is marked force sweep: its fee is drawn from the other inputs batched
// into the same transaction, and the child spend bumps the commitment into a
// block.
func (c *ChannelArbitrator) sweepAnchor(
	anchor *lnwallet.AnchorResolution, heightHint uint32) error {

	if anchor == nil {
		return nil
	}

	anchorInput := input.MakeBaseInput(
		&anchor.CommitAnchor, input.CommitmentAnchor,
		&anchor.AnchorSignDescriptor, heightHint,
	)

	_, err := c.cfg.Sweeper.SweepInput(
		&anchorInput,
		sweep.Params{
			Fee: sweep.FeePreference{
				ConfTarget: sweepConfTarget,
			},
			Force: true,
		},
	)
	if err != nil {
		return err
	}

	log.Debugf("ChannelArbitrator(%v): anchor %v offered to sweeper",
		c.cfg.ChanPoint, anchor.CommitAnchor)

	return nil
}

// transitionTrigger is an enum that denotes exactly *why* a state transition
// was initiated. This is useful as depending on the initial trigger, we may
// skip certain states as those actions are expected to have already taken
// place as a result of the external trigger.
type transitionTrigger uint8

const (
	// chainTrigger is a transition trigger that has been attempted due to
	// a new block being connected.
	chainTrigger transitionTrigger = iota

	// userTrigger is a transition trigger driven by user action. Examples
	// of such a trigger include a user requesting a force closure of the
	// channel.
	userTrigger

	// remoteCloseTrigger is a transition trigger driven by the remote
	// peer's commitment being confirmed.
	remoteCloseTrigger

	// localCloseTrigger is a transition trigger driven by our commitment
	// being confirmed.
	localCloseTrigger

	// coopCloseTrigger is a transition trigger driven by a cooperative
	// close transaction being confirmed.
	coopCloseTrigger

	// breachCloseTrigger is a transition trigger driven by a remote breach
	// being confirmed. In this case the channel arbitrator won't have to
	// sweep anything, but the breach arbitrator will handle the breach.
	breachCloseTrigger
)

// String returns a human readable string describing the passed
// transitionTrigger.
func (t transitionTrigger) String() string {
	switch t {
	case chainTrigger:
		return "chainTrigger"

	case remoteCloseTrigger:
		return "remoteCloseTrigger"

	case userTrigger:
		return "userTrigger"

	case localCloseTrigger:
		return "localCloseTrigger"

	case coopCloseTrigger:
		return "coopCloseTrigger"

	case breachCloseTrigger:
		return "breachCloseTrigger"

	default:
		return "unknown trigger"
	}
}

// htlcSet represents the set of active HTLCs on a given commitment
// transaction.
type htlcSet struct {
	// incomingHTLCs is a map of all incoming HTLCs on the target
	// commitment transaction. We may potentially go onchain to claim the
	// funds sent to us within this set.
	incomingHTLCs map[uint64]channeldb.HTLC

	// outgoingHTLCs is a map of all outgoing HTLCs on the target
	// commitment transaction. We may potentially go onchain to reclaim the
	// funds that are currently in limbo.
	outgoingHTLCs map[uint64]channeldb.HTLC
}

// newHtlcSet constructs a new HTLC set from a slice of HTLC's.
func newHtlcSet(htlcs []channeldb.HTLC) htlcSet {
	outHTLCs := make(map[uint64]channeldb.HTLC)
	inHTLCs := make(map[uint64]channeldb.HTLC)
	for _, htlc := range htlcs {
		if htlc.Incoming {
			inHTLCs[htlc.HtlcIndex] = htlc.Copy()
			continue
		}

		outHTLCs[htlc.HtlcIndex] = htlc.Copy()
	}

	return htlcSet{
		incomingHTLCs: inHTLCs,
		outgoingHTLCs: outHTLCs,
	}
}

// HtlcSetKey is a two-tuple that uniquely identifies a set of HTLCs on a
// commitment transaction.
type HtlcSetKey struct {
	// IsRemote denotes if the HTLCs are on the remote commitment
	// transaction.
	IsRemote bool

	// IsPending denotes if the commitment transaction that HTLCS are on
	// are pending (the higher of two unrevoked commitments).
	IsPending bool
}

var (
	// LocalHtlcSet is the HtlcSetKey used for local commitments.
	LocalHtlcSet = HtlcSetKey{IsRemote: false, IsPending: false}

	// RemoteHtlcSet is the HtlcSetKey used for remote commitments.
	RemoteHtlcSet = HtlcSetKey{IsRemote: true, IsPending: false}

	// RemotePendingHtlcSet is the HtlcSetKey used for dangling remote
	// commitment transactions.
	RemotePendingHtlcSet = HtlcSetKey{IsRemote: true, IsPending: true}
)

// String returns a human readable string describing the target HtlcSetKey.
func (h HtlcSetKey) String() string {
	switch h {
	case LocalHtlcSet:
		return "LocalHtlcSet"
	case RemoteHtlcSet:
		return "RemoteHtlcSet"
	case RemotePendingHtlcSet:
		return "RemotePendingHtlcSet"
	default:
		return "unknown HtlcSetKey"
	}
}

// ChannelArbitratorConfig contains all the functionality that the
// ChannelArbitrator needs in order to properly arbitrate any contract dispute
// on chain.
type ChannelArbitratorConfig struct {
	// ChanPoint is the channel point that uniquely identifies this
	// channel.
	ChanPoint wire.OutPoint

	// ShortChanID describes the exact location of the channel within the
	// chain. We'll use this to address any messages that we need to send
	// to the switch during contract resolution.
	ShortChanID lnwire.ShortChannelID

	// ChainEvents is an active subscription to the chain watcher for this
	// channel to be notified of any on-chain activity related to this
	// channel.
	ChainEvents *ChainEventSubscription

	// ForceCloseChan should force close the contract that this attendant
	// is watching over. We'll use this when we decide that we need to go
	// to chain. It should in addition mark the channel as unavailable for
	// any new updates.
	ForceCloseChan func() (*lnwallet.LocalForceCloseSummary, error)

	// MarkCommitmentBroadcasted should mark the channel as the commitment
	// being broadcast, and we are waiting for the commitment to confirm.
	MarkCommitmentBroadcasted func(*wire.MsgTx) error

	// MarkChannelResolved is a function that will be called once all
	// contracts are fully resolved.
	MarkChannelResolved func() error

	// IsPendingClose is a boolean indicating whether the channel is
	// already in the process of being closed.
	IsPendingClose bool

	// ClosingHeight is the height at which the channel was closed. Note
	// that this value is only valid if IsPendingClose is true.
	ClosingHeight uint32

	// CloseType is the type of the close event in case IsPendingClose is
	// true. Otherwise this value is unset.
	CloseType channeldb.ClosureType

	// ChainArbitratorConfig is the super set of config shared among all
	// channel arbitrator instances.
	ChainArbitratorConfig
}

// ChannelArbitrator is the on-chain arbitrator for a particular channel. The
// struct will keep in sync with the current set of HTLCs on the commitment
// transaction. The job of the attendant is to go on-chain to either settle or
// cancel an HTLC as necessary iff: an HTLC times out, or we know the
// pre-image to an HTLC, but it wasn't settled by the link off-chain. The
// ChannelArbitrator will factor in an expected confirmation delta when
// broadcasting to ensure that we avoid any possibility of race conditions,
// and sweep the output(s) without contest.
type ChannelArbitrator struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	// log is the persistent log that the attendant will use to checkpoint
	// its next action, and the state of any unresolved contracts.
	log ArbitratorLog

	// activeHTLCs is the set of active incoming/outgoing HTLC's on all
	// currently valid commitment transactions.
	activeHTLCs map[HtlcSetKey]htlcSet

	// cfg contains all the functionality that the ChannelArbitrator
	// requires to do its duty.
	cfg ChannelArbitratorConfig

	// blocks is a channel that the arbitrator will receive new blocks on.
	// This channel should be buffered by so that it does not block the
	// sender.
	blocks chan int32

	// resolutionSignal is a channel that will be sent upon by contract
	// resolvers once their contract has been fully resolved. With each
	// send, we'll check to see if the contract is fully resolved.
	resolutionSignal chan struct{}

	// forceCloseReqs is a channel that requests to forcibly close the
	// contract will be sent over.
	forceCloseReqs chan *forceCloseReq

	// state is the current state of the arbitrator. This state is examined
	// upon start up to decide which actions to take.
	state ArbitratorState

	// activeResolvers is a slice of any active resolvers. This is used to
	// be able to signal them for shutdown in the case that a shutdown.
	activeResolvers []ContractResolver

	// activeResolversLock prevents simultaneous read and write to the
	// resolvers slice.
	activeResolversLock sync.RWMutex

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewChannelArbitrator returns a new instance of a ChannelArbitrator backed
// by the passed config struct.
func NewChannelArbitrator(cfg ChannelArbitratorConfig,
	htlcSets map[HtlcSetKey]htlcSet, log ArbitratorLog) *ChannelArbitrator {

	return &ChannelArbitrator{
		log:              log,
		blocks:           make(chan int32, arbitratorBlockBufferSize),
		resolutionSignal: make(chan struct{}),
		forceCloseReqs:   make(chan *forceCloseReq),
		activeHTLCs:      htlcSets,
		cfg:              cfg,
		quit:             make(chan struct{}),
	}
}

// Start starts all the goroutines that the ChannelArbitrator needs to operate.
func (c *ChannelArbitrator) Start(bestHeight int32) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	var err error

	log.Debugf("Starting ChannelArbitrator(%v)", c.cfg.ChanPoint)

	// First, we'll read our last state from disk, so our internal state
	// machine can act accordingly.
	c.state, err = c.log.CurrentState()
	if err != nil {
		return err
	}

	// If the channel has been marked pending close in the database, and we
	// haven't transitioned the state machine to StateContractClosed (or a
	// succeeding state), then a state transition most likely failed. We'll
	// try to recover from this by manually advancing the state by setting
	// the corresponding close trigger.
	trigger := chainTrigger
	triggerHeight := uint32(bestHeight)
	if c.cfg.IsPendingClose {
		switch c.state {
		case StateDefault:
			fallthrough
		case StateBroadcastCommit:
			fallthrough
		case StateCommitmentBroadcasted:
			switch c.cfg.CloseType {

			case channeldb.CooperativeClose:
				trigger = coopCloseTrigger

			case channeldb.BreachClose:
				trigger = breachCloseTrigger

			case channeldb.LocalForceClose:
				trigger = localCloseTrigger

			case channeldb.RemoteForceClose:
				trigger = remoteCloseTrigger
			}

			log.Warnf("ChannelArbitrator(%v): detected stalled "+
				"state=%v for closed channel",
				c.cfg.ChanPoint, c.state)
		}

		triggerHeight = c.cfg.ClosingHeight
	}

	log.Infof("ChannelArbitrator(%v): starting state=%v, trigger=%v, "+
		"triggerHeight=%v", c.cfg.ChanPoint, c.state, trigger,
		triggerHeight)

	// We'll now attempt to advance our state forward based on the current
	// on-chain state, and our set of active contracts.
	startingState := c.state
	nextState, _, err := c.advanceState(triggerHeight, trigger, nil)
	if err != nil {
		switch err {

		// If we detect that we tried to fetch resolutions, but failed,
		// this channel was marked fully resolved before resolutions
		// were received. In this case we'll remove the channel from the
		// database as it's no longer needed.
		case errScopeBucketNoExist:
			fallthrough
		case errNoResolutions:
			log.Warnf("ChannelArbitrator(%v): detected closed"+
				"channel with no contract resolutions written.",
				c.cfg.ChanPoint)

		default:
			return err
		}
	}

	// If we start and ended at the awaiting full resolution state, then
	// we'll relaunch our set of unresolved contracts.
	if startingState == StateWaitingFullResolution &&
		nextState == StateWaitingFullResolution {

		// In order to relaunch the resolvers, we'll need to fetch the
		// set of HTLCs that were present in the commitment transaction
		// at the time it was confirmed. commitSet.ConfCommitKey can't
		// be empty as the channel is closed.
		commitSet, err := c.log.FetchConfirmedCommitSet()
		if err != nil && err != errNoCommitSet &&
			err != errScopeBucketNoExist {

			return err
		}

		if err := c.relaunchResolvers(commitSet, triggerHeight); err != nil {
			return err
		}
	}

	c.wg.Add(1)
	go c.channelAttendant(bestHeight)
	return nil
}

// relaunchResolvers relaunches the set of resolvers that were previously
// launched, and checkpointed to disk.
func (c *ChannelArbitrator) relaunchResolvers(commitSet *CommitSet,
	heightHint uint32) error {

	// We'll now query our log to see if there are any active unresolved
	// contracts. If this is the case, then we'll relaunch all contract
	// resolvers.
	unresolvedContracts, err := c.log.FetchUnresolvedContracts()
	if err != nil {
		return err
	}

	// Retrieve the commitment tx hash from the log.
	contractResolutions, err := c.log.FetchContractResolutions()
	if err != nil {
		log.Errorf("unable to fetch contract resolutions: %v",
			err)
		return err
	}
	commitHash := contractResolutions.CommitHash

	// Reconstruct the htlc outpoints and data from the chain action log.
	// The purpose of the constructed htlc map is to supplement to
	// resolvers restored from database with extra data. Ideally this data
	// is stored as part of the resolver in the log. This is a workaround
	// to prevent a db migration.
	htlcMap := make(map[wire.OutPoint]*channeldb.HTLC)
	if commitSet != nil {
		confKey := commitSet.ConfCommitKey.UnwrapOr(LocalHtlcSet)
		for _, htlc := range commitSet.HtlcSets[confKey] {
			htlc := htlc
			if htlc.OutputIndex < 0 {
				continue
			}

			outpoint := wire.OutPoint{
				Hash:  commitHash,
				Index: uint32(htlc.OutputIndex),
			}
			htlcMap[outpoint] = &htlc
		}
	}

	log.Infof("ChannelArbitrator(%v): relaunching %v contract "+
		"resolvers", c.cfg.ChanPoint, len(unresolvedContracts))

	for _, resolver := range unresolvedContracts {
		htlcResolver, ok := resolver.(htlcContractResolver)
		if !ok {
			continue
		}

		htlcPoint := htlcResolver.HtlcPoint()
		htlc, ok := htlcMap[htlcPoint]
		if !ok {
			return fmt.Errorf(
				"htlc resolver %T unavailable", resolver,
			)
		}

		htlcResolver.Supplement(*htlc)
	}

	c.launchResolvers(unresolvedContracts)

	return nil
}

// Report returns htlc reports for the active resolvers.
func (c *ChannelArbitrator) Report() []*ContractReport {
	c.activeResolversLock.RLock()
	defer c.activeResolversLock.RUnlock()

	var reports []*ContractReport
	for _, resolver := range c.activeResolvers {
		r, ok := resolver.(reportingContractResolver)
		if !ok {
			continue
		}

		report := r.report()
		if report == nil {
			continue
		}

		reports = append(reports, report)
	}

	return reports
}

// Stop signals the ChannelArbitrator for a graceful shutdown.
func (c *ChannelArbitrator) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	log.Debugf("Stopping ChannelArbitrator(%v)", c.cfg.ChanPoint)

	if c.cfg.ChainEvents.Cancel != nil {
		go c.cfg.ChainEvents.Cancel()
	}

	c.activeResolversLock.RLock()
	for _, activeResolver := range c.activeResolvers {
		activeResolver.Stop()
	}
	c.activeResolversLock.RUnlock()

	close(c.quit)
	c.wg.Wait()

	return nil
}

// forceCloseReq is a request sent from an outside sub-system to the arbitrator
// that watches a particular channel to broadcast the commitment transaction,
// and enter the resolution phase of the channel.
type forceCloseReq struct {
	// errResp is a channel that will be sent upon either in the case of
	// force close success (nil error), or in the case on an error.
	//
	// NOTE; This channel MUST be buffered.
	errResp chan error

	// closeTx is a channel that carries the transaction which ultimately
	// closed out the channel.
	closeTx chan *wire.MsgTx
}

// ForceClose requests the ChannelArbitrator to close the channel on-chain. If
// the arbitrator is in a state where it can accept the request, then the
// commitment transaction that closed the channel is returned.
func (c *ChannelArbitrator) ForceClose() (*wire.MsgTx, error) {
	errChan := make(chan error, 1)
	respChan := make(chan *wire.MsgTx, 1)

	// With the channels created, we'll now send a new request to the main
	// goroutine to initiate a force close.
	select {
	case c.forceCloseReqs <- &forceCloseReq{
		errResp: errChan,
		closeTx: respChan,
	}:
	case <-c.quit:
		return nil, errShuttingDown
	}

	// We'll wait until we receive a response to our request, or exit early
	// if the arbitrator is shutting down.
	select {
	case err := <-errChan:
		if err != nil {
			return nil, err
		}
	case <-c.quit:
		return nil, errShuttingDown
	}

	select {
	case closeTx := <-respChan:
		return closeTx, nil
	case <-c.quit:
		return nil, errShuttingDown
	}
}

// advanceState is the main driver of our state machine. This method is an
// iterative function which repeatedly attempts to advance the internal state
// of the channel arbitrator. The state will be advanced until we reach a
// redundant transition, meaning that the state transition is a noop. The
// final param is a callback that allows the caller to execute an arbitrary
// action after each state transition.
func (c *ChannelArbitrator) advanceState(triggerHeight uint32,
	trigger transitionTrigger, confCommitSet *CommitSet) (ArbitratorState,
	*wire.MsgTx, error) {

	var (
		priorState   ArbitratorState
		forceCloseTx *wire.MsgTx
	)

	// We'll continue to advance our state forward until the state we
	// transition to is that same state that we started at.
	for {
		priorState = c.state
		log.Debugf("ChannelArbitrator(%v): attempting state step with "+
			"trigger=%v from state=%v", c.cfg.ChanPoint, trigger,
			priorState)

		nextState, closeTx, err := c.stateStep(
			triggerHeight, trigger, confCommitSet,
		)
		if err != nil {
			log.Errorf("ChannelArbitrator(%v): unable to advance "+
				"state: %v", c.cfg.ChanPoint, err)
			return priorState, nil, err
		}

		if forceCloseTx == nil && closeTx != nil {
			forceCloseTx = closeTx
		}

		// Our termination transition is a noop transition. If we get
		// our prior state back as the next state, then we'll
		// terminate.
		if nextState == priorState {
			log.Debugf("ChannelArbitrator(%v): terminating at "+
				"state=%v", c.cfg.ChanPoint, nextState)
			return nextState, forceCloseTx, nil
		}

		// As the prior state was successfully executed, we can now
		// commit the next state. This ensures that we will re-execute
		// the prior state if anything fails.
		if err := c.log.CommitState(nextState); err != nil {
			log.Errorf("ChannelArbitrator(%v): unable to commit "+
				"next state(%v): %v", c.cfg.ChanPoint,
				nextState, err)
			return priorState, nil, err
		}
		c.state = nextState
	}
}

// stateStep is a help method that examines our internal state, and attempts
// the appropriate state transition if necessary. The next state we transition
// to is returned, Additionally, if the next transition results in a commitment
// broadcast, the commitment transaction itself is returned.
func (c *ChannelArbitrator) stateStep(triggerHeight uint32,
	trigger transitionTrigger, confCommitSet *CommitSet) (ArbitratorState,
	*wire.MsgTx, error) {

	var (
		nextState ArbitratorState
		closeTx   *wire.MsgTx
	)
	switch c.state {

	// If we're in the default state, then we'll check our set of actions
	// to see if while we were down, conditions have changed.
	case StateDefault:
		log.Debugf("ChannelArbitrator(%v): new block (height=%v) "+
			"examining active HTLC's", c.cfg.ChanPoint,
			triggerHeight)

		// As a new block has been connected to the end of the main
		// chain, we'll check to see if we need to make any on-chain
		// claims on behalf of the channel contract that we're
		// arbitrating for.
		chainActionTaken := c.checkLocalChainActions(triggerHeight)

		// If this is a chain trigger, then we'll go straight to the
		// next state, as we still need to broadcast the commitment
		// transaction.
		switch {
		case chainActionTaken && trigger == chainTrigger:
			fallthrough
		case trigger == userTrigger:
			nextState = StateBroadcastCommit

		// If the trigger is a cooperative close being confirmed, then
		// we can go straight to StateFullyResolved, as there won't be
		// any contracts to resolve.
		case trigger == coopCloseTrigger:
			nextState = StateFullyResolved

		// Otherwise, if this state advance was triggered by a
		// commitment being confirmed on chain, then we'll jump
		// straight to the state where the contract has already been
		// closed, and we will inspect the set of unresolved contracts.
		case trigger == localCloseTrigger:
			log.Errorf("ChannelArbitrator(%v): unexpected local "+
				"commitment confirmed while in StateDefault",
				c.cfg.ChanPoint)
			fallthrough
		case trigger == remoteCloseTrigger:
			nextState = StateContractClosed

		case trigger == breachCloseTrigger:
			nextState = StateContractClosed

		default:
			nextState = StateDefault
		}

	// If we're in this state, then we've decided to broadcast the
	// commitment transaction. We enter this state either due to an outside
	// sub-system, or because an on-chain action has been triggered.
	case StateBroadcastCommit:
		// Now that we have a new block, we'll check to see if we need
		// to make any on-chain claims on behalf of the channel
		// contract that we're arbitrating for. We can skip this if the
		// current state was triggered by a close event, as the
		// commitment is already in the chain.
		log.Infof("ChannelArbitrator(%v): force closing "+
			"chan", c.cfg.ChanPoint)

		// Now that we have all the actions decided for the set of
		// HTLC's, we'll broadcast the commitment transaction, and
		// signal the link to exit.

		// We'll tell the switch that it should remove the link for
		// this channel, in addition to fetching the force close
		// summary needed to close this channel on chain.
		closeSummary, err := c.cfg.ForceCloseChan()
		if err != nil {
			log.Errorf("ChannelArbitrator(%v): unable to "+
				"force close: %v", c.cfg.ChanPoint, err)
			return StateError, closeTx, err
		}
		closeTx = closeSummary.CloseTx

		// Before publishing the transaction, we store it to the
		// database, such that we can re-publish later in case it
		// didn't propagate.
		if err := c.cfg.MarkCommitmentBroadcasted(closeTx); err != nil {
			log.Errorf("ChannelArbitrator(%v): unable to "+
				"mark commitment broadcasted: %v",
				c.cfg.ChanPoint, err)
			return StateError, closeTx, err
		}

		// With the close transaction in hand, broadcast the
		// transaction to the network, thereby entering the post
		// channel resolution state.
		log.Infof("Broadcasting force close transaction %v, "+
			"ChannelPoint(%v)", closeTx.TxHash(), c.cfg.ChanPoint)

		// At this point, we'll now broadcast the commitment
		// transaction itself.
		if err := c.cfg.PublishTx(closeTx); err != nil {
			log.Errorf("ChannelArbitrator(%v): unable to broadcast "+
				"close tx: %v", c.cfg.ChanPoint, err)
			if err != lnwallet.ErrDoubleSpend {
				return StateError, closeTx, err
			}
		}

		// If the commitment carries an anchor, hand it to the sweeper
		// so a child spend can bump the commitment's effective fee
		// rate while it's unconfirmed.
		err = c.sweepAnchor(
			closeSummary.AnchorResolution, triggerHeight,
		)
		if err != nil {
			log.Errorf("ChannelArbitrator(%v): unable to sweep "+
				"anchor: %v", c.cfg.ChanPoint, err)
		}

		// We go to the StateCommitmentBroadcasted state, where we'll
		// be waiting for the commitment to be confirmed.
		nextState = StateCommitmentBroadcasted

	// In this state we have broadcasted our own commitment, and will need
	// to wait for a commitment (not necessarily the one we broadcasted!)
	// to be confirmed.
	case StateCommitmentBroadcasted:
		switch trigger {

		// We are waiting for a commitment to be confirmed, so any
		// other trigger will be ignored.
		case chainTrigger, userTrigger:
			log.Infof("ChannelArbitrator(%v): noop trigger %v",
				c.cfg.ChanPoint, trigger)
			nextState = StateCommitmentBroadcasted

		// If this state advance was triggered by any of the
		// commitments being confirmed, then we'll jump to the state
		// where the contract has been closed.
		case localCloseTrigger, remoteCloseTrigger,
			breachCloseTrigger:

			nextState = StateContractClosed

		// If a coop close was confirmed, jump straight to the fully
		// resolved state.
		case coopCloseTrigger:
			nextState = StateFullyResolved
		}

		log.Infof("ChannelArbitrator(%v): trigger %v moving from "+
			"state %v to %v", c.cfg.ChanPoint, trigger, c.state,
			nextState)

	// If we're in this state, then the contract has been fully closed to
	// outside sub-systems, so we'll process the prior set of on-chain
	// contract actions and launch a set of resolvers.
	case StateContractClosed:
		// On restart we may not have been handed the confirmed commit
		// set directly, so we'll fall back to the copy we persisted
		// when the closing commitment confirmed.
		if confCommitSet == nil && trigger != breachCloseTrigger {
			diskCommitSet, err := c.log.FetchConfirmedCommitSet()
			if err != nil && err != errNoCommitSet &&
				err != errScopeBucketNoExist {

				return StateError, closeTx, err
			}
			confCommitSet = diskCommitSet
		}

		// If the contract was closed due to a breach, then all that's
		// left is to see the justice transaction through. The breach
		// arbitrator owns the actual sweep, we only track completion.
		if trigger == breachCloseTrigger {
			breachResolver := newBreachResolver(ResolverConfig{
				ChannelArbitratorConfig: c.cfg,
				Checkpoint:              c.checkpointResolver,
			})

			err := c.log.InsertUnresolvedContracts(breachResolver)
			if err != nil {
				return StateError, closeTx, err
			}

			nextState = StateWaitingFullResolution
			break
		}

		// First, we'll fetch our chain actions, and both sets of
		// resolutions so we can process them.
		contractResolutions, err := c.log.FetchContractResolutions()
		if err != nil {
			log.Errorf("unable to fetch contract resolutions: %v",
				err)
			return StateError, closeTx, err
		}

		// If the resolution is empty, then we're done here. We don't
		// need to launch any resolvers, and can go straight to our
		// final state.
		if contractResolutions.IsEmpty() && confCommitSet.IsEmpty() {
			log.Infof("ChannelArbitrator(%v): contract "+
				"resolutions empty, marking channel as fully "+
				"resolved!", c.cfg.ChanPoint)
			nextState = StateFullyResolved
			break
		}

		// Now that we know we'll need to act, we'll process all the
		// resolvers, then create the structures we need to resolve
		// all outstanding contracts.
		resolvers, err := c.prepContractResolutions(
			contractResolutions, triggerHeight, confCommitSet,
		)
		if err != nil {
			log.Errorf("ChannelArbitrator(%v): unable to "+
				"resolve contracts: %v", c.cfg.ChanPoint, err)
			return StateError, closeTx, err
		}

		log.Debugf("ChannelArbitrator(%v): inserting %v contract "+
			"resolvers", c.cfg.ChanPoint, len(resolvers))

		err = c.log.InsertUnresolvedContracts(resolvers...)
		if err != nil {
			return StateError, closeTx, err
		}

		// Finally, we'll launch all the required contract resolvers.
		// Once they're all resolved, we're no longer needed.
		c.launchResolvers(resolvers)

		nextState = StateWaitingFullResolution

	// This is our terminal state. We'll keep returning this state until
	// all contracts are fully resolved.
	case StateWaitingFullResolution:
		log.Infof("ChannelArbitrator(%v): still awaiting contract "+
			"resolution", c.cfg.ChanPoint)

		numUnresolved, err := c.log.FetchUnresolvedContracts()
		if err != nil {
			return StateError, closeTx, err
		}

		// If we still have unresolved contracts, then we'll stay alive
		// to oversee their resolution.
		if len(numUnresolved) != 0 {
			nextState = StateWaitingFullResolution
			break
		}

		nextState = StateFullyResolved

	// If we start as fully resolved, then we'll end as fully resolved.
	case StateFullyResolved:
		// To ensure that the state of the contract in persistent
		// storage is fully reflected, we'll mark the contract as fully
		// resolved now.
		nextState = StateFullyResolved

		log.Infof("ChannelPoint(%v) has been fully resolved "+
			"on-chain at height=%v", c.cfg.ChanPoint, triggerHeight)

		if err := c.cfg.MarkChannelResolved(); err != nil {
			log.Errorf("unable to mark channel resolved: %v", err)
			return StateError, closeTx, err
		}
	}

	log.Tracef("ChannelArbitrator(%v): next_state=%v", c.cfg.ChanPoint,
		nextState)

	return nextState, closeTx, nil
}

// launchResolvers updates the activeResolvers list and starts the resolvers.
func (c *ChannelArbitrator) launchResolvers(resolvers []ContractResolver) {
	c.activeResolversLock.Lock()
	defer c.activeResolversLock.Unlock()

	c.activeResolvers = resolvers
	for _, contract := range resolvers {
		c.wg.Add(1)
		go c.resolveContract(contract)
	}
}

// checkpointResolver is used by the contract resolvers we spawn outside of
// the normal resolution flow to checkpoint their state.
func (c *ChannelArbitrator) checkpointResolver(res ContractResolver) error {
	return c.log.InsertUnresolvedContracts(res)
}

// shouldGoOnChain takes into account the absolute timeout of the HTLC, if the
// confirmation delta that we need is close, and returns a bool indicating if
// we should go on chain to claim.  We do this rather than waiting up until
// the last minute as we want to ensure that when we *need* (HTLC is timed
// out) to sweep, the commitment is already confirmed.
func (c *ChannelArbitrator) shouldGoOnChain(htlcExpiry, broadcastDelta,
	currentHeight uint32) bool {

	// We'll calculate the broadcast cut off for this HTLC. This is the
	// height that (based on our current fee estimation) we should
	// broadcast in order to ensure the commitment transaction is confirmed
	// before the HTLC fully expires.
	broadcastCutOff := htlcExpiry - broadcastDelta

	log.Tracef("ChannelArbitrator(%v): examining outgoing contract: "+
		"expiry=%v, cutoff=%v, height=%v", c.cfg.ChanPoint, htlcExpiry,
		broadcastCutOff, currentHeight)

	// We should go on-chain for this HTLC, iff we're within our broadcast
	// cutoff window.
	return currentHeight >= broadcastCutOff
}

// checkLocalChainActions examines the set of active HTLCs on our commitment
// to determine if we need to go on chain immediately: either an outgoing HTLC
// is about to time out, or we know the preimage of an incoming HTLC that is
// about to expire.
func (c *ChannelArbitrator) checkLocalChainActions(height uint32) bool {
	htlcs := c.activeHTLCs[LocalHtlcSet]

	// First, we'll make an initial pass over the set of outgoing HTLC's.
	// If any are expiring soon, then we need to go on-chain to be able to
	// sweep via the timeout path before the remote party can potentially
	// claim with the preimage.
	for _, htlc := range htlcs.outgoingHTLCs {
		toChain := c.shouldGoOnChain(
			htlc.RefundTimeout, c.cfg.OutgoingBroadcastDelta,
			height,
		)
		if toChain {
			log.Infof("ChannelArbitrator(%v): go to chain for "+
				"outgoing htlc %x: timeout=%v, "+
				"blocks_until_expiry=%v", c.cfg.ChanPoint,
				htlc.RHash[:], htlc.RefundTimeout,
				htlc.RefundTimeout-height)

			return true
		}
	}

	// Next, we'll examine all incoming HTLC's. If we know the preimage,
	// and the HTLC is close to expiring, then we need to go on chain in
	// order to claim it before the remote party is able to pull the
	// timeout path.
	for _, htlc := range htlcs.incomingHTLCs {
		if _, ok := c.cfg.PreimageDB.LookupPreimage(htlc.RHash); !ok {
			continue
		}

		toChain := c.shouldGoOnChain(
			htlc.RefundTimeout, c.cfg.IncomingBroadcastDelta,
			height,
		)
		if toChain {
			log.Infof("ChannelArbitrator(%v): go to chain for "+
				"incoming htlc %x: timeout=%v, "+
				"blocks_until_expiry=%v", c.cfg.ChanPoint,
				htlc.RHash[:], htlc.RefundTimeout,
				htlc.RefundTimeout-height)

			return true
		}
	}

	return false
}

// prepContractResolutions is called either in the case that we decide we need
// to go to chain, or the remote party goes to chain. Based on the passed
// resolutions, we'll create the set of resolvers that need to be run in order
// to fully resolve the channel on chain.
func (c *ChannelArbitrator) prepContractResolutions(
	contractResolutions *ContractResolutions, height uint32,
	confCommitSet *CommitSet) ([]ContractResolver, error) {

	// Once we have the resolutions in hand, we'll build a map of the
	// confirmed HTLC's indexed by their outpoint on the commitment, so we
	// can supplement each spawned resolver with the HTLC it resolves.
	commitHash := contractResolutions.CommitHash
	htlcMap := make(map[wire.OutPoint]*channeldb.HTLC)
	if confCommitSet != nil {
		confKey := confCommitSet.ConfCommitKey.UnwrapOr(LocalHtlcSet)
		for _, htlc := range confCommitSet.HtlcSets[confKey] {
			htlc := htlc
			if htlc.OutputIndex < 0 {
				continue
			}

			outpoint := wire.OutPoint{
				Hash:  commitHash,
				Index: uint32(htlc.OutputIndex),
			}
			htlcMap[outpoint] = &htlc
		}
	}

	resolverCfg := ResolverConfig{
		ChannelArbitratorConfig: c.cfg,
		Checkpoint:              c.checkpointResolver,
	}

	var htlcResolvers []ContractResolver

	// For each incoming HTLC that we know the preimage of, we'll create a
	// success resolver which will claim the HTLC output, either directly
	// or via the second-level success transaction.
	incomingResolutions := contractResolutions.HtlcResolutions.IncomingHTLCs
	for _, htlcRes := range incomingResolutions {
		htlcRes := htlcRes
		resolver := newSuccessResolver(htlcRes, height, resolverCfg)
		if htlc, ok := htlcMap[resolver.HtlcPoint()]; ok {
			resolver.Supplement(*htlc)
		}
		htlcResolvers = append(htlcResolvers, resolver)
	}

	// Similarly, for each outgoing HTLC we'll create a timeout resolver
	// that will reclaim the output once its absolute timeout has passed.
	outgoingResolutions := contractResolutions.HtlcResolutions.OutgoingHTLCs
	for _, htlcRes := range outgoingResolutions {
		htlcRes := htlcRes
		resolver := newTimeoutResolver(htlcRes, height, resolverCfg)
		if htlc, ok := htlcMap[resolver.HtlcPoint()]; ok {
			resolver.Supplement(*htlc)
		}
		htlcResolvers = append(htlcResolvers, resolver)
	}

	// If this is was an unilateral closure, then we'll also need to
	// sweep our commitment output, but only after it has passed the
	// maturity period.
	if contractResolutions.CommitResolution != nil {
		resolver := newCommitSweepResolver(
			*contractResolutions.CommitResolution, height,
			c.cfg.ChanPoint, resolverCfg,
		)
		htlcResolvers = append(htlcResolvers, resolver)
	}

	return htlcResolvers, nil
}

// resolveContract is a goroutine tasked with fully resolving an unresolved
// contract. Either the initial contract will be resolved after a single step,
// or the contract will itself create another contract to be resolved. In
// either case, one the contract has been fully resolved, we'll signal back to
// the main goroutine so it can properly keep track of the set of unresolved
// contracts.
func (c *ChannelArbitrator) resolveContract(currentContract ContractResolver) {
	defer c.wg.Done()

	log.Debugf("ChannelArbitrator(%v): attempting to resolve %T",
		c.cfg.ChanPoint, currentContract)

	// Until the contract is fully resolved, we'll continue to iteratively
	// resolve the contract one step at a time.
	for !currentContract.IsResolved() {
		// If we've been signalled to quit, then we'll exit early.
		select {
		case <-c.quit:
			return
		default:
		}

		// Otherwise, we'll attempt to resolve the current contract.
		nextContract, err := currentContract.Resolve()
		if err != nil {
			if err == errResolverShuttingDown {
				return
			}

			log.Errorf("ChannelArbitrator(%v): unable to "+
				"progress %T: %v",
				c.cfg.ChanPoint, currentContract, err)
			return
		}

		switch {
		// If this contract produced another, then this means the
		// current contract was only able to be partially resolved in
		// this step. So we'll do a contract swap within our logs: the
		// new contract will take the place of the old one.
		case nextContract != nil:
			log.Debugf("ChannelArbitrator(%v): swapping "+
				"out contract %T for %T ",
				c.cfg.ChanPoint, currentContract, nextContract)

			// Swap contract in log.
			err := c.log.SwapContract(
				currentContract, nextContract,
			)
			if err != nil {
				log.Errorf("unable to add recurse "+
					"contract: %v", err)
			}

			// Swap contract in resolvers list. This is to avoid
			// shutting down a contract which is in the process of
			// being resolved.
			err = c.replaceResolver(
				currentContract, nextContract,
			)
			if err != nil {
				log.Errorf("unable to replace "+
					"contract: %v", err)
			}

			// As this contract produced another, we'll re-assign,
			// so we can continue our resolution loop.
			currentContract = nextContract

		// If this contract is actually fully resolved, then
		// we'll mark it as such within the database.
		case currentContract.IsResolved():
			log.Debugf("ChannelArbitrator(%v): marking "+
				"contract %T fully resolved",
				c.cfg.ChanPoint, currentContract)

			err := c.log.ResolveContract(currentContract)
			if err != nil {
				log.Errorf("unable to resolve contract: %v",
					err)
			}

			// Now that the contract has been resolved,
			// well signal to the main goroutine.
			select {
			case c.resolutionSignal <- struct{}{}:
			case <-c.quit:
				return
			}
		}
	}
}

// replaceResolver replaces a in the list of active resolvers. If the resolver
// to be replaced is not found, it returns an error.
func (c *ChannelArbitrator) replaceResolver(oldResolver,
	newResolver ContractResolver) error {

	c.activeResolversLock.Lock()
	defer c.activeResolversLock.Unlock()

	oldKey := oldResolver.ResolverKey()
	for i, r := range c.activeResolvers {
		if bytes.Equal(r.ResolverKey(), oldKey) {
			c.activeResolvers[i] = newResolver
			return nil
		}
	}

	return errors.New("resolver to replace not found")
}

// channelAttendant is the primary goroutine that acts at the judicial
// arbitrator between our channel state, the remote channel peer, and the
// blockchain (Our judge). This goroutine will ensure that we faithfully execute
// all clauses of our contract in the case that we need to go on-chain for a
// dispute. Currently, two such conditions warrant our intervention: when an
// outgoing HTLC is about to timeout, and when we know the pre-image for an
// incoming HTLC, but it hasn't yet been settled off-chain. In these cases,
// we'll: broadcast our commitment, cancel/settle any HTLC's backwards after
// sufficient confirmation, and finally send our set of outputs to the UTXO
// Nursery for incubation, and ultimate sweeping.
//
// NOTE: This MUST be run as a goroutine.
func (c *ChannelArbitrator) channelAttendant(bestHeight int32) {

	defer c.wg.Done()

	for {
		select {

		// A new block has arrived, we'll examine all the active HTLC's
		// to see if any of them have expired, and also update our
		// track of the best current height.
		case blockHeight, ok := <-c.blocks:
			if !ok {
				return
			}
			bestHeight = blockHeight

			// If we're not in the default state, then we can
			// ignore this signal as we're waiting for contract
			// resolution.
			if c.state != StateDefault {
				continue
			}

			// Now that a new block has arrived, we'll attempt to
			// advance our state forward.
			nextState, _, err := c.advanceState(
				uint32(bestHeight), chainTrigger, nil,
			)
			if err != nil {
				log.Errorf("unable to advance state: %v", err)
			}

			// If as a result of this trigger, the contract is
			// fully resolved, then well exit.
			if nextState == StateFullyResolved {
				return
			}

		// We've cooperatively closed the channel, so we're no longer
		// needed. We'll mark the channel as resolved and exit.
		case closeInfo := <-c.cfg.ChainEvents.CooperativeClosure:
			log.Infof("ChannelArbitrator(%v) marking channel "+
				"cooperatively closed at height %v",
				c.cfg.ChanPoint, closeInfo.CloseHeight)

			// We'll now advance our state machine until it reaches
			// a terminal state.
			_, _, err := c.advanceState(
				closeInfo.CloseHeight, coopCloseTrigger, nil,
			)
			if err != nil {
				log.Errorf("unable to advance state: %v", err)
			}
			return

		// We have broadcasted our commitment, and it is now confirmed
		// on-chain.
		case closeInfo := <-c.cfg.ChainEvents.LocalUnilateralClosure:
			log.Infof("ChannelArbitrator(%v): local on-chain "+
				"channel close", c.cfg.ChanPoint)

			if c.state != StateCommitmentBroadcasted {
				log.Errorf("ChannelArbitrator(%v): unexpected "+
					"local on-chain channel close",
					c.cfg.ChanPoint)
			}
			closeTx := closeInfo.CloseTx

			contractRes := &ContractResolutions{
				CommitHash:       closeTx.TxHash(),
				CommitResolution: closeInfo.CommitResolution,
				HtlcResolutions:  *closeInfo.HtlcResolutions,
			}

			// When processing a unilateral close event, we'll
			// transition to the ContractClosed state. We'll log
			// out the set of resolutions such that they are
			// available to fetch in that state, we'll also write
			// the commit set so we can reconstruct our chain
			// actions on restart.
			err := c.log.LogContractResolutions(contractRes)
			if err != nil {
				log.Errorf("unable to write resolutions: %v",
					err)
				return
			}
			err = c.log.InsertConfirmedCommitSet(
				&closeInfo.CommitSet,
			)
			if err != nil {
				log.Errorf("unable to write commit set: %v",
					err)
				return
			}

			// After the set of resolutions are successfully
			// logged, we can safely close the channel. After this
			// succeeds we won't be getting chain events anymore,
			// so we must make sure we can recover on restart after
			// it is marked closed. If the next state transition
			// fails, we'll start up in the prior state again, and
			// we won't be longer getting chain events. In this
			// case we must manually re-trigger the state
			// transition into StateContractClosed based on the
			// close status of the channel.
			closeHeight := uint32(closeInfo.SpendingHeight)
			_, _, err = c.advanceState(
				closeHeight, localCloseTrigger,
				&closeInfo.CommitSet,
			)
			if err != nil {
				log.Errorf("unable to advance state: %v", err)
			}

		// The remote party has broadcast the commitment on-chain.
		// We'll examine our state to determine if we need to act at
		// all.
		case uniClosure := <-c.cfg.ChainEvents.RemoteUnilateralClosure:
			log.Infof("ChannelArbitrator(%v): remote party has "+
				"closed channel out on-chain", c.cfg.ChanPoint)

			// If we don't have a self output, and there are no
			// active HTLC's, then we can immediately mark the
			// contract as fully resolved and exit.
			contractRes := &ContractResolutions{
				CommitHash:       *uniClosure.SpenderTxHash,
				CommitResolution: uniClosure.CommitResolution,
				HtlcResolutions:  *uniClosure.HtlcResolutions,
			}

			// When processing a unilateral close event, we'll
			// transition to the ContractClosed state. We'll log
			// out the set of resolutions such that they are
			// available to fetch in that state, we'll also write
			// the commit set so we can reconstruct our chain
			// actions on restart.
			err := c.log.LogContractResolutions(contractRes)
			if err != nil {
				log.Errorf("unable to write resolutions: %v",
					err)
				return
			}
			err = c.log.InsertConfirmedCommitSet(
				&uniClosure.CommitSet,
			)
			if err != nil {
				log.Errorf("unable to write commit set: %v",
					err)
				return
			}

			// We'll now advance our state machine until it reaches
			// a terminal state.
			closeHeight := uint32(uniClosure.SpendingHeight)
			_, _, err = c.advanceState(
				closeHeight, remoteCloseTrigger,
				&uniClosure.CommitSet,
			)
			if err != nil {
				log.Errorf("unable to advance state: %v", err)
			}

		// The remote has breached the channel. As this is handled by
		// the breach arbitrator, we don't have to do anything in
		// particular beyond advancing our state machine so the breach
		// resolver can track the justice transaction to completion.
		case breachInfo := <-c.cfg.ChainEvents.ContractBreach:
			log.Infof("ChannelArbitrator(%v): remote party has "+
				"breached channel at state %v!",
				c.cfg.ChanPoint, breachInfo.RevokedStateNum)

			contractRes := &ContractResolutions{
				CommitHash: breachInfo.BreachTransaction.TxHash(),
			}
			err := c.log.LogContractResolutions(contractRes)
			if err != nil {
				log.Errorf("unable to write resolutions: %v",
					err)
				return
			}

			_, _, err = c.advanceState(
				breachInfo.BreachHeight, breachCloseTrigger,
				nil,
			)
			if err != nil {
				log.Errorf("unable to advance state: %v", err)
			}

		// A new contract has just been resolved, we'll now check our
		// log to see if all contracts have been resolved. If so, then
		// we can exit as the contract is fully resolved.
		case <-c.resolutionSignal:
			log.Infof("ChannelArbitrator(%v): a contract has been "+
				"fully resolved!", c.cfg.ChanPoint)

			nextState, _, err := c.advanceState(
				uint32(bestHeight), chainTrigger, nil,
			)
			if err != nil {
				log.Errorf("unable to advance state: %v", err)
			}

			// If we don't have anything further to do after
			// this, then we'll exit.
			if nextState == StateFullyResolved {
				log.Infof("ChannelArbitrator(%v): all "+
					"contracts fully resolved, exiting",
					c.cfg.ChanPoint)

				return
			}

		// We've just received a request to forcibly close out the
		// channel. We'll
		case closeReq := <-c.forceCloseReqs:
			if c.state != StateDefault {
				select {
				case closeReq.closeTx <- nil:
				case <-c.quit:
				}

				select {
				case closeReq.errResp <- errAlreadyForceClosed:
				case <-c.quit:
				}

				continue
			}

			nextState, closeTx, err := c.advanceState(
				uint32(bestHeight), userTrigger, nil,
			)
			if err != nil {
				log.Errorf("unable to advance state: %v", err)
			}

			select {
			case closeReq.closeTx <- closeTx:
			case <-c.quit:
				return
			}

			select {
			case closeReq.errResp <- err:
			case <-c.quit:
				return
			}

			// If we don't have anything further to do after
			// this, then we'll exit.
			if nextState == StateFullyResolved {
				log.Infof("ChannelArbitrator(%v): all "+
					"contracts resolved, exiting",
					c.cfg.ChanPoint)
				return
			}

		case <-c.quit:
			return
		}
	}
}
