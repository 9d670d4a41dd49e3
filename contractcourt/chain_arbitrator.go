package contractcourt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"

	"github.com/AreaLayer/rust-lightning/chainntnfs"
	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet"
	"github.com/AreaLayer/rust-lightning/lnwallet/chainfee"
)

// ErrChainArbExiting signals that the chain arbitrator is shutting down.
var ErrChainArbExiting = errors.New("ChainArbitrator exiting")

// ChainArbitratorConfig is a configuration struct that contains all the
// function closures and interface that required to arbitrate on-chain
// contracts for a particular chain.
type ChainArbitratorConfig struct {
	// ChainHash is the chain that this arbitrator is to operate within.
	ChainHash chainhash.Hash

	// IncomingBroadcastDelta is the delta that we'll use to decide when to
	// broadcast our commitment transaction if we have incoming htlcs. This
	// value should be set based on our current fee estimation of the
	// commitment transaction. We use this to determine when we should
	// broadcast instead of the just the HTLC timeout, as we want to ensure
	// that the commitment transaction is already confirmed, by the time the
	// HTLC expires. Otherwise we may end up not settling the htlc on-chain
	// because the other party managed to time it out.
	IncomingBroadcastDelta uint32

	// OutgoingBroadcastDelta is the delta that we'll use to decide when to
	// broadcast our commitment transaction if there are outgoing htlcs.
	// This value should be set based on our current fee estimation of the
	// commitment transaction. We use this to determine when we should
	// broadcast instead of the just the HTLC timeout, as we want to ensure
	// that the commitment transaction is already confirmed, by the time the
	// HTLC expires. Otherwise we may end up not timing out the htlc,
	// causing the channel to be force closed by the other party.
	OutgoingBroadcastDelta uint32

	// NewSweepAddr is a function that returns a new address under control
	// by the wallet. We'll use this to sweep any no-delay outputs as a
	// result of unilateral channel closes.
	NewSweepAddr func() ([]byte, error)

	// PublishTx reliably broadcasts a transaction to the network. Once
	// this function exits without an error, then they transaction MUST
	// continually be rebroadcast if needed.
	PublishTx func(*wire.MsgTx) error

	// ContractBreach is a function closure that the ChainArbitrator will
	// use to notify the breach arbitrator about a contract breach. It
	// should only return a non-nil error when the handoff has been
	// reliably committed, as only then it is safe to mark the channel as
	// pending closed.
	ContractBreach func(wire.OutPoint, *lnwallet.BreachRetribution) error

	// Signer is a signer backed by the active lnd node. This should be
	// capable of producing a signature as specified by a valid
	// SignDescriptor.
	Signer input.Signer

	// FeeEstimator will be used to return fee estimates.
	FeeEstimator chainfee.Estimator

	// Notifier is an instance of a chain notifier that we'll use to watch
	// for signals of channel closure.
	Notifier chainntnfs.ChainNotifier

	// Sweeper allows resolvers to sweep their final outputs.
	Sweeper UtxoSweeper

	// PreimageDB is a global store of all known pre-images. We'll use this
	// to decide if we should broadcast a commitment transaction to claim
	// an HTLC on-chain.
	PreimageDB WitnessBeacon

	// SubscribeBreachComplete is to be called by the breachResolver
	// instead of checking the database directly for breach completion.
	// The breach arbitrator will close the passed channel once the breach
	// resolution process is complete, or return true if the process is
	// already done.
	SubscribeBreachComplete func(op *wire.OutPoint, c chan struct{}) (
		bool, error)

	// Clock is the source of the current time. It is mocked out in tests
	// so time-dependent behavior can be exercised deterministically.
	Clock clock.Clock
}

// ChainArbitrator is a sub-system that oversees the on-chain resolution of
// all active, and channel that are in the "pending close" state. Within the
// contractcourt package, the ChainArbitrator manages a set of active
// ContractArbitrators. Each ContractArbitrators is responsible for watching
// the chain for any activity that affects the state of the channel, and also
// for monitoring each contract in order to determine if any on-chain activity
// is required. Outside sub-systems interact with the ChainArbitrator in order
// to forcibly exit a contract, update the set of live signals for each
// contract, and to receive reports on the state of contract resolution.
type ChainArbitrator struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	sync.Mutex

	// activeChannels is a map of all the active contracts that are still
	// open, and not fully resolved.
	activeChannels map[wire.OutPoint]*ChannelArbitrator

	// activeWatchers is a map of all the active chainWatchers for channels
	// that are still considered open.
	activeWatchers map[wire.OutPoint]*chainWatcher

	// monitorLogs maps each channel to its durable monitor update log. A
	// log is archived once its channel has been fully resolved.
	monitorLogs map[wire.OutPoint]*channeldb.MonitorLog

	// cfg is the config struct for the arbitrator that contains all
	// methods and interface it needs to operate.
	cfg ChainArbitratorConfig

	// chanSource will be used to fetch the set of active channels, and
	// also the set of channels that are pending close.
	chanSource *channeldb.DB

	// blockQueue buffers incoming block epochs so that a slow channel
	// arbitrator never causes the chain notifier's event stream to back
	// up.
	blockQueue *queue.ConcurrentQueue

	// blockEpochs is the active subscription to new block notifications.
	blockEpochs *chainntnfs.BlockEpochEvent

	// bestHeight is the last block height dispatched to the set of active
	// channel arbitrators. Protected by the main mutex.
	bestHeight int32

	quit chan struct{}

	wg sync.WaitGroup
}

// NewChainArbitrator returns a new instance of the ChainArbitrator using the
// passed config struct, and the passed database instance.
func NewChainArbitrator(cfg ChainArbitratorConfig,
	db *channeldb.DB) *ChainArbitrator {

	return &ChainArbitrator{
		cfg:            cfg,
		activeChannels: make(map[wire.OutPoint]*ChannelArbitrator),
		activeWatchers: make(map[wire.OutPoint]*chainWatcher),
		monitorLogs:    make(map[wire.OutPoint]*channeldb.MonitorLog),
		chanSource:     db,
		blockQueue:     queue.NewConcurrentQueue(arbitratorBlockBufferSize),
		quit:           make(chan struct{}),
	}
}

// newActiveChannelArbitrator creates a new instance of an active channel
// arbitrator given the state of the target channel.
func newActiveChannelArbitrator(channel *channeldb.OpenChannel,
	c *ChainArbitrator, chanEvents *ChainEventSubscription) (
	*ChannelArbitrator, error) {

	chanPoint := channel.FundingOutpoint

	log.Tracef("Creating ChannelArbitrator for ChannelPoint(%v)",
		chanPoint)

	// We'll start by registering for a block epoch notifications so this
	// channel can keep track of the current state of the main chain.
	arbCfg := ChannelArbitratorConfig{
		ChanPoint:   chanPoint,
		ShortChanID: channel.ShortChannelID,
		ChainEvents: chanEvents,
		ForceCloseChan: func() (*lnwallet.LocalForceCloseSummary,
			error) {

			// With the channels fetched, attempt to locate the
			// target channel according to its channel point.
			chanMachine, err := lnwallet.NewLightningChannel(
				c.cfg.Signer, channel, nil,
			)
			if err != nil {
				return nil, err
			}

			return chanMachine.ForceClose()
		},
		MarkCommitmentBroadcasted: channel.MarkCommitmentBroadcasted,
		MarkChannelResolved: func() error {
			return c.ResolveContract(chanPoint)
		},
		ChainArbitratorConfig: c.cfg,
	}

	// The final component needed is an arbitrator log that the arbitrator
	// will use to keep track of its internal state using a backed
	// persistent log.
	chanLog, err := newBoltArbitratorLog(
		c.chanSource.Backend, arbCfg, c.cfg.ChainHash, chanPoint,
	)
	if err != nil {
		return nil, err
	}

	// Finally, we'll need to construct a series of htlc Sets based on all
	// currently known valid commitments.
	htlcSets := make(map[HtlcSetKey]htlcSet)
	htlcSets[LocalHtlcSet] = newHtlcSet(channel.LocalCommitment.Htlcs)
	htlcSets[RemoteHtlcSet] = newHtlcSet(channel.RemoteCommitment.Htlcs)

	pendingRemoteCommitment, err := channel.RemoteCommitChainTip()
	if err != nil && err != channeldb.ErrNoPendingCommit {
		return nil, err
	}
	if pendingRemoteCommitment != nil {
		htlcSets[RemotePendingHtlcSet] = newHtlcSet(
			pendingRemoteCommitment.Commitment.Htlcs,
		)
	}

	return NewChannelArbitrator(arbCfg, htlcSets, chanLog), nil
}

// ResolveContract marks a contract as fully resolved within the database.
// This is only to be done once all contracts which were live on the channel
// before hitting the chain have been resolved.
func (c *ChainArbitrator) ResolveContract(chanPoint wire.OutPoint) error {
	log.Infof("Marking ChannelPoint(%v) fully resolved", chanPoint)

	// First, we'll mark the channel as fully closed from the PoV of the
	// channel source.
	err := c.chanSource.MarkChanFullyClosed(&chanPoint)
	if err != nil {
		log.Errorf("ChainArbitrator: unable to mark ChannelPoint(%v) "+
			"fully closed: %v", chanPoint, err)
		return err
	}

	// With the channel fully closed, the monitor update log served its
	// purpose, so we'll move its records into the archive namespace.
	c.Lock()
	monitorLog := c.monitorLogs[chanPoint]
	delete(c.monitorLogs, chanPoint)
	c.Unlock()

	if monitorLog != nil {
		monitorLog.WaitForShutdown()
		if err := monitorLog.Archive(); err != nil {
			log.Errorf("ChainArbitrator: unable to archive "+
				"monitor log for ChannelPoint(%v): %v",
				chanPoint, err)
			return err
		}
	}

	// Now that the channel has been marked as fully closed, we'll stop
	// both the channel arbitrator and chain watcher for this channel if
	// they're still active.
	var arbLog ArbitratorLog
	c.Lock()
	chainArb := c.activeChannels[chanPoint]
	delete(c.activeChannels, chanPoint)

	chainWatcher := c.activeWatchers[chanPoint]
	delete(c.activeWatchers, chanPoint)
	c.Unlock()

	if chainArb != nil {
		arbLog = chainArb.log

		if err := chainArb.Stop(); err != nil {
			log.Warnf("unable to stop ChannelArbitrator(%v): %v",
				chanPoint, err)
		}
	}
	if chainWatcher != nil {
		if err := chainWatcher.Stop(); err != nil {
			log.Warnf("unable to stop ChainWatcher(%v): %v",
				chanPoint, err)
		}
	}

	// Once this has been marked as resolved, we'll wipe the log that the
	// channel arbitrator was using to store its persistent state. We do
	// this after marking the channel resolved, as otherwise, the
	// arbitrator would be re-created, and think it was starting from the
	// default state.
	if arbLog != nil {
		if err := arbLog.WipeHistory(); err != nil {
			return err
		}
	}

	return nil
}

// Start launches all goroutines that the ChainArbitrator needs to operate.
func (c *ChainArbitrator) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	log.Tracef("Starting ChainArbitrator")

	// First, we'll fetch all the channels that are still open, in order to
	// collect them within our set of active contracts.
	openChannels, err := c.chanSource.FetchAllOpenChannels()
	if err != nil && err != channeldb.ErrNoActiveChannels {
		return err
	}

	if len(openChannels) > 0 {
		log.Infof("Creating ChannelArbitrators for %v active channels",
			len(openChannels))
	}

	// For each open channel, we'll configure then launch a corresponding
	// ChannelArbitrator.
	for _, channel := range openChannels {
		chanPoint := channel.FundingOutpoint
		channel := channel

		// The monitor log records every chain fact and preimage for
		// the channel, so it's opened before any watcher can observe
		// a spend.
		monitorLog, err := channeldb.NewMonitorLog(
			c.chanSource, chanPoint,
		)
		if err != nil {
			return err
		}
		c.monitorLogs[chanPoint] = monitorLog

		// First, we'll create an active chainWatcher for this channel
		// to ensure that we detect any relevant on chain events.
		chainWatcher, err := newChainWatcher(
			chainWatcherConfig{
				chanState: channel,
				notifier:  c.cfg.Notifier,
				signer:    c.cfg.Signer,
				contractBreach: func(
					retInfo *lnwallet.BreachRetribution) error {

					return c.cfg.ContractBreach(
						chanPoint, retInfo,
					)
				},
				recordChainFact: func(
					spend *chainntnfs.SpendDetail) error {

					return recordChainSpend(
						monitorLog, spend,
					)
				},
				extractStateNumHint: lnwallet.GetStateNumHint,
			},
		)
		if err != nil {
			return err
		}

		c.activeWatchers[chanPoint] = chainWatcher
		channelArb, err := newActiveChannelArbitrator(
			channel, c, chainWatcher.SubscribeChannelEvents(),
		)
		if err != nil {
			return err
		}

		c.activeChannels[chanPoint] = channelArb
	}

	// In addition to the channels that we know to be open, we'll also
	// launch arbitrators to finish the resolution process for any channels
	// that are in the pending close state.
	closingChannels, err := c.chanSource.FetchClosedChannels(true)
	if err != nil {
		return err
	}

	if len(closingChannels) > 0 {
		log.Infof("Creating ChannelArbitrators for %v closing channels",
			len(closingChannels))
	}

	// Next, for each channel is the closing state, we'll launch a
	// corresponding more restricted resolver, as we don't have to watch
	// the chain any longer, only resolve the contracts on the confirmed
	// commitment.
	for _, closeChanInfo := range closingChannels {
		// We can leave off the ShortChanID and ChainEvents fields as
		// we don't need any chain events for a channel that's already
		// in the process of being fully resolved.
		chanPoint := closeChanInfo.ChanPoint
		arbCfg := ChannelArbitratorConfig{
			ChanPoint:             chanPoint,
			ShortChanID:           closeChanInfo.ShortChanID,
			ChainArbitratorConfig: c.cfg,
			ChainEvents:           &ChainEventSubscription{},
			IsPendingClose:        true,
			ClosingHeight:         closeChanInfo.CloseHeight,
			CloseType:             closeChanInfo.CloseType,
			MarkChannelResolved: func() error {
				return c.ResolveContract(chanPoint)
			},
		}

		// The monitor log is still live at this point, as its records
		// are only archived once every contract has been resolved.
		monitorLog, err := channeldb.NewMonitorLog(
			c.chanSource, chanPoint,
		)
		if err != nil {
			return err
		}
		c.monitorLogs[chanPoint] = monitorLog

		chanLog, err := newBoltArbitratorLog(
			c.chanSource.Backend, arbCfg, c.cfg.ChainHash,
			chanPoint,
		)
		if err != nil {
			return err
		}

		// We create an empty map of HTLC's here since it's possible
		// that the channel is in StateDefault and updateActiveHTLCs is
		// called. We want to avoid writing to an empty map. Since the
		// channel is already in the process of being resolved, no new
		// HTLCs will be added.
		c.activeChannels[chanPoint] = NewChannelArbitrator(
			arbCfg, make(map[HtlcSetKey]htlcSet), chanLog,
		)
	}

	// Launch all the goroutines for each watcher so they can carry out
	// their duties.
	for _, watcher := range c.activeWatchers {
		if err := watcher.Start(); err != nil {
			return err
		}
	}

	// Before we start the arbitrators, we need to know the current best
	// block height. We'll receive it from our block epoch stream, which
	// delivers the current tip immediately upon registration.
	c.blockEpochs, err = c.cfg.Notifier.RegisterBlockEpochNtfn(nil)
	if err != nil {
		return err
	}

	var bestHeight int32
	select {
	case epoch, ok := <-c.blockEpochs.Epochs:
		if !ok {
			return ErrChainArbExiting
		}
		bestHeight = epoch.Height

	case <-c.quit:
		return ErrChainArbExiting
	}

	c.bestHeight = bestHeight

	for _, arbitrator := range c.activeChannels {
		if err := arbitrator.Start(bestHeight); err != nil {
			return err
		}
	}

	// Start our contract signals, catching up on any blocks we may have
	// missed while starting the arbitrators.
	c.blockQueue.Start()

	c.wg.Add(2)
	go c.collectBlocks()
	go c.dispatchBlocks()

	return nil
}

// recordChainSpend durably notes a confirmed spend of a channel's funding
// output in its monitor log, before any close dispatch takes place.
func recordChainSpend(monitorLog *channeldb.MonitorLog,
	spend *chainntnfs.SpendDetail) error {

	_, err := monitorLog.Append(&channeldb.MonitorUpdateRecord{
		UpdateID:    monitorLog.LastAppliedID() + 1,
		SpendTxid:   spend.SpenderTxHash,
		SpendHeight: uint32(spend.SpendingHeight),
	})
	return err
}

// collectBlocks consumes the raw block epoch stream and shovels new heights
// into the buffering queue, ensuring the notifier is never blocked on a slow
// consumer.
func (c *ChainArbitrator) collectBlocks() {
	defer c.wg.Done()

	for {
		select {
		case blockEpoch, ok := <-c.blockEpochs.Epochs:
			if !ok {
				return
			}

			select {
			case c.blockQueue.ChanIn() <- blockEpoch.Height:
			case <-c.quit:
				return
			}

		case <-c.quit:
			return
		}
	}
}

// dispatchBlocks takes the buffered block heights and dispatches them to the
// set of active channel arbitrators.
//
// NOTE: This MUST be run as a goroutine.
func (c *ChainArbitrator) dispatchBlocks() {
	defer c.wg.Done()

	for {
		select {
		case blockHeight, ok := <-c.blockQueue.ChanOut():
			if !ok {
				return
			}

			height, ok := blockHeight.(int32)
			if !ok {
				continue
			}

			// Send this block to each of the channel arbitrators.
			// The arbitrator's block channel is buffered, but we
			// still guard the send with our quit channel so
			// shutdown is never delayed by a wedged arbitrator.
			c.Lock()
			c.bestHeight = height
			for _, arb := range c.activeChannels {
				select {
				case arb.blocks <- height:
				case <-c.quit:
					c.Unlock()
					return
				}
			}
			c.Unlock()

		case <-c.quit:
			return
		}
	}
}

// Stop signals the ChainArbitrator to trigger a graceful shutdown of all
// active channel arbitrators and chain watchers.
func (c *ChainArbitrator) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	log.Info("ChainArbitrator shutting down")

	close(c.quit)

	var (
		activeWatchers = make(map[wire.OutPoint]*chainWatcher)
		activeChannels = make(map[wire.OutPoint]*ChannelArbitrator)
		activeMonitor  = make(map[wire.OutPoint]*channeldb.MonitorLog)
	)

	// Copy the current set of active watchers and arbitrators to shutdown.
	// We don't want to hold the lock when shutting down each watcher or
	// arbitrator individually, as they may need to acquire this mutex.
	c.Lock()
	for chanPoint, watcher := range c.activeWatchers {
		activeWatchers[chanPoint] = watcher
	}
	for chanPoint, arbitrator := range c.activeChannels {
		activeChannels[chanPoint] = arbitrator
	}
	for chanPoint, monitorLog := range c.monitorLogs {
		activeMonitor[chanPoint] = monitorLog
	}
	c.Unlock()

	for chanPoint, watcher := range activeWatchers {
		log.Tracef("Attempting to stop ChainWatcher(%v)", chanPoint)

		if err := watcher.Stop(); err != nil {
			log.Errorf("unable to stop watcher for "+
				"ChannelPoint(%v): %v", chanPoint, err)
		}
	}
	for chanPoint, arbitrator := range activeChannels {
		log.Tracef("Attempting to stop ChannelArbitrator(%v)",
			chanPoint)

		if err := arbitrator.Stop(); err != nil {
			log.Errorf("unable to stop arbitrator for "+
				"ChannelPoint(%v): %v", chanPoint, err)
		}
	}

	// Any monitor writes still in flight are flushed before shutdown, so
	// no durability notification is lost.
	for _, monitorLog := range activeMonitor {
		monitorLog.WaitForShutdown()
	}

	if c.blockEpochs != nil {
		c.blockEpochs.Cancel()
	}
	c.blockQueue.Stop()

	c.wg.Wait()

	return nil
}

// ForceCloseContract attempts to force close the channel infield by the
// passed channel point. A force close will immediately terminate the contract,
// causing it to enter the resolution phase. If the force close was successful,
// then the force close transaction itself will be returned.
func (c *ChainArbitrator) ForceCloseContract(chanPoint wire.OutPoint) (
	*wire.MsgTx, error) {

	c.Lock()
	arb, ok := c.activeChannels[chanPoint]
	c.Unlock()

	if !ok {
		return nil, fmt.Errorf("unable to find arbitrator")
	}

	log.Infof("Attempting to force close ChannelPoint(%v)", chanPoint)

	return arb.ForceClose()
}

// WatchNewChannel sends the ChainArbitrator a message to create a
// ChannelArbitrator tasked with watching over a new channel. Once a new
// channel has finished its final funding flow, it should be registered with
// the ChainArbitrator so we can properly react to any on-chain events.
func (c *ChainArbitrator) WatchNewChannel(newChan *channeldb.OpenChannel) error {
	c.Lock()
	defer c.Unlock()

	chanPoint := newChan.FundingOutpoint

	log.Infof("Creating new ChannelArbitrator for ChannelPoint(%v)",
		chanPoint)

	// If we're already watching this channel, then we'll ignore this
	// request.
	if _, ok := c.activeChannels[chanPoint]; ok {
		return fmt.Errorf("ChannelPoint(%v) is already being watched",
			chanPoint)
	}

	monitorLog, err := channeldb.NewMonitorLog(c.chanSource, chanPoint)
	if err != nil {
		return err
	}
	c.monitorLogs[chanPoint] = monitorLog

	// First, also create an active chainWatcher for this channel to ensure
	// that we detect any relevant on chain events.
	chainWatcher, err := newChainWatcher(
		chainWatcherConfig{
			chanState: newChan,
			notifier:  c.cfg.Notifier,
			signer:    c.cfg.Signer,
			contractBreach: func(
				retInfo *lnwallet.BreachRetribution) error {

				return c.cfg.ContractBreach(chanPoint, retInfo)
			},
			recordChainFact: func(
				spend *chainntnfs.SpendDetail) error {

				return recordChainSpend(monitorLog, spend)
			},
			extractStateNumHint: lnwallet.GetStateNumHint,
		},
	)
	if err != nil {
		return err
	}

	c.activeWatchers[chanPoint] = chainWatcher

	// We'll also create a new channel arbitrator instance using this new
	// channel, and our internal state.
	channelArb, err := newActiveChannelArbitrator(
		newChan, c, chainWatcher.SubscribeChannelEvents(),
	)
	if err != nil {
		return err
	}

	// With the arbitrator created, we'll add it to our set of active
	// arbitrators, then launch it.
	c.activeChannels[chanPoint] = channelArb

	if err := channelArb.Start(c.bestHeight); err != nil {
		return err
	}

	return chainWatcher.Start()
}

// SubscribeChannelEvents returns a new active subscription for the set of
// possible on-chain events for a particular channel. The struct can be used
// by callers to be notified whenever an event that changes the state of the
// channel on-chain occurs.
func (c *ChainArbitrator) SubscribeChannelEvents(
	chanPoint wire.OutPoint) (*ChainEventSubscription, error) {

	// First, we'll attempt to look up the active watcher for this channel.
	// If we can't find it, then we'll return an error back to the caller.
	c.Lock()
	watcher, ok := c.activeWatchers[chanPoint]
	c.Unlock()

	if !ok {
		return nil, fmt.Errorf("unable to find watcher for: %v",
			chanPoint)
	}

	// With the watcher located, we'll request for it to create a new chain
	// event subscription client.
	return watcher.SubscribeChannelEvents(), nil
}

// MonitorLog returns the durable monitor update log for the passed channel,
// if the channel is being watched by the arbitrator.
func (c *ChainArbitrator) MonitorLog(
	chanPoint wire.OutPoint) (*channeldb.MonitorLog, error) {

	c.Lock()
	monitorLog, ok := c.monitorLogs[chanPoint]
	c.Unlock()

	if !ok {
		return nil, fmt.Errorf("unable to find monitor log for: %v",
			chanPoint)
	}

	return monitorLog, nil
}

// Report returns the in-progress resolution reports of every channel
// currently in the resolution phase.
func (c *ChainArbitrator) Report() []*ContractReport {
	c.Lock()
	arbitrators := make([]*ChannelArbitrator, 0, len(c.activeChannels))
	for _, arbitrator := range c.activeChannels {
		arbitrators = append(arbitrators, arbitrator)
	}
	c.Unlock()

	var reports []*ContractReport
	for _, arbitrator := range arbitrators {
		reports = append(reports, arbitrator.Report()...)
	}

	return reports
}
