package chainntnfs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrChainNotifierShuttingDown is used when we are trying to
	// measure a spend notification when notifier is already stopped.
	ErrChainNotifierShuttingDown = errors.New("chain notifier shutting " +
		"down")
)

// NotifierOptions is a set of functional options that allow callers to
// further modify the type of chain event notifications they receive.
type NotifierOptions struct {
	// IncludeBlock if true, then the dispatched confirmation notification
	// will include the block that mined the transaction.
	IncludeBlock bool
}

// DefaultNotifierOptions returns the set of default options for the notifier.
func DefaultNotifierOptions() *NotifierOptions {
	return &NotifierOptions{}
}

// NotifierOption describes the signature of a functional option that can
// modify the behavior of how notifications are dispatched.
type NotifierOption func(*NotifierOptions)

// WithIncludeBlock is an optional argument that allows the caller to specify
// that the block that mined a transaction should be included in the response.
func WithIncludeBlock() NotifierOption {
	return func(o *NotifierOptions) {
		o.IncludeBlock = true
	}
}

// ChainNotifier represents a trusted source to receive notifications
// concerning targeted events on the Bitcoin blockchain. The interface
// specification is intentionally general in order to support a wide array of
// chain notification implementations such as: btcd's websockets
// notifications, Bitcoin Core's ZeroMQ notifications, various Bitcoin API
// services, Electrum servers, etc.
//
// Concrete implementations of ChainNotifier should be able to support
// multiple concurrent client requests, as well as multiple concurrent
// notification events.
type ChainNotifier interface {
	// RegisterConfirmationsNtfn registers an intent to be notified once
	// txid reaches numConfs confirmations. We also pass in the pkScript as
	// the default light client instead needs to match on scripts created
	// in the block. If a nil txid is passed in, then not only should we
	// match on the script, but we should also dispatch once the
	// transaction containing the script reaches numConfs confirmations.
	// This can be useful in instances where we only know the script in
	// advance, but not the transaction itself.
	//
	// The returned ConfirmationEvent should properly notify the client
	// once the specified number of confirmations has been reached for the
	// txid, as well as if the original tx gets re-org'd out of the
	// mainchain. The heightHint parameter is provided as a convenience to
	// light clients. It denotes the earliest height in the blockchain in
	// which the target txid _could_ have been included in the chain. This
	// can be used to bound the search space when checking to see if a
	// notification can immediately be dispatched due to historical data.
	RegisterConfirmationsNtfn(txid *chainhash.Hash, pkScript []byte,
		numConfs, heightHint uint32,
		opts ...NotifierOption) (*ConfirmationEvent, error)

	// RegisterSpendNtfn registers an intent to be notified once the target
	// outpoint is successfully spent within a transaction. The script that
	// the outpoint creates must also be specified. This allows this
	// interface to be implemented by BIP 158-like filtering. If a nil
	// outpoint is passed in, then not only should we match on the script,
	// but we should also dispatch once a transaction spends the output
	// containing said script. This can be useful in instances where we
	// only know the script in advance, but not the outpoint itself.
	//
	// The returned SpendEvent will receive a send on the 'Spend'
	// transaction once a transaction spending the input is detected on the
	// blockchain. The heightHint parameter is provided as a convenience to
	// light clients. It denotes the earliest height in the blockchain in
	// which the target output could have been spent.
	//
	// NOTE: The notification should only be triggered when the spending
	// transaction receives a single confirmation.
	RegisterSpendNtfn(outpoint *wire.OutPoint, pkScript []byte,
		heightHint uint32) (*SpendEvent, error)

	// RegisterBlockEpochNtfn registers an intent to be notified of each
	// new block connected to the tip of the main chain. The returned
	// BlockEpochEvent struct contains a channel which will be sent upon
	// for each new block discovered.
	//
	// Clients have the option of passing in their best known block. If
	// they specify a block, the ChainNotifier checks whether the client
	// is behind on blocks. If they are, the ChainNotifier sends a backlog
	// of block notifications for the missed blocks. If they do not
	// provide one, then a notification will be dispatched immediately for
	// the current tip of the chain upon a successful registration.
	RegisterBlockEpochNtfn(*BlockEpoch) (*BlockEpochEvent, error)

	// Start the ChainNotifier. Once started, the implementation should be
	// ready, and able to receive notification registrations from clients.
	Start() error

	// Started returns true if this instance has been started, and false
	// otherwise.
	Started() bool

	// Stops the concrete ChainNotifier. Once stopped, the ChainNotifier
	// should disallow any future requests from potential clients.
	// Additionally, all pending client notifications will be canceled
	// by closing the related channels on the *Event's.
	Stop() error
}

// TxConfirmation carries some additional block-level details of the exact
// block that specified transactions was confirmed within.
type TxConfirmation struct {
	// BlockHash is the hash of the block that confirmed the original
	// transition.
	BlockHash *chainhash.Hash

	// BlockHeight is the height of the block in which the transaction was
	// confirmed within.
	BlockHeight uint32

	// TxIndex is the index within the block of the ultimate confirmed
	// transaction.
	TxIndex uint32

	// Tx is the transaction for which the notification was requested for.
	Tx *wire.MsgTx

	// Block is the block that contains the transaction referenced above.
	//
	// NOTE: This is only specified if the confirmation request opts to
	// have the response include the block itself.
	Block *wire.MsgBlock
}

// ConfirmationEvent encapsulates a confirmation notification. With this
// struct, callers can be notified of: the instance the target txid reaches
// the targeted number of confirmations, how many confirmations are left for
// the target txid to be fully confirmed at every new block height, and also
// in the event that the original txid becomes disconnected from the
// blockchain as a result of a re-org.
//
// Once the txid reaches the specified number of confirmations, the
// 'Confirmed' channel will be sent upon fulfilling the notification.
//
// If the event that the original transaction becomes re-org'd out of the
// main chain, the 'NegativeConf' will be sent upon with a value representing
// the depth of the re-org.
//
// NOTE: If the caller wishes to cancel their registered confirmation
// notification, the Cancel closure MUST be called.
type ConfirmationEvent struct {
	// Confirmed is a channel that will be sent upon once the transaction
	// has been fully confirmed. The struct sent will contain all the
	// details of the channel's confirmation.
	//
	// NOTE: This channel must be buffered.
	Confirmed chan *TxConfirmation

	// Updates is a channel that will sent upon, at every incremental
	// confirmation, how many confirmations are left to declare the
	// transaction as fully confirmed.
	//
	// NOTE: This channel must be buffered with the number of required
	// confirmations.
	Updates chan uint32

	// NegativeConf is a channel that will be sent upon if the transaction
	// confirms, but is later reorged out of the chain. The integer sent
	// through the channel represents the reorg depth.
	//
	// NOTE: This channel must be buffered.
	NegativeConf chan int32

	// Done is a channel that gets sent upon once the confirmation request
	// is no longer under the risk of being reorged out of the chain.
	//
	// NOTE: This channel must be buffered.
	Done chan struct{}

	// Cancel is a closure that should be executed by the caller in the
	// case that they wish to prematurely abandon their registered
	// confirmation notification.
	Cancel func()
}

// NewConfirmationEvent constructs a new ConfirmationEvent with newly opened
// channels.
func NewConfirmationEvent(numConfs uint32, cancel func()) *ConfirmationEvent {
	return &ConfirmationEvent{
		Confirmed:    make(chan *TxConfirmation, 1),
		Updates:      make(chan uint32, numConfs),
		NegativeConf: make(chan int32, 1),
		Done:         make(chan struct{}, 1),
		Cancel:       cancel,
	}
}

// SpendDetail contains details pertaining to a spent output. This struct
// itself is the spentness notification. It includes the original outpoint
// which triggered the notification, the hash of the transaction spending the
// output, the spending transaction itself, and finally the input index which
// spent the target output.
type SpendDetail struct {
	SpentOutPoint     *wire.OutPoint
	SpenderTxHash     *chainhash.Hash
	SpendingTx        *wire.MsgTx
	SpenderInputIndex uint32
	SpendingHeight    int32
}

// String returns a string representation of SpendDetail.
func (s *SpendDetail) String() string {
	return fmt.Sprintf("%v[%d] spending %v at height=%v", s.SpenderTxHash,
		s.SpenderInputIndex, s.SpentOutPoint, s.SpendingHeight)
}

// SpendEvent encapsulates a spentness notification. Its only field 'Spend'
// will be sent upon once the target output passed into RegisterSpendNtfn has
// been spent on the blockchain.
//
// NOTE: If the caller wishes to cancel their registered spend notification,
// the Cancel closure MUST be called.
type SpendEvent struct {
	// Spend is a receive only channel which will be sent upon once the
	// target outpoint has been spent.
	//
	// NOTE: This channel must be buffered.
	Spend chan *SpendDetail

	// Reorg is a channel that will be sent upon once we detect the
	// spending transaction of the outpoint in question has been reorged
	// out of the chain.
	//
	// NOTE: This channel must be buffered.
	Reorg chan struct{}

	// Done is a channel that gets sent upon once the spend request is no
	// longer under the risk of being reorged out of the chain.
	//
	// NOTE: This channel must be buffered.
	Done chan struct{}

	// Cancel is a closure that should be executed by the caller in the
	// case that they wish to prematurely abandon their registered spend
	// notification.
	Cancel func()
}

// NewSpendEvent constructs a new SpendEvent with newly opened channels.
func NewSpendEvent(cancel func()) *SpendEvent {
	return &SpendEvent{
		Spend:  make(chan *SpendDetail, 1),
		Reorg:  make(chan struct{}, 1),
		Done:   make(chan struct{}, 1),
		Cancel: cancel,
	}
}

// BlockEpoch represents metadata concerning each new block connected to the
// main chain.
type BlockEpoch struct {
	// Hash is the block hash of the latest block to be added to the tip
	// of the main chain.
	Hash *chainhash.Hash

	// Height is the height of the latest block to be added to the tip of
	// the main chain.
	Height int32

	// BlockHeader is the block header of this new height.
	BlockHeader *wire.BlockHeader
}

// BlockEpochEvent encapsulates an on-going stream of block epoch
// notifications. Its only field 'Epochs' will be sent upon for each new
// block connected to the main-chain.
//
// NOTE: If the caller wishes to cancel their registered block epoch
// notification, the Cancel closure MUST be called.
type BlockEpochEvent struct {
	// Epochs is a receive only channel that will be sent upon each time a
	// new block is connected to the end of the main chain.
	//
	// NOTE: This channel must be buffered.
	Epochs <-chan *BlockEpoch

	// Cancel is a closure that should be executed by the caller in the
	// case that they wish to abandon their registered block epochs
	// notification.
	Cancel func()
}

// BestBlockTracker is a tiny subsystem that tracks the blockchain tip by
// subscribing to a block epoch stream. It caches the most recently seen
// epoch so other subsystems can synchronously query the tip.
type BestBlockTracker struct {
	started sync.Once
	stopped sync.Once

	notifier  ChainNotifier
	blockNtfn *BlockEpochEvent

	mu         sync.RWMutex
	currentTip *BlockEpoch

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBestBlockTracker returns a new BestBlockTracker instance. Start must be
// called before the tip can be queried.
func NewBestBlockTracker(chainNotifier ChainNotifier) *BestBlockTracker {
	return &BestBlockTracker{
		notifier: chainNotifier,
		quit:     make(chan struct{}),
	}
}

// BestHeight returns the height of the best known block epoch.
func (t *BestBlockTracker) BestHeight() (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.currentTip == nil {
		return 0, errors.New("best block height not yet known")
	}

	return uint32(t.currentTip.Height), nil
}

// BestBlockHash returns the hash of the best known block epoch.
func (t *BestBlockTracker) BestBlockHash() (*chainhash.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.currentTip == nil {
		return nil, errors.New("best block hash not yet known")
	}

	return t.currentTip.Hash, nil
}

// updateLoop consumes new block epochs until the quit signal.
func (t *BestBlockTracker) updateLoop() {
	defer t.wg.Done()
	for {
		select {
		case epoch, ok := <-t.blockNtfn.Epochs:
			if !ok {
				Log.Errorf("block epoch stream has been " +
					"closed, stopping BestBlockTracker")
				return
			}
			t.mu.Lock()
			t.currentTip = epoch
			t.mu.Unlock()

		case <-t.quit:
			return
		}
	}
}

// Start gets the BestBlockTracker subscribed to the block epoch stream and
// begins processing new epochs.
func (t *BestBlockTracker) Start() error {
	var startErr error
	t.started.Do(func() {
		t.blockNtfn, startErr = t.notifier.RegisterBlockEpochNtfn(nil)
		if startErr != nil {
			return
		}

		t.wg.Add(1)
		go t.updateLoop()
	})

	return startErr
}

// Stop ends the epoch stream subscription and ends the processing of new
// epochs.
func (t *BestBlockTracker) Stop() error {
	t.stopped.Do(func() {
		t.blockNtfn.Cancel()
		close(t.quit)
		t.wg.Wait()

		t.mu.Lock()
		t.currentTip = nil
		t.mu.Unlock()
	})

	return nil
}
