package contractcourt

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet/chainfee"
	"github.com/AreaLayer/rust-lightning/sweep"
)

// WitnessSubscription represents an intent to be notified once new witnesses
// are discovered by various active contract resolvers. A contract resolver
// may use this to be notified of when it can satisfy an incoming contract
// after we discover the witness for an outgoing contract.
type WitnessSubscription struct {
	// WitnessUpdates is a channel that newly discovered witnesses will be
	// sent over.
	WitnessUpdates <-chan [32]byte

	// CancelSubscription is a function closure that should be used by a
	// client to cancel the subscription once they are no longer interested
	// in receiving new updates.
	CancelSubscription func()
}

// WitnessBeacon is a global beacon of witnesses. Contract resolvers will use
// this interface to lookup witnesses (preimages typically) of contracts
// they're trying to resolve, add new preimages they learn of the network, and
// also subscribe to new updates.
type WitnessBeacon interface {
	// SubscribeUpdates returns a channel that will be sent upon *each*
	// time a new preimage is discovered.
	SubscribeUpdates() (*WitnessSubscription, error)

	// LookupPreimage attempts to lookup a preimage in the global cache.
	// True is returned for the second argument if the preimage is found.
	LookupPreimage(payhash [32]byte) ([32]byte, bool)

	// AddPreimages adds a batch of newly discovered preimages to the
	// global cache, and also signals any subscribers of the newly found
	// witness.
	AddPreimages(preimages ...[32]byte) error
}

// UtxoSweeper defines the sweep functions that contract court requires.
type UtxoSweeper interface {
	// SweepInput sweeps an input back to the wallet. The returned result
	// channel will signal when the input has been fully swept, or when
	// sweeping failed terminally.
	SweepInput(inp input.Input, params sweep.Params) (chan sweep.Result,
		error)

	// CreateSweepTx accepts a list of inputs and signs and generates a
	// txn that spends from them. This method also makes an accurate fee
	// estimate before generating the required witnesses.
	CreateSweepTx(inputs []input.Input, feePref sweep.FeePreference,
		currentBlockHeight uint32) (*wire.MsgTx, error)

	// RelayFeePerKW returns the minimum fee rate required for transactions
	// to be relayed.
	RelayFeePerKW() chainfee.SatPerKWeight
}
