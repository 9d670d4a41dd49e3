package sweep

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet/chainfee"
)

// weightEstimator wraps a standard weight estimator instance and adds to that
// support for fee calculation at a set fee rate.
type weightEstimator struct {
	estimator input.TxWeightEstimator
	feeRate   chainfee.SatPerKWeight
}

// newWeightEstimator instantiates a new sweeper weight estimator.
func newWeightEstimator(feeRate chainfee.SatPerKWeight) *weightEstimator {
	return &weightEstimator{
		feeRate: feeRate,
	}
}

// clone returns a copy of this weight estimator.
func (w *weightEstimator) clone() *weightEstimator {
	return &weightEstimator{
		estimator: w.estimator,
		feeRate:   w.feeRate,
	}
}

// add adds the weight of the given input to the weight estimate.
func (w *weightEstimator) add(inp input.Input) error {
	wt := inp.WitnessType()

	size, _, err := wt.SizeUpperBound()
	if err != nil {
		return err
	}

	w.estimator.AddWitnessInput(size)

	return nil
}

// addP2WKHOutput updates the weight estimate to account for an additional
// native P2WKH output.
func (w *weightEstimator) addP2WKHOutput() {
	w.estimator.AddP2WKHOutput()
}

// addOutput updates the weight estimate to account for the known output.
func (w *weightEstimator) addOutput(txOut *wire.TxOut) {
	w.estimator.AddTxOutput(txOut)
}

// weight gets the estimated weight of the transaction.
func (w *weightEstimator) weight() int {
	return w.estimator.Weight()
}

// fee returns the tx fee to use for the aggregated inputs and outputs, taking
// into account the configured fee rate.
func (w *weightEstimator) fee() btcutil.Amount {
	return w.feeRate.FeeForWeight(int64(w.weight()))
}
