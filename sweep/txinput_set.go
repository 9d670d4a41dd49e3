package sweep

import (
	"github.com/btcsuite/btcd/btcutil"

	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet/chainfee"
)

// txInputSet is an object that accumulates tx inputs and keeps running
// counters on various properties of the tx.
type txInputSet struct {
	// weightEstimate is the (worst case) tx weight with the current set of
	// inputs.
	weightEstimate *weightEstimator

	// inputTotal is the total value of all inputs.
	inputTotal btcutil.Amount

	// outputValue is the value of the tx output.
	outputValue btcutil.Amount

	// feePerKW is the fee rate used to calculate the tx fee.
	feePerKW chainfee.SatPerKWeight

	// inputs is the set of tx inputs.
	inputs inputSet

	// walletInputTotal is the total value of inputs coming from the
	// wallet.
	walletInputTotal btcutil.Amount

	// maxInputs is the maximum number of inputs that will be accepted in
	// the set.
	maxInputs int
}

// newTxInputSet constructs a new, empty input set.
func newTxInputSet(feePerKW chainfee.SatPerKWeight,
	maxInputs int) *txInputSet {

	b := txInputSet{
		feePerKW:  feePerKW,
		maxInputs: maxInputs,
	}

	b.weightEstimate = newWeightEstimator(feePerKW)

	// Add the sweep tx output to the weight estimate.
	b.weightEstimate.addP2WKHOutput()

	return &b
}

// add adds a new input to the set. It returns a bool indicating whether the
// input was added to the set. An input is rejected if it decreases the tx
// output value after paying fees, unless it is a forced input, in which case
// the other inputs in the set subsidize its fee.
func (t *txInputSet) add(inp input.Input, force bool) bool {
	// Stop if max inputs is reached.
	if len(t.inputs) >= t.maxInputs {
		return false
	}

	// Can ignore error, because it has already been checked when
	// calculating the yields.
	newWeightEstimate := t.weightEstimate.clone()
	if err := newWeightEstimate.add(inp); err != nil {
		return false
	}

	// Add the value of the new input.
	value := btcutil.Amount(inp.SignDesc().Output.Value)
	newInputTotal := t.inputTotal + value

	// Recalculate the tx fee.
	fee := newWeightEstimate.fee()

	// Calculate the new output value.
	newOutputValue := newInputTotal - fee

	// If adding this input makes the total output value of the set
	// decrease, this is a negative yield input. Unless the input is
	// forced, it shouldn't be added to the set.
	if !force && newOutputValue <= t.outputValue {
		return false
	}

	// Update running values.
	t.inputTotal = newInputTotal
	t.outputValue = newOutputValue
	t.inputs = append(t.inputs, inp)
	t.weightEstimate = newWeightEstimate

	return true
}

// addPositiveYieldInputs adds sweepableInputs that have a positive yield to
// the input set. This function assumes that the list of inputs is sorted
// descending by yield, with forced inputs first.
func (t *txInputSet) addPositiveYieldInputs(sweepableInputs []txInput) {
	for _, inp := range sweepableInputs {
		// Try to add the input to the transaction. If that doesn't
		// succeed because it wouldn't increase the output value,
		// return. Assuming inputs are sorted by yield, any further
		// inputs wouldn't increase the output value either.
		if !t.add(inp, inp.parameters().Force) {
			return
		}
	}

	// We managed to add all inputs to the set.
}
