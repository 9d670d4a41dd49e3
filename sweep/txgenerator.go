package sweep

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet/chainfee"
)

var (
	// dustLimit is the lowest total output value for which a sweep tx is
	// still published. Outputs below this amount aren't relayed by default
	// policy nodes.
	dustLimit = btcutil.Amount(witnessDustLimit)
)

const (
	// witnessDustLimit is the dust limit for p2wkh outputs.
	witnessDustLimit = 294
)

// inputSet is a set of inputs that can be used as the basis to generate a tx
// on.
type inputSet []input.Input

// generateInputPartitionings goes through all given inputs and constructs sets
// of inputs that can be used to generate a sensible transaction. Each set
// contains up to the configured maximum number of inputs. Negative yield
// inputs are skipped, unless they are marked force sweep. No input sets with
// a total value after fees below the dust limit are returned.
func generateInputPartitionings(sweepableInputs []txInput,
	relayFeePerKW, feePerKW chainfee.SatPerKWeight,
	maxInputsPerTx int) []inputSet {

	// Sort input by yield. We will start constructing input sets starting
	// with the highest yield inputs. This is to prevent the construction
	// of a set with an output below the dust limit, causing the sweep
	// process to stop, while there are still higher value inputs
	// available. It also allows us to stop evaluating more inputs when the
	// first input in this ordering is encountered with a negative yield.
	//
	// Yield is calculated as the difference between value and added fee
	// for this input. The fee calculation excludes fee components that are
	// common to all inputs, as those wouldn't influence the order. The
	// single component that is differentiating is witness size.
	//
	// For witness size, the upper limit is taken. The actual size depends
	// on the signature length, which is not known yet at this point.
	yields := make(map[wire.OutPoint]int64)
	for _, inp := range sweepableInputs {
		size, _, err := inp.WitnessType().SizeUpperBound()
		if err != nil {
			log.Errorf("Failed to get input weight: %v", err)
			continue
		}

		yields[*inp.Outpoint()] = inp.SignDesc().Output.Value -
			int64(feePerKW.FeeForWeight(int64(size)))
	}
	sort.Slice(sweepableInputs, func(i, j int) bool {
		// Because of the dust limit checks when assembling a set,
		// force sweeps are given first spots in the set, so they
		// cannot be left out of it.
		force1 := sweepableInputs[i].parameters().Force
		force2 := sweepableInputs[j].parameters().Force
		if force1 != force2 {
			return force1
		}

		return yields[*sweepableInputs[i].Outpoint()] >
			yields[*sweepableInputs[j].Outpoint()]
	})

	// Select blocks of inputs up to the configured maximum number.
	var sets []inputSet
	for len(sweepableInputs) > 0 {
		// Start building a set of positive-yield tx inputs under the
		// condition that the tx will be published with the specified
		// fee rate.
		txInputs := newTxInputSet(feePerKW, maxInputsPerTx)

		// From the set of sweepable inputs, keep adding inputs to the
		// input set until the tx output value no longer goes up or the
		// maximum number of inputs is reached.
		txInputs.addPositiveYieldInputs(sweepableInputs)

		// If there are no positive yield inputs, we can stop here.
		inputCount := len(txInputs.inputs)
		if inputCount == 0 {
			return sets
		}

		// Check the current output value and add wallet utxos if
		// needed to push the output value to the lower limit.
		if txInputs.outputValue < dustLimit {
			log.Debugf("Set value %v below dust limit of %v",
				txInputs.outputValue, dustLimit)
			return sets
		}

		log.Infof("Candidate sweep set of size=%v, has yield=%v, "+
			"weight=%v", inputCount,
			txInputs.outputValue-txInputs.walletInputTotal,
			txInputs.weightEstimate.weight())

		sets = append(sets, txInputs.inputs)
		sweepableInputs = sweepableInputs[inputCount:]
	}

	return sets
}

// createSweepTx builds a signed tx spending the inputs to a the output script.
func createSweepTx(inputs []input.Input, outputPkScript []byte,
	currentBlockHeight uint32, feePerKw chainfee.SatPerKWeight,
	signer input.Signer) (*wire.MsgTx, error) {

	inputs, estimator := getWeightEstimate(inputs, feePerKw)
	txFee := estimator.fee()

	// Create the sweep transaction that we will be building. We use
	// version 2 as it is required for CSV. The txn will sweep the amount
	// after fees to the pkscript generated above.
	sweepTx := wire.NewMsgTx(2)

	// We'll actually attempt to target inclusion within the next two
	// blocks as we'd like to sweep these funds back into our wallet ASAP.
	sweepTx.LockTime = currentBlockHeight

	// Add all inputs to the sweep transaction. Ensure that for each
	// csvInput, we set the sequence number properly.
	var totalInput btcutil.Amount
	for _, inp := range inputs {
		// If the input has a required tx locktime that is larger than
		// what we have so far, use it.
		lt, ok := inp.RequiredLockTime()
		if ok && lt > sweepTx.LockTime {
			sweepTx.LockTime = lt
		}

		sweepTx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: *inp.Outpoint(),
			Sequence:         inp.BlocksToMaturity(),
		})

		totalInput += btcutil.Amount(inp.SignDesc().Output.Value)
	}

	// The value remaining after the required fee deduction.
	sweepAmt := int64(totalInput - txFee)
	if sweepAmt < int64(dustLimit) {
		return nil, fmt.Errorf("negative or dust sweep output: "+
			"amt=%v, fee=%v", totalInput, txFee)
	}

	// Add the output to the transaction.
	sweepTx.AddTxOut(&wire.TxOut{
		PkScript: outputPkScript,
		Value:    sweepAmt,
	})

	// Before signing the transaction, check to ensure that it meets some
	// basic validity requirements.
	btx := btcutil.NewTx(sweepTx)
	if err := blockchain.CheckTransactionSanity(btx); err != nil {
		return nil, err
	}

	prevOutputFetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, inp := range inputs {
		prevOutputFetcher.AddPrevOut(
			*inp.Outpoint(), inp.SignDesc().Output,
		)
	}
	hashCache := txscript.NewTxSigHashes(sweepTx, prevOutputFetcher)

	// With all the inputs in place, use each output's unique input script
	// function to generate the final witness required for spending.
	addInputScript := func(idx int, tso input.Input) error {
		inputScript, err := tso.CraftInputScript(
			signer, sweepTx, hashCache, prevOutputFetcher, idx,
		)
		if err != nil {
			return err
		}

		sweepTx.TxIn[idx].Witness = inputScript.Witness

		if len(inputScript.SigScript) != 0 {
			sweepTx.TxIn[idx].SignatureScript =
				inputScript.SigScript
		}

		return nil
	}

	for idx, inp := range inputs {
		if err := addInputScript(idx, inp); err != nil {
			return nil, err
		}
	}

	log.Infof("Creating sweep transaction %v for %v inputs (%s) "+
		"using %v sat/kw, tx_fee=%v", sweepTx.TxHash(), len(inputs),
		inputTypeSummary(inputs), int64(feePerKw), txFee)

	return sweepTx, nil
}

// getWeightEstimate returns a weight estimate for the given inputs.
// Additionally, it returns counts for the number of csv and cltv inputs.
func getWeightEstimate(inputs []input.Input,
	feeRate chainfee.SatPerKWeight) ([]input.Input, *weightEstimator) {

	// We initialize a weight estimator so we can accurately asses the
	// amount of fees we need to pay for this sweep transaction.
	weightEstimate := newWeightEstimator(feeRate)

	// Our sweep transaction will pay to a single segwit p2wkh address,
	// ensure it contributes to our weight estimate.
	weightEstimate.addP2WKHOutput()

	// For each output, use its witness type to determine the estimate
	// weight of its witness, and add it to the proper set of spendable
	// outputs.
	var sweepInputs []input.Input
	for _, inp := range inputs {
		err := weightEstimate.add(inp)
		if err != nil {
			// Skip inputs for which no weight estimate can be
			// given.
			log.Warnf("Skipped sweep input %v of unknown type %v",
				inp.Outpoint(), inp.WitnessType())

			continue
		}

		sweepInputs = append(sweepInputs, inp)
	}

	return sweepInputs, weightEstimate
}

// inputTypeSummary returns a string containing a human readable summary of
// the witness types of a list of inputs.
func inputTypeSummary(inputs []input.Input) string {
	// Sort inputs by witness type.
	sortedInputs := make([]input.Input, len(inputs))
	copy(sortedInputs, inputs)
	sort.Slice(sortedInputs, func(i, j int) bool {
		return sortedInputs[i].WitnessType().String() <
			sortedInputs[j].WitnessType().String()
	})

	var parts []string
	for _, i := range sortedInputs {
		part := fmt.Sprintf("%v (%v)", *i.Outpoint(), i.WitnessType())
		parts = append(parts, part)
	}

	return strings.Join(parts, ", ")
}
