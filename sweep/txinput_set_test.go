package sweep

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/lnwallet/chainfee"
)

// testInput pairs an input with the sweep parameters that apply to it, as the
// partitioning code requires.
type testInput struct {
	input.Input
	params Params
}

func (t *testInput) parameters() Params {
	return t.params
}

// createTestInput returns an input compatible with the sweeper for use in
// tests.
func createTestInput(value int64, witnessType input.WitnessType) *testInput {
	return &testInput{
		Input: input.NewBaseInput(
			&wire.OutPoint{
				Hash:  [32]byte{byte(value), byte(value >> 8)},
				Index: uint32(value),
			},
			witnessType,
			&input.SignDescriptor{
				Output: &wire.TxOut{
					Value: value,
				},
			},
			0,
		),
	}
}

// createForceInput returns an input marked for sweeping regardless of yield.
func createForceInput(value int64, witnessType input.WitnessType) *testInput {
	inp := createTestInput(value, witnessType)
	inp.params.Force = true

	return inp
}

// TestTxInputSet asserts that the set only accepts inputs that increase the
// output value.
func TestTxInputSet(t *testing.T) {
	t.Parallel()

	const (
		feeRate   = 1000
		maxInputs = 10
	)
	set := newTxInputSet(feeRate, maxInputs)

	// Add an input with a value well above the fee it adds.
	if !set.add(createTestInput(100000, input.CommitmentTimeLock), false) {
		t.Fatal("expected add of positively yielding input to succeed")
	}

	// Add an input that is smaller than the fee that needs to be paid for
	// adding it.
	if set.add(createTestInput(50, input.CommitmentTimeLock), false) {
		t.Fatal("expected add of negatively yielding input to fail")
	}

	// The set should contain exactly the single positive input.
	require.Len(t, set.inputs, 1)
	require.Greater(t, int64(set.outputValue), int64(0))
	require.Less(t, int64(set.outputValue), int64(100000))
}

// TestTxInputSetForceAdd asserts that a negative yield input is still added
// to the set when it is forced, with the other inputs paying for it.
func TestTxInputSetForceAdd(t *testing.T) {
	t.Parallel()

	set := newTxInputSet(1000, 10)

	require.True(t, set.add(
		createTestInput(100000, input.CommitmentTimeLock), false,
	))
	valueBefore := set.outputValue

	// An anchor sized input has a negative yield, but a forced add must
	// succeed anyway.
	require.True(t, set.add(
		createTestInput(330, input.CommitmentAnchor), true,
	))

	require.Len(t, set.inputs, 2)
	require.Less(t, int64(set.outputValue), int64(valueBefore))
}

// TestTxInputSetMaxInputs asserts that the set caps the number of inputs at
// the configured maximum.
func TestTxInputSetMaxInputs(t *testing.T) {
	t.Parallel()

	set := newTxInputSet(1000, 2)

	require.True(t, set.add(
		createTestInput(100000, input.CommitmentTimeLock), false,
	))
	require.True(t, set.add(
		createTestInput(200000, input.CommitmentTimeLock), false,
	))
	require.False(t, set.add(
		createTestInput(300000, input.CommitmentTimeLock), false,
	))

	require.Len(t, set.inputs, 2)
}

// TestGenerateInputPartitionings asserts that inputs are partitioned into
// multiple sets respecting the max input count, and that negative yield
// inputs are excluded.
func TestGenerateInputPartitionings(t *testing.T) {
	t.Parallel()

	const (
		relayFeeRate = chainfee.FeePerKwFloor
		feeRate      = chainfee.SatPerKWeight(1000)
		maxInputs    = 2
	)

	inputs := []txInput{
		createTestInput(100000, input.CommitmentTimeLock),
		createTestInput(200000, input.CommitmentTimeLock),
		createTestInput(300000, input.CommitmentTimeLock),
		// A dust input that would decrease the output value of any set
		// that includes it.
		createTestInput(10, input.CommitmentTimeLock),
	}

	sets := generateInputPartitionings(
		inputs, relayFeeRate, feeRate, maxInputs,
	)

	// The three positive yield inputs should be spread over two sets, with
	// the highest yielding inputs in the first set. The dust input should
	// not appear in any set.
	require.Len(t, sets, 2)
	require.Len(t, sets[0], 2)
	require.Len(t, sets[1], 1)

	require.Equal(t, int64(300000), sets[0][0].SignDesc().Output.Value)
	require.Equal(t, int64(200000), sets[0][1].SignDesc().Output.Value)
	require.Equal(t, int64(100000), sets[1][0].SignDesc().Output.Value)
}

// TestGenerateInputPartitioningsForce asserts that a forced negative yield
// input is placed at the front of a set, subsidized by positive yield inputs.
func TestGenerateInputPartitioningsForce(t *testing.T) {
	t.Parallel()

	const (
		relayFeeRate = chainfee.FeePerKwFloor
		feeRate      = chainfee.SatPerKWeight(1000)
		maxInputs    = 10
	)

	inputs := []txInput{
		createTestInput(100000, input.CommitmentTimeLock),
		createForceInput(330, input.CommitmentAnchor),
	}

	sets := generateInputPartitionings(
		inputs, relayFeeRate, feeRate, maxInputs,
	)

	// Both inputs must land in a single set, with the forced anchor input
	// first so the dust limit checks can never push it out.
	require.Len(t, sets, 1)
	require.Len(t, sets[0], 2)
	require.Equal(t, int64(330), sets[0][0].SignDesc().Output.Value)
	require.Equal(t, int64(100000), sets[0][1].SignDesc().Output.Value)
}

// TestGenerateInputPartitioningsDust asserts that no set is returned when the
// total output value remains below the dust limit.
func TestGenerateInputPartitioningsDust(t *testing.T) {
	t.Parallel()

	// The input value is just above the fee the input adds, leaving a
	// positive yield, but a total output value below the dust limit.
	size, _, err := input.CommitmentTimeLock.SizeUpperBound()
	require.NoError(t, err)

	feeRate := chainfee.SatPerKWeight(1000)
	inputFee := feeRate.FeeForWeight(int64(size))

	inputs := []txInput{
		createTestInput(
			int64(inputFee)+100, input.CommitmentTimeLock,
		),
	}

	sets := generateInputPartitionings(
		inputs, chainfee.FeePerKwFloor, feeRate, 10,
	)
	require.Empty(t, sets)
}
