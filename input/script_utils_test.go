package input

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

// randPrivKey generates a fresh private key for testing.
func randPrivKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return key
}

// TestTweakKeyDerivation asserts that the private key tweak produces exactly
// the public key obtained by tweaking the base point directly. If these
// diverge, the remote party would be unable to spend outputs we created for
// them.
func TestTweakKeyDerivation(t *testing.T) {
	t.Parallel()

	basePriv := randPrivKey(t)
	commitPriv := randPrivKey(t)

	// Fist we'll generate the tweak for the public base point, and apply
	// it to derive the tweaked public key.
	commitPoint := commitPriv.PubKey()
	tweakedPub := TweakPubKey(basePriv.PubKey(), commitPoint)

	// Tweaking the private key with the same tweak bytes must land on the
	// corresponding private key.
	commitTweak := SingleTweakBytes(commitPoint, basePriv.PubKey())
	tweakedPriv := TweakPrivKey(basePriv, commitTweak)

	require.Equal(
		t, tweakedPub.SerializeCompressed(),
		tweakedPriv.PubKey().SerializeCompressed(),
	)
}

// TestDeriveRevocationKeys asserts that the revocation public key derived
// from the revocation base point and commitment point matches the public key
// of the revocation private key derived from the corresponding secrets.
func TestDeriveRevocationKeys(t *testing.T) {
	t.Parallel()

	revokeBasePriv := randPrivKey(t)
	commitSecret := randPrivKey(t)

	revocationPub := DeriveRevocationPubkey(
		revokeBasePriv.PubKey(), commitSecret.PubKey(),
	)

	revocationPriv := DeriveRevocationPrivKey(revokeBasePriv, commitSecret)

	require.Equal(
		t, revocationPub.SerializeCompressed(),
		revocationPriv.PubKey().SerializeCompressed(),
	)
}

// TestCommitmentPoint asserts that the commitment point for a given secret is
// the public key of the secret interpreted as a private key.
func TestCommitmentPoint(t *testing.T) {
	t.Parallel()

	var secret [32]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err)

	commitPoint := ComputeCommitmentPoint(secret[:])

	priv, _ := btcec.PrivKeyFromBytes(secret[:])
	require.Equal(
		t, priv.PubKey().SerializeCompressed(),
		commitPoint.SerializeCompressed(),
	)
}

// TestSpendMultiSigWitnessOrdering asserts that the signatures within the
// witness stack spending the funding output always follow the
// lexicographical ordering of the serialized public keys.
func TestSpendMultiSigWitnessOrdering(t *testing.T) {
	t.Parallel()

	pubA := randPrivKey(t).PubKey().SerializeCompressed()
	pubB := randPrivKey(t).PubKey().SerializeCompressed()

	sigA := []byte("sig-for-a")
	sigB := []byte("sig-for-b")

	witnessScript, err := GenMultiSigScript(pubA, pubB)
	require.NoError(t, err)

	witness := SpendMultiSig(witnessScript, pubA, sigA, pubB, sigB)
	require.Len(t, witness, 4)
	require.Nil(t, witness[0])
	require.Equal(t, witnessScript, witness[3])

	// The sig of the lexicographically smaller pubkey must come first, as
	// OP_CHECKMULTISIG verifies the signatures in the order the keys
	// appear within the script.
	if bytes.Compare(pubA, pubB) == 1 {
		require.Equal(t, sigB, witness[1])
		require.Equal(t, sigA, witness[2])
	} else {
		require.Equal(t, sigA, witness[1])
		require.Equal(t, sigB, witness[2])
	}
}

// TestTxWeightEstimator asserts the estimator accounts for inputs, outputs
// and the segwit header.
func TestTxWeightEstimator(t *testing.T) {
	t.Parallel()

	var weightEstimate TxWeightEstimator
	weightEstimate.AddP2WKHInput()
	weightEstimate.AddP2WKHOutput()

	// Version(4) + LockTime(4) + input count(1) + input(41) +
	// output count(1) + output(31) = 82 bytes of base data, plus the
	// witness header and a p2wkh witness.
	expectedWeight := 82*witnessScaleFactor +
		WitnessHeaderSize + P2WKHWitnessSize

	require.Equal(t, expectedWeight, weightEstimate.Weight())

	// The virtual size is the weight scaled down, rounded up.
	require.Equal(
		t, (expectedWeight+witnessScaleFactor-1)/witnessScaleFactor,
		weightEstimate.VSize(),
	)
}

// TestWitnessSizeUpperBounds asserts every witness type the sweeper handles
// reports a sane non-zero size estimate.
func TestWitnessSizeUpperBounds(t *testing.T) {
	t.Parallel()

	witnessTypes := []WitnessType{
		CommitmentTimeLock,
		CommitmentNoDelay,
		CommitSpendNoDelayTweakless,
		CommitmentRevoke,
		CommitmentAnchor,
		HtlcOfferedRevoke,
		HtlcAcceptedRevoke,
		HtlcOfferedTimeoutSecondLevel,
		HtlcAcceptedSuccessSecondLevel,
		HtlcOfferedRemoteTimeout,
		HtlcAcceptedRemoteSuccess,
		HtlcSecondLevelRevoke,
		WitnessKeyHash,
	}

	for _, wt := range witnessTypes {
		size, nested, err := wt.SizeUpperBound()
		require.NoError(t, err, "witness type %v", wt)
		require.Greater(t, size, 0, "witness type %v", wt)
		require.False(t, nested)
	}
}
