package contractcourt

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"

	"github.com/AreaLayer/rust-lightning/input"
)

// makeTestRetributionStore creates a retribution store backed by a fresh bolt
// database.
func makeTestRetributionStore(t *testing.T) *RetributionStore {
	t.Helper()

	backend, err := kvdb.Create(
		kvdb.BoltBackendName,
		filepath.Join(t.TempDir(), "breach.db"), true,
		kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, backend.Close())
	})

	return NewRetributionStore(backend)
}

// makeTestRetribution assembles a retribution record over the passed channel
// point, with one revoked to-local output and one revoked htlc output.
func makeTestRetribution(t *testing.T, chanPoint wire.OutPoint,
	breachHeight uint32) *retributionInfo {

	t.Helper()

	commitOut := makeBreachedOutput(
		&wire.OutPoint{Hash: chanPoint.Hash, Index: 0},
		input.CommitmentRevoke, nil, &testSignDesc, breachHeight,
	)
	htlcOut := makeBreachedOutput(
		&wire.OutPoint{Hash: chanPoint.Hash, Index: 1},
		input.HtlcOfferedRevoke,
		[]byte{0x51}, &testSignDesc, breachHeight,
	)

	return &retributionInfo{
		commitHash:      chanPoint.Hash,
		chanPoint:       chanPoint,
		chainHash:       testChainHash,
		breachHeight:    breachHeight,
		breachedOutputs: []breachedOutput{commitOut, htlcOut},
	}
}

// countRetributions returns the number of retributions found in the store.
func countRetributions(t *testing.T, rs RetributionStorer) int {
	t.Helper()

	var count int
	err := rs.ForAll(func(_ *retributionInfo) error {
		count++
		return nil
	}, func() {
		count = 0
	})
	require.NoError(t, err)

	return count
}

// TestRetributionStorePersistence tests that the retribution store is able to
// round trip retribution records through its persistent backend.
func TestRetributionStorePersistence(t *testing.T) {
	t.Parallel()

	rs := makeTestRetributionStore(t)

	// An empty store should report no breached channels.
	require.Equal(t, 0, countRetributions(t, rs))

	breached, err := rs.IsBreached(&testChanPoint1)
	require.NoError(t, err)
	require.False(t, breached)

	// Add a retribution record for the channel, after which the channel
	// should be flagged as breached.
	retInfo := makeTestRetribution(t, testChanPoint1, 101)
	require.NoError(t, rs.Add(retInfo))

	breached, err = rs.IsBreached(&testChanPoint1)
	require.NoError(t, err)
	require.True(t, breached)
	require.Equal(t, 1, countRetributions(t, rs))

	// A second channel should remain unaffected.
	breached, err = rs.IsBreached(&testChanPoint2)
	require.NoError(t, err)
	require.False(t, breached)

	// The record read back from disk should match the one written, field
	// for field.
	var diskRet *retributionInfo
	err = rs.ForAll(func(ret *retributionInfo) error {
		diskRet = ret
		return nil
	}, func() {
		diskRet = nil
	})
	require.NoError(t, err)
	require.NotNil(t, diskRet)

	require.Equal(t, retInfo.commitHash, diskRet.commitHash)
	require.Equal(t, retInfo.chanPoint, diskRet.chanPoint)
	require.Equal(t, retInfo.chainHash, diskRet.chainHash)
	require.Equal(t, retInfo.breachHeight, diskRet.breachHeight)
	require.Len(t, diskRet.breachedOutputs, len(retInfo.breachedOutputs))

	for i, ogOut := range retInfo.breachedOutputs {
		diskOut := diskRet.breachedOutputs[i]

		require.Equal(t, ogOut.outpoint, diskOut.outpoint)
		require.Equal(t, ogOut.witnessType, diskOut.witnessType)
		require.Equal(t, ogOut.amt, diskOut.amt)
		require.Equal(
			t, ogOut.secondLevelWitnessScript,
			diskOut.secondLevelWitnessScript,
		)
		require.Equal(
			t, ogOut.signDesc.Output, diskOut.signDesc.Output,
		)
	}

	// Removing the record should clear the breach flag again.
	require.NoError(t, rs.Remove(&testChanPoint1))

	breached, err = rs.IsBreached(&testChanPoint1)
	require.NoError(t, err)
	require.False(t, breached)
	require.Equal(t, 0, countRetributions(t, rs))
}

// TestRetributionStoreFinalization tests persistence of the finalized justice
// transaction for a breached channel.
func TestRetributionStoreFinalization(t *testing.T) {
	t.Parallel()

	rs := makeTestRetributionStore(t)

	retInfo := makeTestRetribution(t, testChanPoint1, 77)
	require.NoError(t, rs.Add(retInfo))

	// Before finalization, no justice txn should be returned.
	finalTx, err := rs.GetFinalizedTxn(&testChanPoint1)
	require.NoError(t, err)
	require.Nil(t, finalTx)

	// Finalize a justice txn and read it back.
	justiceTx := wire.NewMsgTx(2)
	justiceTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: retInfo.breachedOutputs[0].outpoint,
	})
	justiceTx.AddTxOut(&wire.TxOut{
		Value:    100000,
		PkScript: testSignDesc.Output.PkScript,
	})

	require.NoError(t, rs.Finalize(&testChanPoint1, justiceTx))

	finalTx, err = rs.GetFinalizedTxn(&testChanPoint1)
	require.NoError(t, err)
	require.NotNil(t, finalTx)
	require.Equal(t, justiceTx.TxHash(), finalTx.TxHash())

	// Removing the retribution record should also remove the finalized
	// txn.
	require.NoError(t, rs.Remove(&testChanPoint1))

	finalTx, err = rs.GetFinalizedTxn(&testChanPoint1)
	require.NoError(t, err)
	require.Nil(t, finalTx)
}
