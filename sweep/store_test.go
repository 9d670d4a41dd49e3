package sweep

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

// makeTestStore creates a sweeper store backed by a fresh bolt database.
func makeTestStore(t *testing.T) SweeperStore {
	t.Helper()

	backend, err := kvdb.Create(
		kvdb.BoltBackendName,
		filepath.Join(t.TempDir(), "sweeper.db"), true,
		kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, backend.Close())
	})

	store, err := NewSweeperStore(backend)
	require.NoError(t, err)

	return store
}

// TestStore asserts that the store persists the last published tx and
// remembers the hashes of all txes handed to it.
func TestStore(t *testing.T) {
	t.Parallel()

	store := makeTestStore(t)
	testClock := clock.NewTestClock(time.Unix(1600000000, 0))

	// A fresh store has no last published tx.
	lastTx, err := store.GetLastPublishedTx()
	require.NoError(t, err)
	require.Nil(t, lastTx)

	// Notify publication of tx1.
	tx1 := wire.MsgTx{}
	tx1.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 1},
	})

	err = store.NotifyPublishTx(&tx1, testClock.Now())
	require.NoError(t, err)

	// Notify publication of tx2.
	tx2 := wire.MsgTx{}
	tx2.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 2},
	})

	err = store.NotifyPublishTx(&tx2, testClock.Now())
	require.NoError(t, err)

	// The last published tx should be tx2.
	lastTx, err = store.GetLastPublishedTx()
	require.NoError(t, err)
	require.Equal(t, tx2.TxHash(), lastTx.TxHash())

	// Both txes must be recognized as ours, and an unknown hash must not.
	for _, tx := range []*wire.MsgTx{&tx1, &tx2} {
		ours, err := store.IsOurTx(tx.TxHash())
		require.NoError(t, err)
		require.True(t, ours)
	}

	ours, err := store.IsOurTx(chainhash.Hash{})
	require.NoError(t, err)
	require.False(t, ours)

	// Both hashes should be listed.
	sweeps, err := store.ListSweeps()
	require.NoError(t, err)
	require.Len(t, sweeps, 2)
	require.ElementsMatch(
		t, []chainhash.Hash{tx1.TxHash(), tx2.TxHash()}, sweeps,
	)
}
