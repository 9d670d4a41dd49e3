package chainntnfs

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// initHintCache creates a new HeightHintCache backed by a fresh database for
// testing.
func initHintCache(t *testing.T) *HeightHintCache {
	t.Helper()

	defaultCfg := CacheConfig{
		QueryDisable: false,
	}

	return initHintCacheWithConfig(t, defaultCfg)
}

// initHintCacheWithConfig creates a new HeightHintCache with the given config
// backed by a fresh database for testing.
func initHintCacheWithConfig(t *testing.T, cfg CacheConfig) *HeightHintCache {
	t.Helper()

	db, err := channeldb.Open(t.TempDir())
	require.NoError(t, err, "unable to create db")
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	hintCache, err := NewHeightHintCache(cfg, db.Backend)
	require.NoError(t, err, "unable to create hint cache")

	return hintCache
}

// randPubKeyHashScript generates a p2wkh script paying to a random pubkey
// hash.
func randPubKeyHashScript(t *testing.T) txscript.PkScript {
	t.Helper()

	var pubKeyHash [20]byte
	_, err := rand.Read(pubKeyHash[:])
	require.NoError(t, err)

	script := append([]byte{0x00, 0x14}, pubKeyHash[:]...)
	pkScript, err := txscript.ParsePkScript(script)
	require.NoError(t, err)

	return pkScript
}

// TestHeightHintCacheConfirms ensures that the height hint cache properly
// caches confirm hints for transactions.
func TestHeightHintCacheConfirms(t *testing.T) {
	t.Parallel()

	hintCache := initHintCache(t)

	// Querying for a transaction hash not found within the cache should
	// return an error indication so.
	var unknownHash chainhash.Hash
	copy(unknownHash[:], bytes.Repeat([]byte{0x01}, 32))
	unknownConfRequest := ConfRequest{TxID: unknownHash}
	_, err := hintCache.QueryConfirmHint(unknownConfRequest)
	require.ErrorIs(t, err, ErrConfirmHintNotFound)

	// Now, we'll create some transaction hashes and commit them to the
	// cache with the same confirm hint.
	const height = 100
	const numHashes = 5
	confRequests := make([]ConfRequest, numHashes)
	for i := 0; i < numHashes; i++ {
		var txHash chainhash.Hash
		copy(txHash[:], bytes.Repeat([]byte{byte(i + 1)}, 32))
		confRequests[i] = ConfRequest{
			TxID:     txHash,
			PkScript: randPubKeyHashScript(t),
		}
	}

	err = hintCache.CommitConfirmHint(height, confRequests...)
	require.NoError(t, err, "unable to add entries to cache")

	// With the hashes committed, we'll now query the cache to ensure that
	// we're able to properly retrieve the confirm hints.
	for _, confRequest := range confRequests {
		confirmHint, err := hintCache.QueryConfirmHint(confRequest)
		require.NoError(t, err)
		require.EqualValues(t, height, confirmHint)
	}

	// We'll also attempt to purge all of them in a single database
	// transaction.
	err = hintCache.PurgeConfirmHint(confRequests...)
	require.NoError(t, err)

	// Finally, we'll attempt to query for each hash. We should expect not
	// to find a hint for any of them.
	for _, confRequest := range confRequests {
		_, err := hintCache.QueryConfirmHint(confRequest)
		require.ErrorIs(t, err, ErrConfirmHintNotFound)
	}
}

// TestHeightHintCacheSpends ensures that the height hint cache properly
// caches spend hints for outpoints.
func TestHeightHintCacheSpends(t *testing.T) {
	t.Parallel()

	hintCache := initHintCache(t)

	// Querying for an outpoint not found within the cache should return
	// an error indication so.
	unknownOutPoint := wire.OutPoint{Index: 1}
	unknownSpendRequest := SpendRequest{OutPoint: unknownOutPoint}
	_, err := hintCache.QuerySpendHint(unknownSpendRequest)
	require.ErrorIs(t, err, ErrSpendHintNotFound)

	// Now, we'll create some outpoints and commit them to the cache with
	// the same spend hint.
	const height = 100
	const numOutpoints = 5
	spendRequests := make([]SpendRequest, numOutpoints)
	for i := uint32(0); i < numOutpoints; i++ {
		spendRequests[i] = SpendRequest{
			OutPoint: wire.OutPoint{Index: i + 1},
			PkScript: randPubKeyHashScript(t),
		}
	}

	err = hintCache.CommitSpendHint(height, spendRequests...)
	require.NoError(t, err, "unable to add entries to cache")

	// With the outpoints committed, we'll now query the cache to ensure
	// that we're able to properly retrieve the spend hints.
	for _, spendRequest := range spendRequests {
		spendHint, err := hintCache.QuerySpendHint(spendRequest)
		require.NoError(t, err)
		require.EqualValues(t, height, spendHint)
	}

	// We'll also attempt to purge all of them in a single database
	// transaction.
	err = hintCache.PurgeSpendHint(spendRequests...)
	require.NoError(t, err)

	// Finally, we'll attempt to query for each outpoint. We should expect
	// not to find a hint for any of them.
	for _, spendRequest := range spendRequests {
		_, err = hintCache.QuerySpendHint(spendRequest)
		require.ErrorIs(t, err, ErrSpendHintNotFound)
	}
}

// TestQueryDisable asserts that query hints will always return height 0 when
// the cache's QueryDisabled flag is set.
func TestQueryDisable(t *testing.T) {
	t.Parallel()

	cfg := CacheConfig{
		QueryDisable: true,
	}

	hintCache := initHintCacheWithConfig(t, cfg)

	// Insert a new confirmation hint with a non-zero height.
	const confHeight = 100
	confRequest := ConfRequest{
		TxID:     chainhash.Hash{0x01, 0x02, 0x03},
		PkScript: randPubKeyHashScript(t),
	}
	err := hintCache.CommitConfirmHint(confHeight, confRequest)
	require.NoError(t, err)

	// Query the hint and assert it returns zero.
	cachedConfHeight, err := hintCache.QueryConfirmHint(confRequest)
	require.NoError(t, err)
	require.EqualValues(t, 0, cachedConfHeight)

	// Insert a new spend hint with a non-zero height.
	const spendHeight = 200
	spendRequest := SpendRequest{
		OutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{0x4, 0x05, 0x06},
			Index: 42,
		},
		PkScript: randPubKeyHashScript(t),
	}
	err = hintCache.CommitSpendHint(spendHeight, spendRequest)
	require.NoError(t, err)

	// Query the hint and assert it returns zero.
	cachedSpendHeight, err := hintCache.QuerySpendHint(spendRequest)
	require.NoError(t, err)
	require.EqualValues(t, 0, cachedSpendHeight)
}
