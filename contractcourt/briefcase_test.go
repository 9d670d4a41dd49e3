package contractcourt

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"

	"github.com/AreaLayer/rust-lightning/channeldb"
	"github.com/AreaLayer/rust-lightning/input"
	"github.com/AreaLayer/rust-lightning/keychain"
	"github.com/AreaLayer/rust-lightning/lnwallet"
)

var (
	testChainHash = chainhash.Hash{
		0x51, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x48, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0x2d, 0xe7, 0x93, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
		0x1e, 0xb, 0x4c, 0xf9, 0x9e, 0xc5, 0x8c, 0xe9,
	}

	testChanPoint1 = wire.OutPoint{
		Hash: chainhash.Hash{
			0x51, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
			0x48, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
			0x2d, 0xe7, 0x93, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
			0x1e, 0xb, 0x4c, 0xf9, 0x9e, 0xc5, 0x8c, 0xe9,
		},
		Index: 1,
	}

	testChanPoint2 = wire.OutPoint{
		Hash: chainhash.Hash{
			0x48, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
			0x51, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
			0x2d, 0xe7, 0x93, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
			0x1e, 0xb, 0x4c, 0xf9, 0x9e, 0xc5, 0x8c, 0xe9,
		},
		Index: 2,
	}

	testPreimage = [32]byte{
		0x52, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x48, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0x2d, 0xe7, 0x93, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
		0x1e, 0xb, 0x4c, 0xf9, 0x9e, 0xc5, 0x8c, 0xe9,
	}

	testSignDesc = input.SignDescriptor{
		SingleTweak: []byte{
			0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02,
			0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02,
			0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02,
			0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02,
		},
		WitnessScript: []byte{
			0x00, 0x14, 0xee, 0x91, 0x41, 0x7e, 0x85, 0x6c, 0xde,
			0x10, 0xa2, 0x91, 0x1e, 0xdc, 0xbd, 0xbd, 0x69, 0xe2,
			0xef, 0xb5, 0x71, 0x48,
		},
		Output: &wire.TxOut{
			Value: 5000000000,
			PkScript: []byte{
				0x41, // OP_DATA_65
				0x04, 0xd6, 0x4b, 0xdf, 0xd0, 0x9e, 0xb1, 0xc5,
				0xfe, 0x29, 0x5a, 0xbd, 0xeb, 0x1d, 0xca, 0x42,
				0x81, 0xbe, 0x98, 0x8e, 0x2d, 0xa0, 0xb6, 0xc1,
				0xc6, 0xa5, 0x9d, 0xc2, 0x26, 0xc2, 0x86, 0x24,
				0xe1, 0x81, 0x75, 0xe8, 0x51, 0xc9, 0x6b, 0x97,
				0x3d, 0x81, 0xb0, 0x1c, 0xc3, 0x1f, 0x04, 0x78,
				0x34, 0xbc, 0x06, 0xd6, 0xd6, 0xed, 0xf6, 0x20,
				0xd1, 0x84, 0x24, 0x1a, 0x6a, 0xed, 0x8b, 0x63,
				0xa6, // 65-byte signature
				0xac, // OP_CHECKSIG
			},
		},
		HashType: txscript.SigHashAll,
	}
)

func init() {
	testSignDesc.KeyDesc.PubKey, _ = btcec.ParsePubKey([]byte{
		0x03, 0x1e, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x63, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17, 0xd,
		0xe7, 0x95, 0xe4, 0xb7, 0x25, 0xb8, 0x4d, 0x1e, 0xb,
		0x4c, 0xf9, 0x9e, 0xc5, 0x8c, 0xe9,
	})
	testSignDesc.KeyDesc.Family = keychain.KeyFamilyDelayBase
}

// newTestBoltArbLog opens an arbitrator log over a fresh bolt backend scoped
// to the passed chain and channel point.
func newTestBoltArbLog(t *testing.T, chainhash chainhash.Hash,
	op wire.OutPoint) ArbitratorLog {

	t.Helper()

	backend, err := kvdb.Create(
		kvdb.BoltBackendName,
		filepath.Join(t.TempDir(), "arblog.db"), true,
		kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, backend.Close())
	})

	testLog, err := newBoltArbitratorLog(
		backend, ChannelArbitratorConfig{}, chainhash, op,
	)
	require.NoError(t, err)

	return testLog
}

func randOutPoint(t *testing.T) wire.OutPoint {
	t.Helper()

	var op wire.OutPoint
	_, err := rand.Read(op.Hash[:])
	require.NoError(t, err)
	op.Index = prand32(t)

	return op
}

func prand32(t *testing.T) uint32 {
	t.Helper()

	var b [4]byte
	_, err := rand.Read(b[:])
	require.NoError(t, err)

	return endian.Uint32(b[:]) % 1000
}

func assertTimeoutResolversEqual(t *testing.T, ogRes,
	diskRes *htlcTimeoutResolver) {

	t.Helper()

	require.Equal(t, ogRes.htlcResolution, diskRes.htlcResolution)
	require.Equal(t, ogRes.outputIncubating, diskRes.outputIncubating)
	require.Equal(t, ogRes.resolved, diskRes.resolved)
	require.Equal(t, ogRes.broadcastHeight, diskRes.broadcastHeight)
	require.Equal(t, ogRes.htlc.HtlcIndex, diskRes.htlc.HtlcIndex)
}

// TestContractInsertionRetrieval tests that were able to insert a set of
// unresolved contracts into the log, and retrieve the same set properly.
func TestContractInsertionRetrieval(t *testing.T) {
	t.Parallel()

	// First, we'll create a test instance of the ArbitratorLog
	// implementation backed by boltdb.
	testLog := newTestBoltArbLog(t, testChainHash, testChanPoint1)

	// The log created, we'll create a series of resolvers, each properly
	// implementing the ContractResolver interface.
	timeoutResolver := htlcTimeoutResolver{
		htlcResolution: lnwallet.OutgoingHtlcResolution{
			Expiry:          99,
			ClaimOutpoint:   randOutPoint(t),
			SweepSignDesc:   testSignDesc,
			SignedTimeoutTx: nil,
			CsvDelay:        99,
		},
		outputIncubating: true,
		resolved:         true,
		broadcastHeight:  102,
		htlc: channeldb.HTLC{
			HtlcIndex: 12,
		},
	}
	successResolver := htlcSuccessResolver{
		htlcResolution: lnwallet.IncomingHtlcResolution{
			Preimage:        testPreimage,
			ClaimOutpoint:   randOutPoint(t),
			SweepSignDesc:   testSignDesc,
			SignedSuccessTx: nil,
			CsvDelay:        900,
		},
		outputIncubating: true,
		resolved:         true,
		broadcastHeight:  109,
		htlc: channeldb.HTLC{
			RHash:         testPreimage,
			RefundTimeout: 81,
		},
	}
	commitResolver := commitSweepResolver{
		commitResolution: lnwallet.CommitOutputResolution{
			SelfOutPoint:       testChanPoint2,
			SelfOutputSignDesc: testSignDesc,
			MaturityDelay:      99,
		},
		resolved:        false,
		broadcastHeight: 109,
		chanPoint:       testChanPoint1,
	}
	breachRes := breachResolver{
		resolved:  true,
		replyChan: make(chan struct{}),
	}

	resolvers := []ContractResolver{
		&timeoutResolver, &successResolver, &commitResolver,
		&breachRes,
	}
	for _, resolver := range resolvers {
		switch r := resolver.(type) {
		case *htlcTimeoutResolver:
			r.contractResolverKit = *newContractResolverKit(
				ResolverConfig{},
			)
			r.initLogger(r)
		case *htlcSuccessResolver:
			r.contractResolverKit = *newContractResolverKit(
				ResolverConfig{},
			)
			r.initLogger(r)
		case *commitSweepResolver:
			r.contractResolverKit = *newContractResolverKit(
				ResolverConfig{},
			)
			r.initLogger(r)
		case *breachResolver:
			r.contractResolverKit = *newContractResolverKit(
				ResolverConfig{},
			)
			r.initLogger(r)
		}
	}

	// Now, we'll insert the resolver into the log, we do not need to apply
	// any closures, so we will pass in nil.
	err := testLog.InsertUnresolvedContracts(resolvers...)
	require.NoError(t, err)

	// With the resolvers inserted, we'll now attempt to retrieve them from
	// the database, so we can compare them to the versions we created
	// above.
	diskResolvers, err := testLog.FetchUnresolvedContracts()
	require.NoError(t, err)
	require.Len(t, diskResolvers, len(resolvers))

	// All resolvers should come back with the same resolver key they were
	// stored under, and the timeout resolver's serialized fields should
	// round trip.
	var foundTimeout bool
	for _, diskRes := range diskResolvers {
		switch r := diskRes.(type) {
		case *htlcTimeoutResolver:
			foundTimeout = true
			assertTimeoutResolversEqual(t, &timeoutResolver, r)

		case *htlcSuccessResolver:
			require.Equal(
				t, successResolver.htlcResolution,
				r.htlcResolution,
			)

		case *commitSweepResolver:
			require.Equal(
				t, commitResolver.commitResolution,
				r.commitResolution,
			)

		case *breachResolver:
			require.True(t, r.resolved)

		default:
			t.Fatalf("unknown resolver type: %T", diskRes)
		}
	}
	require.True(t, foundTimeout)

	// We'll now delete the state, then attempt to retrieve the set of
	// resolvers, no resolutions should be found.
	err = testLog.WipeHistory()
	require.NoError(t, err)

	diskResolvers, err = testLog.FetchUnresolvedContracts()
	require.NoError(t, err)
	require.Empty(t, diskResolvers)
}

// TestContractResolution tests that once we mark a contract as resolved, it's
// properly removed from the database.
func TestContractResolution(t *testing.T) {
	t.Parallel()

	testLog := newTestBoltArbLog(t, testChainHash, testChanPoint1)

	// We'll now create a timeout resolver that we'll be using for the
	// duration of this test.
	timeoutResolver := &htlcTimeoutResolver{
		contractResolverKit: *newContractResolverKit(ResolverConfig{}),
		htlcResolution: lnwallet.OutgoingHtlcResolution{
			Expiry:        991,
			ClaimOutpoint: randOutPoint(t),
			SweepSignDesc: testSignDesc,
			CsvDelay:      992,
		},
		outputIncubating: true,
		resolved:         true,
		broadcastHeight:  192,
		htlc: channeldb.HTLC{
			HtlcIndex: 9912,
		},
	}
	timeoutResolver.initLogger(timeoutResolver)

	// First, we'll insert the resolver into the database and ensure that
	// we get the same resolver out the other side.
	err := testLog.InsertUnresolvedContracts(timeoutResolver)
	require.NoError(t, err)

	dbContracts, err := testLog.FetchUnresolvedContracts()
	require.NoError(t, err)
	require.Len(t, dbContracts, 1)

	// Now, we'll mark the contract as resolved within the database.
	err = testLog.ResolveContract(timeoutResolver)
	require.NoError(t, err)

	// At this point, no contracts should exist within the log.
	dbContracts, err = testLog.FetchUnresolvedContracts()
	require.NoError(t, err)
	require.Empty(t, dbContracts)
}

// TestContractSwapping tests that callers are able to atomically swap to
// distinct contracts for one another.
func TestContractSwapping(t *testing.T) {
	t.Parallel()

	testLog := newTestBoltArbLog(t, testChainHash, testChanPoint1)

	// We'll create two resolvers, a regular timeout resolver, and the
	// breach resolver that eventually replaces it once a breach has been
	// handed off.
	contestResolver := &htlcTimeoutResolver{
		contractResolverKit: *newContractResolverKit(ResolverConfig{}),
		htlcResolution: lnwallet.OutgoingHtlcResolution{
			Expiry:        991,
			ClaimOutpoint: randOutPoint(t),
			SweepSignDesc: testSignDesc,
			CsvDelay:      992,
		},
		htlc: channeldb.HTLC{
			HtlcIndex: 9912,
		},
	}
	contestResolver.initLogger(contestResolver)

	breachRes := &breachResolver{
		contractResolverKit: *newContractResolverKit(ResolverConfig{}),
		replyChan:           make(chan struct{}),
	}
	breachRes.initLogger(breachRes)

	// We'll first insert the contest resolver into the log.
	err := testLog.InsertUnresolvedContracts(contestResolver)
	require.NoError(t, err)

	// With the resolver inserted, we'll now attempt to atomically swap it
	// for its breach resolver.
	err = testLog.SwapContract(contestResolver, breachRes)
	require.NoError(t, err)

	// At this point, there should now only be a single contract in the
	// database.
	dbContracts, err := testLog.FetchUnresolvedContracts()
	require.NoError(t, err)
	require.Len(t, dbContracts, 1)

	// That single contract should be the breach resolver.
	require.IsType(t, &breachResolver{}, dbContracts[0])
}

// TestContractResolutionsStorage tests that we're able to properly store and
// retrieve contract resolutions written to disk.
func TestContractResolutionsStorage(t *testing.T) {
	t.Parallel()

	testLog := newTestBoltArbLog(t, testChainHash, testChanPoint1)

	// With the test log created, we'll now craft a contact resolution that
	// will be using for the duration of this test.
	res := ContractResolutions{
		CommitHash: testChainHash,
		CommitResolution: &lnwallet.CommitOutputResolution{
			SelfOutPoint:       testChanPoint2,
			SelfOutputSignDesc: testSignDesc,
			MaturityDelay:      101,
		},
		HtlcResolutions: lnwallet.HtlcResolutions{
			IncomingHTLCs: []lnwallet.IncomingHtlcResolution{
				{
					Preimage:      testPreimage,
					ClaimOutpoint: randOutPoint(t),
					SweepSignDesc: testSignDesc,
					CsvDelay:      900,
				},
			},
			OutgoingHTLCs: []lnwallet.OutgoingHtlcResolution{
				{
					Expiry:        103,
					ClaimOutpoint: randOutPoint(t),
					SweepSignDesc: testSignDesc,
					CsvDelay:      923923,
				},
			},
		},
	}

	// First make sure that fetching unlogged contract resolutions will
	// fail.
	_, err := testLog.FetchContractResolutions()
	require.Error(t, err)

	// Insert the resolution into the database, then immediately retrieve
	// them so we can compare equality against the original version.
	err = testLog.LogContractResolutions(&res)
	require.NoError(t, err)

	diskRes, err := testLog.FetchContractResolutions()
	require.NoError(t, err)
	require.Equal(t, res, *diskRes)

	// We'll now delete the state, then attempt to retrieve the set of
	// resolvers, no resolutions should be found.
	err = testLog.WipeHistory()
	require.NoError(t, err)

	_, err = testLog.FetchContractResolutions()
	require.ErrorIs(t, err, errNoResolutions)
}

// TestStateMutation tests that we're able to properly mutate the state of the
// log, then retrieve that same mutated state from disk.
func TestStateMutation(t *testing.T) {
	t.Parallel()

	testLog := newTestBoltArbLog(t, testChainHash, testChanPoint1)

	// The default state of an arbitrator should be StateDefault.
	arbState, err := testLog.CurrentState()
	require.NoError(t, err)
	require.Equal(t, StateDefault, arbState)

	// We should be able to mutate the state without issue.
	err = testLog.CommitState(StateFullyResolved)
	require.NoError(t, err)

	// The new state should be returned by CurrentState.
	arbState, err = testLog.CurrentState()
	require.NoError(t, err)
	require.Equal(t, StateFullyResolved, arbState)

	// Next, we'll wipe our state and ensure that if we try to query for
	// the current state, we get the proper error.
	err = testLog.WipeHistory()
	require.NoError(t, err)

	// If we try to query for the state again, we should get the default
	// state again.
	arbState, err = testLog.CurrentState()
	require.NoError(t, err)
	require.Equal(t, StateDefault, arbState)
}

// TestCommitSetStorage tests that we're able to properly read/write active
// commitment sets.
func TestCommitSetStorage(t *testing.T) {
	t.Parallel()

	testLog := newTestBoltArbLog(t, testChainHash, testChanPoint1)

	activeHTLCs := []channeldb.HTLC{
		{
			Amt:       1000,
			Signature: []byte{0x01, 0x02, 0x03},
			OnionBlob: []byte{0x04, 0x05, 0x06},
		},
	}

	confTypes := []HtlcSetKey{
		LocalHtlcSet, RemoteHtlcSet, RemotePendingHtlcSet,
	}
	for _, pendingRemote := range []bool{true, false} {
		for _, confType := range confTypes {
			commitSet := &CommitSet{
				ConfCommitKey: fn.Some(confType),
				HtlcSets:      make(map[HtlcSetKey][]channeldb.HTLC),
			}
			commitSet.HtlcSets[LocalHtlcSet] = activeHTLCs
			commitSet.HtlcSets[RemoteHtlcSet] = activeHTLCs

			if pendingRemote {
				commitSet.HtlcSets[RemotePendingHtlcSet] = activeHTLCs
			}

			err := testLog.InsertConfirmedCommitSet(commitSet)
			require.NoError(t, err)

			diskCommitSet, err := testLog.FetchConfirmedCommitSet()
			require.NoError(t, err)
			require.Equal(t, commitSet, diskCommitSet)
		}
	}
}
