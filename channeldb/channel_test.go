package channeldb

import (
	"bytes"
	"testing"

	"github.com/AreaLayer/rust-lightning/keychain"
	"github.com/AreaLayer/rust-lightning/lnwire"
	"github.com/AreaLayer/rust-lightning/shachain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	key = [chainhash.HashSize]byte{
		0x81, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x68, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0xd, 0xe7, 0x93, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
		0x1e, 0xb, 0x4c, 0xf9, 0x9e, 0xc5, 0x8c, 0xe9,
	}
	rev = [chainhash.HashSize]byte{
		0x51, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x48, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0x2d, 0xe7, 0x93, 0xe4,
	}

	privKey, pubKey = btcec.PrivKeyFromBytes(key[:])

	testTx = &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{
			{
				PreviousOutPoint: wire.OutPoint{
					Hash:  chainhash.Hash{},
					Index: 0xffffffff,
				},
				SignatureScript: []byte{0x04, 0x31, 0xdc, 0x00, 0x1b, 0x01, 0x62},
				Sequence:        0xffffffff,
			},
		},
		TxOut: []*wire.TxOut{
			{
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
		},
		LockTime: 5,
	}
)

// makeTestDB creates a new instance of the channeldb for testing purposes.
func makeTestDB(t *testing.T) *DB {
	cdb, err := Open(t.TempDir())
	require.NoError(t, err, "unable to open test db")
	t.Cleanup(func() {
		require.NoError(t, cdb.Close())
	})

	return cdb
}

func createTestChannelState(t *testing.T, cdb *DB) *OpenChannel {
	t.Helper()

	// Simulate 1000 channel updates.
	producer := shachain.NewRevocationProducer(chainhash.Hash(rev))
	store := shachain.NewRevocationStore()
	for i := 0; i < 1000; i++ {
		preImage, err := producer.AtIndex(uint64(i))
		require.NoError(t, err)

		require.NoError(t, store.AddNextEntry(preImage))
	}

	localCfg := ChannelConfig{
		ChannelConstraints: ChannelConstraints{
			DustLimit:        btcutil.Amount(354),
			MaxPendingAmount: lnwire.MilliSatoshi(5000 * 1000),
			ChanReserve:      btcutil.Amount(10000),
			MinHTLC:          lnwire.MilliSatoshi(1000),
			MaxAcceptedHtlcs: 100,
			CsvDelay:         5,
		},
		MultiSigKey: keychain.KeyDescriptor{
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyMultiSig,
				Index:  9,
			},
			PubKey: pubKey,
		},
		RevocationBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
		},
		PaymentBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
		},
		DelayBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
		},
		HtlcBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
		},
	}
	remoteCfg := localCfg
	remoteCfg.ChannelConstraints.CsvDelay = 4
	remoteCfg.MultiSigKey.KeyLocator.Index = 12

	chanID := lnwire.NewShortChanIDFromInt(uint64(9999))

	return &OpenChannel{
		ChanType:        SingleFunderTweaklessBit,
		ChainHash:       key,
		FundingOutpoint: wire.OutPoint{Hash: key, Index: 9},
		ShortChannelID:  chanID,
		IsInitiator:     true,
		IsPending:       true,
		IdentityPub:     pubKey,
		Capacity:        btcutil.Amount(10000),
		LocalChanCfg:    localCfg,
		RemoteChanCfg:   remoteCfg,
		TotalMSatSent:   8,
		TotalMSatReceived: lnwire.MilliSatoshi(
			2,
		),
		LocalCommitment: ChannelCommitment{
			CommitHeight:  0,
			LocalBalance:  lnwire.MilliSatoshi(9000),
			RemoteBalance: lnwire.MilliSatoshi(3000),
			CommitFee:     btcutil.Amount(557),
			FeePerKw:      btcutil.Amount(2000),
			CommitTx:      testTx,
			CommitSig:     bytes.Repeat([]byte{1}, 71),
		},
		RemoteCommitment: ChannelCommitment{
			CommitHeight:  0,
			LocalBalance:  lnwire.MilliSatoshi(3000),
			RemoteBalance: lnwire.MilliSatoshi(9000),
			CommitFee:     btcutil.Amount(557),
			FeePerKw:      btcutil.Amount(2000),
			CommitTx:      testTx,
			CommitSig:     bytes.Repeat([]byte{1}, 71),
		},
		NumConfsRequired:        4,
		RemoteCurrentRevocation: pubKey,
		RemoteNextRevocation:    pubKey,
		RevocationProducer:      producer,
		RevocationStore:         store,
		FundingBroadcastHeight:  99,
		Db:                      cdb,
	}
}

// TestOpenChannelPutGetDelete asserts the full round trip of an open channel
// through FullSync, FetchChannel and finally CloseChannel.
func TestOpenChannelPutGetDelete(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)

	// Create the test channel state, and add an HTLC to each commitment
	// so the codec path for them is exercised too.
	state := createTestChannelState(t, cdb)
	var paymentHash [32]byte
	copy(paymentHash[:], bytes.Repeat([]byte{2}, 32))
	htlc := HTLC{
		Signature:     bytes.Repeat([]byte{3}, 71),
		RHash:         paymentHash,
		Amt:           lnwire.MilliSatoshi(591000),
		RefundTimeout: 282,
		OutputIndex:   2,
		Incoming:      true,
		OnionBlob:     bytes.Repeat([]byte{4}, 1366),
		HtlcIndex:     2,
		LogIndex:      9,
	}
	state.LocalCommitment.Htlcs = []HTLC{htlc}
	state.RemoteCommitment.Htlcs = []HTLC{htlc}

	require.NoError(t, state.FullSync(), "unable to save channel state")

	var chanPointBuf bytes.Buffer
	require.NoError(t, writeOutpoint(&chanPointBuf, &state.FundingOutpoint))

	newState, err := cdb.FetchChannel(chanPointBuf.Bytes())
	require.NoError(t, err, "unable to fetch channel state")

	// The decoded channel state should be identical to what we stored
	// above.
	require.Equal(t, state.ChanType, newState.ChanType)
	require.Equal(t, state.ChainHash, newState.ChainHash)
	require.Equal(t, state.FundingOutpoint, newState.FundingOutpoint)
	require.Equal(t, state.ShortChannelID, newState.ShortChannelID)
	require.Equal(t, state.IsInitiator, newState.IsInitiator)
	require.Equal(t, state.IsPending, newState.IsPending)
	require.Equal(t, state.Capacity, newState.Capacity)
	require.Equal(t, state.LocalChanCfg, newState.LocalChanCfg)
	require.Equal(t, state.RemoteChanCfg, newState.RemoteChanCfg)
	require.Equal(t, state.LocalCommitment, newState.LocalCommitment)
	require.Equal(t, state.RemoteCommitment, newState.RemoteCommitment)
	require.Equal(
		t, state.RemoteCurrentRevocation,
		newState.RemoteCurrentRevocation,
	)
	require.Equal(
		t, state.RemoteNextRevocation, newState.RemoteNextRevocation,
	)

	// The revocation state should have survived the round trip as well.
	oldSecret, err := state.RevocationStore.LookUp(500)
	require.NoError(t, err)
	newSecret, err := newState.RevocationStore.LookUp(500)
	require.NoError(t, err)
	require.Equal(t, oldSecret, newSecret)

	// Finally to wrap up the test, delete the state of the channel within
	// the database. This involves "closing" the channel which removes
	// all written state, and creates a small "summary" elsewhere within
	// the database.
	closeSummary := &ChannelCloseSummary{
		ChanPoint:      state.FundingOutpoint,
		RemotePub:      state.IdentityPub,
		SettledBalance: btcutil.Amount(500),
		TimeLockedBalance: btcutil.Amount(
			10000,
		),
		IsPending: false,
		CloseType: CooperativeClose,
	}
	require.NoError(t, state.CloseChannel(closeSummary))

	// As the channel is now closed, attempting to fetch all open
	// channels for our fake node ID should return an empty slice.
	openChans, err := cdb.FetchAllOpenChannels()
	require.NoError(t, err)
	require.Empty(t, openChans)

	// The close summary should be retrievable from the closed channel
	// bucket.
	closedChans, err := cdb.FetchClosedChannels(false)
	require.NoError(t, err)
	require.Len(t, closedChans, 1)
	require.Equal(t, closeSummary.SettledBalance,
		closedChans[0].SettledBalance)
	require.Equal(t, closeSummary.CloseType, closedChans[0].CloseType)
}

// TestChannelStateTransition tests the db mutating calls that drive a
// channel through a full state transition: extending a new commitment to the
// remote party, receiving their revocation, and consulting the revocation
// log afterwards.
func TestChannelStateTransition(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)

	// First create a minimal channel, then perform a full sync in order
	// to persist the data.
	channel := createTestChannelState(t, cdb)
	require.NoError(t, channel.FullSync())

	// Add some HTLCs which were added during this new state transition.
	// Half of the HTLCs are incoming, while the other half are outgoing.
	var (
		htlcs   []HTLC
		htlcAmt lnwire.MilliSatoshi
	)
	for i := uint32(0); i < 10; i++ {
		var incoming bool
		if i > 5 {
			incoming = true
		}
		htlc := HTLC{
			Signature:     bytes.Repeat([]byte{1}, 71),
			Amt:           10,
			RefundTimeout: i,
			OutputIndex:   int32(i * 3),
			Incoming:      incoming,
			OnionBlob:     bytes.Repeat([]byte{2}, 1366),
			HtlcIndex:     uint64(i),
			LogIndex:      uint64(i * 2),
		}
		htlc.RHash[0] = byte(i)
		htlcs = append(htlcs, htlc)
		htlcAmt += htlc.Amt
	}

	// Create a new channel delta which includes the above HTLCs, some
	// balance updates, and an increment of the current commitment height.
	commitment := ChannelCommitment{
		CommitHeight:    1,
		LocalLogIndex:   2,
		LocalHtlcIndex:  1,
		RemoteLogIndex:  2,
		RemoteHtlcIndex: 1,
		LocalBalance:    lnwire.MilliSatoshi(1<<30) + htlcAmt,
		RemoteBalance:   lnwire.MilliSatoshi(3000),
		CommitFee:       55,
		FeePerKw:        99,
		CommitTx:        testTx,
		CommitSig:       bytes.Repeat([]byte{1}, 71),
		Htlcs:           htlcs,
	}

	// First update the local node's broadcastable state and verify that
	// the update was applied correctly.
	require.NoError(t, channel.UpdateCommitment(&commitment))
	require.Equal(t, commitment, channel.LocalCommitment)

	// The balance of the channel fetched from disk should match what we
	// have in memory.
	var chanPointBuf bytes.Buffer
	require.NoError(t, writeOutpoint(&chanPointBuf, &channel.FundingOutpoint))
	diskChannel, err := cdb.FetchChannel(chanPointBuf.Bytes())
	require.NoError(t, err)
	require.Equal(t, commitment, diskChannel.LocalCommitment)

	// Next, we'll simulate us extending a new state to the remote party.
	remoteCommit := commitment
	remoteCommit.LocalBalance = lnwire.MilliSatoshi(2000)
	commitDiff := &CommitDiff{
		Commitment: remoteCommit,
		CommitSig: &lnwire.CommitSig{
			ChanID: lnwire.NewChanIDFromOutPoint(
				channel.FundingOutpoint,
			),
			ExtraData: make([]byte, 0),
		},
		LogUpdates: []LogUpdate{
			{
				LogIndex: 1,
				UpdateMsg: &lnwire.UpdateAddHTLC{
					ID:        1,
					Amount:    lnwire.MilliSatoshi(100),
					ExtraData: make([]byte, 0),
				},
			},
			{
				LogIndex: 2,
				UpdateMsg: &lnwire.UpdateAddHTLC{
					ID:        2,
					Amount:    lnwire.MilliSatoshi(200),
					ExtraData: make([]byte, 0),
				},
			},
		},
	}
	require.NoError(t, channel.AppendRemoteCommitChain(commitDiff))

	// The commitment tip should now be retrievable, and should match the
	// diff we stored exactly.
	diskDiff, err := channel.RemoteCommitChainTip()
	require.NoError(t, err)
	require.Equal(t, commitDiff, diskDiff)

	// We'll save the old remote commitment as this will be added to the
	// revocation log shortly.
	oldRemoteCommit := channel.RemoteCommitment

	// Next, simulate the remote party revoking their current state, and
	// insert their *next* revocation key.
	require.NoError(t, channel.AdvanceCommitChainTail(&remoteCommit))
	require.NoError(t, channel.InsertNextRevocation(pubKey))

	// The remote commitment chain should now have a new tail, and the
	// commit diff should have been removed from disk.
	require.Equal(t, remoteCommit, channel.RemoteCommitment)
	_, err = channel.RemoteCommitChainTip()
	require.ErrorIs(t, err, ErrNoPendingCommit)

	// The revocation log should hold the prior remote commitment so we
	// can reconstruct punishment state if it's ever broadcast.
	prevCommit, err := channel.FindPreviousState(
		oldRemoteCommit.CommitHeight,
	)
	require.NoError(t, err)
	require.Equal(t, oldRemoteCommit, *prevCommit)

	// The tail of the revocation log should point to the same state.
	logTail, err := channel.RevocationLogTail()
	require.NoError(t, err)
	require.Equal(t, oldRemoteCommit, *logTail)

	// Asking for a state that was never recorded must fail.
	_, err = channel.FindPreviousState(99)
	require.ErrorIs(t, err, ErrLogEntryNotFound)
}

// TestFetchClosedChannelsFiltering asserts that the pendingOnly filter on
// FetchClosedChannels is honored.
func TestFetchClosedChannelsFiltering(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)

	state := createTestChannelState(t, cdb)
	require.NoError(t, state.FullSync())

	summary := &ChannelCloseSummary{
		ChanPoint:      state.FundingOutpoint,
		RemotePub:      state.IdentityPub,
		SettledBalance: btcutil.Amount(500),
		CloseType:      RemoteForceClose,
		IsPending:      true,
	}
	require.NoError(t, state.CloseChannel(summary))

	pendingClosed, err := cdb.FetchClosedChannels(true)
	require.NoError(t, err)
	require.Len(t, pendingClosed, 1)

	// Mark the channel as fully closed and re-query with the pending
	// filter, which should now return nothing.
	require.NoError(t, cdb.MarkChanFullyClosed(&state.FundingOutpoint))

	pendingClosed, err = cdb.FetchClosedChannels(true)
	require.NoError(t, err)
	require.Empty(t, pendingClosed)

	allClosed, err := cdb.FetchClosedChannels(false)
	require.NoError(t, err)
	require.Len(t, allClosed, 1)
}

// testChanCommitProperties is a rapid property asserting that a channel
// commitment always survives a serialization round trip byte-identically.
func testChanCommitProperties(t *rapid.T) {
	numHtlcs := rapid.IntRange(0, 20).Draw(t, "numHtlcs")
	var htlcs []HTLC
	for i := 0; i < numHtlcs; i++ {
		htlc := HTLC{
			Signature: rapid.SliceOfN(
				rapid.Byte(), 71, 73,
			).Draw(t, "sig"),
			Amt: lnwire.MilliSatoshi(
				rapid.Uint64().Draw(t, "amt"),
			),
			RefundTimeout: rapid.Uint32().Draw(t, "timeout"),
			OutputIndex:   rapid.Int32().Draw(t, "outputIndex"),
			Incoming:      rapid.Bool().Draw(t, "incoming"),
			OnionBlob: rapid.SliceOfN(
				rapid.Byte(), 1366, 1366,
			).Draw(t, "onion"),
			HtlcIndex: rapid.Uint64().Draw(t, "htlcIndex"),
			LogIndex:  rapid.Uint64().Draw(t, "logIndex"),
		}
		copy(
			htlc.RHash[:],
			rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "rhash"),
		)
		htlcs = append(htlcs, htlc)
	}

	commit := ChannelCommitment{
		CommitHeight:    rapid.Uint64().Draw(t, "height"),
		LocalLogIndex:   rapid.Uint64().Draw(t, "localLogIndex"),
		LocalHtlcIndex:  rapid.Uint64().Draw(t, "localHtlcIndex"),
		RemoteLogIndex:  rapid.Uint64().Draw(t, "remoteLogIndex"),
		RemoteHtlcIndex: rapid.Uint64().Draw(t, "remoteHtlcIndex"),
		LocalBalance: lnwire.MilliSatoshi(
			rapid.Uint64().Draw(t, "localBalance"),
		),
		RemoteBalance: lnwire.MilliSatoshi(
			rapid.Uint64().Draw(t, "remoteBalance"),
		),
		CommitFee: btcutil.Amount(
			rapid.Int64Range(0, 21e14).Draw(t, "commitFee"),
		),
		FeePerKw: btcutil.Amount(
			rapid.Int64Range(0, 1e9).Draw(t, "feePerKw"),
		),
		CommitTx: testTx,
		CommitSig: rapid.SliceOfN(
			rapid.Byte(), 71, 73,
		).Draw(t, "commitSig"),
		Htlcs: htlcs,
	}

	var b bytes.Buffer
	require.NoError(t, serializeChanCommit(&b, &commit))

	decodedCommit, err := deserializeChanCommit(bytes.NewReader(b.Bytes()))
	require.NoError(t, err)

	require.Equal(t, commit, decodedCommit)
}

// TestChanCommitSerializationRoundTrip asserts, via a derived property test,
// that channel commitments round trip through the codec.
func TestChanCommitSerializationRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, testChanCommitProperties)
}
