package channeldb

import (
	"bytes"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testChanPoint = wire.OutPoint{
	Hash:  chainhash.Hash{0xde, 0xad, 0xbe, 0xef},
	Index: 1,
}

func makeTestMonitorLog(t *testing.T, cdb *DB) *MonitorLog {
	t.Helper()

	monitorLog, err := NewMonitorLog(cdb, testChanPoint)
	require.NoError(t, err, "unable to open monitor log")

	return monitorLog
}

// testCommitment returns a minimal commitment at the given height carrying
// the passed set of HTLC indexes.
func testCommitment(height uint64, htlcIndexes ...uint64) *ChannelCommitment {
	commit := &ChannelCommitment{
		CommitHeight: height,
		CommitTx:     testTx,
		CommitSig:    bytes.Repeat([]byte{1}, 71),
	}
	for _, htlcIndex := range htlcIndexes {
		commit.Htlcs = append(commit.Htlcs, HTLC{
			HtlcIndex: htlcIndex,
			Signature: bytes.Repeat([]byte{2}, 71),
			OnionBlob: bytes.Repeat([]byte{3}, 1366),
		})
	}

	return commit
}

// TestMonitorLogStrictOrdering asserts that records must be appended with
// strictly sequential update IDs: gaps and duplicates are rejected with
// ErrOutOfOrderUpdate rather than reordered.
func TestMonitorLogStrictOrdering(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)
	monitorLog := makeTestMonitorLog(t, cdb)

	// The first record must carry update ID 1.
	status, err := monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:   1,
		Commitment: testCommitment(1),
	})
	require.NoError(t, err)
	require.Equal(t, UpdateCompleted, status)

	// Appending update 3 while update 2 is outstanding must be rejected.
	_, err = monitorLog.Append(&MonitorUpdateRecord{UpdateID: 3})
	require.ErrorIs(t, err, ErrOutOfOrderUpdate)

	// Re-applying update 1 is a duplicate, also rejected.
	_, err = monitorLog.Append(&MonitorUpdateRecord{UpdateID: 1})
	require.ErrorIs(t, err, ErrOutOfOrderUpdate)

	// Update 2 is the expected next record.
	_, err = monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:   2,
		Commitment: testCommitment(2),
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, monitorLog.LastAppliedID())
}

// TestMonitorLogMalformedUpdates asserts that records referencing unknown
// HTLCs or regressing commitment heights are rejected as malformed.
func TestMonitorLogMalformedUpdates(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)
	monitorLog := makeTestMonitorLog(t, cdb)

	// Lock in a commitment at height 5 which introduces HTLC index 7.
	_, err := monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:   1,
		Commitment: testCommitment(5, 7),
	})
	require.NoError(t, err)

	// A record whose commitment height moves backwards is malformed.
	_, err = monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:   2,
		Commitment: testCommitment(3),
	})
	require.ErrorIs(t, err, ErrMalformedUpdate)

	// A resolution for an HTLC index we've never seen is malformed.
	_, err = monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:      2,
		ResolvedHtlcs: []uint64{42},
	})
	require.ErrorIs(t, err, ErrMalformedUpdate)

	// Resolving the known HTLC index is accepted. Note the update ID is
	// still 2: the malformed records above were never applied.
	_, err = monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:      2,
		ResolvedHtlcs: []uint64{7},
	})
	require.NoError(t, err)
}

// TestMonitorLogRejectedRecordLeavesNoTrace asserts that a rejected record
// leaves no mark on the log's validation state: HTLCs introduced by a
// rejected record's commitment must not become resolvable later.
func TestMonitorLogRejectedRecordLeavesNoTrace(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)
	monitorLog := makeTestMonitorLog(t, cdb)

	_, err := monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:   1,
		Commitment: testCommitment(1, 1),
	})
	require.NoError(t, err)

	// This record is malformed: it resolves HTLC 99, which no commitment
	// has introduced. Its own commitment names HTLC 5.
	_, err = monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:      2,
		Commitment:    testCommitment(2, 5),
		ResolvedHtlcs: []uint64{99},
	})
	require.ErrorIs(t, err, ErrMalformedUpdate)

	// HTLC 5 was only ever named by the rejected record, so resolving it
	// now must be malformed as well.
	_, err = monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:      2,
		ResolvedHtlcs: []uint64{5},
	})
	require.ErrorIs(t, err, ErrMalformedUpdate)

	// A well formed record may still introduce and resolve an HTLC in a
	// single step.
	_, err = monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:      2,
		Commitment:    testCommitment(2, 5),
		ResolvedHtlcs: []uint64{5},
	})
	require.NoError(t, err)
}

// TestMonitorLogAsyncCompletion asserts the InProgress contract: AppendAsync
// reserves the update ID immediately, signals completion asynchronously, and
// the record is durable once the completion fires.
func TestMonitorLogAsyncCompletion(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)
	monitorLog := makeTestMonitorLog(t, cdb)

	status, done, err := monitorLog.AppendAsync(&MonitorUpdateRecord{
		UpdateID:   1,
		Commitment: testCommitment(1),
	})
	require.NoError(t, err)
	require.Equal(t, UpdateInProgress, status)

	// The ID is reserved immediately, so a concurrent append of the next
	// record is already valid.
	require.EqualValues(t, 1, monitorLog.LastAppliedID())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("async append never completed")
	}

	// After completion the record must be durable: a fresh log instance
	// reading from disk picks up where we left off.
	monitorLog.WaitForShutdown()
	freshLog := makeTestMonitorLog(t, cdb)
	require.EqualValues(t, 1, freshLog.LastAppliedID())
}

// TestMonitorLogRestart asserts that a restarted log resumes with the same
// update ID sequence and replays records in order.
func TestMonitorLogRestart(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)
	monitorLog := makeTestMonitorLog(t, cdb)

	secret := chainhash.Hash{0x01}
	records := []*MonitorUpdateRecord{
		{UpdateID: 1, Commitment: testCommitment(1, 0)},
		{UpdateID: 2, RevocationSecret: &secret},
		{UpdateID: 3, ResolvedHtlcs: []uint64{0}},
	}
	for _, record := range records {
		_, err := monitorLog.Append(record)
		require.NoError(t, err)
	}

	// Re-open the log, as if the process restarted.
	freshLog := makeTestMonitorLog(t, cdb)
	require.EqualValues(t, 3, freshLog.LastAppliedID())

	// Replay should observe all three records in update ID order.
	var replayed []uint64
	err := freshLog.ForEachRecord(func(r *MonitorUpdateRecord) error {
		replayed = append(replayed, r.UpdateID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, replayed)

	// The restored log must reject stale and accept sequential appends.
	_, err = freshLog.Append(&MonitorUpdateRecord{UpdateID: 3})
	require.ErrorIs(t, err, ErrOutOfOrderUpdate)

	_, err = freshLog.Append(&MonitorUpdateRecord{UpdateID: 4})
	require.NoError(t, err)
}

// TestMonitorLogArchival asserts the archival contract: archival is refused
// while preimages are unpersisted, moves records to the archive namespace,
// and permanently refuses further appends.
func TestMonitorLogArchival(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)
	monitorLog := makeTestMonitorLog(t, cdb)

	_, err := monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:   1,
		Commitment: testCommitment(1),
	})
	require.NoError(t, err)

	// Note a preimage as known but not yet durable. Archival must be
	// refused until it reaches disk.
	var preimage [32]byte
	preimage[0] = 0xaa
	monitorLog.NotePreimage(preimage)

	require.ErrorIs(t, monitorLog.Archive(), ErrUnpersistedPreimage)

	// Persist the preimage, then archival should succeed.
	require.NoError(t, monitorLog.PersistPreimage(preimage))
	require.NoError(t, monitorLog.Archive())

	// The preimage is now retrievable from the index.
	hash := sha256.Sum256(preimage[:])
	gotPreimage, err := cdb.LookupPreimage(hash)
	require.NoError(t, err)
	require.Equal(t, preimage, gotPreimage)

	// Once archived, appends are refused permanently.
	_, err = monitorLog.Append(&MonitorUpdateRecord{UpdateID: 2})
	require.ErrorIs(t, err, ErrMonitorArchived)

	// A fresh instance sees the archived state and the final update ID,
	// so update IDs can never be reused.
	freshLog := makeTestMonitorLog(t, cdb)
	require.EqualValues(t, 1, freshLog.LastAppliedID())
	_, err = freshLog.Append(&MonitorUpdateRecord{UpdateID: 2})
	require.ErrorIs(t, err, ErrMonitorArchived)

	// The archived records remain replayable.
	var replayed []uint64
	err = freshLog.ForEachRecord(func(r *MonitorUpdateRecord) error {
		replayed = append(replayed, r.UpdateID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, replayed)
}

// TestMonitorLogPreimageViaRecord asserts that a preimage carried in a
// completed record counts as durably recorded for archival purposes.
func TestMonitorLogPreimageViaRecord(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)
	monitorLog := makeTestMonitorLog(t, cdb)

	var preimage [32]byte
	preimage[0] = 0xbb
	monitorLog.NotePreimage(preimage)

	// Appending a completed record carrying the preimage clears the
	// archival blocker.
	_, err := monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:  1,
		Preimages: [][32]byte{preimage},
	})
	require.NoError(t, err)

	require.NoError(t, monitorLog.Archive())
}

// testMonitorRecordProperties is a rapid property asserting that monitor
// update records round trip through their tlv serialization.
func testMonitorRecordProperties(t *rapid.T) {
	record := &MonitorUpdateRecord{
		UpdateID: rapid.Uint64().Draw(t, "updateID"),
	}

	if rapid.Bool().Draw(t, "hasCommit") {
		record.Commitment = testCommitment(
			rapid.Uint64().Draw(t, "height"),
			rapid.SliceOfN(
				rapid.Uint64(), 0, 5,
			).Draw(t, "htlcIndexes")...,
		)
	}

	if rapid.Bool().Draw(t, "hasSecret") {
		var secret chainhash.Hash
		copy(
			secret[:],
			rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "secret"),
		)
		record.RevocationSecret = &secret
	}

	numPreimages := rapid.IntRange(0, 4).Draw(t, "numPreimages")
	for i := 0; i < numPreimages; i++ {
		var preimage [32]byte
		copy(
			preimage[:],
			rapid.SliceOfN(
				rapid.Byte(), 32, 32,
			).Draw(t, "preimage"),
		)
		record.Preimages = append(record.Preimages, preimage)
	}

	if rapid.Bool().Draw(t, "hasSpend") {
		var txid chainhash.Hash
		copy(
			txid[:],
			rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "txid"),
		)
		record.SpendTxid = &txid
		record.SpendHeight = rapid.Uint32().Draw(t, "spendHeight")
	}

	var b bytes.Buffer
	require.NoError(t, serializeMonitorRecord(&b, record))

	decodedRecord, err := deserializeMonitorRecord(
		bytes.NewReader(b.Bytes()),
	)
	require.NoError(t, err)
	decodedRecord.UpdateID = record.UpdateID

	require.Equal(t, record, decodedRecord)
}

// TestMonitorRecordSerializationRoundTrip asserts, via a derived property
// test, that monitor update records round trip through the codec.
func TestMonitorRecordSerializationRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, testMonitorRecordProperties)
}

// TestMonitorLogGapDetection asserts that a durable gap in the update ID
// sequence, left behind by out-of-order async writes racing a crash, renders
// the log unrecoverable on restore.
func TestMonitorLogGapDetection(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)
	monitorLog := makeTestMonitorLog(t, cdb)

	_, err := monitorLog.Append(&MonitorUpdateRecord{
		UpdateID:   1,
		Commitment: testCommitment(1),
	})
	require.NoError(t, err)

	// Simulate the crash aftermath: update 3 reached disk while update 2
	// never did.
	var payload bytes.Buffer
	require.NoError(t, serializeMonitorRecord(
		&payload, &MonitorUpdateRecord{UpdateID: 3},
	))
	key := makeLogKey(3)

	var chanPointBuf bytes.Buffer
	require.NoError(t, writeOutpoint(&chanPointBuf, &testChanPoint))

	err = kvdb.Update(cdb.Backend, func(tx kvdb.RwTx) error {
		chanLog := tx.ReadWriteBucket(monitorLogBucket).
			NestedReadWriteBucket(chanPointBuf.Bytes())

		return chanLog.Put(key[:], payload.Bytes())
	}, func() {})
	require.NoError(t, err)

	// On restore the gap must be detected and every further append
	// refused.
	restored, err := NewMonitorLog(cdb, testChanPoint)
	require.NoError(t, err)

	_, err = restored.Append(&MonitorUpdateRecord{UpdateID: 4})
	require.ErrorIs(t, err, ErrUnrecoverableLog)
}
