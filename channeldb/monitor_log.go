package channeldb

import (
	"bytes"
	"crypto/sha256"
	"io"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

// MonitorUpdateStatus describes the durability state of a single monitor
// update record handed to Append.
type MonitorUpdateStatus uint8

const (
	// UpdateCompleted indicates the record has been durably written. Any
	// state transition gated on the record may now proceed.
	UpdateCompleted MonitorUpdateStatus = iota

	// UpdateInProgress indicates the write has been accepted but not yet
	// made durable. Completion will be signaled asynchronously, and
	// dependent transitions must queue until it is.
	UpdateInProgress
)

// String returns a human-readable representation of the status.
func (s MonitorUpdateStatus) String() string {
	switch s {
	case UpdateCompleted:
		return "Completed"
	case UpdateInProgress:
		return "InProgress"
	default:
		return "Unknown"
	}
}

// TLV types for the serialized monitor update record. The update ID itself
// is the bucket key, so it isn't repeated in the payload.
const (
	commitmentRecordType    tlv.Type = 1
	revocationSecretType    tlv.Type = 2
	preimagesRecordType     tlv.Type = 3
	resolvedHtlcsRecordType tlv.Type = 4
	spendTxidRecordType     tlv.Type = 5
	spendHeightRecordType   tlv.Type = 6
)

// MonitorUpdateRecord is one durable diff of channel state. The record
// carries the delta needed to reconstruct the ledger: a new commitment, a
// newly disclosed revocation secret, newly learned preimages, HTLC
// resolutions, and chain-observed facts.
type MonitorUpdateRecord struct {
	// UpdateID is the strictly monotonically increasing sequence number
	// of this record within its channel. IDs are never reused, even
	// after the channel has closed.
	UpdateID uint64

	// Commitment is the new remote commitment locked in by this update,
	// if any.
	Commitment *ChannelCommitment

	// RevocationSecret is the per-commitment secret disclosed by the
	// counterparty for the state this update supersedes, if any.
	RevocationSecret *chainhash.Hash

	// Preimages is the set of payment preimages learned as part of this
	// update.
	Preimages [][32]byte

	// ResolvedHtlcs is the set of HTLC indexes moved to a terminal state
	// by this update. Each index must already be known to the log via a
	// prior commitment.
	ResolvedHtlcs []uint64

	// SpendTxid is the txid of a confirmed transaction spending the
	// funding output, if this update records a chain-observed fact.
	SpendTxid *chainhash.Hash

	// SpendHeight is the height at which SpendTxid confirmed.
	SpendHeight uint32
}

// serializeMonitorRecord writes the record payload as a tlv stream, with
// only the populated fields present.
func serializeMonitorRecord(w io.Writer, record *MonitorUpdateRecord) error {
	var records []tlv.Record

	if record.Commitment != nil {
		var b bytes.Buffer
		err := serializeChanCommit(&b, record.Commitment)
		if err != nil {
			return err
		}
		commitBytes := b.Bytes()
		records = append(records, tlv.MakePrimitiveRecord(
			commitmentRecordType, &commitBytes,
		))
	}

	if record.RevocationSecret != nil {
		secret := [32]byte(*record.RevocationSecret)
		records = append(records, tlv.MakePrimitiveRecord(
			revocationSecretType, &secret,
		))
	}

	if len(record.Preimages) > 0 {
		preimageBytes := make([]byte, 0, len(record.Preimages)*32)
		for _, preimage := range record.Preimages {
			preimageBytes = append(preimageBytes, preimage[:]...)
		}
		records = append(records, tlv.MakePrimitiveRecord(
			preimagesRecordType, &preimageBytes,
		))
	}

	if len(record.ResolvedHtlcs) > 0 {
		htlcBytes := make([]byte, 0, len(record.ResolvedHtlcs)*8)
		for _, htlcIndex := range record.ResolvedHtlcs {
			var index [8]byte
			byteOrder.PutUint64(index[:], htlcIndex)
			htlcBytes = append(htlcBytes, index[:]...)
		}
		records = append(records, tlv.MakePrimitiveRecord(
			resolvedHtlcsRecordType, &htlcBytes,
		))
	}

	if record.SpendTxid != nil {
		txid := [32]byte(*record.SpendTxid)
		records = append(records, tlv.MakePrimitiveRecord(
			spendTxidRecordType, &txid,
		))
		records = append(records, tlv.MakePrimitiveRecord(
			spendHeightRecordType, &record.SpendHeight,
		))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// deserializeMonitorRecord reads a record payload previously written by
// serializeMonitorRecord. The update ID must be restored by the caller from
// the bucket key.
func deserializeMonitorRecord(r io.Reader) (*MonitorUpdateRecord, error) {
	var (
		record        MonitorUpdateRecord
		commitBytes   []byte
		secret        [32]byte
		preimageBytes []byte
		htlcBytes     []byte
		txid          [32]byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(commitmentRecordType, &commitBytes),
		tlv.MakePrimitiveRecord(revocationSecretType, &secret),
		tlv.MakePrimitiveRecord(preimagesRecordType, &preimageBytes),
		tlv.MakePrimitiveRecord(resolvedHtlcsRecordType, &htlcBytes),
		tlv.MakePrimitiveRecord(spendTxidRecordType, &txid),
		tlv.MakePrimitiveRecord(
			spendHeightRecordType, &record.SpendHeight,
		),
	)
	if err != nil {
		return nil, err
	}

	parsedTypes, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, err
	}

	if _, ok := parsedTypes[commitmentRecordType]; ok {
		commit, err := deserializeChanCommit(
			bytes.NewReader(commitBytes),
		)
		if err != nil {
			return nil, err
		}
		record.Commitment = &commit
	}

	if _, ok := parsedTypes[revocationSecretType]; ok {
		revSecret := chainhash.Hash(secret)
		record.RevocationSecret = &revSecret
	}

	if _, ok := parsedTypes[preimagesRecordType]; ok {
		for i := 0; i+32 <= len(preimageBytes); i += 32 {
			var preimage [32]byte
			copy(preimage[:], preimageBytes[i:i+32])
			record.Preimages = append(
				record.Preimages, preimage,
			)
		}
	}

	if _, ok := parsedTypes[resolvedHtlcsRecordType]; ok {
		for i := 0; i+8 <= len(htlcBytes); i += 8 {
			record.ResolvedHtlcs = append(
				record.ResolvedHtlcs,
				byteOrder.Uint64(htlcBytes[i:i+8]),
			)
		}
	}

	if _, ok := parsedTypes[spendTxidRecordType]; ok {
		spendTxid := chainhash.Hash(txid)
		record.SpendTxid = &spendTxid
	}

	return &record, nil
}

// MonitorLog is the durable, strictly ordered monitor update log for a single
// channel. Every record appended advances the channel's last applied update
// ID by exactly one; gaps and duplicates are rejected rather than reordered.
//
// A MonitorLog may be driven synchronously (Append) or asynchronously
// (AppendAsync). In the asynchronous mode the caller receives a completion
// channel and must queue any dependent state transition, such as disclosing
// a revocation secret, until the completion fires without error.
type MonitorLog struct {
	db        *DB
	chanPoint wire.OutPoint
	keyScope  []byte

	mtx sync.Mutex

	// lastReservedID is the highest update ID accepted for writing,
	// including writes still in flight.
	lastReservedID uint64

	// commitHeight is the height of the latest commitment carried by an
	// accepted record. Records carrying a lower commitment are malformed.
	commitHeight uint64

	// knownHtlcs is the set of HTLC indexes introduced by accepted
	// commitments. Resolutions referencing unknown indexes are malformed.
	knownHtlcs map[uint64]struct{}

	// pendingWrites tracks asynchronous appends that have not yet been
	// signaled complete.
	pendingWrites map[uint64]struct{}

	// pendingPreimages is the set of preimage hashes known to this log
	// but not yet durably recorded anywhere.
	pendingPreimages map[[32]byte]struct{}

	// failed is set once a durable write has failed. From then on the
	// log is unrecoverable and every append is refused.
	failed bool

	archived bool

	wg sync.WaitGroup
}

// NewMonitorLog opens the monitor update log for the given channel,
// restoring the last applied update ID and derived validation state from
// disk. If the channel's log has been archived, the returned log refuses
// further appends but still reports its final update ID.
func NewMonitorLog(db *DB, chanPoint wire.OutPoint) (*MonitorLog, error) {
	var chanPointBuf bytes.Buffer
	if err := writeOutpoint(&chanPointBuf, &chanPoint); err != nil {
		return nil, err
	}

	l := &MonitorLog{
		db:               db,
		chanPoint:        chanPoint,
		keyScope:         chanPointBuf.Bytes(),
		knownHtlcs:       make(map[uint64]struct{}),
		pendingWrites:    make(map[uint64]struct{}),
		pendingPreimages: make(map[[32]byte]struct{}),
	}

	err := kvdb.View(db.Backend, func(tx kvdb.RTx) error {
		// The active namespace takes precedence. If the channel's
		// records have been moved to the archive namespace, restore
		// the final update ID from there instead so IDs are never
		// reused.
		activeLogs := tx.ReadBucket(monitorLogBucket)
		if activeLogs != nil {
			chanLog := activeLogs.NestedReadBucket(l.keyScope)
			if chanLog != nil {
				return l.restoreFromBucket(chanLog)
			}
		}

		archivedLogs := tx.ReadBucket(monitorArchiveBucket)
		if archivedLogs != nil {
			chanLog := archivedLogs.NestedReadBucket(l.keyScope)
			if chanLog != nil {
				l.archived = true
				return l.restoreFromBucket(chanLog)
			}
		}

		return nil
	}, func() {
		l.lastReservedID = 0
		l.commitHeight = 0
		l.knownHtlcs = make(map[uint64]struct{})
		l.failed = false
	})
	if err != nil {
		return nil, err
	}

	return l, nil
}

// restoreFromBucket replays the records within the passed bucket in order to
// rebuild the in-memory validation state.
func (l *MonitorLog) restoreFromBucket(chanLog kvdb.RBucket) error {
	return chanLog.ForEach(func(k, v []byte) error {
		updateID := byteOrder.Uint64(k)

		// Keys iterate in ascending order, so any non-contiguous ID
		// marks a durable gap: a later async write completed while an
		// earlier one was lost to a crash. Nothing past the gap can
		// be trusted, so the log is refused as unrecoverable.
		if updateID != l.lastReservedID+1 {
			l.failed = true

			log.Errorf("ChannelPoint(%v): monitor log gap, "+
				"update %d follows %d", l.chanPoint, updateID,
				l.lastReservedID)
		}
		if updateID > l.lastReservedID {
			l.lastReservedID = updateID
		}

		record, err := deserializeMonitorRecord(bytes.NewReader(v))
		if err != nil {
			return err
		}
		record.UpdateID = updateID

		l.absorbRecord(record)
		return nil
	})
}

// absorbRecord folds a durably applied record into the derived validation
// state.
func (l *MonitorLog) absorbRecord(record *MonitorUpdateRecord) {
	if record.Commitment != nil {
		if record.Commitment.CommitHeight > l.commitHeight {
			l.commitHeight = record.Commitment.CommitHeight
		}
		for _, htlc := range record.Commitment.Htlcs {
			l.knownHtlcs[htlc.HtlcIndex] = struct{}{}
		}
	}

	for _, preimage := range record.Preimages {
		hash := sha256.Sum256(preimage[:])
		delete(l.pendingPreimages, hash)
	}
}

// LastAppliedID returns the update ID of the most recent record accepted by
// the log, including asynchronous writes still in flight.
func (l *MonitorLog) LastAppliedID() uint64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	return l.lastReservedID
}

// KnownHtlc reports whether the passed HTLC index has been introduced by a
// commitment carried in an accepted record.
func (l *MonitorLog) KnownHtlc(htlcIndex uint64) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	_, ok := l.knownHtlcs[htlcIndex]
	return ok
}

// validateRecord enforces the ordering and well-formedness contract for a
// candidate record. The caller must hold the log's mutex.
func (l *MonitorLog) validateRecord(record *MonitorUpdateRecord) error {
	switch {
	case l.failed:
		return ErrUnrecoverableLog

	case l.archived:
		return ErrMonitorArchived

	// Records must be applied in update_id order: a gap or a duplicate
	// is rejected, never reordered.
	case record.UpdateID != l.lastReservedID+1:
		return ErrOutOfOrderUpdate

	// A commitment can never move backwards.
	case record.Commitment != nil &&
		record.Commitment.CommitHeight < l.commitHeight:

		return ErrMalformedUpdate
	}

	// Resolutions must reference HTLCs introduced by an earlier (or this
	// very) commitment. The candidate's own commitment is consulted
	// directly here, the derived state only absorbs it once the record
	// has been durably written. A rejected record must leave no trace.
	introduced := func(htlcIndex uint64) bool {
		if record.Commitment == nil {
			return false
		}
		for _, htlc := range record.Commitment.Htlcs {
			if htlc.HtlcIndex == htlcIndex {
				return true
			}
		}

		return false
	}
	for _, htlcIndex := range record.ResolvedHtlcs {
		if _, ok := l.knownHtlcs[htlcIndex]; !ok &&
			!introduced(htlcIndex) {

			return ErrMalformedUpdate
		}
	}

	return nil
}

// writeRecord persists the record within the active namespace in a single
// atomic transaction.
func (l *MonitorLog) writeRecord(record *MonitorUpdateRecord) error {
	var payload bytes.Buffer
	if err := serializeMonitorRecord(&payload, record); err != nil {
		return err
	}

	key := makeLogKey(record.UpdateID)

	return kvdb.Update(l.db.Backend, func(tx kvdb.RwTx) error {
		activeLogs := tx.ReadWriteBucket(monitorLogBucket)
		if activeLogs == nil {
			return ErrUnrecoverableLog
		}

		chanLog, err := activeLogs.CreateBucketIfNotExists(
			l.keyScope,
		)
		if err != nil {
			return err
		}

		return chanLog.Put(key[:], payload.Bytes())
	}, func() {})
}

// Append durably writes the passed record before returning. On success the
// returned status is always UpdateCompleted, meaning dependent state
// transitions may proceed immediately.
func (l *MonitorLog) Append(
	record *MonitorUpdateRecord) (MonitorUpdateStatus, error) {

	l.mtx.Lock()
	if err := l.validateRecord(record); err != nil {
		l.mtx.Unlock()
		return 0, err
	}
	l.lastReservedID = record.UpdateID
	l.mtx.Unlock()

	if err := l.writeRecord(record); err != nil {
		l.mtx.Lock()
		l.failed = true
		l.mtx.Unlock()

		log.Errorf("ChannelPoint(%v): monitor update %d failed: %v",
			l.chanPoint, record.UpdateID, err)

		return 0, ErrUnrecoverableLog
	}

	l.mtx.Lock()
	l.absorbRecord(record)
	l.mtx.Unlock()

	return UpdateCompleted, nil
}

// AppendAsync accepts the record for asynchronous persistence, returning
// UpdateInProgress along with a completion channel. The channel fires with a
// nil error once the record is durable, at which point queued dependent
// transitions may resume. A non-nil error renders the log unrecoverable; the
// caller must treat the channel as failed and must not broadcast state whose
// durability was never confirmed.
func (l *MonitorLog) AppendAsync(record *MonitorUpdateRecord) (
	MonitorUpdateStatus, <-chan error, error) {

	l.mtx.Lock()
	if err := l.validateRecord(record); err != nil {
		l.mtx.Unlock()
		return 0, nil, err
	}
	l.lastReservedID = record.UpdateID
	l.pendingWrites[record.UpdateID] = struct{}{}
	l.mtx.Unlock()

	done := make(chan error, 1)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		err := l.writeRecord(record)

		l.mtx.Lock()
		delete(l.pendingWrites, record.UpdateID)
		if err != nil {
			l.failed = true
		} else {
			l.absorbRecord(record)
		}
		l.mtx.Unlock()

		if err != nil {
			log.Errorf("ChannelPoint(%v): async monitor update "+
				"%d failed: %v", l.chanPoint,
				record.UpdateID, err)

			done <- ErrUnrecoverableLog
			return
		}

		done <- nil
	}()

	return UpdateInProgress, done, nil
}

// NotePreimage registers a preimage as known but not yet durably recorded.
// Archival is refused until the preimage reaches disk, either by appearing
// in a completed record or via PersistPreimage.
func (l *MonitorLog) NotePreimage(preimage [32]byte) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	hash := sha256.Sum256(preimage[:])
	l.pendingPreimages[hash] = struct{}{}
}

// PersistPreimage durably writes the passed preimage to the preimage index
// and clears it from the set blocking archival.
func (l *MonitorLog) PersistPreimage(preimage [32]byte) error {
	if err := l.db.PutPreimage(preimage); err != nil {
		return err
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	hash := sha256.Sum256(preimage[:])
	delete(l.pendingPreimages, hash)

	return nil
}

// ForEachRecord replays every durably written record in update ID order.
func (l *MonitorLog) ForEachRecord(
	cb func(*MonitorUpdateRecord) error) error {

	return kvdb.View(l.db.Backend, func(tx kvdb.RTx) error {
		bucket := monitorLogBucket
		if l.archived {
			bucket = monitorArchiveBucket
		}

		logs := tx.ReadBucket(bucket)
		if logs == nil {
			return nil
		}

		chanLog := logs.NestedReadBucket(l.keyScope)
		if chanLog == nil {
			return nil
		}

		return chanLog.ForEach(func(k, v []byte) error {
			record, err := deserializeMonitorRecord(
				bytes.NewReader(v),
			)
			if err != nil {
				return err
			}
			record.UpdateID = byteOrder.Uint64(k)

			return cb(record)
		})
	}, func() {})
}

// Archive moves the channel's records from the active namespace into the
// archive namespace. Archival is refused while asynchronous writes are
// outstanding (ErrPendingUpdates) or while any known preimage has not been
// durably recorded (ErrUnpersistedPreimage). Once archived, the log accepts
// no further appends.
func (l *MonitorLog) Archive() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	switch {
	case l.archived:
		return nil

	case l.failed:
		return ErrUnrecoverableLog

	case len(l.pendingWrites) > 0:
		return ErrPendingUpdates

	case len(l.pendingPreimages) > 0:
		return ErrUnpersistedPreimage
	}

	err := kvdb.Update(l.db.Backend, func(tx kvdb.RwTx) error {
		activeLogs := tx.ReadWriteBucket(monitorLogBucket)
		if activeLogs == nil {
			return ErrUnrecoverableLog
		}

		chanLog := activeLogs.NestedReadWriteBucket(l.keyScope)
		if chanLog == nil {
			// Nothing was ever written, archival is a no-op.
			return nil
		}

		archivedLogs := tx.ReadWriteBucket(monitorArchiveBucket)
		if archivedLogs == nil {
			return ErrUnrecoverableLog
		}

		archivedChanLog, err := archivedLogs.CreateBucketIfNotExists(
			l.keyScope,
		)
		if err != nil {
			return err
		}

		err = chanLog.ForEach(func(k, v []byte) error {
			return archivedChanLog.Put(k, v)
		})
		if err != nil {
			return err
		}

		return activeLogs.DeleteNestedBucket(l.keyScope)
	}, func() {})
	if err != nil {
		return err
	}

	l.archived = true

	log.Infof("ChannelPoint(%v): monitor log archived at update %d",
		l.chanPoint, l.lastReservedID)

	return nil
}

// WaitForShutdown blocks until all asynchronous writes have finished.
func (l *MonitorLog) WaitForShutdown() {
	l.wg.Wait()
}
