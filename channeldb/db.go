package channeldb

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	dbName = "channel.db"
)

var (
	// openChannelBucket stores all the currently open channels. This
	// bucket has a second, nested bucket which is keyed by a channel's
	// funding outpoint. Within the nested bucket reside the channel's
	// static info, both commitments, the revocation state and the
	// revocation log.
	openChannelBucket = []byte("open-chan-bucket")

	// closedChannelBucket stores summarization information concerning
	// previously open, but now closed channels.
	closedChannelBucket = []byte("closed-chan-bucket")

	// monitorLogBucket houses one nested bucket per channel, keyed by the
	// channel's funding outpoint, which holds the durable, strictly
	// ordered monitor update records for that channel.
	monitorLogBucket = []byte("monitor-log-bucket")

	// monitorArchiveBucket is a distinct namespace into which a channel's
	// monitor update records are moved once its on-chain resolution is
	// complete. Archived and active records can never collide.
	monitorArchiveBucket = []byte("monitor-archive-bucket")

	// preimageBucket is an index of payment preimages we've learned,
	// keyed by payment hash. Preimages needed elsewhere must reach this
	// index (or a completed monitor record) before their monitor may be
	// archived.
	preimageBucket = []byte("preimage-bucket")

	// topLevelBuckets is the set of buckets created on first open.
	topLevelBuckets = [][]byte{
		openChannelBucket,
		closedChannelBucket,
		monitorLogBucket,
		monitorArchiveBucket,
		preimageBucket,
	}
)

// DB is the primary datastore for the daemon. The database stores information
// related to open channels, their commitment states, and the monitor update
// log that makes every state transition durable.
type DB struct {
	// Backend is the underlying key-value store the database is built on.
	Backend kvdb.Backend

	dbPath string
}

// Open opens or creates a channeldb at the target path.
func Open(dbPath string) (*DB, error) {
	path := filepath.Join(dbPath, dbName)

	if !fileExists(path) {
		if err := createChannelDB(dbPath); err != nil {
			return nil, err
		}
	}

	backend, err := kvdb.Open(
		kvdb.BoltBackendName, path, true, kvdb.DefaultDBTimeout, false,
	)
	if err != nil {
		return nil, err
	}

	return &DB{
		Backend: backend,
		dbPath:  dbPath,
	}, nil
}

// Close terminates the underlying database handle manually.
func (d *DB) Close() error {
	return d.Backend.Close()
}

// Path returns the file path to the channel database.
func (d *DB) Path() string {
	return d.dbPath
}

// Wipe completely deletes all saved state within all used buckets within the
// database. The deletion is done in a single transaction, therefore this
// operation is fully atomic.
func (d *DB) Wipe() error {
	return kvdb.Update(d.Backend, func(tx kvdb.RwTx) error {
		for _, bucket := range topLevelBuckets {
			err := tx.DeleteTopLevelBucket(bucket)
			if err != nil && err != kvdb.ErrBucketNotFound {
				return err
			}
		}

		return initTopLevelBuckets(tx)
	}, func() {})
}

// createChannelDB creates and initializes a fresh version of channeldb. In
// the case that the target path has not yet been created or doesn't yet
// exist, then the path is created. Additionally, all required top-level
// buckets used within the database are created.
func createChannelDB(dbPath string) error {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return err
		}
	}

	path := filepath.Join(dbPath, dbName)
	backend, err := kvdb.Create(
		kvdb.BoltBackendName, path, true, kvdb.DefaultDBTimeout, false,
	)
	if err != nil {
		return err
	}

	err = kvdb.Update(backend, func(tx kvdb.RwTx) error {
		return initTopLevelBuckets(tx)
	}, func() {})
	if err != nil {
		backend.Close()
		return fmt.Errorf("unable to create new channeldb: %w", err)
	}

	return backend.Close()
}

// initTopLevelBuckets creates all top-level buckets required by the database.
func initTopLevelBuckets(tx kvdb.RwTx) error {
	for _, bucket := range topLevelBuckets {
		if _, err := tx.CreateTopLevelBucket(bucket); err != nil {
			return err
		}
	}

	return nil
}

// fileExists returns true if the file exists, and false otherwise.
func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// PutPreimage writes the passed preimage to the preimage index, keyed by its
// payment hash. The write is atomic, making the preimage durably recorded
// once this method returns without error.
func (d *DB) PutPreimage(preimage [32]byte) error {
	hash := sha256.Sum256(preimage[:])

	return kvdb.Batch(d.Backend, func(tx kvdb.RwTx) error {
		preimages := tx.ReadWriteBucket(preimageBucket)
		if preimages == nil {
			return ErrPreimageNotFound
		}

		return preimages.Put(hash[:], preimage[:])
	})
}

// LookupPreimage attempts to fetch the preimage matching the passed payment
// hash from the preimage index. ErrPreimageNotFound is returned if no
// preimage has been recorded for the hash.
func (d *DB) LookupPreimage(hash [32]byte) ([32]byte, error) {
	var preimage [32]byte
	err := kvdb.View(d.Backend, func(tx kvdb.RTx) error {
		preimages := tx.ReadBucket(preimageBucket)
		if preimages == nil {
			return ErrPreimageNotFound
		}

		preimageBytes := preimages.Get(hash[:])
		if preimageBytes == nil {
			return ErrPreimageNotFound
		}

		copy(preimage[:], preimageBytes)
		return nil
	}, func() {
		preimage = [32]byte{}
	})
	if err != nil {
		return preimage, err
	}

	return preimage, nil
}

// FetchAllOpenChannels returns all currently open channels stored within the
// database.
func (d *DB) FetchAllOpenChannels() ([]*OpenChannel, error) {
	var channels []*OpenChannel
	err := kvdb.View(d.Backend, func(tx kvdb.RTx) error {
		openChanBucket := tx.ReadBucket(openChannelBucket)
		if openChanBucket == nil {
			return ErrNoActiveChannels
		}

		return openChanBucket.ForEach(func(chanPoint, v []byte) error {
			// Only nested buckets represent channels, any leaf
			// values at this level are skipped.
			if v != nil {
				return nil
			}

			chanBucket := openChanBucket.NestedReadBucket(
				chanPoint,
			)
			if chanBucket == nil {
				return nil
			}

			channel, err := fetchOpenChannel(chanBucket)
			if err != nil {
				return err
			}

			channel.Db = d
			channels = append(channels, channel)

			return nil
		})
	}, func() {
		channels = nil
	})
	if err != nil {
		return nil, err
	}

	return channels, nil
}

// FetchChannel attempts to locate a channel specified by the passed channel
// point. If the channel cannot be found, then ErrChannelNotFound is returned.
func (d *DB) FetchChannel(chanPointBytes []byte) (*OpenChannel, error) {
	var channel *OpenChannel
	err := kvdb.View(d.Backend, func(tx kvdb.RTx) error {
		openChanBucket := tx.ReadBucket(openChannelBucket)
		if openChanBucket == nil {
			return ErrNoActiveChannels
		}

		chanBucket := openChanBucket.NestedReadBucket(chanPointBytes)
		if chanBucket == nil {
			return ErrChannelNotFound
		}

		var err error
		channel, err = fetchOpenChannel(chanBucket)
		if err != nil {
			return err
		}

		channel.Db = d

		return nil
	}, func() {
		channel = nil
	})
	if err != nil {
		return nil, err
	}

	return channel, nil
}

// FetchClosedChannels returns all channels that have been previously closed,
// with a summary describing the final state of each.
func (d *DB) FetchClosedChannels(pendingOnly bool) ([]*ChannelCloseSummary,
	error) {

	var summaries []*ChannelCloseSummary
	err := kvdb.View(d.Backend, func(tx kvdb.RTx) error {
		closedChans := tx.ReadBucket(closedChannelBucket)
		if closedChans == nil {
			return nil
		}

		return closedChans.ForEach(func(_, summaryBytes []byte) error {
			summaryReader := bytes.NewReader(summaryBytes)
			summary, err := deserializeCloseChannelSummary(
				summaryReader,
			)
			if err != nil {
				return err
			}

			if pendingOnly && !summary.IsPending {
				return nil
			}

			summaries = append(summaries, summary)
			return nil
		})
	}, func() {
		summaries = nil
	})
	if err != nil {
		return nil, err
	}

	return summaries, nil
}

// MarkChanFullyClosed marks a channel as fully closed within the database. A
// channel should be marked as fully closed if the channel was initially
// cooperatively closed and it's reached a single confirmation, or after all
// the pending funds in a channel that has been forcibly closed have been
// swept.
func (d *DB) MarkChanFullyClosed(chanPoint *wire.OutPoint) error {
	var chanPointBuf bytes.Buffer
	if err := writeOutpoint(&chanPointBuf, chanPoint); err != nil {
		return err
	}
	chanPointBytes := chanPointBuf.Bytes()

	return kvdb.Update(d.Backend, func(tx kvdb.RwTx) error {
		closedChans := tx.ReadWriteBucket(closedChannelBucket)
		if closedChans == nil {
			return ErrChannelNotFound
		}

		summaryBytes := closedChans.Get(chanPointBytes)
		if summaryBytes == nil {
			return ErrChannelNotFound
		}

		summary, err := deserializeCloseChannelSummary(
			bytes.NewReader(summaryBytes),
		)
		if err != nil {
			return err
		}

		summary.IsPending = false

		var b bytes.Buffer
		if err := serializeChannelCloseSummary(&b, summary); err != nil {
			return err
		}

		return closedChans.Put(chanPointBytes, b.Bytes())
	}, func() {})
}
