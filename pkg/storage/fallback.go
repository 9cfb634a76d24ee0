package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sierra-labs/blueplane/pkg/types"
)

var bucketCDCUnpublished = []byte("cdc_unpublished")

// CDCFallback records CDC records that failed to publish after a batch
// commit, keyed by batch id, until the sweeper re-emits them. Raw-store
// durability is the chain-of-custody anchor; this log only protects the
// derivable CDC projection.
type CDCFallback struct {
	db *bolt.DB
}

// fallbackRecord is the serialized form of one unpublished CDC record.
type fallbackRecord struct {
	EventID           string            `json:"event_id"`
	EnqueuedAt        time.Time         `json:"enqueued_at"`
	Platform          string            `json:"platform"`
	ExternalSessionID string            `json:"external_session_id"`
	EventType         string            `json:"event_type"`
	BatchID           int64             `json:"batch_id"`
	Payload           types.Payload     `json:"payload,omitempty"`
	Ref               *types.PayloadRef `json:"payload_ref,omitempty"`
}

// OpenCDCFallback opens (creating if needed) the fallback log at path.
func OpenCDCFallback(path string) (*CDCFallback, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cdc fallback log: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCDCUnpublished)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cdc fallback bucket: %w", err)
	}
	return &CDCFallback{db: db}, nil
}

// Close closes the database.
func (f *CDCFallback) Close() error {
	return f.db.Close()
}

// Put records the unpublished CDC records of a batch.
func (f *CDCFallback) Put(batchID int64, recs []*types.CDCRecord) error {
	wire := make([]fallbackRecord, len(recs))
	for i, r := range recs {
		wire[i] = fallbackRecord{
			EventID:           r.EventID,
			EnqueuedAt:        r.EnqueuedAt,
			Platform:          r.Platform,
			ExternalSessionID: r.ExternalSessionID,
			EventType:         string(r.EventType),
			BatchID:           r.BatchID,
			Payload:           r.Payload,
			Ref:               r.Ref,
		}
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("failed to serialize fallback records: %w", err)
	}
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCDCUnpublished).Put(batchKey(batchID), data)
	})
}

// Sweep invokes fn for every pending batch in batch-id order and removes
// entries fn handled without error. The first error stops the sweep.
func (f *CDCFallback) Sweep(fn func(batchID int64, recs []*types.CDCRecord) error) error {
	type entry struct {
		batchID int64
		recs    []*types.CDCRecord
	}
	var entries []entry
	err := f.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCDCUnpublished).ForEach(func(k, v []byte) error {
			var wire []fallbackRecord
			if err := json.Unmarshal(v, &wire); err != nil {
				return fmt.Errorf("corrupt fallback entry %d: %w", batchIDFromKey(k), err)
			}
			recs := make([]*types.CDCRecord, len(wire))
			for i, w := range wire {
				recs[i] = &types.CDCRecord{
					EventID:           w.EventID,
					EnqueuedAt:        w.EnqueuedAt,
					Platform:          w.Platform,
					ExternalSessionID: w.ExternalSessionID,
					EventType:         types.EventType(w.EventType),
					BatchID:           w.BatchID,
					Payload:           w.Payload,
					Ref:               w.Ref,
				}
			}
			entries = append(entries, entry{batchID: batchIDFromKey(k), recs: recs})
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.batchID, e.recs); err != nil {
			return err
		}
		err = f.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketCDCUnpublished).Delete(batchKey(e.batchID))
		})
		if err != nil {
			return fmt.Errorf("failed to clear fallback entry %d: %w", e.batchID, err)
		}
	}
	return nil
}

// Pending returns the number of batches awaiting republish.
func (f *CDCFallback) Pending() (int, error) {
	var n int
	err := f.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketCDCUnpublished).Stats().KeyN
		return nil
	})
	return n, err
}

func batchKey(batchID int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(batchID))
	return k[:]
}

func batchIDFromKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}
