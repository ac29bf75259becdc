// Package storage provides the persistent telemetry archive of the CNC digital twin.
// It uses BoltDB as the underlying storage engine to store synthesized telemetry
// records, raw machine payloads received from the bus, and training run summaries.
//
// Keys are "<machine>_<zero-padded unix nanos>" so a cursor walks one machine's
// history in time order.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"cnc-twin/internal/telemetry"

	"go.etcd.io/bbolt"
)

const (
	telemetryBucket = "telemetry"     // Bucket name for synthesized telemetry records
	payloadsBucket  = "payloads"      // Bucket name for raw edge payloads
	runsBucket      = "training_runs" // Bucket name for training run summaries

	dbFile = "cnc-twin.db"
)

// Store provides persistent storage for telemetry using BoltDB.
// It is safe for concurrent use; bbolt serializes writers.
type Store struct {
	db *bbolt.DB
}

// New creates a new storage instance in dataPath, creating the buckets on first use.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{telemetryBucket, payloadsBucket, runsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// StoreRecord archives one telemetry record.
func (s *Store) StoreRecord(r telemetry.Record) error {
	return s.put(telemetryBucket, timeKey(r.MachineID, r.Timestamp), r)
}

// StoreRecords archives records in a single transaction.
func (s *Store) StoreRecords(records []telemetry.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(telemetryBucket))
		for _, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			if err := b.Put(timeKey(r.MachineID, r.Timestamp), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// StorePayload archives one raw edge payload. Payloads with an unparsable
// timestamp are keyed by the receive time.
func (s *Store) StorePayload(p telemetry.Payload) error {
	ts := p.Time()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return s.put(payloadsBucket, timeKey(p.MachineID, ts), p)
}

// GetRecords returns the records of one machine within [start, end], ordered by time.
func (s *Store) GetRecords(machineID string, start, end time.Time) ([]telemetry.Record, error) {
	return getInRange[telemetry.Record](s, telemetryBucket, machineID, start, end)
}

// GetPayloads returns the payloads of one machine within [start, end], ordered by time.
func (s *Store) GetPayloads(machineID string, start, end time.Time) ([]telemetry.Payload, error) {
	return getInRange[telemetry.Payload](s, payloadsBucket, machineID, start, end)
}

// Count returns the number of entries in the telemetry and payload buckets.
func (s *Store) Count() (records, payloads int, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		records = tx.Bucket([]byte(telemetryBucket)).Stats().KeyN
		payloads = tx.Bucket([]byte(payloadsBucket)).Stats().KeyN
		return nil
	})
	return records, payloads, err
}

func (s *Store) put(bucket string, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", bucket, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, data)
	})
}

// getInRange scans one machine's keys between start and end inclusive.
// Malformed entries are skipped.
func getInRange[T any](s *Store, bucket, machineID string, start, end time.Time) ([]T, error) {
	var out []T

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()

		prefix := []byte(machineID + "_")
		endKey := timeKey(machineID, end)

		for k, v := c.Seek(timeKey(machineID, start)); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				continue
			}
			out = append(out, item)
		}
		return nil
	})

	return out, err
}

func timeKey(machineID string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s_%s", machineID, nanos(ts)))
}

// nanos renders ts as fixed-width unix nanoseconds; times before the epoch clamp to zero.
func nanos(ts time.Time) string {
	n := ts.UnixNano()
	if n < 0 || ts.IsZero() {
		n = 0
	}
	return fmt.Sprintf("%020d", n)
}
