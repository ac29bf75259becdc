package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"cnc-twin/internal/ml"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// TrainingRun is the archived summary of one training run.
type TrainingRun struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Dataset   string             `json:"dataset"`
	ModelsDir string             `json:"models_dir"`
	Metrics   ml.TrainingMetrics `json:"metrics"`
}

// StoreRun archives a training run. A missing ID or timestamp is filled in;
// the stored run is returned.
func (s *Store) StoreRun(run TrainingRun) (TrainingRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(run)
	if err != nil {
		return TrainingRun{}, fmt.Errorf("marshal training run: %w", err)
	}

	// the id suffix keeps runs with equal timestamps apart
	key := []byte(nanos(run.Timestamp) + "_" + run.ID)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).Put(key, data)
	})
	if err != nil {
		return TrainingRun{}, err
	}
	return run, nil
}

// LatestRun returns the most recent training run; ok is false when none was archived.
func (s *Store) LatestRun() (run TrainingRun, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(runsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := json.Unmarshal(v, &run); err == nil {
				ok = true
				return nil
			}
		}
		return nil
	})
	return run, ok, err
}

// Runs returns up to limit training runs, most recent first. limit <= 0 returns all.
func (s *Store) Runs(limit int) ([]TrainingRun, error) {
	var runs []TrainingRun

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(runsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run TrainingRun
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			runs = append(runs, run)
		}
		return nil
	})

	return runs, err
}
