package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for the run-summary bbolt database.
const (
	bucketRunState = "run_state"
	bucketJobs     = "jobs"
)

// summaryKey is the single key under bucketRunState holding the run's
// current Summary; there is only ever one run per database.
var summaryKey = []byte("summary")

// Summary is the restart-surviving run state the domain stack wires bbolt
// into: last snapshot time and cumulative merge count, so a restarted
// process can report progress without re-deriving it from the filesystem.
type Summary struct {
	IDRun            int       `json:"id_run"`
	MergedCount      int       `json:"merged_count"`
	LastSnapshotTime time.Time `json:"last_snapshot_time"`
	LastSnapshotName string    `json:"last_snapshot_name"`
	RunFinished      bool      `json:"run_finished"`
}

// DB wraps a bbolt database recording the run summary alongside per-job
// completion records, adapted from the teacher's builddb bucket layout.
type DB struct {
	db *bolt.DB
}

// JobRecord is a single job's completion record, keyed by a correlation
// UUID (one per merge/snapshot attempt).
type JobRecord struct {
	UUID      string    `json:"uuid"`
	JobType   string    `json:"job_type"`
	DataPath  string    `json:"data_path"`
	Status    string    `json:"status"` // "running" | "success" | "failed"
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// OpenDB opens or creates the run-summary database at path.
func OpenDB(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open db %s: %w", path, err)
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketRunState)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketRunState, err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketJobs)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketJobs, err)
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{db: bdb}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveSummary persists s as the run's current summary.
func (d *DB) SaveSummary(s Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("telemetry: marshal summary: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRunState)).Put(summaryKey, data)
	})
}

// LoadSummary retrieves the run's summary, returning the zero Summary if
// none has been saved yet.
func (d *DB) LoadSummary() (Summary, error) {
	var s Summary
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketRunState)).Get(summaryKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &s)
	})
	return s, err
}

// SaveJobRecord stores rec under its UUID, overwriting any prior record
// with the same UUID (e.g. transitioning "running" -> "success").
func (d *DB) SaveJobRecord(rec JobRecord) error {
	if rec.UUID == "" {
		return fmt.Errorf("telemetry: job record UUID is empty")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("telemetry: marshal job record: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketJobs)).Put([]byte(rec.UUID), data)
	})
}

// GetJobRecord retrieves the job record for uuid, or (zero, false) if none
// exists.
func (d *DB) GetJobRecord(uuid string) (JobRecord, bool, error) {
	var rec JobRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketJobs)).Get([]byte(uuid))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}
