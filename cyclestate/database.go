package cyclestate

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"cyclebuild/recipe"
)

// Bucket names for the optional bbolt database. When absent, every
// caller-visible query (LastSuccess, LastBuildFailed) degrades to "no
// information available", so logic degrades gracefully without it.
const (
	bucketRuns        = "runs"
	bucketLastSuccess = "last_success"
	bucketLastStatus  = "last_status"
)

// DatabaseError wraps a bbolt operation failure with the op that failed.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string { return fmt.Sprintf("database %s: %v", e.Op, e.Err) }
func (e *DatabaseError) Unwrap() error { return e.Err }

// DB is the optional persistent database: run logs and last-success
// timestamps, backed by bbolt.
type DB struct {
	bdb *bolt.DB
}

// OpenDB opens or creates the bbolt database at path.
func OpenDB(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{bucketRuns, bucketLastSuccess, bucketLastStatus} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return &DatabaseError{Op: "create bucket " + b, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return &DB{bdb: bdb}, nil
}

func (db *DB) Close() error { return db.bdb.Close() }

func successKey(pkgbase recipe.PkgBase, sourceIndex int) []byte {
	return []byte(fmt.Sprintf("%s#%d", pkgbase, sourceIndex))
}

// RecordSuccess stores the last-success timestamp for a (pkgbase,
// source index) pair, used by the throttling check.
func (db *DB) RecordSuccess(pkgbase recipe.PkgBase, sourceIndex int, at time.Time) error {
	buf, err := at.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling timestamp: %w", err)
	}
	return db.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLastSuccess)).Put(successKey(pkgbase, sourceIndex), buf)
	})
}

// LastSuccess looks up the last-success timestamp for a (pkgbase,
// source index) pair. Satisfies reason.LastSuccessFunc's signature.
func (db *DB) LastSuccess(pkgbase recipe.PkgBase, sourceIndex int) (time.Time, bool) {
	var t time.Time
	var found bool
	db.bdb.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket([]byte(bucketLastSuccess)).Get(successKey(pkgbase, sourceIndex))
		if buf == nil {
			return nil
		}
		if err := t.UnmarshalBinary(buf); err == nil {
			found = true
		}
		return nil
	})
	return t, found
}

// RecordLastStatus stores whether pkgbase's most recent build failed,
// used by depgraph's "don't cascade into known-bad dep" rule.
func (db *DB) RecordLastStatus(pkgbase recipe.PkgBase, failed bool) error {
	v := []byte("0")
	if failed {
		v = []byte("1")
	}
	return db.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLastStatus)).Put([]byte(pkgbase), v)
	})
}

// LastBuildFailed reports whether pkgbase's last recorded build failed.
// Satisfies depgraph.FailedLookup's signature.
func (db *DB) LastBuildFailed(pkgbase recipe.PkgBase) bool {
	var failed bool
	db.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketLastStatus)).Get([]byte(pkgbase))
		failed = len(v) == 1 && v[0] == '1'
		return nil
	})
	return failed
}

// RunStats aggregates per-run package outcomes for the monitor / CLI to
// display.
type RunStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// RunRecord captures metadata for one cycle invocation, including a
// live progress snapshot the cycle driver updates as builds complete so
// `cyclebuild monitor` can poll it from a separate process.
type RunRecord struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Aborted   bool      `json:"aborted"`
	Stats     RunStats  `json:"stats"`

	// Total is the number of reasoned packages this cycle. Built and
	// Failed grow as the worker pool drains; Inflight is the current
	// worker count. UpdatedAt lets monitor detect a stalled driver.
	Total     int       `json:"total"`
	Built     int       `json:"built"`
	Failed    int       `json:"failed"`
	Inflight  int       `json:"inflight"`
	UpdatedAt time.Time `json:"updated_at"`
}

const latestRunKey = "latest"

// StartRun writes a new run entry keyed by runID and records it as the
// latest run, so monitor's no-argument form finds it.
func (db *DB) StartRun(runID string, startTime time.Time) error {
	rec := RunRecord{StartTime: startTime, UpdatedAt: startTime}
	if err := db.saveRun(runID, &rec); err != nil {
		return err
	}
	return db.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).Put([]byte(latestRunKey), []byte(runID))
	})
}

// UpdateProgress records the in-flight snapshot of a running cycle.
func (db *DB) UpdateProgress(runID string, total, built, failed, inflight int) error {
	rec, err := db.GetRun(runID)
	if err != nil {
		rec = &RunRecord{}
	}
	rec.Total = total
	rec.Built = built
	rec.Failed = failed
	rec.Inflight = inflight
	rec.UpdatedAt = time.Now()
	return db.saveRun(runID, rec)
}

// LatestRunID returns the most recently started run's id, for monitor's
// default (no explicit run id) mode.
func (db *DB) LatestRunID() (string, error) {
	var id string
	err := db.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketRuns)).Get([]byte(latestRunKey))
		if v == nil {
			return fmt.Errorf("no run has started yet")
		}
		id = string(v)
		return nil
	})
	return id, err
}

// FinishRun updates an existing run with final stats.
func (db *DB) FinishRun(runID string, stats RunStats, endTime time.Time, aborted bool) error {
	rec, err := db.GetRun(runID)
	if err != nil {
		rec = &RunRecord{}
	}
	rec.EndTime = endTime
	rec.Stats = stats
	rec.Aborted = aborted
	return db.saveRun(runID, rec)
}

func (db *DB) saveRun(runID string, rec *RunRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling run record: %w", err)
	}
	return db.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).Put([]byte(runID), buf)
	})
}

// GetRun retrieves a run record by id.
func (db *DB) GetRun(runID string) (*RunRecord, error) {
	var rec RunRecord
	err := db.bdb.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket([]byte(bucketRuns)).Get([]byte(runID))
		if buf == nil {
			return fmt.Errorf("run %s not found", runID)
		}
		return json.Unmarshal(buf, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
