// Package archive provides a non-authoritative, write-mostly record of
// completed jobs and their chosen paths, backed by BoltDB — adapted from
// the teacher's WorkflowStore bucket-per-concern persistence layer. Unlike
// the LayeredGraph/VirtualQueue, nothing here is consulted to make a
// scheduling decision: a lost or corrupted archive file doesn't change
// mesh behavior, only the operational history available for later review.
package archive

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/dnnmesh/internal/graph"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
)

var (
	bucketJobs     = []byte("jobs")
	bucketPaths    = []byte("paths")
	bucketSnapshot = []byte("backlog_snapshots")
)

// Store is the archive's BoltDB handle plus a small recent-jobs cache,
// mirroring the teacher's memCache — here sized to bound memory rather
// than to avoid disk reads, since nothing reads the archive on the hot
// path.
type Store struct {
	db *bbolt.DB

	mu         sync.Mutex
	recentJobs []ArchivedJob
	maxRecent  int
}

// ArchivedJob is one completed job's record.
type ArchivedJob struct {
	Job        jobmodel.JobInfo
	FinishedAt time.Time
	LatencyMS  float64
}

// Open creates or opens a BoltDB file at dbPath and ensures every bucket
// this package writes to exists.
func Open(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("archive: open %q: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketPaths, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: create buckets: %w", err)
	}

	return &Store{db: db, maxRecent: 200}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutJob records a completed job's terminal latency.
func (s *Store) PutJob(job jobmodel.JobInfo, finishedAt time.Time, latencyMS float64) error {
	record := ArchivedJob{Job: job, FinishedAt: finishedAt, LatencyMS: latencyMS}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: marshal job: %w", err)
	}

	key := fmt.Sprintf("%s:%d", job.JobID(), finishedAt.UnixNano())
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("archive: put job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentJobs = append(s.recentJobs, record)
	if len(s.recentJobs) > s.maxRecent {
		s.recentJobs = s.recentJobs[len(s.recentJobs)-s.maxRecent:]
	}
	return nil
}

// PutPath records the path chosen for a scheduled job.
func (s *Store) PutPath(jobID string, path []graph.PathStep) error {
	data, err := json.Marshal(path)
	if err != nil {
		return fmt.Errorf("archive: marshal path: %w", err)
	}
	key := fmt.Sprintf("%s:%d", jobID, time.Now().UnixNano())
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPaths).Put([]byte(key), data)
	})
}

// PutBacklogSnapshot records one 100ms-tick backlog snapshot, keyed by its
// timestamp for chronological iteration.
func (s *Store) PutBacklogSnapshot(at time.Time, backlog map[graph.LinkKey]float64) error {
	data, err := json.Marshal(backlog)
	if err != nil {
		return fmt.Errorf("archive: marshal backlog snapshot: %w", err)
	}
	key := fmt.Sprintf("%020d", at.UnixNano())
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshot).Put([]byte(key), data)
	})
}

// RecentJobs returns up to limit of the most recently archived jobs from
// the in-memory cache, newest last.
func (s *Store) RecentJobs(limit int) []ArchivedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recentJobs) {
		limit = len(s.recentJobs)
	}
	out := make([]ArchivedJob, limit)
	copy(out, s.recentJobs[len(s.recentJobs)-limit:])
	return out
}
