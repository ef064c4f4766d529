package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/dnnmesh/internal/graph"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "archive.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutJobAppearsInRecentJobs(t *testing.T) {
	store := openTestStore(t)
	job := jobmodel.JobInfo{JobName: "j", StartTime: 1}

	if err := store.PutJob(job, time.Unix(0, 2), 12.5); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	recent := store.RecentJobs(10)
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent job, got %d", len(recent))
	}
	if recent[0].Job.JobID() != job.JobID() {
		t.Fatalf("recent job = %v, want %v", recent[0].Job, job)
	}
}

func TestRecentJobsCapsAtMax(t *testing.T) {
	store := openTestStore(t)
	store.maxRecent = 3
	for i := 0; i < 5; i++ {
		job := jobmodel.JobInfo{JobName: "j", StartTime: int64(i)}
		if err := store.PutJob(job, time.Unix(0, int64(i)), 1); err != nil {
			t.Fatalf("PutJob: %v", err)
		}
	}
	recent := store.RecentJobs(10)
	if len(recent) != 3 {
		t.Fatalf("expected cache capped at 3, got %d", len(recent))
	}
	if recent[len(recent)-1].Job.StartTime != 4 {
		t.Fatalf("expected newest entry last, got %+v", recent)
	}
}

func TestPutPathAndBacklogSnapshotDoNotError(t *testing.T) {
	store := openTestStore(t)
	a := graph.NewLayerNode("10.0.0.1", nil)
	b := graph.NewLayerNode("10.0.0.2", []string{"m1"})
	path := []graph.PathStep{{Source: a, Destination: b}}

	if err := store.PutPath("job_1", path); err != nil {
		t.Fatalf("PutPath: %v", err)
	}

	snapshot := map[graph.LinkKey]float64{
		graph.NewLayerNodePair(a, b).Key(): 42,
	}
	if err := store.PutBacklogSnapshot(time.Now(), snapshot); err != nil {
		t.Fatalf("PutBacklogSnapshot: %v", err)
	}
}
