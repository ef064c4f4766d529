package queue

import (
	"testing"

	"github.com/swarmguard/dnnmesh/internal/graph"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
	"github.com/swarmguard/dnnmesh/internal/models"
)

func testInfo(idx int) jobmodel.SubtaskInfo {
	a := graph.NewLayerNode("10.0.0.1", []string{"m"})
	b := graph.NewLayerNode("10.0.0.2", []string{"m"})
	return jobmodel.SubtaskInfo{
		JobInfo: jobmodel.JobInfo{
			JobName:             "j",
			JobType:             "dnn",
			InputBytes:          10,
			SourceIP:            a.IP,
			TerminalDestination: b.IP,
			StartTime:           1,
		},
		SourceLayerNode:      a,
		DestinationLayerNode: b,
		PrimaryPathIndex:     idx,
		TerminalIndex:        1,
	}
}

func TestVirtualQueueAddDuplicateFails(t *testing.T) {
	q := NewVirtualQueue()
	info := testInfo(0)
	st := models.NewDNNSubtask(info, nil, nil, 0, 5)
	if !q.Add(info, st) {
		t.Fatalf("first add should succeed")
	}
	if q.Add(info, st) {
		t.Fatalf("second add of the same SubtaskInfo should fail")
	}
	if q.Len() != 1 {
		t.Fatalf("queue state should be unchanged after failed add, len=%d", q.Len())
	}
}

func TestVirtualQueuePopRemoves(t *testing.T) {
	q := NewVirtualQueue()
	info := testInfo(0)
	st := models.NewDNNSubtask(info, nil, nil, 0, 5)
	q.Add(info, st)
	got, err := q.Pop(info)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got.Info.SubtaskID() != info.SubtaskID() {
		t.Fatalf("popped wrong subtask")
	}
	if q.Exists(info) {
		t.Fatalf("entry should be removed after pop")
	}
}

func TestVirtualQueueBacklogsAccumulatePerLink(t *testing.T) {
	q := NewVirtualQueue()
	info1 := testInfo(0)
	info2 := testInfo(0)
	info2.StartTime = 2 // distinct job, same link
	q.Add(info1, models.NewDNNSubtask(info1, nil, nil, 0, 3))
	q.Add(info2, models.NewDNNSubtask(info2, nil, nil, 0, 4))
	links := q.Backlogs()
	if got := links[info1.Link().Key()]; got != 7 {
		t.Fatalf("backlog sum = %v, want 7", got)
	}
}

func TestVirtualQueueGarbageCollectExpiresOldEntries(t *testing.T) {
	q := NewVirtualQueue()
	clock := int64(1_000_000)
	q.nowMS = func() int64 { return clock }

	old := testInfo(0)
	q.Add(old, models.NewDNNSubtask(old, nil, nil, 0, 1))

	clock += 5_000 // 5s later
	fresh := testInfo(0)
	fresh.StartTime = 99
	q.Add(fresh, models.NewDNNSubtask(fresh, nil, nil, 0, 1))

	clock += 6_000 // total 11s since `old`, 6s since `fresh`
	deleted, remaining := q.GarbageCollect(10)
	if deleted != 1 || remaining != 1 {
		t.Fatalf("gc: deleted=%d remaining=%d, want 1,1", deleted, remaining)
	}
	if q.Exists(old) {
		t.Fatalf("old entry should have been collected")
	}
	if !q.Exists(fresh) {
		t.Fatalf("fresh entry should have survived")
	}
}

func TestAheadOutputQueueRendezvous(t *testing.T) {
	q := NewAheadOutputQueue()
	info := testInfo(0)
	out := models.DNNOutput{Payload: "data", Info: info}
	if !q.Add(info, out) {
		t.Fatalf("add should succeed")
	}
	if q.Add(info, out) {
		t.Fatalf("duplicate add should fail")
	}
	popped, err := q.Pop(info)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if popped.Payload != "data" {
		t.Fatalf("unexpected payload %v", popped.Payload)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty after pop")
	}
}
