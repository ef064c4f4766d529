package controllersvc

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/dnnmesh/internal/archive"
	busPkg "github.com/swarmguard/dnnmesh/internal/bus"
	"github.com/swarmguard/dnnmesh/internal/config"
	"github.com/swarmguard/dnnmesh/internal/graph"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
	"github.com/swarmguard/dnnmesh/internal/resultlog"
	"github.com/swarmguard/dnnmesh/internal/scheduling"
	"github.com/swarmguard/dnnmesh/internal/wire"
)

// fakeTransport records every publish without touching a real bus
// connection, letting handler logic be exercised directly.
type fakeTransport struct {
	mu         sync.Mutex
	broadcasts []string
	directed   []directedPublish
}

type directedPublish struct {
	host, topic string
	payload     []byte
}

func (f *fakeTransport) Publish(_ context.Context, topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, topic)
	return nil
}

func (f *fakeTransport) PublishTo(_ context.Context, host, topic string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directed = append(f.directed, directedPublish{host: host, topic: topic, payload: payload})
}

func (f *fakeTransport) SubscribeExact(string, busPkg.Handler) (*nats.Subscription, error) {
	return nil, nil
}

func testRoot() config.Root {
	return config.Root{
		Controller: config.ControllerConfig{ExperimentName: "exp", SyncTime: 5},
		Network: config.NetworkConfig{
			QueueName:             "q",
			SchedulingAlgorithm:   "RandomSelection",
			CollectGarbageJobTime: 1,
			Jobs: map[string]config.JobSpec{
				"j": {JobType: "dnn", Source: "10.0.0.1", Destination: "10.0.0.1"},
			},
			Network: map[string][]string{"10.0.0.1": {}},
			Models:  map[string][]string{"10.0.0.1": {"m"}},
		},
		Model: config.ModelConfig{Models: map[string]config.ModelSpec{
			"m": {InputSize: []int{1}},
		}},
	}
}

func testController(t *testing.T, fake *fakeTransport) *Controller {
	t.Helper()
	root := testRoot()
	// Prop 1 always takes the unused model, so the single-node job gets
	// exactly one computing step.
	g := graph.New(root.Network, root.Model, &scheduling.RandomSelection{Prop: 1})
	results, err := resultlog.New(t.TempDir())
	if err != nil {
		t.Fatalf("resultlog.New: %v", err)
	}
	store, err := archive.Open(t.TempDir() + "/archive.db")
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(root, Options{
		Bus:          fake,
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Graph:        g,
		Results:      results,
		Store:        store,
		NetworkTiers: map[string]string{"10.0.0.1": "edge"},
	})
}

func TestHandleNodeInfoSparseFillsMissingLinks(t *testing.T) {
	c := testController(t, &fakeTransport{})
	report := wire.NodeLinkInfo{IP: "10.0.0.1", ComputingCapacity: 10, TransferCapacity: 5}
	payload, err := wire.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.handleNodeInfo(context.Background(), TopicNodeInfo, payload)

	backlog := c.graph.Backlog()
	selfLoop := graph.NewLayerNodePair(graph.NewLayerNode("10.0.0.1", []string{"m"}), graph.NewLayerNode("10.0.0.1", []string{"m"})).Key()
	if _, ok := backlog[selfLoop]; !ok {
		t.Fatalf("expected self-loop entry to be sparse-filled to 0, got %+v", backlog)
	}
}

func TestHandleRequestSchedulingDispatchesSubtaskAndStartsJob(t *testing.T) {
	fake := &fakeTransport{}
	c := testController(t, fake)

	job := jobmodel.JobInfo{JobName: "j", JobType: "dnn", SourceIP: "10.0.0.1", TerminalDestination: "10.0.0.1", StartTime: 1}
	payload, err := wire.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.handleRequestScheduling(context.Background(), TopicRequestScheduling, payload)

	c.jobsMu.Lock()
	_, tracked := c.jobs[job.JobID()]
	c.jobsMu.Unlock()
	if !tracked {
		t.Fatalf("expected job to be tracked in job_list")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.directed) != 1 {
		t.Fatalf("expected exactly one dispatched subtask, got %d", len(fake.directed))
	}
	if fake.directed[0].topic != TopicSubtaskInfo || fake.directed[0].host != "10.0.0.1" {
		t.Fatalf("unexpected dispatch: %+v", fake.directed[0])
	}
}

func TestHandleResponseComputesLatencyAndClearsJob(t *testing.T) {
	fake := &fakeTransport{}
	c := testController(t, fake)

	job := jobmodel.JobInfo{JobName: "j", SourceIP: "10.0.0.1", TerminalDestination: "10.0.0.1", StartTime: 1}
	c.jobsMu.Lock()
	c.jobs[job.JobID()] = jobStart{startedAt: time.Now().Add(-5 * time.Millisecond)}
	c.jobsMu.Unlock()

	info := wire.SubtaskInfoMessage{SubtaskInfo: jobmodel.SubtaskInfo{JobInfo: job, PrimaryPathIndex: 0, TerminalIndex: 0}}
	payload, err := wire.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.handleResponse(context.Background(), TopicResponse, payload)

	c.jobsMu.Lock()
	_, stillTracked := c.jobs[job.JobID()]
	c.jobsMu.Unlock()
	if stillTracked {
		t.Fatalf("job should be removed from job_list after response")
	}

	recent := c.store.RecentJobs(10)
	if len(recent) != 1 {
		t.Fatalf("expected archived job record, got %d", len(recent))
	}
	if recent[0].LatencyMS <= 0 {
		t.Fatalf("expected positive latency, got %v", recent[0].LatencyMS)
	}
}

func TestHandleResponseBroadcastsFinishOnLastJob(t *testing.T) {
	fake := &fakeTransport{}
	c := testController(t, fake)
	job := jobmodel.JobInfo{JobName: "j", SourceIP: "10.0.0.1", TerminalDestination: "10.0.0.1", StartTime: 1}
	c.lastJobID.Store(job.JobID())
	c.jobsMu.Lock()
	c.jobs[job.JobID()] = jobStart{startedAt: time.Now()}
	c.jobsMu.Unlock()

	info := wire.SubtaskInfoMessage{SubtaskInfo: jobmodel.SubtaskInfo{JobInfo: job}}
	payload, _ := wire.Marshal(info)
	c.handleResponse(context.Background(), TopicResponse, payload)

	fake.mu.Lock()
	if len(fake.broadcasts) != 1 || fake.broadcasts[0] != TopicFinish {
		fake.mu.Unlock()
		t.Fatalf("expected one mdc/finish broadcast, got %+v", fake.broadcasts)
	}
	fake.mu.Unlock()

	select {
	case <-c.Done():
	default:
		t.Fatalf("expected Done() to be closed once the last job's response was handled")
	}
}

func TestGarbageCollectJobsExpiresStaleEntries(t *testing.T) {
	c := testController(t, &fakeTransport{})
	c.network.CollectGarbageJobTime = 1
	stale := jobmodel.JobInfo{JobName: "stale", StartTime: 1}
	fresh := jobmodel.JobInfo{JobName: "fresh", StartTime: 2}

	c.jobsMu.Lock()
	c.jobs[stale.JobID()] = jobStart{startedAt: time.Now().Add(-2 * time.Second)}
	c.jobs[fresh.JobID()] = jobStart{startedAt: time.Now()}
	c.jobsMu.Unlock()

	c.garbageCollectJobs(context.Background())

	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	if _, ok := c.jobs[stale.JobID()]; ok {
		t.Fatalf("stale job should have been collected")
	}
	if _, ok := c.jobs[fresh.JobID()]; !ok {
		t.Fatalf("fresh job should have survived")
	}
}

func TestMeasureArrivalRateFeedsEWMA(t *testing.T) {
	c := testController(t, &fakeTransport{})
	c.sendNum.Store(30) // 30/30 = 1.0 observed
	c.measureArrivalRate()
	if got := c.graph.ExpectedArrivalRate(); got != 0.5 {
		t.Fatalf("expected EWMA(0, 1.0, alpha=0.5) = 0.5, got %v", got)
	}
	if c.sendNum.Load() != 0 {
		t.Fatalf("expected send_num to reset to 0")
	}
}

func TestJobNameFromID(t *testing.T) {
	job := jobmodel.JobInfo{JobName: "my_job", StartTime: 123}
	if got := jobNameFromID(job.JobID()); got != "my_job" {
		t.Fatalf("jobNameFromID(%q) = %q, want my_job", job.JobID(), got)
	}
}
