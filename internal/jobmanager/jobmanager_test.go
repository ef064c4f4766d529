package jobmanager

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/dnnmesh/internal/config"
	"github.com/swarmguard/dnnmesh/internal/graph"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
	"github.com/swarmguard/dnnmesh/internal/models"
)

type fakeBackend struct{}

func (fakeBackend) Load(_ context.Context, _ string, _ []int) (models.Handle, error) {
	return "handle", nil
}

func (fakeBackend) Forward(_ context.Context, _ models.Handle, input models.Tensor) (models.Tensor, error) {
	time.Sleep(time.Millisecond) // a measurable forward pass, so Run observes elapsed > 0
	return input, nil
}

func (fakeBackend) Measure(_ context.Context, _ models.Handle, _ []int) (float64, int64, error) {
	return 2.0, 1024, nil
}

func testNetworkConfig() config.NetworkConfig {
	return config.NetworkConfig{
		QueueName:             "q",
		SchedulingAlgorithm:   "RandomSelection",
		CollectGarbageJobTime: 30,
		Jobs:                  map[string]config.JobSpec{"j": {JobType: "dnn", Source: "10.0.0.1", Destination: "10.0.0.2"}},
		Network:               map[string][]string{"10.0.0.1": {"10.0.0.2"}, "10.0.0.2": {}},
		Router:                nil,
		Models:                map[string][]string{"10.0.0.2": {"m1"}},
	}
}

func buildSubtaskInfo(source, dest graph.LayerNode, modelName string, idx int) jobmodel.SubtaskInfo {
	return jobmodel.SubtaskInfo{
		JobInfo: jobmodel.JobInfo{
			JobName:             "j",
			JobType:             "dnn",
			InputBytes:          2048,
			SourceIP:            "10.0.0.1",
			TerminalDestination: "10.0.0.2",
			StartTime:           1,
		},
		SourceLayerNode:      source,
		DestinationLayerNode: dest,
		ModelName:            modelName,
		PrimaryPathIndex:     idx,
		TerminalIndex:        idx,
	}
}

func TestAddSubtaskThenRunComputing(t *testing.T) {
	node := graph.NewLayerNode("10.0.0.2", []string{"m1"})
	dm, err := models.Load(context.Background(), fakeBackend{}, []string{"m1"}, config.ModelConfig{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	jm := New(testNetworkConfig(), config.ModelConfig{}, dm)

	info := buildSubtaskInfo(node, node, "m1", 0)
	if err := jm.AddSubtask(info); err != nil {
		t.Fatalf("AddSubtask: %v", err)
	}
	if err := jm.AddSubtask(info); err == nil {
		t.Fatalf("expected duplicate AddSubtask to fail")
	}

	output := models.DNNOutput{Payload: "data", Info: info}
	if !jm.IsSubtaskExists(output) {
		t.Fatalf("expected subtask to be registered")
	}

	result, capacity, err := jm.Run(context.Background(), output)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Payload != "data" {
		t.Fatalf("payload = %v, want passthrough", result.Payload)
	}
	if capacity <= 0 {
		t.Fatalf("expected a positive observed computing capacity, got %v", capacity)
	}
}

func TestAddDNNOutputAheadOfSubtask(t *testing.T) {
	node := graph.NewLayerNode("10.0.0.2", []string{"m1"})
	dm, err := models.Load(context.Background(), fakeBackend{}, nil, config.ModelConfig{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	jm := New(testNetworkConfig(), config.ModelConfig{}, dm)

	info := buildSubtaskInfo(node, node, "", 0)
	output := models.DNNOutput{Payload: "early", Info: info}

	if err := jm.AddDNNOutput(output); err != nil {
		t.Fatalf("AddDNNOutput: %v", err)
	}
	if !jm.IsDNNOutputExists(info) {
		t.Fatalf("expected staged output to exist")
	}
	if err := jm.AddDNNOutput(output); err == nil {
		t.Fatalf("expected duplicate AddDNNOutput to fail")
	}

	popped, err := jm.PopDNNOutput(info)
	if err != nil {
		t.Fatalf("PopDNNOutput: %v", err)
	}
	if popped.Payload != "early" {
		t.Fatalf("payload = %v, want %q", popped.Payload, "early")
	}
	if jm.IsDNNOutputExists(info) {
		t.Fatalf("expected staged output to be removed after pop")
	}
}

func TestUpdateDNNOutputUsesAuthoritativeInfo(t *testing.T) {
	node := graph.NewLayerNode("10.0.0.2", []string{"m1"})
	dm, err := models.Load(context.Background(), fakeBackend{}, []string{"m1"}, config.ModelConfig{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	jm := New(testNetworkConfig(), config.ModelConfig{}, dm)

	authoritative := buildSubtaskInfo(node, node, "m1", 0)
	if err := jm.AddSubtask(authoritative); err != nil {
		t.Fatalf("AddSubtask: %v", err)
	}

	staleInfo := authoritative
	staleInfo.ModelName = "wrong"
	inbound := models.DNNOutput{Payload: "x", Info: staleInfo}

	updated, err := jm.UpdateDNNOutput(inbound)
	if err != nil {
		t.Fatalf("UpdateDNNOutput: %v", err)
	}
	if updated.Info.ModelName != "m1" {
		t.Fatalf("ModelName = %q, want authoritative %q", updated.Info.ModelName, "m1")
	}
}

func TestAddSubtaskTransmissionUsesInputBytesDirectly(t *testing.T) {
	source := graph.NewLayerNode("10.0.0.1", nil)
	dest := graph.NewLayerNode("10.0.0.2", []string{"m1"})
	dm, err := models.Load(context.Background(), fakeBackend{}, nil, config.ModelConfig{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	jm := New(testNetworkConfig(), config.ModelConfig{}, dm)

	info := buildSubtaskInfo(source, dest, "", 0)
	if err := jm.AddSubtask(info); err != nil {
		t.Fatalf("AddSubtask: %v", err)
	}

	backlogs := jm.Backlogs()
	link := info.Link().Key()
	if backlogs[link] != info.InputBytes {
		t.Fatalf("Backlogs()[%v] = %v, want InputBytes %v", link, backlogs[link], info.InputBytes)
	}
}

func TestBacklogsReflectsQueuedSubtasks(t *testing.T) {
	node := graph.NewLayerNode("10.0.0.2", []string{"m1"})
	dm, err := models.Load(context.Background(), fakeBackend{}, []string{"m1"}, config.ModelConfig{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	jm := New(testNetworkConfig(), config.ModelConfig{}, dm)

	info := buildSubtaskInfo(node, node, "m1", 0)
	if err := jm.AddSubtask(info); err != nil {
		t.Fatalf("AddSubtask: %v", err)
	}

	backlogs := jm.Backlogs()
	link := info.Link().Key()
	if backlogs[link] <= 0 {
		t.Fatalf("expected a positive backlog for %v, got %v", link, backlogs[link])
	}
}
