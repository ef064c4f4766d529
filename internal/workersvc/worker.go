// Package workersvc implements the worker side of the mesh: requesting
// configuration at startup, running subtasks as both their SubtaskInfo
// assignment and DNNOutput input data arrive (in either order), and
// relaying output to the next hop or back to the controller. Grounded on
// original_source/program/MDC.py.
package workersvc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	busPkg "github.com/swarmguard/dnnmesh/internal/bus"
	"github.com/swarmguard/dnnmesh/internal/capacity"
	"github.com/swarmguard/dnnmesh/internal/config"
	"github.com/swarmguard/dnnmesh/internal/jobmanager"
	"github.com/swarmguard/dnnmesh/internal/jobmodel"
	"github.com/swarmguard/dnnmesh/internal/models"
	"github.com/swarmguard/dnnmesh/internal/otelinit"
	"github.com/swarmguard/dnnmesh/internal/wire"
)

// Topic names shared with controllersvc; duplicated here (rather than
// imported) since workersvc must not depend on controllersvc and vice
// versa — both depend only on the topic strings spec.md §6 fixes.
const (
	topicConfig             = "mdc/config"
	topicNodeInfo           = "mdc/node_info"
	topicNetworkPerformance = "mdc/network_performance_info"
	topicSubtaskInfo        = "job/subtask_info"
	topicResponse           = "job/response"
	topicFinish             = "mdc/finish"
)

// transport is the narrow subset of *bus.Bus workersvc depends on, for the
// same fake-ability-in-tests reason as controllersvc.transport.
type transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	PublishTo(ctx context.Context, host, topic string, payload []byte)
	SubscribeHost(topic, host string, handler busPkg.Handler) (*nats.Subscription, error)
	SubscribeExact(topic string, handler busPkg.Handler) (*nats.Subscription, error)
}

// modelConfigurable is implemented by a Backend that needs the model
// section of the controller's config response before it can answer Load
// calls for it — models.SimulatedBackend, whose ratios come entirely from
// config rather than a real loaded artifact. A Backend that doesn't need
// it (a real ONNX/TorchScript wrapper keyed purely on model name) simply
// doesn't implement this.
type modelConfigurable interface {
	SetModelConfig(config.ModelConfig)
}

// Options bundles a Worker's dependencies.
type Options struct {
	Bus     transport
	Logger  *slog.Logger
	Metrics otelinit.Metrics
	Gauges  *otelinit.PromGauges
	Backend models.Backend

	// GPUCapacity samples the current residual (1 - utilization) GPU
	// capacity in [0,1]. Real GPU utilization probing is out of scope
	// (SPEC_FULL.md §1); the default reports full availability.
	GPUCapacity func() float64
	// SentKB samples the host's cumulative bytes-sent counter, in KB. Real
	// OS network-counter probing is out of scope; the default reports a
	// constant, which drives the transfer-capacity average to 0 — a
	// deployment wiring a real backend should inject an accurate sampler.
	SentKB func() float64

	// OnFinish is called when mdc/finish arrives, so cmd/worker can cancel
	// its context and shut down cooperatively instead of the source's
	// sleep-then-os._exit(1). Optional; a nil OnFinish just logs.
	OnFinish func()
}

// Worker is one mesh node: it requests its configuration from the
// controller, then drives JobManager's subtask/output rendezvous as
// messages arrive on its topics.
type Worker struct {
	address string
	bus     transport
	logger  *slog.Logger
	metrics otelinit.Metrics
	gauges  *otelinit.PromGauges
	backend models.Backend

	gpuCapacity func() float64
	sentKB      func() float64
	onFinish    func()

	mu                 sync.Mutex
	network            config.NetworkConfig
	model              config.ModelConfig
	jobManager         *jobmanager.JobManager
	capacity           *capacity.Manager
	configured         bool
	lastSampled        time.Time
	subscribedJobTypes map[string]bool
}

// New constructs a Worker identified by address (its own IP, the identity
// every directed topic is scoped to).
func New(address string, opts Options) *Worker {
	gpuCapacity := opts.GPUCapacity
	if gpuCapacity == nil {
		gpuCapacity = func() float64 { return 1.0 }
	}
	sentKB := opts.SentKB
	if sentKB == nil {
		sentKB = func() float64 { return 0 }
	}
	return &Worker{
		address:            address,
		bus:                opts.Bus,
		logger:             opts.Logger,
		metrics:            opts.Metrics,
		gauges:             opts.Gauges,
		backend:            opts.Backend,
		gpuCapacity:        gpuCapacity,
		sentKB:             sentKB,
		onFinish:           opts.OnFinish,
		capacity:           capacity.New(),
		subscribedJobTypes: make(map[string]bool),
	}
}

// Start subscribes every topic this worker listens on and launches the
// mdc/config request loop in its own goroutine, then returns without
// waiting; the worker is ready to accept subtask assignments once the
// controller's mdc/config reply has been handled.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.bus.SubscribeHost(topicConfig, w.address, w.handleConfig); err != nil {
		return fmt.Errorf("workersvc: subscribe %q: %w", topicConfig, err)
	}
	if _, err := w.bus.SubscribeHost(topicSubtaskInfo, w.address, w.handleSubtaskInfo); err != nil {
		return fmt.Errorf("workersvc: subscribe %q: %w", topicSubtaskInfo, err)
	}
	if _, err := w.bus.SubscribeHost(topicNodeInfo, w.address, w.handleRequestBacklog); err != nil {
		return fmt.Errorf("workersvc: subscribe %q: %w", topicNodeInfo, err)
	}
	if _, err := w.bus.SubscribeHost(topicNetworkPerformance, w.address, w.handleRequestNetworkPerformance); err != nil {
		return fmt.Errorf("workersvc: subscribe %q: %w", topicNetworkPerformance, err)
	}
	if _, err := w.bus.SubscribeExact(topicFinish, w.handleFinish); err != nil {
		return fmt.Errorf("workersvc: subscribe %q: %w", topicFinish, err)
	}

	go w.requestConfigUntilReady(ctx)
	return nil
}

// requestConfigUntilReady re-sends RequestConfig every 2s until the
// controller's reply has been processed — matching MDC.py's
// request_config's "while self._network_config == None: sleep(2)" retry.
func (w *Worker) requestConfigUntilReady(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	w.sendConfigRequest(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.isConfigured() {
				return
			}
			w.sendConfigRequest(ctx)
		}
	}
}

func (w *Worker) sendConfigRequest(ctx context.Context) {
	payload, err := wire.Marshal(wire.RequestConfig{IP: w.address})
	if err != nil {
		w.logger.Warn("mdc/config: marshal request failed", "error", err)
		return
	}
	if err := w.bus.Publish(ctx, topicConfig, payload); err != nil {
		w.logger.Warn("mdc/config: publish request failed", "error", err)
	}
}

func (w *Worker) isConfigured() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.configured
}

func (w *Worker) handleConfig(ctx context.Context, _ string, payload []byte) {
	if w.isConfigured() {
		return
	}
	var resp wire.ConfigResponse
	if err := wire.Unmarshal(payload, &resp); err != nil {
		w.logger.Warn("mdc/config: bad response", "error", err)
		return
	}

	if configurable, ok := w.backend.(modelConfigurable); ok {
		configurable.SetModelConfig(resp.Model)
	}

	modelNames := resp.Network.Models[w.address]
	dnnModels, err := models.Load(ctx, w.backend, modelNames, resp.Model)
	if err != nil {
		w.logger.Warn("mdc/config: model load failed", "error", err)
		return
	}
	jm := jobmanager.New(resp.Network, resp.Model, dnnModels)

	w.mu.Lock()
	w.network = resp.Network
	w.model = resp.Model
	w.jobManager = jm
	w.configured = true
	w.mu.Unlock()

	go func() {
		var onVQLen, onAheadLen func(int)
		if w.gauges != nil {
			onVQLen = func(n int) { w.gauges.VirtualQueue.Set(float64(n)) }
			onAheadLen = func(n int) { w.gauges.AheadOutputSize.Set(float64(n)) }
		}
		if err := jm.RunGarbageCollectors(ctx, onVQLen, onAheadLen); err != nil && ctx.Err() == nil {
			w.logger.Warn("jobmanager: garbage collector loop exited", "error", err)
		}
	}()

	w.subscribeJobTypes(resp.Network)
	w.logger.Info("mdc/config: configured", "address", w.address, "models", modelNames)
}

// subscribeJobTypes subscribes to job/{job_type} for every distinct job
// type this deployment declares, once (config may in principle be
// re-delivered, though the controller only ever answers once per
// request).
func (w *Worker) subscribeJobTypes(network config.NetworkConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, spec := range network.Jobs {
		if w.subscribedJobTypes[spec.JobType] {
			continue
		}
		topic := fmt.Sprintf("job/%s", spec.JobType)
		if _, err := w.bus.SubscribeHost(topic, w.address, w.handleDNN); err != nil {
			w.logger.Warn("job type subscribe failed", "job_type", spec.JobType, "error", err)
			continue
		}
		w.subscribedJobTypes[spec.JobType] = true
	}
}

func (w *Worker) handleSubtaskInfo(ctx context.Context, _ string, payload []byte) {
	jm := w.jobManagerOrWarn("job/subtask_info")
	if jm == nil {
		return
	}
	var msg wire.SubtaskInfoMessage
	if err := wire.Unmarshal(payload, &msg); err != nil {
		w.logger.Warn("job/subtask_info: bad payload", "error", err)
		return
	}
	info := msg.SubtaskInfo
	if err := jm.AddSubtask(info); err != nil {
		w.logger.Warn("job/subtask_info: add subtask failed", "subtask", info.SubtaskID(), "error", err)
		return
	}
	if w.gauges != nil {
		w.gauges.VirtualQueue.Set(float64(jm.VirtualQueueLen()))
	}
	if jm.IsDNNOutputExists(info) {
		output, err := jm.PopDNNOutput(info)
		if err != nil {
			w.logger.Warn("job/subtask_info: pop staged output failed", "subtask", info.SubtaskID(), "error", err)
			return
		}
		if w.gauges != nil {
			w.gauges.AheadOutputSize.Set(float64(jm.AheadOutputLen()))
		}
		w.runDNN(ctx, output)
	}
}

func (w *Worker) handleDNN(ctx context.Context, _ string, payload []byte) {
	jm := w.jobManagerOrWarn("job/<type>")
	if jm == nil {
		return
	}
	var output models.DNNOutput
	if err := wire.Unmarshal(payload, &output); err != nil {
		w.logger.Warn("job/<type>: bad payload", "error", err)
		return
	}
	w.runDNN(ctx, output)
}

// runDNN is the rendezvous/execution loop: it advances a DNNOutput through
// however many consecutive hops this worker owns, stopping to wait for a
// subtask registration, to hand off to the next worker, or to report back
// to the controller at the terminal hop. Mirrors MDC.py's run_dnn exactly.
func (w *Worker) runDNN(ctx context.Context, output models.DNNOutput) {
	jm := w.jobManagerOrWarn("run_dnn")
	if jm == nil {
		return
	}
	for {
		info := output.Info
		if info.IsTerminated() {
			w.reportResponse(ctx, info)
			return
		}
		if !jm.IsSubtaskExists(output) {
			if err := jm.AddDNNOutput(output); err != nil {
				w.logger.Warn("run_dnn: stage output failed", "subtask", info.SubtaskID(), "error", err)
			} else if w.gauges != nil {
				w.gauges.AheadOutputSize.Set(float64(jm.AheadOutputLen()))
			}
			return
		}

		updated, err := jm.UpdateDNNOutput(output)
		if err != nil {
			w.logger.Warn("run_dnn: update output failed", "subtask", info.SubtaskID(), "error", err)
			return
		}
		result, computingCapacity, err := jm.Run(ctx, updated)
		if err != nil {
			w.logger.Warn("run_dnn: run failed", "subtask", info.SubtaskID(), "error", err)
			return
		}
		if w.gauges != nil {
			w.gauges.VirtualQueue.Set(float64(jm.VirtualQueueLen()))
		}

		ranInfo := result.Info
		next := ranInfo.Advance()
		if ranInfo.IsTransmission() {
			w.relayToNextHop(ctx, result.WithInfo(next))
			return
		}

		w.capacity.UpdateComputingCapacity(computingCapacity)
		output = result.WithInfo(next)
	}
}

func (w *Worker) relayToNextHop(ctx context.Context, output models.DNNOutput) {
	if w.metrics.PublishAttempts != nil {
		w.metrics.PublishAttempts.Add(ctx, 1)
	}
	payload, err := wire.Marshal(output)
	if err != nil {
		w.logger.Warn("run_dnn: marshal relay failed", "subtask", output.Info.SubtaskID(), "error", err)
		if w.metrics.PublishFailures != nil {
			w.metrics.PublishFailures.Add(ctx, 1)
		}
		return
	}
	destination := output.Info.SourceLayerNode.IP
	topic := fmt.Sprintf("job/%s", output.Info.JobType)
	w.bus.PublishTo(ctx, destination, topic, payload)
}

func (w *Worker) reportResponse(ctx context.Context, info jobmodel.SubtaskInfo) {
	payload, err := wire.Marshal(wire.SubtaskInfoMessage{SubtaskInfo: info})
	if err != nil {
		w.logger.Warn("job/response: marshal failed", "subtask", info.SubtaskID(), "error", err)
		return
	}
	if err := w.bus.Publish(ctx, topicResponse, payload); err != nil {
		w.logger.Warn("job/response: publish failed", "subtask", info.SubtaskID(), "error", err)
	}
}

// handleRequestBacklog answers the controller's sync_backlog request with
// this worker's current NodeLinkInfo.
func (w *Worker) handleRequestBacklog(ctx context.Context, _ string, _ []byte) {
	jm := w.jobManagerOrWarn("mdc/node_info")
	if jm == nil {
		return
	}

	now := time.Now()
	w.mu.Lock()
	var elapsedMS float64
	if !w.lastSampled.IsZero() {
		elapsedMS = now.Sub(w.lastSampled).Seconds() * 1000
	}
	w.lastSampled = now
	w.mu.Unlock()
	w.capacity.UpdateTransferCapacity(w.sentKB(), elapsedMS)

	links := make(map[string]float64)
	for key, backlog := range jm.Backlogs() {
		links[key.String()] = backlog
	}

	report := wire.NodeLinkInfo{
		IP:                w.address,
		Links:             links,
		ComputingCapacity: w.capacity.AvgComputing(),
		TransferCapacity:  w.capacity.AvgTransfer(),
	}
	payload, err := wire.Marshal(report)
	if err != nil {
		w.logger.Warn("mdc/node_info: marshal report failed", "error", err)
		return
	}
	if err := w.bus.Publish(ctx, topicNodeInfo, payload); err != nil {
		w.logger.Warn("mdc/node_info: publish report failed", "error", err)
	}
}

// handleRequestNetworkPerformance answers the controller's
// sync_network_performance request with this worker's residual GPU ratio.
func (w *Worker) handleRequestNetworkPerformance(ctx context.Context, _ string, _ []byte) {
	report := wire.NetworkPerformance{IP: w.address, GPUCapacity: w.gpuCapacity()}
	payload, err := wire.Marshal(report)
	if err != nil {
		w.logger.Warn("mdc/network_performance_info: marshal failed", "error", err)
		return
	}
	if err := w.bus.Publish(ctx, topicNetworkPerformance, payload); err != nil {
		w.logger.Warn("mdc/network_performance_info: publish failed", "error", err)
	}
}

// handleFinish observes the controller's completion broadcast. The source
// sleeps 5s then os._exit(1)s; per the REDESIGN FLAGS this instead logs and
// invokes OnFinish (cmd/worker wires this to its context's CancelFunc) for
// cooperative shutdown.
func (w *Worker) handleFinish(_ context.Context, _ string, _ []byte) {
	w.logger.Info("mdc/finish: controller signaled completion")
	if w.onFinish != nil {
		w.onFinish()
	}
}

func (w *Worker) jobManagerOrWarn(label string) *jobmanager.JobManager {
	w.mu.Lock()
	jm := w.jobManager
	w.mu.Unlock()
	if jm == nil {
		w.logger.Warn("dropping message, not yet configured", "context", label)
	}
	return jm
}
