// Command mdc-controller runs the scheduling controller: it owns the
// LayeredGraph, answers workers' sync requests, and dispatches SubtaskInfos
// for every job/request_scheduling it receives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/swarmguard/dnnmesh/internal/archive"
	"github.com/swarmguard/dnnmesh/internal/bus"
	"github.com/swarmguard/dnnmesh/internal/config"
	"github.com/swarmguard/dnnmesh/internal/controllersvc"
	"github.com/swarmguard/dnnmesh/internal/graph"
	"github.com/swarmguard/dnnmesh/internal/logging"
	"github.com/swarmguard/dnnmesh/internal/otelinit"
	"github.com/swarmguard/dnnmesh/internal/resultlog"
	"github.com/swarmguard/dnnmesh/internal/scheduling"
)

const service = "mdc-controller"

func main() {
	v := viper.New()
	v.SetEnvPrefix("MDC_CONTROLLER")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   service,
		Short: "Scheduling controller for the DNN mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v)
		},
	}
	flags := root.Flags()
	flags.String("config", "config.json", "path to the mesh configuration file")
	flags.String("nats-url", defaultNATSURL, "NATS server URL")
	flags.String("data-dir", "./data", "directory for result logs and the job archive")
	flags.StringToString("network-tier", nil, "node IP to network tier mapping, e.g. 10.0.0.5=edge (repeatable)")
	flags.String("http-addr", ":8080", "address to serve /health and /metrics on")
	_ = v.BindPFlags(flags)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const defaultNATSURL = "nats://127.0.0.1:4222"

func run(cmd *cobra.Command, v *viper.Viper) error {
	logger := logging.Init(service)

	networkTiers, err := cmd.Flags().GetStringToString("network-tier")
	if err != nil {
		return fmt.Errorf("%s: read network-tier flag: %w", service, err)
	}

	configPath := v.GetString("config")
	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("%s: open config: %w", service, err)
	}
	defer f.Close()
	cfg, err := config.Load(f)
	if err != nil {
		return fmt.Errorf("%s: load config: %w", service, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, metrics := otelinit.InitMetrics(ctx, service)
	gauges, promHandler := otelinit.NewPromGauges(service)

	b, err := bus.New(v.GetString("nats-url"), logger)
	if err != nil {
		return fmt.Errorf("%s: connect bus: %w", service, err)
	}
	defer b.Close()

	policy, err := scheduling.Resolve(cfg.Network.SchedulingAlgorithm)
	if err != nil {
		return fmt.Errorf("%s: resolve scheduling algorithm: %w", service, err)
	}
	g := graph.New(cfg.Network, cfg.Model, policy)

	dataDir := v.GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("%s: create data dir: %w", service, err)
	}
	results, err := resultlog.New(dataDir)
	if err != nil {
		return fmt.Errorf("%s: open result log: %w", service, err)
	}
	store, err := archive.Open(dataDir + "/archive.db")
	if err != nil {
		return fmt.Errorf("%s: open archive: %w", service, err)
	}
	defer store.Close()

	ctrl := controllersvc.New(cfg, controllersvc.Options{
		Bus:          b,
		Logger:       logger,
		Metrics:      metrics,
		Gauges:       gauges,
		Graph:        g,
		Results:      results,
		Store:        store,
		NetworkTiers: networkTiers,
	})
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("%s: start controller: %w", service, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}
	srv := &http.Server{Addr: v.GetString("http-addr"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	logger.Info("controller started", "config", configPath, "nats_url", v.GetString("nats-url"))
	select {
	case <-ctx.Done():
	case <-ctrl.Done():
		logger.Info("experiment finished")
		cancel()
	}
	logger.Info("shutdown initiated")

	<-ctrl.RecorderStopped()

	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
	return nil
}
