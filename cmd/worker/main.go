// Command mdc-worker runs one mesh node: it requests its configuration from
// the controller over the bus, then executes subtasks as SubtaskInfo
// assignments and DNNOutput payloads arrive.
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

	"github.com/swarmguard/dnnmesh/internal/bus"
	"github.com/swarmguard/dnnmesh/internal/logging"
	"github.com/swarmguard/dnnmesh/internal/models"
	"github.com/swarmguard/dnnmesh/internal/otelinit"
	"github.com/swarmguard/dnnmesh/internal/workersvc"
)

const service = "mdc-worker"

const defaultNATSURL = "nats://127.0.0.1:4222"

func main() {
	v := viper.New()
	v.SetEnvPrefix("MDC_WORKER")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   service,
		Short: "Worker node for the DNN mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	flags := root.Flags()
	flags.String("address", "", "this node's IP, the identity every directed topic is scoped to (required)")
	flags.String("nats-url", defaultNATSURL, "NATS server URL")
	flags.String("http-addr", ":8081", "address to serve /health and /metrics on")
	_ = root.MarkFlagRequired("address")
	_ = v.BindPFlags(flags)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	address := v.GetString("address")
	logger := logging.Init(service).With("node", address)

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

	w := workersvc.New(address, workersvc.Options{
		Bus:      b,
		Logger:   logger,
		Metrics:  metrics,
		Gauges:   gauges,
		Backend:  models.NewSimulatedBackend(),
		OnFinish: cancel,
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("%s: start worker: %w", service, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
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

	logger.Info("worker started", "address", address, "nats_url", v.GetString("nats-url"))
	<-ctx.Done()
	logger.Info("shutdown initiated")

	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
	return nil
}
