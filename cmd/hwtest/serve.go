package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/czalinski/hwtest/config"
	"github.com/czalinski/hwtest/errors"
	"github.com/czalinski/hwtest/metric"
	"github.com/czalinski/hwtest/monitor"
	"github.com/czalinski/hwtest/natsclient"
	"github.com/czalinski/hwtest/pkg/retry"
	"github.com/czalinski/hwtest/rack"
	"github.com/czalinski/hwtest/rack/sim"
	"github.com/czalinski/hwtest/recorder"
	"github.com/czalinski/hwtest/state"
	"github.com/czalinski/hwtest/stream"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bring up the rack, monitors, and metrics endpoint",
		Long: `Initialize every configured instrument, start the threshold
monitors, and serve prometheus metrics until interrupted. Instruments that
fail to initialize are reported and skipped; the rest of the rack runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger := setupLogger(cmd)
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewRegistry()
	metrics := registry.Core()

	if cfg.Metrics.Enabled {
		server := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutCtx)
		}()
	}

	var session *recorder.Session
	if cfg.Recorder.Path != "" {
		rec, err := recorder.Open(cfg.Recorder.Path, recorder.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() { _ = rec.Close() }()

		units := make([]recorder.SessionUnit, 0, len(cfg.Recorder.Units))
		for _, u := range cfg.Recorder.Units {
			units = append(units, recorder.SessionUnit{Serial: u.Serial, Slot: u.Slot})
		}
		session, err = rec.BeginSession(ctx, recorder.SessionConfig{
			TestCase: cfg.Recorder.TestCase,
			RunType:  recorder.RunType(cfg.Recorder.RunType),
			UnitType: cfg.Recorder.UnitType,
			Revision: cfg.Recorder.Revision,
			Units:    units,
		})
		if err != nil {
			return err
		}
		defer func() {
			endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := session.Complete(endCtx); err != nil {
				logger.Error("test run not completed", "error", err)
			}
		}()
		logger.Info("failure recorder attached",
			"path", cfg.Recorder.Path, "run", session.Label(), "units", len(units))
	}

	timeout, err := cfg.NATS.TimeoutDuration()
	if err != nil {
		return err
	}
	clientOpts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithTimeout(timeout),
		natsclient.WithMetrics(metrics),
	}
	if cfg.NATS.MaxReconnects != 0 {
		clientOpts = append(clientOpts, natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects))
	}
	if session != nil {
		// Losing the bus loses telemetry the thresholds are judged on:
		// a system failure that terminates the run.
		clientOpts = append(clientOpts, natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				return
			}
			faultCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := session.RecordSystemFault(faultCtx, "BUS_LOSS", "message bus connection lost"); err != nil {
				logger.Error("system failure not recorded", "error", err)
			}
		}))
	}
	client, err := natsclient.NewClient(cfg.NATS.URL, clientOpts...)
	if err != nil {
		return err
	}
	if err := retry.Do(ctx, retry.Persistent(), func() error {
		return client.Connect(ctx)
	}); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}()

	if name := cfg.NATS.DurableStream; name != "" {
		if err := ensureDurableStream(ctx, client, name, cfg.Rack.ID, logger); err != nil {
			return err
		}
	}

	// Hardware driver packages register here. The simulated drivers are
	// always available so a stand can run without instruments attached.
	drivers := rack.NewRegistry()
	if err := sim.Register(drivers, client, logger); err != nil {
		return err
	}

	rackOpts := []rack.Option{
		rack.WithLogger(logger),
		rack.WithMetrics(metrics),
	}
	if cfg.Rack.SerialInit {
		rackOpts = append(rackOpts, rack.WithSerialInit())
	}
	testRack, err := rack.New(cfg.Rack.ID, drivers, client, cfg.Rack.Instruments, rackOpts...)
	if err != nil {
		return err
	}
	if err := testRack.Initialize(ctx); err != nil {
		// Healthy instruments keep streaming; the operator sees the
		// partial rack in status traffic and metrics.
		logger.Warn("rack initialized degraded", "error", err)
		if session != nil {
			if rerr := session.RecordSystemFault(ctx, "RACK_INIT", err.Error()); rerr != nil {
				logger.Error("system failure not recorded", "error", rerr)
			}
		}
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		testRack.Shutdown(shutCtx)
	}()

	states := state.NewController(
		state.WithBus(client, cfg.Rack.ID),
		state.WithLogger(logger),
	)

	store, err := cfg.ThresholdStore()
	if err != nil {
		return err
	}

	var monitors []*monitor.Monitor
	for _, mc := range cfg.Monitors {
		sub := stream.NewSubscriber(client,
			stream.TelemetrySubject(cfg.Rack.ID, mc.Source),
			stream.WithSubscriberLogger(logger),
			stream.WithSubscriberMetrics(metrics),
		)
		monOpts := []monitor.Option{
			monitor.WithResultBus(client, cfg.Rack.ID),
			monitor.WithLogger(logger),
			monitor.WithMetrics(metrics),
		}
		if session != nil && mc.Slot > 0 {
			monOpts = append(monOpts, monitor.WithViolationFunc(violationRecorder(session, mc, logger)))
		}
		mon := monitor.New(mc.ID, sub, states, store, monOpts...)
		if err := mon.Start(ctx); err != nil {
			return err
		}
		monitors = append(monitors, mon)
		logger.Info("monitor started", "monitor", string(mc.ID), "source", mc.Source)
	}
	defer func() {
		for _, mon := range monitors {
			mon.Stop()
		}
	}()

	status := testRack.Status()
	logger.Info("test stand up",
		"rack", cfg.Rack.ID,
		"ready", status.Ready,
		"instruments", len(status.Instruments),
		"monitors", len(monitors),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// ensureDurableStream creates the JetStream stream covering the rack's
// telemetry subjects. JetStream may lag the core connection briefly after
// startup, so transient failures back off and retry before giving up.
func ensureDurableStream(ctx context.Context, client *natsclient.Client, name, rackID string, logger *slog.Logger) error {
	streamCfg := jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{stream.TelemetrySubject(rackID, ">")},
	}

	rc := errors.DefaultRetryConfig()
	for attempt := 0; ; attempt++ {
		_, err := client.EnsureStream(ctx, streamCfg)
		if err == nil {
			logger.Info("durable telemetry stream ready", "stream", name)
			return nil
		}
		if !rc.ShouldRetry(err, attempt) {
			return err
		}
		logger.Warn("durable telemetry stream not ready, retrying",
			"stream", name, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "serve", "ensureDurableStream", "wait for retry")
		case <-time.After(rc.BackoffDelay(attempt)):
		}
	}
}

// violationRecorder adapts monitor FAIL results into unit failures against
// the unit in the monitor's fixture slot.
func violationRecorder(session *recorder.Session, mc config.MonitorConfig, logger *slog.Logger) monitor.ViolationFunc {
	return func(r monitor.Result) {
		recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, v := range r.Violations {
			_, err := session.RecordViolation(recCtx,
				string(mc.ID), string(v.Channel), mc.Slot, string(r.State),
				v.Value, v.Threshold, v.Message)
			if err != nil {
				logger.Error("unit failure not recorded",
					"monitor", string(mc.ID), "channel", string(v.Channel), "error", err)
			}
		}
	}
}

func metricsMux(registry *metric.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
	return mux
}
