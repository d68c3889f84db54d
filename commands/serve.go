package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/foreman/board"
	"github.com/c360studio/foreman/config"
	"github.com/c360studio/foreman/dispatcher"
	"github.com/c360studio/foreman/httpapi"
	"github.com/c360studio/foreman/ingester"
	"github.com/c360studio/foreman/orchestrator"
	"github.com/c360studio/foreman/registry"
	"github.com/c360studio/foreman/store"
	"github.com/c360studio/foreman/streamqueue"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var natsURL string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration backbone: store, queue consumers, HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, natsURL)
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default: embedded)")
	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, natsURL string) error {
	logger := slog.Default()

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	}

	conn, embedded, err := connectNATS(cfg)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer conn.Close()
	if embedded != nil {
		defer embedded.Shutdown()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	s, err := store.NewNATSStore(ctx, js)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	q := streamqueue.NewNATSQueue(js)

	reg := registry.New(s)
	disp := dispatcher.New(s, q, reg, logger)
	orch := orchestrator.New(s, q, reg, disp, logger, orchestrator.Config{
		TickInterval:       cfg.Scheduler.TickInterval,
		MaxInFlightProject: cfg.Scheduler.MaxInFlightProject,
		MaxInFlightPhase:   cfg.Scheduler.MaxInFlightPhase,
		PendingPauseAbove:  cfg.Scheduler.PendingPauseAbove,
		PendingResumeBelow: cfg.Scheduler.PendingResumeBelow,
	})
	defer orch.Shutdown(context.Background())

	b := board.New(httpapi.BuildSnapshot(s, reg))
	ing := ingester.New(s, q, reg, b, logger, "foreman-ingester")

	ingCtx, cancelIng := context.WithCancel(ctx)
	defer cancelIng()
	go func() {
		if err := ing.Run(ingCtx); err != nil && ingCtx.Err() == nil {
			logger.Error("ingester exited", "error", err)
		}
	}()

	api := httpapi.New(s, reg, orch, b, logger)
	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("httpapi listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("httpapi server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	if flags.configPath != "" {
		return config.LoadFromFile(flags.configPath)
	}
	return config.NewLoader(slog.Default()).Load()
}

// connectNATS dials cfg.NATS.URL, or starts an embedded JetStream-enabled
// server when Embedded is set, the way the teacher's cmd/semspec wires its
// own NATS connection.
func connectNATS(cfg *config.Config) (*nats.Conn, *natsserver.Server, error) {
	if cfg.NATS.URL != "" && !cfg.NATS.Embedded {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Timeout(cfg.NATS.ConnectTimeout))
		return conn, nil, err
	}

	opts := &natsserver.Options{
		Port:      -1,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("embedded nats server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("connect to embedded nats: %w", err)
	}
	return conn, ns, nil
}
