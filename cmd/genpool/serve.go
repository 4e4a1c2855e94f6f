package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apigrpc "github.com/nemanja-m/genpool/internal/api/grpc"
	"github.com/nemanja-m/genpool/internal/api/rest"
	"github.com/nemanja-m/genpool/internal/events"
	"github.com/nemanja-m/genpool/internal/pool"
	"github.com/nemanja-m/genpool/internal/pool/core"
	"github.com/nemanja-m/genpool/internal/runner"
	"github.com/nemanja-m/genpool/internal/shared/config"
	"github.com/nemanja-m/genpool/internal/shared/logging"
	"github.com/nemanja-m/genpool/internal/shared/tracing"
	"github.com/nemanja-m/genpool/internal/transport/comfy"
	"github.com/nemanja-m/genpool/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool with its REST and gRPC APIs",
	Long: `Connects to the configured workers, loads the template catalog and serves
the REST API and the gRPC health service until interrupted.`,
	Example: `  genpool serve
  genpool serve --config /etc/genpool/genpool.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.DrainTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Failed to shut down tracing", "error", err)
		}
	}()

	catalog, err := workflow.LoadCatalog(cfg.Templates.Patterns)
	if err != nil {
		return err
	}
	logger.Info("Templates loaded", "count", catalog.Len(), "names", catalog.Names())

	bus := events.NewBus()
	defer bus.Close()

	if cfg.Events.NATS.Enabled {
		detach, err := attachNATS(ctx, cfg.Events.NATS, bus, logger)
		if err != nil {
			return err
		}
		defer detach()
	}

	p, err := newPool(cfg, bus, logger)
	if err != nil {
		return err
	}
	registerWorkers(ctx, p, cfg.Workers, logger)

	r := runner.New(p, catalog, runner.NewInMemoryJobStore(),
		runner.WithStartTimeout(cfg.Pool.StartTimeout),
		runner.WithLogger(logger),
	)
	restServer := rest.NewServer(cfg.REST, rest.NewAPI(p, r, logger), logger)
	grpcServer := apigrpc.NewServer(cfg.GRPC, p, logger)
	checker := pool.NewHealthChecker(
		cfg.Health.CheckInterval,
		cfg.Health.ProbeTimeout,
		cfg.Health.RemoveAfter,
		p,
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("REST server listening", "addr", cfg.REST.Addr)
		if err := restServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rest server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := grpcServer.Start(); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "drain_timeout", cfg.Pool.DrainTimeout)

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.DrainTimeout)
		defer cancel()

		grpcServer.Stop()
		return errors.Join(restServer.Shutdown(sctx), p.Close(sctx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Stopped")
	return nil
}

func newPool(cfg *config.Config, bus *events.Bus, logger logging.Logger) (*pool.Pool, error) {
	selector, err := core.SelectorByName(cfg.Pool.Selection)
	if err != nil {
		return nil, err
	}
	return pool.New(
		pool.WithSelector(selector),
		pool.WithBus(bus),
		pool.WithDialer(comfy.Dialer(comfy.WithLogger(logger))),
		pool.WithDefaultJobTimeout(cfg.Pool.JobTimeout),
		pool.WithLogger(logger),
		pool.WithTracer(tracing.Tracer()),
	), nil
}

// registerWorkers dials the configured workers. A worker that cannot be
// reached is logged and skipped; it can be added later over the API.
func registerWorkers(ctx context.Context, p *pool.Pool, workers []config.WorkerConfig, logger logging.Logger) {
	for _, wc := range workers {
		dctx, cancel := context.WithTimeout(ctx, wc.DialTimeout)
		w, err := p.RegisterWorker(dctx, wc.Address)
		cancel()
		if err != nil {
			logger.Warn("Failed to register worker", "address", wc.Address, "error", err)
			continue
		}
		logger.Info("Worker registered", "worker_id", w.ID, "platform", w.Platform)
	}
}

func attachNATS(ctx context.Context, cfg config.NATSConfig, bus *events.Bus, logger logging.Logger) (func(), error) {
	codecs, err := events.NewRegistry()
	if err != nil {
		return nil, err
	}
	codec, err := codecs.Get(cfg.Codec)
	if err != nil {
		return nil, err
	}
	nc, err := events.ConnectNATS(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	sink := events.NewNATSSink(nc, cfg.SubjectPrefix, codec, logger)
	unsubscribe := sink.Attach(bus)
	logger.Info("Publishing events to NATS", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix, "codec", codec.ContentType())

	return func() {
		unsubscribe()
		if err := nc.Drain(); err != nil {
			logger.Warn("Failed to drain NATS connection", "error", err)
		}
	}, nil
}
