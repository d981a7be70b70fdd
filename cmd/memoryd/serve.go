package main

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/memoryd/api"
	"github.com/vinayprograms/memoryd/config"
	"github.com/vinayprograms/memoryd/consolidate"
	"github.com/vinayprograms/memoryd/logging"
	"github.com/vinayprograms/memoryd/mcp"
	"github.com/vinayprograms/memoryd/shutdown"
	"github.com/vinayprograms/memoryd/telemetry"
)

type serveFlags struct {
	listen        string
	noConsolidate bool
}

func newServeCmd(global *globalFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the /mcp websocket and the consolidator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if flags.listen != "" {
				cfg.Memory.ListenAddr = flags.listen
			}
			return runServe(cmd.Context(), cfg, logger, flags)
		},
	}
	cmd.Flags().StringVar(&flags.listen, "listen", "", "override MEMORY_LISTEN_ADDR")
	cmd.Flags().BoolVar(&flags.noConsolidate, "no-consolidate", false, "do not run the consolidator in this process")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, logger *logging.Logger, flags *serveFlags) error {
	coord := newCoordinator(logger.WithComponent("shutdown"))
	ctx := coord.HandleSignals(parent)
	tracer := setupTelemetry(ctx, cfg, coord, logger)

	eng, err := openEngine(ctx, cfg, coord, tracer, logger)
	if err != nil {
		_ = coord.ShutdownWithTimeout(10 * time.Second)
		return err
	}

	if !flags.noConsolidate {
		startConsolidator(ctx, cfg, eng, tracer, logger)
	}

	listener, err := net.Listen("tcp", cfg.Memory.ListenAddr)
	if err != nil {
		_ = coord.ShutdownWithTimeout(10 * time.Second)
		return err
	}
	httpServer := newHTTPServer(cfg, eng, logger)
	coord.RegisterFuncWithPhase("http", httpServer.Shutdown, shutdown.PhaseIntake)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", logging.Fields{"addr": listener.Addr().String(), "version": version})
		if err := httpServer.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-coord.Done():
		return coord.Err()
	case err := <-serveErr:
		logger.Error("server_failed", logging.Fields{"error": err})
		coord.Trigger()
		<-coord.Done()
		return err
	}
}

func newHTTPServer(cfg *config.Config, eng *engine, logger *logging.Logger) *http.Server {
	tools := mcp.NewServer(eng.service, version, logger)
	srv := api.NewServer(eng.service,
		api.WithLogger(logger),
		api.WithTools(tools),
	)
	return &http.Server{
		Addr:              cfg.Memory.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func startConsolidator(ctx context.Context, cfg *config.Config, eng *engine, tracer *telemetry.Tracer, logger *logging.Logger) {
	c := consolidate.New(eng.store, eng.summarizer, eng.service, consolidate.Config{
		Collection: cfg.Qdrant.Collection,
		Interval:   cfg.ConsolidationInterval(),
		Limit:      cfg.SelfBaker.Limit,
	},
		consolidate.WithLocks(eng.state),
		consolidate.WithLogger(logger),
		consolidate.WithTracer(tracer),
	)
	go func() {
		_ = c.Run(ctx)
	}()
}
