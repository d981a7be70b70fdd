package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/memoryd/api"
	"github.com/vinayprograms/memoryd/config"
	"github.com/vinayprograms/memoryd/consolidate"
	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/llm"
	"github.com/vinayprograms/memoryd/logging"
)

type consolidateFlags struct {
	once   bool
	remote bool
	apiURL string
}

func newConsolidateCmd(global *globalFlags) *cobra.Command {
	flags := &consolidateFlags{}
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Fold unconsolidated memories into per-project summaries",
		Long: `Runs the consolidator on its own. Every SELF_BAKER_INTERVAL seconds it reads
up to SELF_BAKER_LIMIT unconsolidated memories, summarizes them per project,
stores the summary and marks the sources consolidated.

With --remote the summaries are written through the memory API at
MEMORY_API_URL instead of an in-process service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if flags.apiURL != "" {
				cfg.Memory.APIURL = flags.apiURL
			}
			return runConsolidate(cmd.Context(), cfg, logger, flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.once, "once", false, "run a single tick, print the report and exit")
	cmd.Flags().BoolVar(&flags.remote, "remote", false, "write summaries through the memory API")
	cmd.Flags().StringVar(&flags.apiURL, "api-url", "", "override MEMORY_API_URL")
	return cmd
}

func runConsolidate(parent context.Context, cfg *config.Config, logger *logging.Logger, flags *consolidateFlags, stdout io.Writer) error {
	coord := newCoordinator(logger.WithComponent("shutdown"))
	ctx := coord.HandleSignals(parent)
	defer func() {
		coord.Trigger()
		<-coord.Done()
	}()

	tracer := setupTelemetry(ctx, cfg, coord, logger)

	var c *consolidate.Consolidator
	if flags.remote {
		client, err := api.NewClient(cfg.Memory.APIURL)
		if err != nil {
			return err
		}
		st, err := openState(cfg, coord, logger)
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg, coord, tracer, logger)
		if err != nil {
			return err
		}
		chat, err := openChat(ctx, cfg, coord, newLimiter(cfg, coord), tracer)
		if err != nil {
			return err
		}
		c = consolidate.New(store, llm.NewSummarizer(chat), client, consolidatorConfig(cfg),
			consolidate.WithLocks(st),
			consolidate.WithLogger(logger),
			consolidate.WithTracer(tracer),
		)
	} else {
		eng, err := openEngine(ctx, cfg, coord, tracer, logger)
		if err != nil {
			return err
		}
		c = consolidate.New(eng.store, eng.summarizer, eng.service, consolidatorConfig(cfg),
			consolidate.WithLocks(eng.state),
			consolidate.WithLogger(logger),
			consolidate.WithTracer(tracer),
		)
	}

	if !flags.once {
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}

	report, err := c.RunOnce(ctx)
	if err != nil && !errors.Is(err, errors.ErrCodeResourceBusy) {
		return err
	}
	return printReport(stdout, report)
}

func consolidatorConfig(cfg *config.Config) consolidate.Config {
	return consolidate.Config{
		Collection: cfg.Qdrant.Collection,
		Interval:   cfg.ConsolidationInterval(),
		Limit:      cfg.SelfBaker.Limit,
	}
}

func printReport(w io.Writer, report consolidate.Report) error {
	if report.Skipped {
		fmt.Fprintln(w, color.YellowString("skipped: another consolidator holds the lock"))
	} else if len(report.Failed) > 0 {
		fmt.Fprintf(w, "%s %d of %d groups failed\n", color.RedString("partial:"), len(report.Failed), report.Groups)
	} else {
		fmt.Fprintf(w, "%s %d memories in %d groups\n", color.GreenString("consolidated:"), report.Marked, report.Groups)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
