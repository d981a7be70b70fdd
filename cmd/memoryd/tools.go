package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/memoryd/api"
	"github.com/vinayprograms/memoryd/config"
	"github.com/vinayprograms/memoryd/logging"
	"github.com/vinayprograms/memoryd/mcp"
	"github.com/vinayprograms/memoryd/transport"
)

type toolsFlags struct {
	local  bool
	apiURL string
}

func newToolsCmd(global *globalFlags) *cobra.Command {
	flags := &toolsFlags{}
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Serve memory_search and memory_observe over stdio (MCP)",
		Long: `Speaks MCP on stdin/stdout for desktop chat clients. By default the tools
call the memory API at MEMORY_API_URL. With --local the memory engine runs
inside this process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if flags.apiURL != "" {
				cfg.Memory.APIURL = flags.apiURL
			}
			return runTools(cmd.Context(), cfg, logger, flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.local, "local", false, "run the memory engine in-process instead of calling the API")
	cmd.Flags().StringVar(&flags.apiURL, "api-url", "", "override MEMORY_API_URL")
	return cmd
}

func runTools(parent context.Context, cfg *config.Config, logger *logging.Logger, flags *toolsFlags, stdin io.Reader, stdout io.Writer) error {
	coord := newCoordinator(logger.WithComponent("shutdown"))
	ctx := coord.HandleSignals(parent)
	defer func() {
		coord.Trigger()
		<-coord.Done()
	}()

	tracer := setupTelemetry(ctx, cfg, coord, logger)

	var mem mcp.Memory
	if flags.local {
		eng, err := openEngine(ctx, cfg, coord, tracer, logger)
		if err != nil {
			return err
		}
		mem = eng.service
	} else {
		client, err := api.NewClient(cfg.Memory.APIURL)
		if err != nil {
			return err
		}
		mem = client
	}

	server := mcp.NewServer(mem, version, logger)
	logger.Info("tools_ready", logging.Fields{"local": flags.local, "api_url": cfg.Memory.APIURL})
	err := server.Serve(ctx, transport.NewStdioTransport(stdin, stdout, transport.DefaultConfig()))
	if ctx.Err() != nil {
		return nil
	}
	return err
}
