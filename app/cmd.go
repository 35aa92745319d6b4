package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/searchktools/hostcore/config"
	"github.com/searchktools/hostcore/core/hosting"
	"github.com/searchktools/hostcore/internal/otelslog"
)

// Command returns the hostcore root command with its serve subcommand
func Command(h hosting.Handler, opts ...Option) *cobra.Command {
	root := &cobra.Command{
		Use:           "hostcore",
		Short:         "HTTP request processing server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(h, opts...))
	return root
}

func serveCommand(h hosting.Handler, opts ...Option) *cobra.Command {
	var (
		configFile string
		envFile    string
		urls       []string
		backend    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve requests until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			srcs := []config.Source{
				config.YamlFile{Path: configFile, Optional: !cmd.Flags().Changed("config")},
				config.DotEnv{Path: envFile, Optional: !cmd.Flags().Changed("env-file")},
				config.FromEnv(),
			}
			if cmd.Flags().Changed("backend") {
				srcs = append(srcs, config.Map{"server": map[string]any{"backend": backend}})
			}

			cfg, err := config.Load(srcs...)
			if err != nil {
				return err
			}

			appOpts := opts
			if len(urls) > 0 {
				appOpts = append(appOpts[:len(appOpts):len(appOpts)], WithHostingURLs(urls...))
			}
			return New(cfg, h, appOpts...).Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "hostcore.yaml", "YAML configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file with HOSTCORE_ variables")
	cmd.Flags().StringSliceVar(&urls, "urls", nil, "hosting URLs, e.g. http://localhost:5000")
	cmd.Flags().StringVar(&backend, "backend", config.BackendEventLoop, "listener backend: eventloop or http2")
	return cmd
}

// Main runs the command line until SIGINT or SIGTERM and exits with a
// non-zero status on failure
func Main(h hosting.Handler, opts ...Option) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := Command(h, opts...).ExecuteContext(ctx); err != nil {
		Log(config.Default().Logging).Error("hostcore failed", otelslog.Error(err))
		cancel()
		os.Exit(1)
	}
}
