package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mule-ai/horde/internal/config"
	"github.com/mule-ai/horde/internal/engine"
	"github.com/mule-ai/horde/internal/metrics"
	"github.com/mule-ai/horde/pkg/graph"
	"github.com/mule-ai/horde/pkg/job"
	"github.com/mule-ai/horde/pkg/log"
)

var (
	configPath string
	v          = viper.New()
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "horde",
		Short: "Build job scheduler",
		Long: `horde turns build graphs into jobs, queues their batches for agent pools
and collects unreachable storage bundles.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(
		createServeCmd(),
		createTickCmd(),
		createGCCmd(),
		createGraphCmd(),
		createJobsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, logr.Logger, error) {
	config.SetDefaults(v)
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return nil, logr.Discard(), err
	}
	logger, err := log.Build(log.Options{File: cfg.Log.File, Stdout: cfg.Log.Stdout, Level: cfg.Log.Level})
	if err != nil {
		return nil, logr.Discard(), err
	}
	return cfg, logger, nil
}

func createServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			services, err := engine.NewServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := services.Close(); err != nil {
					logger.Error(err, "Failed to close services")
				}
			}()

			if err := services.Fleet.Start(ctx); err != nil {
				return err
			}
			if err := services.Engine.Start(ctx); err != nil {
				return err
			}

			var server *http.Server
			if cfg.Metrics.Listen != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				server = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					logger.Info("Serving metrics", "addr", cfg.Metrics.Listen)
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error(err, "Metrics server failed")
					}
				}()
			}

			<-ctx.Done()
			logger.Info("Shutting down")
			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}
			return nil
		},
	}
}

func createTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one task source pass and print the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			services, err := engine.NewServices(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer services.Close()

			if err := services.Engine.Tick(cmd.Context()); err != nil {
				return err
			}
			items := services.Tasks.Queue().Snapshot()
			fmt.Printf("%d queued batches\n", len(items))
			for i, item := range items {
				fmt.Printf("%d. job=%s batch=%s pool=%s agentType=%s priority=%s\n",
					i+1, item.JobID, item.BatchID, item.PoolID, item.AgentType, item.Priority)
			}
			return nil
		},
	}
}

func createGCCmd() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Collect unreachable bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			services, err := engine.NewServices(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer services.Close()

			if services.Collector == nil {
				return fmt.Errorf("no storage namespaces configured")
			}
			if namespace == "" {
				return services.Engine.CollectGarbage(cmd.Context())
			}
			report, err := services.Collector.Collect(cmd.Context(), namespace)
			if err != nil {
				return err
			}
			fmt.Printf("namespace=%s live=%d deleted=%d skippedYoung=%d expiredRefs=%d\n",
				report.Namespace, report.Live, report.Deleted, report.SkippedYoung, report.ExpiredRefs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Only collect this namespace")
	return cmd
}

func createGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Work with graph definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Check that a YAML graph definition builds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := graph.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			g, err := def.Build()
			if err != nil {
				return err
			}
			fmt.Printf("graph %s: %d groups, %d nodes, %d aggregates\n",
				g.ID, len(g.Groups), g.NodeCount(), len(g.Aggregates))
			return nil
		},
	})
	return cmd
}

func createJobsCmd() *cobra.Command {
	var active bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Print jobs with their batch and step states as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			services, err := engine.NewServices(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer services.Close()

			var jobs []*job.Job
			if active {
				jobs, err = services.Jobs.ListActive(cmd.Context())
			} else {
				jobs, err = services.Jobs.List(cmd.Context())
			}
			if err != nil {
				return err
			}

			described := make([]*job.EnhancedJob, 0, len(jobs))
			for _, j := range jobs {
				g, err := services.Graphs.Get(cmd.Context(), j.GraphHash)
				if err != nil {
					return fmt.Errorf("job %s: %w", j.ID, err)
				}
				described = append(described, job.Describe(j, g))
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(described)
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "Only jobs that are not complete")
	return cmd
}
