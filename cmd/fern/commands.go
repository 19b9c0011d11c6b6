package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/pipeline"
)

var envFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fern",
		Short:         "Sync paginated API entities and their relations into SQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment")

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSyncCmd(),
		newCreatePeriodicTasksCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return root
}

// run loads config and the logger, starts an App built with opts and hands
// it to fn. The App is stopped when fn returns.
func run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error, opts ...app.Option) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger, flush, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()

	a := app.New(cfg, logger, opts...)
	if err := a.Start(ctx); err != nil {
		logger.WithError(err).Error("Startup failed")
		return err
	}
	defer func() {
		if err := a.Stop(context.Background()); err != nil {
			logger.WithError(err).Warn("Shutdown failed")
		}
	}()

	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the job workers and the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx, true, !noWorkers)
			})
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve the API only")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job workers and the scheduler without the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx, false, true)
			})
		},
	}
}

func newSyncCmd() *cobra.Command {
	var inline bool
	cmd := &cobra.Command{
		Use:   "sync <source>",
		Short: "Start a sync of one source",
		Long: `Start a sync of one source. By default the first page job is enqueued
for the workers. With --inline the whole run executes in this process
against an in-memory queue and the command exits when it is done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			if !inline {
				return run(cmd, func(ctx context.Context, a *app.App) error {
					job, err := a.Orchestrator.Sync(ctx, source)
					if err != nil {
						return err
					}
					return printJSON(cmd, map[string]string{"source": source, "sync_id": job.SyncID, "job_id": job.ID})
				})
			}

			var mq *pipeline.MemoryQueue
			return run(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Orchestrator.Sync(ctx, source); err != nil {
					return err
				}
				if err := mq.RunUntilIdle(ctx, a.Orchestrator, a.Config.WorkerCount); err != nil {
					return err
				}

				failures := mq.Failures()
				for _, f := range failures {
					a.Logger.WithError(f.Err).Warnf("%s job for %s failed (%s)", f.Job.Type, f.Job.URL, f.Reason)
				}
				if len(failures) > 0 {
					return fmt.Errorf("sync of %s finished with %d failed jobs", source, len(failures))
				}
				return nil
			}, app.WithoutRedis(), withMemoryQueue(&mq))
		},
	}
	cmd.Flags().BoolVar(&inline, "inline", false, "Run the sync in-process until it completes")
	return cmd
}

// withMemoryQueue defers building the in-memory queue until the logger
// exists, storing it in *dst.
func withMemoryQueue(dst **pipeline.MemoryQueue) app.Option {
	return app.WithQueueFunc(func(a *app.App) pipeline.Queue {
		*dst = pipeline.NewMemoryQueue(a.Logger)
		return *dst
	})
}

func newCreatePeriodicTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-periodic-tasks",
		Short: "Create a disabled daily sync trigger for every source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Orchestrator.CreatePeriodicTasks(ctx); err != nil {
					return err
				}
				triggers, err := a.Triggers.List(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, triggers)
			}, app.WithoutRedis())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(context.Context, *app.App) error {
				return nil
			}, app.WithoutRedis(), app.WithoutPipeline())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(app.Version)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
