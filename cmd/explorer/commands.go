package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/sphh12/appium-public/internal/api"
	"github.com/sphh12/appium-public/internal/api/handlers"
	"github.com/sphh12/appium-public/internal/inspect"
	"github.com/sphh12/appium-public/internal/queue"
	"github.com/sphh12/appium-public/internal/service"
	"github.com/sphh12/appium-public/internal/watcher"
)

// signalContext Ctrl+C / SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func exploreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explore",
		Short: "Log in and capture every destination in the traversal plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{withQueue: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			report, err := a.runner.Run(ctx, section)
			if report != nil {
				printReport(report)
			}
			return err
		},
	}
}

func printReport(report *service.Report) {
	run := report.Run
	fmt.Printf("\nRun %s: %s\n", run.ID, run.Status)
	fmt.Printf("  Output:    %s\n", run.OutputDir)
	fmt.Printf("  Captured:  %d\n", run.ArtifactCount)
	fmt.Printf("  Visited:   %d\n", run.VisitedCount)
	fmt.Printf("  Crashes:   %d\n", run.CrashCount)
	if run.ErrorMessage != "" {
		fmt.Printf("  Error:     [%s] %s\n", run.FailureType, run.ErrorMessage)
	}
	if report.Result == nil || len(report.Result.Failures) == 0 {
		return
	}
	fmt.Printf("  Skipped:   %d\n", len(report.Result.Failures))
	for _, f := range report.Result.Failures {
		fmt.Printf("    - %s (%s): %s\n", f.Destination, f.Type, f.Message)
	}
}

func dumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump [name]",
		Short: "Save the current screen's UI tree once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			res, err := a.runner.Dump(ctx, name)
			if err != nil {
				return err
			}
			fmt.Printf("Saved %s (%.1f KB, %d elements, %d clickable)\n",
				res.Path, float64(res.Size)/1024, res.Stats.Elements, res.Stats.Clickable)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved dumps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := inspect.List(a.cfg.Output.DumpDir)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Printf("No dumps in %s\n", a.cfg.Output.DumpDir)
				return nil
			}
			for _, e := range entries {
				if e.Dir {
					fmt.Printf("  %-40s  [dir, %d xml]\n", e.Name+"/", e.XMLCount)
				} else {
					fmt.Printf("  %-40s  %.1f KB\n", e.Name, float64(e.Size)/1024)
				}
			}
			return nil
		},
	})
	return cmd
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Capture every new screen while you drive the app by hand (Ctrl+C to stop)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{withQueue: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			fmt.Println("→ Watching for screen changes, press Ctrl+C to stop")
			report, err := a.runner.Watch(ctx, interval)
			if report != nil {
				fmt.Printf("\nCaptured %d screens into %s\n", len(report.Captured), report.Run.OutputDir)
				for _, c := range report.Captured {
					fmt.Printf("  %03d %s (%d elements)\n", c.Artifact.Sequence, c.Name, c.Stats.Elements)
				}
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 200*time.Millisecond, "Polling interval")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve run history, captured XML and a live feed of new captures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{requireDB: true, withQueue: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			hub := handlers.NewHub(a.logger)
			hub.Start(ctx)

			fw, err := watcher.NewFileWatcher(a.cfg.Output.Root, "*.xml", hub.Broadcast, a.logger)
			if err != nil {
				return err
			}
			defer fw.Close()
			fw.Start(ctx)

			var requests handlers.RequestPublisher
			if a.mq != nil {
				a.mq.StartConnectionWatcher()
				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case <-a.mq.ReconnectChan():
							if err := a.mq.Reconnect(ctx); err != nil {
								a.logger.WithError(err).Error("Failed to reconnect to RabbitMQ")
							}
						}
					}
				}()
				requests = a.producer()
			}

			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler:      api.SetupRouter(a.cfg, a.logger, a.db, a.metrics, hub, requests),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 5 * time.Minute,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Infof("HTTP server listening on %s", server.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("HTTP server error: %w", err)
			case <-ctx.Done():
			}

			a.logger.Info("Shutting down gracefully...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.logger.WithError(err).Error("HTTP server shutdown error")
			}
			a.logger.Info("Server stopped")
			return nil
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume crawl requests from RabbitMQ and run them one at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{withQueue: true})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.mq == nil {
				return fmt.Errorf("worker requires rabbitmq.enabled: true")
			}

			ctx, stop := signalContext()
			defer stop()

			if depth, err := a.mq.QueueDepth(); err == nil {
				a.logger.WithField("pending", depth).Info("Crawl request queue")
			}

			consumer := queue.NewConsumer(a.mq, func(ctx context.Context, req *queue.CrawlRequest) error {
				a.logger.WithFields(logrus.Fields{
					"request_id": req.RequestID,
					"section":    req.Section,
				}).Info("Received crawl request")
				_, err := a.runner.Run(ctx, req.Section)
				return err
			}, a.logger)
			if err := consumer.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			a.logger.Info("Stopping worker...")
			consumer.Stop()
			a.logger.WithField("processed", consumer.Processed()).Info("Worker stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the run history tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// InitDB 会执行迁移
			a, err := newApp(appOptions{requireDB: true})
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("✓ Migration completed (%s)\n", a.cfg.Database.Type)
			return nil
		},
	}
}
