package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/sphh12/appium-public/internal/config"
	"github.com/sphh12/appium-public/internal/explore"
	"github.com/sphh12/appium-public/internal/metrics"
	"github.com/sphh12/appium-public/internal/queue"
	"github.com/sphh12/appium-public/internal/repository"
	"github.com/sphh12/appium-public/internal/service"
	"gorm.io/gorm"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	planPath   string
	section    string
	driverKind string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "explorer",
		Short: "Walk a mobile app screen by screen and save every UI tree",
		Long: `explorer drives an Android app through an Appium server (or adb), dismisses
popups, logs in, visits every destination in the traversal plan and saves the
UI hierarchy of each screen as a sequence-numbered XML file.`,
		Version:       fmt.Sprintf("%s (build %s, commit %s)", Version, BuildTime, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./configs/config.yaml", "Config file (empty to use defaults and env only)")
	rootCmd.PersistentFlags().StringVar(&planPath, "plan", "", "Traversal plan YAML (default: plan_file from config, else built-in plan)")
	rootCmd.PersistentFlags().StringVar(&section, "section", "", "Explore only this section (e.g. Home, Card)")
	rootCmd.PersistentFlags().StringVar(&driverKind, "driver", "", "Device driver: appium or adb (default from config)")

	rootCmd.AddCommand(
		exploreCmd(),
		dumpCmd(),
		watchCmd(),
		serveCmd(),
		workerCmd(),
		migrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app 各子命令共享的依赖
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	plan    *explore.Plan
	metrics *metrics.Metrics
	db      *gorm.DB
	mq      *queue.RabbitMQ
	runner  *service.Runner
}

type appOptions struct {
	requireDB bool
	withQueue bool
}

// newApp 加载配置、日志、计划，按需连接数据库和 RabbitMQ
func newApp(opts appOptions) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if driverKind != "" {
		cfg.Driver.Kind = strings.ToLower(driverKind)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger := config.InitLogger(&cfg.Log)
	a := &app{cfg: cfg, logger: logger}

	if a.plan, err = loadPlan(cfg, logger); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(logger, "")
	}

	if cfg.Database.Type != "" {
		if a.db, err = repository.InitDB(&cfg.Database, logger); err != nil {
			return nil, fmt.Errorf("failed to init database: %w", err)
		}
		logger.WithField("type", cfg.Database.Type).Info("Database connected")
	} else if opts.requireDB {
		return nil, fmt.Errorf("database.type must be set (sqlite or mysql)")
	}

	if opts.withQueue && cfg.RabbitMQ.Enabled {
		if a.mq, err = queue.NewRabbitMQ(&cfg.RabbitMQ, logger); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to init RabbitMQ: %w", err)
		}
		logger.WithField("queue", cfg.RabbitMQ.Queue).Info("RabbitMQ connected")
	}

	a.runner = service.NewRunner(cfg, a.plan, service.DriverFactory(cfg, logger), logger)
	if a.db != nil {
		a.runner.SetRepositories(repository.NewRunRepository(a.db, logger), repository.NewArtifactRepository(a.db, logger))
	}
	if a.mq != nil {
		a.runner.SetEvents(a.producer())
	}
	if a.metrics != nil {
		a.runner.SetMetrics(a.metrics)
	}

	logger.WithFields(logrus.Fields{
		"app":    a.plan.AppID,
		"driver": cfg.Driver.Kind,
		"live":   cfg.App.UseLive,
	}).Infof("explorer %s ready", Version)
	return a, nil
}

func (a *app) producer() *queue.Producer {
	return queue.NewProducer(a.mq, a.cfg.RabbitMQ.Exchange, a.cfg.RabbitMQ.Queue, a.logger)
}

// Close 释放数据库和 RabbitMQ 连接
func (a *app) Close() {
	if a.mq != nil {
		if err := a.mq.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close RabbitMQ")
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

func loadPlan(cfg *config.Config, logger *logrus.Logger) (*explore.Plan, error) {
	appID := cfg.Target().Package
	path := planPath
	if path == "" {
		path = cfg.PlanFile
	}
	if path == "" {
		logger.Debug("Using built-in traversal plan")
		return explore.DefaultPlan(appID), nil
	}

	plan, err := explore.LoadPlan(path, appID)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"plan":     path,
		"sections": len(plan.Sections),
	}).Info("Traversal plan loaded")
	return plan, nil
}
