package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/salonguard/pkg/audit"
	"github.com/platinummonkey/salonguard/pkg/config"
	"github.com/platinummonkey/salonguard/pkg/idempotency"
	"github.com/platinummonkey/salonguard/pkg/storage"
)

// The sweeper runs the housekeeping the server does not: it deletes expired
// PostgreSQL idempotency records and ships rotated audit files to S3.
// Redis-backed stores expire keys themselves.
var (
	sweepSchedule   = flag.String("sweep-schedule", "*/5 * * * *", "Cron schedule for the idempotency sweep (default: every 5 minutes)")
	archiveSchedule = flag.String("archive-schedule", "15 * * * *", "Cron schedule for audit archiving (default: hourly at :15)")
	jobTimeout      = flag.Duration("timeout", 5*time.Minute, "Upper bound for one job run")
	runOnce         = flag.Bool("run-once", false, "Run every configured job once and exit")
)

// job is one scheduled housekeeping task
type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) (int, error)
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger := setupLogger(cfg.Observability.LogLevel.String())

	jobs, cleanup, err := buildJobs(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to set up jobs: %v", err)
	}
	defer cleanup()
	if len(jobs) == 0 {
		logger.Warn("Nothing to do: no PostgreSQL idempotency store and no S3 audit archive configured")
		return
	}

	if *runOnce {
		failed := false
		for _, j := range jobs {
			if _, err := runJob(context.Background(), j, logger, *jobTimeout); err != nil {
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, j := range jobs {
		j := j
		if _, err := c.AddFunc(j.schedule, func() {
			_, _ = runJob(context.Background(), j, logger, *jobTimeout)
		}); err != nil {
			logger.Fatalf("Failed to schedule %s: %v", j.name, err)
		}
		logger.WithFields(logrus.Fields{"job": j.name, "schedule": j.schedule}).Info("Scheduled job")
	}

	c.Start()
	logger.Info("salonguard sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	// waits for running jobs to finish
	<-c.Stop().Done()
	logger.Info("Sweeper stopped")
}

func buildJobs(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) ([]job, func(), error) {
	var jobs []job
	cleanup := func() {}

	if cfg.Storage.IdempotencyBackend == storage.BackendPostgres {
		sc := cfg.Storage
		sc.PostgresMaxConns = 2
		sc.PostgresMinConns = 1
		db, err := storage.OpenPostgres(ctx, sc)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = func() { db.Close() }

		store, err := idempotency.NewPostgresStore(db)
		if err != nil {
			return nil, cleanup, err
		}
		jobs = append(jobs, sweepJob(store, *sweepSchedule, time.Now))
	}

	if cfg.Storage.S3.Enabled() && cfg.Audit.FilePath != "" {
		s3Client, err := storage.NewS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, cleanup, err
		}
		archiver := audit.NewArchiver(s3Client, cfg.Audit.FilePath, cfg.Audit.ArchivePrefix)
		jobs = append(jobs, job{name: "audit-archive", schedule: *archiveSchedule, run: archiver.Run})
	} else if cfg.Audit.FilePath != "" {
		logger.Info("S3 bucket not configured; rotated audit files stay on disk")
	}

	return jobs, cleanup, nil
}

// sweeper is the part of an idempotency store the sweep job needs
type sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

func sweepJob(store sweeper, schedule string, now func() time.Time) job {
	return job{
		name:     "idempotency-sweep",
		schedule: schedule,
		run: func(ctx context.Context) (int, error) {
			return store.Sweep(ctx, now())
		},
	}
}

func runJob(parent context.Context, j job, logger logrus.FieldLogger, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	n, err := j.run(ctx)
	entry := logger.WithFields(logrus.Fields{
		"job":      j.name,
		"count":    n,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Error("Job failed")
		return n, err
	}
	entry.Info("Job complete")
	return n, nil
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
