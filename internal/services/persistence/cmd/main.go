package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/config"
	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/services/persistence"
)

// Maintenance service for the session database: migrates the schema and purges
// monitoring samples of sessions that ended long ago.
func main() {
	cfgPath := flag.String("config", os.Getenv("AWD_CONFIG"), "path to the YAML config")
	retention := flag.Duration("retention", 30*24*time.Hour, "keep samples of finished sessions for this long")
	schedule := flag.String("schedule", "@daily", "purge schedule (cron)")
	once := flag.Bool("once", false, "migrate, purge once and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		awdlog.Named("persistence").Fatalw("config", "error", err)
	}
	logger, err := awdlog.Init(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer awdlog.Sync()
	logger = logger.Named("persistence")

	db, err := persistence.Open(cfg.Database.Driver, cfg.Database.DSN, awdlog.GetZapLogger())
	if err != nil {
		logger.Fatalw("database connection failed", "driver", cfg.Database.Driver, "error", err)
	}
	store, err := persistence.NewGormStore(db, nil, logger)
	if err != nil {
		logger.Fatalw("schema migration failed", "error", err)
	}
	logger.Infow("schema up to date", "driver", cfg.Database.Driver)

	purge := func(ctx context.Context) {
		n, err := store.PurgeSamplesBefore(ctx, time.Now().Add(-*retention))
		if err != nil {
			logger.Errorw("purge failed", "error", err)
			return
		}
		logger.Infow("purge done", "samples_deleted", n, "retention", retention.String())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		purge(ctx)
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, func() { purge(ctx) }); err != nil {
		logger.Fatalw("invalid schedule", "schedule", *schedule, "error", err)
	}
	c.Start()
	logger.Infow("persistence maintenance running", "schedule", *schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("persistence: shutdown complete")
}
