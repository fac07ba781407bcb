package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"fieldsync/api"
	"fieldsync/models"
	"fieldsync/store"
	"fieldsync/sync"
)

// Options carries the command-line flags into a run.
type Options struct {
	FullRefresh bool
	Entities    []string
	Schedule    string
	EntityFile  string
}

// Run wires configuration, store and session into the sync engine and
// executes either a single run or a scheduled loop. SIGINT/SIGTERM cancel
// the run after the in-flight batch commits.
func Run(opts Options) error {
	cfg, err := models.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if cfg.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		}))
	}

	entities, err := models.LoadEntities(opts.EntityFile)
	if err != nil {
		return err
	}
	entities, err = models.SelectEntities(entities, opts.Entities)
	if err != nil {
		return err
	}
	if cfg.PageSize > 0 {
		for i := range entities {
			entities[i].PageSize = cfg.PageSize
		}
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("error opening local store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runOnce := func() error {
		session := api.NewSession(cfg.APIURL, cfg.APIKey, cfg.APIToken, cfg.RequestTimeout)
		engine := &sync.Engine{
			Session:     session,
			Store:       st,
			Entities:    entities,
			FullRefresh: opts.FullRefresh,
			BatchSize:   cfg.BatchSize,
			Lookback:    time.Duration(cfg.LookbackDays) * 24 * time.Hour,
		}

		_, err := engine.Run(ctx)
		return err
	}

	if opts.Schedule != "" {
		return runScheduled(ctx, opts.Schedule, runOnce)
	}

	return runOnce()
}

// runScheduled runs the sync on a cron schedule until the context is
// cancelled, letting an in-progress run finish before shutting down.
func runScheduled(ctx context.Context, schedule string, runOnce func() error) error {
	c := cron.New()

	if _, err := c.AddFunc(schedule, func() {
		if err := runOnce(); err != nil {
			log.WithFields(log.Fields{"error": err}).Error("scheduled sync run failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	c.Start()
	log.WithFields(log.Fields{"schedule": schedule}).Info("sync scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("sync scheduler stopped")
	return nil
}
