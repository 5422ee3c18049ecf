// Command fleetwatchd is the process entrypoint: load configuration, open
// the database, run migrations, and boot every subsystem through Supervisor.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetwatch/orchestrator/internal/adminapi"
	"github.com/fleetwatch/orchestrator/internal/calendar"
	"github.com/fleetwatch/orchestrator/internal/instancemap"
	"github.com/fleetwatch/orchestrator/internal/monitorclient"
	"github.com/fleetwatch/orchestrator/internal/notifier"
	"github.com/fleetwatch/orchestrator/internal/platform/cache"
	"github.com/fleetwatch/orchestrator/internal/platform/database"
	"github.com/fleetwatch/orchestrator/internal/platform/migrations"
	"github.com/fleetwatch/orchestrator/internal/scheduler"
	"github.com/fleetwatch/orchestrator/internal/scraper"
	"github.com/fleetwatch/orchestrator/internal/store"
	"github.com/fleetwatch/orchestrator/internal/supervisor"
	"github.com/fleetwatch/orchestrator/internal/watchdog"
	"github.com/fleetwatch/orchestrator/pkg/config"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.Database.DSN)
	if err != nil {
		appLog.WithError(err).Fatal("connect to postgres")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	if cfg.Database.MigrateOnStart {
		if err := migrations.Run(db); err != nil {
			appLog.WithError(err).Fatal("run migrations")
		}
	}

	st := store.NewPostgres(db, cfg.Security.PasswordSecret, int64(cfg.Scraping.DefaultPropertyID))

	defaultProps, err := st.LoadDefaultProperties(rootCtx)
	if err != nil {
		appLog.WithError(err).Fatal("load default properties")
	}

	masterSecret := []byte(cfg.Security.PasswordSecret)

	monitor := monitorclient.NewHTTPClient(
		defaultProps.Kuma.Domain,
		defaultProps.Kuma.Username,
		defaultProps.Kuma.Password.Expose(),
		appLog,
	)

	var cacheClient cache.Client
	if cfg.Scraping.RedisAddr != "" {
		cacheClient = cache.NewRedisClient(cfg.Scraping.RedisAddr, "", 0)
	}

	instances := instancemap.New()

	wd := watchdog.New(watchdog.Config{
		Store:             st,
		Monitor:           monitor,
		Scraper:           scraper.NewRemoteClient(cfg.Scraping.RemoteDriverURL, appLog),
		Notifier:          notifier.NewSMTPNotifier(defaultProps.Email, defaultProps.Kuma.MailPort, appLog),
		Calendar:          calendar.NewWriter(),
		Cache:             cacheClient,
		DataDir:           defaultProps.FileTarget,
		ReconcileInterval: time.Duration(cfg.Scraping.ReconcileInterval) * time.Second,
		Instances:         instances,
		Log:               appLog,
	})

	sched := scheduler.New(scheduler.Config{
		Instances:    instances,
		PropertiesOf: wd.PropertiesOf,
		Log:          appLog,
	})

	admin := adminapi.NewService(adminapi.Config{
		Instances:    instances,
		Watchdog:     wd,
		Store:        st,
		APIKey:       cfg.Server.APIKey,
		MasterSecret: masterSecret,
		JWTSecret:    []byte(cfg.Server.JWTToken),
		Log:          appLog,
	}, adminapi.TLSConfig{
		CertFile: cfg.Server.TLSCert,
		KeyFile:  cfg.Server.TLSKey,
	}, fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	sup := supervisor.New(st, defaultProps.FileTarget, appLog)
	sup.Register(wd)
	sup.Register(sched)
	sup.Register(admin)

	if err := sup.Start(rootCtx); err != nil {
		appLog.WithError(err).Fatal("start supervisor")
	}
	appLog.WithField("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Info("fleetwatchd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Stop(shutdownCtx); err != nil {
		appLog.WithError(err).Fatal("shutdown")
	}
}

