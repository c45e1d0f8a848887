package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/trademaven/algoengine/internal/api"
	"github.com/trademaven/algoengine/internal/broker"
	"github.com/trademaven/algoengine/internal/config"
	"github.com/trademaven/algoengine/internal/journal"
	"github.com/trademaven/algoengine/internal/market"
	"github.com/trademaven/algoengine/internal/metrics"
	"github.com/trademaven/algoengine/internal/notify"
	"github.com/trademaven/algoengine/internal/registry"
	"github.com/trademaven/algoengine/internal/strategy"
	"github.com/trademaven/algoengine/internal/stream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	out := logOutput(cfg)
	logger := log.New(out, "[ENGINE] ", log.LstdFlags)

	apiLogger := logrus.New()
	apiLogger.SetOutput(out)
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		apiLogger.SetLevel(lvl)
	}

	logger.Printf("Starting engine in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - Real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	store := market.NewMemoryStore()
	mkt := market.NewData(store)
	reg := registry.New(store)

	jrnl, err := journal.Open(cfg.Engine.JournalPath)
	if err != nil {
		log.Fatalf("Failed to open order journal: %v", err)
	}
	defer jrnl.Close()

	promReg := prometheus.NewRegistry()
	mets := metrics.New(promReg)

	creds, err := credentialStore(cfg)
	if err != nil {
		log.Fatalf("Failed to load credentials: %v", err)
	}
	engines := strategy.NewBrokerEngines(creds, mkt, mets, logger)

	hub := stream.NewHub(logger)
	notifier := stream.Fanout{hub}
	if cfg.Notifier.TelegramToken != "" {
		notifier = append(notifier, notify.NewTelegram(cfg.Notifier.TelegramToken, cfg.Notifier.TelegramChatID, logger))
	} else {
		notifier = append(notifier, notify.NewLogNotifier(logger))
	}

	runner, err := strategy.NewRunner(strategy.Deps{
		Market:    mkt,
		Registry:  reg,
		Engines:   engines,
		Scheduler: strategy.NewSchedulerIn(cfg.Location()),
		Notifier:  notifier,
		Journal:   jrnl,
		Metrics:   mets,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to build runner: %v", err)
	}

	deployments := map[string]api.Deployment{}
	for i := range cfg.Deployments {
		d := &cfg.Deployments[i]
		spec, err := d.Spec(cfg.Schedule)
		if err != nil {
			log.Fatalf("Deployment %s: %v", d.ID, err)
		}
		deployments[d.ID] = api.Deployment{Spec: spec, Record: d.Record()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for id, d := range deployments {
		if err := runner.Deploy(ctx, id, d.Spec, d.Record); err != nil {
			log.Fatalf("Deployment %s: %v", id, err)
		}
		logger.Printf("Deployed %s (%s)", id, d.Spec.Kind)
	}

	srv := api.NewServer(api.Config{
		Addr:          cfg.Server.Addr,
		EnableMetrics: cfg.Server.EnableMetrics,
		Gatherer:      promReg,
	}, runner, reg, mkt, jrnl, engines, hub, deployments, apiLogger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("API server error: %v", err)
		}
	}()
	go srv.BroadcastPositions(ctx, hub, 5*time.Second)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Println("Shutdown signal received, stopping engine...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("API shutdown: %v", err)
	}
	runner.StopAll(shutdownCtx)
	logger.Println("Engine stopped")
}

// logOutput combines stderr with a rotating file when one is configured.
func logOutput(cfg *config.Config) io.Writer {
	if cfg.Environment.LogFile == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.Environment.LogFile,
		MaxSize:    50, // megabytes
		MaxBackups: 7,
		MaxAge:     30, // days
		Compress:   true,
	})
}

// credentialStore loads the live credential file, or serves synthetic
// paper-broker credentials for every configured user.
func credentialStore(cfg *config.Config) (broker.CredentialStore, error) {
	if !cfg.IsPaperTrading() {
		return broker.NewFileCredentialStore(cfg.Engine.CredentialsFile)
	}
	static := &broker.StaticCredentialStore{}
	seen := map[string]bool{}
	for _, d := range cfg.Deployments {
		for _, u := range d.Users {
			if seen[u.User] {
				continue
			}
			seen[u.User] = true
			static.Credentials = append(static.Credentials, broker.Credential{
				User:   u.User,
				Broker: broker.NameDummy,
				Active: true,
			})
		}
	}
	return static, nil
}
