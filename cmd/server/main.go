package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scanpoint/backend/internal/api"
	"github.com/scanpoint/backend/internal/config"
	"github.com/scanpoint/backend/internal/fraud"
	"github.com/scanpoint/backend/internal/hotcache"
	"github.com/scanpoint/backend/internal/metrics"
	"github.com/scanpoint/backend/internal/middleware"
	"github.com/scanpoint/backend/internal/offline"
	"github.com/scanpoint/backend/internal/qr"
	"github.com/scanpoint/backend/internal/qrcrypto"
	"github.com/scanpoint/backend/internal/rules"
	"github.com/scanpoint/backend/internal/scan"
	"github.com/scanpoint/backend/internal/store"
	"github.com/scanpoint/backend/internal/websocket"
)

func main() {
	logger := log.New(log.Writer(), "[MAIN] ", log.LstdFlags)

	// .env is optional, real environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}
	logger.Printf("starting scan service (env=%s)", cfg.Server.Env)

	// --- Persistence ---
	var scanStore store.ScanStore
	if cfg.Database.URL != "" {
		pg, err := store.OpenPostgres(cfg.Database.URL, store.PoolConfig{
			MaxOpen:     cfg.Database.PoolMax,
			IdleTimeout: cfg.Database.IdleTimeout,
		})
		if err != nil {
			logger.Fatalf("database: %v", err)
		}
		scanStore = pg
		logger.Println("connected to postgres")
	} else {
		scanStore = store.NewMemoryStore()
		logger.Println("DATABASE_URL not set, using in-memory store")
	}
	defer scanStore.Close()

	sweeper := store.NewRetentionSweeper(scanStore, 24*time.Hour, cfg.Scan.RetentionDays)
	sweeper.Start()
	defer sweeper.Stop()

	// --- Hot cache, optionally replicated through Redis ---
	cacheOpts := []hotcache.Option{}
	if cfg.Redis.Addr != "" {
		replica, err := hotcache.NewRedisReplica(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		defer replica.Close()
		cacheOpts = append(cacheOpts, hotcache.WithReplica(replica))
		logger.Println("hot cache replicated through redis")
	}
	cache := hotcache.New(scanStore, cacheOpts...)
	cache.Start()
	defer cache.Stop()

	// --- Rules service client ---
	rulesCfg := rules.DefaultConfig(cfg.Rules.ServiceURL)
	rulesCfg.Timeout = cfg.Rules.Timeout
	rulesClient := rules.NewClient(rulesCfg)

	// --- Metrics ---
	met := metrics.New()

	breakerGaugeStop := make(chan struct{})
	defer close(breakerGaugeStop)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for name, stat := range rulesClient.Breakers().Stats() {
					met.BreakerState.WithLabelValues(name).Set(float64(stat.State))
				}
			case <-breakerGaugeStop:
				return
			}
		}
	}()

	// --- Fraud analyzer ---
	var detector scan.FraudDetector
	analyzer := fraud.NewAnalyzer()
	if cfg.Fraud.DetectionEnabled {
		analyzer.Start()
		defer analyzer.Stop()
		detector = analyzer
	}

	// --- Offline store ---
	offlineStore := offline.NewStore(offline.Config{
		SyncInterval:   cfg.Offline.SyncInterval,
		CacheTTL:       cfg.Offline.CacheTTL,
		BatchSize:      cfg.Offline.BatchSize,
		BackupInterval: cfg.Offline.BackupInterval,
		BackupPath:     cfg.Offline.BackupPath,
	}, rulesClient)
	if err := offlineStore.Restore(); err != nil {
		logger.Printf("offline snapshot restore failed: %v", err)
	}
	offlineStore.Start()
	defer offlineStore.Stop()

	// --- Validation pipeline ---
	qrCfg := qr.DefaultConfig([]byte(cfg.QR.HMACSecret))
	qrCfg.MaxValidity = cfg.QR.MaxValidity
	qrCfg.MaxSize = cfg.QR.MaxSize
	if cfg.QR.RSAPublicKey != "" {
		pub, err := qrcrypto.ParseRSAPublicKeyPEM(cfg.QR.RSAPublicKey)
		if err != nil {
			logger.Fatalf("QR_RSA_PUBLIC_KEY: %v", err)
		}
		qrCfg.PublicKey = pub
	}
	decoder := qr.NewDecoder(qrCfg)

	recorder := scan.NewRecorder(scanStore, cache, rulesClient, offlineStore, met, cfg.Scan.MaxScansPerTicket, 4)
	defer recorder.Close()

	validator := scan.NewValidator(scan.Config{
		ScanTimeout:           cfg.Scan.Timeout,
		MaxConcurrentScans:    cfg.Scan.MaxConcurrent,
		MaxScansPerTicket:     cfg.Scan.MaxScansPerTicket,
		MaxQRLength:           cfg.QR.MaxSize,
		FraudDetectionEnabled: cfg.Fraud.DetectionEnabled,
		BlockOnFraud:          cfg.Fraud.BlockOnFraud,
	}, decoder, rulesClient, detector, cache, recorder, met)

	// --- HTTP surface ---
	feed := websocket.NewScanFeed()
	go feed.Run()
	defer feed.Stop()

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})
	defer limiter.Stop()

	server := api.NewServer(api.Deps{
		Validator:         validator,
		Offline:           offlineStore,
		Store:             scanStore,
		Cache:             cache,
		Feed:              feed,
		Limiter:           limiter,
		Met:               met,
		MaxScansPerTicket: cfg.Scan.MaxScansPerTicket,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Port)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatalf("server failed: %v", err)
		}
	case sig := <-quit:
		logger.Printf("received %s, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Printf("shutdown error: %v", err)
		}

		// Flush pending offline work and snapshot before exit
		if err := offlineStore.Backup(); err != nil {
			logger.Printf("offline snapshot failed: %v", err)
		}
	}

	logger.Println("stopped")
}
