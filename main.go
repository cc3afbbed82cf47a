package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nftmarket/go-market-sync/api"
	"github.com/nftmarket/go-market-sync/db"
	"github.com/nftmarket/go-market-sync/domain"
	"github.com/nftmarket/go-market-sync/handlers"
	"github.com/nftmarket/go-market-sync/health"
	"github.com/nftmarket/go-market-sync/hybrid"
	"github.com/nftmarket/go-market-sync/ledger"
	"github.com/nftmarket/go-market-sync/listener"
	"github.com/nftmarket/go-market-sync/marketplace"
	"github.com/nftmarket/go-market-sync/memcache"
	"github.com/nftmarket/go-market-sync/metrics"
	"github.com/nftmarket/go-market-sync/notify"
	"github.com/nftmarket/go-market-sync/queue"
	"github.com/nftmarket/go-market-sync/sync"
)

const prefix = "MARKET_SYNC"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	log.SetOutput(os.Stdout) // default is stderr

	zapConfig := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	zapConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	zapLogger, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer zapLogger.Sync()
	logger := zapLogger.Sugar()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] main: could not load .env file: %v", err)
	}

	var cfg struct {
		InternalStoreFolder string        `conf:"default:store"`
		CacheTTL            time.Duration `conf:"default:15m"`
		MemoryCacheTTL      time.Duration `conf:"default:1m"`
		MemoryCacheCapacity uint64        `conf:"default:1024"`
		Marketplace         struct {
			BaseURL     string        `conf:"default:http://localhost:8090"`
			Timeout     time.Duration `conf:"default:10s"`
			MaxAttempts int           `conf:"default:3"`
			BaseDelay   time.Duration `conf:"default:500ms"`
		}
		Listener struct {
			PollInterval         time.Duration `conf:"default:2s"`
			ReconnectBaseDelay   time.Duration `conf:"default:1s"`
			MaxReconnectAttempts int           `conf:"default:5"`
			MintedStream         string        `conf:"default:minted"`
			TransferredStream    string        `conf:"default:transferred"`
			SaleCompletedStream  string        `conf:"default:sale_completed"`
			ListingCreatedStream string        `conf:"default:listing_created"`
			ListingRemovedStream string        `conf:"default:listing_removed"`
		}
		Sync struct {
			CatchUpInterval            time.Duration `conf:"default:30s"`
			OwnerRefreshInterval       time.Duration `conf:"default:5m"`
			MarketplaceRefreshInterval time.Duration `conf:"default:2m"`
			CleanupInterval            time.Duration `conf:"default:1h"`
			MaxBlocksPerCatchUp        uint64        `conf:"default:1000"`
			OwnerBatchSize             int           `conf:"default:20"`
		}
		Server struct {
			HttpHost        string `conf:"default:0.0.0.0:8000"`
			MetricsHttpHost string `conf:"default:0.0.0.0:9999"`
		}
		MetricsNamespace string `conf:"default:market-sync"`
	}

	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	store, err := db.NewStore(cfg.InternalStoreFolder, cfg.CacheTTL)
	if err != nil {
		return errors.Wrap(err, "creating store")
	}
	defer store.Close()

	mem := memcache.New(cfg.MemoryCacheTTL, cfg.MemoryCacheCapacity)

	m := metrics.NewMetrics(cfg.MetricsNamespace)

	client := marketplace.NewClient(marketplace.Config{
		BaseURL:     cfg.Marketplace.BaseURL,
		Timeout:     cfg.Marketplace.Timeout,
		MaxAttempts: cfg.Marketplace.MaxAttempts,
		BaseDelay:   cfg.Marketplace.BaseDelay,
	}, logger)

	cache := hybrid.NewCache(store, mem, client, hybrid.Config{}, logger)
	notifier := notify.NewNotifier(logger, m)

	registry := handlers.NewRegistry(logger)
	service := handlers.NewService(store, cache, notifier, logger)
	service.RegisterAll(registry)

	q := queue.NewQueue(logger, m)
	for _, eventType := range []domain.EventType{
		domain.EventMinted,
		domain.EventTransferred,
		domain.EventSaleCompleted,
		domain.EventListingCreated,
		domain.EventListingRemoved,
	} {
		q.AddProcessor(eventType, registry.ProcessEvent)
	}

	stream := ledger.NewStream(client, cfg.Listener.PollInterval, logger)
	l := listener.NewListener(stream, q, listener.Config{
		Names: listener.EventNames{
			Minted:         cfg.Listener.MintedStream,
			Transferred:    cfg.Listener.TransferredStream,
			SaleCompleted:  cfg.Listener.SaleCompletedStream,
			ListingCreated: cfg.Listener.ListingCreatedStream,
			ListingRemoved: cfg.Listener.ListingRemovedStream,
		},
		ReconnectBaseDelay:   cfg.Listener.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Listener.MaxReconnectAttempts,
	}, logger)
	l.Start(context.Background())
	defer l.Stop()

	scheduler := sync.NewScheduler(store, client, registry, cache, mem, m, logger, sync.Config{
		CatchUpInterval:            cfg.Sync.CatchUpInterval,
		OwnerRefreshInterval:       cfg.Sync.OwnerRefreshInterval,
		MarketplaceRefreshInterval: cfg.Sync.MarketplaceRefreshInterval,
		CleanupInterval:            cfg.Sync.CleanupInterval,
		MaxBlocksPerCatchUp:        cfg.Sync.MaxBlocksPerCatchUp,
		OwnerBatchSize:             cfg.Sync.OwnerBatchSize,
	})
	scheduler.Start()
	defer scheduler.Stop()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	apiHandler := api.NewHandler(&statusProvider{store: store, queue: q, notifier: notifier})
	serverError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting status server on addr [%s].", cfg.Server.HttpHost)
		mux := http.NewServeMux()
		mux.HandleFunc("/status", apiHandler.GetStatus)
		mux.HandleFunc("/health", health.Health)
		serverError <- http.ListenAndServe(cfg.Server.HttpHost, mux)
	}()

	metricsServerError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on addr [%s].", cfg.Server.MetricsHttpHost)
		http.Handle("/metrics", promhttp.Handler())
		metricsServerError <- http.ListenAndServe(cfg.Server.MetricsHttpHost, nil)
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
			return nil
		case err := <-l.Failures():
			return errors.Wrap(err, "[ERROR] ledger subscription failed permanently")
		case err := <-serverError:
			return errors.Wrap(err, "[ERROR] starting status endpoint")
		case err := <-metricsServerError:
			return errors.Wrap(err, "[ERROR] starting metrics endpoint")
		}
	}
}

type statusProvider struct {
	store    *db.Store
	queue    *queue.Queue
	notifier *notify.Notifier
}

func (s *statusProvider) LastProcessedBlock() uint64 {
	status, err := s.store.GetSyncStatus(sync.LoopCatchUp, "")
	if err != nil {
		return 0
	}
	return status.LastSyncBlock
}

func (s *statusProvider) QueueDepth() int {
	return s.queue.Depth()
}

func (s *statusProvider) GalleryUpdates() uint64 {
	return s.notifier.GalleryUpdates()
}

func (s *statusProvider) MarketplaceUpdates() uint64 {
	return s.notifier.MarketplaceUpdates()
}

func (s *statusProvider) SyncCheckpoints() ([]domain.SyncStatusRecord, error) {
	return s.store.SyncStatuses()
}
