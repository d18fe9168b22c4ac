package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"pricecore/config"
	"pricecore/internal/cache"
	"pricecore/internal/egress"
	"pricecore/internal/events"
	"pricecore/internal/metrics"
	"pricecore/internal/source"
	"pricecore/internal/status"
	"pricecore/internal/supervisor"
	"pricecore/internal/synthetic"
	"pricecore/logger"
	"pricecore/models"
	"pricecore/reader/binance"
	"pricecore/writer"
)

const (
	defaultConfigPath = "config/config.yml"
	defaultRoutesPath = "config/routes.yml"
)

var (
	configEnvPaths = map[string]string{
		config.EnvironmentProduction: "config/config.prod.yml",
		config.EnvironmentStaging:    "config/config.staging.yml",
	}
	routesEnvPaths = map[string]string{
		config.EnvironmentProduction: "config/routes.prod.yml",
		config.EnvironmentStaging:    "config/routes.staging.yml",
	}
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	routesPath := flag.String("routes", defaultRoutesPath, "Path to egress routes file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath, defaultConfigPath, configEnvPaths))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	routesCfg, err := config.LoadRoutes(config.ResolvePath(*routesPath, defaultRoutesPath, routesEnvPaths))
	if err != nil {
		log.WithError(err).Error("Failed to load routes")
		os.Exit(1)
	}
	routes, err := egress.FromConfig(routesCfg.Routes)
	if err != nil {
		log.WithError(err).Error("Invalid routes")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Pricecore.Name,
		"version":     cfg.Pricecore.Version,
		"environment": config.AppEnvironment(),
		"symbols":     cfg.Symbols,
		"routes":      len(routes),
	}).Info("starting pricecore")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Logging.Region, cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}
	logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	metrics.Init()

	priceCache := cache.New()
	bus := events.NewBus(cfg.Events.QueueSize, cfg.Events.SignificantChange)
	priceCache.Observe(bus.Observe)
	priceCache.Observe(func(models.PriceSample, *models.PriceSample) {
		metrics.SetCacheSymbols(priceCache.Len())
	})

	gen := synthetic.New(synthetic.Config{
		Interval:          cfg.Synthetic.Interval,
		MaxStep:           cfg.Synthetic.MaxStep,
		ReversionStrength: cfg.Synthetic.ReversionStrength,
		ReversionPeriod:   cfg.Synthetic.ReversionPeriod,
		Symbols:           cfg.Symbols,
	}, priceCache)

	stream := binance.NewStreamClient(cfg.Exchange.WSURL, priceCache, cfg.Supervisor.HandshakeTimeout)

	sup := supervisor.New(supervisor.Config{
		ReconnectInterval:       cfg.Supervisor.ReconnectInterval,
		MaxRetriesPerRoute:      cfg.Supervisor.MaxRetriesPerRoute,
		MaxConsecutiveFailures:  cfg.Supervisor.MaxConsecutiveFailures,
		DegradedGrace:           cfg.Supervisor.DegradedGrace,
		SimulationRetryInterval: cfg.Supervisor.SimulationRetryInterval,
		Symbols:                 cfg.Symbols,
	}, stream, gen, routes)
	sup.OnTransition(func(t supervisor.Transition) {
		metrics.SetState(supervisor.StateNames(), t.To.String())
		metrics.IncrementTransition(t.From.String(), t.To.String())
	})

	transports := egress.NewTransports()
	defer transports.CloseIdle()

	tiers := make([]source.Tier, 0, 2)
	if cfg.Exchange.UseSDK {
		sdk := binance.NewSDKClient(cfg.Exchange, transports, sup.ActiveRoute)
		tiers = append(tiers, source.Tier{Name: "sdk", Fetcher: sdk})
		go logWeightLimit(ctx, sdk, cfg.Exchange.Timeout)
	}
	tiers = append(tiers, source.Tier{Name: "rest", Fetcher: binance.NewRESTClient(cfg.Exchange, transports, sup.ActiveRoute)})

	facade := source.New(source.Config{
		Freshness: cfg.Cache.Freshness,
		Timeout:   cfg.Exchange.Timeout,
		Symbols:   cfg.Symbols,
		Breaker: source.BreakerConfig{
			FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:     cfg.CircuitBreaker.RecoveryTimeout,
			HalfOpenMaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
		},
	}, priceCache, gen, sup, bus, tiers...)

	facade.OnSignificantChange(func(c models.SignificantChange) {
		log.WithComponent("main").WithFields(logger.Fields{
			"symbol":         c.Symbol,
			"old_price":      c.OldPrice.String(),
			"new_price":      c.NewPrice.String(),
			"change_percent": c.ChangePercent.String(),
			"source":         string(c.Source),
		}).Info("significant price change")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return gen.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })

	if srv := status.NewServer(cfg.Status, facade, sup, log); srv != nil {
		g.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.Kafka.Enabled {
		sink, err := writer.NewKafkaSink(cfg.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka sink")
			os.Exit(1)
		}
		sink.Subscribe(facade)
		g.Go(func() error { return sink.Run(gctx) })
	} else {
		log.WithComponent("main").Info("kafka sink disabled")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("pricecore stopped with error")
		os.Exit(1)
	}
	log.WithComponent("main").Info("pricecore stopped")
}

func logWeightLimit(ctx context.Context, sdk *binance.SDKClient, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	log := logger.GetLogger().WithComponent("main")
	limit, err := sdk.WeightLimit(ctx)
	if err != nil {
		log.WithError(err).Debug("exchange info unavailable")
		return
	}
	log.WithFields(logger.Fields{"weight_per_minute": limit}).Info("exchange request weight limit")
}
