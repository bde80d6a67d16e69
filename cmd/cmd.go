package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/metersim/internal/pkg/config"
	"github.com/anicoll/metersim/internal/pkg/coordinator"
	"github.com/anicoll/metersim/internal/pkg/meter"
	"github.com/anicoll/metersim/internal/pkg/mqtt"
	"github.com/anicoll/metersim/internal/pkg/server"
)

type options struct {
	ConfigFile string
	CertDir    string
	ListenAddr string
	LogLevel   string
}

// environment holds tuning knobs without dedicated CLI flags.
type environment struct {
	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`
	WatchdogSpec string        `env:"BUS_WATCHDOG_SPEC" envDefault:"* * * * *"`
}

func MeterCommand(ctx *cli.Context) error {
	opts := options{
		ConfigFile: ctx.String("config-file"),
		CertDir:    ctx.String("cert-dir"),
		ListenAddr: ctx.String("listen-addr"),
		LogLevel:   ctx.String("log-level"),
	}
	return run(ctx.Context, opts)
}

func run(ctx context.Context, opts options) error {
	var err error

	eg, ctx := errgroup.WithContext(ctx)
	logCfg := zap.NewProductionConfig()

	logCfg.Level, err = zap.ParseAtomicLevel(opts.LogLevel)
	if err != nil {
		return err
	}
	logCfg.OutputPaths = []string{"stdout"}
	logCfg.ErrorOutputPaths = []string{"stdout"}
	logCfg.Sampling = nil
	logger := zap.Must(logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)))
	defer func() {
		_ = logger.Sync() // flushes buffer, if any.
	}()
	zap.ReplaceGlobals(logger)

	envCfg := environment{}
	if err := env.Parse(&envCfg); err != nil {
		return err
	}

	store := config.NewStore(opts.ConfigFile, opts.CertDir)
	cfg := store.Load()

	// The coordinator is assigned below; the callbacks only fire once the
	// sources are started and the bus is connected, both of which happen
	// after the assignment.
	var coord *coordinator.Coordinator

	consumer := meter.NewSource("Load", cfg.IntervalConsumedLower, cfg.IntervalConsumedUpper, func(r meter.Reading) {
		coord.HandleReading(coordinator.ChannelConsumed, r)
	})
	generator := meter.NewSource("Generator", cfg.IntervalGeneratedLower, cfg.IntervalGeneratedUpper, func(r meter.Reading) {
		coord.HandleReading(coordinator.ChannelGenerated, r)
	})
	bus := mqtt.New(opts.CertDir, func(payload string) {
		coord.ApplyAction(payload, coordinator.OriginBus)
	})
	hub := server.NewHub(func(action string) {
		coord.ApplyAction(action, coordinator.OriginUI)
	})
	coord = coordinator.New(consumer, generator, bus, hub)

	store.OnChange(coord.ApplyConfig)

	consumer.Start()
	generator.Start()
	bus.StartClient(cfg)

	srv := &http.Server{
		Handler:      server.New(store, bus, hub).Router(),
		Addr:         opts.ListenAddr,
		WriteTimeout: envCfg.HTTPTimeout,
		ReadTimeout:  envCfg.HTTPTimeout,
	}

	eg.Go(func() error {
		logger.Info("starting http server", zap.String("addr", opts.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		return busWatchdog(envCfg.WatchdogSpec, store, bus)
	})

	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("context done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})

	return eg.Wait()
}

type busConnection interface {
	IsConnected() bool
	StartClient(cfg config.Config)
}

// busWatchdog periodically re-invokes StartClient while a broker is
// configured but not connected. StartClient is retry-safe, so a broker
// outage heals itself on the next tick once the broker is back.
func busWatchdog(spec string, store *config.Store, bus busConnection) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		cfg := store.All()
		if cfg.MqttHost == "" || bus.IsConnected() {
			return
		}
		zap.L().Info("bus watchdog reconnecting", zap.String("host", cfg.MqttHost))
		bus.StartClient(cfg)
	}); err != nil {
		return err
	}

	c.Run()
	return nil
}
