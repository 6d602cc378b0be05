package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/flashsale/internal/catalog"
	"github.com/MarkoPoloResearchLab/flashsale/internal/config"
	"github.com/MarkoPoloResearchLab/flashsale/internal/healthserver"
	"github.com/MarkoPoloResearchLab/flashsale/internal/httpapi"
	"github.com/MarkoPoloResearchLab/flashsale/internal/logging"
	"github.com/MarkoPoloResearchLab/flashsale/internal/outbox"
	"github.com/MarkoPoloResearchLab/flashsale/internal/seed"
	"github.com/MarkoPoloResearchLab/flashsale/internal/worker"
	"github.com/MarkoPoloResearchLab/flashsale/pkg/inventory"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type application struct {
	cfg    config.Config
	logger *zap.Logger
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "flashsaled: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	app := &application{}
	cmd := &cobra.Command{
		Use:           "flashsaled",
		Short:         "Flash-sale inventory service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogEnv)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			app.cfg = cfg
			app.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app.logger != nil {
				_ = app.logger.Sync()
			}
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, gRPC health, reclaim sweep and event relay",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return app.serve(ctx)
			},
		},
		&cobra.Command{
			Use:   "reclaim",
			Short: "Release the stock of every expired hold once",
			RunE: func(cmd *cobra.Command, args []string) error {
				released, err := app.reclaim(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Released %d expired holds\n", released)
				return nil
			},
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Upsert the demo catalog",
			RunE: func(cmd *cobra.Command, args []string) error {
				products, err := app.seed(cmd.Context())
				if err != nil {
					return err
				}
				for _, product := range products {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d\n", product.ID, product.Name, product.Price.StringFixed(2), product.TotalStock)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				applied, err := migrateSchema(cmd.Context(), app.cfg)
				if err != nil {
					return err
				}
				for _, name := range applied {
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
				}
				return nil
			},
		},
	)
	return cmd
}

func (app *application) newService(store inventory.Store) (*inventory.Service, error) {
	service, err := inventory.NewService(store, func() time.Time { return time.Now().UTC() },
		inventory.WithOperationLogger(logging.NewOperationLogger(app.logger)),
		inventory.WithHoldTTL(app.cfg.HoldTTL),
		inventory.WithReserveAttempts(app.cfg.ReserveAttempts),
		inventory.WithReclaimBatchSize(app.cfg.ReclaimBatchSize),
		inventory.WithDomainEvents(app.cfg.RelayEnabled()),
	)
	if err != nil {
		return nil, fmt.Errorf("inventory service init: %w", err)
	}
	return service, nil
}

func (app *application) serve(ctx context.Context) error {
	backend, err := openBackend(ctx, app.cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	service, err := app.newService(backend.Store)
	if err != nil {
		return err
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	defer func() { _ = tracerProvider.Shutdown(context.Background()) }()

	catalogOptions := []catalog.Option{catalog.WithLogger(app.logger)}
	if app.cfg.CacheEnabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: app.cfg.RedisAddr})
		defer redisClient.Close()
		if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
			app.logger.Warn("redis unreachable, product cache will fall through", zap.Error(pingErr))
		}
		catalogOptions = append(catalogOptions, catalog.WithCache(redisClient, app.cfg.ProductCacheTTL))
	}

	router := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: app.cfg.AllowedOrigins,
		RateLimitRPS:   app.cfg.RateLimitRPS,
		RateLimitBurst: app.cfg.RateLimitBurst,
	}, httpapi.Dependencies{
		Catalog:  catalog.New(service.Stock, catalogOptions...),
		Holds:    service.Holds,
		Orders:   service.Orders,
		Webhooks: service.Webhooks,
		Health:   backend.Ping,
		Logger:   app.logger,
	})

	reclaimLoop, err := worker.NewLoop("reclaimer", app.cfg.ReclaimInterval, func(ctx context.Context) error {
		_, sweepErr := service.Reclaimer.Sweep(ctx)
		return sweepErr
	}, app.logger)
	if err != nil {
		return err
	}

	var (
		healthServer *healthserver.Server
		listener     net.Listener
		relayLoop    *worker.Loop
	)
	if app.cfg.RelayEnabled() {
		var closeWriter func()
		relayLoop, closeWriter, err = app.newRelayLoop(backend.Outbox)
		if err != nil {
			return err
		}
		defer closeWriter()
	}
	if app.cfg.GRPCListenAddr != "" {
		healthServer, err = healthserver.New(backend.Ping, 0, app.logger)
		if err != nil {
			return err
		}
		listener, err = net.Listen("tcp", app.cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return httpapi.Run(groupCtx, app.logger, app.cfg.ListenAddr, router) })
	group.Go(func() error { return reclaimLoop.Run(groupCtx) })
	if healthServer != nil {
		group.Go(func() error { return healthServer.Serve(groupCtx, listener) })
	}
	if relayLoop != nil {
		group.Go(func() error { return relayLoop.Run(groupCtx) })
	}

	err = group.Wait()
	app.logger.Info("shutdown complete")
	return err
}

func (app *application) newRelayLoop(store outbox.Store) (*worker.Loop, func(), error) {
	writer := outbox.NewWriter(outbox.WriterConfig{Brokers: app.cfg.KafkaBrokers})
	closeWriter := func() {
		if err := writer.Close(); err != nil {
			app.logger.Warn("kafka writer close failed", zap.Error(err))
		}
	}
	dispatcher, err := outbox.NewDispatcher(app.logger, writer, app.cfg.KafkaTopic)
	if err != nil {
		closeWriter()
		return nil, nil, err
	}
	relay, err := outbox.NewRelay(app.logger, store, dispatcher, outbox.WithBatchSize(app.cfg.RelayBatchSize))
	if err != nil {
		closeWriter()
		return nil, nil, err
	}
	loop, err := worker.NewLoop("outbox-relay", app.cfg.RelayInterval, func(ctx context.Context) error {
		_, relayErr := relay.RunOnce(ctx)
		return relayErr
	}, app.logger)
	if err != nil {
		closeWriter()
		return nil, nil, err
	}
	return loop, closeWriter, nil
}

func (app *application) reclaim(ctx context.Context) (int, error) {
	backend, err := openBackend(ctx, app.cfg)
	if err != nil {
		return 0, err
	}
	defer backend.Close()

	service, err := app.newService(backend.Store)
	if err != nil {
		return 0, err
	}
	released, err := service.Reclaimer.Sweep(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return released, fmt.Errorf("reclaim: %w", err)
	}
	return released, nil
}

func (app *application) seed(ctx context.Context) ([]inventory.Product, error) {
	backend, err := openBackend(ctx, app.cfg)
	if err != nil {
		return nil, err
	}
	defer backend.Close()
	return seed.Run(ctx, backend.Seeder, seed.DefaultCatalog)
}
