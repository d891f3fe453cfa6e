package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/telehealth/internal/config"
	"github.com/arzzra/telehealth/pkg/relay"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd команда запуска relay
func NewServeCmd(deps *Dependencies) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Запустить relay сервер",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config.Relay
			if listen != "" {
				cfg.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, deps.Logger)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Адрес прослушивания, перекрывает relay.listen_addr")
	return cmd
}

func runServe(ctx context.Context, cfg config.RelayConfig, logger *zap.Logger) error {
	if cfg.JWTSecret == "" {
		return errors.New("relay.jwt_secret не задан")
	}

	relayDeps, closeDeps, err := buildRelayDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDeps()

	rcfg := relay.DefaultConfig()
	rcfg.MaxRecordingBytes = cfg.MaxRecordingBytes
	rcfg.Metrics.Enabled = cfg.MetricsEnable

	srv, err := relay.New(rcfg, relayDeps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(cfg.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildRelayDeps собирает хранилища и публикатор по конфигурации
func buildRelayDeps(ctx context.Context, cfg config.RelayConfig, logger *zap.Logger) (relay.Dependencies, func(), error) {
	deps := relay.Dependencies{
		Verifier: relay.NewTokenVerifier(cfg.JWTSecret),
		Logger:   logger.Named("relay"),
	}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (relay.Dependencies, func(), error) {
		closeAll()
		return relay.Dependencies{}, func() {}, err
	}

	switch cfg.HistoryBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis %s недоступен: %w", cfg.Redis.Addr, err))
		}
		deps.History = relay.NewRedisHistory(rdb, cfg.HistoryTTL)
	default:
		deps.History = relay.NewMemoryHistory(cfg.HistoryTTL)
	}

	switch cfg.RecordingBackend {
	case "s3":
		store, err := relay.NewS3Store(ctx, relay.S3Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return fail(err)
		}
		deps.Recordings = store
	default:
		store, err := relay.NewDiskStore(cfg.RecordingDir)
		if err != nil {
			return fail(err)
		}
		deps.Recordings = store
	}

	if cfg.NATSURL != "" {
		pub, err := relay.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return fail(err)
		}
		deps.Events = pub
	}

	if cfg.MetricsEnable {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		deps.Registry = reg
	}

	logger.Info("зависимости relay готовы",
		zap.String("history", cfg.HistoryBackend),
		zap.String("recordings", cfg.RecordingBackend),
		zap.Bool("nats", cfg.NATSURL != ""),
		zap.Bool("metrics", cfg.MetricsEnable))
	return deps, closeAll, nil
}
