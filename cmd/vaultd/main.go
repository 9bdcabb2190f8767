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

	"github.com/MarkoPoloResearchLab/fanvault/internal/events"
	"github.com/MarkoPoloResearchLab/fanvault/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/fanvault/internal/httpapi"
	"github.com/MarkoPoloResearchLab/fanvault/internal/observability"
	"github.com/MarkoPoloResearchLab/fanvault/internal/webhook"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/signedurl"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const redisPingTimeout = 2 * time.Second

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "vaultd",
		Short:         "Creator content entitlement and token ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}
	registerFlags(cmd)

	cmd.AddCommand(
		newServeCommand(cfg),
		newMigrateCommand(cfg),
		newContentCommand(cfg),
		newSubscriptionCommand(cfg),
		newAdminCommand(cfg),
	)
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and HTTP APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func newMigrateCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cleanup, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	operationLogger, err := observability.NewOperationLogger(logger, registry)
	if err != nil {
		return fmt.Errorf("operation metrics: %w", err)
	}

	publisher, closePublisher := openTipPublisher(ctx, cfg, logger)
	defer closePublisher()

	codec, err := signedurl.NewCodec([]byte(cfg.StreamSecret), time.Now)
	if err != nil {
		return fmt.Errorf("stream url codec: %w", err)
	}
	options := []entitlement.ServiceOption{
		entitlement.WithOperationLogger(operationLogger),
		entitlement.WithEventPublisher(publisher),
		entitlement.WithStoreTimeout(cfg.StoreTimeout),
	}
	if cfg.PlatformAccount != "" {
		platformUser, err := entitlement.NewUserID(cfg.PlatformAccount)
		if err != nil {
			return fmt.Errorf("%s: %w", flagPlatformAccount, err)
		}
		options = append(options, entitlement.WithPlatformAccount(platformUser))
	}
	service, err := entitlement.NewService(store, codec, time.Now, options...)
	if err != nil {
		return fmt.Errorf("entitlement service init: %w", err)
	}

	var webhookHandler *webhook.Handler
	if cfg.WebhookSecret != "" {
		webhookHandler, err = webhook.NewHandler(service, nil, []byte(cfg.WebhookSecret), webhook.WithLogger(logger))
		if err != nil {
			return err
		}
	} else {
		logger.Warn("payment webhook disabled", zap.String("flag", flagWebhookSecret))
	}

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.UnaryLoggingInterceptor(logger)))
	grpcserver.RegisterEntitlementServiceServer(grpcServer, grpcserver.NewEntitlementServer(service, cfg.PlatformRate))

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		grpcErrCh <- grpcServer.Serve(lis)
	}()
	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- httpapi.Run(serveCtx, cfg.HTTP, httpapi.Dependencies{
			Logger:   logger,
			Service:  service,
			Webhook:  webhookHandler,
			Registry: registry,
		})
	}()

	var (
		runErr             error
		grpcDone, httpDone bool
	)
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr := <-grpcErrCh:
		grpcDone = true
		if serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			runErr = fmt.Errorf("grpc serve: %w", serveErr)
		}
	case httpErr := <-httpErrCh:
		httpDone = true
		if httpErr != nil {
			runErr = fmt.Errorf("http serve: %w", httpErr)
		}
	}

	cancel()
	grpcServer.GracefulStop()
	if !grpcDone {
		if serveErr := <-grpcErrCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) && runErr == nil {
			runErr = fmt.Errorf("grpc serve: %w", serveErr)
		}
	}
	if !httpDone {
		if httpErr := <-httpErrCh; httpErr != nil && runErr == nil {
			runErr = fmt.Errorf("http serve: %w", httpErr)
		}
	}
	return runErr
}

// openTipPublisher connects to redis when configured and falls back to discarding events when
// the address is empty or unreachable.
func openTipPublisher(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (entitlement.EventPublisher, func()) {
	if cfg.EventsRedisAddr == "" {
		return events.Discard{}, func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.EventsRedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, tip events disabled", zap.String("addr", cfg.EventsRedisAddr), zap.Error(err))
		_ = client.Close()
		return events.Discard{}, func() {}
	}
	prefix := cfg.EventsChannelPrefix
	if prefix == "" {
		prefix = events.DefaultTipChannelPrefix
	}
	publisher, err := events.NewRedisPublisher(client, prefix)
	if err != nil {
		logger.Warn("tip publisher init failed", zap.Error(err))
		_ = client.Close()
		return events.Discard{}, func() {}
	}
	logger.Info("tip events enabled", zap.String("addr", cfg.EventsRedisAddr), zap.String("channel_prefix", prefix))
	return publisher, func() { _ = client.Close() }
}
