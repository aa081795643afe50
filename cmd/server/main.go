// Command miniapp-server serves mini app sessions over HTTP and the operator
// API over gRPC.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	vault "github.com/hashicorp/vault/api"
	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/miniapp-gate/internal/adminapi"
	"github.com/and161185/miniapp-gate/internal/config"
	"github.com/and161185/miniapp-gate/internal/cookie"
	"github.com/and161185/miniapp-gate/internal/edgepolicy"
	"github.com/and161185/miniapp-gate/internal/edgepolicy/cloudfront"
	"github.com/and161185/miniapp-gate/internal/edgepolicy/wafv2"
	"github.com/and161185/miniapp-gate/internal/initdata"
	"github.com/and161185/miniapp-gate/internal/limiter"
	"github.com/and161185/miniapp-gate/internal/migrate"
	"github.com/and161185/miniapp-gate/internal/params"
	"github.com/and161185/miniapp-gate/internal/repository"
	kvmemory "github.com/and161185/miniapp-gate/internal/repository/memory"
	"github.com/and161185/miniapp-gate/internal/repository/postgres"
	kvredis "github.com/and161185/miniapp-gate/internal/repository/redis"
	"github.com/and161185/miniapp-gate/internal/rotation"
	"github.com/and161185/miniapp-gate/internal/secretvault"
	"github.com/and161185/miniapp-gate/internal/secretvault/hcvault"
	secretmemory "github.com/and161185/miniapp-gate/internal/secretvault/memory"
	"github.com/and161185/miniapp-gate/internal/secretvault/ssm"
	grpcserver "github.com/and161185/miniapp-gate/internal/server/grpc"
	"github.com/and161185/miniapp-gate/internal/server/httpapi"
	"github.com/and161185/miniapp-gate/internal/service"
	"github.com/and161185/miniapp-gate/internal/webhook"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// edgeRegion hosts the global edge services' control planes.
const edgeRegion = "us-east-1"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	var logger *zap.Logger
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
		zap.String("kv", cfg.KVBackend),
		zap.String("secrets", cfg.SecretBackend),
	)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.WallClock

	awsCfg, awsErr := loadAWS(ctx, cfg.AWSRegion)
	if awsErr != nil {
		logger.Warn("aws configuration unavailable", zap.Error(awsErr))
	}

	// KV store and limiter
	kv, lim, closeKV := openKV(ctx, cfg, clk, logger)
	defer closeKV()

	// Secret vault
	secrets, gen := openSecrets(cfg, awsCfg, awsErr, logger)
	p := params.New(secrets, gen, params.Config{
		Names:       params.DefaultNames(cfg.Prefix),
		CacheTTL:    cfg.VaultCacheTTL,
		KeyRotation: cfg.CookieKeyRotation,
	}, params.WithClock(clk), params.WithLogger(logger.Named("params")))

	// Services
	reg := repository.NewRegistry(kv, service.Tables(cfg.Prefix),
		repository.WithClock(clk), repository.WithLogger(logger.Named("kv")))
	sessions, err := service.NewSessionService(reg, initdata.NewValidator(clk), p, service.SessionConfig{
		MaxDelay:   cfg.MaxDelay,
		SessionTTL: cfg.SessionTTL,
	}, clk, logger.Named("sessions"))
	if err != nil {
		logger.Fatal("session service", zap.Error(err))
	}
	codec := cookie.NewCodec(p, cookie.Options{
		Name:   cfg.CookieName,
		Path:   cfg.CookiePath,
		Domain: cfg.CookieDomain,
		MaxAge: cfg.CookieMaxAge,
	}, clk)
	authSvc := service.NewAuthService(sessions, codec, lim, logger.Named("auth"))

	var functions edgepolicy.FunctionStore
	var acls edgepolicy.ACLStore
	if awsErr == nil {
		edgeCfg := awsCfg.Copy()
		edgeCfg.Region = edgeRegion
		functions = cloudfront.NewFromConfig(edgeCfg)
		acls = wafv2.NewFromConfig(edgeCfg)
	}
	rotator := rotation.New(rotation.Config{
		TokenLength: cfg.WebhookTokenLen,
		Header:      cfg.WebhookHeader,
		SourceCIDRs: cfg.WebhookCIDRs,
		RuleName:    cfg.WebhookRuleName,
	}, gen, functions, acls, p, rotation.WithLogger(logger.Named("rotation")))

	// HTTP surface
	guard := webhook.NewGuard(p, webhook.UpdateHandlerFunc(func(context.Context, json.RawMessage) error {
		logger.Debug("webhook update accepted")
		return nil
	}), webhook.Options{Header: cfg.WebhookHeader, MaxPayload: cfg.WebhookMaxPayload}, logger.Named("webhook"))
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(authSvc, codec.Options(), guard, logger.Named("http")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC server with interceptors
	grpcOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary([]byte(cfg.AdminJWTKey), logger),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
	}
	gs := grpc.NewServer(grpcOpts...)
	adminapi.RegisterAdminServer(gs, grpcserver.New(rotator, sessions, logger.Named("admin")))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if cfg.Dev {
		reflection.Register(gs)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr), zap.Bool("tls", cfg.TLSCert != ""))
		return gs.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		shutdown(gs, httpSrv, logger)
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// shutdown stops both servers, forcing them after five seconds.
func shutdown(gs *grpc.Server, hs *http.Server, logger *zap.Logger) {
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	if err := hs.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	select {
	case <-done:
	case <-sctx.Done():
		gs.Stop()
	}
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func openKV(ctx context.Context, cfg config.Config, clk clock.Clock, logger *zap.Logger) (repository.Backend, limiter.Limiter, func()) {
	policy := limiter.DefaultPolicy
	switch cfg.KVBackend {
	case config.KVPostgres:
		if err := migrate.Up(ctx, cfg.DSN, logger.Named("migrate")); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			logger.Fatal("pgxpool.New", zap.Error(err))
		}
		return postgres.NewBackend(db), limiter.NewPG(db.Pool, policy, clk), db.Close
	case config.KVRedis:
		b, err := kvredis.New(kvredis.Config{
			Client:    redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			KeyPrefix: cfg.Prefix + ":kv:",
			Clock:     clk,
		})
		if err != nil {
			logger.Fatal("redis backend", zap.Error(err))
		}
		return b, limiter.NewMemory(policy, clk), func() { _ = b.Close() }
	default:
		logger.Warn("using in-memory KV store; data is lost on restart")
		return kvmemory.New(clk), limiter.NewMemory(policy, clk), func() {}
	}
}

func openSecrets(cfg config.Config, awsCfg aws.Config, awsErr error, logger *zap.Logger) (secretvault.Backend, secretvault.Generator) {
	switch cfg.SecretBackend {
	case config.SecretsSSM:
		if awsErr != nil {
			logger.Fatal("ssm requires aws configuration", zap.Error(awsErr))
		}
		b := ssm.NewFromConfig(awsCfg)
		return b, b
	case config.SecretsVault:
		client, err := vault.NewClient(vault.DefaultConfig())
		if err != nil {
			logger.Fatal("vault client", zap.Error(err))
		}
		b := hcvault.New(client, cfg.VaultMount)
		return b, b
	default:
		logger.Warn("using in-memory secret store; parameters are lost on restart")
		seed := map[string]string{}
		if cfg.DevBotToken != "" {
			rec, _ := json.Marshal(params.BotParam{Token: cfg.DevBotToken})
			seed[params.DefaultNames(cfg.Prefix).Bot] = string(rec)
		}
		return secretmemory.New(seed), nil
	}
}
