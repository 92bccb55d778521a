package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/teresa-solution/voucher-issuance-service/internal/audit"
	"github.com/teresa-solution/voucher-issuance-service/internal/cache"
	"github.com/teresa-solution/voucher-issuance-service/internal/config"
	"github.com/teresa-solution/voucher-issuance-service/internal/httpapi"
	"github.com/teresa-solution/voucher-issuance-service/internal/identity"
	"github.com/teresa-solution/voucher-issuance-service/internal/issuance"
	"github.com/teresa-solution/voucher-issuance-service/internal/logging"
	"github.com/teresa-solution/voucher-issuance-service/internal/monitoring"
	"github.com/teresa-solution/voucher-issuance-service/internal/ratelimit"
	"github.com/teresa-solution/voucher-issuance-service/internal/service"
	"github.com/teresa-solution/voucher-issuance-service/internal/store"
	"github.com/teresa-solution/voucher-issuance-service/internal/store/memory"
	"github.com/teresa-solution/voucher-issuance-service/internal/store/postgres"
	"github.com/teresa-solution/voucher-issuance-service/internal/telemetry"
	"github.com/teresa-solution/voucher-issuance-service/internal/tenancy"
)

var (
	v          = viper.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "voucher-server",
	Short: "Voucher issuance gateway",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", configFile, err)
			}
		}
		logging.Init(v.GetString("log.level"), v.GetString("log.format"))
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	config.SetDefaults(v)
	config.ConfigureEnv(v)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	rootCmd.Flags().String("addr", ":8080", "public HTTP address")
	rootCmd.Flags().String("grpc-addr", ":50051", "gRPC admin address, empty disables")
	rootCmd.Flags().String("db-driver", config.DriverPostgres, "storage driver (postgres, memory)")
	_ = v.BindPFlag("http.addr", rootCmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("grpc.addr", rootCmd.Flags().Lookup("grpc-addr"))
	_ = v.BindPFlag("database.driver", rootCmd.Flags().Lookup("db-driver"))

	rootCmd.AddCommand(tokenCmd)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Execution failed")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == config.DriverMemory {
		log.Warn().Msg("Using in-memory storage, data is lost on exit")
		return memory.New(), nil
	}
	pg, err := postgres.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := postgres.MigrateUp(pg.DB()); err != nil {
			pg.Close()
			return nil, err
		}
		log.Info().Msg("Migrations applied")
	}
	return pg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	var (
		tenantCache cache.Cache
		limiter     ratelimit.Limiter
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		tenantCache = cache.New(ctx, rdb)
		limiter = ratelimit.NewRedis(rdb, cfg.RateLimit.Window, nil)
	} else {
		tenantCache = cache.NewMemoryCache()
		limiter = ratelimit.NewInMemory(cfg.RateLimit.Window, nil)
	}

	monitoring.InitMetrics()

	emitter := audit.NewEmitter(st, nil)
	resolver := tenancy.NewResolver(st, tenantCache, cfg.AppKey, cfg.TenantTTL)
	identities := identity.NewBuilder([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, st, nil)
	hook := tenancy.NewHook(tenancy.HookConfig{
		Resolver:     resolver,
		Identities:   identities,
		Limiter:      limiter,
		PartnerLimit: cfg.RateLimit.PartnerLimit,
		Members:      st,
		Vouchers:     st,
		Audit:        emitter,
	})
	admin := service.NewTenantService(st, emitter, resolver, cfg.AppKey)
	vouchers := issuance.NewService(st, emitter, issuance.Policy{
		WindowDays: cfg.Duplicates.WindowDays,
		Action:     cfg.Duplicates.Action,
	}, nil)

	handler, err := httpapi.NewRouter(httpapi.Config{
		Hook:           hook,
		Issuance:       vouchers,
		Admin:          admin,
		Audit:          emitter,
		Ready:          st.Ping,
		PartnerHeader:  cfg.Auth.PartnerHeader,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		AdminAllow:     cfg.AdminAllow,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		ServiceName:    cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}

	publicServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 3)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("Public HTTP server listening")
		if err := publicServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.HTTP.MetricsAddr).Msg("HTTP server for health checks and metrics started")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(service.OperatorInterceptor(identities)))
		service.NewAdminServer(admin).Register(grpcServer, st.Ping)
		go func() {
			log.Info().Msgf("gRPC server listening at %v", lis.Addr())
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case err := <-errCh:
		log.Error().Err(err).Msg("Server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := publicServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Public server forced to shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics server forced to shutdown")
	}
	log.Info().Msg("Server exiting")
	return nil
}
