package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/config"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/database"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geolocation"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/places"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/proximity"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/roster"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/server"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/session"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serviceName = "cirql-api"

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Cirql place membership and presence backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Float64("radius-meters", defaults.GetFloat64("proximity.radius_meters"), "Geofence radius in meters")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("proximity.poll_interval"), "Range re-validation interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "proximity.radius_meters", "radius-meters")
	bindFlag(cmd, "proximity.poll_interval", "poll-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookie,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	placeStore, err := places.NewStore(places.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	presenceStore, err := presence.NewStore(presence.Config{
		Client:    redisClient,
		Namespace: appConfig.RedisNamespace,
		LeaseTTL:  appConfig.LeaseTTL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	locationReports, err := geolocation.NewReports(geolocation.Config{
		Client:    redisClient,
		Namespace: appConfig.RedisNamespace,
		MaxAge:    appConfig.LocationMaxAge,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sessionMetrics := session.NewMetrics()
	if err := sessionMetrics.Register(registry); err != nil {
		return err
	}

	policy := proximity.NewPolicy(appConfig.RadiusMeters)
	dispatcher := server.NewRealtimeDispatcher()

	controller, err := session.NewController(session.Config{
		Places:       placeStore,
		Presence:     presenceStore,
		Locations:    locationReports,
		Profiles:     userService,
		Policy:       policy,
		PollInterval: appConfig.PollInterval,
		Events:       dispatcher.SessionPublisher(),
		Metrics:      sessionMetrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer controller.Close()

	rosterQuery, err := roster.NewQuery(roster.Config{
		Members:  placeStore,
		Profiles: userService,
		Presence: presenceStore,
		Policy:   policy,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:         validator,
		Users:             userService,
		Sessions:          controller,
		Places:            placeStore,
		Roster:            rosterQuery,
		Presence:          presenceStore,
		Locations:         locationReports,
		Realtime:          dispatcher,
		Metrics:           registry,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.LeaseTTL / 3,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := presence.NewReaper(presenceStore, appConfig.SweepInterval)
	go reaper.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Float64("radius_meters", policy.Radius()),
			zap.Duration("poll_interval", appConfig.PollInterval))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
