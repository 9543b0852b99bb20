package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/chorus/internal/auth"
	"github.com/MarcoPoloResearchLab/chorus/internal/config"
	"github.com/MarcoPoloResearchLab/chorus/internal/database"
	"github.com/MarcoPoloResearchLab/chorus/internal/logging"
	"github.com/MarcoPoloResearchLab/chorus/internal/presence"
	"github.com/MarcoPoloResearchLab/chorus/internal/projects"
	"github.com/MarcoPoloResearchLab/chorus/internal/realtime"
	"github.com/MarcoPoloResearchLab/chorus/internal/server"
	"github.com/MarcoPoloResearchLab/chorus/internal/users"
	"github.com/MarcoPoloResearchLab/chorus/internal/voice"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chorus-api",
		Short: "Chorus collaboration backend service",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database path or connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("voice-join-policy", defaults.GetString("voice.join_policy"), "Voice join policy (idempotent, segment)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the cross-instance relay")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "voice.join_policy", "voice-join-policy")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dispatcher := realtime.NewDispatcher(appConfig.RealtimeBufferSize)
	var forwarder realtime.Forwarder
	if appConfig.RelayEnabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
		if err := redisClient.Ping(signalCtx).Err(); err != nil {
			return err
		}
		relay, err := realtime.NewRedisRelay(realtime.RelayConfig{
			Client:        redisClient,
			ChannelPrefix: appConfig.RedisChannelPrefix,
			Dispatcher:    dispatcher,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := relay.Run(signalCtx); err != nil {
				logger.Error("realtime relay stopped", zap.Error(err))
			}
		}()
		forwarder = relay
	}

	broadcaster := realtime.NewBroadcaster(realtime.BroadcasterConfig{
		Dispatcher: dispatcher,
		Forwarder:  forwarder,
		Clock:      time.Now,
		Logger:     logger,
	})

	store, err := projects.NewGormVersionStore(db)
	if err != nil {
		return err
	}
	coordinator, err := projects.NewCoordinator(projects.CoordinatorConfig{
		Store:    store,
		Clock:    time.Now,
		Observer: broadcaster.DocumentCommitted,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tracker, err := voice.NewTracker(voice.TrackerConfig{
		Database: db,
		Clock:    time.Now,
		Policy:   appConfig.VoiceJoinPolicy,
		Observer: broadcaster.RosterChanged,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	orphaned, err := tracker.CloseOrphanedSessions(signalCtx)
	if err != nil {
		return err
	}
	if orphaned > 0 {
		logger.Info("closed orphaned voice sessions", zap.Int64("sessions", orphaned))
	}

	registry := presence.NewRegistry(presence.RegistryConfig{
		Observer: broadcaster.PresenceChanged,
		Logger:   logger,
	})
	defer registry.Clear()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Participants:   userService,
		Projects:       coordinator,
		Presence:       registry,
		Voice:          tracker,
		Broadcaster:    broadcaster,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
