package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohsenbarari/trading-bot-sub000/internal/cache"
	"github.com/mohsenbarari/trading-bot-sub000/internal/config"
	"github.com/mohsenbarari/trading-bot-sub000/internal/database"
	"github.com/mohsenbarari/trading-bot-sub000/internal/logging"
	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
	"github.com/mohsenbarari/trading-bot-sub000/internal/relay"
	"github.com/mohsenbarari/trading-bot-sub000/internal/server"
	"github.com/mohsenbarari/trading-bot-sub000/internal/sync"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tradesyncd",
		Short: "Two-region trading backend replication daemon",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("outbox-path", defaults.GetString("outbox.path"), "Outbox store path")
	cmd.PersistentFlags().String("server-role", defaults.GetString("server.role"), "Region role (home or external)")
	cmd.PersistentFlags().String("peer-url", defaults.GetString("peer.url"), "Base URL of the peer region")
	cmd.PersistentFlags().String("sync-api-key", "", "Shared sync secret (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "outbox.path", "outbox-path")
	bindFlag(cmd, "server.role", "server-role")
	bindFlag(cmd, "peer.url", "peer-url")
	bindFlag(cmd, "sync.api_key", "sync-api-key")
	bindFlag(cmd, "log.level", "log-level")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.ServerRole)
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

	outbox, err := sync.OpenOutbox(appConfig.OutboxPath, logger)
	if err != nil {
		return err
	}
	defer outbox.Close() //nolint:errcheck

	dispatcher := sync.NewDispatcher(sync.DispatcherConfig{
		PeerURL: appConfig.PeerURL,
		APIKey:  appConfig.SyncAPIKey,
		Logger:  logger,
	})
	defer dispatcher.Close()

	recorder, err := sync.NewRecorder(sync.RecorderConfig{
		Outbox:     outbox,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	store, err := market.NewStore(market.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	store.RegisterObserver(recorder)

	var messenger relay.Messenger
	var publisher relay.ChannelPublisher
	if appConfig.IsExternal() {
		telegram, err := relay.NewTelegramClient(relay.TelegramConfig{
			Token:     appConfig.BotToken,
			ChannelID: appConfig.ChannelID,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		messenger = telegram
		publisher = telegram
	} else {
		crossRegion, err := sync.NewNotificationRelay(sync.NotificationRelayConfig{
			Outbox:     outbox,
			Dispatcher: dispatcher,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		messenger = crossRegion
	}

	auditor, err := sync.NewAuditor(sync.AuditorConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	applier, err := sync.NewApplier(sync.ApplierConfig{
		Database:       db,
		Cache:          cache.NewGroupCache(time.Minute),
		Messenger:      messenger,
		Publisher:      publisher,
		Auditor:        auditor,
		Source:         appConfig.PeerSource(),
		ExternalRegion: appConfig.IsExternal(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	drainWorker, err := sync.NewDrainWorker(sync.DrainWorkerConfig{
		Outbox:  outbox,
		PeerURL: appConfig.PeerURL,
		APIKey:  appConfig.SyncAPIKey,
		Auditor: auditor,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Applier: applier,
		Signer:  sync.NewSigner(appConfig.SyncAPIKey),
		Outbox:  outbox,
		Logger:  logger,
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

	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		if err := drainWorker.Run(drainCtx); err != nil {
			logger.Error("drain worker exited", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("role", appConfig.ServerRole))
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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		cancelDrain()
		<-drainDone
		return shutdownErr
	case err := <-errCh:
		cancelDrain()
		<-drainDone
		return err
	}
}
