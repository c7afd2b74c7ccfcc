package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/auth"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/config"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/content"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/database"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/engine"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/logging"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/node"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/server"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shelfsync",
		Short: "Synchronizes group feeds from a node into a local library",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("node-url", defaults.GetString("node.base_url"), "Node HTTP base URL")
	cmd.PersistentFlags().String("node-ws-url", "", "Node push channel URL (derived from node-url when empty)")
	cmd.PersistentFlags().String("node-token", "", "Bearer token for the node API")
	cmd.PersistentFlags().String("signing-secret", "", "Local API signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Local API token TTL in minutes")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("poll.interval"), "Active polling interval")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("poll.page_size"), "Transactions fetched per page")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "node.base_url", "node-url")
	bindFlag(cmd, "node.ws_url", "node-ws-url")
	bindFlag(cmd, "node.token", "node-token")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "poll.interval", "poll-interval")
	bindFlag(cmd, "poll.page_size", "page-size")
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

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.DefaultTokenIssuerConfig(appConfig.AuthSigningSecret, appConfig.AuthTokenTTL))
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local", "Token subject")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	tokenIssuer, err := auth.NewTokenIssuer(auth.DefaultTokenIssuerConfig(appConfig.AuthSigningSecret, appConfig.AuthTokenTTL))
	if err != nil {
		return err
	}

	contentService, err := content.NewService(content.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if appConfig.FetchRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(appConfig.FetchRatePerSecond), 1)
	}
	nodeClient, err := node.NewClient(node.ClientConfig{
		BaseURL: appConfig.NodeBaseURL,
		Token:   appConfig.NodeToken,
		Limiter: limiter,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	streamURL := appConfig.NodeWSURL
	if streamURL == "" {
		streamURL = node.StreamURL(appConfig.NodeBaseURL)
	}
	stream, err := node.NewStream(node.StreamConfig{
		URL:            streamURL,
		Token:          appConfig.NodeToken,
		ReconnectDelay: appConfig.ReconnectDelay,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	realtime := server.NewRealtimeDispatcher()

	syncEngine, err := engine.New(engine.Options{
		Service: contentService,
		Node:    nodeClient,
		Stream:  stream,
		Config: engine.Config{
			PollInterval:   appConfig.PollInterval,
			LazyInterval:   appConfig.LazyInterval,
			PageSize:       appConfig.PageSize,
			GroupsInterval: appConfig.GroupsInterval,
			Retry: engine.RetryPolicy{
				BaseDelay:   appConfig.RetryBaseDelay,
				MaxDelay:    appConfig.RetryMaxDelay,
				MaxAttempts: appConfig.RetryMaxAttempts,
			},
		},
		Metrics: engine.NewMetrics(registry),
		Events:  realtime,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	syncEngine.OnGroupCaughtUp(func(groupID string) {
		logger.Info("group caught up", zap.String("group_id", groupID))
	})

	publisher, err := content.NewPublisher(content.PublisherConfig{
		Service: contentService,
		Poster:  nodeClient,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:    tokenIssuer,
		Content:   contentService,
		Publisher: publisher,
		Groups:    syncEngine,
		Realtime:  realtime,
		Metrics:   registry,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := syncEngine.Start(signalCtx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("node", nodeClient.BaseURL()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := syncEngine.Stop(shutdownCtx); err != nil {
		logger.Warn("sync engine shutdown failed", zap.Error(err))
	}
	return serveErr
}
