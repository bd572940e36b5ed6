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

	"github.com/MarcoPoloResearchLab/cradle/internal/access"
	"github.com/MarcoPoloResearchLab/cradle/internal/auth"
	"github.com/MarcoPoloResearchLab/cradle/internal/config"
	"github.com/MarcoPoloResearchLab/cradle/internal/database"
	"github.com/MarcoPoloResearchLab/cradle/internal/events"
	"github.com/MarcoPoloResearchLab/cradle/internal/logging"
	"github.com/MarcoPoloResearchLab/cradle/internal/push"
	"github.com/MarcoPoloResearchLab/cradle/internal/server"
	"github.com/MarcoPoloResearchLab/cradle/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cradle-api",
		Short: "Cradle caregiver sync backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSessionCommand())

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
	cmd.PersistentFlags().String("tauth-signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("invites-signing-secret", "", "Invite signing secret (overrides env)")
	cmd.PersistentFlags().Int("push-max-batch", defaults.GetInt("push.max_batch"), "Maximum mutations per push")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "tauth-signing-secret")
	bindFlag(cmd, "invites.signing_secret", "invites-signing-secret")
	bindFlag(cmd, "push.max_batch", "push-max-batch")
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

func newSessionCommand() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Mint a session token for a subject (development and operations)",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
				SigningSecret: []byte(appConfig.TAuthSigningKey),
				Issuer:        appConfig.TAuthIssuer,
				CookieName:    appConfig.TAuthCookieName,
			})
			if err != nil {
				return err
			}
			token, err := validator.Sign(subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Identity provider subject to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	inviteIssuer, err := auth.NewInviteIssuer(auth.InviteIssuerConfig{
		SigningSecret: []byte(appConfig.InviteSigningKey),
		Issuer:        appConfig.InviteIssuer,
		TTL:           appConfig.InviteTTL,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	eventLog, err := events.NewLog(events.LogConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	resolver, err := access.NewResolver(access.ResolverConfig{
		Database: db,
		Users:    userService,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	inviteService := access.NewInviteService(access.InviteServiceConfig{
		Resolver:  resolver,
		Issuer:    inviteIssuer,
		Sequencer: eventLog,
		Logger:    logger,
	})

	dispatcher, err := push.NewDispatcher(push.DispatcherConfig{
		Database: db,
		Events:   eventLog,
		Granter:  resolver,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	pushHandler, err := push.NewHandler(push.HandlerConfig{
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Events:     eventLog,
		Notifier:   server.NewRealtimeNotifier(realtime, resolver, logger),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions: sessionValidator,
		Users:    userService,
		Push:     pushHandler,
		Access:   resolver,
		Events:   eventLog,
		Invites:  inviteService,
		Realtime: realtime,
		Limits: server.Limits{
			MaxBatch:      appConfig.PushMaxBatch,
			RatePerSecond: appConfig.PushRatePerSecond,
			Burst:         appConfig.PushBurst,
		},
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Heartbeat:      appConfig.RealtimeHeartbeat,
		Logger:         logger,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGracePeriod)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
