package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Wambui-N/f2s-sub002/internal/auth"
	"github.com/Wambui-N/f2s-sub002/internal/config"
	"github.com/Wambui-N/f2s-sub002/internal/connections"
	"github.com/Wambui-N/f2s-sub002/internal/credentials"
	"github.com/Wambui-N/f2s-sub002/internal/database"
	"github.com/Wambui-N/f2s-sub002/internal/delivery"
	"github.com/Wambui-N/f2s-sub002/internal/forms"
	"github.com/Wambui-N/f2s-sub002/internal/logging"
	"github.com/Wambui-N/f2s-sub002/internal/notify"
	"github.com/Wambui-N/f2s-sub002/internal/providers"
	"github.com/Wambui-N/f2s-sub002/internal/server"
	"github.com/Wambui-N/f2s-sub002/internal/users"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "f2s-api",
		Short: "Form submission fan-out service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-client-secret", "", "Google OAuth client secret (overrides env)")
	cmd.PersistentFlags().String("google-redirect-url", defaults.GetString("google.redirect_url"), "OAuth consent redirect URL")
	cmd.PersistentFlags().String("mail-endpoint", defaults.GetString("mail.endpoint"), "Transactional mail API endpoint")
	cmd.PersistentFlags().String("mail-api-key", "", "Transactional mail API key (overrides env)")
	cmd.PersistentFlags().String("mail-from", defaults.GetString("mail.from"), "Notification sender address")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.client_secret", "google-client-secret")
	bindFlag(cmd, "google.redirect_url", "google-redirect-url")
	bindFlag(cmd, "mail.endpoint", "mail-endpoint")
	bindFlag(cmd, "mail.api_key", "mail-api-key")
	bindFlag(cmd, "mail.from", "mail-from")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "f2s-auth",
		Audience:      "f2s-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience: appConfig.GoogleClientID,
	})
	if err != nil {
		return err
	}

	identityService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	formsService, err := forms.NewService(forms.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: forms.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	resolver, err := connections.NewResolver(db)
	if err != nil {
		return err
	}

	credentialStore, err := credentials.NewStore(db)
	if err != nil {
		return err
	}

	refresher, err := credentials.NewRefresher(credentials.RefresherConfig{
		Store:        credentialStore,
		ClientID:     appConfig.GoogleClientID,
		ClientSecret: appConfig.GoogleClientSecret,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	connector, err := credentials.NewConnector(credentials.ConnectorConfig{
		Store:        credentialStore,
		ClientID:     appConfig.GoogleClientID,
		ClientSecret: appConfig.GoogleClientSecret,
		RedirectURL:  appConfig.GoogleRedirectURL,
	})
	if err != nil {
		return err
	}

	sheetsDestination, err := providers.NewSheetsDestination(providers.SheetsConfig{
		Tokens:      refresher,
		Connections: resolver,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	calendarDestination, err := providers.NewCalendarDestination(providers.CalendarConfig{
		Tokens: refresher,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	driveDestination, err := providers.NewDriveDestination(providers.DriveConfig{
		Tokens: refresher,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var notifier delivery.Destination
	if appConfig.MailEndpoint != "" && appConfig.MailAPIKey != "" {
		mailer, err := notify.NewMailer(notify.MailerConfig{
			Endpoint: appConfig.MailEndpoint,
			APIKey:   appConfig.MailAPIKey,
			From:     appConfig.MailFrom,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		notifier, err = notify.NewEmailDestination(mailer)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("mail endpoint not configured, notification emails disabled")
	}

	dispatcher, err := delivery.NewDispatcher(delivery.DispatcherConfig{
		Destinations: []delivery.Destination{sheetsDestination, calendarDestination, driveDestination},
		Notifier:     notifier,
		Submissions:  formsService,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier: googleVerifier,
		TokenManager:   tokenManager,
		Identities:     identityService,
		FormsService:   formsService,
		Resolver:       resolver,
		Credentials:    credentialStore,
		Connector:      connector,
		Dispatcher:     dispatcher,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		// In-flight fan-out finishes before the process exits.
		dispatcher.Wait()
		return err
	case err := <-errCh:
		return err
	}
}
