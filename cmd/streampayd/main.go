package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/streampay/internal/calls"
	"github.com/MarkoPoloResearchLab/streampay/internal/httpapi"
	"github.com/MarkoPoloResearchLab/streampay/internal/identity"
	"github.com/MarkoPoloResearchLab/streampay/internal/media"
	"github.com/MarkoPoloResearchLab/streampay/internal/pesapal"
	"github.com/MarkoPoloResearchLab/streampay/internal/recharge"
	"github.com/MarkoPoloResearchLab/streampay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/streampay/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/streampay/pkg/wallet"
)

const (
	flagDatabaseURL           = "database-url"
	flagListenAddr            = "listen-addr"
	flagAllowedOrigins        = "allowed-origins"
	flagSessionSigningKey     = "session-signing-key"
	flagSessionIssuer         = "session-issuer"
	flagPesapalBaseURL        = "pesapal-base-url"
	flagPesapalConsumerKey    = "pesapal-consumer-key"
	flagPesapalConsumerSecret = "pesapal-consumer-secret"
	flagPesapalCallbackURL    = "pesapal-callback-url"
	flagPesapalNotificationID = "pesapal-notification-id"
	flagLiveKitAPIKey         = "livekit-api-key"
	flagLiveKitAPISecret      = "livekit-api-secret"
	flagCallCostPerMinute     = "call-cost-per-minute"
	flagAdRewardCoins         = "ad-reward-coins"
	flagDebitPolicy           = "debit-policy"
	flagStoreBackend          = "store-backend"

	configKeyDatabaseURL           = "database_url"
	configKeyListenAddr            = "listen_addr"
	configKeyAllowedOrigins        = "allowed_origins"
	configKeySessionSigningKey     = "session_signing_key"
	configKeySessionIssuer         = "session_issuer"
	configKeyPesapalBaseURL        = "pesapal_base_url"
	configKeyPesapalConsumerKey    = "pesapal_consumer_key"
	configKeyPesapalConsumerSecret = "pesapal_consumer_secret"
	configKeyPesapalCallbackURL    = "pesapal_callback_url"
	configKeyPesapalNotificationID = "pesapal_notification_id"
	configKeyLiveKitAPIKey         = "livekit_api_key"
	configKeyLiveKitAPISecret      = "livekit_api_secret"
	configKeyCallCostPerMinute     = "call_cost_per_minute"
	configKeyAdRewardCoins         = "ad_reward_coins"
	configKeyDebitPolicy           = "debit_policy"
	configKeyStoreBackend          = "store_backend"

	defaultDatabaseURL    = "sqlite:///tmp/streampay.db"
	defaultListenAddr     = ":8080"
	defaultSessionIssuer  = "streampay"
	defaultPesapalBaseURL = "https://cybqa.pesapal.com/pesapalv3"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL           string
	ListenAddr            string
	AllowedOrigins        string
	SessionSigningKey     string
	SessionIssuer         string
	PesapalBaseURL        string
	PesapalConsumerKey    string
	PesapalConsumerSecret string
	PesapalCallbackURL    string
	PesapalNotificationID string
	LiveKitAPIKey         string
	LiveKitAPISecret      string
	CallCostPerMinute     int64
	AdRewardCoins         int64
	DebitPolicy           string
	StoreBackend          string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "streampayd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "streampayd",
		Short:         "Coin wallet, recharge and call-token HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "HS256 key for verifying bearer tokens")
	cmd.Flags().String(flagSessionIssuer, defaultSessionIssuer, "expected bearer token issuer")
	cmd.Flags().String(flagPesapalBaseURL, defaultPesapalBaseURL, "Pesapal API base URL")
	cmd.Flags().String(flagPesapalConsumerKey, "", "Pesapal consumer key")
	cmd.Flags().String(flagPesapalConsumerSecret, "", "Pesapal consumer secret")
	cmd.Flags().String(flagPesapalCallbackURL, "", "public URL of the payment webhook")
	cmd.Flags().String(flagPesapalNotificationID, "", "registered Pesapal IPN id")
	cmd.Flags().String(flagLiveKitAPIKey, "", "LiveKit API key")
	cmd.Flags().String(flagLiveKitAPISecret, "", "LiveKit API secret")
	cmd.Flags().Int64(flagCallCostPerMinute, calls.DefaultCostPerMinute, "coin price of one call minute")
	cmd.Flags().Int64(flagAdRewardCoins, 0, "coins granted per rewarded ad (0 keeps the default)")
	cmd.Flags().String(flagDebitPolicy, string(wallet.DebitClampToZero), "over-debit policy: clamp or reject")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "persistence backend: gorm or pgx")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:           "DATABASE_URL",
		configKeyListenAddr:            "HTTP_LISTEN_ADDR",
		configKeyAllowedOrigins:        "ALLOWED_ORIGINS",
		configKeySessionSigningKey:     "SESSION_SIGNING_KEY",
		configKeySessionIssuer:         "SESSION_ISSUER",
		configKeyPesapalBaseURL:        "PESAPAL_BASE_URL",
		configKeyPesapalConsumerKey:    "PESAPAL_CONSUMER_KEY",
		configKeyPesapalConsumerSecret: "PESAPAL_CONSUMER_SECRET",
		configKeyPesapalCallbackURL:    "PESAPAL_CALLBACK_URL",
		configKeyPesapalNotificationID: "PESAPAL_NOTIFICATION_ID",
		configKeyLiveKitAPIKey:         "LIVEKIT_API_KEY",
		configKeyLiveKitAPISecret:      "LIVEKIT_API_SECRET",
		configKeyCallCostPerMinute:     "CALL_COST_PER_MINUTE",
		configKeyAdRewardCoins:         "AD_REWARD_COINS",
		configKeyDebitPolicy:           "DEBIT_POLICY",
		configKeyStoreBackend:          "STORE_BACKEND",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:           flagDatabaseURL,
		configKeyListenAddr:            flagListenAddr,
		configKeyAllowedOrigins:        flagAllowedOrigins,
		configKeySessionSigningKey:     flagSessionSigningKey,
		configKeySessionIssuer:         flagSessionIssuer,
		configKeyPesapalBaseURL:        flagPesapalBaseURL,
		configKeyPesapalConsumerKey:    flagPesapalConsumerKey,
		configKeyPesapalConsumerSecret: flagPesapalConsumerSecret,
		configKeyPesapalCallbackURL:    flagPesapalCallbackURL,
		configKeyPesapalNotificationID: flagPesapalNotificationID,
		configKeyLiveKitAPIKey:         flagLiveKitAPIKey,
		configKeyLiveKitAPISecret:      flagLiveKitAPISecret,
		configKeyCallCostPerMinute:     flagCallCostPerMinute,
		configKeyAdRewardCoins:         flagAdRewardCoins,
		configKeyDebitPolicy:           flagDebitPolicy,
		configKeyStoreBackend:          flagStoreBackend,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.PesapalBaseURL = viper.GetString(configKeyPesapalBaseURL)
	cfg.PesapalConsumerKey = viper.GetString(configKeyPesapalConsumerKey)
	cfg.PesapalConsumerSecret = viper.GetString(configKeyPesapalConsumerSecret)
	cfg.PesapalCallbackURL = viper.GetString(configKeyPesapalCallbackURL)
	cfg.PesapalNotificationID = viper.GetString(configKeyPesapalNotificationID)
	cfg.LiveKitAPIKey = viper.GetString(configKeyLiveKitAPIKey)
	cfg.LiveKitAPISecret = viper.GetString(configKeyLiveKitAPISecret)
	cfg.CallCostPerMinute = viper.GetInt64(configKeyCallCostPerMinute)
	cfg.AdRewardCoins = viper.GetInt64(configKeyAdRewardCoins)
	cfg.DebitPolicy = viper.GetString(configKeyDebitPolicy)
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendGorm
	}
	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.SessionIssuer == "" {
		cfg.SessionIssuer = defaultSessionIssuer
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.PesapalConsumerKey == "" || cfg.PesapalConsumerSecret == "" {
		return fmt.Errorf("pesapal consumer key and secret are required")
	}
	if cfg.PesapalCallbackURL == "" {
		return fmt.Errorf("pesapal callback url is required")
	}
	if cfg.LiveKitAPIKey == "" || cfg.LiveKitAPISecret == "" {
		return fmt.Errorf("livekit api key and secret are required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }

	debitPolicy, err := wallet.ParseDebitPolicy(cfg.DebitPolicy)
	if err != nil {
		return fmt.Errorf("debit policy: %w", err)
	}
	walletService, err := wallet.NewService(store, clock, wallet.WithDebitPolicy(debitPolicy))
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		return fmt.Errorf("pesapal client init: %w", err)
	}

	rechargeService, err := recharge.NewService(walletService, gateway, recharge.Config{
		CallbackURL:    cfg.PesapalCallbackURL,
		NotificationID: cfg.PesapalNotificationID,
	}, logger)
	if err != nil {
		return fmt.Errorf("recharge service init: %w", err)
	}

	minter, err := media.NewLiveKitMinter(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret)
	if err != nil {
		return fmt.Errorf("livekit minter init: %w", err)
	}
	authorizer, err := calls.NewAuthorizer(walletService, minter, calls.WithCostPerMinute(cfg.CallCostPerMinute))
	if err != nil {
		return fmt.Errorf("call authorizer init: %w", err)
	}

	verifier, err := identity.NewVerifier([]byte(cfg.SessionSigningKey), cfg.SessionIssuer)
	if err != nil {
		return fmt.Errorf("identity verifier init: %w", err)
	}

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		AdRewardCoins:  cfg.AdRewardCoins,
	}, logger, walletService, rechargeService, authorizer, verifier)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	return server.Run(ctx)
}

func newGateway(cfg *runtimeConfig, logger *zap.Logger) (*pesapal.Client, error) {
	return pesapal.New(pesapal.Config{
		BaseURL:        cfg.PesapalBaseURL,
		ConsumerKey:    cfg.PesapalConsumerKey,
		ConsumerSecret: cfg.PesapalConsumerSecret,
	}, logger)
}

func openStore(ctx context.Context, cfg *runtimeConfig) (wallet.Store, func() error, error) {
	if cfg.StoreBackend == storeBackendPgx {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("pgx backend requires a postgres database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "streampay.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
