package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/virasat-app/virasat/internal/api"
	"github.com/virasat-app/virasat/internal/catalog"
	"github.com/virasat-app/virasat/internal/classifier"
	"github.com/virasat-app/virasat/internal/conversation"
	"github.com/virasat-app/virasat/internal/dispatcher"
	"github.com/virasat-app/virasat/internal/ingest"
	"github.com/virasat-app/virasat/internal/lockfile"
	"github.com/virasat-app/virasat/internal/media"
	"github.com/virasat-app/virasat/internal/messaging"
	"github.com/virasat-app/virasat/internal/phonepe"
	"github.com/virasat-app/virasat/internal/reconciler"
	"github.com/virasat-app/virasat/internal/store"
	"github.com/virasat-app/virasat/internal/twiliowhatsapp"
	"github.com/virasat-app/virasat/internal/util"
	"github.com/virasat-app/virasat/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Virasat state data
	DefaultStateDir = "/var/lib/virasat"
	// DefaultAppDBFileName is the default SQLite database filename for application state
	DefaultAppDBFileName = "virasat.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow session state
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(config, flags); err != nil {
		slog.Error("Virasat failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Virasat exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	MessagingBackend string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	PhonePeBaseURL      string
	PhonePeAuthURL      string
	PhonePeClientID     string
	PhonePeClientSecret string
	PhonePeWebhookUser  string
	PhonePeWebhookPass  string

	MinioEndpoint     string
	MinioAccessKey    string
	MinioSecretKey    string
	MinioUseSSL       bool
	MinioBucketPrefix string

	RedisURL    string
	OpenAIKey   string
	APIAddr     string
	RedirectURL string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput *string
	numeric  *bool
	stateDir *string
	dbDSN    *string
	apiAddr  *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("VIRASAT_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		MessagingBackend: os.Getenv("MESSAGING_BACKEND"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),

		PhonePeBaseURL:      os.Getenv("PHONEPE_BASE_URL"),
		PhonePeAuthURL:      os.Getenv("PHONEPE_AUTH_URL"),
		PhonePeClientID:     os.Getenv("PHONEPE_CLIENT_ID"),
		PhonePeClientSecret: os.Getenv("PHONEPE_CLIENT_SECRET"),
		PhonePeWebhookUser:  os.Getenv("PHONEPE_WEBHOOK_USERNAME"),
		PhonePeWebhookPass:  os.Getenv("PHONEPE_WEBHOOK_PASSWORD"),

		MinioEndpoint:     os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey:    os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:    os.Getenv("MINIO_SECRET_KEY"),
		MinioUseSSL:       util.ParseBoolEnv("MINIO_USE_SSL", true),
		MinioBucketPrefix: os.Getenv("MINIO_BUCKET_PREFIX"),

		RedisURL:    os.Getenv("REDIS_URL"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		RedirectURL: os.Getenv("CHECKOUT_REDIRECT_URL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No VIRASAT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if config.MessagingBackend == "" {
		config.MessagingBackend = "whatsmeow"
	}

	slog.Debug("environment variables loaded",
		"VIRASAT_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"MESSAGING_BACKEND", config.MessagingBackend,
		"PHONEPE_CLIENT_ID_SET", config.PhonePeClientID != "",
		"MINIO_ENDPOINT_SET", config.MinioEndpoint != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput: flag.String("qr-output", "", "path to write login QR code"),
		numeric:  flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir: flag.String("state-dir", config.StateDir, "state directory for Virasat data (overrides $VIRASAT_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	// Follow an overridden state directory when the DSN was defaulted from it.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		slog.Debug("Updated db-dsn based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage.
// The state directory is always needed: it holds the instance lock file and the
// whatsmeow session database even when the application store is PostgreSQL.
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dbDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// newStore opens the application store for the configured DSN.
func newStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// newMessaging builds the configured messaging transport. It returns the
// service plus the media downloader used by the ingest worker.
func newMessaging(config Config, flags Flags) (messaging.Service, messaging.MediaDownloader, error) {
	if config.MessagingBackend == "twilio" {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
		)
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	}

	var waOpts []whatsapp.Option
	waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDBDSN))
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	svc := messaging.NewWhatsAppService(client)
	return svc, svc, nil
}

// newCatalog builds the album catalog, with a redis read cache when
// REDIS_URL is configured.
func newCatalog(config Config, st store.Store) catalog.Service {
	var rdb *redis.Client
	if config.RedisURL != "" {
		redisOpts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			slog.Warn("Invalid REDIS_URL, album cache disabled", "error", err)
		} else {
			rdb = redis.NewClient(redisOpts)
		}
	}
	return catalog.New(st, rdb, catalog.DefaultTTL)
}

// newClassifier prefers the model-backed readiness classifier when an OpenAI
// key is present, falling back to keywords alone otherwise.
func newClassifier(config Config) classifier.Classifier {
	if config.OpenAIKey != "" {
		c, err := classifier.NewOpenAIClassifier()
		if err == nil {
			slog.Info("Using model-backed readiness classifier")
			return c
		}
		slog.Warn("Failed to initialize model-backed classifier, using keywords", "error", err)
	}
	return classifier.NewKeywordClassifier()
}

func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, downloader, err := newMessaging(config, flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := msgService.Stop(); err != nil {
			slog.Error("Failed to stop messaging service", "error", err)
		}
	}()

	// Delivery receipts are informational only; drain them so the channel
	// never backs up against the senders.
	go func() {
		for receipt := range msgService.Receipts() {
			slog.Debug("Delivery receipt", "to", receipt.To, "status", receipt.Status)
		}
	}()

	gateway, err := phonepe.NewClient(phonepe.Config{
		BaseURL:      config.PhonePeBaseURL,
		AuthURL:      config.PhonePeAuthURL,
		ClientID:     config.PhonePeClientID,
		ClientSecret: config.PhonePeClientSecret,
		WebhookUser:  config.PhonePeWebhookUser,
		WebhookPass:  config.PhonePeWebhookPass,
	})
	if err != nil {
		return err
	}

	albums := newCatalog(config, st)
	pipeline := ingest.NewPipeline(st)
	engine := conversation.NewEngine(st, st, albums, msgService, pipeline, newClassifier(config))

	rec := reconciler.New(st, st, engine, assemblyLogger{}, 0)
	rec.SetStatusChecker(gateway)
	engine.SetCompletionHandler(rec.HandleTrialCompleted)

	disp := dispatcher.New(st, engine, 0)

	go engine.Run(ctx)
	go disp.Run(ctx)
	go rec.Run(ctx)

	if config.MinioEndpoint != "" {
		objects, err := media.NewMinioStore(
			media.WithEndpoint(config.MinioEndpoint),
			media.WithCredentials(config.MinioAccessKey, config.MinioSecretKey),
			media.WithSSL(config.MinioUseSSL),
			media.WithBucketPrefix(config.MinioBucketPrefix),
		)
		if err != nil {
			return err
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = objects.EnsureBuckets(ensureCtx)
		cancel()
		if err != nil {
			return err
		}
		go ingest.NewDownloadWorker(st, downloader, objects, 0).Run(ctx)
	} else {
		slog.Warn("MINIO_ENDPOINT not set, voice note media will stay pending")
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.RedirectURL != "" {
		apiOpts = append(apiOpts, api.WithRedirectBaseURL(config.RedirectURL))
	}
	if twilioSvc, ok := msgService.(*messaging.TwilioService); ok {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioSvc.TwilioWebhookHandler))
	}

	server := api.NewServer(st, albums, gateway, rec, msgService, apiOpts...)
	slog.Info("Bootstrapping Virasat", "messaging", config.MessagingBackend, "apiAddr", *flags.apiAddr)
	return server.Run(ctx)
}

// assemblyLogger is the album assembly stand-in: the rendering pipeline is an
// external collaborator, so completion is logged for the operator queue.
type assemblyLogger struct{}

func (assemblyLogger) AssembleAlbum(_ context.Context, trialID string) error {
	slog.Info("Album assembly requested", "trialID", trialID)
	return nil
}
