package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/api"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/journey"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/lockfile"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/messaging"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/twiliosms"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/util"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for journeyd state data
	DefaultStateDir = "/var/lib/journeyd"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "journeyd.db"
	// DefaultGateway is the outbound channel used when GATEWAY is unset
	DefaultGateway = "twilio"
)

// Supported gateways.
const (
	gatewayTwilio   = "twilio"
	gatewayWhatsApp = "whatsapp"
	gatewayMock     = "mock"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	loc, err := loadLocation(*flags.timezone)
	if err != nil {
		slog.Error("Invalid timezone", "timezone", *flags.timezone, "error", err)
		os.Exit(1)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One process per state directory runs the periodic passes.
	lock, err := lockfile.Acquire(*flags.stateDir, *flags.apiAddr)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(config, flags, loc); err != nil {
		slog.Error("journeyd failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("journeyd exited successfully")
}

func run(config Config, flags Flags, loc *time.Location) error {
	ctx := context.Background()

	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_type", store.DetectDSNType(*flags.dbDSN),
		"gateway", *flags.gateway, "api_addr", *flags.apiAddr, "timezone", loc.String(), "cron", *flags.enableCron)

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	seeded, err := journey.SeedTemplates(ctx, st, *flags.updateTemplates)
	if err != nil {
		return fmt.Errorf("seed templates: %w", err)
	}
	slog.Debug("Templates seeded", "created", seeded.Created, "updated", seeded.Updated)

	gateway, err := buildGateway(ctx, config, flags)
	if err != nil {
		return fmt.Errorf("build %s gateway: %w", *flags.gateway, err)
	}

	if config.CronSecret == "" {
		slog.Warn("CRON_SECRET not set, trigger endpoints will reject every request")
		if config.StaffSecret == "" {
			slog.Warn("STAFF_API_SECRET not set either, staff endpoints will reject every request")
		}
	}
	apiOpts := buildAPIOptions(config, flags, loc)
	slog.Info("Bootstrapping journeyd", "gateway", gateway.Channel(), "api_options", len(apiOpts))
	srv := api.NewServer(st, gateway, clock.System(loc), apiOpts...)
	return srv.Run(ctx)
}

// Config holds environment configuration
type Config struct {
	DatabaseURL  string
	StateDir     string
	CronSecret   string
	StaffSecret  string
	Gateway      string
	TwilioSID    string
	TwilioToken  string
	TwilioFrom   string
	WhatsAppDSN  string
	APIAddr      string
	Timezone     string
	EnableCron   bool
	StaffPhone   string
	ClinicPhone  string
	FrontDesk    string
	Concurrency  int
	NotifyWindow time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	gateway         *string
	whatsAppDSN     *string
	qrOutput        *string
	numeric         *bool
	apiAddr         *string
	timezone        *string
	enableCron      *bool
	updateTemplates *bool
	concurrency     *int
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
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("JOURNEY_STATE_DIR"),
		CronSecret:  os.Getenv("CRON_SECRET"),
		StaffSecret: os.Getenv("STAFF_API_SECRET"),
		Gateway:     strings.ToLower(os.Getenv("GATEWAY")),
		TwilioSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:  os.Getenv("TWILIO_PHONE_NUMBER"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:     os.Getenv("API_ADDR"),
		Timezone:    os.Getenv("TIMEZONE"),
		StaffPhone:  os.Getenv("STAFF_PHONE"),
		ClinicPhone: os.Getenv("CLINIC_PHONE"),
		FrontDesk:   os.Getenv("FRONT_DESK_PHONE"),
	}
	config.EnableCron = util.ParseBoolEnv("ENABLE_CRON", false)
	config.Concurrency = util.ParseIntEnv("JOURNEY_CONCURRENCY", 1)
	config.NotifyWindow = util.ParseDurationEnv("NOTIFICATION_WINDOW", 0)

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No JOURNEY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Gateway == "" {
		config.Gateway = DefaultGateway
	}
	if config.Timezone == "" {
		config.Timezone = clock.DefaultTimezone
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, whatsapp.DefaultDBFile)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"JOURNEY_STATE_DIR", config.StateDir,
		"CRON_SECRET_SET", config.CronSecret != "",
		"STAFF_API_SECRET_SET", config.StaffSecret != "",
		"GATEWAY", config.Gateway,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"API_ADDR", config.APIAddr,
		"TIMEZONE", config.Timezone,
		"ENABLE_CRON", config.EnableCron,
		"STAFF_PHONE_SET", config.StaffPhone != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for journeyd data (overrides $JOURNEY_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "Postgres URL or SQLite path (overrides $DATABASE_URL)"),
		gateway:         flag.String("gateway", config.Gateway, "outbound gateway: twilio, whatsapp or mock (overrides $GATEWAY)"),
		whatsAppDSN:     flag.String("whatsapp-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:        flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:         flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		timezone:        flag.String("timezone", config.Timezone, "clinic IANA timezone (overrides $TIMEZONE)"),
		enableCron:      flag.Bool("enable-cron", config.EnableCron, "run periodic passes in-process (overrides $ENABLE_CRON)"),
		updateTemplates: flag.Bool("update-templates", false, "overwrite stored default templates with the built-in ones"),
		concurrency:     flag.Int("concurrency", config.Concurrency, "protocols evaluated in parallel (overrides $JOURNEY_CONCURRENCY)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"gateway", *flags.gateway,
		"apiAddr", *flags.apiAddr,
		"timezone", *flags.timezone,
		"enableCron", *flags.enableCron,
		"updateTemplates", *flags.updateTemplates)

	// Follow an overridden state directory when the DSNs were defaulted into the old one.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		if *flags.whatsAppDSN == filepath.Join(config.StateDir, whatsapp.DefaultDBFile) {
			*flags.whatsAppDSN = filepath.Join(*flags.stateDir, whatsapp.DefaultDBFile)
		}
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// ensureDirectoriesExist creates the directory of a file-based database.
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating directory for SQLite database", "dir", dir)
	return os.MkdirAll(dir, 0755)
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsAppDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsAppDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(config Config) []twiliosms.Option {
	var opts []twiliosms.Option
	if config.TwilioSID != "" {
		opts = append(opts, twiliosms.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		opts = append(opts, twiliosms.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		opts = append(opts, twiliosms.WithFromNumber(config.TwilioFrom))
	}
	return opts
}

// buildGateway connects the configured outbound channel.
func buildGateway(ctx context.Context, config Config, flags Flags) (messaging.Service, error) {
	switch strings.ToLower(*flags.gateway) {
	case gatewayTwilio:
		client, err := twiliosms.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	case gatewayWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	case gatewayMock:
		slog.Warn("Using mock gateway, messages are not delivered")
		return messaging.NewMockService(), nil
	default:
		return nil, fmt.Errorf("unknown gateway %q", *flags.gateway)
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags, loc *time.Location) []api.Option {
	apiOpts := []api.Option{
		api.WithLocation(loc),
		api.WithCronSecret(config.CronSecret),
		api.WithEnableCron(*flags.enableCron),
		api.WithConcurrency(*flags.concurrency),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.StaffSecret != "" {
		apiOpts = append(apiOpts, api.WithStaffSecret(config.StaffSecret))
	}
	if config.StaffPhone != "" {
		apiOpts = append(apiOpts, api.WithStaffPhone(config.StaffPhone))
	}
	if config.ClinicPhone != "" {
		apiOpts = append(apiOpts, api.WithClinicPhone(config.ClinicPhone))
	}
	if config.FrontDesk != "" {
		apiOpts = append(apiOpts, api.WithFrontDeskPhone(config.FrontDesk))
	}
	if config.NotifyWindow > 0 {
		apiOpts = append(apiOpts, api.WithNotificationWindow(config.NotifyWindow))
	}
	return apiOpts
}
