package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "KIOSK"

// Config represents the complete kiosk configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
	Paths        PathsConfig        `yaml:"paths" envconfig:"PATHS"`
	Identity     IdentityConfig     `yaml:"identity" envconfig:"IDENTITY"`
	Ledger       LedgerConfig       `yaml:"ledger" envconfig:"LEDGER"`
	Cycle        CycleConfig        `yaml:"cycle" envconfig:"CYCLE"`
	Sync         SyncConfig         `yaml:"sync" envconfig:"SYNC"`
	Connectivity ConnectivityConfig `yaml:"connectivity" envconfig:"CONNECTIVITY"`
	MQTT         MQTTConfig         `yaml:"mqtt" envconfig:"MQTT"`
	Redis        RedisConfig        `yaml:"redis" envconfig:"REDIS"`
	Sheets       SheetsConfig       `yaml:"sheets" envconfig:"SHEETS"`
	Admin        AdminConfig        `yaml:"admin" envconfig:"ADMIN"`
	Payment      PaymentConfig      `yaml:"payment" envconfig:"PAYMENT"`
	WebSocket    WebSocketConfig    `yaml:"websocket" envconfig:"WEBSOCKET"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	// TrustProxy applies X-Forwarded-For and X-Real-IP. Leave off unless a
	// reverse proxy sits in front of the kiosk.
	TrustProxy bool `yaml:"trust_proxy" envconfig:"TRUST_PROXY" default:"false"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"both" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/kiosk.log"`
}

// PathsConfig contains file system locations
type PathsConfig struct {
	DataDir      string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data" validate:"required"`
	DatabaseFile string `yaml:"database_file" envconfig:"DATABASE_FILE" default:"kiosk.db"`
	CookieFile   string `yaml:"cookie_file" envconfig:"COOKIE_FILE" default:"device.cookie"`
}

// IdentityConfig tunes device identification and suspicion scoring
type IdentityConfig struct {
	SimilarityThreshold float64       `yaml:"similarity_threshold" envconfig:"SIMILARITY_THRESHOLD" default:"0.8" validate:"gt=0,lte=1"`
	SuspicionThreshold  int           `yaml:"suspicion_threshold" envconfig:"SUSPICION_THRESHOLD" default:"3" validate:"min=1"`
	MaxOrigins          int           `yaml:"max_origins" envconfig:"MAX_ORIGINS" default:"5" validate:"min=1"`
	CookieTTL           time.Duration `yaml:"cookie_ttl" envconfig:"COOKIE_TTL" default:"8760h"`
	RefreshInterval     time.Duration `yaml:"refresh_interval" envconfig:"REFRESH_INTERVAL" default:"30m"`
	SealSecret          string        `yaml:"seal_secret" envconfig:"SEAL_SECRET" default:"clean-helmet-kiosk"`
	DisplayID           string        `yaml:"display_id" envconfig:"DISPLAY_ID" default:"1080x1920x24"`
	Plugins             []string      `yaml:"plugins" envconfig:"PLUGINS"`
}

// LedgerConfig holds the free-cycle entitlement limits
type LedgerConfig struct {
	DailyQuota     int           `yaml:"daily_quota" envconfig:"DAILY_QUOTA" default:"1" validate:"min=0"`
	GlobalDailyCap int           `yaml:"global_daily_cap" envconfig:"GLOBAL_DAILY_CAP" default:"50" validate:"min=0"`
	Cooldown       time.Duration `yaml:"cooldown" envconfig:"COOLDOWN" default:"5m"`
	TimeZone       string        `yaml:"time_zone" envconfig:"TIME_ZONE" default:"America/Sao_Paulo"`
}

// StepConfig describes one disinfection step
type StepConfig struct {
	Name     string        `yaml:"name" validate:"required"`
	Duration time.Duration `yaml:"duration" validate:"gt=0"`
}

// CycleConfig configures the disinfection program
type CycleConfig struct {
	Steps        []StepConfig  `yaml:"steps" ignored:"true" validate:"dive"`
	TickInterval time.Duration `yaml:"tick_interval" envconfig:"TICK_INTERVAL" default:"1s" validate:"gt=0"`
	SettleDelay  time.Duration `yaml:"settle_delay" envconfig:"SETTLE_DELAY" default:"500ms"`
}

// SyncConfig configures the store-and-forward queue
type SyncConfig struct {
	MaxRetries int           `yaml:"max_retries" envconfig:"MAX_RETRIES" default:"3" validate:"min=1"`
	MaxItems   int           `yaml:"max_items" envconfig:"MAX_ITEMS" default:"100" validate:"min=1"`
	ItemPause  time.Duration `yaml:"item_pause" envconfig:"ITEM_PAUSE" default:"100ms"`
}

// ConnectivityConfig configures the online/offline probe
type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url" envconfig:"PROBE_URL" default:"https://www.google.com/generate_204"`
	ProbeInterval time.Duration `yaml:"probe_interval" envconfig:"PROBE_INTERVAL" default:"5s"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT" default:"3s"`
}

// MQTTConfig describes the hardware controller link
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	Broker      string        `yaml:"broker" envconfig:"BROKER" default:"tcp://127.0.0.1:1883"`
	ClientID    string        `yaml:"client_id" envconfig:"CLIENT_ID" default:"clean-helmet-kiosk"`
	Username    string        `yaml:"username" envconfig:"USERNAME"`
	Password    string        `yaml:"password" envconfig:"PASSWORD"`
	TopicPrefix string        `yaml:"topic_prefix" envconfig:"TOPIC_PREFIX" default:"cleanhelmet"`
	Codec       string        `yaml:"codec" envconfig:"CODEC" default:"json" validate:"oneof=json cbor"`
	QoS         byte          `yaml:"qos" envconfig:"QOS" default:"1" validate:"max=2"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"5s"`
}

// RedisConfig describes the remote real-time store
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	Addr     string `yaml:"addr" envconfig:"ADDR" default:"127.0.0.1:6379"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB" default:"0"`
	Stream   string `yaml:"stream" envconfig:"STREAM" default:"cleanhelmet:events"`
	KioskID  string `yaml:"kiosk_id" envconfig:"KIOSK_ID" default:"kiosk-01"`
}

// SheetsConfig describes the optional usage report spreadsheet
type SheetsConfig struct {
	Enabled         bool   `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	SpreadsheetID   string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName       string `yaml:"sheet_name" envconfig:"SHEET_NAME" default:"Usage"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
}

// AdminConfig protects the operator surface
type AdminConfig struct {
	JWTSecret string  `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	Issuer    string  `yaml:"issuer" envconfig:"ISSUER" default:"clean-helmet"`
	RPS       float64 `yaml:"rps" envconfig:"RPS" default:"5"`
	Burst     int     `yaml:"burst" envconfig:"BURST" default:"10"`
}

// PaymentConfig holds per-method payment deadlines
type PaymentConfig struct {
	PixTimeout  time.Duration `yaml:"pix_timeout" envconfig:"PIX_TIMEOUT" default:"5m"`
	CardTimeout time.Duration `yaml:"card_timeout" envconfig:"CARD_TIMEOUT" default:"2m"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" default:"30s"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
}

// TelemetryConfig toggles OpenTelemetry exporters
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none" validate:"oneof=stdout none"`
	MetricExporter string `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus" validate:"oneof=prometheus none"`
}

// Load reads .env, the environment and an optional YAML file.
// Values from the file win over env defaults only where the environment
// left a field at its default.
func Load(configFile string) (*Config, error) {
	// A missing .env is normal on the kiosk image.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if len(cfg.Cycle.Steps) == 0 {
		cfg.Cycle.Steps = DefaultSteps()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeConfigs overlays file values onto env-derived values for the fields
// operators usually set in the file.
func mergeConfigs(fileConfig, envConfig Config) Config {
	if len(fileConfig.Cycle.Steps) > 0 {
		envConfig.Cycle.Steps = fileConfig.Cycle.Steps
	}
	if fileConfig.Server.Port != 0 && os.Getenv(EnvPrefix+"_SERVER_PORT") == "" {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if fileConfig.Paths.DataDir != "" && os.Getenv(EnvPrefix+"_PATHS_DATA_DIR") == "" {
		envConfig.Paths.DataDir = fileConfig.Paths.DataDir
	}
	if fileConfig.Ledger.DailyQuota != 0 && os.Getenv(EnvPrefix+"_LEDGER_DAILY_QUOTA") == "" {
		envConfig.Ledger.DailyQuota = fileConfig.Ledger.DailyQuota
	}
	if fileConfig.Ledger.GlobalDailyCap != 0 && os.Getenv(EnvPrefix+"_LEDGER_GLOBAL_DAILY_CAP") == "" {
		envConfig.Ledger.GlobalDailyCap = fileConfig.Ledger.GlobalDailyCap
	}
	if fileConfig.Server.TrustProxy {
		envConfig.Server.TrustProxy = true
	}
	if fileConfig.MQTT.Enabled {
		envConfig.MQTT = fileConfig.MQTT
	}
	if fileConfig.Redis.Enabled {
		envConfig.Redis = fileConfig.Redis
	}
	if fileConfig.Sheets.Enabled {
		envConfig.Sheets = fileConfig.Sheets
	}
	if fileConfig.Admin.JWTSecret != "" && envConfig.Admin.JWTSecret == "" {
		envConfig.Admin.JWTSecret = fileConfig.Admin.JWTSecret
	}
	return envConfig
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Ledger.TimeZone); err != nil {
		return fmt.Errorf("invalid ledger time zone %q: %w", c.Ledger.TimeZone, err)
	}
	if c.Sheets.Enabled && c.Sheets.SpreadsheetID == "" {
		return fmt.Errorf("sheets enabled without spreadsheet id")
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/kiosk.log"
	}
	return nil
}

// DatabasePath returns the absolute location of the local database file.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Paths.DatabaseFile) {
		return c.Paths.DatabaseFile
	}
	return filepath.Join(c.Paths.DataDir, c.Paths.DatabaseFile)
}

// CookiePath returns the location of the long-lived identity cookie.
func (c *Config) CookiePath() string {
	if filepath.IsAbs(c.Paths.CookieFile) {
		return c.Paths.CookieFile
	}
	return filepath.Join(c.Paths.DataDir, c.Paths.CookieFile)
}

// Location returns the time zone the ledger uses for calendar days.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Ledger.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

func findConfigFile() string {
	locations := []string{
		"kiosk.yaml",
		"configs/kiosk.yaml",
		"/etc/cleanhelmet/kiosk.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// DefaultSteps is the standard four-step disinfection program.
func DefaultSteps() []StepConfig {
	return []StepConfig{
		{Name: "Oxi-Sanitização", Duration: 120 * time.Second},
		{Name: "Neutralização", Duration: 30 * time.Second},
		{Name: "UV Germicida", Duration: 90 * time.Second},
		{Name: "Desodorização", Duration: 60 * time.Second},
	}
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "both",
			FilePath: "logs/kiosk.log",
		},
		Paths: PathsConfig{
			DataDir:      "data",
			DatabaseFile: "kiosk.db",
			CookieFile:   "device.cookie",
		},
		Identity: IdentityConfig{
			SimilarityThreshold: 0.8,
			SuspicionThreshold:  3,
			MaxOrigins:          5,
			CookieTTL:           365 * 24 * time.Hour,
			RefreshInterval:     30 * time.Minute,
			SealSecret:          "clean-helmet-kiosk",
			DisplayID:           "1080x1920x24",
		},
		Ledger: LedgerConfig{
			DailyQuota:     1,
			GlobalDailyCap: 50,
			Cooldown:       5 * time.Minute,
			TimeZone:       "UTC",
		},
		Cycle: CycleConfig{
			Steps:        DefaultSteps(),
			TickInterval: time.Second,
			SettleDelay:  500 * time.Millisecond,
		},
		Sync: SyncConfig{
			MaxRetries: 3,
			MaxItems:   100,
			ItemPause:  100 * time.Millisecond,
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:      "https://www.google.com/generate_204",
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://127.0.0.1:1883",
			ClientID:    "clean-helmet-kiosk",
			TopicPrefix: "cleanhelmet",
			Codec:       "json",
			QoS:         1,
			Timeout:     5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:    "127.0.0.1:6379",
			Stream:  "cleanhelmet:events",
			KioskID: "kiosk-01",
		},
		Sheets: SheetsConfig{
			SheetName: "Usage",
		},
		Admin: AdminConfig{
			Issuer: "clean-helmet",
			RPS:    5,
			Burst:  10,
		},
		Payment: PaymentConfig{
			PixTimeout:  5 * time.Minute,
			CardTimeout: 2 * time.Minute,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
	}
}
