// Package config loads and validates application configuration from YAML files
// with .env and environment-variable overrides. It provides typed structs for
// every subsystem of the ingestion service (Source, Pipeline, Dedup, Normalize,
// Translation, Store, Postgres, Kafka, Redis, etc.).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Retry       RetryConfig       `yaml:"retry"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Normalize   NormalizeConfig   `yaml:"normalize"`
	Translation TranslationConfig `yaml:"translation"`
	Retention   RetentionConfig   `yaml:"retention"`
	Report      ReportConfig      `yaml:"report"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Store       StoreConfig       `yaml:"store"`
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// SourceConfig describes the upstream listing API and the filters sent with
// every page request.
type SourceConfig struct {
	Name                      string            `yaml:"name"`
	ListURL                   string            `yaml:"listUrl"`
	DetailURL                 string            `yaml:"detailUrl"`
	Locale                    string            `yaml:"locale"`
	PageSize                  int               `yaml:"pageSize"`
	CurrencyID                int               `yaml:"currencyId"`
	DealTypes                 []int             `yaml:"dealTypes"`
	PropertyTypes             []int             `yaml:"propertyTypes"`
	Headers                   map[string]string `yaml:"headers"`
	UserAgents                []string          `yaml:"userAgents"`
	UserAgentRotation         float64           `yaml:"userAgentRotation"`
	Timeout                   time.Duration     `yaml:"timeout"`
	MaxPages                  int               `yaml:"maxPages"`
	MaxRecords                int               `yaml:"maxRecords"`
	StartPage                 int               `yaml:"startPage"`
	MaxConsecutiveEmptyPages  int               `yaml:"maxConsecutiveEmptyPages"`
	MaxConsecutiveFailedPages int               `yaml:"maxConsecutiveFailedPages"`
	ShortPageRatio            float64           `yaml:"shortPageRatio"`
}

// RetryConfig is the single backoff policy shared by listing and detail
// fetches. Delay before attempt n+1 is BaseDelay * Multiplier^(n-1).
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// RateLimitConfig bounds upstream requests per rolling minute.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	Window            time.Duration `yaml:"window"`
}

// PipelineConfig holds orchestrator knobs.
type PipelineConfig struct {
	Workers         int    `yaml:"workers"`
	BatchSize       int    `yaml:"batchSize"`
	Enrichment      string `yaml:"enrichment"`
	EnableDedup     bool   `yaml:"enableDedup"`
	OwnerPriority   bool   `yaml:"ownerPriority"`
	InvalidateCache bool   `yaml:"invalidateCache"`
}

// Enrichment modes.
const (
	EnrichmentOff    = "off"
	EnrichmentInline = "inline"
	EnrichmentAsync  = "async"
)

// DedupConfig controls duplicate matching.
type DedupConfig struct {
	CoordinateTolerance float64           `yaml:"coordinateTolerance"`
	AddressThreshold    float64           `yaml:"addressThreshold"`
	AddressSynonyms     map[string]string `yaml:"addressSynonyms"`
}

// Bounds is an inclusive latitude/longitude box.
type Bounds struct {
	MinLat float64 `yaml:"minLat"`
	MaxLat float64 `yaml:"maxLat"`
	MinLng float64 `yaml:"minLng"`
	MaxLng float64 `yaml:"maxLng"`
}

// Contains reports whether the point lies inside the box.
func (b Bounds) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// NormalizeConfig holds the lookup tables used to map source codes onto the
// canonical schema. The currency map is keyed by the source's numeric code and
// must be verified against the live API.
type NormalizeConfig struct {
	Currencies          map[string]string  `yaml:"currencies"`
	CurrencyPreference  []string           `yaml:"currencyPreference"`
	PrimaryCurrency     string             `yaml:"primaryCurrency"`
	SecondaryCurrency   string             `yaml:"secondaryCurrency"`
	ExchangeRates       map[string]float64 `yaml:"exchangeRates"`
	PropertyTypes       map[int]string     `yaml:"propertyTypes"`
	DealTypes           map[int]string     `yaml:"dealTypes"`
	DefaultPropertyType string             `yaml:"defaultPropertyType"`
	DefaultDealType     string             `yaml:"defaultDealType"`
	DefaultCity         string             `yaml:"defaultCity"`
	DefaultBedrooms     int                `yaml:"defaultBedrooms"`
	CoordinateBounds    Bounds             `yaml:"coordinateBounds"`
}

// TranslationConfig controls the enrichment pass.
type TranslationConfig struct {
	DefaultLanguage  string        `yaml:"defaultLanguage"`
	Languages        []string      `yaml:"languages"`
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// SecondaryLanguages returns the configured languages other than the default.
func (t TranslationConfig) SecondaryLanguages() []string {
	out := make([]string, 0, len(t.Languages))
	for _, lang := range t.Languages {
		if lang != t.DefaultLanguage {
			out = append(out, lang)
		}
	}
	return out
}

// RetentionConfig controls stale-listing cleanup.
type RetentionConfig struct {
	Days            int  `yaml:"days"`
	CleanupAfterRun bool `yaml:"cleanupAfterRun"`
}

// ReportConfig selects report sinks.
type ReportConfig struct {
	Dir      string `yaml:"dir"`
	Format   string `yaml:"format"`
	Kafka    bool   `yaml:"kafka"`
	Postgres bool   `yaml:"postgres"`
}

// ScheduleConfig controls repeated runs. A zero interval runs once.
type ScheduleConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlitePath"`
}

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// ServerConfig holds operator HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	ListingsPersisted string `yaml:"listingsPersisted"`
	Reports           string `yaml:"reports"`
}

// RedisConfig holds Redis connection, run-lock and cache-invalidation settings.
type RedisConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"poolSize"`
	LockTTL       time.Duration `yaml:"lockTTL"`
	CachePatterns []string      `yaml:"cachePatterns"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided), loads a .env file when one
// exists, and applies environment-variable overrides. The result is validated
// before it is returned.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Name:          "myhome.ge",
			ListURL:       "https://api-statements.tnet.ge/v1/statements",
			DetailURL:     "https://api-statements.tnet.ge/v1/statements",
			Locale:        "ka",
			PageSize:      1000,
			CurrencyID:    1,
			DealTypes:     []int{1, 2, 3, 4, 7},
			PropertyTypes: []int{1, 2, 3, 4, 5, 6},
			Headers: map[string]string{
				"accept":          "application/json, text/plain, */*",
				"accept-language": "ka-GE,ka;q=0.9,en;q=0.8,ru;q=0.7",
				"origin":          "https://www.myhome.ge",
				"referer":         "https://www.myhome.ge/",
				"x-website-key":   "myhome",
			},
			UserAgents: []string{
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
				"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
			},
			UserAgentRotation:         0.1,
			Timeout:                   30 * time.Second,
			StartPage:                 1,
			MaxConsecutiveEmptyPages:  3,
			MaxConsecutiveFailedPages: 3,
			ShortPageRatio:            0.1,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Window:            time.Minute,
		},
		Pipeline: PipelineConfig{
			Workers:         4,
			BatchSize:       50,
			Enrichment:      EnrichmentOff,
			EnableDedup:     true,
			OwnerPriority:   true,
			InvalidateCache: true,
		},
		Dedup: DedupConfig{
			CoordinateTolerance: 1e-4,
			AddressThreshold:    0.85,
			AddressSynonyms: map[string]string{
				"street":    "str",
				"avenue":    "ave",
				"boulevard": "blvd",
				"квартира":  "кв",
				"apartment": "apt",
			},
		},
		Normalize: NormalizeConfig{
			Currencies:         map[string]string{"1": "GEL", "2": "USD", "3": "EUR"},
			CurrencyPreference: []string{"GEL", "USD", "EUR"},
			PrimaryCurrency:    "GEL",
			SecondaryCurrency:  "USD",
			ExchangeRates:      map[string]float64{"USD": 2.7, "EUR": 2.95},
			PropertyTypes: map[int]string{
				1: "apartment",
				2: "house",
				3: "commercial",
				4: "country_house",
				5: "land_plot",
				6: "hotel",
			},
			DealTypes: map[int]string{
				1: "sale",
				2: "rent",
				3: "lease",
				4: "mortgage",
				7: "daily",
			},
			DefaultPropertyType: "apartment",
			DefaultDealType:     "rent",
			DefaultCity:         "Tbilisi",
			DefaultBedrooms:     1,
			CoordinateBounds: Bounds{
				MinLat: 40.0,
				MaxLat: 43.6,
				MinLng: 39.8,
				MaxLng: 46.7,
			},
		},
		Translation: TranslationConfig{
			DefaultLanguage:  "ka",
			Languages:        []string{"ka", "en", "ru"},
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
		},
		Retention: RetentionConfig{
			Days:            30,
			CleanupAfterRun: true,
		},
		Report: ReportConfig{
			Dir:    "reports",
			Format: "json",
		},
		Store: StoreConfig{
			Driver:     DriverPostgres,
			SQLitePath: "listings.db",
		},
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "realestate",
			User:            "realestate",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "listing-enricher",
			Topics: KafkaTopics{
				ListingsPersisted: "listings.persisted",
				Reports:           "ingestion.reports",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			LockTTL:  2 * time.Minute,
			CachePatterns: []string{
				"property_search:*",
				"property_count:*",
				"featured_properties:*",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads RE_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RE_SOURCE_LIST_URL"); v != "" {
		cfg.Source.ListURL = v
	}
	if v := os.Getenv("RE_SOURCE_DETAIL_URL"); v != "" {
		cfg.Source.DetailURL = v
	}
	if v := os.Getenv("RE_SOURCE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Source.PageSize = n
		}
	}
	if v := os.Getenv("RE_SOURCE_MAX_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Source.MaxPages = n
		}
	}
	if v := os.Getenv("RE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("RE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("RE_PIPELINE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.BatchSize = n
		}
	}
	if v := os.Getenv("RE_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("RE_PIPELINE_ENRICHMENT"); v != "" {
		cfg.Pipeline.Enrichment = v
	}
	if v := os.Getenv("RE_PIPELINE_OWNER_PRIORITY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pipeline.OwnerPriority = b
		}
	}
	if v := os.Getenv("RE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.Days = n
		}
	}
	if v := os.Getenv("RE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("RE_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("RE_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("RE_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("RE_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("RE_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("RE_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("RE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RE_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RE_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
