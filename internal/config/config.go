package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultMunicipalLayerURL is the public eThekwini municipal boundary layer.
const DefaultMunicipalLayerURL = "https://services3.arcgis.com/HO0zfySJshlD6Twu/arcgis/rest/services/eThekwini_Municipal_Boundary/FeatureServer/0"

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Data       DataConfig       `yaml:"data" mapstructure:"data"`
	Geocoder   GeocoderConfig   `yaml:"geocoder" mapstructure:"geocoder"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Admin      AdminConfig      `yaml:"admin" mapstructure:"admin"`
	ArcGIS     ArcGISConfig     `yaml:"arcgis" mapstructure:"arcgis"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the audit log database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DataConfig locates the boundary dataset folders.
type DataConfig struct {
	Dir               string `yaml:"dir" mapstructure:"dir"`
	MunicipalitiesDir string `yaml:"municipalities_dir" mapstructure:"municipalities_dir"`
	NSCRegionsDir     string `yaml:"nsc_regions_dir" mapstructure:"nsc_regions_dir"`
	MPRRegionsDir     string `yaml:"mpr_regions_dir" mapstructure:"mpr_regions_dir"`
	CustomRegionsDir  string `yaml:"custom_regions_dir" mapstructure:"custom_regions_dir"`
}

// GeocoderConfig configures address geocoding.
type GeocoderConfig struct {
	AllowNominatim bool    `yaml:"allow_nominatim" mapstructure:"allow_nominatim"`
	NominatimURL   string  `yaml:"nominatim_url" mapstructure:"nominatim_url"`
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimit      float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	GoogleKey      string  `yaml:"google_key" mapstructure:"google_key"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BatchSize      int     `yaml:"batch_concurrency" mapstructure:"batch_concurrency"`
}

// Enabled reports whether any geocoding provider is configured.
func (g GeocoderConfig) Enabled() bool {
	return g.AllowNominatim || g.GoogleKey != ""
}

// CacheConfig configures the geocode result cache.
type CacheConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	RedisURL   string `yaml:"redis_url" mapstructure:"redis_url"`
	TTLHours   int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
}

// AdminConfig guards the dataset refresh endpoint. An empty token disables it.
type AdminConfig struct {
	Token string `yaml:"token" mapstructure:"token"`
}

// ArcGISConfig holds the ArcGIS REST layers used to refresh datasets.
type ArcGISConfig struct {
	MunicipalLayerURL string `yaml:"municipal_layer_url" mapstructure:"municipal_layer_url"`
	NSCLayerURL       string `yaml:"nsc_layer_url" mapstructure:"nsc_layer_url"`
	MPRLayerURL       string `yaml:"mpr_layer_url" mapstructure:"mpr_layer_url"`
	PageSize          int    `yaml:"page_size" mapstructure:"page_size"`
	TimeoutSecs       int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures check-health alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// legacyEnv maps config keys to the flat variable names used by earlier deployments.
var legacyEnv = map[string]string{
	"store.database_url":         "MAC_SQLITE_PATH",
	"geocoder.allow_nominatim":   "MAC_ALLOW_NOMINATIM",
	"data.dir":                   "MAC_DATA_DIR",
	"admin.token":                "MAC_ADMIN_TOKEN",
	"arcgis.municipal_layer_url": "MAC_ETHEKWINI_MUNICIPAL_LAYER_URL",
	"arcgis.nsc_layer_url":       "MAC_ETHEKWINI_NSC_LAYER_URL",
	"arcgis.mpr_layer_url":       "MAC_ETHEKWINI_MPR_LAYER_URL",
	"arcgis.timeout_secs":        "MAC_REQUEST_TIMEOUT_S",
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MAC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		canonical := "MAC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, canonical, legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", legacy)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "municipality_check.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("data.dir", "data")
	v.SetDefault("data.municipalities_dir", "")
	v.SetDefault("data.nsc_regions_dir", "")
	v.SetDefault("data.mpr_regions_dir", "")
	v.SetDefault("data.custom_regions_dir", "")
	v.SetDefault("geocoder.allow_nominatim", false)
	v.SetDefault("geocoder.nominatim_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocoder.user_agent", "municipality-address-check/1.0")
	v.SetDefault("geocoder.rate_limit", 1.0)
	v.SetDefault("geocoder.google_key", "")
	v.SetDefault("geocoder.timeout_secs", 20)
	v.SetDefault("geocoder.max_attempts", 3)
	v.SetDefault("geocoder.batch_concurrency", 4)
	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl_hours", 168)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("admin.token", "")
	v.SetDefault("arcgis.municipal_layer_url", DefaultMunicipalLayerURL)
	v.SetDefault("arcgis.nsc_layer_url", "")
	v.SetDefault("arcgis.mpr_layer_url", "")
	v.SetDefault("arcgis.page_size", 2000)
	v.SetDefault("arcgis.timeout_secs", 60)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.webhook_url", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Data.resolve()

	return &cfg, nil
}

// resolve fills unset layer folders from the data root.
func (d *DataConfig) resolve() {
	if d.Dir == "" {
		d.Dir = "data"
	}
	if d.MunicipalitiesDir == "" {
		d.MunicipalitiesDir = filepath.Join(d.Dir, "municipalities")
	}
	if d.NSCRegionsDir == "" {
		d.NSCRegionsDir = filepath.Join(d.Dir, "nsc_regions")
	}
	if d.MPRRegionsDir == "" {
		d.MPRRegionsDir = filepath.Join(d.Dir, "mpr_regions")
	}
	if d.CustomRegionsDir == "" {
		d.CustomRegionsDir = filepath.Join(d.Dir, "custom_regions")
	}
}

// Validate checks the settings a command mode depends on.
// Modes: "serve", "check", "datasets", "store".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateGeocoder()...)
		errs = append(errs, c.validateCache()...)
		if c.Monitoring.Enabled && (c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1) {
			errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
	case "check":
		errs = append(errs, c.validateGeocoder()...)
		errs = append(errs, c.validateCache()...)
	case "datasets":
		if c.ArcGIS.PageSize <= 0 {
			errs = append(errs, "arcgis.page_size must be > 0")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateGeocoder() []string {
	var errs []string
	if c.Geocoder.AllowNominatim && c.Geocoder.RateLimit <= 0 {
		errs = append(errs, "geocoder.rate_limit must be > 0")
	}
	if c.Geocoder.AllowNominatim && c.Geocoder.UserAgent == "" {
		errs = append(errs, "geocoder.user_agent is required by the Nominatim usage policy")
	}
	return errs
}

func (c *Config) validateCache() []string {
	switch c.Cache.Driver {
	case "memory", "none":
		return nil
	case "redis":
		if c.Cache.RedisURL == "" {
			return []string{"cache.redis_url is required when cache.driver is redis"}
		}
		return nil
	default:
		return []string{"cache.driver must be memory, redis or none"}
	}
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Admin.Token = mask(c.Admin.Token)
	c.Geocoder.GoogleKey = mask(c.Geocoder.GoogleKey)
	if c.Store.Driver == "postgres" {
		c.Store.DatabaseURL = mask(c.Store.DatabaseURL)
	}
	c.Cache.RedisURL = mask(c.Cache.RedisURL)
	c.Monitoring.WebhookURL = mask(c.Monitoring.WebhookURL)
	return c
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
