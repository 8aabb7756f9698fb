// Package config loads and validates the gateway configuration from a YAML
// file, environment variable overrides, and startup arguments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default config-directory paths for the TLS material.
const (
	DefaultTLSCertFile = "/etc/ordergate/domain.cert.pem"
	DefaultTLSKeyFile  = "/etc/ordergate/private.key.pem"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the gateway. It is built once
// at startup and passed by reference; nothing mutates it afterwards.
type Config struct {
	Server   Server   `yaml:"server"`
	Broker   Broker   `yaml:"broker"`
	IBKR     IBKR     `yaml:"ibkr"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Geofence Geofence `yaml:"geofence"`
	Logging  Logging  `yaml:"logging"`
}

// Server holds the HTTPS listener configuration and the shared secret
// inbound callers must present.
type Server struct {
	Port            int    `yaml:"port"`
	GatewayPassword string `yaml:"gateway_password"`
	TLSCertFile     string `yaml:"tls_cert_file"`
	TLSKeyFile      string `yaml:"tls_key_file"`
}

// Broker selects and parameterises the brokerage execution backend.
type Broker struct {
	Kind           string `yaml:"kind"` // "ibkr", "alpaca" or "simulator"
	Account        string `yaml:"account"`
	ClientID       int    `yaml:"client_id"`
	ClientIDRandom bool   `yaml:"client_id_random"`
	OrderCurrency  string `yaml:"order_currency"`
}

// IBKR holds the address of the local IB client-portal gateway.
type IBKR struct {
	APIAddr string `yaml:"api_addr"`
	APIPort int    `yaml:"api_port"`
}

// Alpaca holds credentials and endpoint for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Geofence configures the caller-location gate.
type Geofence struct {
	DBPath       string `yaml:"db_path"`
	AllowCountry string `yaml:"allow_country"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path (if it exists),
// applies defaults, environment variable overrides, and the
// gateway-password startup argument, then validates the result. A missing
// file is not an error: the gateway can run from environment alone.
func Load(path string, args []string) (*Config, error) {
	// Best effort: a .env file in the working directory seeds the
	// environment before overrides are read.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	applyArgs(cfg, args)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.TLSCertFile == "" {
		cfg.Server.TLSCertFile = DefaultTLSCertFile
	}
	if cfg.Server.TLSKeyFile == "" {
		cfg.Server.TLSKeyFile = DefaultTLSKeyFile
	}
	if cfg.Broker.Kind == "" {
		cfg.Broker.Kind = "ibkr"
	}
	if cfg.Broker.OrderCurrency == "" {
		cfg.Broker.OrderCurrency = "USD"
	}
	if cfg.IBKR.APIAddr == "" {
		cfg.IBKR.APIAddr = "127.0.0.1"
	}
	if cfg.IBKR.APIPort == 0 {
		cfg.IBKR.APIPort = 7497
	}
	if cfg.Geofence.DBPath == "" {
		cfg.Geofence.DBPath = "/tmp/GeoLite2-City.mmdb"
	}
	if cfg.Geofence.AllowCountry == "" {
		cfg.Geofence.AllowCountry = "jp"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("GATEWAY_PASSWORD"); v != "" {
		cfg.Server.GatewayPassword = v
	}

	if v := os.Getenv("BROKER_KIND"); v != "" {
		cfg.Broker.Kind = v
	}
	if v := os.Getenv("IBKR_API_ACCOUNT"); v != "" {
		cfg.Broker.Account = v
	}
	if v := os.Getenv("IBKR_CLIENT_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.ClientID = n
		}
	}
	if v := os.Getenv("IBKR_API_ORDER_CURRENCY"); v != "" {
		cfg.Broker.OrderCurrency = v
	}

	if v := os.Getenv("IBKR_API_ADDR"); v != "" {
		cfg.IBKR.APIAddr = v
	}
	if v := os.Getenv("IBKR_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IBKR.APIPort = n
		}
	}

	if v := os.Getenv("GEOFENCE_DB_PATH"); v != "" {
		cfg.Geofence.DBPath = v
	}
	if v := os.Getenv("GEOFENCE_ALLOW_COUNTRY"); v != "" {
		cfg.Geofence.AllowCountry = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyArgs resolves startup arguments. A "gateway-password=<value>"
// argument overrides any configured shared secret.
func applyArgs(cfg *Config, args []string) {
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "gateway-password="); ok {
			if v = strings.TrimSpace(v); v != "" {
				cfg.Server.GatewayPassword = v
			}
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks that every required value is present and that the TLS
// material exists on disk. A non-nil error is fatal at startup.
func (c *Config) Validate() error {
	if c.Server.GatewayPassword == "" {
		return fmt.Errorf("gateway password not provided: set GATEWAY_PASSWORD or pass gateway-password=<value>")
	}
	if c.Broker.Account == "" {
		return fmt.Errorf("broker account not set: set IBKR_API_ACCOUNT or broker.account")
	}
	if c.Broker.ClientID == 0 && !c.Broker.ClientIDRandom {
		return fmt.Errorf("broker client id not set: set IBKR_CLIENT_ID, broker.client_id, or broker.client_id_random")
	}

	switch c.Broker.Kind {
	case "ibkr", "simulator":
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return fmt.Errorf("alpaca credentials not set: set APCA_API_KEY_ID and APCA_API_SECRET_KEY")
		}
	default:
		return fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}

	for _, f := range []string{c.Server.TLSCertFile, c.Server.TLSKeyFile} {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("TLS file %s: %w", f, err)
		}
	}

	return nil
}

// ResolvedClientID returns the configured broker client id, or a
// time-derived one when randomized-id mode is requested.
func (c *Config) ResolvedClientID() int {
	if c.Broker.ClientIDRandom {
		return int(time.Now().Unix())
	}
	return c.Broker.ClientID
}

// MaskedPassword returns the shared secret with everything past the first
// two characters redacted, safe for logging.
func (c *Config) MaskedPassword() string {
	p := c.Server.GatewayPassword
	if len(p) <= 2 {
		return strings.Repeat("*", len(p))
	}
	return p[:2] + strings.Repeat("*", len(p)-2)
}
