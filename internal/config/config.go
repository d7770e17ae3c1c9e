// Package config assembles the engine configuration from the environment,
// an optional .env file and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/dispatch"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/apple"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/google"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/platform"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing"
	"github.com/ovaphlow/pitchfork/service-wallet-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-wallet-go/pkg/telemetry"
	"github.com/ovaphlow/pitchfork/service-wallet-go/pkg/utilities"
)

type HTTPConfig struct {
	Addr string
	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit   int
	CORSOrigins []string
}

type AppleConfig struct {
	Enabled  bool
	Pass     apple.Config
	Keys     signing.KeyMaterial
	APNSHost string
}

type GoogleConfig struct {
	Enabled bool
	Pass    google.Config
	Client  platform.GoogleClientConfig
}

type PWAConfig struct {
	Enabled bool
	Nats    platform.NatsConfig
}

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Production bool
	// Storage selects the queue and registration backend.
	Storage    string
	BaseURL    string
	HTTP       HTTPConfig
	Apple      AppleConfig
	Google     GoogleConfig
	PWA        PWAConfig
	Dispatch   dispatch.Config
	Database   database.Config
	Log        utilities.Config
	Telemetry  telemetry.Config
}

// Environment names the deployment mode for reports.
func (c Config) Environment() string {
	if c.Production {
		return "production"
	}
	return "development"
}

// Load reads .env (best-effort), then WALLET_CONFIG_FILE, then the process
// environment. Variables already set in the environment always win.
func Load() (Config, error) {
	_ = godotenv.Load()
	if path := os.Getenv("WALLET_CONFIG_FILE"); path != "" {
		if err := LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	return FromEnv()
}

// LoadFile applies a flat YAML map of VARIABLE: value pairs without
// overriding variables that are already set.
func LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	for k, v := range values {
		if _, set := os.LookupEnv(k); set || v == nil {
			continue
		}
		if err := os.Setenv(k, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("apply %s: %w", k, err)
		}
	}
	return nil
}

func FromEnv() (Config, error) {
	c := Config{
		Production: envBool("PRODUCTION", false),
		Storage:    envString("WALLET_STORAGE", StoragePostgres),
		BaseURL:    strings.TrimRight(os.Getenv("BASE_URL"), "/"),
		HTTP: HTTPConfig{
			Addr:        envString("HTTP_ADDR", "0.0.0.0:8431"),
			RateLimit:   envInt("HTTP_RATE_LIMIT", 120),
			CORSOrigins: envList("CORS_ORIGINS", []string{"*"}),
		},
		Dispatch:  dispatch.ConfigFromEnv(),
		Database:  database.ConfigFromEnv(),
		Log:       utilities.ConfigFromEnv(),
		Telemetry: telemetry.ConfigFromEnv(),
	}

	c.Apple = AppleConfig{
		Pass: apple.Config{
			PassTypeID: os.Getenv("APPLE_PASS_TYPE_ID"),
			TeamID:     os.Getenv("APPLE_TEAM_ID"),
			AuthSecret: os.Getenv("APPLE_AUTH_SECRET"),
		},
		Keys: signing.KeyMaterial{
			CertificatePEM:  os.Getenv("APPLE_CERT_PEM"),
			PrivateKeyPEM:   os.Getenv("APPLE_KEY_PEM"),
			IntermediatePEM: os.Getenv("APPLE_WWDR_PEM"),
			PKCS12Password:  os.Getenv("APPLE_P12_PASSWORD"),
		},
		APNSHost: platform.APNSHostFromEnv(),
	}
	if c.BaseURL != "" {
		c.Apple.Pass.WebServiceURL = c.BaseURL + "/api/wallet/apple"
	}
	if path := os.Getenv("APPLE_P12_PATH"); path != "" {
		p12, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read APPLE_P12_PATH: %w", err)
		}
		c.Apple.Keys.PKCS12 = p12
	}
	appleConfigured := len(c.Apple.Keys.PKCS12) > 0 || c.Apple.Keys.CertificatePEM != ""
	c.Apple.Enabled = envBool("APPLE_ENABLED", appleConfigured)

	c.Google = GoogleConfig{
		Pass: google.Config{
			IssuerID:            os.Getenv("GOOGLE_ISSUER_ID"),
			ServiceAccountEmail: os.Getenv("GOOGLE_SERVICE_ACCOUNT_EMAIL"),
			PrivateKeyPEM:       os.Getenv("GOOGLE_PRIVATE_KEY"),
			BaseURL:             c.BaseURL,
			Production:          c.Production,
		},
		Client: platform.GoogleClientConfigFromEnv(),
	}
	c.Google.Enabled = envBool("GOOGLE_ENABLED", c.Google.Pass.ServiceAccountEmail != "")

	if c.Storage != StoragePostgres && c.Storage != StorageMemory {
		return Config{}, fmt.Errorf("WALLET_STORAGE must be %q or %q", StoragePostgres, StorageMemory)
	}

	c.PWA = PWAConfig{
		Enabled: envBool("PWA_ENABLED", true),
		Nats:    platform.NatsConfigFromEnv(),
	}
	return c, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
