package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is loaded from config/default.yaml with env var overrides for
// secrets and deployment-specific values.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Vault    VaultConfig    `yaml:"vault"`
	API      APIConfig      `yaml:"api"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Relay    RelayConfig    `yaml:"relay"`
	Spool    SpoolConfig    `yaml:"spool"`
	Media    MediaConfig    `yaml:"media"`
}

type MediaConfig struct {
	DownloadDir string `yaml:"download_dir"`
}

type UpstreamConfig struct {
	OAuthBaseURL string   `yaml:"oauth_base_url"`
	RestBaseURL  string   `yaml:"rest_base_url"`
	AllowedHosts []string `yaml:"allowed_hosts"`
}

type VaultConfig struct {
	Path           string `yaml:"path"`
	AllowPlaintext bool   `yaml:"allow_plaintext"`
	// Passphrase comes from CLOUDCAM_VAULT_PASSPHRASE, never from the file.
	Passphrase string `yaml:"-"`
}

type APIConfig struct {
	AuthDisabled bool `yaml:"auth_disabled"`
	// PairingSecretHash is an Argon2id hash (see the hash-secret
	// subcommand); clients present the plain secret to /auth/pair.
	PairingSecretHash string `yaml:"pairing_secret_hash"`
	// SigningKey comes from CLOUDCAM_JWT_SIGNING_KEY.
	SigningKey string `yaml:"-"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type RelayConfig struct {
	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryCap         time.Duration `yaml:"retry_cap"`
	RetryMax         int           `yaml:"retry_max"`
	ReleaseGrace     time.Duration `yaml:"release_grace"`
	FFmpegPath       string        `yaml:"ffmpeg_path"`
}

type SpoolConfig struct {
	Dir   string `yaml:"dir"`
	MaxMB int64  `yaml:"max_mb"`
}

// Defaults carries the relay timing the gateway ships with: 45s readiness,
// 2s/4s/8s backoff with 3 attempts, 5s release grace.
func Defaults() Config {
	return Config{
		ListenAddr: ":8090",
		Upstream: UpstreamConfig{
			OAuthBaseURL: "https://api.oauth.blink.com",
			RestBaseURL:  "https://rest-prod.immedia-semi.com",
			AllowedHosts: []string{
				".immedia-semi.com",
				".blinkforhome.com",
				".blink.com",
				".amazonaws.com",
				".cloudfront.net",
			},
		},
		Vault: VaultConfig{Path: "data/credential.vault"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		NATS:  NATSConfig{URL: "nats://localhost:4222", SubjectPrefix: "cloudcam"},
		Relay: RelayConfig{
			ReadinessTimeout: 45 * time.Second,
			RetryBase:        2 * time.Second,
			RetryCap:         8 * time.Second,
			RetryMax:         3,
			ReleaseGrace:     5 * time.Second,
			FFmpegPath:       "ffmpeg",
		},
		Spool: SpoolConfig{Dir: "data/session_logs", MaxMB: 64},
		Media: MediaConfig{DownloadDir: "data/downloads"},
	}
}

// Load reads the yaml file (if present) over Defaults, then applies env
// overrides. A missing config file is not an error; missing secrets are
// handled by the components that need them.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLOUDCAM_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CLOUDCAM_OAUTH_BASE_URL"); v != "" {
		cfg.Upstream.OAuthBaseURL = v
	}
	if v := os.Getenv("CLOUDCAM_REST_BASE_URL"); v != "" {
		cfg.Upstream.RestBaseURL = v
	}
	if v := os.Getenv("CLOUDCAM_VAULT_PATH"); v != "" {
		cfg.Vault.Path = v
	}
	cfg.Vault.Passphrase = os.Getenv("CLOUDCAM_VAULT_PASSPHRASE")
	cfg.API.SigningKey = os.Getenv("CLOUDCAM_JWT_SIGNING_KEY")
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
}
