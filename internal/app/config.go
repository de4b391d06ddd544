package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/latchwell/countersign/internal/backchannel"
	"github.com/latchwell/countersign/internal/platform/config"
	"github.com/latchwell/countersign/internal/vault"
)

// Config describes the countersign server configuration.
type Config struct {
	HTTPAddr string
	DBPath   string

	// Issuer names this server in minted access tokens. Audience defaults
	// to the issuer.
	Issuer   string
	Audience string

	// VaultKey is the base64-encoded 32-byte AES key credentials are sealed
	// with. The server refuses to start without it.
	VaultKey string

	// TokenPrivateKey and TokenPublicKey are the base64-encoded Ed25519
	// signing keys for access tokens. The public key derives from the
	// private key when omitted.
	TokenPrivateKey string
	TokenPublicKey  string

	Clients   []backchannel.ClientSpec
	Providers []vault.ProviderSpec
	Users     []BootstrapUser

	GrantTTL time.Duration
	TokenTTL time.Duration

	CleanupInterval time.Duration
	CleanupRetain   time.Duration

	IgnoreThrottledPolls bool
}

// BootstrapUser seeds a resource owner at startup.
type BootstrapUser struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// serverEnv holds raw env values for server configuration.
type serverEnv struct {
	HTTPAddr        string        `env:"COUNTERSIGN_HTTP_ADDR"         envDefault:"localhost:8080"`
	DBPath          string        `env:"COUNTERSIGN_DB_PATH"           envDefault:"data/countersign.db"`
	Issuer          string        `env:"COUNTERSIGN_ISSUER"            envDefault:"http://localhost:8080"`
	Audience        string        `env:"COUNTERSIGN_TOKEN_AUDIENCE"`
	VaultKey        string        `env:"COUNTERSIGN_VAULT_KEY"`
	TokenPrivateKey string        `env:"COUNTERSIGN_TOKEN_PRIVATE_KEY"`
	TokenPublicKey  string        `env:"COUNTERSIGN_TOKEN_PUBLIC_KEY"`
	ClientsJSON     string        `env:"COUNTERSIGN_CLIENTS"`
	ProvidersJSON   string        `env:"COUNTERSIGN_PROVIDERS"`
	UsersJSON       string        `env:"COUNTERSIGN_USERS"`
	GrantTTL        time.Duration `env:"COUNTERSIGN_GRANT_TTL"         envDefault:"1h"`
	TokenTTL        time.Duration `env:"COUNTERSIGN_TOKEN_TTL"         envDefault:"1h"`
	CleanupInterval time.Duration `env:"COUNTERSIGN_CLEANUP_INTERVAL"  envDefault:"5m"`
	CleanupRetain   time.Duration `env:"COUNTERSIGN_CLEANUP_RETAIN"    envDefault:"24h"`
	IgnoreThrottled bool          `env:"COUNTERSIGN_IGNORE_THROTTLED_POLLS"`
}

// LoadConfigFromEnv loads server configuration from environment variables.
// Structured values (clients, providers, users) are JSON documents.
func LoadConfigFromEnv() (Config, error) {
	var raw serverEnv
	if err := config.ParseEnv(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:             raw.HTTPAddr,
		DBPath:               raw.DBPath,
		Issuer:               raw.Issuer,
		Audience:             raw.Audience,
		VaultKey:             raw.VaultKey,
		TokenPrivateKey:      raw.TokenPrivateKey,
		TokenPublicKey:       raw.TokenPublicKey,
		GrantTTL:             raw.GrantTTL,
		TokenTTL:             raw.TokenTTL,
		CleanupInterval:      raw.CleanupInterval,
		CleanupRetain:        raw.CleanupRetain,
		IgnoreThrottledPolls: raw.IgnoreThrottled,
	}

	if raw.ClientsJSON != "" {
		if err := json.Unmarshal([]byte(raw.ClientsJSON), &cfg.Clients); err != nil {
			return Config{}, fmt.Errorf("parse COUNTERSIGN_CLIENTS: %w", err)
		}
	}
	if raw.ProvidersJSON != "" {
		if err := json.Unmarshal([]byte(raw.ProvidersJSON), &cfg.Providers); err != nil {
			return Config{}, fmt.Errorf("parse COUNTERSIGN_PROVIDERS: %w", err)
		}
	}
	if raw.UsersJSON != "" {
		if err := json.Unmarshal([]byte(raw.UsersJSON), &cfg.Users); err != nil {
			return Config{}, fmt.Errorf("parse COUNTERSIGN_USERS: %w", err)
		}
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = defaultProviders()
	}

	return cfg, nil
}

// defaultProviders covers common upstream services so a server with only
// clients configured still resolves provider scopes.
func defaultProviders() []vault.ProviderSpec {
	return []vault.ProviderSpec{
		{
			ID:          "github",
			DisplayName: "GitHub",
			Scopes:      []string{"repo:read", "repo:write", "issues:read", "issues:write"},
		},
		{
			ID:          "google-calendar",
			DisplayName: "Google Calendar",
			Scopes:      []string{"events:read", "events:write"},
		},
	}
}
