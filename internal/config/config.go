// Package config loads client configuration from .env files, environment
// variables, and (optionally) HashiCorp Vault for secrets.
package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the encryption core.
type Config struct {
	UserID    string
	ServerURL string
	// JWTSecret signs the bearer token presented to the prekey endpoints.
	JWTSecret string
	// KeystorePath is the SQLite database location.
	KeystorePath string
	// KeystorePassphrase wraps the store master key via Argon2id. Sourced
	// from Vault when available, the environment otherwise; empty when
	// neither supplies one. Load never consults the OS keychain; that is
	// keystore.PassphraseFromKeyring, called only by a caller that wants it.
	KeystorePassphrase string

	// Protocol knobs. Defaults follow the Signal reference deployment.
	OneTimePreKeyTarget int
	ServerPreKeyMinimum int
	MaxUploadPreKeys    int
	SignedPreKeyTTL     time.Duration
	StatusPollInterval  time.Duration
	MaxSkipped          int
	TransportTimeout    time.Duration
}

// Defaults returns a Config with every protocol knob at its default.
func Defaults() *Config {
	return &Config{
		OneTimePreKeyTarget: 100,
		ServerPreKeyMinimum: 20,
		MaxUploadPreKeys:    100,
		SignedPreKeyTTL:     7 * 24 * time.Hour,
		StatusPollInterval:  5 * time.Minute,
		MaxSkipped:          1000,
		TransportTimeout:    30 * time.Second,
	}
}

// loadEnvFiles loads environment files in the correct order. The base file
// only fills unset variables; the environment-specific and local files
// overwrite whatever is already set.
func loadEnvFiles() {
	// Load base .env file (ignore error - file may not exist)
	_ = godotenv.Load()

	// Load environment-specific file (e.g., .env.development, .env.production)
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Overload(".env." + env)
	}

	// Load local overrides (.env.local)
	_ = godotenv.Overload(".env.local")
}

// Load reads configuration from the environment, with the keystore
// passphrase optionally fetched from Vault.
func Load() *Config {
	loadEnvFiles()

	cfg := Defaults()
	cfg.UserID = getEnv("E2EE_USER_ID", "")
	cfg.ServerURL = getEnv("E2EE_SERVER_URL", "http://localhost:8080")
	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	cfg.KeystorePath = getEnv("E2EE_KEYSTORE_PATH", "securechat.db")

	cfg.OneTimePreKeyTarget = getEnvInt("ONE_TIME_PREKEY_TARGET", cfg.OneTimePreKeyTarget)
	cfg.ServerPreKeyMinimum = getEnvInt("SERVER_PREKEY_MINIMUM", cfg.ServerPreKeyMinimum)
	cfg.MaxUploadPreKeys = getEnvInt("MAX_UPLOAD_PREKEYS", cfg.MaxUploadPreKeys)
	cfg.SignedPreKeyTTL = getEnvMillis("SIGNED_PREKEY_TTL_MS", cfg.SignedPreKeyTTL)
	cfg.StatusPollInterval = getEnvMillis("STATUS_POLL_INTERVAL_MS", cfg.StatusPollInterval)
	cfg.MaxSkipped = getEnvInt("MAX_SKIPPED", cfg.MaxSkipped)
	cfg.TransportTimeout = getEnvMillis("TRANSPORT_TIMEOUT_MS", cfg.TransportTimeout)

	cfg.KeystorePassphrase = loadPassphrase()
	return cfg
}

// loadPassphrase tries Vault first, then the environment. An empty result is
// legal and is returned as is; no OS keychain lookup happens here.
func loadPassphrase() string {
	vaultAddr := os.Getenv("VAULT_ADDR")
	vaultToken := os.Getenv("VAULT_TOKEN")
	if vaultAddr != "" && vaultToken != "" {
		passphrase, err := passphraseFromVault(vaultAddr, vaultToken,
			getEnv("VAULT_MOUNT_PATH", "secret"),
			getEnv("VAULT_SECRET_PATH", "securechat"))
		if err != nil {
			log.Printf("Warning: Vault passphrase lookup failed: %v", err)
			log.Printf("Falling back to environment for keystore passphrase")
		} else if passphrase != "" {
			return passphrase
		}
	}
	return os.Getenv("E2EE_KEYSTORE_PASSPHRASE")
}

func passphraseFromVault(addr, token, mountPath, secretPath string) (string, error) {
	client, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return "", fmt.Errorf("create Vault client: %w", err)
	}
	client.SetToken(token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := client.KVv2(mountPath).Get(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read Vault secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found at %s/%s", mountPath, secretPath)
	}
	value, ok := secret.Data["keystore_passphrase"].(string)
	if !ok {
		return "", fmt.Errorf("keystore_passphrase not found or not a string")
	}
	return value, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return defaultValue
}
