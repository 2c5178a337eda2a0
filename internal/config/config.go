// Package config provides centralized configuration for the readaloud server.
// It loads configuration from CLI flags and environment variables, validates
// required fields, and provides sensible defaults.
//
// CLI flags control which collaborators are replaced by local stand-ins
// (--no-s3, --no-sheet, --test). Environment variables provide secrets and
// service configuration. Nothing outside this package reads the environment.
package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/readaloud/internal/ratelimit"
)

const (
	// ObjectStoreS3 selects the S3-compatible backend.
	ObjectStoreS3 = "s3"
	// ObjectStoreGCS selects the Google Cloud Storage backend.
	ObjectStoreGCS = "gcs"

	defaultPromptsPerLevel = 20
	defaultMaxUploadBytes  = 25 << 20
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenAddr string
	BaseURL    string

	// Database
	DatabasePath string
	DatabaseKey  string // optional, 64 hex characters (32 bytes) enables SQLCipher

	// Prompt source
	PromptsPerLevel   int
	PromptSheetID     string // collection identifier
	PromptSheetTab    string
	PromptSheetColumn string
	PromptFile        string // one prompt per line, used with --no-sheet
	GoogleCredentials string // inline JSON or key file path

	// Object store
	ObjectStore         string // "s3" or "gcs"
	BucketName          string // target container
	RecordingsPrefix    string
	AWSEndpointS3       string // AWS_ENDPOINT_URL_S3
	AWSRegion           string // AWS_REGION
	AWSAccessKeyID      string // AWS_ACCESS_KEY_ID
	AWSSecretAccessKey  string // AWS_SECRET_ACCESS_KEY
	S3PublicURL         string // S3_PUBLIC_URL
	GCSPublicBaseURL    string // GCS_PUBLIC_BASE_URL
	StorageEmulatorHost string // STORAGE_EMULATOR_HOST
	MaxUploadBytes      int64

	// Progress engine
	ProgressCASKey    string // "version" or "progress"
	StrictPromptCheck bool

	// Rate limiting
	RateLimitConfig ratelimit.Config

	// Client session liveness polling
	SessionPollInterval time.Duration

	// LogHashSalt salts session tags in logs.
	LogHashSalt string

	// Local stand-ins (controlled by CLI flags, not env vars)
	NoS3    bool // in-memory gofakes3 object store (--no-s3)
	NoSheet bool // file or built-in prompt list (--no-sheet)
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// ParseFlags parses CLI flags and returns them. Call before LoadConfig.
// This registers and parses --no-s3, --no-sheet, --test, and --addr flags.
func ParseFlags() (noS3, noSheet bool, addr string) {
	var testMode bool
	flag.BoolVar(&noS3, "no-s3", false, "Use an in-memory S3 server for recordings")
	flag.BoolVar(&noSheet, "no-sheet", false, "Read prompts from PROMPT_FILE (or built-in samples) instead of Google Sheets")
	flag.BoolVar(&testMode, "test", false, "Shorthand for --no-s3 --no-sheet")
	flag.StringVar(&addr, "addr", "", "Listen address (default :8080, overrides LISTEN_ADDR env var)")
	flag.Parse()

	if testMode {
		noS3 = true
		noSheet = true
	}
	return noS3, noSheet, addr
}

// LoadConfig loads configuration from environment variables and CLI flag values.
// The addr flag overrides the LISTEN_ADDR env var if non-empty.
func LoadConfig(noS3, noSheet bool, addr string) (*Config, error) {
	cfg := &Config{
		NoS3:    noS3,
		NoSheet: noSheet,
	}

	// Server settings
	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8080")
	if addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.BaseURL = strings.TrimSpace(os.Getenv("BASE_URL"))
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	// Database
	cfg.DatabasePath = getEnvOrDefault("DATABASE_PATH", "./data/readaloud.db")
	cfg.DatabaseKey = strings.TrimSpace(os.Getenv("DATABASE_KEY"))

	// Prompt source
	cfg.PromptsPerLevel = parseIntOrDefault("PROMPTS_PER_LEVEL", defaultPromptsPerLevel)
	cfg.PromptSheetID = strings.TrimSpace(os.Getenv("PROMPT_SHEET_ID"))
	cfg.PromptSheetTab = getEnvOrDefault("PROMPT_SHEET_TAB", "Sheet1")
	cfg.PromptSheetColumn = getEnvOrDefault("PROMPT_SHEET_COLUMN", "A")
	cfg.PromptFile = strings.TrimSpace(os.Getenv("PROMPT_FILE"))
	cfg.GoogleCredentials = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if cfg.GoogleCredentials == "" {
		cfg.GoogleCredentials = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	// Object store
	cfg.ObjectStore = strings.ToLower(getEnvOrDefault("OBJECT_STORE", ObjectStoreS3))
	cfg.BucketName = strings.TrimSpace(os.Getenv("BUCKET_NAME"))
	if cfg.BucketName == "" && noS3 {
		cfg.BucketName = "readaloud-recordings"
	}
	cfg.RecordingsPrefix = getEnvOrDefault("RECORDINGS_PREFIX", "recordings")
	cfg.AWSEndpointS3 = strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL_S3"))
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", "us-east-1")
	cfg.AWSAccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	cfg.AWSSecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
	cfg.S3PublicURL = strings.TrimSpace(os.Getenv("S3_PUBLIC_URL"))
	cfg.GCSPublicBaseURL = strings.TrimSpace(os.Getenv("GCS_PUBLIC_BASE_URL"))
	cfg.StorageEmulatorHost = strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST"))
	cfg.MaxUploadBytes = int64(parseIntOrDefault("MAX_UPLOAD_BYTES", defaultMaxUploadBytes))

	// Progress engine
	cfg.ProgressCASKey = strings.ToLower(getEnvOrDefault("PROGRESS_CAS_KEY", "version"))
	cfg.StrictPromptCheck = parseBoolOrDefault("STRICT_PROMPT_CHECK", false)

	// Rate limiting
	cfg.RateLimitConfig = ratelimit.Config{
		RPS:             parseFloat64OrDefault("RATE_LIMIT_RPS", ratelimit.DefaultConfig.RPS),
		Burst:           parseIntOrDefault("RATE_LIMIT_BURST", ratelimit.DefaultConfig.Burst),
		CleanupInterval: parseDurationOrDefault("RATE_LIMIT_CLEANUP_INTERVAL", time.Hour),
	}

	cfg.SessionPollInterval = parseDurationOrDefault("SESSION_POLL_INTERVAL", 30*time.Second)
	cfg.LogHashSalt = os.Getenv("LOG_HASH_SALT")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
// When a stand-in is NOT active for a collaborator, its settings are required.
func (c *Config) Validate() error {
	var errs []string

	if c.PromptsPerLevel <= 0 {
		errs = append(errs, "PROMPTS_PER_LEVEL must be positive")
	}

	// Prompt source: require the sheet unless --no-sheet
	if !c.NoSheet && c.PromptSheetID == "" {
		errs = append(errs, "PROMPT_SHEET_ID is required (set env var or use --no-sheet)")
	}

	// Object store: require a bucket unless --no-s3
	if !c.NoS3 {
		switch c.ObjectStore {
		case ObjectStoreS3, ObjectStoreGCS:
		default:
			errs = append(errs, fmt.Sprintf("OBJECT_STORE must be %q or %q, got %q", ObjectStoreS3, ObjectStoreGCS, c.ObjectStore))
		}
		if c.BucketName == "" {
			errs = append(errs, "BUCKET_NAME is required (set env var or use --no-s3)")
		}
		if c.ObjectStore == ObjectStoreS3 && (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
			errs = append(errs, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
		}
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, "MAX_UPLOAD_BYTES must be positive")
	}

	// Database key is optional; when present it must be a full SQLCipher key.
	if c.DatabaseKey != "" {
		if b, err := hex.DecodeString(c.DatabaseKey); err != nil || len(b) != 32 {
			errs = append(errs, "DATABASE_KEY must be 64 hex characters (generate with: openssl rand -hex 32)")
		}
	}

	switch c.ProgressCASKey {
	case "version", "progress":
	default:
		errs = append(errs, fmt.Sprintf("PROGRESS_CAS_KEY must be \"version\" or \"progress\", got %q", c.ProgressCASKey))
	}

	if c.RateLimitConfig.RPS <= 0 {
		errs = append(errs, "RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimitConfig.Burst <= 0 {
		errs = append(errs, "RATE_LIMIT_BURST must be positive")
	}
	if c.SessionPollInterval <= 0 {
		errs = append(errs, "SESSION_POLL_INTERVAL must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// DatabaseKeyBytes returns the decoded SQLCipher key, or nil when the
// database is unencrypted. Call after Validate.
func (c *Config) DatabaseKeyBytes() []byte {
	if c.DatabaseKey == "" {
		return nil
	}
	b, err := hex.DecodeString(c.DatabaseKey)
	if err != nil {
		return nil
	}
	return b
}

// IsDevelopment returns true if any stand-in is enabled.
func (c *Config) IsDevelopment() bool {
	return c.NoS3 || c.NoSheet
}

// PrintStartupSummary prints a human-readable summary of the configuration to stderr.
func (c *Config) PrintStartupSummary() {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "readaloud server starting...")

	// Prompts
	switch {
	case c.NoSheet && c.PromptFile != "":
		fmt.Fprintf(os.Stderr, "  Prompts:  File %s (--no-sheet)\n", c.PromptFile)
	case c.NoSheet:
		fmt.Fprintln(os.Stderr, "  Prompts:  Built-in samples (--no-sheet)")
	default:
		fmt.Fprintf(os.Stderr, "  Prompts:  Google Sheet %s, tab %s, column %s\n", c.PromptSheetID, c.PromptSheetTab, c.PromptSheetColumn)
	}
	fmt.Fprintf(os.Stderr, "  Level:    %d prompts\n", c.PromptsPerLevel)

	// Storage
	switch {
	case c.NoS3:
		fmt.Fprintln(os.Stderr, "  Storage:  Mock S3 (--no-s3)")
	case c.ObjectStore == ObjectStoreGCS && c.StorageEmulatorHost != "":
		fmt.Fprintf(os.Stderr, "  Storage:  GCS emulator %s, bucket %s\n", c.StorageEmulatorHost, c.BucketName)
	case c.ObjectStore == ObjectStoreGCS:
		fmt.Fprintf(os.Stderr, "  Storage:  GCS bucket %s\n", c.BucketName)
	default:
		fmt.Fprintf(os.Stderr, "  Storage:  S3 bucket %s (endpoint: %s)\n", c.BucketName, c.AWSEndpointS3)
	}

	// Database
	if c.DatabaseKey != "" {
		fmt.Fprintf(os.Stderr, "  Database: %s (SQLCipher)\n", c.DatabasePath)
	} else {
		fmt.Fprintf(os.Stderr, "  Database: %s (unencrypted)\n", c.DatabasePath)
	}
	fmt.Fprintf(os.Stderr, "  CAS key:  %s\n", c.ProgressCASKey)

	fmt.Fprintf(os.Stderr, "  Listen:   %s\n", c.ListenAddr)
	fmt.Fprintf(os.Stderr, "  Base:     %s\n", c.BaseURL)
	fmt.Fprintln(os.Stderr, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// MustLoadConfig loads configuration and panics if validation fails.
// Use this in main() when you want the application to fail fast on bad config.
func MustLoadConfig(noS3, noSheet bool, addr string) *Config {
	cfg, err := LoadConfig(noS3, noSheet, addr)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			panic(fmt.Sprintf("Configuration validation failed:\n  - %s", strings.Join(validationErr.Errors, "\n  - ")))
		}
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
