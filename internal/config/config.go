package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"monthlypay/internal/authz"
	"monthlypay/internal/core"
)

// DefaultMasterSheetName is the tab of the master spreadsheet that lists
// every report spreadsheet URL.
const DefaultMasterSheetName = "報告シート（「説明用」以外はタダメンMから関数生成）M"

type Config struct {
	// HTTP Server
	Port string

	// Backend selection
	DataBackend  string
	SQLiteDBPath string
	PostgresDSN  string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Collector
	GoogleMasterSpreadsheetID string
	GoogleMasterSheetName     string
	GoogleSkipURLs            []string
	GoogleServiceAccountFile  string
	GoogleServiceAccountJSON  string
	GoogleDelegateSubject     string
	SheetsRequestDelay        time.Duration
	SheetsMaxRetries          int
	// ReportsDir holds CSV exports read when no master spreadsheet is set.
	ReportsDir string

	// Warehouse
	BQProjectID string
	BQDataset   string
	BQTable     string

	// Access
	InitialAdminEmail  string
	AllowedEmailDomain string
	AuthzMode          string
	AuthzAllowDisabled bool
	AuthzModelFile     string
	AuthzPolicyFile    string
	// AllowDevHeader trusts X-User-Email when no proxy sits in front.
	AllowDevHeader bool
	TrustedProxies []string

	// Caches
	DataCacheTTL  time.Duration
	CheckCacheTTL time.Duration
	RoleCacheTTL  time.Duration

	// Ledger
	CheckTransitionRule   string
	CheckStrictVersioning bool

	// Worker
	RecomputeInterval time.Duration
	RulesFile         string

	LogLevel  string
	LogFormat string
}

func Load() *Config {
	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		DataBackend:  getEnv("DATA_BACKEND", "sqlite"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/monthlypay.db"),
		PostgresDSN:  getEnv("POSTGRES_DSN", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "monthlypay"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "compensation_recompute"),

		GoogleMasterSpreadsheetID: getEnv("GOOGLE_MASTER_SPREADSHEET_ID", ""),
		GoogleMasterSheetName:     getEnv("GOOGLE_MASTER_SHEET_NAME", DefaultMasterSheetName),
		GoogleSkipURLs:            getEnvList("GOOGLE_SKIP_URLS"),
		GoogleServiceAccountFile:  getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),
		GoogleServiceAccountJSON:  getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleDelegateSubject:     getEnv("GOOGLE_DELEGATE_SUBJECT", ""),
		SheetsRequestDelay:        getEnvDuration("SHEETS_REQUEST_DELAY", time.Second),
		SheetsMaxRetries:          getEnvInt("SHEETS_MAX_RETRIES", 5),
		ReportsDir:                getEnv("REPORTS_DIR", "./data/reports"),

		BQProjectID: getEnv("BQ_PROJECT_ID", ""),
		BQDataset:   getEnv("BQ_DATASET", ""),
		BQTable:     getEnv("BQ_TABLE", "monthly_compensation"),

		InitialAdminEmail:  getEnv("INITIAL_ADMIN_EMAIL", ""),
		AllowedEmailDomain: getEnv("ALLOWED_EMAIL_DOMAIN", ""),
		AuthzMode:          getEnv("AUTHZ_MODE", string(authz.ModeEnforce)),
		AuthzAllowDisabled: getEnvBool("AUTHZ_UNSAFE_ALLOW_DISABLED", false),
		AllowDevHeader:     getEnvBool("ALLOW_DEV_IDENTITY_HEADER", false),
		TrustedProxies:     getEnvList("TRUSTED_PROXIES"),
		AuthzModelFile:     getEnv("AUTHZ_MODEL_FILE", ""),
		AuthzPolicyFile:    getEnv("AUTHZ_POLICY_FILE", ""),

		DataCacheTTL:  getEnvDuration("DATA_CACHE_TTL", time.Hour),
		CheckCacheTTL: getEnvDuration("CHECK_CACHE_TTL", 5*time.Minute),
		RoleCacheTTL:  getEnvDuration("ROLE_CACHE_TTL", 5*time.Minute),

		CheckTransitionRule:   getEnv("CHECK_TRANSITION_RULE", ""),
		CheckStrictVersioning: getEnvBool("CHECK_STRICT_VERSIONING", false),

		RecomputeInterval: getEnvDuration("RECOMPUTE_INTERVAL", 24*time.Hour),
		RulesFile:         getEnv("RULES_FILE", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate data backend
	validBackends := []string{"sqlite", "postgres", "memory"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	switch c.DataBackend {
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errors = append(errors, "POSTGRES_DSN is required when using postgres backend")
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.GoogleMasterSpreadsheetID != "" {
		if strings.TrimSpace(c.GoogleMasterSheetName) == "" {
			errors = append(errors, "GOOGLE_MASTER_SHEET_NAME cannot be empty when a master spreadsheet is set")
		}
		if c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
		if c.GoogleDelegateSubject != "" && c.GoogleServiceAccountFile == "" && c.GoogleServiceAccountJSON == "" {
			errors = append(errors, "GOOGLE_DELEGATE_SUBJECT requires a service account key")
		}
	}
	if c.SheetsRequestDelay < 0 {
		errors = append(errors, fmt.Sprintf("invalid sheets request delay %v: must not be negative", c.SheetsRequestDelay))
	}
	if c.SheetsMaxRetries < 0 || c.SheetsMaxRetries > 10 {
		errors = append(errors, fmt.Sprintf("invalid sheets max retries %d: must be between 0 and 10", c.SheetsMaxRetries))
	}

	if c.BQDataset != "" && c.BQProjectID == "" {
		errors = append(errors, "BQ_PROJECT_ID is required when BQ_DATASET is set")
	}

	if c.InitialAdminEmail != "" {
		if _, err := core.NormalizeEmail(c.InitialAdminEmail); err != nil {
			errors = append(errors, fmt.Sprintf("invalid INITIAL_ADMIN_EMAIL: %v", err))
		}
	}
	if strings.Contains(c.AllowedEmailDomain, "@") {
		errors = append(errors, fmt.Sprintf("invalid ALLOWED_EMAIL_DOMAIN '%s': use the bare domain", c.AllowedEmailDomain))
	}
	if _, err := authz.ParseMode(c.AuthzMode, c.AuthzAllowDisabled); err != nil {
		errors = append(errors, err.Error())
	}
	if (c.AuthzModelFile == "") != (c.AuthzPolicyFile == "") {
		errors = append(errors, "AUTHZ_MODEL_FILE and AUTHZ_POLICY_FILE must be set together")
	}
	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errors = append(errors, fmt.Sprintf("invalid TRUSTED_PROXIES entry '%s': %v", cidr, err))
		}
	}

	for name, ttl := range map[string]time.Duration{
		"DATA_CACHE_TTL":  c.DataCacheTTL,
		"CHECK_CACHE_TTL": c.CheckCacheTTL,
		"ROLE_CACHE_TTL":  c.RoleCacheTTL,
	} {
		if ttl <= 0 {
			errors = append(errors, fmt.Sprintf("invalid %s %v: must be positive", name, ttl))
		}
	}

	if c.RecomputeInterval != 0 && c.RecomputeInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid recompute interval %v: must be at least 1 minute or 0 to disable", c.RecomputeInterval))
	}
	if c.RulesFile != "" {
		if _, err := os.Stat(c.RulesFile); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("rules file does not exist: %s", c.RulesFile))
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errors = append(errors, fmt.Sprintf("invalid LOG_LEVEL '%s': must be debug, info, warn or error", c.LogLevel))
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errors = append(errors, fmt.Sprintf("invalid LOG_FORMAT '%s': must be text or json", c.LogFormat))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// UsesGoogleSheets reports whether the collector reads the live
// spreadsheets rather than CSV exports.
func (c *Config) UsesGoogleSheets() bool {
	return c.GoogleMasterSpreadsheetID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
