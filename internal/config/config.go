package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/papertutor/papertutor/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/papertutor.ini"
)

const (
	defaultHTTPAddress        = ":8090"
	defaultAuthSecret         = "papertutor-dev-secret"
	defaultOpenAIModel        = "gpt-4o"
	defaultExplanationCost    = 10
	defaultPreviewChars       = 280
	defaultSignupBonusCredits = 50
	defaultArtifactCacheSize  = 256
	defaultProducerTimeout    = 60 * time.Second
	defaultProducerRetries    = 2
	defaultConsentWindow      = 30 * 24 * time.Hour
	defaultLogMaxFiles        = 7
	defaultExplainPerMinute   = 20
	defaultExplainBurst       = 5
	defaultSignupPerMinute    = 10
	defaultSignupBurst        = 10
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options shared by the daemon and the CLI.
type Config struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string
	LogMaxFiles int

	// SQLite paths, used when DatabaseDSN is empty.
	LedgerPath   string
	IdentityPath string
	ArtifactPath string

	// DatabaseDSN switches every store to PostgreSQL.
	DatabaseDSN           string
	DBMaxOpenConns        int
	DBMaxIdleConns        int
	DBConnLifetimeMinutes int

	AuthSecret string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	ProducerTimeout time.Duration
	ProducerRetries int

	ExplanationCost    int64
	PreviewChars       int
	ConsentWindow      time.Duration
	ArtifactCacheSize  int
	SignupBonusCredits int64
	QuestionImageDir   string

	// Per-account explanation and per-address signup limits; a zero rate
	// disables the limit.
	ExplainPerMinute int
	ExplainBurst     int
	SignupPerMinute  int
	SignupBurst      int

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeBaseURL       string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	CreditPacksFile     string

	Hooks hooks.Config
}

// UsePostgres reports whether the stores should run on PostgreSQL.
func (c Config) UsePostgres() bool {
	return strings.TrimSpace(c.DatabaseDSN) != ""
}

// CheckoutEnabled reports whether enough processor settings exist to create
// and confirm checkout sessions.
func (c Config) CheckoutEnabled() bool {
	return c.StripeSecretKey != "" && c.CheckoutSuccessURL != "" && c.CheckoutCancelURL != ""
}

// Load reads config/setting.ini, then config/<env>/papertutor.ini, then
// PAPERTUTOR_* environment variables. Later sources win.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}
	if env := os.Getenv("PAPERTUTOR_ENV"); env != "" {
		s.Environment = env
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string) string {
		return firstNonEmpty(os.Getenv("PAPERTUTOR_"+strings.ToUpper(key)), merged[key])
	}

	cfg := Config{
		Environment:           s.Environment,
		HTTPAddress:           firstNonEmpty(get("http_address"), defaultHTTPAddress),
		LogFile:               get("log_file"),
		LogLevel:              firstNonEmpty(get("log_level"), "info"),
		LogMaxFiles:           parseOptionalInt(get("log_max_files"), defaultLogMaxFiles),
		LedgerPath:            firstNonEmpty(get("ledger_path"), DefaultLedgerPath()),
		IdentityPath:          firstNonEmpty(get("identity_path"), DefaultIdentityPath()),
		ArtifactPath:          firstNonEmpty(get("artifact_path"), DefaultArtifactPath()),
		DatabaseDSN:           get("database_dsn"),
		DBMaxOpenConns:        parseOptionalInt(get("db_max_open_conns"), 0),
		DBMaxIdleConns:        parseOptionalInt(get("db_max_idle_conns"), 0),
		DBConnLifetimeMinutes: parseOptionalInt(get("db_conn_lifetime_minutes"), 0),
		AuthSecret:            firstNonEmpty(get("auth_secret"), defaultAuthSecret),
		OpenAIAPIKey:          get("openai_api_key"),
		OpenAIBaseURL:         get("openai_base_url"),
		OpenAIModel:           firstNonEmpty(get("openai_model"), defaultOpenAIModel),
		ProducerRetries:       parseOptionalInt(get("producer_retries"), defaultProducerRetries),
		PreviewChars:          parseOptionalInt(get("preview_chars"), defaultPreviewChars),
		ArtifactCacheSize:     parseOptionalInt(get("artifact_cache_size"), defaultArtifactCacheSize),
		QuestionImageDir:      firstNonEmpty(get("question_image_dir"), "questions"),
		ExplainPerMinute:      parseOptionalInt(get("explain_rate_per_minute"), defaultExplainPerMinute),
		ExplainBurst:          parseOptionalInt(get("explain_rate_burst"), defaultExplainBurst),
		SignupPerMinute:       parseOptionalInt(get("signup_rate_per_minute"), defaultSignupPerMinute),
		SignupBurst:           parseOptionalInt(get("signup_rate_burst"), defaultSignupBurst),
		StripeSecretKey:       get("stripe_secret_key"),
		StripeWebhookSecret:   get("stripe_webhook_secret"),
		StripeBaseURL:         get("stripe_base_url"),
		CheckoutSuccessURL:    get("checkout_success_url"),
		CheckoutCancelURL:     get("checkout_cancel_url"),
		CreditPacksFile:       get("credit_packs_file"),
	}

	if cfg.ProducerTimeout, err = parseDuration("producer_timeout", get("producer_timeout"), defaultProducerTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ConsentWindow, err = parseDuration("consent_window", get("consent_window"), defaultConsentWindow); err != nil {
		return Config{}, err
	}
	if cfg.ExplanationCost, err = parsePositiveInt64("explanation_cost", get("explanation_cost"), defaultExplanationCost); err != nil {
		return Config{}, err
	}
	if v := get("signup_bonus_credits"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid signup_bonus_credits %q", v)
		}
		cfg.SignupBonusCredits = n
	} else {
		cfg.SignupBonusCredits = defaultSignupBonusCredits
	}

	for key, v := range map[string]int{
		"explain_rate_per_minute": cfg.ExplainPerMinute,
		"explain_rate_burst":      cfg.ExplainBurst,
		"signup_rate_per_minute":  cfg.SignupPerMinute,
		"signup_rate_burst":       cfg.SignupBurst,
	} {
		if v < 0 {
			return Config{}, fmt.Errorf("invalid %s %d", key, v)
		}
	}

	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(get("hooks_enabled")),
		ScriptPath: get("hooks_script_path"),
		ScriptArgs: parseCSV(get("hooks_script_args")),
		Env:        parseMap(get("hooks_script_env")),
		QueueSize:  parseOptionalInt(get("hooks_queue_size"), 0),
		Workers:    parseOptionalInt(get("hooks_workers"), 0),
	}
	if v := get("hooks_timeout"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid hooks_timeout %q: %w", v, err)
		}
		cfg.Hooks.Timeout = dur
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseDuration(key, v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return dur, nil
}

func parsePositiveInt64(key, v string, fallback int64) (int64, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	entries := strings.Split(input, ",")
	result := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key != "" {
			result[key] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func dataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".papertutor", name)
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string { return dataPath("ledger.db") }

// DefaultIdentityPath returns the fallback accounts database path.
func DefaultIdentityPath() string { return dataPath("identity.db") }

// DefaultArtifactPath returns the fallback explanation store path.
func DefaultArtifactPath() string { return dataPath("artifacts.db") }
