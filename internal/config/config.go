package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sjawhar/ghost-voice/internal/llm"
)

// EnvPrefix is the namespace prefix for all Ghost Voice environment variables.
const EnvPrefix = "GHOST_VOICE_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	// GatewayURL points at a credential gateway serving GET /session. Empty
	// means credentials are minted in-process.
	GatewayURL    string `yaml:"gateway_url"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	RealtimeModel string `yaml:"realtime_model"`
	Voice         string `yaml:"voice"`
	Instructions  string `yaml:"instructions"`
	Autostart     bool   `yaml:"autostart"`

	MicSampleRate  int   `yaml:"mic_sample_rate"`
	MicSampleRates []int `yaml:"mic_sample_rates"`

	Debounce string `yaml:"debounce"`

	// ClassifyURL points at a remote POST /classify route. Empty means the
	// in-process classifier is used.
	ClassifyURL      string `yaml:"classify_url"`
	ClassifierModel  string `yaml:"classifier_model"`
	ClassifyInterval string `yaml:"classify_interval"`
	ClassifyMinChars int    `yaml:"classify_min_chars"`
	ClassifyTimeout  string `yaml:"classify_timeout"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`
	GDriveSyncInterval    string `yaml:"gdrive_sync_interval"`

	// Secrets: env vars only, never serialized to YAML.
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:            ":8080",
		DBPath:                "data/ghost-voice.db",
		OpenAIBaseURL:         "https://api.openai.com/v1",
		RealtimeModel:         "gpt-realtime",
		Voice:                 "marin",
		MicSampleRate:         8000,
		MicSampleRates:        []int{16000, 48000},
		Debounce:              "1s",
		ClassifierModel:       "openai/gpt-4o-mini",
		ClassifyInterval:      "1.5s",
		ClassifyMinChars:      24,
		ClassifyTimeout:       "10s",
		GoogleCredentialsFile: "./service-account.json",
		GDriveSyncInterval:    "5m",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ParsedDebounce returns Debounce as a time.Duration, falling back to 1s if
// the value is invalid.
func (c *Config) ParsedDebounce() time.Duration {
	return parseDuration(c.Debounce, time.Second)
}

func (c *Config) ParsedClassifyInterval() time.Duration {
	return parseDuration(c.ClassifyInterval, 1500*time.Millisecond)
}

func (c *Config) ParsedClassifyTimeout() time.Duration {
	return parseDuration(c.ClassifyTimeout, 10*time.Second)
}

func (c *Config) ParsedGDriveSyncInterval() time.Duration {
	return parseDuration(c.GDriveSyncInterval, 5*time.Minute)
}

// RealtimeURL is the WebRTC offer endpoint under the configured base URL.
func (c *Config) RealtimeURL() string {
	return strings.TrimRight(c.OpenAIBaseURL, "/") + "/realtime"
}

// APIKeyFor returns the secret for an LLM provider name.
func (c *Config) APIKeyFor(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{8000, 16000, 48000, 24000, 32000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"DB_PATH":                 &cfg.DBPath,
		"GATEWAY_URL":             &cfg.GatewayURL,
		"OPENAI_BASE_URL":         &cfg.OpenAIBaseURL,
		"REALTIME_MODEL":          &cfg.RealtimeModel,
		"VOICE":                   &cfg.Voice,
		"INSTRUCTIONS":            &cfg.Instructions,
		"DEBOUNCE":                &cfg.Debounce,
		"CLASSIFY_URL":            &cfg.ClassifyURL,
		"CLASSIFIER_MODEL":        &cfg.ClassifierModel,
		"CLASSIFY_INTERVAL":       &cfg.ClassifyInterval,
		"CLASSIFY_TIMEOUT":        &cfg.ClassifyTimeout,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
		"GDRIVE_SYNC_INTERVAL":    &cfg.GDriveSyncInterval,
	}
	for key, field := range overrides {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*field = v
		}
	}

	if v := os.Getenv(EnvPrefix + "AUTOSTART"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Autostart = b
		}
	}
	if v := os.Getenv(EnvPrefix + "CLASSIFY_MIN_CHARS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.ClassifyMinChars = n
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
}

// loadSecrets reads API keys from the prefixed variables, falling back to the
// provider's conventional variable name.
func loadSecrets(cfg *Config) {
	cfg.OpenAIAPIKey = secret("OPENAI_API_KEY")
	cfg.AnthropicAPIKey = secret("ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = secret("GEMINI_API_KEY")
}

func secret(name string) string {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		return v
	}
	return os.Getenv(name)
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.OpenAIAPIKey == "" && cfg.GatewayURL == "" {
		warnings = append(warnings, "OpenAI API key not configured and no gateway_url set; realtime sessions cannot be started. Set "+EnvPrefix+"OPENAI_API_KEY.")
	}

	if cfg.ClassifyURL == "" {
		provider, _, err := llm.ParseModel(cfg.ClassifierModel)
		switch {
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("Invalid classifier_model %q; topics use keyword matching.", cfg.ClassifierModel))
		case cfg.APIKeyFor(provider) == "":
			warnings = append(warnings, fmt.Sprintf("No API key for classifier provider %q; topics use keyword matching.", provider))
		}
	}

	durations := []struct{ name, raw string }{
		{"debounce", cfg.Debounce},
		{"classify_interval", cfg.ClassifyInterval},
		{"classify_timeout", cfg.ClassifyTimeout},
		{"gdrive_sync_interval", cfg.GDriveSyncInterval},
	}
	for _, d := range durations {
		if v, err := time.ParseDuration(d.raw); err != nil || v <= 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q; using default.", d.name, d.raw))
		}
	}

	if cfg.ClassifyMinChars <= 0 {
		warnings = append(warnings, fmt.Sprintf("Invalid classify_min_chars %d; using default 24.", cfg.ClassifyMinChars))
		cfg.ClassifyMinChars = 24
	}

	return warnings
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
