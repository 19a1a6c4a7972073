// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"

	DefaultSystemPrompt = "You are a helpful assistant answering customers on WhatsApp. " +
		"Keep answers short and friendly, and reply in the language the customer writes in."
)

type Config struct {
	Port              string
	AggregationWindow time.Duration
	EngineTimeout     time.Duration
	DedupeWindow      time.Duration
	ReplyMode         string
	FallbackMessage   string

	LLMProvider        string
	LLMModel           string
	LLMTemperature     float64
	OpenAIBaseURL      string
	OpenAIAPIKey       string
	GeminiAPIKey       string
	TranscriptionModel string
	TTSModel           string
	TTSVoice           string
	SystemPrompt       string
	ModerationEnabled  bool

	// ParamPrefix namespaces every parameter name. UseSSM is true when the
	// prefix was set explicitly, in which case parameters come from SSM.
	ParamPrefix string
	UseSSM      bool

	StoreBackend     string
	StateTable       string
	SQLitePath       string
	MaxContextItems  int
	MaxMessageLength int

	WPPConnectBaseURL   string
	WPPConnectSession   string
	WPPConnectToken     string
	WPPConnectSecretKey string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads .env (if present) into the environment and builds a validated Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config from getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	e := env{getenv: getenv}
	prefix := e.str("PARAM_PREFIX", "")
	cfg := Config{
		Port:              e.str("PORT", "8000"),
		AggregationWindow: e.duration("AGGREGATION_WINDOW", time.Second),
		EngineTimeout:     e.duration("ENGINE_TIMEOUT", 2*time.Minute),
		DedupeWindow:      e.duration("DEDUPE_WINDOW", 5*time.Minute),
		ReplyMode:         strings.ToLower(e.str("REPLY_MODE", "text")),
		FallbackMessage:   e.str("FALLBACK_MESSAGE", ""),

		LLMProvider:        strings.ToLower(e.str("LLM_PROVIDER", ProviderOpenAI)),
		LLMModel:           e.str("LLM_MODEL", ""),
		LLMTemperature:     e.float("LLM_TEMPERATURE", 0.6),
		OpenAIBaseURL:      e.str("OPENAI_BASE_URL", ""),
		OpenAIAPIKey:       e.str("OPENAI_API_KEY", ""),
		GeminiAPIKey:       e.str("GEMINI_API_KEY", ""),
		TranscriptionModel: e.str("TRANSCRIPTION_MODEL", "whisper-1"),
		TTSModel:           e.str("TTS_MODEL", "tts-1"),
		TTSVoice:           e.str("TTS_VOICE", "alloy"),
		SystemPrompt:       e.str("SYSTEM_PROMPT", DefaultSystemPrompt),
		ModerationEnabled:  e.bool("MODERATION_ENABLED", false),

		ParamPrefix: prefix,
		UseSSM:      prefix != "",

		StoreBackend:     strings.ToLower(e.str("STORE_BACKEND", StoreDynamoDB)),
		StateTable:       e.str("STATE_TABLE", ""),
		SQLitePath:       e.str("SQLITE_PATH", "data/agent.db"),
		MaxContextItems:  e.int("MAX_CONTEXT_ITEMS", 20),
		MaxMessageLength: e.int("MAX_MESSAGE_LENGTH", 4000),

		WPPConnectBaseURL:   e.str("WPPCONNECT_BASE_URL", "http://localhost:21465"),
		WPPConnectSession:   e.str("WPPCONNECT_SESSION_NAME", ""),
		WPPConnectToken:     e.str("WPPCONNECT_TOKEN", ""),
		WPPConnectSecretKey: e.str("WPPCONNECT_SECRET_KEY", ""),

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(e.str("LOG_FORMAT", "text")),
		LogFile:   e.str("LOG_FILE", ""),
	}
	if cfg.ParamPrefix == "" {
		cfg.ParamPrefix = "/whatsapp-agent"
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultModel(cfg.LLMProvider)
	}

	if len(e.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(e.errs...))
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaultModel(provider string) string {
	if provider == ProviderGemini {
		return "gemini-2.0-flash"
	}
	return "gpt-4o-mini"
}

func (c Config) validate() error {
	var errs []error
	switch c.ReplyMode {
	case "text", "voice":
	default:
		errs = append(errs, fmt.Errorf("REPLY_MODE must be text or voice, got %q", c.ReplyMode))
	}
	switch c.LLMProvider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER must be openai or gemini, got %q", c.LLMProvider))
	}
	switch c.StoreBackend {
	case StoreDynamoDB:
		if c.StateTable == "" {
			errs = append(errs, errors.New("STATE_TABLE is required when STORE_BACKEND=dynamodb"))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required when STORE_BACKEND=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be dynamodb or sqlite, got %q", c.StoreBackend))
	}
	if c.WPPConnectSession == "" {
		errs = append(errs, errors.New("WPPCONNECT_SESSION_NAME is required"))
	}
	if c.WPPConnectToken == "" && c.WPPConnectSecretKey == "" {
		errs = append(errs, errors.New("WPPCONNECT_TOKEN or WPPCONNECT_SECRET_KEY is required"))
	}
	if c.AggregationWindow <= 0 {
		errs = append(errs, errors.New("AGGREGATION_WINDOW must be positive"))
	}
	if c.EngineTimeout < 0 || c.DedupeWindow < 0 {
		errs = append(errs, errors.New("ENGINE_TIMEOUT and DEDUPE_WINDOW must not be negative"))
	}
	return errors.Join(errs...)
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c Config) NeedsAWS() bool {
	return c.UseSSM || c.StoreBackend == StoreDynamoDB
}

type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *env) bool(key string, def bool) bool {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// duration accepts Go duration strings ("1500ms") or plain seconds ("1.5").
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return time.Duration(secs * float64(time.Second))
}
