// Package config loads memoryd settings from defaults, an optional TOML file,
// credentials.toml, a .env file and the environment, in increasing priority.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/vinayprograms/memoryd/credentials"
	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/memory"
)

// DefaultConfigFile is read when MEMORYD_CONFIG is unset.
const DefaultConfigFile = "memoryd.toml"

// Config is the complete memoryd configuration.
type Config struct {
	OpenAI    OpenAIConfig    `toml:"openai"`
	Anthropic ProviderConfig  `toml:"anthropic"`
	Google    ProviderConfig  `toml:"google"`
	Memory    MemoryConfig    `toml:"memory"`
	Qdrant    QdrantConfig    `toml:"qdrant"`
	SelfBaker SelfBakerConfig `toml:"self_baker"`
	NATS      NATSConfig      `toml:"nats"`
	OTel      OTelConfig      `toml:"otel"`

	// CredentialsPath is the credentials file that was read, if any.
	CredentialsPath string `toml:"-"`
}

// OpenAIConfig configures the OpenAI-compatible endpoint used for
// embeddings and, by default, for chat.
type OpenAIConfig struct {
	APIKey     string `toml:"api_key" envconfig:"API_KEY"`
	BaseURL    string `toml:"base_url" envconfig:"BASE_URL"`
	EmbedModel string `toml:"embed_model" envconfig:"EMBED_MODEL"`
	ChatModel  string `toml:"chat_model" envconfig:"CHAT_MODEL"`
}

// ProviderConfig configures an alternative chat provider.
type ProviderConfig struct {
	APIKey string `toml:"api_key" envconfig:"API_KEY"`
	Model  string `toml:"model"`
}

// MemoryConfig groups the service settings.
type MemoryConfig struct {
	ChatProvider  string `toml:"chat_provider" envconfig:"CHAT_PROVIDER"`
	EmbedProvider string `toml:"embed_provider" envconfig:"EMBED_PROVIDER"`
	EmbedCache    int64  `toml:"embed_cache" envconfig:"EMBED_CACHE"`
	Store         string `toml:"store"`
	BlevePath     string `toml:"bleve_path" envconfig:"BLEVE_PATH"`
	SourceHost    string `toml:"source_host" envconfig:"SOURCE_HOST"`
	APIURL        string `toml:"api_url" envconfig:"API_URL"`
	ListenAddr    string `toml:"listen_addr" envconfig:"LISTEN_ADDR"`
	QueueSize     int    `toml:"queue_size" envconfig:"QUEUE_SIZE"`
	Workers       int    `toml:"workers"`
	MaxTextBytes  int    `toml:"max_text_bytes" envconfig:"MAX_TEXT_BYTES"`
	LogLevel      string `toml:"log_level" envconfig:"LOG_LEVEL"`

	// Requests per minute to the model backends. Zero is unlimited.
	ChatRPM  int `toml:"chat_rpm" envconfig:"CHAT_RPM"`
	EmbedRPM int `toml:"embed_rpm" envconfig:"EMBED_RPM"`
}

// QdrantConfig configures the Qdrant collection.
type QdrantConfig struct {
	URL        string `toml:"url"`
	APIKey     string `toml:"api_key" envconfig:"API_KEY"`
	Collection string `toml:"collection"`
	VectorSize int    `toml:"vector_size" envconfig:"VECTOR_SIZE"`
	Distance   string `toml:"distance"`
}

// SelfBakerConfig configures the consolidator.
type SelfBakerConfig struct {
	Interval int `toml:"interval"` // seconds
	Limit    int `toml:"limit"`
}

// NATSConfig selects the shared state backend. An empty URL keeps state
// in memory.
type NATSConfig struct {
	URL    string `toml:"url"`
	Bucket string `toml:"bucket"`
}

// OTelConfig configures trace export. An empty endpoint disables tracing.
type OTelConfig struct {
	Endpoint string `toml:"endpoint" envconfig:"EXPORTER_OTLP_ENDPOINT"`
	Protocol string `toml:"protocol" envconfig:"EXPORTER_OTLP_PROTOCOL"`
	Debug    bool   `toml:"debug" envconfig:"TRACE_DEBUG"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		OpenAI: OpenAIConfig{
			EmbedModel: "jeffh/intfloat-multilingual-e5-large:q8_0",
			ChatModel:  "GPT-OSS20B",
		},
		Anthropic: ProviderConfig{Model: "claude-3-5-haiku-latest"},
		Google:    ProviderConfig{Model: "gemini-1.5-flash"},
		Memory: MemoryConfig{
			ChatProvider:  "openai",
			EmbedProvider: "openai",
			EmbedCache:    1024,
			Store:         "qdrant",
			BlevePath:     "data",
			SourceHost:    "OpenWebUI",
			APIURL:        "http://memory-api:8000",
			ListenAddr:    ":8000",
			QueueSize:     64,
			Workers:       4,
			MaxTextBytes:  32768,
			LogLevel:      "INFO",
		},
		Qdrant: QdrantConfig{
			URL:        "http://qdrant:6333",
			Collection: "jar_el_memory",
			VectorSize: 1024,
			Distance:   "cosine",
		},
		SelfBaker: SelfBakerConfig{Interval: 600, Limit: 200},
		NATS:      NATSConfig{Bucket: "memoryd"},
		OTel:      OTelConfig{Protocol: "grpc"},
	}
}

// Options controls where Load looks.
type Options struct {
	// ConfigFile overrides MEMORYD_CONFIG / DefaultConfigFile.
	ConfigFile string
	// EnvFile is loaded into the environment without overriding it.
	// Default ".env".
	EnvFile string
	// CredentialsFile overrides the credentials.toml search.
	CredentialsFile string
	// SkipCredentials disables credentials.toml entirely.
	SkipCredentials bool
}

// Load builds the configuration with default options.
func Load() (*Config, error) {
	return LoadWith(Options{})
}

// LoadWith builds the configuration. Missing files are skipped; malformed
// ones are errors.
func LoadWith(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()

	path := opts.ConfigFile
	if path == "" {
		path = os.Getenv("MEMORYD_CONFIG")
	}
	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !os.IsNotExist(err) || explicit {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if !opts.SkipCredentials {
		if err := cfg.applyCredentials(opts.CredentialsFile); err != nil {
			return nil, err
		}
	}

	groups := []struct {
		prefix string
		spec   any
	}{
		{"OPENAI", &cfg.OpenAI},
		{"ANTHROPIC", &cfg.Anthropic},
		{"GOOGLE", &cfg.Google},
		{"MEMORY", &cfg.Memory},
		{"QDRANT", &cfg.Qdrant},
		{"SELF_BAKER", &cfg.SelfBaker},
		{"NATS", &cfg.NATS},
		{"OTEL", &cfg.OTel},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return nil, fmt.Errorf("environment %s_*: %w", g.prefix, err)
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyCredentials fills API keys from credentials.toml. The environment
// is applied afterwards and wins.
func (c *Config) applyCredentials(path string) error {
	var (
		creds *credentials.Credentials
		err   error
	)
	if path != "" {
		creds, err = credentials.LoadFile(path)
	} else {
		creds, path, err = credentials.Load()
	}
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	if creds == nil {
		return nil
	}
	c.CredentialsPath = path

	fill := func(dst *string, provider string) {
		if key := creds.FileKey(provider); key != "" {
			*dst = key
		}
	}
	fill(&c.OpenAI.APIKey, "openai")
	fill(&c.Anthropic.APIKey, "anthropic")
	fill(&c.Google.APIKey, "google")
	return nil
}

func (c *Config) normalize() {
	c.Memory.ChatProvider = strings.ToLower(strings.TrimSpace(c.Memory.ChatProvider))
	c.Memory.EmbedProvider = strings.ToLower(strings.TrimSpace(c.Memory.EmbedProvider))
	c.Memory.Store = strings.ToLower(strings.TrimSpace(c.Memory.Store))
	c.Qdrant.Distance = strings.ToLower(strings.TrimSpace(c.Qdrant.Distance))
	c.OTel.Protocol = strings.ToLower(strings.TrimSpace(c.OTel.Protocol))
}

// Validate checks enumerations and bounds. API keys are checked when the
// providers are built, since not every command needs them.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	switch c.Memory.ChatProvider {
	case "openai", "openai-compat", "ollama", "litellm", "anthropic", "google":
	default:
		check(false, "MEMORY_CHAT_PROVIDER %q is not supported", c.Memory.ChatProvider)
	}
	switch c.Memory.EmbedProvider {
	case "openai", "ollama", "google", "mock":
	default:
		check(false, "MEMORY_EMBED_PROVIDER %q is not supported", c.Memory.EmbedProvider)
	}
	switch c.Memory.Store {
	case "qdrant", "bleve":
	default:
		check(false, "MEMORY_STORE %q is not supported", c.Memory.Store)
	}
	_, err := memory.ParseDistance(c.Qdrant.Distance)
	check(err == nil, "QDRANT_DISTANCE %q is not supported", c.Qdrant.Distance)
	check(c.Qdrant.VectorSize > 0, "QDRANT_VECTOR_SIZE must be positive")
	check(strings.TrimSpace(c.Qdrant.Collection) != "", "QDRANT_COLLECTION is required")
	check(c.SelfBaker.Interval > 0, "SELF_BAKER_INTERVAL must be positive")
	check(c.SelfBaker.Limit > 0, "SELF_BAKER_LIMIT must be positive")
	check(c.Memory.QueueSize > 0, "MEMORY_QUEUE_SIZE must be positive")
	check(c.Memory.Workers > 0, "MEMORY_WORKERS must be positive")
	check(c.Memory.MaxTextBytes > 0, "MEMORY_MAX_TEXT_BYTES must be positive")
	check(c.Memory.ChatRPM >= 0, "MEMORY_CHAT_RPM must not be negative")
	check(c.Memory.EmbedRPM >= 0, "MEMORY_EMBED_RPM must not be negative")
	switch c.OTel.Protocol {
	case "", "grpc", "http", "http/protobuf":
	default:
		check(false, "OTEL_EXPORTER_OTLP_PROTOCOL %q is not supported", c.OTel.Protocol)
	}

	if len(problems) > 0 {
		return errors.InvalidInput("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// Distance returns the parsed vector distance.
func (c *Config) Distance() memory.Distance {
	d, _ := memory.ParseDistance(c.Qdrant.Distance)
	return d
}

// ConsolidationInterval returns SELF_BAKER_INTERVAL as a duration.
func (c *Config) ConsolidationInterval() time.Duration {
	return time.Duration(c.SelfBaker.Interval) * time.Second
}

// ChatModel returns the model for the configured chat provider.
func (c *Config) ChatModel() string {
	switch c.Memory.ChatProvider {
	case "anthropic":
		return c.Anthropic.Model
	case "google":
		return c.Google.Model
	default:
		return c.OpenAI.ChatModel
	}
}

// ChatAPIKey returns the key for the configured chat provider.
func (c *Config) ChatAPIKey() string {
	switch c.Memory.ChatProvider {
	case "anthropic":
		return c.Anthropic.APIKey
	case "google":
		return c.Google.APIKey
	default:
		return c.OpenAI.APIKey
	}
}

// EmbedAPIKey returns the key for the configured embedding provider.
func (c *Config) EmbedAPIKey() string {
	if c.Memory.EmbedProvider == "google" {
		return c.Google.APIKey
	}
	return c.OpenAI.APIKey
}
