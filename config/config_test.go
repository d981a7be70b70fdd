package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/memory"
)

var envKeys = []string{
	"MEMORYD_CONFIG",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_EMBED_MODEL", "OPENAI_CHAT_MODEL",
	"ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "GOOGLE_API_KEY", "GOOGLE_MODEL",
	"MEMORY_CHAT_PROVIDER", "MEMORY_EMBED_PROVIDER", "MEMORY_EMBED_CACHE", "MEMORY_STORE",
	"MEMORY_BLEVE_PATH", "MEMORY_SOURCE_HOST", "MEMORY_API_URL", "MEMORY_LISTEN_ADDR",
	"MEMORY_QUEUE_SIZE", "MEMORY_WORKERS", "MEMORY_MAX_TEXT_BYTES", "MEMORY_LOG_LEVEL",
	"MEMORY_CHAT_RPM", "MEMORY_EMBED_RPM",
	"QDRANT_URL", "QDRANT_API_KEY", "QDRANT_COLLECTION", "QDRANT_VECTOR_SIZE", "QDRANT_DISTANCE",
	"SELF_BAKER_INTERVAL", "SELF_BAKER_LIMIT", "NATS_URL", "NATS_BUCKET",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_PROTOCOL", "OTEL_TRACE_DEBUG",
}

// isolate runs the test in an empty directory with no memoryd variables set.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return dir
}

func TestDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	checks := map[string][2]any{
		"embed model":   {cfg.OpenAI.EmbedModel, "jeffh/intfloat-multilingual-e5-large:q8_0"},
		"chat model":    {cfg.ChatModel(), "GPT-OSS20B"},
		"qdrant url":    {cfg.Qdrant.URL, "http://qdrant:6333"},
		"collection":    {cfg.Qdrant.Collection, "jar_el_memory"},
		"vector size":   {cfg.Qdrant.VectorSize, 1024},
		"distance":      {cfg.Distance(), memory.DistanceCosine},
		"interval":      {cfg.ConsolidationInterval(), 600 * time.Second},
		"limit":         {cfg.SelfBaker.Limit, 200},
		"source host":   {cfg.Memory.SourceHost, "OpenWebUI"},
		"api url":       {cfg.Memory.APIURL, "http://memory-api:8000"},
		"listen":        {cfg.Memory.ListenAddr, ":8000"},
		"store":         {cfg.Memory.Store, "qdrant"},
		"queue":         {cfg.Memory.QueueSize, 64},
		"workers":       {cfg.Memory.Workers, 4},
		"max text":      {cfg.Memory.MaxTextBytes, 32768},
		"nats url":      {cfg.NATS.URL, ""},
		"nats bucket":   {cfg.NATS.Bucket, "memoryd"},
		"otel endpoint": {cfg.OTel.Endpoint, ""},
		"chat rpm":      {cfg.Memory.ChatRPM, 0},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %v, want %v", name, c[0], c[1])
		}
	}
	if cfg.CredentialsPath != "" {
		t.Errorf("unexpected credentials path %q", cfg.CredentialsPath)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("OPENAI_BASE_URL", "http://llm:4000/v1")
	t.Setenv("QDRANT_COLLECTION", "other")
	t.Setenv("QDRANT_VECTOR_SIZE", "768")
	t.Setenv("QDRANT_DISTANCE", "Euclid")
	t.Setenv("SELF_BAKER_INTERVAL", "30")
	t.Setenv("MEMORY_STORE", "bleve")
	t.Setenv("MEMORY_WORKERS", "2")
	t.Setenv("MEMORY_API_URL", "http://localhost:9000")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("MEMORY_EMBED_RPM", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-env" || cfg.OpenAI.BaseURL != "http://llm:4000/v1" {
		t.Errorf("openai = %+v", cfg.OpenAI)
	}
	if cfg.Qdrant.Collection != "other" || cfg.Qdrant.VectorSize != 768 {
		t.Errorf("qdrant = %+v", cfg.Qdrant)
	}
	if cfg.Distance() != memory.DistanceEuclid {
		t.Errorf("distance = %s", cfg.Distance())
	}
	if cfg.ConsolidationInterval() != 30*time.Second {
		t.Errorf("interval = %v", cfg.ConsolidationInterval())
	}
	if cfg.Memory.Store != "bleve" || cfg.Memory.Workers != 2 || cfg.Memory.APIURL != "http://localhost:9000" {
		t.Errorf("memory = %+v", cfg.Memory)
	}
	if cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("nats = %+v", cfg.NATS)
	}
	if cfg.Memory.EmbedRPM != 120 {
		t.Errorf("embed rpm = %d", cfg.Memory.EmbedRPM)
	}
}

func TestFileThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	content := `
[memory]
chat_provider = "anthropic"
source_host = "Desktop"

[anthropic]
model = "claude-3-5-sonnet-latest"

[qdrant]
collection = "from_file"

[self_baker]
limit = 50
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MEMORYD_CONFIG", path)
	t.Setenv("QDRANT_COLLECTION", "from_env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.ChatProvider != "anthropic" || cfg.ChatModel() != "claude-3-5-sonnet-latest" {
		t.Errorf("chat = %s / %s", cfg.Memory.ChatProvider, cfg.ChatModel())
	}
	if cfg.Memory.SourceHost != "Desktop" || cfg.SelfBaker.Limit != 50 {
		t.Errorf("file values not applied: %+v %+v", cfg.Memory, cfg.SelfBaker)
	}
	if cfg.Qdrant.Collection != "from_env" {
		t.Errorf("collection = %q, environment must win", cfg.Qdrant.Collection)
	}
	if cfg.Qdrant.VectorSize != 1024 {
		t.Errorf("unset file value lost its default: %d", cfg.Qdrant.VectorSize)
	}
}

func TestDotEnv(t *testing.T) {
	dir := isolate(t)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MEMORY_SOURCE_HOST=FromDotEnv\nOPENAI_CHAT_MODEL=dotenv-model\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENAI_CHAT_MODEL", "real-env")

	cfg, err := Load()
	// godotenv sets variables in the process; drop them again.
	os.Unsetenv("MEMORY_SOURCE_HOST")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.SourceHost != "FromDotEnv" {
		t.Errorf("source host = %q", cfg.Memory.SourceHost)
	}
	if cfg.OpenAI.ChatModel != "real-env" {
		t.Errorf(".env must not override the environment, got %q", cfg.OpenAI.ChatModel)
	}
}

func TestCredentialsFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "credentials.toml")
	content := "[llm]\napi_key = \"generic\"\n\n[google]\napi_key = \"g-file\"\n"
	if err := os.WriteFile(path, []byte(content), 0400); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOOGLE_API_KEY", "g-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CredentialsPath != "credentials.toml" {
		t.Errorf("credentials path = %q", cfg.CredentialsPath)
	}
	if cfg.OpenAI.APIKey != "generic" {
		t.Errorf("openai key = %q, want [llm] fallback", cfg.OpenAI.APIKey)
	}
	if cfg.Google.APIKey != "g-env" {
		t.Errorf("google key = %q, environment must win", cfg.Google.APIKey)
	}
}

func TestCredentialsInsecure(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "creds.toml")
	if err := os.WriteFile(path, []byte("[llm]\napi_key = \"k\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWith(Options{CredentialsFile: path}); err == nil {
		t.Fatal("expected error for mode 0644")
	}
	if _, err := LoadWith(Options{CredentialsFile: path, SkipCredentials: true}); err != nil {
		t.Fatalf("SkipCredentials: %v", err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"MEMORY_STORE", "redis", "MEMORY_STORE"},
		{"MEMORY_EMBED_PROVIDER", "cohere", "MEMORY_EMBED_PROVIDER"},
		{"MEMORY_CHAT_PROVIDER", "mistral", "MEMORY_CHAT_PROVIDER"},
		{"QDRANT_DISTANCE", "dot", "QDRANT_DISTANCE"},
		{"QDRANT_VECTOR_SIZE", "0", "QDRANT_VECTOR_SIZE"},
		{"SELF_BAKER_INTERVAL", "-1", "SELF_BAKER_INTERVAL"},
		{"MEMORY_QUEUE_SIZE", "0", "MEMORY_QUEUE_SIZE"},
		{"MEMORY_CHAT_RPM", "-5", "MEMORY_CHAT_RPM"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Fatalf("err = %v, want invalid input", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not name %s", err, tt.want)
			}
		})
	}
}

func TestMalformedEnv(t *testing.T) {
	isolate(t)
	t.Setenv("MEMORY_WORKERS", "many")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric MEMORY_WORKERS")
	}
}

func TestExplicitConfigMissing(t *testing.T) {
	isolate(t)
	t.Setenv("MEMORYD_CONFIG", "does-not-exist.toml")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestProviderAccessors(t *testing.T) {
	cfg := Default()
	cfg.OpenAI.APIKey = "o"
	cfg.Anthropic.APIKey = "a"
	cfg.Google.APIKey = "g"

	cfg.Memory.ChatProvider = "google"
	if cfg.ChatAPIKey() != "g" || cfg.ChatModel() != "gemini-1.5-flash" {
		t.Errorf("google chat = %s / %s", cfg.ChatAPIKey(), cfg.ChatModel())
	}
	cfg.Memory.EmbedProvider = "google"
	if cfg.EmbedAPIKey() != "g" {
		t.Errorf("google embed key = %s", cfg.EmbedAPIKey())
	}
	cfg.Memory.EmbedProvider = "ollama"
	if cfg.EmbedAPIKey() != "o" {
		t.Errorf("ollama embed key = %s", cfg.EmbedAPIKey())
	}
}
