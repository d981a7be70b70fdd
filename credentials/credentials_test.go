package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeCreds(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStandardPaths(t *testing.T) {
	paths := StandardPaths()
	if len(paths) < 2 {
		t.Errorf("expected at least 2 standard paths, got %d", len(paths))
	}
	if paths[0] != "credentials.toml" {
		t.Errorf("first path should be credentials.toml, got %s", paths[0])
	}
}

func TestLoadFile(t *testing.T) {
	path := writeCreds(t, `
[anthropic]
api_key = "sk-ant-test123"

[openai]
api_key = "sk-openai-test456"
`, 0400)

	creds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := creds.FileKey("anthropic"); got != "sk-ant-test123" {
		t.Errorf("anthropic key = %q", got)
	}
	if got := creds.FileKey("openai"); got != "sk-openai-test456" {
		t.Errorf("openai key = %q", got)
	}
	if got := creds.FileKey("google"); got != "" {
		t.Errorf("google key = %q, want empty", got)
	}
}

func TestLoadFile_ProviderOverridesLLM(t *testing.T) {
	path := writeCreds(t, `
[llm]
api_key = "generic-key"

[google]
api_key = "google-key"
`, 0400)

	creds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := creds.FileKey("google"); got != "google-key" {
		t.Errorf("google key = %q", got)
	}
	if got := creds.FileKey("openai-compat"); got != "generic-key" {
		t.Errorf("openai-compat key = %q, want [llm] fallback", got)
	}
}

func TestLoadFile_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission check not applicable on Windows")
	}
	for _, mode := range []os.FileMode{0644, 0600, 0440} {
		path := writeCreds(t, "[llm]\napi_key = \"secret\"\n", mode)
		_, err := LoadFile(path)
		if !errors.Is(err, ErrInsecurePermissions) {
			t.Errorf("mode %04o: expected ErrInsecurePermissions, got %v", mode, err)
		}
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := writeCreds(t, "[openai\napi_key = ", 0400)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAPIKey_EnvironmentWins(t *testing.T) {
	path := writeCreds(t, "[openai]\napi_key = \"from-file\"\n", 0400)
	creds, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("OPENAI_API_KEY", "")
	if got := creds.APIKey("openai"); got != "from-file" {
		t.Errorf("key = %q, want from-file", got)
	}

	t.Setenv("OPENAI_API_KEY", "from-env")
	if got := creds.APIKey("openai"); got != "from-env" {
		t.Errorf("key = %q, want from-env", got)
	}
}

func TestAPIKey_NilCredentials(t *testing.T) {
	var creds *Credentials
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	if got := creds.APIKey("anthropic"); got != "env-key" {
		t.Errorf("key = %q, want env-key", got)
	}
	if got := creds.FileKey("anthropic"); got != "" {
		t.Errorf("nil FileKey = %q", got)
	}
}

func TestEnvVar(t *testing.T) {
	tests := map[string]string{
		"openai":        "OPENAI_API_KEY",
		"openai-compat": "OPENAI_API_KEY",
		"ollama":        "OPENAI_API_KEY",
		"anthropic":     "ANTHROPIC_API_KEY",
		"google":        "GOOGLE_API_KEY",
		"my-provider":   "MY_PROVIDER_API_KEY",
	}
	for provider, want := range tests {
		if got := EnvVar(provider); got != want {
			t.Errorf("EnvVar(%q) = %q, want %q", provider, got, want)
		}
	}
}

func TestLoad_FromCurrentDir(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	creds, path, err := Load()
	if err != nil || creds != nil || path != "" {
		t.Fatalf("no file: got %v, %q, %v", creds, path, err)
	}

	if err := os.WriteFile(FileName, []byte("[llm]\napi_key = \"cwd-key\"\n"), 0400); err != nil {
		t.Fatal(err)
	}
	creds, path, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if path != FileName || creds.FileKey("openai") != "cwd-key" {
		t.Errorf("got path %q key %q", path, creds.FileKey("openai"))
	}
}
