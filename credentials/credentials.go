// Package credentials loads model API keys from credentials.toml.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the credentials file looked up in each standard directory.
const FileName = "credentials.toml"

// ErrInsecurePermissions is returned when the file is not mode 0400.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Credentials holds API keys by section. [llm] is the fallback for every
// provider without its own section.
type Credentials struct {
	llm       string
	providers map[string]string
}

// StandardPaths returns the credential file locations in order of priority.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "memoryd", FileName),
			filepath.Join(home, ".memoryd", FileName),
		)
	}
	return paths
}

// Load reads the first credentials file found in StandardPaths. A missing
// file is not an error: it returns nil credentials and an empty path.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			return creds, path, err
		}
	}
	return nil, "", nil
}

// LoadFile reads a specific credentials file. The file must be mode 0400.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	creds := &Credentials{providers: make(map[string]string)}
	for name, value := range raw {
		section, ok := value.(map[string]any)
		if !ok {
			continue
		}
		key, _ := section["api_key"].(string)
		if key == "" {
			continue
		}
		if name == "llm" {
			creds.llm = key
		} else {
			creds.providers[normalize(name)] = key
		}
	}
	return creds, nil
}

// FileKey returns the key stored for provider: its own section first, then
// [llm]. Empty when neither is set.
func (c *Credentials) FileKey(provider string) string {
	if c == nil {
		return ""
	}
	if key := c.providers[normalize(provider)]; key != "" {
		return key
	}
	return c.llm
}

// APIKey resolves the key for provider. The environment variable wins over
// the file.
func (c *Credentials) APIKey(provider string) string {
	if key := os.Getenv(EnvVar(provider)); key != "" {
		return key
	}
	return c.FileKey(provider)
}

// EnvVar returns the environment variable holding provider's key.
func EnvVar(provider string) string {
	switch normalize(provider) {
	case "openai", "openaicompat", "ollama", "litellm":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	}
}

func normalize(provider string) string {
	return strings.ToLower(strings.ReplaceAll(provider, "-", ""))
}
