package provider

import (
	"os"
	"testing"
)

const sampleConfigYAML = `
providers:
  ollama:
    type: local
    baseUrl: http://localhost:11434
    timeout: 30000
    models:
      - name: llama3
        contextLength: 8192
        default: true
  openai:
    type: remote
    baseUrl: https://api.openai.com/v1
    apiKey: ${TEST_OPENAI_KEY}
    timeout: 15000
    models:
      - name: gpt-4o
        contextLength: 128000
defaults:
  provider: ollama
  temperature: 0.7
  maxTokens: 1024
  timeout: 30000
features:
  enableStreaming: true
  enableRetries: true
  enableFallback: false
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "promptconfig-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	if _, err := f.WriteString(body); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoadConfigSubstitutesEnvVar(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-123")
	path := writeTempConfig(t, sampleConfigYAML)

	res := LoadConfig(path, false)
	if res.IsErr() {
		t.Fatalf("unexpected error: %v", res.Error())
	}
	cfg := res.Value()
	if cfg.Providers["openai"].APIKey != "sk-test-123" {
		t.Errorf("got api key %q, want substituted env value", cfg.Providers["openai"].APIKey)
	}
}

func TestLoadConfigMissingEnvVarFailsByDefault(t *testing.T) {
	os.Unsetenv("TEST_OPENAI_KEY_UNSET")
	body := `
providers:
  openai:
    type: remote
    apiKey: ${TEST_OPENAI_KEY_UNSET}
    timeout: 15000
    models:
      - name: gpt-4o
        contextLength: 128000
defaults:
  provider: openai
  temperature: 0.5
  maxTokens: 512
  timeout: 15000
`
	path := writeTempConfig(t, body)
	res := LoadConfig(path, false)
	if !res.IsErr() || res.Error().Code != "EnvVarMissing" {
		t.Fatalf("expected EnvVarMissing, got %+v", res.Error())
	}
}

func TestLoadConfigMissingEnvVarRetainsPlaceholderWhenAllowed(t *testing.T) {
	os.Unsetenv("TEST_OPENAI_KEY_UNSET2")
	body := `
providers:
  openai:
    type: remote
    apiKey: ${TEST_OPENAI_KEY_UNSET2}
    timeout: 15000
    models:
      - name: gpt-4o
        contextLength: 128000
defaults:
  provider: openai
  temperature: 0.5
  maxTokens: 512
  timeout: 15000
`
	path := writeTempConfig(t, body)
	res := LoadConfig(path, true)
	if res.IsErr() {
		t.Fatalf("unexpected error: %v", res.Error())
	}
	if res.Value().Providers["openai"].APIKey != "${TEST_OPENAI_KEY_UNSET2}" {
		t.Errorf("expected literal placeholder retained, got %q", res.Value().Providers["openai"].APIKey)
	}
}

func TestLoadConfigRejectsUnknownDefaultProvider(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "x")
	body := `
providers:
  ollama:
    type: local
    timeout: 30000
    models:
      - name: llama3
        contextLength: 8192
defaults:
  provider: nonexistent
  temperature: 0.5
  maxTokens: 512
  timeout: 30000
`
	path := writeTempConfig(t, body)
	res := LoadConfig(path, false)
	if !res.IsErr() || res.Error().Code != "DefaultProviderUnknown" {
		t.Fatalf("expected DefaultProviderUnknown, got %+v", res.Error())
	}
}

func TestLoadConfigRejectsTemperatureOutOfRange(t *testing.T) {
	body := `
providers:
  ollama:
    type: local
    timeout: 30000
    models:
      - name: llama3
        contextLength: 8192
defaults:
  provider: ollama
  temperature: 5.0
  maxTokens: 512
  timeout: 30000
`
	path := writeTempConfig(t, body)
	res := LoadConfig(path, false)
	if !res.IsErr() || res.Error().Code != "TemperatureOutOfRange" {
		t.Fatalf("expected TemperatureOutOfRange, got %+v", res.Error())
	}
}

func TestLoadConfigRejectsLowTimeout(t *testing.T) {
	body := `
providers:
  ollama:
    type: local
    timeout: 500
    models:
      - name: llama3
        contextLength: 8192
defaults:
  provider: ollama
  temperature: 0.5
  maxTokens: 512
  timeout: 30000
`
	path := writeTempConfig(t, body)
	res := LoadConfig(path, false)
	if !res.IsErr() || res.Error().Code != "TimeoutTooLow" {
		t.Fatalf("expected TimeoutTooLow, got %+v", res.Error())
	}
}

func TestLoadConfigRejectsNoModels(t *testing.T) {
	body := `
providers:
  ollama:
    type: local
    timeout: 30000
    models: []
defaults:
  provider: ollama
  temperature: 0.5
  maxTokens: 512
  timeout: 30000
`
	path := writeTempConfig(t, body)
	res := LoadConfig(path, false)
	if !res.IsErr() {
		t.Fatalf("expected validation failure for empty models list")
	}
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	res := LoadConfig("/nonexistent/path/to/config.yaml", false)
	if !res.IsErr() || res.Error().Code != "ConfigReadFailed" {
		t.Fatalf("expected ConfigReadFailed, got %+v", res.Error())
	}
}

func TestConfigCacheReloadKeepsPreviousOnFailure(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-123")
	path := writeTempConfig(t, sampleConfigYAML)

	cacheRes := NewConfigCache(path, false)
	if cacheRes.IsErr() {
		t.Fatalf("unexpected error: %v", cacheRes.Error())
	}
	cache := cacheRes.Value()
	original := cache.Current()

	if err := os.WriteFile(path, []byte("providers: {}\n"), 0o644); err != nil {
		t.Fatalf("failed to corrupt config: %v", err)
	}
	reloadRes := cache.Reload(false)
	if !reloadRes.IsErr() {
		t.Fatalf("expected reload of invalid config to fail")
	}
	if cache.Current() != original {
		t.Errorf("expected cache to retain previous snapshot after failed reload")
	}
}

func TestCheckUnknownKeysReportsExtras(t *testing.T) {
	body := []byte("providers:\n  x: {}\ndefaults:\n  provider: x\nweirdKey: 1\n")
	warnings := CheckUnknownKeys(body)
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one unknown-key warning, got %v", warnings)
	}
}
