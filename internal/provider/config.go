package provider

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	validatorpkg "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/haricheung/agentic-shell/internal/result"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces every ${NAME} literal token in raw with the value
// of the environment variable NAME, per §4.4/§6. When allowPlaceholder is
// false, an undefined variable fails with EnvVarMissing. When true, the
// literal token is retained and a warning is appended to warnings.
//
// Expectations:
//   - Substitutes a defined ${NAME} with its env value
//   - Leaves text with no ${...} tokens unchanged
//   - Fails with EnvVarMissing when allowPlaceholder=false and a var is unset
//   - Retains the literal ${NAME} token and appends a warning when
//     allowPlaceholder=true and the var is unset
//   - Is idempotent on its own output: a second pass over the result makes
//     no further substitutions (no ${...} tokens remain, or the remaining
//     placeholder text contains no env var that resolves differently)
func interpolateEnv(raw string, allowPlaceholder bool) (string, []string, *result.Error) {
	var warnings []string
	var missing string
	out := envVarPattern.ReplaceAllStringFunc(raw, func(tok string) string {
		name := envVarPattern.FindStringSubmatch(tok)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if allowPlaceholder {
			warnings = append(warnings, "environment variable "+name+" is unset; retaining literal placeholder")
			return tok
		}
		missing = name
		return tok
	})
	if missing != "" {
		return "", warnings, result.New(result.CategoryValidation, "EnvVarMissing",
			"environment variable "+missing+" is not set").WithContext("variable", missing)
	}
	return out, warnings, nil
}

var structValidator = validatorpkg.New()

// LoadConfig reads a YAML config document from path, applies environment
// variable interpolation, validates the decoded shape, and returns the
// validated PromptConfig. allowPlaceholder controls EnvVarMissing handling
// per interpolateEnv.
func LoadConfig(path string, allowPlaceholder bool) result.Result[*PromptConfig] {
	raw, err := os.ReadFile(path)
	if err != nil {
		return result.Err[*PromptConfig](result.Wrap(result.CategorySystem, "ConfigReadFailed",
			"could not read config file", err))
	}
	return loadConfigBytes(raw, allowPlaceholder)
}

func loadConfigBytes(raw []byte, allowPlaceholder bool) result.Result[*PromptConfig] {
	interpolated, _, ierr := interpolateEnv(string(raw), allowPlaceholder)
	if ierr != nil {
		return result.Err[*PromptConfig](ierr)
	}

	var cfg PromptConfig
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return result.Err[*PromptConfig](result.Wrap(result.CategoryValidation, "ConfigParseFailed",
			"config document is not valid YAML", err))
	}

	if verr := validate(&cfg); verr != nil {
		return result.Err[*PromptConfig](verr)
	}
	return result.Ok(&cfg)
}

// validate checks the post-decode invariants §4.4 mandates beyond
// struct-tag validation: at least one provider, defaults.provider is a key
// of providers, each provider has >=1 model, temperature in [0,2], all
// timeouts >= 1000ms.
func validate(cfg *PromptConfig) *result.Error {
	if err := structValidator.Struct(cfg); err != nil {
		return result.Wrap(result.CategoryValidation, "ConfigInvalid", "config failed field validation", err)
	}
	if len(cfg.Providers) == 0 {
		return result.New(result.CategoryValidation, "NoProviders", "config must declare at least one provider")
	}
	if _, ok := cfg.Providers[cfg.Defaults.Provider]; !ok {
		return result.New(result.CategoryValidation, "DefaultProviderUnknown",
			fmt.Sprintf("defaults.provider %q is not a configured provider", cfg.Defaults.Provider)).
			WithContext("provider", cfg.Defaults.Provider)
	}
	for name, p := range cfg.Providers {
		if len(p.Models) == 0 {
			return result.New(result.CategoryValidation, "NoModels",
				"provider has no models").WithContext("provider", name)
		}
		if p.TimeoutMs < 1000 {
			return result.New(result.CategoryValidation, "TimeoutTooLow",
				"provider timeout must be >= 1000ms").WithContext("provider", name)
		}
	}
	if cfg.Defaults.TimeoutMs < 1000 {
		return result.New(result.CategoryValidation, "TimeoutTooLow", "defaults.timeout must be >= 1000ms")
	}
	if cfg.Defaults.Temperature < 0 || cfg.Defaults.Temperature > 2 {
		return result.New(result.CategoryValidation, "TemperatureOutOfRange", "defaults.temperature must be in [0,2]")
	}
	if err := structValidator.Struct(cfg); err != nil {
		return result.Wrap(result.CategoryValidation, "ConfigInvalid", "config failed field validation", err)
	}
	return nil
}

// Serialize renders cfg back to the YAML shape LoadConfig accepts. Round
// tripping LoadConfig(Serialize(c)) must be semantically equivalent to c
// (modulo whitespace), per §8.
func Serialize(cfg *PromptConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ConfigCache holds a hot-reloadable PromptConfig snapshot. Readers always
// see a consistent config because reload swaps the pointer atomically
// under lock rather than mutating fields in place (copy-on-reload, §5).
type ConfigCache struct {
	mu   sync.RWMutex
	path string
	cfg  *PromptConfig
}

// NewConfigCache loads path once and returns a cache wrapping it.
func NewConfigCache(path string, allowPlaceholder bool) result.Result[*ConfigCache] {
	res := LoadConfig(path, allowPlaceholder)
	if res.IsErr() {
		return result.Err[*ConfigCache](res.Error())
	}
	return result.Ok(&ConfigCache{path: path, cfg: res.Value()})
}

// Current returns the currently cached config snapshot.
func (c *ConfigCache) Current() *PromptConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Reload re-reads the config file from disk and swaps the cached snapshot
// only if the reload succeeds — a failed reload leaves the previous
// snapshot in place so readers never observe a broken config.
func (c *ConfigCache) Reload(allowPlaceholder bool) result.Result[*PromptConfig] {
	res := LoadConfig(c.path, allowPlaceholder)
	if res.IsErr() {
		return res
	}
	c.mu.Lock()
	c.cfg = res.Value()
	c.mu.Unlock()
	return res
}

// unknownKeysWarning formats a §6 "unknown top-level keys → warning, not
// error" message for a best-effort check against the raw document's keys.
// Used by callers that want to surface config hygiene without failing load.
func unknownKeysWarning(raw map[string]any) []string {
	known := map[string]bool{"providers": true, "defaults": true, "features": true}
	var warnings []string
	for k := range raw {
		if !known[k] {
			warnings = append(warnings, "unknown top-level config key: "+k)
		}
	}
	return warnings
}

// CheckUnknownKeys parses raw as a generic YAML map and reports any
// top-level keys outside {providers, defaults, features}, per §6.
func CheckUnknownKeys(raw []byte) []string {
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil
	}
	return unknownKeysWarning(generic)
}
