package resources

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrConfigurationMissing matches every *ConfigurationMissingError.
var ErrConfigurationMissing = errors.New("configuration missing")

// ConfigurationMissingError reports mandatory settings that were absent when a handle was built.
type ConfigurationMissingError struct {
	Kind Kind
	Keys []string
}

func (e *ConfigurationMissingError) Error() string {
	if len(e.Keys) > 1 {
		return fmt.Sprintf("configuration missing for %s: set one of %s", e.Kind, strings.Join(e.Keys, ", "))
	}
	return fmt.Sprintf("configuration missing for %s: %s is not set", e.Kind, strings.Join(e.Keys, ", "))
}

func (e *ConfigurationMissingError) Is(target error) bool {
	return target == ErrConfigurationMissing
}

// Env is the source of external-system configuration.
type Env interface {
	Lookup(key string) (string, bool)
}

// EnvFunc adapts a lookup function to Env.
type EnvFunc func(key string) (string, bool)

func (f EnvFunc) Lookup(key string) (string, bool) { return f(key) }

// ProcessEnv reads the process environment.
var ProcessEnv Env = EnvFunc(os.LookupEnv)

// MapEnv is a fixed environment, used in tests and embedded setups.
type MapEnv map[string]string

func (m MapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Config is the view of the environment handed to a factory. Missing mandatory keys are
// collected and reported together by Err.
type Config struct {
	kind    Kind
	env     Env
	missing []string
}

func newConfig(kind Kind, env Env) *Config {
	return &Config{kind: kind, env: env}
}

// Kind returns the kind being constructed.
func (c *Config) Kind() Kind { return c.kind }

func (c *Config) lookup(key string) (string, bool) {
	v, ok := c.env.Lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Require returns a mandatory setting and records it as missing when absent.
func (c *Config) Require(key string) string {
	v, ok := c.lookup(key)
	if !ok {
		c.missing = append(c.missing, key)
	}
	return v
}

// Optional returns a setting or def.
func (c *Config) Optional(key, def string) string {
	if v, ok := c.lookup(key); ok {
		return v
	}
	return def
}

// RequireOne returns the first of keys that is set. When none is, all keys are recorded as a
// single alternative.
func (c *Config) RequireOne(keys ...string) (string, string) {
	for _, k := range keys {
		if v, ok := c.lookup(k); ok {
			return k, v
		}
	}
	c.missing = append(c.missing, keys...)
	return "", ""
}

// Err returns a *ConfigurationMissingError if any mandatory key was absent.
func (c *Config) Err() error {
	if len(c.missing) == 0 {
		return nil
	}
	return &ConfigurationMissingError{Kind: c.kind, Keys: append([]string(nil), c.missing...)}
}
