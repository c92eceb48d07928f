// Package config loads the crawler's conf.json from one of a small set
// of fixed discovery paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/ddoxey/polite-crawler/internal/crawlerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultRateLimitMs = 500
const defaultCacheAgeLimitS = 86400

// Config is the decoded form of conf.json (spec.md §6).
type Config struct {
	CacheDir      string         `json:"cache_dir"`
	DataDir       string         `json:"data_dir"`
	PluginsDir    string         `json:"plugins_dir"`
	ScriptDir     string         `json:"script_dir"`
	PemDir        string         `json:"pem_dir"`
	UserAgentList string         `json:"user_agent_list"`
	CacheAgeLimit Seconds        `json:"cache_age_limit_s"`
	RateLimitMs   map[string]int `json:"rate_limit_ms"`
}

// DiscoveryPaths returns the fixed, first-existing-wins search order for
// conf.json.
func DiscoveryPaths() []string {
	home := os.Getenv("HOME")
	var paths []string
	if home != "" {
		paths = append(paths, filepath.Join(home, ".cache", "crawler", "conf.json"))
	}
	paths = append(paths, filepath.Join("crawler", "conf.json"))
	paths = append(paths, filepath.Join("/etc", "crawler", "conf.json"))
	return paths
}

// Load discovers and decodes conf.json, applying defaults for
// cache_age_limit_s and rate_limit_ms, and validating required paths.
func Load() (*Config, error) {
	var foundPath string
	for _, p := range DiscoveryPaths() {
		if _, err := os.Stat(p); err == nil {
			foundPath = p
			break
		}
	}
	if foundPath == "" {
		return nil, fmt.Errorf("%w: no conf.json found in %s", crawlerr.ErrConfigMissing, strings.Join(DiscoveryPaths(), ", "))
	}
	return LoadFrom(foundPath)
}

// LoadFrom decodes conf.json from an explicit path.
func LoadFrom(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", crawlerr.ErrConfigMissing, path, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", crawlerr.ErrConfigMalformed, path, err)
	}

	if cfg.CacheAgeLimit <= 0 {
		cfg.CacheAgeLimit = defaultCacheAgeLimitS
	}
	if cfg.RateLimitMs == nil {
		cfg.RateLimitMs = make(map[string]int)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"cache_dir":  c.CacheDir,
		"data_dir":   c.DataDir,
		"script_dir": c.ScriptDir,
		"pem_dir":    c.PemDir,
	}
	var missing []string
	for key, val := range required {
		if val == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required keys: %s", crawlerr.ErrConfigMalformed, strings.Join(missing, ", "))
	}
	return nil
}

// RateLimitFor returns the configured per-domain rate-limit interval in
// milliseconds, falling back to the 500ms default when unset.
func (c *Config) RateLimitFor(domain string) Milliseconds {
	if ms, ok := c.RateLimitMs[domain]; ok && ms > 0 {
		return Milliseconds(ms)
	}
	return Milliseconds(defaultRateLimitMs)
}
