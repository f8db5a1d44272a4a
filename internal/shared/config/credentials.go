package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// CredentialConfig describes one pooled upstream key
type CredentialConfig struct {
	Label     string `yaml:"label"`
	Key       string `yaml:"key"`
	RateLimit int    `yaml:"rate_limit"`
}

type credentialsFile struct {
	Credentials []CredentialConfig `yaml:"credentials"`
}

// loadCredentials reads the pool from CREDENTIALS_FILE when set, otherwise
// from UPSTREAM_API_KEYS.
func loadCredentials(cfg *Config) ([]CredentialConfig, error) {
	var creds []CredentialConfig
	var err error
	if cfg.CredentialsFile != "" {
		creds, err = LoadCredentialsFile(cfg.CredentialsFile)
	} else {
		creds, err = ParseCredentialList(cfg.UpstreamAPIKeys)
	}
	if err != nil {
		return nil, err
	}

	for i := range creds {
		if creds[i].RateLimit <= 0 {
			creds[i].RateLimit = cfg.DefaultKeyRateLimit
		}
		if creds[i].Label == "" {
			creds[i].Label = fmt.Sprintf("key-%d", i)
		}
	}
	return creds, nil
}

// LoadCredentialsFile parses a YAML credential file. Values are passed through
// os.ExpandEnv so the file can reference secrets held in the environment.
func LoadCredentialsFile(path string) ([]CredentialConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var f credentialsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}

	creds := lo.Filter(f.Credentials, func(c CredentialConfig, _ int) bool {
		return strings.TrimSpace(c.Key) != ""
	})
	if len(creds) != len(f.Credentials) {
		return nil, fmt.Errorf("credentials file %s has entries without a key", path)
	}
	return creds, nil
}

// ParseCredentialList parses "label=key:limit,key2,..." where label and limit
// are optional.
func ParseCredentialList(raw string) ([]CredentialConfig, error) {
	entries := lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))

	creds := make([]CredentialConfig, 0, len(entries))
	for _, entry := range entries {
		var c CredentialConfig
		if label, rest, ok := strings.Cut(entry, "="); ok {
			c.Label = strings.TrimSpace(label)
			entry = rest
		}
		if i := strings.LastIndex(entry, ":"); i > 0 {
			limit, err := strconv.Atoi(entry[i+1:])
			if err != nil {
				return nil, fmt.Errorf("invalid rate limit in UPSTREAM_API_KEYS entry %q", c.Label)
			}
			c.RateLimit = limit
			entry = entry[:i]
		}
		c.Key = strings.TrimSpace(entry)
		if c.Key == "" {
			return nil, fmt.Errorf("empty key in UPSTREAM_API_KEYS")
		}
		creds = append(creds, c)
	}
	return creds, nil
}
