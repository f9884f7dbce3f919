package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"runbox/internal/domain"
)

// ConfigKeyEnv names the env var holding the passphrase for enc: values.
const ConfigKeyEnv = EnvPrefix + "CONFIG_KEY"

const encPrefix = "enc:"

// secretFile is the YAML shape of a secret definition file.
type secretFile struct {
	Secrets []secretFileEntry `yaml:"secrets"`
}

type secretFileEntry struct {
	// Value and Pattern are mutually exclusive; exactly one is required.
	Value       string `yaml:"value"`
	Pattern     string `yaml:"pattern"`
	Flags       string `yaml:"flags"`
	Mode        string `yaml:"mode"` // obfuscate (default) or replace
	Replacement string `yaml:"replacement"`
}

// LoadSecretEntries reads one secret definition file and returns entries
// tagged with the given origin. A missing file yields no entries; any
// malformed entry is a fatal error, since silently dropping a secret
// matcher is a security regression. Values prefixed "enc:" are decrypted
// with the RUNBOX_CONFIG_KEY passphrase.
func LoadSecretEntries(path string, origin domain.SecretOrigin) ([]domain.SecretEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read secret file %s: %w", path, err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, err
	}

	var sf secretFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse secret file %s: %w", path, err)
	}

	passphrase := os.Getenv(ConfigKeyEnv)

	entries := make([]domain.SecretEntry, 0, len(sf.Secrets))
	for i, fe := range sf.Secrets {
		entry, err := fe.toDomain(origin, passphrase)
		if err != nil {
			return nil, domain.NewSubSystemError("secrets", "LoadSecretEntries", domain.ErrSecretEntry,
				fmt.Sprintf("%s entry %d: %v", path, i, err))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (fe secretFileEntry) toDomain(origin domain.SecretOrigin, passphrase string) (domain.SecretEntry, error) {
	var entry domain.SecretEntry

	switch {
	case fe.Value != "" && fe.Pattern != "":
		return entry, fmt.Errorf("value and pattern are mutually exclusive")
	case fe.Value != "":
		entry.Kind = domain.MatchPlain
		entry.Content = fe.Value
	case fe.Pattern != "":
		entry.Kind = domain.MatchRegex
		entry.Content = fe.Pattern
	default:
		return entry, fmt.Errorf("one of value or pattern is required")
	}

	if strings.HasPrefix(entry.Content, encPrefix) {
		if passphrase == "" {
			return entry, fmt.Errorf("encrypted entry but %s is not set", ConfigKeyEnv)
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(entry.Content, encPrefix), passphrase)
		if err != nil {
			return entry, fmt.Errorf("decrypt: %w", err)
		}
		entry.Content = decrypted
	}

	switch fe.Mode {
	case "", string(domain.ModeObfuscate):
		entry.Mode = domain.ModeObfuscate
	case string(domain.ModeReplace):
		entry.Mode = domain.ModeReplace
	default:
		return entry, fmt.Errorf("unknown mode %q (want obfuscate or replace)", fe.Mode)
	}

	if fe.Replacement != "" && entry.Mode != domain.ModeReplace {
		return entry, fmt.Errorf("replacement is only valid in replace mode")
	}
	if fe.Flags != "" && entry.Kind != domain.MatchRegex {
		return entry, fmt.Errorf("flags are only valid for pattern entries")
	}

	entry.Flags = fe.Flags
	entry.Replacement = fe.Replacement
	entry.Origin = origin
	return entry, nil
}
