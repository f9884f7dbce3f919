package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"runbox/internal/domain"
)

func writeSecretFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSecretEntries(t *testing.T) {
	path := writeSecretFile(t, `
secrets:
  - value: "plain-secret-value"
  - pattern: "/sk-[a-z0-9]+/i"
  - value: "masked-value"
    mode: replace
    replacement: "[gone]"
`)

	entries, err := LoadSecretEntries(path, domain.OriginGlobal)
	if err != nil {
		t.Fatalf("LoadSecretEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	if entries[0].Kind != domain.MatchPlain || entries[0].Content != "plain-secret-value" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[0].Mode != domain.ModeObfuscate {
		t.Errorf("entry 0 mode = %q, want obfuscate default", entries[0].Mode)
	}
	if entries[1].Kind != domain.MatchRegex || entries[1].Content != "/sk-[a-z0-9]+/i" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[2].Mode != domain.ModeReplace || entries[2].Replacement != "[gone]" {
		t.Errorf("entry 2 = %+v", entries[2])
	}
	for i, e := range entries {
		if e.Origin != domain.OriginGlobal {
			t.Errorf("entry %d origin = %q", i, e.Origin)
		}
	}
}

func TestLoadSecretEntriesMissingFile(t *testing.T) {
	entries, err := LoadSecretEntries("/nonexistent/secrets.yaml", domain.OriginProject)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if entries != nil {
		t.Errorf("entries = %v, want nil", entries)
	}
}

func TestLoadSecretEntriesInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte("secrets:\n  - value: \"x\"\n"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil { // WriteFile perms are filtered by umask
		t.Fatal(err)
	}
	if _, err := LoadSecretEntries(path, domain.OriginGlobal); err == nil {
		t.Error("expected error for world-writable secret file")
	}
}

func TestLoadSecretEntriesMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"value and pattern", `
secrets:
  - value: "a"
    pattern: "b"
`},
		{"neither value nor pattern", `
secrets:
  - mode: replace
`},
		{"unknown mode", `
secrets:
  - value: "a"
    mode: scramble
`},
		{"replacement without replace mode", `
secrets:
  - value: "a"
    replacement: "b"
`},
		{"flags on plain entry", `
secrets:
  - value: "a"
    flags: "i"
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSecretFile(t, tt.content)
			_, err := LoadSecretEntries(path, domain.OriginGlobal)
			if !errors.Is(err, domain.ErrSecretEntry) {
				t.Errorf("err = %v, want ErrSecretEntry", err)
			}
		})
	}
}

func TestLoadSecretEntriesEncrypted(t *testing.T) {
	const passphrase = "unit-test-key"
	t.Setenv(ConfigKeyEnv, passphrase)

	encrypted, err := EncryptValue("real-secret-value", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	path := writeSecretFile(t, `
secrets:
  - value: "enc:`+encrypted+`"
`)

	entries, err := LoadSecretEntries(path, domain.OriginGlobal)
	if err != nil {
		t.Fatalf("LoadSecretEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "real-secret-value" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLoadSecretEntriesEncryptedNoKey(t *testing.T) {
	t.Setenv(ConfigKeyEnv, "")

	path := writeSecretFile(t, `
secrets:
  - value: "enc:abcd:ef01"
`)

	_, err := LoadSecretEntries(path, domain.OriginGlobal)
	if !errors.Is(err, domain.ErrSecretEntry) {
		t.Errorf("err = %v, want ErrSecretEntry", err)
	}
}

func TestLoadSecretEntriesEmptyFile(t *testing.T) {
	path := writeSecretFile(t, "")
	entries, err := LoadSecretEntries(path, domain.OriginGlobal)
	if err != nil {
		t.Fatalf("LoadSecretEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %v, want none", entries)
	}
}
