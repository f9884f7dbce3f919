package security

import (
	"errors"
	"testing"

	"runbox/internal/domain"
)

func TestParseDelimiterLiteral(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		pattern string
		flags   string
		ok      bool
	}{
		{"bare pattern", `sk-[a-z]+`, `sk-[a-z]+`, "", false},
		{"no flags", `/sk-[a-z]+/`, `sk-[a-z]+`, "", true},
		{"single flag", `/token/i`, `token`, "i", true},
		{"multiple flags", `/secret/img`, `secret`, "img", true},
		{"escaped slash in body", `/a\/b/i`, `a\/b`, "i", true},
		{"double backslash before slash", `/a\\/i`, `a\\`, "i", true},
		{"trailing junk not flags", `/x/q`, `/x/q`, "", false},
		{"leading slash only", `/abc`, `/abc`, "", false},
		{"empty-ish", `/`, `/`, "", false},
		{"slash pair", `//`, ``, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pattern, flags, ok := parseDelimiterLiteral(tt.source)
			if pattern != tt.pattern || flags != tt.flags || ok != tt.ok {
				t.Errorf("parseDelimiterLiteral(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.source, pattern, flags, ok, tt.pattern, tt.flags, tt.ok)
			}
		})
	}
}

func TestMergeFlags(t *testing.T) {
	if got := mergeFlags("im", "gi"); got != "img" {
		t.Errorf("mergeFlags = %q, want %q", got, "img")
	}
	if got := mergeFlags("", ""); got != "" {
		t.Errorf("mergeFlags empty = %q", got)
	}
}

func TestCompileEntryRegexInlineFlags(t *testing.T) {
	re, err := compileEntryRegex(domain.SecretEntry{
		Kind:    domain.MatchRegex,
		Content: `/api[_-]key/i`,
		Origin:  domain.OriginGlobal,
	})
	if err != nil {
		t.Fatalf("compileEntryRegex: %v", err)
	}
	if !re.MatchString("API-KEY") {
		t.Error("case-insensitive flag not applied")
	}
}

func TestCompileEntryRegexExplicitFlags(t *testing.T) {
	re, err := compileEntryRegex(domain.SecretEntry{
		Kind:    domain.MatchRegex,
		Content: `^secret:`,
		Flags:   "m",
		Origin:  domain.OriginGlobal,
	})
	if err != nil {
		t.Fatalf("compileEntryRegex: %v", err)
	}
	if got := re.FindAllString("secret: a\nsecret: b", -1); len(got) != 2 {
		t.Errorf("multiline matches = %d, want 2", len(got))
	}
}

func TestCompileEntryRegexDotallFlag(t *testing.T) {
	re, err := compileEntryRegex(domain.SecretEntry{
		Kind:    domain.MatchRegex,
		Content: `/BEGIN.*END/s`,
		Origin:  domain.OriginGlobal,
	})
	if err != nil {
		t.Fatalf("compileEntryRegex: %v", err)
	}
	if !re.MatchString("BEGIN\nmiddle\nEND") {
		t.Error("dotall flag not applied")
	}
}

func TestCompileEntryRegexNoOpFlags(t *testing.T) {
	// g and u carry no extra meaning but are accepted.
	re, err := compileEntryRegex(domain.SecretEntry{
		Kind:    domain.MatchRegex,
		Content: `/tok[0-9]+/gu`,
		Origin:  domain.OriginGlobal,
	})
	if err != nil {
		t.Fatalf("compileEntryRegex: %v", err)
	}
	if !re.MatchString("tok42") {
		t.Error("pattern does not match")
	}
}

func TestCompileEntryRegexUnknownFlagFatal(t *testing.T) {
	_, err := compileEntryRegex(domain.SecretEntry{
		Kind:    domain.MatchRegex,
		Content: `/abc/x`,
		Origin:  domain.OriginGlobal,
	})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !errors.Is(err, domain.ErrSecretPattern) {
		t.Errorf("err = %v, want ErrSecretPattern", err)
	}
}

func TestIsSecretEnvName(t *testing.T) {
	secret := []string{"API_KEY", "aws_secret", "GH_TOKEN", "DB_PASSWORD", "USER_PASSWD", "CI_CREDENTIALS", "passkey"}
	for _, name := range secret {
		if !isSecretEnvName(name) {
			t.Errorf("isSecretEnvName(%q) = false, want true", name)
		}
	}
	plain := []string{"HOME", "PATH", "LANG", "TOKENIZER", "SECRETARY"}
	for _, name := range plain {
		if isSecretEnvName(name) {
			t.Errorf("isSecretEnvName(%q) = true, want false", name)
		}
	}
}
