package security

import (
	"fmt"
	"regexp"
	"strings"

	"runbox/internal/domain"
)

// parseDelimiterLiteral splits a "/pattern/flags" source into its embedded
// pattern and flags. Sources not in delimiter-literal form are returned
// unchanged with no flags. The pattern body may contain escaped slashes
// ("\/"); only the last unescaped slash terminates it.
func parseDelimiterLiteral(source string) (pattern, flags string, ok bool) {
	if len(source) < 2 || source[0] != '/' {
		return source, "", false
	}

	end := -1
	for i := len(source) - 1; i > 0; i-- {
		if source[i] != '/' {
			continue
		}
		// Count preceding backslashes; an odd run means the slash is escaped.
		bs := 0
		for j := i - 1; j > 0 && source[j] == '\\'; j-- {
			bs++
		}
		if bs%2 == 0 {
			end = i
		}
		break
	}
	if end <= 0 {
		return source, "", false
	}

	body := source[1:end]
	tail := source[end+1:]
	for _, r := range tail {
		if !isFlagLetter(byte(r)) {
			// Trailing junk that is not a flag set; treat the whole source
			// as a bare pattern.
			return source, "", false
		}
	}
	return body, tail, true
}

func isFlagLetter(b byte) bool {
	switch b {
	case 'i', 'm', 's', 'g', 'u':
		return true
	}
	return false
}

// mergeFlags unions two flag strings, deduplicated, embedded flags first.
func mergeFlags(embedded, explicit string) string {
	var out []byte
	seen := map[byte]bool{}
	for _, src := range []string{embedded, explicit} {
		for i := 0; i < len(src); i++ {
			if !seen[src[i]] {
				seen[src[i]] = true
				out = append(out, src[i])
			}
		}
	}
	return string(out)
}

// compileEntryRegex compiles a regex entry to a Go regexp. Delimiter-literal
// sources have their embedded flags unioned with the entry's explicit flags.
// Supported flags: i, m, s (mapped to Go inline flags); g and u are inherent
// to how redaction scans (replace-all, UTF-8) and are accepted as no-ops.
// Any other flag, or a pattern that does not compile, is a fatal
// configuration error.
func compileEntryRegex(entry domain.SecretEntry) (*regexp.Regexp, error) {
	pattern, embedded, _ := parseDelimiterLiteral(entry.Content)
	flags := mergeFlags(embedded, entry.Flags)

	var inline []byte
	for i := 0; i < len(flags); i++ {
		switch flags[i] {
		case 'i', 'm', 's':
			inline = append(inline, flags[i])
		case 'g', 'u':
			// Redaction always replaces every occurrence and operates on
			// UTF-8 text, so these carry no extra meaning.
		default:
			return nil, domain.NewDomainError("compileEntryRegex", domain.ErrSecretPattern,
				fmt.Sprintf("unsupported flag %q in %q", string(flags[i]), entry.Content))
		}
	}

	src := pattern
	if len(inline) > 0 {
		src = "(?" + string(inline) + ")" + pattern
	}

	re, err := regexp.Compile(src)
	if err != nil {
		return nil, domain.NewDomainError("compileEntryRegex", domain.ErrSecretPattern,
			fmt.Sprintf("%q: %v", entry.Content, err))
	}
	return re, nil
}

// secretSuffixes is the env var name family treated as secret-bearing.
var secretSuffixes = []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "PASSWD", "CREDENTIALS"}

// isSecretEnvName reports whether an environment variable name looks like
// it holds a secret.
func isSecretEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}
