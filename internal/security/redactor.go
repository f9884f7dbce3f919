package security

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"runbox/internal/domain"
)

// DefaultMinSecretLength is the minimum value length for env-derived entries.
const DefaultMinSecretLength = 8

// placeholderRe matches the wire token <<$env:S{n}>> with a canonical
// decimal index (no leading zeros).
var placeholderRe = regexp.MustCompile(`<<\$env:S(0|[1-9][0-9]*)>>`)

// CompileOptions controls environment scanning during compilation.
type CompileOptions struct {
	// EnvScan enables deriving entries from the environment snapshot.
	EnvScan bool
	// MinLength is the minimum env value length; 0 selects the default.
	MinLength int
}

// compiledEntry is one matcher after compilation. index is the placeholder
// index for obfuscate-mode entries and -1 for replace-mode entries.
type compiledEntry struct {
	entry domain.SecretEntry
	re    *regexp.Regexp // nil for plain entries
	index int
}

// Redactor holds an immutable compiled matcher set. It performs the two
// inverse transforms of the secret boundary: Redact replaces secret spans
// in outbound text, Restore substitutes placeholders in model-supplied
// structured values back to the original content. Safe for concurrent use
// once compiled.
type Redactor struct {
	entries []compiledEntry
	byIndex map[int]string // placeholder index -> original content
}

// Compile merges env-derived and file-derived entries into a matcher set.
//
// Env-derived entries come from every variable in environ whose name ends
// with a secret-like suffix and whose value meets the minimum length; they
// are sorted by name and compiled first so placeholder index assignment is
// deterministic across a session. File entries follow, global level then
// project level; on content collision the later entry overrides the
// earlier one's attributes in place, preserving merge position so indexes
// stay stable. Obfuscate-mode entries receive monotonically increasing
// placeholder indexes in merge order.
//
// A regex entry that fails to compile is a fatal error: a silently dropped
// matcher is a security regression.
func Compile(environ map[string]string, global, project []domain.SecretEntry, opts CompileOptions) (*Redactor, error) {
	minLen := opts.MinLength
	if minLen <= 0 {
		minLen = DefaultMinSecretLength
	}

	var merged []domain.SecretEntry
	if opts.EnvScan {
		merged = envEntries(environ, minLen)
	}

	for _, entry := range append(append([]domain.SecretEntry{}, global...), project...) {
		if entry.Content == "" {
			return nil, domain.NewSubSystemError("secrets", "Compile", domain.ErrSecretEntry,
				fmt.Sprintf("empty content in %s entry", entry.Origin))
		}
		if pos := indexByContent(merged, entry.Content); pos >= 0 {
			// Higher-precedence entry wins, but keeps the earlier position.
			merged[pos] = entry
		} else {
			merged = append(merged, entry)
		}
	}

	r := &Redactor{byIndex: make(map[int]string)}
	nextIndex := 0
	for _, entry := range merged {
		ce := compiledEntry{entry: entry, index: -1}
		if entry.Kind == domain.MatchRegex {
			re, err := compileEntryRegex(entry)
			if err != nil {
				return nil, err
			}
			ce.re = re
		}
		if entry.Mode == domain.ModeObfuscate {
			ce.index = nextIndex
			r.byIndex[nextIndex] = entry.Content
			nextIndex++
		}
		r.entries = append(r.entries, ce)
	}
	return r, nil
}

// envEntries derives plain obfuscate-mode entries from the environment
// snapshot, sorted by variable name for stable index assignment.
func envEntries(environ map[string]string, minLen int) []domain.SecretEntry {
	names := make([]string, 0, len(environ))
	for name, value := range environ {
		if isSecretEnvName(name) && len(value) >= minLen {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	entries := make([]domain.SecretEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, domain.SecretEntry{
			Kind:    domain.MatchPlain,
			Content: environ[name],
			Mode:    domain.ModeObfuscate,
			Origin:  domain.OriginEnv,
		})
	}
	return entries
}

func indexByContent(entries []domain.SecretEntry, content string) int {
	for i, e := range entries {
		if e.Content == content {
			return i
		}
	}
	return -1
}

// Len reports the number of compiled entries.
func (r *Redactor) Len() int { return len(r.entries) }

// Redact applies the forward transform: every compiled matcher is applied
// in compilation order (deterministic overlap resolution), replacing all
// occurrences. Obfuscate entries substitute their placeholder token;
// replace entries substitute the configured replacement or a same-length
// mask, and nothing is recorded for restoration. Whether later entries
// re-match replacement output is undefined behavior, pinned by a
// regression test rather than corrected.
func (r *Redactor) Redact(text string) string {
	for _, ce := range r.entries {
		if ce.entry.Mode == domain.ModeObfuscate {
			token := domain.Placeholder(ce.index)
			if ce.re != nil {
				text = ce.re.ReplaceAllLiteralString(text, token)
			} else {
				text = strings.ReplaceAll(text, ce.entry.Content, token)
			}
			continue
		}

		// Replace mode: one-way substitution.
		if ce.re != nil {
			if ce.entry.Replacement != "" {
				text = ce.re.ReplaceAllLiteralString(text, ce.entry.Replacement)
			} else {
				text = ce.re.ReplaceAllStringFunc(text, func(m string) string {
					return strings.Repeat("*", len(m))
				})
			}
		} else {
			replacement := ce.entry.Replacement
			if replacement == "" {
				replacement = strings.Repeat("*", len(ce.entry.Content))
			}
			text = strings.ReplaceAll(text, ce.entry.Content, replacement)
		}
	}
	return text
}

// Restore applies the backward transform: a deep walk over maps, slices,
// and strings, substituting every placeholder token with the original
// content of the entry at that index. Unknown indexes are left as-is;
// non-string leaves pass through unchanged. Restore is total: on input
// without placeholders it is the identity.
func (r *Redactor) Restore(value any) any {
	switch v := value.(type) {
	case string:
		return r.RestoreString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.Restore(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.Restore(item)
		}
		return out
	default:
		return value
	}
}

// RestoreString substitutes placeholder tokens within a single string.
func (r *Redactor) RestoreString(s string) string {
	if !strings.Contains(s, "<<$env:S") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(token string) string {
		digits := token[len("<<$env:S") : len(token)-len(">>")]
		index, err := strconv.Atoi(digits)
		if err != nil {
			return token
		}
		content, ok := r.byIndex[index]
		if !ok {
			return token
		}
		return content
	})
}

// RestoreJSON restores placeholders inside a raw JSON document, preserving
// its structure. Invalid JSON is returned unchanged; the caller's own
// parsing will surface the problem with better context.
func (r *Redactor) RestoreJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return raw
	}
	restored, err := json.Marshal(r.Restore(value))
	if err != nil {
		return raw
	}
	return restored
}
