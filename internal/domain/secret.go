package domain

import "fmt"

// MatchKind distinguishes literal and pattern secret matchers.
type MatchKind string

const (
	MatchPlain MatchKind = "plain"
	MatchRegex MatchKind = "regex"
)

// SecretMode selects the forward transform applied to a matched secret.
type SecretMode string

const (
	// ModeObfuscate replaces matches with an indexed placeholder that the
	// restore transform maps back to the original content.
	ModeObfuscate SecretMode = "obfuscate"
	// ModeReplace substitutes matches one-way; nothing is recorded for
	// restoration.
	ModeReplace SecretMode = "replace"
)

// SecretOrigin records where an entry came from. On content collision the
// later origin wins (project over global over env), but env entries are
// always compiled first so placeholder index assignment stays stable for
// the session.
type SecretOrigin string

const (
	OriginEnv     SecretOrigin = "env"
	OriginGlobal  SecretOrigin = "global"
	OriginProject SecretOrigin = "project"
)

// SecretEntry is one secret matcher prior to compilation.
type SecretEntry struct {
	Kind MatchKind
	// Content is the literal value for plain entries, or the pattern source
	// for regex entries. Regex sources may use delimiter-literal form
	// ("/pattern/flags") carrying pattern and flags in one string.
	Content string
	// Flags holds explicitly supplied regex flags; they are unioned with
	// any flags embedded in a delimiter-literal Content.
	Flags       string
	Mode        SecretMode
	Replacement string // replace mode only; empty selects same-length masking
	Origin      SecretOrigin
}

// Placeholder returns the wire token standing in for the obfuscate-mode
// entry at the given index. Every layer except the restore transform
// treats this token as opaque text.
func Placeholder(index int) string {
	return fmt.Sprintf("<<$env:S%d>>", index)
}
