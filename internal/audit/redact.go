package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// secretKeyPattern matches credential-bearing field names regardless of
// nesting. Matching is case-insensitive on the bare key.
var secretKeyPattern = regexp.MustCompile(`(?i)^(password|passwd|secret|token|api[_-]?key|authorization|credential|private[_-]?key|access[_-]?key|session)s?$`)

// minSecretValueLen is the shortest string value the configured value regexes
// are applied to. Short values are too collision-prone to pattern-match.
const minSecretValueLen = 20

// Redactor replaces secret fields with {"redacted": H(value+salt)} before
// hashing, logging, or returning payloads to callers. The salted hash makes
// absence verifiable without leaking content.
type Redactor struct {
	salt          string
	valuePatterns []*regexp.Regexp
}

// NewRedactor compiles the configured value patterns. Invalid patterns are an
// error: silently dropping one would leak the secrets it was meant to catch.
func NewRedactor(salt string, valuePatterns []string) (*Redactor, error) {
	r := &Redactor{salt: salt}
	for _, p := range valuePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("audit: compile redaction pattern %q: %w", p, err)
		}
		r.valuePatterns = append(r.valuePatterns, re)
	}
	return r, nil
}

// Redact returns a deep copy of v with secret fields replaced. extraKeys are
// additional field names to treat as secret (adapter schemas mark args as
// secret this way). The input is never mutated.
func (r *Redactor) Redact(v any, extraKeys map[string]bool) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			if r.secretKey(k, extraKeys) {
				out[k] = r.placeholder(val)
				continue
			}
			out[k] = r.Redact(val, extraKeys)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, elem := range vv {
			out[i] = r.Redact(elem, extraKeys)
		}
		return out
	case string:
		if len(vv) >= minSecretValueLen && r.secretValue(vv) {
			return r.placeholder(vv)
		}
		return vv
	default:
		return vv
	}
}

// RedactMap is Redact specialized to the map payloads the core passes around.
func (r *Redactor) RedactMap(m map[string]any, extraKeys map[string]bool) map[string]any {
	if m == nil {
		return nil
	}
	return r.Redact(m, extraKeys).(map[string]any)
}

func (r *Redactor) secretKey(key string, extraKeys map[string]bool) bool {
	if extraKeys[strings.ToLower(key)] {
		return true
	}
	return secretKeyPattern.MatchString(key)
}

func (r *Redactor) secretValue(s string) bool {
	for _, re := range r.valuePatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// placeholder builds the {"redacted": H(value+salt)} marker. Non-string
// values hash their fmt representation; the marker only has to be stable, not
// reversible.
func (r *Redactor) placeholder(v any) map[string]any {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprintf("%v", v)
	}
	sum := sha256.Sum256([]byte(s + r.salt))
	return map[string]any{"redacted": hex.EncodeToString(sum[:])}
}
