package audit

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
	"unicode"
)

// Replacement markers
const (
	RedactedMarker = "[REDACTED]"
	redactedEmail  = "[REDACTED_EMAIL]"
	redactedPhone  = "[REDACTED_PHONE]"
	redactedJWT    = "[REDACTED_JWT]"
	redactedCard   = "[REDACTED_CARD]"
)

// DefaultSensitiveFields are field-name words whose values are always masked
var DefaultSensitiveFields = []string{
	"password", "passwd", "token", "secret", "key", "apikey", "auth",
	"authorization", "credential", "credentials", "card", "cvv", "cvc",
	"ssn", "pin", "otp",
}

// Patterns are applied in order; JWTs and cards go first so their digits
// are not taken for phone numbers.
var valuePatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), redactedJWT},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-_.]{20,}`), RedactedMarker},
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), redactedEmail},
	{regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`), redactedCard},
	{regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?(?:\(\d{3}\)|\b\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b`), redactedPhone},
}

// Redactor masks sensitive values in audit payloads
type Redactor struct {
	fields map[string]struct{}
	// long field names also match as substrings ("userPassword")
	substrings []string
}

// NewRedactor creates a redactor with the default field list plus extra
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{fields: make(map[string]struct{})}
	for _, f := range append(append([]string(nil), DefaultSensitiveFields...), extra...) {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		r.fields[f] = struct{}{}
		if len(f) >= 5 {
			r.substrings = append(r.substrings, f)
		}
	}
	return r
}

// IsSensitive reports whether a field name should be masked
func (r *Redactor) IsSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range r.substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, word := range splitWords(name) {
		if _, ok := r.fields[word]; ok {
			return true
		}
	}
	return false
}

// splitWords breaks snake_case, kebab-case and camelCase names into
// lowercase words
func splitWords(name string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, c := range runes {
		switch {
		case !unicode.IsLetter(c) && !unicode.IsDigit(c):
			flush()
		case unicode.IsUpper(c) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			cur = append(cur, c)
		default:
			cur = append(cur, c)
		}
	}
	flush()
	return words
}

// RedactString replaces emails, phone numbers, JWTs, bearer tokens and
// card numbers inside s
func (r *Redactor) RedactString(s string) string {
	for _, p := range valuePatterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}

// RedactMap returns a redacted deep copy of m
func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if r.IsSensitive(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = r.Redact(v)
	}
	return out
}

// Redact returns a redacted copy of v. Maps and slices are walked
// recursively, numbers and booleans are returned as is, and any other
// value (structs, typed maps) is converted through its JSON form first.
func (r *Redactor) Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return r.RedactString(val)
	case map[string]interface{}:
		return r.RedactMap(val)
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			if r.IsSensitive(k) {
				out[k] = RedactedMarker
			} else {
				out[k] = r.RedactString(s)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.Redact(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = r.RedactString(s)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.RedactMap(item)
		}
		return out
	default:
		if v == nil || isScalar(v) {
			return v
		}
		data, err := json.Marshal(v)
		if err != nil {
			return RedactedMarker
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return RedactedMarker
		}
		return r.Redact(generic)
	}
}

func isScalar(v interface{}) bool {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
