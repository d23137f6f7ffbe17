// Package security masks credentials before configuration or error text
// leaves the process.
package security

import (
	"encoding/json"
	"regexp"
	"strings"
)

// sensitiveFields contains field names whose values are always masked.
// Names are compared lower-case with underscores removed.
var sensitiveFields = map[string]bool{
	"apikey":      true,
	"apisecret":   true,
	"secret":      true,
	"password":    true,
	"token":       true,
	"bottoken":    true,
	"accesstoken": true,
	"authtoken":   true,
	"credential":  true,
	"privatekey":  true,
	"secretkey":   true,
}

// sensitivePatterns match credentials embedded in free text such as URLs in
// vendor error messages.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|password|secret)=([^&\s"']+)`),
	// Telegram bot API path
	regexp.MustCompile(`(?i)/bot(\d+:[A-Za-z0-9_-]+)`),
	// OpenAI keys
	regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{20,})`),
	// Redis URL password
	regexp.MustCompile(`(?i)(redis://[^:@/\s]*:)([^@\s]+)@`),
}

// MaskCredential keeps at most the first and last four characters of value.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

func isSensitiveField(field string) bool {
	return sensitiveFields[strings.ReplaceAll(strings.ToLower(field), "_", "")]
}

// MaskString masks credentials embedded in s.
func MaskString(s string) string {
	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllStringFunc(s, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			secret := sub[len(sub)-1]
			return strings.Replace(match, secret, MaskCredential(secret), 1)
		})
	}
	return s
}

// Redact returns a copy of data with sensitive fields masked, recursing into
// nested maps and slices.
func Redact(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if isSensitiveField(k) {
			if s, ok := v.(string); ok {
				out[k] = MaskCredential(s)
			} else {
				out[k] = "***"
			}
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return Redact(val)
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = redactValue(item)
		}
		return items
	case string:
		return MaskString(val)
	default:
		return v
	}
}

// RedactJSON converts v to its JSON object form and masks it.
func RedactJSON(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return Redact(data), nil
}
