package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a vendor accepts under its settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// Keys returns every accepted key, required first.
func (s Schema) Keys() []string {
	out := make([]string, 0, len(s.Required)+len(s.Optional))
	out = append(out, s.Required...)
	return append(out, s.Optional...)
}

// SettingsError reports the keys that failed schema validation.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks a settings map against schema. Keys match case,
// underscore and hyphen insensitively, so api_key, apiKey and API-KEY agree.
// A required key holding an empty string counts as missing.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
	}
	allowed := make(map[string]bool, len(required)+len(schema.Optional))
	for nk := range required {
		allowed[nk] = true
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = true
	}

	var serr SettingsError
	present := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		if !allowed[nk] && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
		}
		if _, ok := required[nk]; ok && !isEmptyValue(v) {
			present[nk] = true
		}
	}
	for nk, k := range required {
		if !present[nk] {
			serr.Missing = append(serr.Missing, k)
		}
	}
	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return &serr
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}
