package config

import "encoding/json"

// Secret wraps strings that must not appear in logs or serialized output.
// Use Value to read it.
type Secret string

// String always returns a redacted value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the actual secret.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON always returns a redacted value.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalText always returns a redacted value.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
