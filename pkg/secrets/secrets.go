// Package secrets carries sensitive configuration values in a form that
// cannot leak through logging or serialization. Values are handed to child
// processes via explicit environment injection and nowhere else.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"sort"
)

const redacted = "[redacted]"

// Value wraps a secret string. Its String, GoString, and JSON representations
// are always redacted; callers must use Reveal to obtain the plaintext.
type Value struct {
	v string
}

// New wraps plaintext in a Value.
func New(v string) Value { return Value{v: v} }

// FromEnv reads the named environment variable into a Value. Missing or empty
// variables produce an error so misconfiguration fails before deploy time.
func FromEnv(key string) (Value, error) {
	v := os.Getenv(key)
	if v == "" {
		return Value{}, fmt.Errorf("secret environment variable %s is not set", key)
	}
	return Value{v: v}, nil
}

// Reveal returns the plaintext. Call sites should pass the result directly
// into a subprocess environment rather than holding it.
func (s Value) Reveal() string { return s.v }

// IsZero reports whether the value is empty.
func (s Value) IsZero() bool { return s.v == "" }

func (s Value) String() string   { return redacted }
func (s Value) GoString() string { return redacted }

// MarshalJSON always emits the redaction marker.
func (s Value) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// UnmarshalJSON is rejected: secrets must come from the environment, not
// from persisted documents.
func (s *Value) UnmarshalJSON([]byte) error {
	return errors.New("secrets cannot be unmarshalled from JSON")
}

// MarshalText keeps text-based encoders from seeing the plaintext.
func (s Value) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Env is a named collection of secret values destined for a subprocess
// environment.
type Env map[string]Value

// Apply merges the revealed secrets into dst, returning dst. Keys are applied
// in sorted order so repeated calls behave deterministically.
func (e Env) Apply(dst map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(e))
	}
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if e[k].IsZero() {
			continue
		}
		dst[k] = e[k].Reveal()
	}
	return dst
}
