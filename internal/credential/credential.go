// Package credential resolves credential references to secret values.
// It is deliberately the only place the process reads credentials from the
// environment: callers never touch os.Environ directly.
package credential

import (
	"fmt"
	"os"
	"strings"
)

// Store resolves a reference string to a secret value. The only supported
// scheme in this version is "env:VAR_NAME".
type Store struct {
	lookup func(string) (string, bool)
}

// New returns a Store backed by the process environment.
func New() *Store {
	return &Store{lookup: os.LookupEnv}
}

// NewWithLookup returns a Store backed by an arbitrary lookup function, for
// tests that must not depend on the real environment.
func NewWithLookup(lookup func(string) (string, bool)) *Store {
	return &Store{lookup: lookup}
}

// Resolve turns a reference like "env:OPENAI_API_KEY" into its value.
// An empty ref resolves to an empty string with no error (some backends,
// e.g. unauthenticated local endpoints, have no credential at all).
func (s *Store) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	scheme, name, ok := strings.Cut(ref, ":")
	if !ok || scheme != "env" || name == "" {
		return "", fmt.Errorf("credential: unsupported reference %q, expected env:VAR_NAME", ref)
	}
	val, ok := s.lookup(name)
	if !ok {
		return "", fmt.Errorf("credential: environment variable %q is not set", name)
	}
	return val, nil
}
