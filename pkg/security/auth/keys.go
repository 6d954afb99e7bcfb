package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"opensase/sase-policy/pkg/config"
)

// Scope grants access to a group of admin endpoints.
type Scope string

const (
	// ScopeRead covers status, stats, rule export and audit queries.
	ScopeRead Scope = "read"
	// ScopeDecide covers POST /v1/decide.
	ScopeDecide Scope = "decide"
	// ScopeAdmin covers everything, including upload and reload.
	ScopeAdmin Scope = "admin"
)

var (
	ErrMissingKey  = errors.New("missing API key")
	ErrInvalidKey  = errors.New("invalid API key")
	ErrKeyDisabled = errors.New("API key disabled")
)

// Key is an accepted API key. The secret itself is not retained.
type Key struct {
	Name     string
	Scopes   []Scope
	Disabled bool
}

// Allows reports whether the key grants scope.
func (k *Key) Allows(scope Scope) bool {
	return slices.Contains(k.Scopes, ScopeAdmin) || slices.Contains(k.Scopes, scope)
}

// Keyring holds the configured keys indexed by the SHA-256 of their
// secret. It is immutable after construction.
type Keyring struct {
	keys map[[sha256.Size]byte]*Key
}

// NewKeyring reads the keys of cfg. Key files are read once and trimmed of
// surrounding whitespace.
func NewKeyring(cfg *config.AuthConfig) (*Keyring, error) {
	r := &Keyring{keys: make(map[[sha256.Size]byte]*Key, len(cfg.Keys))}
	for _, kc := range cfg.Keys {
		secret := kc.Key
		if kc.KeyFile != "" {
			data, err := os.ReadFile(kc.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", kc.Name, err)
			}
			secret = strings.TrimSpace(string(data))
		}
		if secret == "" {
			return nil, fmt.Errorf("key %q: empty secret", kc.Name)
		}
		digest := sha256.Sum256([]byte(secret))
		if prev, ok := r.keys[digest]; ok {
			return nil, fmt.Errorf("keys %q and %q share a secret", prev.Name, kc.Name)
		}

		k := &Key{Name: kc.Name, Disabled: kc.Disabled}
		for _, s := range kc.Scopes {
			k.Scopes = append(k.Scopes, Scope(s))
		}
		r.keys[digest] = k
	}
	return r, nil
}

// Authenticate returns the key matching secret.
func (r *Keyring) Authenticate(secret string) (*Key, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	k, ok := r.keys[sha256.Sum256([]byte(secret))]
	switch {
	case !ok:
		return nil, ErrInvalidKey
	case k.Disabled:
		return nil, ErrKeyDisabled
	}
	return k, nil
}

// Len returns the number of configured keys.
func (r *Keyring) Len() int { return len(r.keys) }
