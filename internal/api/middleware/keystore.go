package middleware

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/userprops-io/userprops/internal/config"
)

// Sentinel errors for key store construction.
var (
	// ErrMalformedKeyEntry is returned for a USERPROPS_API_KEYS entry that is
	// not a client_id:bcrypt_hash pair.
	ErrMalformedKeyEntry = errors.New("malformed api key entry")
)

type (
	// KeyStore verifies presented API key secrets.
	//
	// Implementations may hold hashes in memory (environment-configured
	// deployments) or look them up in external storage.
	KeyStore interface {
		// Verify checks a client's presented secret. Returns true only when
		// the client is known and the secret matches its stored hash.
		Verify(clientID, secret string) bool
	}

	// EnvKeyStore holds bcrypt hashes parsed from the environment.
	//
	// Keys are configured as comma-separated client_id:bcrypt_hash pairs in
	// USERPROPS_API_KEYS. Plaintext secrets never appear in configuration.
	EnvKeyStore struct {
		hashes map[string]string
	}
)

// LoadKeyStore parses USERPROPS_API_KEYS into a key store.
// Returns (nil, nil) when the variable is empty, which disables
// authentication.
func LoadKeyStore() (*EnvKeyStore, error) {
	raw := config.GetEnvStr("USERPROPS_API_KEYS", "")
	if raw == "" {
		return nil, nil
	}

	return NewEnvKeyStore(strings.Split(raw, ","))
}

// NewEnvKeyStore builds a key store from client_id:bcrypt_hash entries.
func NewEnvKeyStore(entries []string) (*EnvKeyStore, error) {
	hashes := make(map[string]string, len(entries))

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		// bcrypt hashes contain ':' never, so the first colon splits safely.
		clientID, hash, found := strings.Cut(entry, ":")
		if !found || clientID == "" || hash == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedKeyEntry, entry)
		}

		hashes[clientID] = hash
	}

	return &EnvKeyStore{hashes: hashes}, nil
}

// Verify implements KeyStore using constant-time bcrypt comparison.
func (s *EnvKeyStore) Verify(clientID, secret string) bool {
	hash, ok := s.hashes[clientID]
	if !ok {
		// Burn comparable time for unknown clients so lookups cannot be
		// distinguished from hash mismatches.
		performDummyBcryptComparison()

		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
