package auth

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Method names one of the configured authentication methods a user
// can be verified with.
type Method string

const (
	MethodCleartext Method = "cleartext"
	MethodMD5       Method = "md5"
	MethodSCRAM     Method = "scram-sha-256"
)

// UserSecret holds whatever derived material a user's configured
// Method needs at authentication time. Only one of BcryptHash/
// PlainForChallenge/SCRAM is populated, matching Method.
//
// cleartext is the only method that can be verified from a one-way
// hash: bcrypt.CompareHashAndPassword never needs the original
// password back. MD5 and SCRAM are challenge-response protocols that
// must reconstruct password-derived material per connection (a fresh
// salt for MD5, a fresh nonce for SCRAM) — bcrypt's one-wayness makes
// it unusable for either, so those methods keep the password (MD5) or
// a precomputed non-reversible verifier (SCRAM's StoredKey/ServerKey,
// which is already as safe at rest as a password hash) instead.
type UserSecret struct {
	Username string
	Method   Method

	BcryptHash []byte // MethodCleartext

	PlainForChallenge string // MethodMD5: password is needed to answer a fresh per-connection salt

	SCRAM SCRAMSecret // MethodSCRAM
}

// SecretStore is the in-memory table of configured frontend users,
// shared by all targets. Safe for concurrent use. It is filled once at
// startup; a config hot reload does not rebuild or update it.
type SecretStore struct {
	mu    sync.RWMutex
	users map[string]UserSecret
}

// NewSecretStore creates an empty store.
func NewSecretStore() *SecretStore {
	return &SecretStore{users: make(map[string]UserSecret)}
}

// AddUser derives and stores whatever material method requires for
// password, replacing any existing entry for username.
func (s *SecretStore) AddUser(username, password string, method Method) error {
	secret := UserSecret{Username: username, Method: method}

	switch method {
	case MethodCleartext:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("auth: hashing cleartext secret for %s: %w", username, err)
		}
		secret.BcryptHash = hash
	case MethodMD5:
		secret.PlainForChallenge = password
	case MethodSCRAM:
		scram, err := NewSCRAMSecret(password, DefaultSCRAMIterations)
		if err != nil {
			return fmt.Errorf("auth: deriving scram secret for %s: %w", username, err)
		}
		secret.SCRAM = scram
	default:
		return fmt.Errorf("auth: unknown method %q for user %s", method, username)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = secret
	return nil
}

// Lookup returns the stored secret for username.
func (s *SecretStore) Lookup(username string) (UserSecret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.users[username]
	return secret, ok
}

// VerifyCleartext checks password against the bcrypt hash stored for
// a MethodCleartext user.
func (s *SecretStore) VerifyCleartext(username, password string) bool {
	secret, ok := s.Lookup(username)
	if !ok || secret.Method != MethodCleartext {
		return false
	}
	return bcrypt.CompareHashAndPassword(secret.BcryptHash, []byte(password)) == nil
}
