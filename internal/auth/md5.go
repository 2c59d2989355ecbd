// Package auth implements the proxy-terminated client-facing
// authentication methods (MD5, SCRAM-SHA-256) and the secret store
// backing them. This is the mirror image of the backend-facing
// handshake in internal/pool: there the proxy is the SASL/MD5
// *client* authenticating itself to a PostgreSQL target; here the
// proxy is the *server*, verifying a connecting frontend the same way
// a real postgres backend would.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateMD5Salt produces the 4-byte salt sent in
// AuthenticationMD5Password.
func GenerateMD5Salt() ([4]byte, error) {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("generating md5 salt: %w", err)
	}
	return salt, nil
}

// ComputeMD5Password implements the PostgreSQL MD5 password formula:
// "md5" + md5(md5(password+user) + salt), hex-encoded. Grounded on
// the teacher's pool.go:computeMD5Password (used there to
// authenticate the proxy itself as a SCRAM/MD5 client against a
// backend); this is the same formula used symmetrically in reverse,
// to verify a frontend's response.
func ComputeMD5Password(password, user string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])

	outer := md5.New()
	outer.Write([]byte(innerHex))
	outer.Write(salt[:])
	return "md5" + hex.EncodeToString(outer.Sum(nil))
}

// VerifyMD5Response checks a frontend's PasswordMessage response
// ("md5" + 32 hex chars) against the expected value for user/password
// and the salt the proxy issued.
func VerifyMD5Response(response, password, user string, salt [4]byte) bool {
	return response == ComputeMD5Password(password, user, salt)
}
