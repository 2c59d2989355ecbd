package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultSCRAMIterations matches the PostgreSQL default for
// scram-sha-256 password encryption.
const DefaultSCRAMIterations = 4096

// SCRAMSecret holds the server-side verifier for one user: the
// parameters a client needs to reconstruct SaltedPassword, plus the
// two derived keys the proxy needs to check a client's proof and
// produce its own signature, without ever storing the password
// itself. Grounded on the teacher's pool/scram.go client-role
// computation (salted password via pbkdf2, client/stored key via
// hmac-sha256) inverted to the server role.
type SCRAMSecret struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte // sha256(HMAC(SaltedPassword, "Client Key"))
	ServerKey  []byte // HMAC(SaltedPassword, "Server Key")
}

// NewSCRAMSecret derives a SCRAMSecret for password with a fresh
// random salt.
func NewSCRAMSecret(password string, iterations int) (SCRAMSecret, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return SCRAMSecret{}, fmt.Errorf("generating scram salt: %w", err)
	}
	return DeriveSCRAMSecret(password, salt, iterations), nil
}

// DeriveSCRAMSecret computes a SCRAMSecret for a known salt.
// NewSCRAMSecret calls it with a fresh random salt.
func DeriveSCRAMSecret(password string, salt []byte, iterations int) SCRAMSecret {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	return SCRAMSecret{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  sha256Sum(clientKey),
		ServerKey:  hmacSHA256(saltedPassword, []byte("Server Key")),
	}
}

// ServerExchange drives one SCRAM-SHA-256 authentication from the
// server side across the two client messages (client-first,
// client-final), matching how the proxy receives them: the caller
// reads each SASLInitialResponse/SASLResponse off the client
// connection and hands its payload in, so the exchange never reads a
// socket itself, unlike the teacher's backend-facing client-role code.
type ServerExchange struct {
	secret SCRAMSecret
	user   string

	clientFirstBare string
	serverNonce     string
	authMessage     string
	done            bool
}

// NewServerExchange starts a SCRAM exchange for user against secret.
func NewServerExchange(user string, secret SCRAMSecret) *ServerExchange {
	return &ServerExchange{secret: secret, user: user}
}

// HandleClientFirst parses a client-first-message (minus the GS2
// header, which the caller strips) and returns the server-first-message
// to send back.
func (e *ServerExchange) HandleClientFirst(msg string) (string, error) {
	clientNonce, err := parseClientFirst(msg)
	if err != nil {
		return "", err
	}
	e.clientFirstBare = msg

	extra := make([]byte, 18)
	if _, err := rand.Read(extra); err != nil {
		return "", fmt.Errorf("generating server nonce: %w", err)
	}
	e.serverNonce = clientNonce + base64.StdEncoding.EncodeToString(extra)

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d",
		e.serverNonce,
		base64.StdEncoding.EncodeToString(e.secret.Salt),
		e.secret.Iterations)
	e.authMessage = e.clientFirstBare + "," + serverFirst
	return serverFirst, nil
}

// HandleClientFinal parses a client-final-message, verifies the
// client's proof, and returns the server-final-message (the "v="
// signature) to send on success.
func (e *ServerExchange) HandleClientFinal(msg string) (string, error) {
	channelBinding, nonce, proofB64, err := parseClientFinal(msg)
	if err != nil {
		return "", err
	}
	if nonce != e.serverNonce {
		return "", fmt.Errorf("scram: client final nonce mismatch")
	}

	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", fmt.Errorf("scram: decoding client proof: %w", err)
	}

	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + nonce
	authMessage := e.authMessage + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(e.secret.StoredKey, []byte(authMessage))
	computedClientKey := xorBytes(proof, clientSignature)
	if !hmac.Equal(sha256Sum(computedClientKey), e.secret.StoredKey) {
		return "", fmt.Errorf("scram: client proof verification failed")
	}

	e.done = true
	serverSignature := hmacSHA256(e.secret.ServerKey, []byte(authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(serverSignature), nil
}

// Done reports whether the exchange completed successfully.
func (e *ServerExchange) Done() bool { return e.done }

func parseClientFirst(msg string) (nonce string, err error) {
	for _, part := range strings.Split(msg, ",") {
		if strings.HasPrefix(part, "r=") {
			return part[2:], nil
		}
	}
	return "", fmt.Errorf("scram: client-first-message missing nonce")
}

func parseClientFinal(msg string) (channelBinding, nonce, proof string, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "c="):
			channelBinding = part[2:]
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "p="):
			proof = part[2:]
		}
	}
	if nonce == "" || proof == "" {
		return "", "", "", fmt.Errorf("scram: malformed client-final-message")
	}
	return channelBinding, nonce, proof, nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}
