package proxy

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dbbouncer/pgproxy/internal/auth"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// AuthenticationRequest subtype codes, per the PostgreSQL v3 protocol.
const (
	authOK              = 0
	authCleartext       = 3
	authMD5             = 5
	authSASL            = 10
	authSASLContinue    = 11
	authSASLFinal       = 12
	scramMechanismName  = "SCRAM-SHA-256"
)

func encodeAuthMessage(kind int32, extra []byte) []byte {
	body := make([]byte, 4, 4+len(extra))
	binary.BigEndian.PutUint32(body, uint32(kind))
	return append(body, extra...)
}

// authenticateFrontend runs the server side of whichever method is
// configured for the connecting user against wc, the client's wire
// connection. It returns nil once AuthenticationOk has been sent.
func authenticateFrontend(wc *wire.Conn, store *auth.SecretStore, username string) error {
	secret, ok := store.Lookup(username)
	if !ok {
		return fmt.Errorf("no configured credentials for user %q", username)
	}

	switch secret.Method {
	case auth.MethodCleartext:
		return authCleartextExchange(wc, username, store)
	case auth.MethodMD5:
		return authMD5Exchange(wc, username, secret)
	case auth.MethodSCRAM:
		return authSCRAMExchange(wc, username, secret)
	default:
		return fmt.Errorf("user %q has unsupported auth method %q", username, secret.Method)
	}
}

func authCleartextExchange(wc *wire.Conn, username string, store *auth.SecretStore) error {
	wc.SendTagged(wire.TagAuthentication, encodeAuthMessage(authCleartext, nil))
	if err := wc.Flush(); err != nil {
		return fmt.Errorf("sending cleartext auth request: %w", err)
	}

	msg, err := wc.Recv()
	if err != nil {
		return fmt.Errorf("reading password message: %w", err)
	}
	if msg.Tag != 'p' {
		return fmt.Errorf("expected PasswordMessage, got tag %q", msg.Tag)
	}
	password := trimNUL(msg.Body)
	if !store.VerifyCleartext(username, password) {
		return fmt.Errorf("password authentication failed for user %q", username)
	}
	return sendAuthOK(wc)
}

func authMD5Exchange(wc *wire.Conn, username string, secret auth.UserSecret) error {
	salt, err := auth.GenerateMD5Salt()
	if err != nil {
		return err
	}
	wc.SendTagged(wire.TagAuthentication, encodeAuthMessage(authMD5, salt[:]))
	if err := wc.Flush(); err != nil {
		return fmt.Errorf("sending md5 auth request: %w", err)
	}

	msg, err := wc.Recv()
	if err != nil {
		return fmt.Errorf("reading password message: %w", err)
	}
	if msg.Tag != 'p' {
		return fmt.Errorf("expected PasswordMessage, got tag %q", msg.Tag)
	}
	response := trimNUL(msg.Body)
	if !auth.VerifyMD5Response(response, secret.PlainForChallenge, username, salt) {
		return fmt.Errorf("password authentication failed for user %q", username)
	}
	return sendAuthOK(wc)
}

func authSCRAMExchange(wc *wire.Conn, username string, secret auth.UserSecret) error {
	mechList := append([]byte(scramMechanismName), 0, 0)
	wc.SendTagged(wire.TagAuthentication, encodeAuthMessage(authSASL, mechList))
	if err := wc.Flush(); err != nil {
		return fmt.Errorf("sending sasl auth request: %w", err)
	}

	initial, err := wc.Recv()
	if err != nil {
		return fmt.Errorf("reading SASLInitialResponse: %w", err)
	}
	if initial.Tag != 'p' {
		return fmt.Errorf("expected SASLInitialResponse, got tag %q", initial.Tag)
	}
	clientFirst, err := parseSASLInitialResponse(initial.Body)
	if err != nil {
		return err
	}

	exchange := auth.NewServerExchange(username, secret.SCRAM)
	serverFirst, err := exchange.HandleClientFirst(stripGS2Header(clientFirst))
	if err != nil {
		return fmt.Errorf("scram client-first: %w", err)
	}
	wc.SendTagged(wire.TagAuthentication, encodeAuthMessage(authSASLContinue, []byte(serverFirst)))
	if err := wc.Flush(); err != nil {
		return fmt.Errorf("sending SASLContinue: %w", err)
	}

	final, err := wc.Recv()
	if err != nil {
		return fmt.Errorf("reading SASLResponse: %w", err)
	}
	if final.Tag != 'p' {
		return fmt.Errorf("expected SASLResponse, got tag %q", final.Tag)
	}
	serverFinal, err := exchange.HandleClientFinal(string(final.Body))
	if err != nil {
		return fmt.Errorf("scram client-final: %w", err)
	}
	wc.SendTagged(wire.TagAuthentication, encodeAuthMessage(authSASLFinal, []byte(serverFinal)))
	if err := wc.Flush(); err != nil {
		return fmt.Errorf("sending SASLFinal: %w", err)
	}
	return sendAuthOK(wc)
}

func sendAuthOK(wc *wire.Conn) error {
	wc.SendTagged(wire.TagAuthentication, encodeAuthMessage(authOK, nil))
	return wc.Flush()
}

// parseSASLInitialResponse returns the length-prefixed
// client-first-message of a SASLInitialResponse body. The leading
// mechanism name is skipped, not returned or checked.
func parseSASLInitialResponse(body []byte) (string, error) {
	nul := -1
	for i, b := range body {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", fmt.Errorf("malformed SASLInitialResponse: missing mechanism name")
	}
	rest := body[nul+1:]
	if len(rest) < 4 {
		return "", fmt.Errorf("malformed SASLInitialResponse: missing length prefix")
	}
	n := int(int32(binary.BigEndian.Uint32(rest[:4])))
	rest = rest[4:]
	if n < 0 || n > len(rest) {
		return "", fmt.Errorf("malformed SASLInitialResponse: bad length %d", n)
	}
	return string(rest[:n]), nil
}

// stripGS2Header removes the "n,," (or "y,," / "p=...,") GS2 channel
// binding prefix SCRAM-SHA-256 prepends to the client-first-message,
// since internal/auth.ServerExchange operates on the bare message.
func stripGS2Header(msg string) string {
	parts := strings.SplitN(msg, ",", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return msg
}

func trimNUL(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}
