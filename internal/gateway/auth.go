package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrBadToken is returned by an Authenticator for any token it rejects. The
// gateway never tells the client why.
var ErrBadToken = errors.New("gateway: invalid token")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string
	Email  string
}

// Authenticator validates the token presented on the WebSocket handshake.
// The default is the shared-secret HMAC scheme below; deployments with a
// real identity provider swap in their own.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// HMACAuthenticator validates tokens minted by SignToken with the same
// shared secret.
type HMACAuthenticator struct {
	secret []byte
}

// NewHMACAuthenticator returns an authenticator for the given shared secret.
func NewHMACAuthenticator(secret string) *HMACAuthenticator {
	return &HMACAuthenticator{secret: []byte(secret)}
}

// SignToken mints a client token: base64url(user_id "\n" email) "." followed
// by the hex HMAC-SHA256 of the encoded payload. Device provisioning tooling
// calls this; the gateway only verifies.
func SignToken(secret, userID, email string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(userID + "\n" + email))
	return payload + "." + signPayload([]byte(secret), payload)
}

// Authenticate implements Authenticator.
func (a *HMACAuthenticator) Authenticate(token string) (Identity, error) {
	payload, sig, found := strings.Cut(token, ".")
	if !found {
		return Identity{}, ErrBadToken
	}
	want := signPayload(a.secret, payload)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return Identity{}, ErrBadToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Identity{}, ErrBadToken
	}
	userID, email, _ := strings.Cut(string(decoded), "\n")
	if userID == "" {
		return Identity{}, ErrBadToken
	}
	return Identity{UserID: userID, Email: email}, nil
}

func signPayload(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
