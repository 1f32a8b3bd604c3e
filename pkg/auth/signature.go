package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SignedRequest envelopes one outbound request body with an ed25519 signature
// over "unix_timestamp|nonce|body". The nonce makes each envelope unique so
// the backend can reject replays inside the freshness window.
type SignedRequest struct {
	Body      []byte
	Timestamp time.Time
	Nonce     string
	Signature string
}

// CreateSignedRequest signs body under the device identity.
func CreateSignedRequest(identity *Identity, body []byte) *SignedRequest {
	now := time.Now()
	nonce := uuid.NewString()
	sig := identity.Sign(signedMessage(now, nonce, body))
	return &SignedRequest{
		Body:      body,
		Timestamp: now,
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
}

// VerifySignedRequest checks freshness before the signature, so stale or
// far-future envelopes are rejected without any crypto work.
func VerifySignedRequest(publicKey ed25519.PublicKey, req *SignedRequest, maxAge time.Duration) error {
	switch age := time.Since(req.Timestamp); {
	case age > maxAge:
		return fmt.Errorf("auth: request expired, %v past the freshness window", age-maxAge)
	case age < -time.Minute:
		return fmt.Errorf("auth: request timestamp ahead of local clock")
	}

	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("auth: signature is not valid base64: %w", err)
	}
	if !ed25519.Verify(publicKey, signedMessage(req.Timestamp, req.Nonce, req.Body), sig) {
		return fmt.Errorf("auth: signature mismatch")
	}
	return nil
}

func signedMessage(at time.Time, nonce string, body []byte) []byte {
	msg := make([]byte, 0, len(body)+len(nonce)+16)
	msg = strconv.AppendInt(msg, at.Unix(), 10)
	msg = append(msg, '|')
	msg = append(msg, nonce...)
	msg = append(msg, '|')
	msg = append(msg, body...)
	return msg
}
