package lock

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// hashPIN derives a salted HMAC-SHA256 digest of the PIN, base64-encoded.
func hashPIN(salt []byte, pin string) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(pin))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verifyPIN compares a candidate PIN against a stored salted hash in constant
// time.
func verifyPIN(saltB64, storedHash, pin string) bool {
	if saltB64 == "" || storedHash == "" {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	candidate := hashPIN(salt, pin)
	return hmac.Equal([]byte(candidate), []byte(storedHash))
}

func newSalt() (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

func decodeSalt(saltB64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(saltB64)
}
