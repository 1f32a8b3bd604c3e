package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
)

// Identity is the device agent's Ed25519 keypair plus its device binding.
// Provisioned at enrollment by the registration wizard; this package only
// loads, saves, and signs with it.
type Identity struct {
	DeviceID   string             `json:"device_id"`
	PublicKey  ed25519.PublicKey  `json:"-"`
	PrivateKey ed25519.PrivateKey `json:"-"`
}

// GenerateIdentity creates a new Ed25519 keypair.
func GenerateIdentity(deviceID string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{DeviceID: deviceID, PublicKey: pub, PrivateKey: priv}, nil
}

// Save stores the identity to disk with 0600 permissions.
func (i *Identity) Save(path string) error {
	data := map[string]string{
		"device_id":   i.DeviceID,
		"public_key":  base64.StdEncoding.EncodeToString(i.PublicKey),
		"private_key": base64.StdEncoding.EncodeToString(i.PrivateKey),
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, jsonData, 0600)
}

// LoadIdentity reads an identity from disk.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}

	pubBytes, err := base64.StdEncoding.DecodeString(stored["public_key"])
	if err != nil {
		return nil, err
	}
	privBytes, err := base64.StdEncoding.DecodeString(stored["private_key"])
	if err != nil {
		return nil, err
	}

	return &Identity{
		DeviceID:   stored["device_id"],
		PublicKey:  ed25519.PublicKey(pubBytes),
		PrivateKey: ed25519.PrivateKey(privBytes),
	}, nil
}

// Sign creates a signature for the given message.
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.PrivateKey, message)
}

func (i *Identity) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(i.PublicKey)
}
