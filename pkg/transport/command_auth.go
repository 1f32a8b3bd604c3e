package transport

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Privileged command kinds require a backend-signed authorization token; the
// heartbeat channel alone must not be enough to wipe or permanently lock a
// device.
var privilegedCommands = map[string]bool{
	CommandWipeData:      true,
	CommandLockDevice:    true,
	CommandUnlockDevice:  true,
	CommandDeactivateNow: true,
}

// ErrCommandUnauthorized is returned when a privileged command carries a
// missing or invalid authorization token.
var ErrCommandUnauthorized = errors.New("transport: command authorization failed")

// PrivilegedCommand reports whether kind requires an authorization token.
func PrivilegedCommand(kind string) bool {
	return privilegedCommands[kind]
}

// VerifyCommandAuth validates a command's HS256 authorization token against
// the shared device secret. The token must bind the command ID and device ID
// it authorizes.
func VerifyCommandAuth(cmd Command, deviceID string, secret []byte) error {
	if !PrivilegedCommand(cmd.Type) {
		return nil
	}
	if cmd.Auth == "" {
		return fmt.Errorf("%w: missing token for %s", ErrCommandUnauthorized, cmd.Type)
	}

	token, err := jwt.Parse(cmd.Auth, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return ErrCommandUnauthorized
	}
	if cid, _ := claims["cmd"].(string); cid != cmd.ID {
		return fmt.Errorf("%w: token bound to different command", ErrCommandUnauthorized)
	}
	if did, _ := claims["device"].(string); did != deviceID {
		return fmt.Errorf("%w: token bound to different device", ErrCommandUnauthorized)
	}
	return nil
}
