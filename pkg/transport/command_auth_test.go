package transport

import (
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("shared-command-secret")

func signCommand(t *testing.T, commandID, deviceID string, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"cmd":    commandID,
		"device": deviceID,
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyCommandAuthAcceptsValidToken(t *testing.T) {
	cmd := Command{ID: "cmd-1", Type: CommandWipeData}
	cmd.Auth = signCommand(t, "cmd-1", "dev-1", testSecret)

	if err := VerifyCommandAuth(cmd, "dev-1", testSecret); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
}

func TestVerifyCommandAuthRejections(t *testing.T) {
	tests := []struct {
		name string
		cmd  func(t *testing.T) Command
	}{
		{"missing token", func(t *testing.T) Command {
			return Command{ID: "cmd-1", Type: CommandLockDevice}
		}},
		{"wrong secret", func(t *testing.T) Command {
			return Command{ID: "cmd-1", Type: CommandLockDevice,
				Auth: signCommand(t, "cmd-1", "dev-1", []byte("other-secret"))}
		}},
		{"token for different command", func(t *testing.T) Command {
			return Command{ID: "cmd-2", Type: CommandUnlockDevice,
				Auth: signCommand(t, "cmd-1", "dev-1", testSecret)}
		}},
		{"token for different device", func(t *testing.T) Command {
			return Command{ID: "cmd-1", Type: CommandDeactivateNow,
				Auth: signCommand(t, "cmd-1", "dev-2", testSecret)}
		}},
		{"garbage token", func(t *testing.T) Command {
			return Command{ID: "cmd-1", Type: CommandWipeData, Auth: "not-a-jwt"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyCommandAuth(tt.cmd(t), "dev-1", testSecret)
			if !errors.Is(err, ErrCommandUnauthorized) {
				t.Errorf("err = %v, want ErrCommandUnauthorized", err)
			}
		})
	}
}

func TestUnprivilegedCommandsNeedNoToken(t *testing.T) {
	for _, kind := range []string{
		CommandAlertOnly, CommandDisableFeatures, CommandDisableCamera,
		CommandDisableUSB, CommandDisableDevMode, CommandRestrictNetwork,
		CommandResetEscalation, CommandConfirmBaseline,
	} {
		cmd := Command{ID: "cmd-1", Type: kind}
		if err := VerifyCommandAuth(cmd, "dev-1", testSecret); err != nil {
			t.Errorf("%s: unprivileged command rejected: %v", kind, err)
		}
	}
}

func TestPrivilegedCommandSet(t *testing.T) {
	for _, kind := range []string{CommandWipeData, CommandLockDevice, CommandUnlockDevice, CommandDeactivateNow} {
		if !PrivilegedCommand(kind) {
			t.Errorf("%s should be privileged", kind)
		}
	}
	if PrivilegedCommand(CommandAlertOnly) {
		t.Error("ALERT_ONLY should not be privileged")
	}
}
