package marketplace

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPCode derives the RFC 6238 code (30 s step, 6 digits, SHA-1) for a
// base32 seed at time t.
func TOTPCode(seed []byte, t time.Time) (string, error) {
	secret := strings.ToUpper(strings.ReplaceAll(string(seed), " ", ""))
	code, err := totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("generating totp code: %w", err)
	}
	return code, nil
}
