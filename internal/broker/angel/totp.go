package angel

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// totpPeriod is the RFC 6238 time step angel uses.
const totpPeriod = 30

// NormalizeSeed cleans up a TOTP seed as users typically paste it, with
// spaces and lowercase base32.
func NormalizeSeed(seed string) string {
	return strings.ToUpper(strings.ReplaceAll(seed, " ", ""))
}

// CurrentCode returns the TOTP code for the seed at time t.
func CurrentCode(seed string, t time.Time) (string, error) {
	code, err := totp.GenerateCode(NormalizeSeed(seed), t)
	if err != nil {
		return "", fmt.Errorf("generating totp: %w", err)
	}
	return code, nil
}

// SecondsRemaining returns how long the code at time t stays valid.
func SecondsRemaining(t time.Time) int {
	return totpPeriod - int(t.Unix()%totpPeriod)
}

// ProvisioningURI builds the otpauth URI for enrolling the seed in an
// authenticator app.
func ProvisioningURI(seed, clientID string) string {
	q := url.Values{}
	q.Set("secret", NormalizeSeed(seed))
	q.Set("issuer", "AngelOne")
	return fmt.Sprintf("otpauth://totp/AngelOne:%s?%s", url.PathEscape(clientID), q.Encode())
}
