package crypto

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CSRFProtection provides stateless HMAC-based CSRF tokens bound to a subject.
// Tokens are self-contained: nonce:timestamp:signature, where the signature
// covers the subject so a token minted for one account fails after a switch.
type CSRFProtection struct {
	signingKey []byte
	ttl        time.Duration
}

// NewCSRFProtection creates a new CSRF protection instance
func NewCSRFProtection(signingKey []byte, ttl time.Duration) CSRFProtection {
	return CSRFProtection{
		signingKey: signingKey,
		ttl:        ttl,
	}
}

// Generate creates a new CSRF token for subject
func (c *CSRFProtection) Generate(subject string) (string, error) {
	nonce, err := GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := SignData(csrfPayload(nonce, timestamp, subject), c.signingKey)

	return fmt.Sprintf("%s:%s:%s", nonce, timestamp, signature), nil
}

// Validate checks that token was generated for subject and has not expired
func (c *CSRFProtection) Validate(token, subject string) bool {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return false
	}

	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}
	if time.Since(time.Unix(timestamp, 0)) > c.ttl {
		return false
	}

	return ValidateSignedData(csrfPayload(parts[0], parts[1], subject), parts[2], c.signingKey)
}

func csrfPayload(nonce, timestamp, subject string) string {
	return nonce + ":" + timestamp + ":" + subject
}
