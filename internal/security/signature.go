package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignatureHeader carries the HMAC of a request body in both directions.
const SignatureHeader = "X-Chatrelay-Signature"

// Sign returns the header value for body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a header produced by Sign. An empty secret disables
// verification.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}
	if header == "" {
		return fmt.Errorf("missing signature header: %s", SignatureHeader)
	}

	parts := strings.SplitN(header, "=", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "sha256" {
		return fmt.Errorf("invalid signature format in header %s", SignatureHeader)
	}

	expected := Sign(secret, body)
	if !hmac.Equal([]byte(expected), []byte("sha256="+strings.ToLower(parts[1]))) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
