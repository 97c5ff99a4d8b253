package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// Header names accepted by the shared-secret verifier.
const (
	HeaderAuthorization = "Authorization"
	HeaderSignature     = "X-RevenueCat-Signature"
)

// SignatureVerifier authenticates webhook requests by a shared bearer secret,
// an HMAC-SHA256 signature over the raw body, or both.
// A request is accepted when either configured scheme matches.
type SignatureVerifier struct {
	bearer []byte
	hmac   []byte

	// SignatureHeader carries the base64 HMAC; defaults to X-RevenueCat-Signature.
	SignatureHeader string
}

// NewSignatureVerifier creates a verifier. Empty secrets disable their scheme;
// with both empty every request is rejected.
func NewSignatureVerifier(bearerSecret, hmacSecret string) *SignatureVerifier {
	return &SignatureVerifier{
		bearer:          []byte(stripBearer(bearerSecret)),
		hmac:            []byte(strings.TrimSpace(hmacSecret)),
		SignatureHeader: HeaderSignature,
	}
}

// Configured reports whether at least one scheme is enabled
func (v *SignatureVerifier) Configured() bool {
	return len(v.bearer) > 0 || len(v.hmac) > 0
}

// Verify checks the request headers against the raw body
func (v *SignatureVerifier) Verify(header http.Header, body []byte) bool {
	if !v.Configured() {
		return false
	}

	if len(v.bearer) > 0 {
		token := stripBearer(header.Get(HeaderAuthorization))
		if token != "" && subtle.ConstantTimeCompare([]byte(token), v.bearer) == 1 {
			return true
		}
	}

	if len(v.hmac) > 0 {
		name := v.SignatureHeader
		if name == "" {
			name = HeaderSignature
		}
		sig := strings.TrimSpace(header.Get(name))
		if sig != "" && VerifyHMAC(body, sig, v.hmac) {
			return true
		}
	}
	return false
}

// VerifyHMAC compares a base64 HMAC-SHA256 signature of body in constant time
func VerifyHMAC(body []byte, signature string, secret []byte) bool {
	expected, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	if _, err := mac.Write(body); err != nil {
		return false
	}
	return hmac.Equal(expected, mac.Sum(nil))
}

// SignHMAC returns the base64 HMAC-SHA256 signature of body
func SignHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func stripBearer(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(strings.ToLower(v), "bearer ") {
		v = strings.TrimSpace(v[len("bearer "):])
	}
	return v
}
