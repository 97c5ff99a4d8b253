package recompute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"firebase.google.com/go/v4/auth"
	jwt "github.com/golang-jwt/jwt/v5"
)

// DefaultAdminClaim is the custom claim that allows recomputing other users
const DefaultAdminClaim = "admin"

// Caller is the authenticated principal of a recompute request
type Caller struct {
	UID   string
	Admin bool
}

// TokenVerifier turns a bearer token into a Caller
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Caller, error)
}

// IDTokenVerifier is the subset of *auth.Client used to verify Firebase ID tokens
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseVerifier verifies Firebase Auth ID tokens
type FirebaseVerifier struct {
	client     IDTokenVerifier
	adminClaim string
}

// NewFirebaseVerifier creates a verifier over a Firebase auth client.
// An empty adminClaim uses DefaultAdminClaim.
func NewFirebaseVerifier(client IDTokenVerifier, adminClaim string) *FirebaseVerifier {
	if adminClaim == "" {
		adminClaim = DefaultAdminClaim
	}
	return &FirebaseVerifier{client: client, adminClaim: adminClaim}
}

// VerifyToken implements TokenVerifier
func (v *FirebaseVerifier) VerifyToken(ctx context.Context, token string) (*Caller, error) {
	if strings.TrimSpace(token) == "" {
		return nil, newError(CodeUnauthenticated, "missing ID token", nil)
	}
	t, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		return nil, newError(CodeUnauthenticated, "invalid ID token", err)
	}
	return &Caller{UID: t.UID, Admin: claimTrue(t.Claims[v.adminClaim])}, nil
}

func claimTrue(v interface{}) bool {
	switch c := v.(type) {
	case bool:
		return c
	case string:
		return strings.EqualFold(c, "true")
	}
	return false
}

// callerClaims are the claims of locally issued HS256 tokens
type callerClaims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens signed with a shared secret. It serves
// local and staging deployments that do not run against Firebase Auth.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
// When issuer is set, tokens must carry it.
func NewJWTVerifier(secret []byte, issuer string) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{secret: secret, issuer: issuer}, nil
}

// VerifyToken implements TokenVerifier
func (v *JWTVerifier) VerifyToken(_ context.Context, token string) (*Caller, error) {
	if strings.TrimSpace(token) == "" {
		return nil, newError(CodeUnauthenticated, "missing token", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &callerClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, newError(CodeUnauthenticated, "invalid token", err)
	}
	if claims.Subject == "" {
		return nil, newError(CodeUnauthenticated, "token has no subject", nil)
	}
	return &Caller{UID: claims.Subject, Admin: claims.Admin}, nil
}

// Issue signs a token for uid valid for ttl
func (v *JWTVerifier) Issue(uid string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := callerClaims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
