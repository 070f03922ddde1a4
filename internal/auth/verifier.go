package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Issuer is the required iss and aud claim value on broker tokens.
const Issuer = "mcp-broker"

// ErrInvalidToken is the only verification error surfaced to clients. The
// failing claim is logged, never returned, so callers cannot probe which
// check failed.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the broker token claim set.
type Claims struct {
	jwt.RegisteredClaims
	// AllowedTags is required; a nil pointer means the claim was absent.
	AllowedTags *[]string `json:"allowed_tags"`
}

// Validate implements jwt.ClaimsValidator, making the parser reject tokens
// whose broker-specific claims are missing.
func (c *Claims) Validate() error {
	if c.Subject == "" {
		return errors.New("missing sub claim")
	}
	if c.AllowedTags == nil {
		return errors.New("missing allowed_tags claim")
	}
	return nil
}

// Verifier checks RS256 bearer tokens against a public key loaded at startup.
type Verifier struct {
	key    *rsa.PublicKey
	logger *slog.Logger
}

// NewVerifier creates a verifier from a PEM-encoded RSA public key file.
func NewVerifier(publicKeyPath string, logger *slog.Logger) (*Verifier, error) {
	raw, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key %q: %w", publicKeyPath, err)
	}
	key, err := ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key %q: %w", publicKeyPath, err)
	}
	return &Verifier{key: key, logger: logger.With("component", "auth")}, nil
}

// NewVerifierFromKey creates a verifier from an already-loaded key.
func NewVerifierFromKey(key *rsa.PublicKey, logger *slog.Logger) *Verifier {
	return &Verifier{key: key, logger: logger.With("component", "auth")}
}

// ParsePublicKey decodes a PEM block holding a PKIX or PKCS1 RSA public key.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("key is not RSA")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unsupported public key: %w", err)
	}
	return key, nil
}

// Verify checks the compact token and returns the session's ClientContext.
// Every failure collapses to ErrInvalidToken.
func (v *Verifier) Verify(tokenValue string) (*ClientContext, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenValue, claims, func(t *jwt.Token) (interface{}, error) {
		// verify signing method
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		v.logger.Debug("token rejected", "error", err)
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		v.logger.Debug("token rejected", "error", "parser returned invalid token")
		return nil, ErrInvalidToken
	}

	tags := make([]string, len(*claims.AllowedTags))
	copy(tags, *claims.AllowedTags)

	return &ClientContext{
		Subject:         claims.Subject,
		AllowedTags:     tags,
		AuthenticatedAt: time.Now(),
	}, nil
}
