package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// DefaultTokenLifetime is the issuance default. The broker never refreshes
// tokens; clients obtain new ones from the issuer utility.
const DefaultTokenLifetime = 30 * 24 * time.Hour

// EnvPrivateKeyPath overrides the issuer's private key location.
const EnvPrivateKeyPath = "MCP_JWT_PRIVATE_KEY_PATH"

// ErrKeyPermissions reports a private key file readable by group or world.
var ErrKeyPermissions = errors.New("private key permissions too open")

// TokenIssuer signs broker tokens with an RSA private key.
type TokenIssuer struct {
	key *rsa.PrivateKey
}

// NewTokenIssuer loads the private key at path, enforcing that the file is
// mode 0600 or 0400.
func NewTokenIssuer(path string) (*TokenIssuer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat private key %q: %w", path, err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 && perm != 0o400 {
		return nil, fmt.Errorf("%w: %q is %04o, want 0600 or 0400", ErrKeyPermissions, path, perm)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %q: %w", path, err)
	}
	key, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key %q: %w", path, err)
	}
	return &TokenIssuer{key: key}, nil
}

// ParsePrivateKey decodes a PEM block holding a PKCS1 or PKCS8 RSA private key.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unsupported private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not RSA")
	}
	return key, nil
}

// Issue signs a token for subject with the given allowed tags. A zero
// lifetime uses DefaultTokenLifetime.
func (i *TokenIssuer) Issue(subject string, allowedTags []string, lifetime time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject must not be empty")
	}
	if lifetime == 0 {
		lifetime = DefaultTokenLifetime
	}
	if allowedTags == nil {
		allowedTags = []string{}
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Issuer},
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
		AllowedTags: &allowedTags,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// PublicKey returns the public half of the signing key.
func (i *TokenIssuer) PublicKey() *rsa.PublicKey {
	return &i.key.PublicKey
}

// GenerateKeyPair writes a fresh 2048-bit RSA keypair: the private key PEM at
// privatePath with mode 0600 and the public key PEM at publicPath with mode
// 0644. Existing files are not overwritten.
func GenerateKeyPair(privatePath, publicPath string) error {
	for _, path := range []string{privatePath, publicPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("refusing to overwrite existing key %q", path)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		return fmt.Errorf("write private key %q: %w", privatePath, err)
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		return fmt.Errorf("write public key %q: %w", publicPath, err)
	}
	return nil
}
