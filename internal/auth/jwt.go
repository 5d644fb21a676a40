package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jefftrojan/twigane/internal/apperrors"
)

// Validator verifies bearer tokens issued by the auth service and extracts
// the user id. Tokens carry the id in "sub", or "user_id" for older issuers.
type Validator struct {
	method    jwt.SigningMethod
	hsSecret  []byte
	publicKey *rsa.PublicKey
}

func NewHS256Validator(secret string) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("empty hs256 secret")
	}
	return &Validator{method: jwt.SigningMethodHS256, hsSecret: []byte(secret)}, nil
}

// NewRS256Validator loads an RSA public key (PKIX or PKCS1 PEM) from path.
func NewRS256Validator(path string) (*Validator, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &Validator{method: jwt.SigningMethodRS256, publicKey: pub}, nil
}

// New picks the validator for alg ("HS256" or "RS256").
func New(alg, hsSecret, publicKeyPath string) (*Validator, error) {
	switch strings.ToUpper(alg) {
	case "RS256":
		return NewRS256Validator(publicKeyPath)
	case "HS256", "":
		return NewHS256Validator(hsSecret)
	default:
		return nil, fmt.Errorf("unsupported jwt alg %q", alg)
	}
}

// Scopes granted to service credentials.
const (
	ScopeNotificationsWrite = "notifications:write"
	ScopePresenceRead       = "presence:read"
)

// Claims is what the service reads from a verified token.
type Claims struct {
	UserID string
	Scopes []string
}

func (c Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validate returns the user id carried by tokenStr.
func (v *Validator) Validate(tokenStr string) (string, error) {
	c, err := v.Parse(tokenStr)
	if err != nil {
		return "", err
	}
	return c.UserID, nil
}

// Parse verifies tokenStr and returns its user id and scopes. Scopes come
// from a space separated "scope" claim or a "scopes" array.
func (v *Validator) Parse(tokenStr string) (Claims, error) {
	if tokenStr == "" {
		return Claims{}, fmt.Errorf("%w: empty token", apperrors.ErrUnauthorized)
	}
	token, err := jwt.Parse(tokenStr, v.keyFunc, jwt.WithValidMethods([]string{v.method.Alg()}))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("%w: invalid claims", apperrors.ErrUnauthorized)
	}

	var c Claims
	if sub, _ := mc["sub"].(string); sub != "" {
		c.UserID = sub
	} else if uid, _ := mc["user_id"].(string); uid != "" {
		c.UserID = uid
	} else {
		return Claims{}, fmt.Errorf("%w: sub claim missing", apperrors.ErrUnauthorized)
	}

	if scope, _ := mc["scope"].(string); scope != "" {
		c.Scopes = strings.Fields(scope)
	}
	if list, ok := mc["scopes"].([]interface{}); ok {
		for _, item := range list {
			if s, _ := item.(string); s != "" {
				c.Scopes = append(c.Scopes, s)
			}
		}
	}
	return c, nil
}

func (v *Validator) keyFunc(t *jwt.Token) (interface{}, error) {
	if v.publicKey != nil {
		return v.publicKey, nil
	}
	return v.hsSecret, nil
}

// ParseBearerToken extracts the token from an Authorization header value.
func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: authorization header empty", apperrors.ErrUnauthorized)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: invalid authorization header format", apperrors.ErrUnauthorized)
	}
	return strings.TrimSpace(parts[1]), nil
}
