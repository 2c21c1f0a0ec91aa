package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"

	"trainsync-relay/domain"
)

// TokenClaims is the payload of an access token. Subject carries the
// identity; Role is optional.
type TokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Verifier checks HS256 access tokens against a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth: empty secret")
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

func (v *Verifier) Authenticate(token string) (domain.Claims, error) {
	if token == "" {
		return domain.Claims{}, fmt.Errorf("%w: empty token", domain.ErrAuth)
	}

	claims := &TokenClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return domain.Claims{}, fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}
	if !parsed.Valid {
		return domain.Claims{}, fmt.Errorf("%w: invalid token", domain.ErrAuth)
	}
	if claims.Subject == "" {
		return domain.Claims{}, fmt.Errorf("%w: missing subject", domain.ErrAuth)
	}

	role := domain.Role(claims.Role)
	if role != "" && !role.Valid() {
		return domain.Claims{}, fmt.Errorf("%w: unknown role %q", domain.ErrAuth, claims.Role)
	}

	return domain.Claims{Identity: claims.Subject, Role: role}, nil
}

// Sign issues a token for identity. It exists for tooling and tests; the
// relay itself only verifies.
func (v *Verifier) Sign(claims TokenClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
