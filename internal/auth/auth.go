// Package auth mints and verifies the HS256 session tokens that carry a
// Session Identity onto the realtime channel.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stockpilot/realtime/internal/protocol"
)

const issuer = "stockpilot"

var (
	ErrMissingSecret = errors.New("jwt secret is empty")
	ErrInvalidToken  = errors.New("invalid session token")
)

// Claims extends the registered claims with the session role. Subject is
// the user id.
type Claims struct {
	jwt.RegisteredClaims
	UserID string        `json:"userId"`
	Role   protocol.Role `json:"role"`
}

// Issuer signs session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for userID with role.
func (i *Issuer) Issue(userID string, role protocol.Role) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}
	if !role.Valid() {
		return "", fmt.Errorf("issue token: unknown role %q", role)
	}
	now := i.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		UserID: userID,
		Role:   role,
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verifier checks tokens presented in authenticate messages.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
		),
	}, nil
}

// Verify parses token and returns the identity it carries.
func (v *Verifier) Verify(token string) (protocol.Identity, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.UserID == "" || claims.UserID != claims.Subject {
		return protocol.Identity{}, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return protocol.Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return protocol.Identity{UserID: claims.UserID, Role: claims.Role, Token: token}, nil
}

// Check validates an identity claimed in an authenticate message against
// its token. The token's claims win over the self-declared fields.
func (v *Verifier) Check(id protocol.Identity) (protocol.Identity, error) {
	if id.Token == "" {
		return protocol.Identity{}, fmt.Errorf("%w: token required", ErrInvalidToken)
	}
	verified, err := v.Verify(id.Token)
	if err != nil {
		return protocol.Identity{}, err
	}
	if id.UserID != "" && id.UserID != verified.UserID {
		return protocol.Identity{}, fmt.Errorf("%w: token belongs to another user", ErrInvalidToken)
	}
	return verified, nil
}
