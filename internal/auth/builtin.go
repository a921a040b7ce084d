package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the builtin provider understands.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// BuiltinProvider validates HMAC-signed JWTs issued by a trusted collaborator
// sharing the same secret.
type BuiltinProvider struct {
	secret []byte
}

// NewBuiltinProvider creates a provider for the given shared secret.
func NewBuiltinProvider(secret string) *BuiltinProvider {
	return &BuiltinProvider{secret: []byte(secret)}
}

func (p *BuiltinProvider) Name() string { return "builtin" }

// ValidateToken parses and verifies a token, returning the embedded identity.
func (p *BuiltinProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return p.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrUnauthorized
	}

	role := claims.Role
	if role == "" {
		role = "user"
	}
	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     role,
	}, nil
}

// IssueToken signs a token for an identity. Used by tests and by operators
// minting service tokens; production clients get theirs from the upstream
// identity service.
func (p *BuiltinProvider) IssueToken(id Identity, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}
