package jwt

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config configures the local JWT adapter.
type Config struct {
	Secret     string        `env:"JWT_SECRET" validate:"required"`
	Expiration time.Duration `env:"JWT_EXPIRATION" env-default:"24h"`
	Issuer     string        `env:"JWT_ISSUER" env-default:"system-design-library"`
}

// Claims is the adapter's own verified-token shape, distinct from
// pkg/auth.Claims, which this package does not depend on.
type Claims struct {
	Subject   string
	Roles     []string
	Issuer    string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type tokenClaims struct {
	Roles []string `json:"roles"`
	Role  string   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Adapter issues and verifies HMAC-SHA256 signed tokens.
type Adapter struct {
	cfg Config
}

// New builds a local JWT adapter from cfg.
func New(cfg Config) *Adapter {
	if cfg.Expiration <= 0 {
		cfg.Expiration = 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "system-design-library"
	}
	return &Adapter{cfg: cfg}
}

// Generate issues a signed token for userID carrying roles.
func (a *Adapter) Generate(userID string, roles []string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.Expiration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.Secret))
}

// Verify parses and validates tokenString, returning its claims.
func (a *Adapter) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(a.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}

	roles := claims.Roles
	if claims.Role != "" {
		roles = append([]string{claims.Role}, roles...)
	}
	out := &Claims{
		Subject: claims.Subject,
		Roles:   roles,
		Issuer:  claims.Issuer,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
