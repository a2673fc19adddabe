// Package auth is the identity gate: it verifies HS256 bearer tokens and
// checks their jti against a revocation list.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Proctor/internal/domain"
	"github.com/dkeye/Proctor/internal/metrics"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrRevoked = errors.New("token has been revoked")

// CustomClaims is the payload of a proctor token. The jti (RegisteredClaims.ID)
// is what revocation is keyed on.
type CustomClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Revocations reports whether a token id was revoked.
type Revocations interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type Options struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// JWTGate implements core.IdentityGate.
type JWTGate struct {
	opts    Options
	revoked Revocations
	now     func() time.Time
}

// NewJWTGate builds a gate; revoked may be nil, in which case no token is
// ever considered revoked.
func NewJWTGate(opts Options, revoked Revocations) *JWTGate {
	return &JWTGate{opts: opts, revoked: revoked, now: time.Now}
}

func (g *JWTGate) Verify(ctx context.Context, credential string) (domain.Identity, error) {
	if credential == "" {
		metrics.AuthFailures.WithLabelValues("missing").Inc()
		return domain.Identity{}, domain.Errorf(domain.ErrAuth, "missing token")
	}
	claims := &CustomClaims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(g.opts.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(g.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(failureReason(err)).Inc()
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}

	if err := g.checkRevoked(ctx, claims.ID); err != nil {
		return domain.Identity{}, err
	}

	id, err := domain.NewIdentity(claims.UserID, claims.Role)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("claims").Inc()
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}
	return id, nil
}

// checkRevoked fails closed: a revocation list that cannot be read rejects
// the token.
func (g *JWTGate) checkRevoked(ctx context.Context, jti string) error {
	if g.revoked == nil {
		return nil
	}
	if jti == "" {
		metrics.AuthFailures.WithLabelValues("no_jti").Inc()
		return domain.Errorf(domain.ErrAuth, "token has no jti")
	}
	revoked, err := g.revoked.IsRevoked(ctx, jti)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.auth").Str("jti", jti).Msg("revocation check failed")
		metrics.AuthFailures.WithLabelValues("revocation_unavailable").Inc()
		return domain.Errorf(domain.ErrAuth, "revocation check unavailable")
	}
	if revoked {
		metrics.AuthFailures.WithLabelValues("revoked").Inc()
		return fmt.Errorf("%w: %w", domain.ErrAuth, ErrRevoked)
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	}
	return "invalid"
}

// GenerateToken signs a token for id valid for the gate's TTL. It returns
// the token and its jti.
func (g *JWTGate) GenerateToken(id domain.Identity) (string, string, error) {
	now := g.now()
	jti := uuid.NewString()
	claims := &CustomClaims{
		UserID: string(id.UserID),
		Role:   string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   string(id.UserID),
			Issuer:    g.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.opts.TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(g.opts.Secret))
	if err != nil {
		return "", "", fmt.Errorf("sign token: %w", err)
	}
	return signed, jti, nil
}
