// Package auth implements bearer token verification and owner binding.
//
// The Guard is pure validation: it holds the signing secret and nothing
// else. Every tool handler calls it independently; there is no ambient
// authentication context that a caller could rely on having been checked
// upstream.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when a token cannot be verified: bad
// signature, expired, malformed, or missing the user_id claim.
var ErrInvalidToken = errors.New("invalid token")

// ErrOwnerMismatch is returned when a verified token's subject does not
// match the owner asserted by the call site. This is a hard failure,
// never a silent correction: it is the last line of defense against
// cross-tenant access triggered by a manipulated or erroneous tool call.
var ErrOwnerMismatch = errors.New("owner mismatch")

// devTokenPrefix marks the development/testing token form "user_id:<uuid>"
// that bypasses JWT verification. Both forms resolve to the same subject
// identity, so everything downstream is format-agnostic.
const devTokenPrefix = "user_id:"

// Guard verifies bearer tokens and binds calls to exactly one owner.
type Guard struct {
	secret []byte
}

// NewGuard creates a Guard around an HS256 signing secret.
func NewGuard(secret string) *Guard {
	return &Guard{secret: []byte(secret)}
}

// VerifyToken validates the token signature and expiry and extracts the
// embedded user id. Returns ErrInvalidToken on any failure.
func (g *Guard) VerifyToken(token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	// Development shortcut: "user_id:<uuid>"
	if strings.HasPrefix(token, devTokenPrefix) {
		id, err := uuid.Parse(strings.TrimPrefix(token, devTokenPrefix))
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: malformed user_id", ErrInvalidToken)
		}
		return id, nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	sub, _ := claims["user_id"].(string)
	if sub == "" {
		return uuid.Nil, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}

	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed user_id", ErrInvalidToken)
	}

	return id, nil
}

// Authorize verifies the token and checks that its subject equals the
// owner asserted by the call site (e.g. a path parameter). Returns the
// verified owner id, ErrInvalidToken, or ErrOwnerMismatch.
func (g *Guard) Authorize(token string, assertedOwner uuid.UUID) (uuid.UUID, error) {
	subject, err := g.VerifyToken(token)
	if err != nil {
		return uuid.Nil, err
	}
	if subject != assertedOwner {
		return uuid.Nil, fmt.Errorf("%w: token subject %s, asserted %s",
			ErrOwnerMismatch, subject, assertedOwner)
	}
	return subject, nil
}

// MintToken issues a short-lived HS256 token for the given user. The
// orchestrator mints one per turn and injects it into every tool call,
// so tools authenticate the same way regardless of entry point.
func (g *Guard) MintToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID.String(),
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
		"purpose": "tool_execution",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
