package auth

import (
	"context"
	"errors"

	"github.com/Gobusters/ectolinq"
)

// ErrInvalidToken is returned by verifiers when a bearer token cannot be trusted.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// HasRole reports whether the caller carries role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	return ectolinq.Contains(i.Roles, role)
}

// TokenVerifier turns a raw bearer token into an Identity.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// StaticVerifier trusts a fixed token table. It backs local development when
// AUTH_ENABLED is false and handler tests.
type StaticVerifier struct {
	tokens map[string]Identity
}

func NewStaticVerifier(tokens map[string]Identity) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

func (v *StaticVerifier) Verify(_ context.Context, rawToken string) (*Identity, error) {
	identity, ok := v.tokens[rawToken]
	if !ok || rawToken == "" {
		return nil, ErrInvalidToken
	}
	return &identity, nil
}
