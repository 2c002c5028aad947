package truth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aprio-one/converge/pkg/contracts"
)

// OverrideAuthorizer decides whether a break-glass override carries enough
// authority to bypass an acceptance-class truth.
type OverrideAuthorizer interface {
	Authorize(o contracts.Override) error
}

var ErrOverrideDenied = errors.New("override not authorized")

type denyAll struct{}

func (denyAll) Authorize(contracts.Override) error { return ErrOverrideDenied }

// DenyAllAuthorizer rejects every override. It is the default.
func DenyAllAuthorizer() OverrideAuthorizer { return denyAll{} }

// StaticAuthorizer allows overrides from an explicit actor allow-list.
type StaticAuthorizer struct {
	allowed map[string]struct{}
}

func NewStaticAuthorizer(actorIDs ...string) *StaticAuthorizer {
	a := &StaticAuthorizer{allowed: make(map[string]struct{}, len(actorIDs))}
	for _, id := range actorIDs {
		a.allowed[id] = struct{}{}
	}
	return a
}

func (a *StaticAuthorizer) Authorize(o contracts.Override) error {
	if o.Actor.ID == "" {
		return fmt.Errorf("%w: missing actor", ErrOverrideDenied)
	}
	if _, ok := a.allowed[o.Actor.ID]; !ok {
		return fmt.Errorf("%w: actor %q not on allow-list", ErrOverrideDenied, o.Actor.ID)
	}
	return nil
}

// JWTAuthorizer validates the override token as an HS256 JWT carrying the
// "override" scope and a subject matching the override actor.
type JWTAuthorizer struct {
	secret []byte
}

func NewJWTAuthorizer(secret []byte) *JWTAuthorizer {
	return &JWTAuthorizer{secret: secret}
}

type overrideClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

func (a *JWTAuthorizer) Authorize(o contracts.Override) error {
	if o.Token == "" {
		return fmt.Errorf("%w: missing token", ErrOverrideDenied)
	}
	claims := &overrideClaims{}
	tok, err := jwt.ParseWithClaims(o.Token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOverrideDenied, err)
	}
	if !tok.Valid {
		return fmt.Errorf("%w: invalid token", ErrOverrideDenied)
	}
	if !hasScope(claims.Scope, "override") {
		return fmt.Errorf("%w: token lacks override scope", ErrOverrideDenied)
	}
	if claims.Subject != "" && o.Actor.ID != "" && claims.Subject != o.Actor.ID {
		return fmt.Errorf("%w: token subject %q does not match actor %q", ErrOverrideDenied, claims.Subject, o.Actor.ID)
	}
	return nil
}

func hasScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}
