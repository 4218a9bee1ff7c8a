package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const actorContextKey contextKey = "actor"

const (
	ActorMember  = "member"
	ActorService = "service"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingClaims = errors.New("missing actor claims")
)

// Actor is the identity carried by a bearer token. Tokens are issued by the
// member portal; this service only verifies them.
type Actor struct {
	ID   string
	Type string
}

func (a Actor) IsMember() bool  { return a.Type == ActorMember }
func (a Actor) IsService() bool { return a.Type == ActorService }

// HMACKeyset lets old tokens keep verifying while a new kid signs.
type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

// ParseHMACKeyset builds a keyset from "kid:secret,kid:secret". When entries is
// empty the single secret is stored under the "default" kid.
func ParseHMACKeyset(secret, entries, activeKID string) (HMACKeyset, error) {
	keys := make(map[string][]byte)
	for _, part := range strings.Split(entries, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, value, ok := strings.Cut(part, ":")
		kid = strings.TrimSpace(kid)
		value = strings.TrimSpace(value)
		if !ok || kid == "" || value == "" {
			return HMACKeyset{}, fmt.Errorf("malformed jwt keyset entry %q", part)
		}
		keys[kid] = []byte(value)
	}
	if len(keys) == 0 {
		if strings.TrimSpace(secret) == "" {
			return HMACKeyset{}, errors.New("jwt secret is empty")
		}
		return HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}}, nil
	}
	if activeKID == "" {
		return HMACKeyset{}, errors.New("jwt keyset requires an active kid")
	}
	if _, ok := keys[activeKID]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", activeKID)
	}
	return HMACKeyset{ActiveKID: activeKID, Keys: keys}, nil
}

type JWTVerifier struct {
	keyset HMACKeyset
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{keyset: HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}}}
}

func NewJWTVerifierWithKeyset(ks HMACKeyset) *JWTVerifier {
	return &JWTVerifier{keyset: ks}
}

func (v *JWTVerifier) keyFor(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, errors.New("unexpected signing method")
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = v.keyset.ActiveKID
	}
	key, ok := v.keyset.Keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

func (v *JWTVerifier) ParseActor(tokenString string) (Actor, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Actor{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	actorType, _ := claims["actor_type"].(string)
	if sub == "" || actorType == "" {
		return Actor{}, ErrMissingClaims
	}
	return Actor{ID: sub, Type: actorType}, nil
}

// JWTSigner mints tokens for operators and tests.
type JWTSigner struct {
	keyset HMACKeyset
}

func NewJWTSignerWithKeyset(ks HMACKeyset) *JWTSigner {
	return &JWTSigner{keyset: ks}
}

func (s *JWTSigner) SignActor(actor Actor, now time.Time, ttl time.Duration) (string, time.Time, error) {
	key, ok := s.keyset.Keys[s.keyset.ActiveKID]
	if !ok {
		return "", time.Time{}, fmt.Errorf("active kid %q has no key", s.keyset.ActiveKID)
	}
	exp := now.Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        actor.ID,
		"actor_type": actor.Type,
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
	})
	tok.Header["kid"] = s.keyset.ActiveKID
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

func bearerToken(h string) (string, bool) {
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}

func HTTPJWTMiddleware(verifier *JWTVerifier, next http.Handler) http.Handler {
	return HTTPJWTMiddlewareWithSkips(verifier, next, nil)
}

// HTTPJWTMiddlewareWithSkips leaves the exact paths in skipPaths
// unauthenticated. The provider webhook and health checks live there.
func HTTPJWTMiddlewareWithSkips(verifier *JWTVerifier, next http.Handler, skipPaths []string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		tok, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		actor, err := verifier.ParseActor(tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
