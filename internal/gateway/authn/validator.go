package authn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validation failures map straight onto 401 responses at the edge; none of
// them are retried and none reach the event pipeline.
var (
	ErrTokenExpired     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("token signature verification failed")
	ErrMalformedToken   = errors.New("token is malformed")

	errUnknownKeyID = errors.New("signing key not in cached key set")
)

// Claims is the validated identity derived from a bearer token. It lives for
// one request and is never persisted.
type Claims struct {
	Subject string
	Expiry  time.Time
	Issuer  string
}

type keysSnapshot struct {
	keys      KeySet
	fetchedAt time.Time
}

// Validator verifies bearer tokens against the identity provider's key set.
// The key set is cached with a TTL; readers load an atomic snapshot so token
// validation never blocks on a refresh it didn't trigger.
type Validator struct {
	fetcher KeyFetcher
	ttl     time.Duration
	issuer  string

	snapshot  atomic.Pointer[keysSnapshot]
	refreshMu sync.Mutex
}

// NewValidator builds a validator. issuer is optional; when set, tokens from
// any other issuer are rejected.
func NewValidator(fetcher KeyFetcher, ttl time.Duration, issuer string) *Validator {
	return &Validator{fetcher: fetcher, ttl: ttl, issuer: issuer}
}

// Validate parses and verifies a bearer token. On a cache miss or an unknown
// key ID it performs one synchronous key-set refresh before failing.
func (v *Validator) Validate(ctx context.Context, token string) (Claims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", errUnknownKeyID)
		}
		return v.keyFor(ctx, kid)
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, errUnknownKeyID):
			return Claims{}, ErrInvalidSignature
		default:
			return Claims{}, fmt.Errorf("%w: %w", ErrMalformedToken, err)
		}
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidSignature
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return Claims{}, ErrInvalidSignature
	}

	out := Claims{Subject: claims.Subject, Issuer: claims.Issuer}
	if claims.ExpiresAt != nil {
		out.Expiry = claims.ExpiresAt.Time
	}
	return out, nil
}

// keyFor resolves a key ID, refreshing the cached set once if the snapshot
// is stale or the kid is unknown.
func (v *Validator) keyFor(ctx context.Context, kid string) (any, error) {
	snap := v.snapshot.Load()
	if snap != nil && time.Since(snap.fetchedAt) < v.ttl {
		if key, ok := snap.keys[kid]; ok {
			return key, nil
		}
	}

	if err := v.refresh(ctx, snap); err != nil {
		// A stale key beats no key when the provider is unreachable.
		if snap != nil {
			if key, ok := snap.keys[kid]; ok {
				return key, nil
			}
		}
		return nil, err
	}

	if key, ok := v.snapshot.Load().keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", errUnknownKeyID, kid)
}

// refresh fetches a new key set. The mutex collapses concurrent refreshes:
// whoever loses the race reuses the snapshot the winner installed.
func (v *Validator) refresh(ctx context.Context, seen *keysSnapshot) error {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	if current := v.snapshot.Load(); current != seen {
		return nil
	}

	keys, err := v.fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("refresh key set: %w", err)
	}
	v.snapshot.Store(&keysSnapshot{keys: keys, fetchedAt: time.Now()})
	return nil
}
