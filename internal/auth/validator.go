// Package auth gates the HTTP API behind hashed API keys.
package auth

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize bounds the number of key digests the validator remembers.
const DefaultCacheSize = 10000

// KeyStore answers whether a key digest is active.
type KeyStore interface {
	Active(ctx context.Context, hash string) (bool, error)
}

type cachedResult struct {
	active  bool
	checked time.Time
}

// Validator checks keys against a KeyStore and caches answers for ttl in a
// size-bounded LRU. Concurrent lookups of the same key share one store query.
type Validator struct {
	store KeyStore
	ttl   time.Duration
	size  int

	cache *lru.Cache[string, cachedResult]
	sf    singleflight.Group

	now func() time.Time
}

type ValidatorOption func(*Validator)

// WithCacheSize overrides DefaultCacheSize. Non-positive values are ignored.
func WithCacheSize(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.size = n
		}
	}
}

func NewValidator(store KeyStore, ttl time.Duration, opts ...ValidatorOption) *Validator {
	v := &Validator{
		store: store,
		ttl:   ttl,
		size:  DefaultCacheSize,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	// lru.New only fails for a non-positive size.
	v.cache, _ = lru.New[string, cachedResult](v.size)
	return v
}

// Validate reports whether key is known and not revoked. A non-nil error
// means the store could not be consulted.
func (v *Validator) Validate(ctx context.Context, key string) (bool, error) {
	hash := HashKey(key)

	if active, ok := v.cached(hash); ok {
		return active, nil
	}

	res, err, _ := v.sf.Do(hash, func() (any, error) {
		if active, ok := v.cached(hash); ok {
			return active, nil
		}

		active, err := v.store.Active(ctx, hash)
		if err != nil {
			return false, fmt.Errorf("check api key: %w", err)
		}

		if v.ttl > 0 {
			v.cache.Add(hash, cachedResult{active: active, checked: v.now()})
		}
		return active, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Forget drops a cached answer, e.g. after a revocation.
func (v *Validator) Forget(hash string) {
	v.cache.Remove(hash)
}

func (v *Validator) cached(hash string) (bool, bool) {
	if v.ttl <= 0 {
		return false, false
	}

	entry, ok := v.cache.Get(hash)
	if !ok {
		return false, false
	}
	if v.now().Sub(entry.checked) > v.ttl {
		v.cache.Remove(hash)
		return false, false
	}
	return entry.active, true
}
