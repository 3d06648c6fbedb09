// Package creds owns the cached credential shared by the storage and key
// management clients. Credentials are resolved lazily from an underlying
// provider chain and cached until their declared expiry; concurrent callers
// hitting an expired cache share a single in-flight refresh.
package creds

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"golang.org/x/sync/singleflight"
)

// expiryWindow refreshes slightly before the declared expiry so in-flight
// requests signed with the old credential do not race its expiration.
const expiryWindow = 30 * time.Second

// Resolver caches credentials from an underlying chain. It implements
// aws.CredentialsProvider and is injected into both clients at
// construction, so the whole backend observes one credential lifecycle.
type Resolver struct {
	chain aws.CredentialsProvider
	now   func() time.Time

	mu     sync.RWMutex
	cached aws.Credentials
	valid  bool

	group singleflight.Group
}

// New wraps chain with expiry-aware caching and refresh coalescing.
func New(chain aws.CredentialsProvider) *Resolver {
	return &Resolver{chain: chain, now: time.Now}
}

// Retrieve returns the cached credential while it is still valid, otherwise
// refreshes. All callers arriving during a refresh wait for and share the
// same result; exactly one call reaches the underlying chain.
func (r *Resolver) Retrieve(ctx context.Context) (aws.Credentials, error) {
	r.mu.RLock()
	if r.valid && !r.expired(r.cached) {
		c := r.cached
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do("refresh", func() (any, error) {
		// Re-check under the flight: a refresh that just finished may
		// already satisfy us.
		r.mu.RLock()
		if r.valid && !r.expired(r.cached) {
			c := r.cached
			r.mu.RUnlock()
			return c, nil
		}
		r.mu.RUnlock()

		// The result is shared by every waiter, so the refresh must not
		// die with the first arrival's context.
		c, err := r.chain.Retrieve(context.WithoutCancel(ctx))
		if err != nil {
			return aws.Credentials{}, err
		}
		r.mu.Lock()
		r.cached = c
		r.valid = true
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return aws.Credentials{}, err
	}
	return v.(aws.Credentials), nil
}

// Invalidate drops the cached credential so the next Retrieve refreshes.
// The retry policy calls this once per logical operation when an attempt
// fails with an auth error.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.valid = false
	r.mu.Unlock()
}

// Refresh invalidates and immediately re-resolves. Shaped for
// retry.RefreshFunc.
func (r *Resolver) Refresh(ctx context.Context) error {
	r.Invalidate()
	_, err := r.Retrieve(ctx)
	return err
}

func (r *Resolver) expired(c aws.Credentials) bool {
	if !c.CanExpire {
		return false
	}
	return !r.now().Add(expiryWindow).Before(c.Expires)
}
