package core

import (
	"context"
	"sync"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyAuthorization contextKey = "_authorization_"
)

/*
Authorization is a context object which stores the identity a request is
made on behalf of.

An authorization carries the auth record of the authenticated user, or
nothing for a guest. A superuser authorization bypasses all rules.

Authorizations are added to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := AuthorizationFromContext(ctx)

The record store evaluates collection rules against the authorization in
the context. A context without authorization is a guest.
*/
type Authorization struct {
	// Record is the auth record, nil for guests
	Record    map[string]interface{} `json:"record,omitempty"`
	Superuser bool                   `json:"superuser,omitempty"`
}

// IsSuperuser returns true if the authorization bypasses all rules
func (a *Authorization) IsSuperuser() bool {
	return a != nil && a.Superuser
}

// ID returns the id of the auth record, or "" for guests
func (a *Authorization) ID() string {
	if a == nil {
		return ""
	}
	id, _ := a.Record["id"].(string)
	return id
}

// Data returns the auth record as rule variables expect it, nil for guests
func (a *Authorization) Data() map[string]interface{} {
	if a == nil {
		return nil
	}
	return a.Record
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// AuthorizationCache is an in-memory cache for authorizations. The realtime
// broadcaster uses it to look up every subscriber only once per broadcast,
// no matter how many subscriptions the subscriber holds.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]*Authorization)}
}

// Read returns an authorization from the cache, or nil.
// This function is go-route safe
func (a *AuthorizationCache) Read(key string) *Authorization {
	a.mutex.RLock()
	auth, ok := a.cache[key]
	a.mutex.RUnlock()
	if ok {
		return auth
	}
	return nil
}

// Write stores an authorization in the cache.
// This function is go-route safe
func (a *AuthorizationCache) Write(key string, auth *Authorization) {
	a.mutex.Lock()
	a.cache[key] = auth
	a.mutex.Unlock()
}
