/*Package access provides utilities for access control
 */
package access

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
	"github.com/datastelsel/datapi/core/logger"
)

// ScopeAdmin grants administrative operations such as catalog reload.
const ScopeAdmin = "ADMIN"

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context keys
const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

/*Authorization is a context object which stores the access scopes granted
to the requester of the current request.

Scopes are opaque upper-case strings such as "GEBIEDEN/INTERN". Datasets,
tables and fields declare which scopes may see them; an element without
declared scopes is public. Granting an additional scope can only ever make
more visible, never less.

Authorizations are added to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := AuthorizationFromContext(ctx)

Authorization objects are added to the context by middleware implementations,
depending on authorization tokens in the HTTP request. Tokens are accepted as
"Authorization: Bearer" header or as "Datapi-JWT"-cookie.
*/
type Authorization struct {
	Scopes   []string `json:"scopes"`
	Identity string   `json:"identity,omitempty"`
}

// HasScope returns true if the authorization carries the requested scope;
// otherwise it returns false.
func (a *Authorization) HasScope(scope string) bool {
	if a == nil {
		return false
	}
	for _, hasScope := range a.Scopes {
		if scope == hasScope {
			return true
		}
	}
	return false
}

// Satisfies returns true if the authorization satisfies the required scopes.
// An element requiring no scopes is public; otherwise any single granted
// scope from the required set suffices. A nil authorization carries no
// scopes and only satisfies public requirements.
func (a *Authorization) Satisfies(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, scope := range required {
		if a.HasScope(scope) {
			return true
		}
	}
	return false
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

// ContextWithIdentity returns a new context with the authenticated identity added to it
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(contextKeyIdentity).(string)
	return identity
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// jwt middleware to cache authorization objects for bearer tokens, so not
// every single request has to verify the token signature again. Entries
// expire together with the token they were derived from.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	auth   *Authorization
	expiry time.Time
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]cacheEntry)}
}

// Read returns an authorization from in-process cache, or nil if there is
// none or it has expired. Token should be the bearer token the authorization
// was derived from. This function is go-routine safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	entry, ok := a.cache[token]
	a.mutex.RUnlock()
	if ok && time.Now().Before(entry.expiry) {
		return entry.auth
	}
	return nil
}

// Write stores an authorization in the in-memory cache until expiry.
// Token should be the bearer token it was derived from.
// This function is go-routine safe
func (a *AuthorizationCache) Write(token string, auth *Authorization, expiry time.Time) {
	a.mutex.Lock()
	a.cache[token] = cacheEntry{auth: auth, expiry: expiry}
	a.mutex.Unlock()
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization for the provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Infoln("handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
		} else {
			jsonData, _ := json.MarshalIndent(auth, "", " ")
			w.Header().Set("Content-Type", "application/json")
			w.Write(jsonData)
		}
	}).Methods(http.MethodOptions, http.MethodGet)
}
