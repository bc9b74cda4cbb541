package access

import (
	"net/http"

	"github.com/gorilla/mux"
)

// BackdoorMiddlewareBuilder is a helper builder for the backdoor middleware
type BackdoorMiddlewareBuilder struct {
	// Backdoors is a mapping from a bearer token to an actual authorization
	Backdoors map[string]Authorization
}

// NewBackdoorMiddleware returns a middleware handler for a backdoor,
// useful for examples and local development.
//
// The key for the backdoors map is the bearer token passed with the request.
//
// Example: if you specify the backdoor
//
//	"please": Authorization{Scopes: []string{"ADMIN"}}
//
// then any request with an authorization bearer token consisting of the single
// magic word "please" will be authorized with the ADMIN scope.
//
// With curl, use -H 'Authorization: Bearer please' or pass a cookie with
// -b 'Datapi-JWT=please'
func NewBackdoorMiddleware(bmb *BackdoorMiddlewareBuilder) mux.MiddlewareFunc {

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			if auth != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}
			tokenString := bearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r)
				return
			}

			if tryAuth, ok := bmb.Backdoors[tokenString]; ok {
				ctx := tryAuth.ContextWithAuthorization(r.Context())
				if tryAuth.Identity != "" {
					ctx = ContextWithIdentity(ctx, tryAuth.Identity)
				}
				r = r.WithContext(ctx)
			}
			h.ServeHTTP(w, r)
		})
	}
}
