package access

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/datastelsel/datapi/core/csql"
	"github.com/datastelsel/datapi/core/logger"
	"github.com/datastelsel/datapi/core/registry"
)

// JwtMiddlewareBuilder is a helper builder for the jwt middleware
type JwtMiddlewareBuilder struct {
	// KeyFunc returns the verification key for a token. If nil, keys are
	// downloaded from PublicKeyDownloadURL instead.
	KeyFunc jwt.Keyfunc
	// PublicKeyDownloadURL is the download url for public keys. In case of google, this would be
	//  "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	PublicKeyDownloadURL string
	// Issuer is the accepted issuer for the token. Empty accepts any issuer.
	Issuer string
	// DB is the postgres database. It is used to cache downloaded public
	// keys across restarts, and only needed with PublicKeyDownloadURL.
	DB *csql.DB
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer token.
//
// Java-Web-Token (JWT) are accepted as "Authorization: Bearer"
// header or as "Datapi-JWT"-cookie.
//
// The granted scopes are taken from the token's "scopes" claim; there is no
// account lookup. The authenticated identity is a combination of the token
// issuer with the user's email (or subject), separated by the pipe
// symbol '|'. Example:
//
//	"https://securetoken.google.com/loyalty2u-ea4fd|test@example.com"
//
// This is a final handler with regards to the bearer token. It will return
// http.StatusUnauthorized when a token is available but insufficient to
// authorize the request. A request without any token passes through
// unauthorized; public data remains reachable.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {

	keyFunc := jmb.KeyFunc
	if keyFunc == nil {
		if jmb.PublicKeyDownloadURL == "" {
			panic("jwt middleware requires a key function or a public key download url")
		}
		keyFunc = downloadedKeyFunc(jmb)
	}

	authCache := NewAuthorizationCache()

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			identity := IdentityFromContext(r.Context())

			if auth != nil || len(identity) > 0 { // already authorized or at least authenticated?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := bearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			// verification is expensive, hence successfully verified tokens
			// are cached until they expire
			if auth = authCache.Read(tokenString); auth != nil {
				ctx := ContextWithIdentity(r.Context(), auth.Identity)
				ctx, _ = logger.ContextWithLoggerIdentity(ctx, auth.Identity)
				ctx = auth.ContextWithAuthorization(ctx)
				h.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			claims := struct {
				Scopes []string `json:"scopes"`
				EMail  string   `json:"email"`
				jwt.RegisteredClaims
			}{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)

			if err != nil || !token.Valid || (jmb.Issuer != "" && claims.Issuer != jmb.Issuer) {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			// identity is a combination of issuer and email
			subject := claims.EMail
			if subject == "" {
				subject = claims.Subject
			}
			identity = claims.Issuer + "|" + subject

			auth = &Authorization{Scopes: claims.Scopes, Identity: identity}
			expiry := time.Now().Add(5 * time.Minute)
			if claims.ExpiresAt != nil {
				expiry = claims.ExpiresAt.Time
			}
			authCache.Write(tokenString, auth, expiry)

			// now that we have authenticated the requester, we store their identity in the context
			ctx := ContextWithIdentity(r.Context(), identity)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, identity)
			ctx = auth.ContextWithAuthorization(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header or the
// Datapi-JWT cookie.
func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			return bearer[7:]
		}
		return bearer
	}
	if cookie, _ := r.Cookie("Datapi-JWT"); cookie != nil {
		return cookie.Value
	}
	return ""
}

// downloadedKeyFunc downloads well-known RSA certificates and returns a key
// function doing kid lookup. The downloaded certificates are cached in the
// registry, refreshed when older than 6 hours.
func downloadedKeyFunc(jmb *JwtMiddlewareBuilder) jwt.Keyfunc {
	jwtRegistry := registry.New(jmb.DB).Accessor("_jwt_")
	var wellKnownCertificates map[string]string
	timestamp, err := jwtRegistry.Read(jmb.PublicKeyDownloadURL, &wellKnownCertificates)
	if err != nil {
		panic(err)
	}
	rlog := logger.Default()
	if time.Since(timestamp) > 6*time.Hour {
		// time to check for new keys
		res, err := http.Get(jmb.PublicKeyDownloadURL)
		if err != nil {
			rlog.WithError(err).Warningln("cannot download public keys, keeping cached ones")
		} else {
			defer res.Body.Close()
			decoder := json.NewDecoder(res.Body)
			if err := decoder.Decode(&wellKnownCertificates); err != nil {
				panic(err)
			}
			jwtRegistry.Write(jmb.PublicKeyDownloadURL, wellKnownCertificates)
		}
	}
	wellKnownKeys := map[string]interface{}{}
	for kid, cert := range wellKnownCertificates {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
		if err != nil {
			rlog.WithError(err).Errorln("certificate error")
		} else {
			wellKnownKeys[kid] = key
		}
	}

	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		key, ok := wellKnownKeys[kid]
		if ok {
			return key, nil
		}
		logger.Default().Warningf("have %d well known keys, but not this one", len(wellKnownKeys))
		return nil, errors.New("cannot verify token")
	}
}
