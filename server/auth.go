/******************************************************************************
 *
 *  Description :
 *
 *    Authentication gate for the REST surface. Every protected endpoint is
 *    wrapped in authGate which resolves the bearer credential into a user
 *    record before the handler runs.
 *
 *****************************************************************************/

package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/converse-im/converse/server/auth"
	"github.com/converse-im/converse/server/logs"
	"github.com/converse-im/converse/server/store/types"
)

type contextKey int

const principalKey contextKey = 0

// getAPIKey extracts the bearer credential from an HTTP request. Check
// the Authorization header, then the 'token' header, then the URL query.
func getAPIKey(req *http.Request) string {
	if ah := req.Header.Get("Authorization"); ah != "" {
		if strings.HasPrefix(ah, "Bearer ") {
			return strings.TrimSpace(ah[7:])
		}
	}
	if tok := req.Header.Get("token"); tok != "" {
		return tok
	}
	return req.URL.Query().Get("token")
}

// authGate rejects the request with a 401 unless the credential resolves to
// a live user record. The resolved record is attached to the request context.
func (app *App) authGate(next http.HandlerFunc) http.HandlerFunc {
	return func(wrt http.ResponseWriter, req *http.Request) {
		secret := getAPIKey(req)
		if secret == "" {
			writeError(wrt, http.StatusUnauthorized, "credential missing")
			return
		}

		rec, err := app.resolver.Authenticate([]byte(secret))
		if err != nil {
			logs.Warn.Println("auth: rejected", req.RemoteAddr, err)
			writeError(wrt, http.StatusUnauthorized, "authentication failed")
			return
		}
		if !rec.Expires.IsZero() && rec.Expires.Before(types.TimeNow()) {
			writeError(wrt, http.StatusUnauthorized, "credential expired")
			return
		}

		app.presence.Touch(rec.Uid)

		next(wrt, req.WithContext(context.WithValue(req.Context(), principalKey, rec)))
	}
}

// principalFromContext returns the authenticated user record attached by
// authGate. The boolean is false if the request never passed the gate.
func principalFromContext(ctx context.Context) (*auth.Rec, bool) {
	rec, ok := ctx.Value(principalKey).(*auth.Rec)
	return rec, ok
}
