// Package participant resolves the identifying parameters of a study
// participant: the client-generated session id and the optional
// recruiting-platform id.
package participant

import (
	"context"
	"net/http"
	"regexp"
)

// SessionHeaderName carries the client-generated session id. The id is
// created in the browser before any server contact, so the server only
// validates its shape.
const SessionHeaderName = "X-Study-Session-ID"

type contextKey int

const sessionIDKey contextKey = iota

var (
	sessionIDPattern     = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,64}$`)
	participantIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,64}$`)
)

// ValidSessionID reports whether a client-supplied session id is acceptable.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ValidParticipantID reports whether a recruiting-platform participant id is
// acceptable.
func ValidParticipantID(id string) bool {
	return participantIDPattern.MatchString(id)
}

// SessionIDFromContext extracts the validated session id from the request
// context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// sessionIDFromRequest reads the session id from the header, falling back to
// the session_id query parameter. The browser WebSocket API cannot set
// custom headers, so the event stream identifies itself via the query
// string.
func sessionIDFromRequest(r *http.Request) string {
	id := r.Header.Get(SessionHeaderName)
	if id == "" {
		id = r.URL.Query().Get("session_id")
	}
	return id
}

// Middleware validates the session id and injects it into the request
// context. Requests without a well-formed id are rejected before any
// handler runs.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := sessionIDFromRequest(r)
			if !ValidSessionID(id) {
				http.Error(w, `{"error":"missing or malformed session id"}`, http.StatusBadRequest)
				return
			}
			ctx := context.WithValue(r.Context(), sessionIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
