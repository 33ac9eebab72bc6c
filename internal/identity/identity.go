// Package identity resolves who a request comes from: the client IP used
// for anonymous quotas, an authenticated user asserted by the upstream
// gateway, and optional silo and entry-point tags.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Headers set by the authenticating gateway in front of the service.
const (
	UserHeaderName       = "X-User-ID"
	SiloHeaderName       = "X-Silo"
	EntryPointHeaderName = "X-Entry-Point"
	forwardedForHeader   = "X-Forwarded-For"
)

type contextKey int

const (
	clientIPKey contextKey = iota
	userIDKey
	siloKey
	entryPointKey
)

var (
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@|-]{1,128}$`)
	tagPattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
)

// Identity is everything the chat pipeline needs to know about the caller.
type Identity struct {
	ClientIP   string
	UserID     string
	Silo       string
	EntryPoint string
}

// Authenticated reports whether the request carries a user identity.
func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

// ClientIP returns the first X-Forwarded-For address if it parses, else the
// peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get(forwardedForHeader); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		first = strings.TrimSpace(first)
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	return IPFromRequest(r)
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FromRequest resolves the caller's identity from headers, falling back to
// query parameters for the tags so WebSocket clients can pass them.
func FromRequest(r *http.Request) Identity {
	q := r.URL.Query()
	return Identity{
		ClientIP:   ClientIP(r),
		UserID:     sanitize(r.Header.Get(UserHeaderName), userIDPattern),
		Silo:       strings.ToLower(sanitize(firstNonEmpty(r.Header.Get(SiloHeaderName), q.Get("silo")), tagPattern)),
		EntryPoint: sanitize(firstNonEmpty(r.Header.Get(EntryPointHeaderName), q.Get("entry")), tagPattern),
	}
}

// Middleware stores the request identity in the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), FromRequest(r))))
	})
}

// RequireUser rejects requests without an authenticated user.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserIDFromContext(r.Context()) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, clientIPKey, id.ClientIP)
	ctx = context.WithValue(ctx, userIDKey, id.UserID)
	ctx = context.WithValue(ctx, siloKey, id.Silo)
	return context.WithValue(ctx, entryPointKey, id.EntryPoint)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) Identity {
	return Identity{
		ClientIP:   stringValue(ctx, clientIPKey),
		UserID:     stringValue(ctx, userIDKey),
		Silo:       stringValue(ctx, siloKey),
		EntryPoint: stringValue(ctx, entryPointKey),
	}
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	return stringValue(ctx, userIDKey)
}

// ClientIPFromContext extracts the client IP from the request context.
func ClientIPFromContext(ctx context.Context) string {
	return stringValue(ctx, clientIPKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func sanitize(v string, pattern *regexp.Regexp) string {
	v = strings.TrimSpace(v)
	if v == "" || !pattern.MatchString(v) {
		return ""
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
