package auth

import (
	"net/http"
	"time"
)

// Cookie names shared between the sign-in flow and the ingress verifier.
const (
	SessionCookieName = "_rise_session"
	IngressCookieName = "_rise_ingress"
)

// CookieConfig carries the attributes every auth cookie is written with.
// Domain is the configured parent domain so subdomains share cookies; it
// is left empty when setting cookies on a custom domain, which scopes the
// cookie to that host only.
type CookieConfig struct {
	Domain string
	Secure bool
	MaxAge time.Duration
}

// SetAuthCookies writes both session cookies. An empty token skips its
// cookie, which happens when a platform-only sign-in carries no project
// to scope an ingress token to.
func SetAuthCookies(w http.ResponseWriter, cfg CookieConfig, platformToken, ingressToken string) {
	if platformToken != "" {
		http.SetCookie(w, authCookie(cfg, SessionCookieName, platformToken, int(cfg.MaxAge.Seconds())))
	}
	if ingressToken != "" {
		http.SetCookie(w, authCookie(cfg, IngressCookieName, ingressToken, int(cfg.MaxAge.Seconds())))
	}
}

// ClearAuthCookies expires both cookies with Max-Age=0 and empty values.
// net/http serializes a negative MaxAge as Max-Age=0.
func ClearAuthCookies(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, authCookie(cfg, SessionCookieName, "", -1))
	http.SetCookie(w, authCookie(cfg, IngressCookieName, "", -1))
}

func authCookie(cfg CookieConfig, name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   cfg.Secure,
	}
}
