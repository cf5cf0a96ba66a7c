package shared

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// BrowserSessions issues and reads the opaque cookie that identifies a browser.
// The cookie carries no credentials; tokens live in the token store keyed by
// the cookie value.
type BrowserSessions struct {
	cookieName string
	ttl        time.Duration
	secure     bool
}

// NewBrowserSessions constructs a BrowserSessions.
func NewBrowserSessions(cookieName string, ttl time.Duration, secure bool) *BrowserSessions {
	return &BrowserSessions{
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
	}
}

// Load returns the browser session id of the request, minting a new one when
// the cookie is absent. isNew reports whether the id was minted.
func (bs *BrowserSessions) Load(r *http.Request) (id string, isNew bool, err error) {
	cookie, err := r.Cookie(bs.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return bs.generateSessionID(), true, nil
		}
		return "", false, err
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return bs.generateSessionID(), true, nil
	}
	return cookie.Value, false, nil
}

// Commit writes the session cookie.
func (bs *BrowserSessions) Commit(w http.ResponseWriter, id string) {
	if id == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     bs.cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   bs.secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(bs.ttl),
	})
}

// Expire instructs the browser to drop its session cookie.
func (bs *BrowserSessions) Expire(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     bs.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   bs.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// TTL exposes the configured session lifetime.
func (bs *BrowserSessions) TTL() time.Duration {
	return bs.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (bs *BrowserSessions) CookieName() string {
	return bs.cookieName
}

func (bs *BrowserSessions) generateSessionID() string {
	return uuid.NewString()
}
