package security

import (
	"net/http"
	"time"
)

const (
	RefreshCookieName = "refresh_token"
	RefreshCookiePath = "/api/v1/auth"
)

type CookieOptions struct {
	Secure bool
	Domain string
}

func GetCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetRefreshCookie delivers the refresh token. It is never readable from page
// script and never sent cross-site.
func SetRefreshCookie(w http.ResponseWriter, opts CookieOptions, value string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Path:     RefreshCookiePath,
		Domain:   opts.Domain,
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func ClearRefreshCookie(w http.ResponseWriter, opts CookieOptions) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     RefreshCookiePath,
		Domain:   opts.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}
