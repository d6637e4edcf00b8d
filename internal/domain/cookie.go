package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CookieData is a single captured browser cookie.
type CookieData struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Secure   bool       `json:"secure"`
	HTTPOnly bool       `json:"httpOnly"`
	Expires  *time.Time `json:"expires,omitempty"`
	SameSite string     `json:"sameSite,omitempty"`
}

// CookieFile is the credential bundle handed to a scraper session.
type CookieFile struct {
	Domain     string            `json:"domain"`
	CapturedAt time.Time         `json:"capturedAt"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
	Cookies    []CookieData      `json:"cookies"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ParseCookieFile decodes and validates a serialized cookie file.
func ParseCookieFile(data []byte) (*CookieFile, error) {
	var cf CookieFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCookieFile, err)
	}
	if strings.TrimSpace(cf.Domain) == "" {
		return nil, fmt.Errorf("%w: domain is required", ErrInvalidCookieFile)
	}
	if len(cf.Cookies) == 0 {
		return nil, fmt.Errorf("%w: no cookies", ErrInvalidCookieFile)
	}
	for i, c := range cf.Cookies {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: cookie %d has no name", ErrInvalidCookieFile, i)
		}
	}
	return &cf, nil
}

// Marshal serializes the cookie file for storage.
func (cf *CookieFile) Marshal() (string, error) {
	b, err := json.Marshal(cf)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Expired reports whether the bundle as a whole has passed its expiry.
func (cf *CookieFile) Expired(now time.Time) bool {
	return cf.ExpiresAt != nil && !cf.ExpiresAt.After(now)
}

// HTTPCookies converts the bundle to net/http cookies, skipping expired ones.
func (cf *CookieFile) HTTPCookies(now time.Time) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cf.Cookies))
	for _, c := range cf.Cookies {
		if c.Expires != nil && !c.Expires.After(now) {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
			SameSite: sameSiteMode(c.SameSite),
		}
		if hc.Domain == "" {
			hc.Domain = cf.Domain
		}
		if hc.Path == "" {
			hc.Path = "/"
		}
		if c.Expires != nil {
			hc.Expires = *c.Expires
		}
		out = append(out, hc)
	}
	return out
}

func sameSiteMode(s string) http.SameSite {
	switch strings.ToLower(s) {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none", "no_restriction":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}
