package domain

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCookieFile = `{
  "domain": "shop.example.com",
  "capturedAt": "2026-01-10T08:00:00Z",
  "expiresAt": "2026-02-10T08:00:00Z",
  "cookies": [
    {"name": "session", "value": "abc", "domain": ".shop.example.com", "path": "/", "secure": true, "httpOnly": true, "sameSite": "lax"},
    {"name": "old", "value": "x", "expires": "2026-01-01T00:00:00Z"},
    {"name": "pref", "value": "eu", "sameSite": "no_restriction"}
  ],
  "metadata": {"browser": "firefox"}
}`

func TestParseCookieFile(t *testing.T) {
	cf, err := ParseCookieFile([]byte(sampleCookieFile))
	require.NoError(t, err)

	assert.Equal(t, "shop.example.com", cf.Domain)
	assert.Len(t, cf.Cookies, 3)
	assert.True(t, cf.Cookies[0].HTTPOnly)
	assert.Equal(t, "firefox", cf.Metadata["browser"])
	require.NotNil(t, cf.ExpiresAt)
}

func TestParseCookieFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `cookies=abc`},
		{"no domain", `{"cookies":[{"name":"a","value":"b"}]}`},
		{"no cookies", `{"domain":"x.com","cookies":[]}`},
		{"nameless cookie", `{"domain":"x.com","cookies":[{"value":"b"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCookieFile([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidCookieFile)
		})
	}
}

func TestCookieFile_Expired(t *testing.T) {
	cf, err := ParseCookieFile([]byte(sampleCookieFile))
	require.NoError(t, err)

	assert.False(t, cf.Expired(time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)))
	assert.True(t, cf.Expired(time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)))

	cf.ExpiresAt = nil
	assert.False(t, cf.Expired(time.Now()))
}

func TestCookieFile_HTTPCookies(t *testing.T) {
	cf, err := ParseCookieFile([]byte(sampleCookieFile))
	require.NoError(t, err)

	cookies := cf.HTTPCookies(time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	require.Len(t, cookies, 2, "expired cookie is dropped")

	assert.Equal(t, "session", cookies[0].Name)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
	assert.True(t, cookies[0].Secure)

	assert.Equal(t, "pref", cookies[1].Name)
	assert.Equal(t, "shop.example.com", cookies[1].Domain)
	assert.Equal(t, "/", cookies[1].Path)
	assert.Equal(t, http.SameSiteNoneMode, cookies[1].SameSite)
}
