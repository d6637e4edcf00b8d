package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/intake/internal/domain"
)

func TestSession_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	site := htmlSite(srv.URL)
	site.UserAgent = "intake-test"
	site.Headers = map[string]string{"Accept-Language": "de-DE"}
	log, _ := test.NewNullLogger()

	sess, err := NewSession(site, testCookies(), log)
	require.NoError(t, err)

	body, err := sess.Get(context.Background(), srv.URL+"/x")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "intake-test", got.Get("User-Agent"))
	assert.Equal(t, "de-DE", got.Get("Accept-Language"))
	assert.Contains(t, got.Get("Cookie"), "session=abc")
	assert.Equal(t, 1, sess.Requests())
}

func TestSession_SkipsExpiredCookies(t *testing.T) {
	var cookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie = r.Header.Get("Cookie")
	}))
	defer srv.Close()

	past := time.Now().Add(-time.Hour)
	cf := &domain.CookieFile{
		Domain: "127.0.0.1",
		Cookies: []domain.CookieData{
			{Name: "old", Value: "1", Expires: &past},
			{Name: "fresh", Value: "2"},
		},
	}
	log, _ := test.NewNullLogger()
	sess, err := NewSession(htmlSite(srv.URL), cf, log)
	require.NoError(t, err)

	_, err = sess.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "fresh=2", cookie)
}

func TestSession_CookiesScopedToDomain(t *testing.T) {
	var cookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie = r.Header.Get("Cookie")
	}))
	defer srv.Close()

	cf := &domain.CookieFile{
		Domain: "127.0.0.1",
		Cookies: []domain.CookieData{
			{Name: "site", Value: "1"},
			{Name: "other", Value: "2", Domain: ".shop.example"},
			{Name: "secure", Value: "3", Secure: true},
			{Name: "account", Value: "4", Path: "/account"},
		},
	}
	log, _ := test.NewNullLogger()
	sess, err := NewSession(htmlSite(srv.URL), cf, log)
	require.NoError(t, err)

	_, err = sess.Get(context.Background(), srv.URL+"/orders")
	require.NoError(t, err)
	assert.Equal(t, "site=1", cookie)

	_, err = sess.Get(context.Background(), srv.URL+"/account/orders")
	require.NoError(t, err)
	assert.Equal(t, "site=1; account=4", cookie)
}

func TestCookieApplies(t *testing.T) {
	tests := []struct {
		name   string
		cookie http.Cookie
		url    string
		want   bool
	}{
		{"exact host", http.Cookie{Domain: "shop.example"}, "https://shop.example/x", true},
		{"subdomain", http.Cookie{Domain: ".shop.example"}, "https://www.shop.example/x", true},
		{"other host", http.Cookie{Domain: "shop.example"}, "https://evil.example/x", false},
		{"suffix without dot", http.Cookie{Domain: "shop.example"}, "https://badshop.example/x", false},
		{"no domain", http.Cookie{}, "https://shop.example/x", false},
		{"secure over http", http.Cookie{Domain: "shop.example", Secure: true}, "http://shop.example/x", false},
		{"secure over https", http.Cookie{Domain: "shop.example", Secure: true}, "https://shop.example/x", true},
		{"path prefix", http.Cookie{Domain: "shop.example", Path: "/acc"}, "https://shop.example/acc/1", true},
		{"path partial segment", http.Cookie{Domain: "shop.example", Path: "/acc"}, "https://shop.example/account", false},
		{"path mismatch", http.Cookie{Domain: "shop.example", Path: "/acc/"}, "https://shop.example/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cookieApplies(&tt.cookie, u))
		})
	}
}

func TestSession_JarTakesPrecedence(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := r.Cookie("session")
		mu.Lock()
		seen = append(seen, c.Value)
		mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "rotated", Path: "/"})
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	sess, err := NewSession(htmlSite(srv.URL), testCookies(), log)
	require.NoError(t, err)

	for range 2 {
		_, err := sess.Get(context.Background(), srv.URL+"/")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"abc", "rotated"}, seen)
}

func TestSession_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	log, _ := test.NewNullLogger()
	sess, err := NewSession(htmlSite(srv.URL), testCookies(), log)
	require.NoError(t, err)

	_, err = sess.Get(context.Background(), srv.URL)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
}

func TestSession_RequestDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	site := htmlSite(srv.URL)
	site.RequestDelay = 50 * time.Millisecond
	log, _ := test.NewNullLogger()
	sess, err := NewSession(site, testCookies(), log)
	require.NoError(t, err)

	start := time.Now()
	for range 3 {
		_, err := sess.Get(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSession_MaxConcurrentRequests(t *testing.T) {
	var inFlight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}))
	defer srv.Close()

	site := htmlSite(srv.URL)
	site.MaxConcurrentRequests = 2
	log, _ := test.NewNullLogger()
	sess, err := NewSession(site, testCookies(), log)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 6 {
		wg.Go(func() {
			_, err := sess.Get(context.Background(), srv.URL)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 6, sess.Requests())
}

func TestSession_CancelledWhileWaiting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	site := htmlSite(srv.URL)
	site.RequestDelay = time.Hour
	log, _ := test.NewNullLogger()
	sess, err := NewSession(site, testCookies(), log)
	require.NoError(t, err)

	_, err = sess.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sess.Get(ctx, srv.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
