package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/semaphore"

	"github.com/cwygoda/intake/internal/adapter/retrylog"
	"github.com/cwygoda/intake/internal/config"
	"github.com/cwygoda/intake/internal/domain"
)

const maxBodySize = 16 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Session is an authenticated, rate-limited browsing session against one
// supplier site. It only issues GET requests.
type Session struct {
	site     config.SiteConfig
	client   *retryablehttp.Client
	cookies  []*http.Cookie
	sem      *semaphore.Weighted
	log      logrus.FieldLogger
	requests atomic.Int64

	mu   sync.Mutex
	next time.Time
}

// NewSession opens a session carrying the cookies of cf. Cookies the site
// sets during the session are kept in a jar and take precedence.
func NewSession(site config.SiteConfig, cf *domain.CookieFile, log logrus.FieldLogger) (*Session, error) {
	site.ApplyDefaults()

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	client := retryablehttp.NewClient()
	client.RetryMax = site.RetryMax
	client.RetryWaitMax = 10 * time.Second
	client.Logger = retrylog.New(log)
	client.HTTPClient.Jar = jar
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Session{
		site:    site,
		client:  client,
		cookies: cf.HTTPCookies(time.Now()),
		sem:     semaphore.NewWeighted(int64(site.MaxConcurrentRequests)),
		log:     log,
	}, nil
}

// Get fetches rawURL, waiting for a free request slot and the configured
// delay since the previous request.
func (s *Session) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.site.Timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.site.UserAgent)
	for name, value := range s.site.Headers {
		req.Header.Set(name, value)
	}
	s.attachCookies(req.Request)

	s.requests.Add(1)
	s.log.WithField("url", rawURL).Debug("fetching")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", rawURL, err)
	}
	return body, nil
}

// Requests returns the number of requests issued so far.
func (s *Session) Requests() int {
	return int(s.requests.Load())
}

// wait reserves the next request slot and sleeps until it is due.
func (s *Session) wait(ctx context.Context) error {
	s.mu.Lock()
	now := time.Now()
	due := s.next
	if due.Before(now) {
		due = now
	}
	s.next = due.Add(s.site.RequestDelay)
	s.mu.Unlock()

	d := time.Until(due)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attachCookies adds the captured cookies that apply to req unless the jar
// already holds a newer cookie of the same name for this URL.
func (s *Session) attachCookies(req *http.Request) {
	fromJar := make(map[string]bool)
	if s.client.HTTPClient.Jar != nil {
		for _, c := range s.client.HTTPClient.Jar.Cookies(req.URL) {
			fromJar[c.Name] = true
		}
	}
	for _, c := range s.cookies {
		if fromJar[c.Name] || !cookieApplies(c, req.URL) {
			continue
		}
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// cookieApplies matches the cookie's domain, path and secure flag against u.
func cookieApplies(c *http.Cookie, u *url.URL) bool {
	if c.Secure && u.Scheme != "https" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	if domain == "" || (host != domain && !strings.HasSuffix(host, "."+domain)) {
		return false
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	switch {
	case c.Path == "" || c.Path == "/" || p == c.Path:
		return true
	case strings.HasPrefix(p, c.Path):
		return strings.HasSuffix(c.Path, "/") || p[len(c.Path)] == '/'
	default:
		return false
	}
}

// resolve makes ref absolute against base.
func resolve(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
