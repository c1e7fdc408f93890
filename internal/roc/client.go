// Package roc talks to the remote game over HTTP: login, recruit page
// fetch, captcha download, and form submission, with per-account cookie
// sessions and a shared outbound rate limit.
package roc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/matthewnbrown/roc-massrecruit/internal/storage"
)

// ErrLoginFailed means the site rejected the credentials (the login form
// came back after the post).
var ErrLoginFailed = errors.New("login rejected")

const maxBodyBytes = 4 << 20

type Config struct {
	BaseURL         string
	LoginEndpoint   string // default "login.php"
	RecruitEndpoint string // default "recruiter.php"
	UserAgent       string
	Timeout         time.Duration // default 30s
	RatePerSec      float64       // 0 disables the shared limiter
	Markers         Markers
}

type Client struct {
	base    *url.URL
	login   *url.URL
	recruit *url.URL

	ua      string
	timeout time.Duration
	markers Markers
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base_url %q", cfg.BaseURL)
	}

	loginEP := cfg.LoginEndpoint
	if loginEP == "" {
		loginEP = "login.php"
	}
	recruitEP := cfg.RecruitEndpoint
	if recruitEP == "" {
		recruitEP = "recruiter.php"
	}

	c := &Client{
		base:    base,
		ua:      cfg.UserAgent,
		timeout: cfg.Timeout,
		markers: cfg.Markers,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.login, err = base.Parse(loginEP); err != nil {
		return nil, fmt.Errorf("invalid login_endpoint %q: %w", loginEP, err)
	}
	if c.recruit, err = base.Parse(recruitEP); err != nil {
		return nil, fmt.Errorf("invalid recruit_endpoint %q: %w", recruitEP, err)
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c, nil
}

// Session is one account's authenticated view of the site. Sessions are not
// safe for concurrent use; each workflow run owns one.
type Session struct {
	c    *Client
	http *http.Client
}

// NewSession creates a session, restoring serialized cookies when blob is
// non-empty. A corrupt blob yields a fresh session rather than an error; the
// workflow will just have to log in again.
func (c *Client) NewSession(blob []byte) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	_ = restoreCookies(jar, c.base, blob)
	return &Session{
		c:    c,
		http: &http.Client{Jar: jar, Timeout: c.timeout},
	}, nil
}

// Export serializes the session's cookies for persistence.
func (s *Session) Export() ([]byte, error) {
	return exportCookies(s.http.Jar, s.c.base)
}

// Authenticated probes whether the session can see the recruit page without
// being bounced to the login form.
func (s *Session) Authenticated(ctx context.Context) (bool, error) {
	page, err := s.RecruitPage(ctx)
	if err != nil {
		return false, err
	}
	return !page.LoginForm, nil
}

// Login authenticates the session. The site keys logins by email.
func (s *Session) Login(ctx context.Context, cred storage.Credential) error {
	body, err := s.get(ctx, s.c.base)
	if err != nil {
		return err
	}
	if !strings.Contains(body, loginFormMarker) {
		// No login form: the session is already in.
		return nil
	}

	form := url.Values{
		"email":    {cred.Email},
		"password": {cred.Password},
	}
	body, err = s.post(ctx, s.c.login, form)
	if err != nil {
		return err
	}
	if strings.Contains(body, loginFormMarker) {
		return ErrLoginFailed
	}
	return nil
}

// RecruitPage fetches and parses the recruit page.
func (s *Session) RecruitPage(ctx context.Context) (Page, error) {
	body, err := s.get(ctx, s.c.recruit)
	if err != nil {
		return Page{}, err
	}
	return ParsePage(body, s.c.markers), nil
}

// Submit posts a recruit form (captcha answer or direct submit) and parses
// the response.
func (s *Session) Submit(ctx context.Context, form url.Values) (Page, error) {
	body, err := s.post(ctx, s.c.recruit, form)
	if err != nil {
		return Page{}, err
	}
	return ParsePage(body, s.c.markers), nil
}

// Image downloads a challenge image. src may be relative to the base URL.
func (s *Session) Image(ctx context.Context, src string) ([]byte, error) {
	u, err := s.c.base.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("invalid captcha src %q: %w", src, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("captcha download: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func (s *Session) get(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	return s.body(req)
}

func (s *Session) post(ctx context.Context, u *url.URL, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.body(req)
}

func (s *Session) body(req *http.Request) (string, error) {
	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Session) do(req *http.Request) (*http.Response, error) {
	if s.c.limiter != nil {
		if err := s.c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	if s.c.ua != "" {
		req.Header.Set("User-Agent", s.c.ua)
	}
	return s.http.Do(req)
}
