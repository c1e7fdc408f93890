package roc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matthewnbrown/roc-massrecruit/internal/storage"
)

const loginFormBody = `<form><input placeholder="email@address.com"></form>`

// newGameServer fakes the site: a session cookie gates the recruit page.
func newGameServer(t *testing.T, password string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	authed := func(r *http.Request) bool {
		c, err := r.Cookie("sid")
		return err == nil && c.Value == "ok"
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if authed(r) {
			fmt.Fprint(w, "<html>home</html>")
			return
		}
		fmt.Fprint(w, loginFormBody)
	})
	mux.HandleFunc("/login.php", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("password") != password {
			fmt.Fprint(w, loginFormBody)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "ok", Path: "/"})
		fmt.Fprint(w, "<html>welcome</html>")
	})
	mux.HandleFunc("/recruiter.php", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			fmt.Fprint(w, loginFormBody)
			return
		}
		fmt.Fprint(w, challengeBody)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: baseURL, Markers: testMarkers})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestLoginAndSessionRoundTrip(t *testing.T) {
	srv := newGameServer(t, "secret")
	c := testClient(t, srv.URL)
	ctx := context.Background()
	cred := storage.Credential{Username: "u", Password: "secret", Email: "u@example.com"}

	sess, err := c.NewSession(nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if ok, err := sess.Authenticated(ctx); err != nil || ok {
		t.Fatalf("fresh session should not be authenticated: ok=%v err=%v", ok, err)
	}
	if err := sess.Login(ctx, cred); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if ok, _ := sess.Authenticated(ctx); !ok {
		t.Fatal("session not authenticated after login")
	}

	page, err := sess.RecruitPage(ctx)
	if err != nil {
		t.Fatalf("RecruitPage: %v", err)
	}
	if !page.Challenge || page.CaptchaHash != "abc123" {
		t.Fatalf("unexpected recruit page: %+v", page)
	}

	// Cookies survive an export/restore cycle into a brand new session.
	blob, err := sess.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	restored, err := c.NewSession(blob)
	if err != nil {
		t.Fatalf("NewSession(blob): %v", err)
	}
	if ok, err := restored.Authenticated(ctx); err != nil || !ok {
		t.Fatalf("restored session not authenticated: ok=%v err=%v", ok, err)
	}
}

func TestLoginRejected(t *testing.T) {
	srv := newGameServer(t, "secret")
	c := testClient(t, srv.URL)

	sess, _ := c.NewSession(nil)
	err := sess.Login(context.Background(), storage.Credential{Password: "wrong"})
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
}

func TestCorruptSessionBlobFallsBackToFresh(t *testing.T) {
	srv := newGameServer(t, "secret")
	c := testClient(t, srv.URL)

	sess, err := c.NewSession([]byte("{not json"))
	if err != nil {
		t.Fatalf("corrupt blob must not fail session creation: %v", err)
	}
	if ok, _ := sess.Authenticated(context.Background()); ok {
		t.Fatal("corrupt blob should yield an unauthenticated session")
	}
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "not a url"}); err == nil {
		t.Fatal("expected error for invalid base_url")
	}
}
