package roc

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Markers are the substrings that distinguish recruit page states. They are
// site copy, so they live in config rather than code.
type Markers struct {
	Unsolved string
	Solved   string
	Success  string
}

const loginFormMarker = `placeholder="email@address.com`

// Page is the parsed view of a recruit (or login) response. It exposes only
// what the workflow needs, keeping raw text matching out of the state
// machine.
type Page struct {
	// LoginForm reports that the response shows the login form, i.e. the
	// session is not authenticated.
	LoginForm bool

	// Challenge reports an unsolved captcha gating the recruit action.
	Challenge bool

	// Solved and Success are the post-submit markers. Success carries the
	// refreshed cooldown; Solved without Success means the gate was already
	// down.
	Solved  bool
	Success bool

	// CaptchaSrc is the challenge image URL (possibly relative) and
	// CaptchaHash the discriminant embedded in its query string.
	CaptchaSrc  string
	CaptchaHash string

	// NextRecruit is the unlock timestamp from the countdown element, zero
	// when the page has none.
	NextRecruit time.Time

	// Raw is the response body, kept for error-page dumps.
	Raw string
}

// ParsePage extracts the workflow-relevant facts from a response body.
// It never fails: a page that parses to nothing is simply a Page with no
// markers set, which the workflow treats as indeterminate.
func ParsePage(body string, m Markers) Page {
	p := Page{
		Raw:       body,
		LoginForm: strings.Contains(body, loginFormMarker),
		Challenge: m.Unsolved != "" && strings.Contains(body, m.Unsolved),
		Solved:    m.Solved != "" && strings.Contains(body, m.Solved),
		Success:   m.Success != "" && strings.Contains(body, m.Success),
	}

	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return p
	}

	walk(doc, func(n *html.Node) {
		switch n.Data {
		case "img":
			if attr(n, "id") == "captcha_image" {
				if src := attr(n, "src"); src != "" && p.CaptchaSrc == "" {
					p.CaptchaSrc = src
					p.CaptchaHash = hashFromSrc(src)
				}
			}
		case "span":
			if !hasClass(n, "countdown") {
				return
			}
			if ts := attr(n, "data-timestamp"); ts != "" && p.NextRecruit.IsZero() {
				if v, err := strconv.ParseInt(ts, 10, 64); err == nil && v > 0 {
					p.NextRecruit = time.Unix(v, 0)
				}
			}
		}
	})
	return p
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func hashFromSrc(src string) string {
	if u, err := url.Parse(src); err == nil {
		if h := u.Query().Get("hash"); h != "" {
			return h
		}
	}
	// Fallback for unescaped query strings.
	if i := strings.Index(src, "hash="); i >= 0 {
		h := src[i+len("hash="):]
		if j := strings.IndexByte(h, '&'); j >= 0 {
			h = h[:j]
		}
		return h
	}
	return ""
}
