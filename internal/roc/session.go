package roc

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// storedCookie is the serialized form of one session cookie. The jar only
// exposes name/value for a URL, which is all the site needs back.
type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Path  string `json:"path,omitempty"`
}

// exportCookies serializes the cookies the jar would send to base.
func exportCookies(jar http.CookieJar, base *url.URL) ([]byte, error) {
	cookies := jar.Cookies(base)
	out := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, storedCookie{Name: c.Name, Value: c.Value, Path: c.Path})
	}
	return json.Marshal(out)
}

// restoreCookies loads a serialized cookie set into the jar under base.
func restoreCookies(jar http.CookieJar, base *url.URL, blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	var in []storedCookie
	if err := json.Unmarshal(blob, &in); err != nil {
		return err
	}
	cookies := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		path := c.Path
		if path == "" {
			path = "/"
		}
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: path})
	}
	jar.SetCookies(base, cookies)
	return nil
}
