// File: internal/page/page_test.go
package page

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
)

const testHTML = `<html><head>
<base href="/app/">
<meta http-equiv="Refresh" content="5; url=/refreshed">
<link rel="stylesheet" href="style.css">
</head><body>
<a href="item.php?id=1#top">item</a>
<a href="item.php?id=1">dup</a>
<a href="/users/42/profile">profile</a>
<a href="mailto:root@target.local">mail</a>
<a href="javascript:void(0)">js</a>
<form name="login" method="post" action="login.php">
  <input type="text" name="user" value="bob">
  <input type="password" name="pass">
  <input type="checkbox" name="remember">
  <input type="checkbox" name="remember" value="2">
  <select name="lang"><option value="en">English</option><option value="fr" selected>French</option></select>
  <textarea name="bio">hi</textarea>
  <input type="submit" value="Go">
</form>
<form id="empty"><input type="submit"></form>
</body></html>`

func htmlResponse(body string) *httpclient.Response {
	return &httpclient.Response{
		URL:  "http://target.local/index.php?page=home",
		Code: 200,
		Headers: http.Header{
			"Content-Type": []string{"text/html; charset=utf-8"},
			"Set-Cookie":   []string{"sid=abc; Path=/"},
		},
		Body:    body,
		Request: &httpclient.Request{Method: "GET", URL: "http://target.local/index.php", Headers: map[string]string{"user-agent": "scanner"}},
	}
}

func TestFromResponse_Paths(t *testing.T) {
	p := FromResponse(htmlResponse(testHTML), Options{})
	assert.Equal(t, []string{
		"http://target.local/app/item.php?id=1",
		"http://target.local/users/42/profile",
		"http://target.local/app/style.css",
		"http://target.local/app/login.php",
		"http://target.local/refreshed",
	}, p.Paths())
	assert.True(t, p.HasScript(), "javascript: links count as script")
}

func TestFromResponse_Elements(t *testing.T) {
	tmpl := regexp.MustCompile(`/users/(?P<uid>\d+)/`)
	p := FromResponse(htmlResponse(testHTML), Options{
		LinkTemplates: []*regexp.Regexp{tmpl},
		Cookies:       []*http.Cookie{{Name: "sid", Value: "ignored"}, {Name: "pref", Value: "dark"}},
	})

	links := p.ElementsOf(element.KindLink)
	require.Len(t, links, 3)
	assert.Equal(t, "http://target.local/app/item.php", links[0].Action())
	assert.Equal(t, map[string]string{"id": "1"}, links[0].Inputs())
	assert.Equal(t, "/users/{uid}/profile", links[1].(*element.Link).Template())
	assert.Equal(t, map[string]string{"page": "home"}, links[2].Inputs(), "the page's own query")

	forms := p.ElementsOf(element.KindForm)
	require.Len(t, forms, 1)
	form := forms[0].(*element.Form)
	assert.Equal(t, "login", form.Name())
	assert.Equal(t, http.MethodPost, form.Method())
	assert.Equal(t, "http://target.local/app/login.php", form.Action())
	assert.Equal(t, map[string]string{
		"user": "bob", "pass": "", "remember": "on", "lang": "fr", "bio": "hi",
	}, form.Inputs())

	cookies := p.ElementsOf(element.KindCookie)
	require.Len(t, cookies, 2)
	assert.Equal(t, map[string]string{"sid": "abc"}, cookies[0].Inputs(), "response cookies win over the jar")
	assert.Equal(t, map[string]string{"pref": "dark"}, cookies[1].Inputs())

	headers := p.ElementsOf(element.KindHeader)
	require.Len(t, headers, len(DefaultAuditHeaders))
	assert.Equal(t, "scanner", headers[0].Inputs()["User-Agent"])

	assert.Len(t, p.Auditable(element.KindLink, element.KindForm), 4)
}

func TestFromResponse_RequestBodies(t *testing.T) {
	resp := &httpclient.Response{
		URL:     "http://target.local/api/orders",
		Code:    200,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    `{"ok":true}`,
		Request: &httpclient.Request{
			Method:  "POST",
			URL:     "http://target.local/api/orders",
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    `{"sku":"A1","qty":2}`,
		},
	}
	p := FromResponse(resp, Options{AuditHeaders: []string{}})
	docs := p.ElementsOf(element.KindJSON)
	require.Len(t, docs, 1)
	assert.Equal(t, []string{"qty", "sku"}, docs[0].InputNames())
	assert.Empty(t, p.ElementsOf(element.KindHeader))
	assert.Empty(t, p.Paths())
	assert.False(t, p.HasScript())
}

func TestFromResponse_Redirect(t *testing.T) {
	resp := &httpclient.Response{
		URL:     "http://target.local/old",
		Code:    302,
		Headers: http.Header{"Location": []string{"/new"}},
	}
	p := FromResponse(resp, Options{})
	assert.Equal(t, []string{"http://target.local/new"}, p.Paths())
}

func TestHashes(t *testing.T) {
	a := FromHTML("http://target.local/", `<div id="x">one</div>`, DOM{}, Options{})
	b := FromHTML("http://target.local/", `<div id="x">two</div>`, DOM{}, Options{})
	c := FromHTML("http://target.local/", `<span id="x">one</span>`, DOM{}, Options{})

	assert.NotEqual(t, a.PersistentHash(), b.PersistentHash())
	assert.Equal(t, a.Digest(), b.Digest(), "text does not change structure")
	assert.NotEqual(t, a.Digest(), c.Digest())

	loaded := FromHTML("http://target.local/", `<div id="x">one</div>`,
		DOM{Depth: 1, Transitions: []string{"load:http://target.local/", "click:#menu"}}, Options{})
	replayed := FromHTML("http://target.local/", `<div id="x">one</div>`,
		DOM{Depth: 1, Transitions: []string{"click:#menu"}}, Options{})
	assert.Equal(t, loaded.DOM.PlayableHash(), replayed.DOM.PlayableHash())
	assert.Equal(t, loaded.PersistentHash(), replayed.PersistentHash())
	assert.NotEqual(t, a.PersistentHash(), replayed.PersistentHash())
}

func TestClearCacheAndSetElements(t *testing.T) {
	p := FromResponse(htmlResponse(testHTML), Options{})
	all := p.Elements()
	require.NotEmpty(t, all)

	p.SetElements(all[:1])
	assert.Len(t, p.Elements(), 1)

	p.ClearCache()
	assert.Len(t, p.Elements(), len(all), "extraction is rebuilt from the body")
}
