// File: internal/element/element_test.go
package element

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-audit/internal/platform"
)

type fakeAuditor struct {
	name   string
	logged []Vulnerability
}

func (f *fakeAuditor) Shortname() string                { return f.name }
func (f *fakeAuditor) LogVulnerability(v Vulnerability) { f.logged = append(f.logged, v) }

func TestFormat_Apply(t *testing.T) {
	tests := []struct {
		format Format
		want   string
	}{
		{FormatStraight, "P"},
		{FormatAppend, "1P"},
		{FormatNull, "P\x00"},
		{FormatSemicolon, ";P"},
		{FormatAppend | FormatNull, "1P\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.Apply("1", "P"))
		})
	}
}

func TestMutations(t *testing.T) {
	link := NewLink("http://target.local/item?a=1&b=", nil)
	require.Equal(t, []string{"a", "b"}, link.InputNames())
	assert.Equal(t, []string{"b"}, link.MissingValues())

	t.Run("straight only", func(t *testing.T) {
		ms := Mutations(link, "P", MutationOptions{Formats: []Format{FormatStraight}})
		require.Len(t, ms, 2)
		assert.Equal(t, "a", ms[0].AffectedInputName())
		assert.Equal(t, "P", ms[0].AffectedInputValue())
		assert.Equal(t, "", ms[0].Inputs()["b"])
		assert.Equal(t, "b", ms[1].AffectedInputName())
		assert.Equal(t, "1", ms[1].Inputs()["a"])
		for _, m := range ms {
			assert.True(t, m.IsMutation())
			assert.Equal(t, "P", m.Seed())
		}
		assert.False(t, link.IsMutation(), "the original is untouched")
	})

	t.Run("default formats fold duplicates", func(t *testing.T) {
		// Appending to an empty value equals the straight mutation.
		ms := Mutations(link, "P", MutationOptions{})
		assert.Len(t, ms, 7)
		assert.Equal(t, 8, Count(link, MutationOptions{}))
	})

	t.Run("skip like and each mutation", func(t *testing.T) {
		ms := Mutations(link, "P", MutationOptions{
			Formats:  []Format{FormatStraight},
			SkipLike: func(m Element) bool { return m.AffectedInputName() == "b" },
			EachMutation: func(m Element) []Element {
				m.SetAffectedInputValue(m.AffectedInputValue() + "!")
				return []Element{m}
			},
		})
		require.Len(t, ms, 1)
		assert.Equal(t, "P!", ms[0].AffectedInputValue())

		vetoed := Mutations(link, "P", MutationOptions{EachMutation: func(Element) []Element { return nil }})
		assert.Empty(t, vetoed)
	})

	t.Run("both methods", func(t *testing.T) {
		single := NewLink("http://target.local/?q=1", nil)
		ms := Mutations(single, "P", MutationOptions{Formats: []Format{FormatStraight}, WithBothHTTPMethods: true})
		require.Len(t, ms, 2)
		assert.Equal(t, http.MethodGet, ms[0].Method())
		assert.Equal(t, http.MethodPost, ms[1].Method())
	})

	t.Run("parameter names", func(t *testing.T) {
		single := NewLink("http://target.local/?q=1", nil)
		ms := Mutations(single, "P", MutationOptions{Formats: []Format{FormatStraight}, ParameterNames: true, Platform: platform.MySQL})
		require.Len(t, ms, 2)
		last := ms[1]
		assert.Equal(t, "P", last.AffectedInputName())
		assert.Equal(t, "1", last.Inputs()["P"])
		assert.Equal(t, platform.MySQL, last.Platform())
	})

	t.Run("cookies never switch methods", func(t *testing.T) {
		c := NewCookie("http://target.local/", "session", "abc")
		ms := Mutations(c, "P", MutationOptions{Formats: []Format{FormatStraight}, WithBothHTTPMethods: true, ParameterNames: true})
		assert.Len(t, ms, 1)
	})
}

func TestIdentities(t *testing.T) {
	auditor := &fakeAuditor{name: "sqli"}
	form := NewForm("http://target.local/login", "post", map[string]string{"user": "bob", "pass": "x"})
	form.SetAuditor(auditor)

	ms := Mutations(form, "P", MutationOptions{Formats: []Format{FormatStraight}})
	require.Len(t, ms, 2)
	m := ms[0]

	assert.Equal(t, "sqli:http://target.local/login:form:pass,user:pass=P", m.AuditID("P"))
	assert.Equal(t, "sqli:http://target.local/login:form:pass,user:pass=P:pass", m.TimeoutID())
	assert.Equal(t, form.ID(), m.ID(), "ID is based on defaults")
	assert.Equal(t, Hash(form), Hash(m))
	assert.NotEqual(t, AuditHash(m, "P"), AuditHash(ms[1], "P"))

	other := NewForm("http://target.local/login", "POST", map[string]string{"user": "alice", "pass": "y"})
	assert.Equal(t, form.CoverageHash(), other.CoverageHash(), "values do not matter for coverage")
	assert.NotEqual(t, form.ID(), other.ID())

	reset := m.Reset()
	assert.False(t, reset.IsMutation())
	assert.Equal(t, "x", reset.Inputs()["pass"])
	assert.Equal(t, auditor, reset.Auditor())
}

func TestLinkTemplate(t *testing.T) {
	tmpl := regexp.MustCompile(`/users/(?P<id>\d+)/`)
	link, ok := NewLinkTemplate("http://target.local/users/42/posts?x=1", tmpl)
	require.True(t, ok)
	assert.Equal(t, "/users/{id}/posts", link.Template())
	assert.Equal(t, map[string]string{"id": "42"}, link.Inputs())

	link.SetInput("id", "a b")
	req, err := link.Request()
	require.NoError(t, err)
	assert.Equal(t, "http://target.local/users/a%20b/posts", req.URL)
	assert.Empty(t, req.Parameters)

	_, ok = NewLinkTemplate("http://target.local/about", tmpl)
	assert.False(t, ok)
}

func TestRequests(t *testing.T) {
	link := NewLink("http://target.local/search?q=a", map[string]string{"page": "2"})
	req, err := link.Request()
	require.NoError(t, err)
	assert.Equal(t, "http://target.local/search", req.URL)
	assert.Equal(t, map[string]string{"q": "a", "page": "2"}, req.Parameters)
	assert.Same(t, link, req.Performer)

	cookie := NewCookie("http://target.local/", "sid", "1")
	req, err = cookie.Request()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sid": "1"}, req.Cookies)

	header := NewHeader("http://target.local/", "X-Forwarded-For", "127.0.0.1")
	req, err = header.Request()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-Forwarded-For": "127.0.0.1"}, req.Headers)
}

func TestJSON(t *testing.T) {
	j, err := NewJSON("http://target.local/api", "", `{"user":{"name":"bob","age":3},"tags":["a"]}`)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, j.Method())
	assert.Equal(t, []string{"tags.0", "user.age", "user.name"}, j.InputNames())

	ms := Mutations(j, "x", MutationOptions{Formats: []Format{FormatStraight}})
	require.Len(t, ms, 3)
	m := ms[2].(*JSON)
	require.Equal(t, "user.name", m.AffectedInputName())

	body, err := m.Body()
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":["a"],"user":{"age":3,"name":"x"}}`, body)

	req, err := m.Request()
	require.NoError(t, err)
	assert.Equal(t, "application/json", req.Headers["Content-Type"])

	_, err = NewJSON("http://target.local/api", "", `{broken`)
	assert.Error(t, err)

	assert.True(t, LooksLikeJSON("", ` {"a":1}`))
	assert.True(t, LooksLikeJSON("application/json", ""))
	assert.False(t, LooksLikeJSON("", "a=1"))
}

func TestXML(t *testing.T) {
	src := `<order id="7"><item><sku>A</sku></item><item><sku>B</sku></item></order>`
	x, err := NewXML("http://target.local/orders", "", src)
	require.NoError(t, err)
	assert.Equal(t, []string{"/order/@id", "/order/item[1]/sku", "/order/item[2]/sku"}, x.InputNames())
	assert.Equal(t, "B", x.Inputs()["/order/item[2]/sku"])

	m := x.Dup()
	m.SetInput("/order/item[2]/sku", "Z")
	m.SetInput("/order/@id", "8")
	body, err := m.(*XML).Body()
	require.NoError(t, err)
	assert.Contains(t, body, "<sku>A</sku>")
	assert.Contains(t, body, "<sku>Z</sku>")
	assert.Contains(t, body, `id="8"`)

	_, err = NewXML("http://target.local/orders", "", "not xml")
	assert.Error(t, err)
	assert.True(t, LooksLikeXML("text/xml", ""))
}

func TestDOM(t *testing.T) {
	d := NewLinkDOM("http://target.local/#/search", "a#go", map[string]string{"q": "1"}, []string{"click:button#menu"})
	_, submittable := any(d).(Submittable)
	assert.False(t, submittable)
	assert.True(t, d.Kind().DOM())

	other := NewLinkDOM("http://target.local/#/search", "a#other", map[string]string{"q": "1"}, nil)
	assert.NotEqual(t, d.ID(), other.ID())
	assert.NotEqual(t, Hash(d), Hash(other))
}

func TestRecord_RoundTrip(t *testing.T) {
	auditor := &fakeAuditor{name: "cmd"}
	resolve := func(name string) Auditor {
		if name == auditor.name {
			return auditor
		}
		return nil
	}

	form := NewForm("http://target.local/ping", "POST", map[string]string{"host": "localhost"}).WithName("ping")
	form.SetAuditor(auditor)
	doc, err := NewJSON("http://target.local/api", "PUT", `{"a":"1"}`)
	require.NoError(t, err)
	tmpl, ok := NewLinkTemplate("http://target.local/p/9", regexp.MustCompile(`/p/(?P<n>\d+)`))
	require.True(t, ok)

	originals := []Element{
		Mutations(form, "sleep 5", MutationOptions{Formats: []Format{FormatAppend}, Platform: platform.Unix})[0],
		Mutations(doc, "P", MutationOptions{Formats: []Format{FormatStraight}})[0],
		tmpl,
		NewCookie("http://target.local/", "sid", "v"),
		NewFormDOM("http://target.local/", "form#f", map[string]string{"x": ""}, []string{"submit:form#f"}),
	}
	for _, original := range originals {
		t.Run(string(original.Kind()), func(t *testing.T) {
			restored, err := FromRecord(original.Record(), resolve)
			require.NoError(t, err)
			assert.Equal(t, original.Record(), restored.Record())
			assert.Equal(t, original.ID(), restored.ID())
			assert.Equal(t, original.TimeoutID(), restored.TimeoutID())
		})
	}

	_, err = FromRecord(Record{Kind: "bogus"}, nil)
	assert.Error(t, err)
}
