// File: internal/platform/platform_test.go
package platform

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
)

func TestName_Catalog(t *testing.T) {
	assert.True(t, Linux.Valid())
	assert.False(t, Name("commodore").Valid())
	assert.Equal(t, TypeOS, Linux.Type())
	assert.Equal(t, Unix, Linux.Parent())
	assert.Equal(t, []Name{NoSQL}, MongoDB.Ancestors())
	assert.Contains(t, All(TypeOS), Windows)
}

func TestPayloads_Pick(t *testing.T) {
	payloads := PerPlatform(map[Name][]string{
		Unix:    {"sleep __TIME__"},
		Windows: {"ping -n __TIME__ localhost"},
		PHP:     {"sleep(__TIME__);"},
	})

	t.Run("nothing identified keeps everything", func(t *testing.T) {
		picked := payloads.Pick(nil)
		assert.Len(t, picked, 3)
	})

	t.Run("identified child keeps ancestor payloads", func(t *testing.T) {
		picked := payloads.Pick([]Name{Linux})
		assert.Contains(t, picked, Unix)
		assert.NotContains(t, picked, Windows)
		assert.Contains(t, picked, PHP, "other types are unaffected")
	})

	t.Run("identified platform of the type narrows the set", func(t *testing.T) {
		picked := payloads.Pick([]Name{Windows, Python})
		assert.Equal(t, []string{"ping -n __TIME__ localhost"}, picked[Windows])
		assert.NotContains(t, picked, Unix)
		assert.NotContains(t, picked, PHP)
	})

	t.Run("flat payloads", func(t *testing.T) {
		flat := FlatPayloads("a", "b")
		assert.Equal(t, map[Name][]string{"": {"a", "b"}}, flat.Pick([]Name{Linux}))
		assert.Equal(t, 2, flat.Count())
		assert.False(t, flat.Empty())
	})
}

func TestManager_Fingerprint(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	resp := &httpclient.Response{
		URL:  "http://target.local/index.php?id=1",
		Code: 200,
		Headers: http.Header{
			"Server":     []string{"Apache/2.4.41 (Ubuntu)"},
			"Set-Cookie": []string{"PHPSESSID=abc; path=/"},
		},
	}
	names := m.Fingerprint(resp)
	assert.Equal(t, []Name{Apache, Linux, PHP}, names)
	assert.Equal(t, []Name{Apache, Linux, PHP}, m.For("http://target.local/other"))
	assert.Empty(t, m.For("http://elsewhere.local/"))

	assert.Nil(t, m.Fingerprint(&httpclient.Response{URL: "http://target.local/", Headers: http.Header{}}), "no response, no fingerprint")
}

func TestManager_DumpLoad(t *testing.T) {
	m := NewManager(nil)
	m.Update("http://a.local/", MySQL, Linux, Name("bogus"))

	dump := m.Dump()
	require.Equal(t, []Name{Linux, MySQL}, dump["a.local"])

	restored := NewManager(nil)
	restored.Load(dump)
	assert.Equal(t, m.For("http://a.local/"), restored.For("http://a.local/x"))
}
