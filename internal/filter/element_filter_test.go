// File: internal/filter/element_filter_test.go
package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/scalpel-audit/internal/element"
)

func TestElementFilter(t *testing.T) {
	f := NewElementFilter()
	link := element.NewLink("http://target.local/?id=1", nil)
	form := element.NewForm("http://target.local/login", "POST", map[string]string{"user": ""})
	cookie := element.NewCookie("http://target.local/", "sid", "1")

	assert.Equal(t, 3, f.Update(link, form, cookie))
	assert.Equal(t, 0, f.Update(link, form), "already seen")
	assert.Equal(t, 1, f.Update(element.NewLink("http://target.local/?id=2", nil)), "new default value")

	assert.True(t, f.Include(form))
	assert.False(t, f.Include(element.NewHeader("http://target.local/", "X-A", "1")))

	stats := f.Statistics()
	assert.Equal(t, 2, stats[element.KindLink])
	assert.Equal(t, 1, stats[element.KindForm])
	assert.Equal(t, 0, stats[element.KindXML])

	restored := NewElementFilter()
	restored.Load(f.Dump())
	assert.Equal(t, stats, restored.Statistics())
	assert.True(t, restored.Include(cookie))

	f.Clear()
	assert.False(t, f.Include(link))
}
