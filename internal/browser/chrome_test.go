// internal/browser/chrome_test.go
package browser

import (
	"net/http"
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
)

func TestAllocatorOptions(t *testing.T) {
	base := NewChromeExplorer(config.BrowserConfig{Headless: true}, page.Options{}, nil)
	opts := base.allocatorOptions()
	assert.Greater(t, len(opts), len(chromedp.DefaultExecAllocatorOptions))
	assert.Equal(t, defaultMaxTrig, base.cfg.MaxEventTriggers)

	withPath := NewChromeExplorer(config.BrowserConfig{ExecPath: "/opt/chrome/chrome", MaxEventTriggers: 3}, page.Options{}, nil)
	assert.Len(t, withPath.allocatorOptions(), len(opts)+1, "an exec path adds one option")
	assert.Equal(t, 3, withPath.cfg.MaxEventTriggers)

	t.Run("close before use", func(t *testing.T) {
		e := NewChromeExplorer(config.BrowserConfig{}, page.Options{}, nil)
		assert.NoError(t, e.Close())
	})
}

func TestTransitions(t *testing.T) {
	tr := Transition("click", "div#menu > a:nth-of-type(2)")
	event, target, ok := ParseTransition(tr)
	assert.True(t, ok)
	assert.Equal(t, "click", event)
	assert.Equal(t, "div#menu > a:nth-of-type(2)", target, "only the first colon separates")

	_, _, ok = ParseTransition("garbage")
	assert.False(t, ok)
}

func TestJobFor(t *testing.T) {
	cookies := []*http.Cookie{{Name: "session", Value: "1"}}

	fresh := &page.Page{URL: "http://app.test/"}
	job := JobFor(fresh, cookies)
	assert.Equal(t, "http://app.test/", job.URL)
	assert.Equal(t, []string{"load:http://app.test/"}, job.Transitions)
	assert.Equal(t, cookies, job.Cookies)

	explored := &page.Page{URL: "http://app.test/", DOM: page.DOM{
		Transitions: []string{"load:http://app.test/", "click:#more"},
		Depth:       1,
	}}
	job = JobFor(explored, nil)
	assert.Equal(t, 1, job.Depth)
	assert.Equal(t, explored.DOM.Transitions, job.Transitions)

	job.Transitions[1] = "changed"
	assert.Equal(t, "click:#more", explored.DOM.Transitions[1], "jobs own their transitions")
}
