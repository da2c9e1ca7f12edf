// File: internal/platform/manager.go
package platform

import (
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
)

// Manager tracks the platforms identified per host.
type Manager struct {
	mu     sync.RWMutex
	byHost map[string]map[Name]struct{}
	logger *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		byHost: make(map[string]map[Name]struct{}),
		logger: logger.Named("platform"),
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Update records names for the host of rawURL.
func (m *Manager) Update(rawURL string, names ...Name) {
	host := hostOf(rawURL)
	if host == "" || len(names) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byHost[host]
	if !ok {
		set = make(map[Name]struct{})
		m.byHost[host] = set
	}
	for _, n := range names {
		if !n.Valid() {
			continue
		}
		if _, seen := set[n]; !seen {
			m.logger.Debug("Identified platform", zap.String("host", host), zap.String("platform", string(n)))
		}
		set[n] = struct{}{}
	}
}

// For returns the platforms identified for the host of rawURL, sorted.
func (m *Manager) For(rawURL string) []Name {
	host := hostOf(rawURL)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Name, 0, len(m.byHost[host]))
	for n := range m.byHost[host] {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Dump returns every host's platforms for snapshots.
func (m *Manager) Dump() map[string][]Name {
	m.mu.RLock()
	hosts := make([]string, 0, len(m.byHost))
	for h := range m.byHost {
		hosts = append(hosts, h)
	}
	m.mu.RUnlock()

	out := make(map[string][]Name, len(hosts))
	for _, h := range hosts {
		out[h] = m.For("//" + h)
	}
	return out
}

// Load merges a dump produced by Dump.
func (m *Manager) Load(dump map[string][]Name) {
	for host, names := range dump {
		m.Update("//"+host, names...)
	}
}

// Fingerprint inspects a response for platform hints and records them.
// It is meant to be registered as an httpclient OnComplete observer.
func (m *Manager) Fingerprint(resp *httpclient.Response) []Name {
	if resp == nil || resp.Code == 0 {
		return nil
	}
	names := Identify(resp)
	m.Update(resp.URL, names...)
	return names
}

var (
	serverHints = map[string][]Name{
		"apache":        {Apache},
		"nginx":         {Nginx},
		"microsoft-iis": {IIS, Windows},
		"tomcat":        {Tomcat, Java},
		"coyote":        {Tomcat, Java},
		"jetty":         {Jetty, Java},
		"ubuntu":        {Linux},
		"debian":        {Linux},
		"centos":        {Linux},
		"red hat":       {Linux},
		"unix":          {Unix},
		"win32":         {Windows},
		"win64":         {Windows},
		"freebsd":       {BSD},
	}
	poweredByHints = map[string][]Name{
		"php":     {PHP},
		"asp.net": {ASPX, Windows},
		"express": {NodeJS, Express},
		"servlet": {Java},
		"jsp":     {Java},
		"django":  {Python, Django},
		"rails":   {Ruby, Rails},
		"phusion": {Ruby},
	}
	cookieHints = map[string][]Name{
		"phpsessid":          {PHP},
		"jsessionid":         {Java},
		"asp.net_sessionid":  {ASPX, Windows},
		"aspsessionid":       {ASP, Windows},
		"connect.sid":        {NodeJS, Express},
		"csrftoken":          {Python, Django},
		"laravel_session":    {PHP, Laravel},
		"_session_id":        {Ruby, Rails},
		"rack.session":       {Ruby},
		"cfid":               {Windows},
		"sessionid":          {Python},
		"ci_session":         {PHP},
		"symfony":            {PHP},
		"zend_session":       {PHP},
		"wordpress_test":     {PHP, MySQL},
		"wp-settings-time-1": {PHP, MySQL},
	}
	extensionHints = map[string][]Name{
		".php":    {PHP},
		".php5":   {PHP},
		".asp":    {ASP, Windows},
		".aspx":   {ASPX, Windows},
		".ashx":   {ASPX, Windows},
		".jsp":    {Java},
		".do":     {Java},
		".action": {Java},
		".py":     {Python},
		".rb":     {Ruby},
		".pl":     {Perl},
		".cgi":    {Perl},
	}
)

// Identify returns the platforms hinted at by a response without recording them.
func Identify(resp *httpclient.Response) []Name {
	found := make(map[Name]struct{})
	add := func(names []Name) {
		for _, n := range names {
			found[n] = struct{}{}
		}
	}

	server := strings.ToLower(resp.Headers.Get("Server"))
	for hint, names := range serverHints {
		if strings.Contains(server, hint) {
			add(names)
		}
	}
	for _, powered := range resp.Headers.Values("X-Powered-By") {
		powered = strings.ToLower(powered)
		for hint, names := range poweredByHints {
			if strings.Contains(powered, hint) {
				add(names)
			}
		}
	}
	if resp.Headers.Get("X-AspNet-Version") != "" {
		add([]Name{ASPX, Windows})
	}
	for _, raw := range resp.Headers.Values("Set-Cookie") {
		name, _, _ := strings.Cut(raw, "=")
		if names, ok := cookieHints[strings.ToLower(strings.TrimSpace(name))]; ok {
			add(names)
		}
	}
	if u, err := url.Parse(resp.URL); err == nil {
		if names, ok := extensionHints[strings.ToLower(path.Ext(u.Path))]; ok {
			add(names)
		}
	}

	out := make([]Name, 0, len(found))
	for n := range found {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
