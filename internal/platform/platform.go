// File: internal/platform/platform.go

// Package platform identifies the technologies behind a target (operating
// system, database, web server, language, framework) and uses that knowledge
// to narrow per-platform payload sets down to the ones worth sending.
package platform

import (
	"slices"
)

// Type is the category a platform belongs to.
type Type string

const (
	TypeOS        Type = "os"
	TypeDB        Type = "db"
	TypeServer    Type = "server"
	TypeLanguage  Type = "language"
	TypeFramework Type = "framework"
)

// Name identifies a single platform.
type Name string

// -- Operating systems --
const (
	Unix    Name = "unix"
	Linux   Name = "linux"
	BSD     Name = "bsd"
	Solaris Name = "solaris"
	AIX     Name = "aix"
	Windows Name = "windows"
)

// -- Databases --
const (
	MySQL   Name = "mysql"
	PgSQL   Name = "pgsql"
	MSSQL   Name = "mssql"
	Oracle  Name = "oracle"
	SQLite  Name = "sqlite"
	DB2     Name = "db2"
	MongoDB Name = "mongodb"
	NoSQL   Name = "nosql"
	SQL     Name = "sql"
)

// -- Web servers --
const (
	Apache Name = "apache"
	Nginx  Name = "nginx"
	IIS    Name = "iis"
	Tomcat Name = "tomcat"
	Jetty  Name = "jetty"
)

// -- Languages --
const (
	PHP    Name = "php"
	ASP    Name = "asp"
	ASPX   Name = "aspx"
	Java   Name = "java"
	Python Name = "python"
	Ruby   Name = "ruby"
	Perl   Name = "perl"
	NodeJS Name = "nodejs"
)

// -- Frameworks --
const (
	Rails   Name = "rails"
	Django  Name = "django"
	Express Name = "express"
	Laravel Name = "laravel"
	Spring  Name = "spring"
)

type entry struct {
	typ    Type
	parent Name
}

var catalog = map[Name]entry{
	Unix:    {TypeOS, ""},
	Linux:   {TypeOS, Unix},
	BSD:     {TypeOS, Unix},
	Solaris: {TypeOS, Unix},
	AIX:     {TypeOS, Unix},
	Windows: {TypeOS, ""},

	SQL:     {TypeDB, ""},
	MySQL:   {TypeDB, SQL},
	PgSQL:   {TypeDB, SQL},
	MSSQL:   {TypeDB, SQL},
	Oracle:  {TypeDB, SQL},
	SQLite:  {TypeDB, SQL},
	DB2:     {TypeDB, SQL},
	NoSQL:   {TypeDB, ""},
	MongoDB: {TypeDB, NoSQL},

	Apache: {TypeServer, ""},
	Nginx:  {TypeServer, ""},
	IIS:    {TypeServer, ""},
	Tomcat: {TypeServer, ""},
	Jetty:  {TypeServer, ""},

	PHP:    {TypeLanguage, ""},
	ASP:    {TypeLanguage, ""},
	ASPX:   {TypeLanguage, ""},
	Java:   {TypeLanguage, ""},
	Python: {TypeLanguage, ""},
	Ruby:   {TypeLanguage, ""},
	Perl:   {TypeLanguage, ""},
	NodeJS: {TypeLanguage, ""},

	Rails:   {TypeFramework, ""},
	Django:  {TypeFramework, ""},
	Express: {TypeFramework, ""},
	Laravel: {TypeFramework, ""},
	Spring:  {TypeFramework, ""},
}

// Valid reports whether n is a known platform.
func (n Name) Valid() bool {
	_, ok := catalog[n]
	return ok
}

// Type returns the category of n, or "" for unknown platforms.
func (n Name) Type() Type {
	return catalog[n].typ
}

// Parent returns the more generic platform n belongs to, if any.
func (n Name) Parent() Name {
	return catalog[n].parent
}

// Ancestors returns every parent of n, nearest first.
func (n Name) Ancestors() []Name {
	var out []Name
	for p := n.Parent(); p != ""; p = p.Parent() {
		out = append(out, p)
	}
	return out
}

// All returns every known platform of the given type, sorted.
func All(t Type) []Name {
	var out []Name
	for name, e := range catalog {
		if e.typ == t {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Payloads is either a flat payload list or a per-platform map.
type Payloads struct {
	Flat       []string
	ByPlatform map[Name][]string
}

// FlatPayloads builds a platform-agnostic payload set.
func FlatPayloads(payloads ...string) Payloads {
	return Payloads{Flat: payloads}
}

// PerPlatform builds a per-platform payload set.
func PerPlatform(byPlatform map[Name][]string) Payloads {
	return Payloads{ByPlatform: byPlatform}
}

// Empty reports whether there is nothing to inject.
func (p Payloads) Empty() bool {
	return p.Count() == 0
}

// Count returns the total number of payloads across all platforms.
func (p Payloads) Count() int {
	n := len(p.Flat)
	for _, list := range p.ByPlatform {
		n += len(list)
	}
	return n
}

// Pick returns the payloads applicable to the identified platforms, keyed by
// platform. Flat payloads are returned under the empty name.
//
// Selection happens per platform type: when nothing of a type has been
// identified, payloads for every platform of that type are kept; otherwise
// only payloads for identified platforms (or their ancestors) are.
func (p Payloads) Pick(identified []Name) map[Name][]string {
	out := make(map[Name][]string)
	if len(p.Flat) > 0 {
		out[""] = p.Flat
	}
	if len(p.ByPlatform) == 0 {
		return out
	}

	byType := make(map[Type][]Name)
	for _, id := range identified {
		byType[id.Type()] = append(byType[id.Type()], id)
	}

	for name, payloads := range p.ByPlatform {
		ids := byType[name.Type()]
		if len(ids) == 0 || applicable(name, ids) {
			out[name] = payloads
		}
	}
	return out
}

func applicable(name Name, identified []Name) bool {
	for _, id := range identified {
		if id == name || slices.Contains(id.Ancestors(), name) {
			return true
		}
	}
	return false
}
