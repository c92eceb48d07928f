// Package weburl implements the crawler's URL value type: parsing,
// relative resolution, registrable-domain decomposition, and the
// canonical serialization used as the content-addressed cache key.
package weburl

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// parseRe mirrors the original implementation's grammar:
// [scheme://]host[/path][?query][#fragment], scheme restricted to http/https,
// host any run that isn't '/', '?' or '#'.
var parseRe = regexp.MustCompile(`^(?:(https?)://)?([^/?#]+)(/[^?#]*)?(\?[^#]*)?(#.*)?$`)

// queryPair is one key/value entry from a raw query string. Value is nil
// when the key appeared without '=' (e.g. "?x").
type queryPair struct {
	key   string
	value *string
}

// URL is a value type representing a parsed HTTP(S) URL. The query
// setters (SetQueryParam, AppendQueryParam) modify the receiver in place;
// the digest is derived from ToString on every call, so it always
// reflects the current canonical form.
type URL struct {
	scheme   string
	host     string
	path     string
	query    string // raw form, includes leading '?' when present
	fragment string

	queryParsed bool
	queryPairs  []queryPair
}

// Parse builds a URL from its string form. Invalid input yields a zero
// value; callers should check IsValid before relying on the result.
func Parse(raw string) URL {
	m := parseRe.FindStringSubmatch(raw)
	if m == nil {
		return URL{}
	}
	return URL{
		scheme:   m[1],
		host:     strings.ToLower(m[2]),
		path:     m[3],
		query:    m[4],
		fragment: strings.TrimPrefix(m[5], "#"),
	}
}

// IsValid reports whether the URL has both a scheme and a host, the
// minimum needed to be dereferenced.
func (u URL) IsValid() bool {
	return u.scheme != "" && u.host != ""
}

func (u URL) Scheme() string { return u.scheme }
func (u URL) Host() string   { return u.host }
func (u URL) Path() string   { return u.path }
func (u URL) Fragment() string { return u.fragment }

// Resolve dereferences ref (absolute or relative) against u per spec.md
// §4.1. It never mutates u.
func (u URL) Resolve(ref string) URL {
	if strings.Contains(ref, "://") {
		return Parse(ref)
	}
	if strings.HasPrefix(ref, "//") {
		return Parse(u.scheme + ":" + ref)
	}

	rest := ref
	frag := ""
	if h := strings.IndexByte(rest, '#'); h >= 0 {
		frag = rest[h+1:]
		rest = rest[:h]
	}
	refQuery := ""
	refPath := rest
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		refQuery = rest[q:] // keep leading '?'
		refPath = rest[:q]
	}

	origin := ""
	if u.scheme != "" {
		origin = u.scheme + "://" + u.host
	}

	var path string
	switch {
	case refPath == "":
		if u.path == "" {
			path = "/"
		} else {
			path = u.path
		}
	case strings.HasPrefix(refPath, "/"):
		path = normalizePath(refPath)
	default:
		baseDir := "/"
		if u.path != "" {
			if idx := strings.LastIndexByte(u.path, '/'); idx >= 0 {
				baseDir = u.path[:idx+1]
			}
		}
		path = normalizePath(baseDir + refPath)
	}

	query := ""
	switch {
	case refQuery != "":
		query = refQuery
	case refPath == "":
		query = u.query
	}

	out := origin + path + query
	if frag != "" {
		out += "#" + frag
	}
	return Parse(out)
}

// normalizePath collapses "." and ".." segments, discarding leading
// parents that would escape the root (matching the original's
// normalize_path: a leading ".." is simply dropped, never producing
// "/../x").
func normalizePath(raw string) string {
	segments := strings.Split(raw, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return "/" + strings.Join(out, "/")
}

// RawQuery returns the query component including its leading '?', or ""
// when absent. Until the query has been parsed (by QueryParam or a setter)
// this is the raw string as given; afterwards it is recomposed from the
// parsed pairs, which drops empty segments and keyless "=v" entries.
func (u URL) RawQuery() string {
	if u.queryParsed {
		return u.composeQuery()
	}
	return u.query
}

func (u *URL) parseQuery() {
	if u.queryParsed {
		return
	}
	u.queryParsed = true
	if len(u.query) == 0 || u.query[0] != '?' {
		return
	}
	body := u.query[1:]
	if body == "" {
		return
	}
	for _, part := range strings.Split(body, "&") {
		if part == "" {
			continue
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			key := part[:eq]
			val := part[eq+1:]
			if key == "" {
				continue
			}
			u.queryPairs = append(u.queryPairs, queryPair{key: key, value: &val})
		} else {
			if part == "" {
				continue
			}
			u.queryPairs = append(u.queryPairs, queryPair{key: part})
		}
	}
}

func (u URL) composeQuery() string {
	if len(u.queryPairs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('?')
	for i, p := range u.queryPairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		if p.value != nil {
			b.WriteByte('=')
			b.WriteString(*p.value)
		}
	}
	return b.String()
}

// QueryParam returns every value bound to key in insertion order. A nil
// entry means the key appeared with no '=' (value absent, as opposed to
// empty). Returns (nil, false) when the key never appears.
func (u *URL) QueryParam(key string) ([]*string, bool) {
	u.parseQuery()
	var out []*string
	for _, p := range u.queryPairs {
		if p.key == key {
			out = append(out, p.value)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// SetQueryParam replaces (or appends, if absent) the first binding of key.
func (u *URL) SetQueryParam(key string, value *string) {
	u.parseQuery()
	for i := range u.queryPairs {
		if u.queryPairs[i].key == key {
			u.queryPairs[i].value = value
			return
		}
	}
	u.queryPairs = append(u.queryPairs, queryPair{key: key, value: value})
}

// AppendQueryParam always adds a new binding, even if key already exists.
func (u *URL) AppendQueryParam(key string, value *string) {
	u.parseQuery()
	u.queryPairs = append(u.queryPairs, queryPair{key: key, value: value})
}

// ToString returns the canonical serialization: scheme://host[/path][?query][#fragment].
// This is injective modulo the parser's accepted grammar and is the basis
// for Digest, equality, and ordering. It performs no percent-decoding or
// case-folding of path/query.
func (u URL) ToString() string {
	var b strings.Builder
	if u.scheme != "" {
		b.WriteString(u.scheme)
		b.WriteString("://")
	}
	b.WriteString(u.host)
	if u.path != "" {
		if u.path[0] != '/' {
			b.WriteByte('/')
		}
		b.WriteString(u.path)
	}
	b.WriteString(u.RawQuery())
	if u.fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.fragment)
	}
	return b.String()
}

// Digest is the lowercase-hex SHA-256 of ToString, used as the cache key
// and as the hash/equality identity.
func (u URL) Digest() string {
	sum := sha256.Sum256([]byte(u.ToString()))
	return hex.EncodeToString(sum[:])
}

// Equal reports canonical-string equality.
func (u URL) Equal(other URL) bool {
	return u.ToString() == other.ToString()
}

func (u URL) isIPv4() bool {
	host := u.host
	if strings.Contains(host, ":") {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() != nil
}

func (u URL) isIPv6Literal() bool {
	return strings.HasPrefix(u.host, "[") && strings.HasSuffix(u.host, "]")
}

// PublicSuffix returns the longest dotted suffix under which
// registrations are allowed, or "" for IP-literal hosts. A host whose
// suffix is not in the table gets its last label as the suffix.
func (u URL) PublicSuffix() string {
	if u.isIPv4() || u.isIPv6Literal() {
		return ""
	}
	suffix, _ := publicsuffix.PublicSuffix(u.host)
	if suffix == u.host {
		// publicsuffix treats an unrecognized single-label host as its own
		// suffix; the spec's fallback is "last label is the suffix", which
		// for a single-label host is the host itself, so this already
		// matches — but for consistency with GetRegistrableDomain below we
		// still special-case it there.
		return suffix
	}
	return suffix
}

// RegistrableDomain is the eTLD+1: the label immediately left of the
// public suffix, joined with the suffix. IPv4/IPv6-literal hosts return
// the host literal unchanged.
func (u URL) RegistrableDomain() string {
	if u.isIPv4() || u.isIPv6Literal() {
		return u.host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(u.host)
	if err != nil {
		// Host is itself a public suffix or otherwise has no registrable
		// part under the ICANN table; fall back to the "last label is the
		// suffix" rule from spec.md §4.1: the last two labels, or "" for a
		// single-label host.
		labels := strings.Split(u.host, ".")
		if len(labels) < 2 {
			return ""
		}
		return strings.Join(labels[len(labels)-2:], ".")
	}
	return etld1
}

// SecondLevelDomain is the single label immediately left of the public
// suffix.
func (u URL) SecondLevelDomain() string {
	reg := u.RegistrableDomain()
	suffix := u.PublicSuffix()
	if reg == "" || suffix == "" || reg == u.host {
		return ""
	}
	sld := strings.TrimSuffix(reg, "."+suffix)
	if sld == reg {
		return ""
	}
	return sld
}

// Subdomains returns the labels left of the registrable domain, ordered
// left-to-right (outermost first).
func (u URL) Subdomains() []string {
	reg := u.RegistrableDomain()
	if reg == "" || reg == u.host {
		return nil
	}
	if !strings.HasSuffix(u.host, "."+reg) {
		return nil
	}
	prefix := strings.TrimSuffix(u.host, "."+reg)
	if prefix == "" {
		return nil
	}
	return strings.Split(prefix, ".")
}

// HostIsIPv4 reports whether the host is a dotted-quad IPv4 literal.
func (u URL) HostIsIPv4() bool { return u.isIPv4() }

// HostIsIPv6 reports whether the host is a bracketed IPv6 literal.
func (u URL) HostIsIPv6() bool { return u.isIPv6Literal() }
