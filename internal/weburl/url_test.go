package weburl

import "testing"

func TestCanonicalRoundTrip(t *testing.T) {
	cases := []string{
		"https://example.com/path?a=1&b=2#frag",
		"http://example.com",
		"https://sub.example.co.uk/a/b?x",
		"https://192.168.0.1/health",
		"https://[::1]:8443/x",
	}
	for _, raw := range cases {
		u := Parse(raw)
		s1 := u.ToString()
		u2 := Parse(s1)
		s2 := u2.ToString()
		if s1 != s2 {
			t.Errorf("canonical round trip mismatch for %q: %q != %q", raw, s1, s2)
		}
	}
}

func TestDigestStability(t *testing.T) {
	a := Parse("https://example.com/path")
	b := Parse("https://example.com/path")
	c := Parse("https://example.com/other")
	if a.Digest() != b.Digest() {
		t.Fatalf("expected equal digests for equal canonical urls")
	}
	if a.Digest() == c.Digest() {
		t.Fatalf("expected distinct digests for distinct urls")
	}
	if !a.Equal(b) {
		t.Fatalf("expected a.Equal(b)")
	}
}

func TestRegistrableDomainAgreement(t *testing.T) {
	u := Parse("https://a.b.example.co.uk/x")
	suffix := u.PublicSuffix()
	if suffix != "co.uk" {
		t.Fatalf("expected public suffix co.uk, got %q", suffix)
	}
	sld := u.SecondLevelDomain()
	if sld != "example" {
		t.Fatalf("expected second level domain example, got %q", sld)
	}
	subs := u.Subdomains()
	if len(subs) != 2 || subs[0] != "a" || subs[1] != "b" {
		t.Fatalf("expected subdomains [a b], got %v", subs)
	}
	reg := u.RegistrableDomain()
	if reg != "example.co.uk" {
		t.Fatalf("expected registrable domain example.co.uk, got %q", reg)
	}
	// subdomains ++ [sld, suffix] reconstructs host labels left-to-right.
	got := append(append([]string{}, subs...), sld, "co", "uk")
	want := []string{"a", "b", "example", "co", "uk"}
	if len(got) != len(want) {
		t.Fatalf("label count mismatch: %v vs %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("label mismatch at %d: %v vs %v", i, got, want)
		}
	}
}

func TestIPLiteralHosts(t *testing.T) {
	for _, raw := range []string{"https://192.168.0.1/x", "https://[::1]/x"} {
		u := Parse(raw)
		if u.PublicSuffix() != "" {
			t.Errorf("%q: expected empty public suffix, got %q", raw, u.PublicSuffix())
		}
		if len(u.Subdomains()) != 0 {
			t.Errorf("%q: expected no subdomains, got %v", raw, u.Subdomains())
		}
	}
	ipv4 := Parse("https://192.168.0.1/x")
	if ipv4.RegistrableDomain() != "192.168.0.1" {
		t.Errorf("expected registrable domain to equal host literal, got %q", ipv4.RegistrableDomain())
	}
	ipv6 := Parse("https://[::1]/x")
	if ipv6.RegistrableDomain() != "[::1]" {
		t.Errorf("expected registrable domain to equal host literal, got %q", ipv6.RegistrableDomain())
	}
}

func TestResolve(t *testing.T) {
	base := Parse("https://example.com/dir/page?x=1#top")

	if got := base.Resolve("").ToString(); got != "https://example.com/dir/page?x=1" {
		t.Errorf("resolve empty: got %q", got)
	}
	if got := base.Resolve("/abs").ToString(); got != "https://example.com/abs" {
		t.Errorf("resolve absolute path: got %q", got)
	}
	if got := base.Resolve("rel").ToString(); got != "https://example.com/dir/rel" {
		t.Errorf("resolve relative: got %q", got)
	}
	if got := base.Resolve("../up").ToString(); got != "https://example.com/up" {
		t.Errorf("resolve parent-relative: got %q", got)
	}
	if got := base.Resolve("//other.com/x").ToString(); got != "https://other.com/x" {
		t.Errorf("resolve protocol-relative: got %q", got)
	}
	if got := base.Resolve("https://third.com/z").ToString(); got != "https://third.com/z" {
		t.Errorf("resolve absolute url: got %q", got)
	}
}

func TestQueryParamDuplicatesPreserveOrder(t *testing.T) {
	u := Parse("http://e.com/p?x=1&x=2&x")
	values, ok := u.QueryParam("x")
	if !ok {
		t.Fatalf("expected x to be present")
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(values))
	}
	if values[0] == nil || *values[0] != "1" {
		t.Errorf("expected first value 1, got %v", values[0])
	}
	if values[1] == nil || *values[1] != "2" {
		t.Errorf("expected second value 2, got %v", values[1])
	}
	if values[2] != nil {
		t.Errorf("expected third value absent, got %v", *values[2])
	}
}

func TestQueryKeyWithEmptyValue(t *testing.T) {
	u := Parse("http://e.com/p?k=")
	values, ok := u.QueryParam("k")
	if !ok || len(values) != 1 {
		t.Fatalf("expected one binding for k")
	}
	if values[0] == nil || *values[0] != "" {
		t.Errorf("expected empty string value, got %v", values[0])
	}
}
