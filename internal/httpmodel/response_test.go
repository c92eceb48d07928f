package httpmodel

import "testing"

func TestAddHeaderLineDropsColonless(t *testing.T) {
	r := New()
	r.AddHeaderLine("Content-Type: text/html; charset=utf-8")
	r.AddHeaderLine("this has no colon")
	r.AddHeaderLine("X-Empty:")

	if v, ok := r.GetHeader("content-type"); !ok || v != "text/html; charset=utf-8" {
		t.Fatalf("expected content-type header, got %q ok=%v", v, ok)
	}
	if _, ok := r.GetHeader("this"); ok {
		t.Fatalf("colonless line should not produce a header")
	}
	if v, ok := r.GetHeader("X-EMPTY"); !ok || v != "" {
		t.Fatalf("expected empty value for X-Empty, got %q ok=%v", v, ok)
	}
	if len(r.Headers()) != 2 {
		t.Fatalf("expected 2 headers recorded, got %d", len(r.Headers()))
	}
}

func TestGetHeadersPreservesOrder(t *testing.T) {
	r := New()
	r.AddHeaderLine("Set-Cookie: a=1")
	r.AddHeaderLine("Set-Cookie: b=2")
	vals := r.GetHeaders("set-cookie")
	if len(vals) != 2 || vals[0] != "a=1" || vals[1] != "b=2" {
		t.Fatalf("unexpected order: %v", vals)
	}
}

func TestStatusClassification(t *testing.T) {
	r := New()
	r.SetStatusCode(200)
	if !r.IsOkay() || r.IsRedirect() {
		t.Fatalf("200 should be okay, not redirect")
	}
	r.SetStatusCode(301)
	if r.IsOkay() || !r.IsRedirect() {
		t.Fatalf("301 should be redirect, not okay")
	}
	r.SetStatusCode(404)
	if r.IsOkay() || r.IsRedirect() {
		t.Fatalf("404 should be neither okay nor redirect")
	}
}

func TestAppendBody(t *testing.T) {
	r := New()
	r.AppendBody([]byte("hello "))
	r.AppendBody([]byte("world"))
	if string(r.Body()) != "hello world" {
		t.Fatalf("unexpected body: %q", r.Body())
	}
}
