package validate

import "testing"

func TestSlugBoundaries(t *testing.T) {
	if err := Slug(""); err == nil {
		t.Fatal("empty slug must be rejected")
	}
	ok49 := make([]byte, 50)
	for i := range ok49 {
		ok49[i] = 'a'
	}
	if err := Slug(string(ok49)); err != nil {
		t.Fatalf("50-char slug should be accepted: %v", err)
	}
	over := append(ok49, 'a')
	if err := Slug(string(over)); err == nil {
		t.Fatal("51-char slug must be rejected")
	}
}

func TestSlugCharacterClass(t *testing.T) {
	for _, s := range []string{"svc-a", "svc_b", "Abc123"} {
		if err := Slug(s); err != nil {
			t.Errorf("Slug(%q) should be valid: %v", s, err)
		}
	}
	for _, s := range []string{"svc a", "svc/a", "svc.a", "svc?a"} {
		if err := Slug(s); err == nil {
			t.Errorf("Slug(%q) should be rejected", s)
		}
	}
}

func TestSlugReserved(t *testing.T) {
	if err := Slug("status"); err == nil {
		t.Fatal("reserved slug 'status' must be rejected")
	}
}

func TestContainsInjection(t *testing.T) {
	cases := map[string]bool{
		"<script>alert(1)</script>": true,
		"JAVASCRIPT:alert(1)":       true,
		"onClick=evil()":            true,
		"eval(x)":                   true,
		"plain text":                false,
		"":                          false,
	}
	for in, want := range cases {
		if got := ContainsInjection(in); got != want {
			t.Errorf("ContainsInjection(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHeadersDropsHopByHop(t *testing.T) {
	in := map[string][]string{
		"Host":            {"example.com"},
		"Content-Length":  {"10"},
		"X-Custom":        {"keep-me"},
		"Connection":      {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
	}
	out := Headers(in)
	if _, ok := out["Host"]; ok {
		t.Error("Host must be dropped")
	}
	if _, ok := out["Connection"]; ok {
		t.Error("Connection must be dropped")
	}
	if v, ok := out["X-Custom"]; !ok || v[0] != "keep-me" {
		t.Error("X-Custom must pass through with original case and value")
	}
}

func TestHeadersDropsInjectionValues(t *testing.T) {
	in := map[string][]string{
		"X-Evil": {"<script>bad()</script>"},
		"X-Fine": {"hello world"},
	}
	out := Headers(in)
	if _, ok := out["X-Evil"]; ok {
		t.Error("header with injection payload must be dropped")
	}
	if _, ok := out["X-Fine"]; !ok {
		t.Error("benign header must survive")
	}
}

func TestHeadersIdempotent(t *testing.T) {
	in := map[string][]string{
		"Host":    {"example.com"},
		"X-Thing": {"value"},
	}
	once := Headers(in)
	twice := Headers(once)
	if len(once) != len(twice) {
		t.Fatalf("filtering twice changed header count: %d vs %d", len(once), len(twice))
	}
	for k, v := range once {
		v2, ok := twice[k]
		if !ok || len(v2) != len(v) || v2[0] != v[0] {
			t.Errorf("header %q changed on second pass", k)
		}
	}
}

func TestBodyLimiter(t *testing.T) {
	l := NewBodyLimiter(10)
	if err := l.Add(5); err != nil {
		t.Fatalf("under limit should not error: %v", err)
	}
	if err := l.Add(5); err != nil {
		t.Fatalf("exactly at limit should not error: %v", err)
	}
	if err := l.Add(1); err == nil {
		t.Fatal("exceeding limit should error")
	}
}
