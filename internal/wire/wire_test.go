package wire

import "testing"

func TestDecodeIngressRegistration(t *testing.T) {
	f, err := DecodeIngress([]byte(`{"slug":"svc-a"}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != KindRegistration || f.Slug != "svc-a" {
		t.Fatalf("got %+v", f)
	}
}

func TestDecodeIngressResponse(t *testing.T) {
	f, err := DecodeIngress([]byte(`{"slug":"svc-a","requestId":"r1","response":{"statusCode":201,"headers":{"Content-Type":"text/plain"},"body":"ok"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != KindResponse || f.RequestID != "r1" || f.Response.StatusOrDefault() != 201 || f.Response.Body != "ok" {
		t.Fatalf("got %+v", f)
	}
}

func TestDecodeIngressResponseDefaults(t *testing.T) {
	f, err := DecodeIngress([]byte(`{"slug":"svc-a","requestId":"r1","response":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Response.StatusOrDefault() != 200 || f.Response.Body != "" {
		t.Fatalf("defaults not applied: %+v", f.Response)
	}
}

func TestDecodeIngressDashboardAttach(t *testing.T) {
	f, err := DecodeIngress([]byte(`{"type":"status-client"}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != KindDashboardAttach {
		t.Fatalf("got %+v", f)
	}
}

func TestDecodeIngressInvalidShape(t *testing.T) {
	f, err := DecodeIngress([]byte(`{"foo":"bar"}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != KindInvalid {
		t.Fatalf("expected invalid shape, got %+v", f)
	}
}

func TestDecodeIngressMalformedJSON(t *testing.T) {
	if _, err := DecodeIngress([]byte(`not json`)); err == nil {
		t.Fatal("expected a decode error")
	}
}
