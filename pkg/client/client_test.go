package client

import (
	"context"
	"testing"

	cidpkg "pttrelay/internal/cid"
)

func TestBuildDialHeadersIncludesCID(t *testing.T) {
	ctx := cidpkg.WithCID(context.Background(), "unit-test-cid-42")
	h := buildDialHeaders(ctx, "test-agent/1.0")
	if got := h[cidpkg.HeaderName]; len(got) == 0 || got[0] != "unit-test-cid-42" {
		t.Fatalf("expected header %s=%s, got %v", cidpkg.HeaderName, "unit-test-cid-42", got)
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{ServerURL: "ws://localhost:3030/ws", Name: "Alice"})
	if c.UserID() == "" {
		t.Fatalf("expected a generated user id")
	}
	if c.config.BaseURL != "http://localhost:3030" {
		t.Fatalf("BaseURL = %q, want http://localhost:3030", c.config.BaseURL)
	}
}

func TestDeriveBaseURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"ws://host:3030/ws", "http://host:3030"},
		{"wss://relay.example.com/ws", "https://relay.example.com"},
		{"http://host:3030", "http://host:3030"},
	}
	for _, tc := range cases {
		if got := deriveBaseURL(tc.in); got != tc.want {
			t.Errorf("deriveBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
