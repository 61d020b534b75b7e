package ratelimit

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryFixedWindow(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemory(3, 15*time.Minute)
	limiter.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		if ok, _ := limiter.Allow(ctx, "ip:a"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if ok, _ := limiter.Allow(ctx, "ip:a"); ok {
		t.Fatal("fourth request in window should be refused")
	}
	if ok, _ := limiter.Allow(ctx, "ip:b"); !ok {
		t.Fatal("other clients keep their own window")
	}

	current = current.Add(15 * time.Minute)
	if ok, _ := limiter.Allow(ctx, "ip:a"); !ok {
		t.Fatal("new window should allow again")
	}
}

func TestRedisFixedWindow(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRedis(client, 2, time.Minute)
	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "ip:a")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := limiter.Allow(ctx, "ip:a"); ok {
		t.Fatal("third request should be refused")
	}

	mr.FastForward(61 * time.Second)
	if ok, err := limiter.Allow(ctx, "ip:a"); err != nil || !ok {
		t.Fatalf("expected window reset, ok=%v err=%v", ok, err)
	}
}

func TestRedisAllowReportsBackendError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	if _, err := NewRedis(client, 1, time.Minute).Allow(context.Background(), "ip:a"); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestClientResolverIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	clients, err := NewClientResolver(nil)
	if err != nil {
		t.Fatalf("NewClientResolver() error = %v", err)
	}
	req := httptest.NewRequest("POST", "/api/submissions", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	first := clients.Key(req)

	for _, forwarded := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3, 10.0.0.1"} {
		req.Header.Set("X-Forwarded-For", forwarded)
		if got := clients.IP(req); got != "203.0.113.7" {
			t.Fatalf("X-Forwarded-For %q: IP() = %q, want peer address", forwarded, got)
		}
		if clients.Key(req) != first {
			t.Fatalf("X-Forwarded-For %q changed the client key", forwarded)
		}
	}
}

func TestClientResolverTrustedProxy(t *testing.T) {
	clients, err := NewClientResolver([]string{"10.0.0.0/8", "192.0.2.10"})
	if err != nil {
		t.Fatalf("NewClientResolver() error = %v", err)
	}
	cases := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{name: "no header", remote: "10.0.0.7:5555", want: "10.0.0.7"},
		{name: "single hop", remote: "10.0.0.7:5555", forwarded: "203.0.113.9", want: "203.0.113.9"},
		{name: "spoofed left hop", remote: "10.0.0.7:5555", forwarded: "198.51.100.1, 203.0.113.9", want: "203.0.113.9"},
		{name: "chained proxies", remote: "192.0.2.10:443", forwarded: "203.0.113.9, 10.1.1.1", want: "203.0.113.9"},
		{name: "garbage hop", remote: "10.0.0.7:5555", forwarded: "not-an-ip", want: "10.0.0.7"},
		{name: "untrusted peer", remote: "198.51.100.4:80", forwarded: "203.0.113.9", want: "198.51.100.4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/submissions", nil)
			req.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clients.IP(req); got != tc.want {
				t.Fatalf("IP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewClientResolverRejectsBadEntry(t *testing.T) {
	if _, err := NewClientResolver([]string{"10.0.0.0/8", "proxy.internal"}); err == nil {
		t.Fatal("expected error for non-IP entry")
	}
	if _, err := NewClientResolver([]string{"10.0.0.0/33"}); err == nil {
		t.Fatal("expected error for bad CIDR")
	}
}

func TestClientKeyHashesAddress(t *testing.T) {
	clients, _ := NewClientResolver(nil)
	req := httptest.NewRequest("POST", "/api/submissions", nil)
	req.RemoteAddr = "203.0.113.9:5555"

	key := clients.Key(req)
	if !strings.HasPrefix(key, "ip:") || strings.Contains(key, "203.0.113.9") {
		t.Fatalf("Key() should hash the address, got %q", key)
	}
	if key != clients.Key(req) {
		t.Fatal("Key() should be stable")
	}
}
