// Package ratelimit implements fixed-window request limits keyed by client.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter reports whether one more request for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory is a process-local fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	count    int
	windowAt time.Time
}

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)
	b, ok := m.buckets[key]
	if !ok || now.Sub(b.windowAt) >= m.window {
		m.buckets[key] = &bucket{count: 1, windowAt: now}
		return true, nil
	}
	if b.count >= m.limit {
		return false, nil
	}
	b.count++
	return true, nil
}

// sweep drops buckets whose window closed long ago. Callers hold mu.
func (m *Memory) sweep(now time.Time) {
	if len(m.buckets) < 1024 {
		return
	}
	cutoff := now.Add(-2 * m.window)
	for k, b := range m.buckets {
		if b.windowAt.Before(cutoff) {
			delete(m.buckets, k)
		}
	}
}

// Redis shares the window across API replicas using INCR plus EXPIRE.
type Redis struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedis(client *redis.Client, limit int, window time.Duration) *Redis {
	return &Redis{client: client, limit: limit, window: window, prefix: "ratelimit:"}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := r.prefix + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, r.window).Err(); err != nil {
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	return count <= int64(r.limit), nil
}

// ClientResolver identifies the caller behind a request. X-Forwarded-For is
// only read when the direct peer is a trusted proxy.
type ClientResolver struct {
	trusted []*net.IPNet
}

// NewClientResolver parses trusted proxy entries given as CIDRs or bare IPs.
// An empty list trusts no proxy.
func NewClientResolver(trusted []string) (*ClientResolver, error) {
	c := &ClientResolver{}
	for _, entry := range trusted {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q is not an IP or CIDR", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			c.trusted = append(c.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		c.trusted = append(c.trusted, network)
	}
	return c, nil
}

func (c *ClientResolver) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range c.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// IP returns the caller address. Behind trusted proxies it walks
// X-Forwarded-For from the right and stops at the first untrusted hop.
func (c *ClientResolver) IP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !c.isTrusted(peer) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if net.ParseIP(hop) == nil {
			break
		}
		if !c.isTrusted(hop) {
			return hop
		}
		peer = hop
	}
	return peer
}

// Key hashes the caller address so raw IPs never reach a limiter backend.
func (c *ClientResolver) Key(r *http.Request) string {
	sum := sha256.Sum256([]byte(c.IP(r)))
	return "ip:" + hex.EncodeToString(sum[:16])
}
