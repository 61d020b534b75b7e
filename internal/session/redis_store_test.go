package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"safetyvoice/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	sessions, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })
	return sessions, mr
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	sessions, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := sessions.SaveRefreshSession(ctx, "hash-1", "mod_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	moderator, err := sessions.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession() error = %v", err)
	}
	if moderator.ID != "mod_1" {
		t.Fatalf("expected mod_1, got %q", moderator.ID)
	}
}

func TestLookupExpiredAndMissingSession(t *testing.T) {
	sessions, mr := setupTestRedis(t)
	ctx := context.Background()

	if err := sessions.SaveRefreshSession(ctx, "short", "mod_2", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, err := sessions.LookupRefreshSession(ctx, "short"); !store.IsNotFound(err) {
		t.Fatalf("expected not found after expiry, got %v", err)
	}
	if _, err := sessions.LookupRefreshSession(ctx, "never-saved"); !store.IsNotFound(err) {
		t.Fatalf("expected not found for unknown token, got %v", err)
	}
}

func TestRevokeRefreshSessionIsolation(t *testing.T) {
	sessions, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	_ = sessions.SaveRefreshSession(ctx, "token-1", "mod_1", expiresAt)
	_ = sessions.SaveRefreshSession(ctx, "token-2", "mod_2", expiresAt)

	if err := sessions.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := sessions.LookupRefreshSession(ctx, "token-1"); !store.IsNotFound(err) {
		t.Fatalf("expected token-1 revoked, got %v", err)
	}
	other, err := sessions.LookupRefreshSession(ctx, "token-2")
	if err != nil || other.ID != "mod_2" {
		t.Fatalf("expected token-2 intact, got %+v, %v", other, err)
	}
	if err := sessions.RevokeRefreshSession(ctx, "never-saved"); err != nil {
		t.Fatalf("revoking an unknown token should not fail: %v", err)
	}
}

func TestAccessTokenRevocationExpires(t *testing.T) {
	sessions, mr := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := sessions.IsAccessTokenRevoked(ctx, "jti_1")
	if err != nil || revoked {
		t.Fatalf("expected fresh jti to be live, got %v, %v", revoked, err)
	}
	if err := sessions.RevokeAccessToken(ctx, "jti_1", time.Now().Add(15*time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	if revoked, _ := sessions.IsAccessTokenRevoked(ctx, "jti_1"); !revoked {
		t.Fatal("expected jti_1 to be revoked")
	}
	mr.FastForward(16 * time.Minute)
	if revoked, _ := sessions.IsAccessTokenRevoked(ctx, "jti_1"); revoked {
		t.Fatal("expected revocation entry to lapse with the token")
	}
}
