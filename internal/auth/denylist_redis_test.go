package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisDenylist(t *testing.T) (*RedisDenylist, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDenylist(client), mr
}

func TestRedisDenylist(t *testing.T) {
	deny, mr := newRedisDenylist(t)
	ctx := context.Background()

	if revoked, err := deny.Revoked(ctx, "jti-1"); err != nil || revoked {
		t.Fatalf("unknown id: revoked=%v err=%v", revoked, err)
	}
	if err := deny.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked, err := deny.Revoked(ctx, "jti-1"); err != nil || !revoked {
		t.Fatalf("after revoke: revoked=%v err=%v", revoked, err)
	}
	if ttl := mr.TTL(redisDenylistPrefix + "jti-1"); ttl != time.Minute {
		t.Fatalf("expected key to expire with the token, ttl=%s", ttl)
	}

	mr.FastForward(time.Minute)
	if revoked, err := deny.Revoked(ctx, "jti-1"); err != nil || revoked {
		t.Fatalf("after expiry: revoked=%v err=%v", revoked, err)
	}
}

func TestRedisDenylistIgnoresExpiredAndEmpty(t *testing.T) {
	deny, mr := newRedisDenylist(t)
	ctx := context.Background()

	if err := deny.Revoke(ctx, "jti-2", 0); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := deny.Revoke(ctx, "", time.Minute); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestRedisRevocationThroughTokenService(t *testing.T) {
	deny, mr := newRedisDenylist(t)
	clock := newClock()
	svc := newTestTokens(t, clock, 15*time.Minute, WithDenylist(deny))
	issued, err := svc.Issue(Seed{UserID: "u1", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ctx := context.Background()
	id, err := svc.Validate(ctx, issued.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := svc.Revoke(ctx, id); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !mr.Exists(redisDenylistPrefix + id.TokenID) {
		t.Fatalf("expected denylist key for %s", id.TokenID)
	}
	if _, err := svc.Validate(ctx, issued.Token); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("expected revoked, got %v", err)
	}
}

func TestValidateFailsClosedWhenDenylistUnavailable(t *testing.T) {
	deny, mr := newRedisDenylist(t)
	clock := newClock()
	svc := newTestTokens(t, clock, 15*time.Minute, WithDenylist(deny))
	issued, err := svc.Issue(Seed{UserID: "u1", Role: RoleSuperAdmin})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	mr.Close()
	id, err := svc.Validate(context.Background(), issued.Token)
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal error with the denylist down, got %v", err)
	}
	if id != (Identity{}) {
		t.Fatalf("identity must stay empty on failure, got %+v", id)
	}
}
