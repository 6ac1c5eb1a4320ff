package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestNewToken_Unique(t *testing.T) {
	a, err := newToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := newToken()
	if a == b || len(a) != 32 {
		t.Errorf("expected two distinct 32-char tokens, got %q and %q", a, b)
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "not a url"); err == nil {
		t.Error("expected error for malformed url")
	}
}

// TestRedis_Live runs against a real server when REDIS_URL is set.
func TestRedis_Live(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := NewRedisClient(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	l := NewRedis(client, 2*time.Second, WithPrefix("billing:test:"), WithMaxWait(100*time.Millisecond))
	key := "live-" + time.Now().Format("150405.000000")

	release, err := l.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(context.Background(), key); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired while held, got %v", err)
	}
	release()

	release2, err := l.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	release2()
}
