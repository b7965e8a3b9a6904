package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemory(time.Minute)
	ctx := context.Background()

	if err := s.Put(ctx, "key", []byte("value"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit")
	}
	if string(got) != "value" {
		t.Fatalf("unexpected value: %q", got)
	}

	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemory(time.Minute)
	ctx := context.Background()

	if err := s.Put(ctx, "key", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	_, ok, err := s.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryStoreCopiesValue(t *testing.T) {
	s := NewMemory(time.Minute)
	ctx := context.Background()

	original := []byte("abc")
	if err := s.Put(ctx, "key", original, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	original[0] = 'z'
	got, _, err := s.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("stored value mutated: %q", got)
	}
}

func TestValkeyStorePutGet(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	s, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "edge:key", []byte(`{"status":200}`), 500*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get(ctx, "edge:key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit")
	}
	if string(got) != `{"status":200}` {
		t.Fatalf("unexpected value: %q", got)
	}

	server.FastForward(time.Second)
	_, ok, err = s.Get(ctx, "edge:key")
	if err != nil {
		t.Fatalf("get after ttl: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}

	if size, err := s.Size(ctx); err != nil {
		t.Fatalf("size: %v", err)
	} else if size != 0 {
		t.Fatalf("expected empty store, got %d", size)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestValkeyStoreMissing(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	s, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	_, ok, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}
