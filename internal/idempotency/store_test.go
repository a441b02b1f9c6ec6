package idempotency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	record := Record{
		StatusCode: 201,
		Response:   []byte("ok"),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	if err := store.Save(ctx, "abc", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "abc")
	if got == nil || string(got.Response) != "ok" {
		t.Fatalf("unexpected record: %+v", got)
	}

	expired := record
	expired.ExpiresAt = time.Now().Add(-time.Second)
	_ = store.Save(ctx, "old", expired)
	if rec, _ := store.Get(ctx, "old"); rec != nil {
		t.Fatalf("expected expired record to be hidden")
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	record := Record{
		StatusCode:  201,
		Response:    []byte("resp"),
		RequestHash: "h1",
		CreatedAt:   time.Unix(0, 0),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, "key", record); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Get(ctx, "key")
	if got == nil || string(got.Response) != "resp" || got.RequestHash != "h1" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	record := Record{
		StatusCode:  200,
		Response:    []byte(`{"txId":"0xabc"}`),
		RequestHash: "h1",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, "k", record); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != 200 || got.RequestHash != "h1" || string(got.Response) != `{"txId":"0xabc"}` {
		t.Fatalf("unexpected record: %+v", got)
	}

	record.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Save(ctx, "stale", record); err != nil {
		t.Fatalf("save stale: %v", err)
	}
	if rec, err := store.Get(ctx, "stale"); err != nil || rec != nil {
		t.Fatalf("expected expired record to be dropped, got %+v, %v", rec, err)
	}
}

func TestLookupDetectsKeyReuse(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	hash := RequestHash("POST", "/api/v1/payments", []byte(`{"amount":"1"}`))
	_ = store.Save(ctx, "k", Record{StatusCode: 200, RequestHash: hash, ExpiresAt: time.Now().Add(time.Minute)})

	if rec, err := Lookup(ctx, store, "k", hash); err != nil || rec == nil {
		t.Fatalf("expected replay record, got %+v, %v", rec, err)
	}

	other := RequestHash("POST", "/api/v1/payments", []byte(`{"amount":"2"}`))
	if _, err := Lookup(ctx, store, "k", other); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}

	if rec, err := Lookup(ctx, store, "unknown", hash); err != nil || rec != nil {
		t.Fatalf("expected miss, got %+v, %v", rec, err)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cases := []struct {
		dsn  string
		want string
	}{
		{"memory", "*idempotency.MemoryStore"},
		{"file:" + filepath.Join(dir, "idem.json"), "*idempotency.FileStore"},
		{"sqlite:" + filepath.Join(dir, "idem.db"), "*idempotency.SQLiteStore"},
	}
	for _, tc := range cases {
		store, closeFn, err := Open(ctx, tc.dsn)
		if err != nil {
			t.Fatalf("open %s: %v", tc.dsn, err)
		}
		if got := fmt.Sprintf("%T", store); got != tc.want {
			t.Fatalf("open %s: got %s, want %s", tc.dsn, got, tc.want)
		}
		closeFn()
	}

	if _, _, err := Open(ctx, "redis://localhost"); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}
