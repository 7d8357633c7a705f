package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"
)

type storageFactory struct {
	name string
	new  func(t *testing.T) Storage
}

func storageBackends() []storageFactory {
	return []storageFactory{
		{name: "fs", new: func(t *testing.T) Storage {
			return newTestStorage(t, "fs")
		}},
		{name: "sqlite", new: func(t *testing.T) Storage {
			return newTestStorage(t, "sqlite")
		}},
		{name: "memory", new: func(t *testing.T) Storage {
			return newTestStorage(t, "memory")
		}},
	}
}

func TestStorePutAndMatch(t *testing.T) {
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			storage := backend.new(t)
			store := openStore(t, storage, "cache-v1")

			key := mustKey(t, "https://app.example/app.js")
			snap := testSnapshot(http.StatusOK, "console.log(1)")
			snap.Header.Set("Content-Type", "application/javascript")
			if err := store.Put(ctx, key, snap); err != nil {
				t.Fatalf("put error: %v", err)
			}

			got, err := store.Match(ctx, key)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if got.Status != http.StatusOK || got.StatusText != "OK" {
				t.Fatalf("unexpected status %d %q", got.Status, got.StatusText)
			}
			if string(got.Body) != "console.log(1)" {
				t.Fatalf("body mismatch: %s", string(got.Body))
			}
			if ct := got.Header.Get("Content-Type"); ct != "application/javascript" {
				t.Fatalf("content type mismatch: %s", ct)
			}
			if got.Type != TypeBasic {
				t.Fatalf("expected basic type, got %s", got.Type)
			}
			if !got.StoredAt.Equal(snap.StoredAt) {
				t.Fatalf("stored_at mismatch: %v vs %v", got.StoredAt, snap.StoredAt)
			}
		})
	}
}

func TestStorePutOverwritesSameKey(t *testing.T) {
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t, backend.new(t), "cache-v1")
			key := mustKey(t, "https://app.example/")

			if err := store.Put(ctx, key, testSnapshot(http.StatusOK, "old")); err != nil {
				t.Fatalf("first put error: %v", err)
			}
			if err := store.Put(ctx, key, testSnapshot(http.StatusOK, "new")); err != nil {
				t.Fatalf("second put error: %v", err)
			}
			got, err := store.Match(ctx, key)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if string(got.Body) != "new" {
				t.Fatalf("expected overwritten body, got %s", string(got.Body))
			}
			keys, err := store.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(keys) != 1 {
				t.Fatalf("expected single entry, got %v", keys)
			}
		})
	}
}

func TestStoreMatchMissing(t *testing.T) {
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			store := openStore(t, backend.new(t), "cache-v1")
			_, err := store.Match(context.Background(), mustKey(t, "https://app.example/missing"))
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreRejectsNonGet(t *testing.T) {
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			store := openStore(t, backend.new(t), "cache-v1")
			key := RequestKey{Method: http.MethodPost, URL: "https://app.example/api"}
			err := store.Put(context.Background(), key, testSnapshot(http.StatusOK, "x"))
			if !errors.Is(err, ErrUnsupportedMethod) {
				t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
			}
		})
	}
}

func TestStorageLifecycle(t *testing.T) {
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			storage := backend.new(t)

			first := openStore(t, storage, "cache-v2")
			openStore(t, storage, "cache-v1")
			// 重复打开不会清空已有条目。
			key := mustKey(t, "https://app.example/index.html")
			if err := first.Put(ctx, key, testSnapshot(http.StatusOK, "v2")); err != nil {
				t.Fatalf("put error: %v", err)
			}
			again := openStore(t, storage, "cache-v2")
			if _, err := again.Match(ctx, key); err != nil {
				t.Fatalf("reopen lost entry: %v", err)
			}

			names, err := storage.Names(ctx)
			if err != nil {
				t.Fatalf("names error: %v", err)
			}
			if len(names) != 2 || names[0] != "cache-v1" || names[1] != "cache-v2" {
				t.Fatalf("unexpected names: %v", names)
			}

			if err := storage.Delete(ctx, "cache-v2"); err != nil {
				t.Fatalf("delete error: %v", err)
			}
			if ok, err := storage.Has(ctx, "cache-v2"); err != nil || ok {
				t.Fatalf("expected cache-v2 removed, has=%v err=%v", ok, err)
			}
			if ok, err := storage.Has(ctx, "cache-v1"); err != nil || !ok {
				t.Fatalf("expected cache-v1 kept, has=%v err=%v", ok, err)
			}
			if err := storage.Delete(ctx, "cache-missing"); err != nil {
				t.Fatalf("delete of missing store should succeed: %v", err)
			}

			fresh := openStore(t, storage, "cache-v2")
			if _, err := fresh.Match(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("recreated store should be empty, got %v", err)
			}
		})
	}
}

func TestStorageLookupNeverCreates(t *testing.T) {
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			storage := backend.new(t)

			if _, ok, err := storage.Lookup(ctx, "cache-v0"); err != nil || ok {
				t.Fatalf("expected missing store, ok=%v err=%v", ok, err)
			}
			if ok, _ := storage.Has(ctx, "cache-v0"); ok {
				t.Fatalf("lookup must not create the store")
			}

			key := mustKey(t, "https://app.example/")
			if err := openStore(t, storage, "cache-v1").Put(ctx, key, testSnapshot(http.StatusOK, "v1")); err != nil {
				t.Fatalf("put error: %v", err)
			}
			store, ok, err := storage.Lookup(ctx, "cache-v1")
			if err != nil || !ok {
				t.Fatalf("expected existing store, ok=%v err=%v", ok, err)
			}
			if _, err := store.Match(ctx, key); err != nil {
				t.Fatalf("lookup handle should see entries: %v", err)
			}

			if err := storage.Delete(ctx, "cache-v1"); err != nil {
				t.Fatalf("delete error: %v", err)
			}
			if _, ok, _ := storage.Lookup(ctx, "cache-v1"); ok {
				t.Fatalf("deleted store must not be found")
			}
			if ok, _ := storage.Has(ctx, "cache-v1"); ok {
				t.Fatalf("lookup after delete must not recreate the store")
			}
		})
	}
}

func TestStorePutAfterDeleteFails(t *testing.T) {
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			storage := backend.new(t)
			store := openStore(t, storage, "cache-v1")
			if err := storage.Delete(ctx, "cache-v1"); err != nil {
				t.Fatalf("delete error: %v", err)
			}
			err := store.Put(ctx, mustKey(t, "https://app.example/"), testSnapshot(http.StatusOK, "late"))
			if !errors.Is(err, ErrStoreDeleted) {
				t.Fatalf("expected ErrStoreDeleted, got %v", err)
			}
			if ok, _ := storage.Has(ctx, "cache-v1"); ok {
				t.Fatalf("late write must not resurrect a deleted store")
			}
		})
	}
}

func TestStoreKeysSorted(t *testing.T) {
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t, backend.new(t), "cache-v1")
			for _, raw := range []string{"https://app.example/b.css", "https://app.example/a.js", "https://app.example/"} {
				if err := store.Put(ctx, mustKey(t, raw), testSnapshot(http.StatusOK, raw)); err != nil {
					t.Fatalf("put %s error: %v", raw, err)
				}
			}
			keys, err := store.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			want := []string{"https://app.example/", "https://app.example/a.js", "https://app.example/b.css"}
			if len(keys) != len(want) {
				t.Fatalf("unexpected keys: %v", keys)
			}
			for i, key := range keys {
				if key.URL != want[i] || key.Method != http.MethodGet {
					t.Fatalf("key %d mismatch: %v", i, key)
				}
			}
		})
	}
}

func TestStoreMatchReturnsCopy(t *testing.T) {
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t, backend.new(t), "cache-v1")
			key := mustKey(t, "https://app.example/")
			if err := store.Put(ctx, key, testSnapshot(http.StatusOK, "hello")); err != nil {
				t.Fatalf("put error: %v", err)
			}
			got, err := store.Match(ctx, key)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			got.Body[0] = 'J'
			got.Header.Set("X-Mutated", "1")

			again, err := store.Match(ctx, key)
			if err != nil {
				t.Fatalf("second match error: %v", err)
			}
			if string(again.Body) != "hello" || again.Header.Get("X-Mutated") != "" {
				t.Fatalf("stored snapshot was mutated through a returned copy")
			}
		})
	}
}

func TestStoreConcurrentPuts(t *testing.T) {
	for _, backend := range storageBackends() {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t, backend.new(t), "cache-v1")
			key := mustKey(t, "https://app.example/app.js")

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := store.Put(ctx, key, testSnapshot(http.StatusOK, "same")); err != nil {
						t.Errorf("concurrent put error: %v", err)
					}
				}()
			}
			wg.Wait()

			got, err := store.Match(ctx, key)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if string(got.Body) != "same" {
				t.Fatalf("unexpected body: %s", string(got.Body))
			}
		})
	}
}

func TestStorageRejectsUnsafeNames(t *testing.T) {
	storage := newTestStorage(t, "fs")
	for _, name := range []string{"", "../escape", "a/b", ".hidden"} {
		if _, err := storage.Open(context.Background(), name); !errors.Is(err, ErrInvalidStoreName) {
			t.Fatalf("expected ErrInvalidStoreName for %q, got %v", name, err)
		}
	}
}

func TestFileStoreIgnoresDirectories(t *testing.T) {
	storage := newTestStorage(t, "fs")
	store := openStore(t, storage, "cache-v1")
	key := mustKey(t, "https://app.example/v2")

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	if err := os.MkdirAll(fs.entryPath(key), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Match(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestSQLiteStoragePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	storage, err := NewSQLiteStorage(dir)
	if err != nil {
		t.Fatalf("open sqlite storage: %v", err)
	}
	store := openStore(t, storage, "cache-v1")
	key := mustKey(t, "https://app.example/")
	if err := store.Put(ctx, key, testSnapshot(http.StatusOK, "persisted")); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := storage.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	reopened, err := NewSQLiteStorage(dir)
	if err != nil {
		t.Fatalf("reopen sqlite storage: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	names, err := reopened.Names(ctx)
	if err != nil || len(names) != 1 || names[0] != "cache-v1" {
		t.Fatalf("unexpected names after reopen: %v err=%v", names, err)
	}
	got, err := openStore(t, reopened, "cache-v1").Match(ctx, key)
	if err != nil {
		t.Fatalf("match after reopen: %v", err)
	}
	if string(got.Body) != "persisted" {
		t.Fatalf("body mismatch: %s", string(got.Body))
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	if _, err := New("redis", t.TempDir()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

// newTestStorage returns a Storage of the given backend rooted in a temporary directory.
func newTestStorage(t *testing.T, backend string) Storage {
	t.Helper()
	storage, err := New(backend, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create %s storage: %v", backend, err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func openStore(t *testing.T, storage Storage, name string) Store {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open store %s: %v", name, err)
	}
	return store
}

func mustKey(t *testing.T, rawURL string) RequestKey {
	t.Helper()
	key, err := NewRequestKey(http.MethodGet, rawURL)
	if err != nil {
		t.Fatalf("key error: %v", err)
	}
	return key
}

func testSnapshot(status int, body string) *Snapshot {
	return &Snapshot{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     http.Header{},
		Body:       []byte(body),
		Type:       TypeBasic,
		StoredAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}
