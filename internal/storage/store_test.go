package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

// storeFactories lists every Store implementation so the contract tests run
// against each of them.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"file": func() Store {
			s, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("Failed to open file store: %v", err)
			}
			return s
		},
	}
}

// TestStoreContract runs the basic key-value contract against all stores.
func TestStoreContract(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("missing key", func(t *testing.T) {
				store := newStore()

				if _, err := store.Get("nonexistent"); err != ErrKeyNotFound {
					t.Errorf("Expected ErrKeyNotFound, got %v", err)
				}

				exists, err := store.Exists("nonexistent")
				if err != nil {
					t.Fatalf("Exists failed: %v", err)
				}
				if exists {
					t.Error("Expected missing key to not exist")
				}
			})

			t.Run("put get overwrite", func(t *testing.T) {
				store := newStore()

				if err := store.Put("a", []byte(`1`)); err != nil {
					t.Fatalf("Failed to put value: %v", err)
				}
				if err := store.Put("a", []byte(`{"n":2}`)); err != nil {
					t.Fatalf("Failed to overwrite value: %v", err)
				}

				value, err := store.Get("a")
				if err != nil {
					t.Fatalf("Failed to get value: %v", err)
				}
				if !bytes.Equal(value, []byte(`{"n":2}`)) {
					t.Errorf("Expected overwritten value, got %s", value)
				}

				exists, err := store.Exists("a")
				if err != nil || !exists {
					t.Errorf("Expected key to exist, got exists=%v err=%v", exists, err)
				}
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				store := newStore()

				store.Put("a", []byte(`"x"`))
				if err := store.Delete("a"); err != nil {
					t.Fatalf("Failed to delete: %v", err)
				}
				if err := store.Delete("a"); err != nil {
					t.Errorf("Second delete should not error, got %v", err)
				}
				if _, err := store.Get("a"); err != ErrKeyNotFound {
					t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
				}
			})

			t.Run("list and stats", func(t *testing.T) {
				store := newStore()

				testData := map[string][]byte{
					"key1": []byte(`"v1"`),   // 4 bytes
					"key2": []byte(`"v22"`),  // 5 bytes
					"key3": []byte(`"v333"`), // 6 bytes
				}
				for k, v := range testData {
					if err := store.Put(k, v); err != nil {
						t.Fatalf("Failed to put %s: %v", k, err)
					}
				}

				keys := store.List()
				sort.Strings(keys)
				want := []string{"key1", "key2", "key3"}
				if fmt.Sprint(keys) != fmt.Sprint(want) {
					t.Errorf("Expected keys %v, got %v", want, keys)
				}

				stats := store.Stats()
				if stats.Keys != 3 || stats.Bytes != 15 {
					t.Errorf("Expected 3 keys / 15 bytes, got %d / %d", stats.Keys, stats.Bytes)
				}
			})

			t.Run("concurrent writers", func(t *testing.T) {
				store := newStore()

				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func(id int) {
						defer wg.Done()
						for j := 0; j < 10; j++ {
							key := fmt.Sprintf("g%d-k%d", id, j)
							if err := store.Put(key, []byte(fmt.Sprintf("%d", j))); err != nil {
								t.Errorf("Failed to put: %v", err)
							}
						}
					}(i)
				}
				wg.Wait()

				if n := len(store.List()); n != 200 {
					t.Errorf("Expected 200 keys, got %d", n)
				}
			})
		})
	}
}

// TestMemoryStoreCopies checks that callers cannot mutate stored values.
func TestMemoryStoreCopies(t *testing.T) {
	store := NewMemoryStore()

	value := []byte("abc")
	store.Put("k", value)
	value[0] = 'z'

	got, _ := store.Get("k")
	if string(got) != "abc" {
		t.Errorf("Stored value was mutated through the input slice: %s", got)
	}

	got[1] = 'z'
	again, _ := store.Get("k")
	if string(again) != "abc" {
		t.Errorf("Stored value was mutated through the returned slice: %s", again)
	}
}

// TestFileStoreLayout verifies the one-file-per-key layout.
func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to open file store: %v", err)
	}

	if err := store.Put("user:1", []byte(`{"name":"bee"}`)); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, KeyHash("user:1")+".json"))
	if err != nil {
		t.Fatalf("Expected record file: %v", err)
	}

	want := `{"key":"user:1","value":{"name":"bee"}}`
	if string(data) != want {
		t.Errorf("Expected record %s, got %s", want, data)
	}

	// A second handle on the same directory sees the data
	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	value, err := reopened.Get("user:1")
	if err != nil {
		t.Fatalf("Failed to read after reopen: %v", err)
	}
	if string(value) != `{"name":"bee"}` {
		t.Errorf("Unexpected value after reopen: %s", value)
	}
}

// TestFileStoreRejectsInvalidJSON verifies values must be JSON documents.
func TestFileStoreRejectsInvalidJSON(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open file store: %v", err)
	}

	if err := store.Put("k", []byte("not json")); err == nil {
		t.Error("Expected error for non-JSON value")
	}
	if exists, _ := store.Exists("k"); exists {
		t.Error("Rejected value must not be persisted")
	}
}

// TestNewFileStoreEmptyDir verifies the directory is required.
func TestNewFileStoreEmptyDir(t *testing.T) {
	if _, err := NewFileStore(""); err == nil {
		t.Error("Expected error for empty directory")
	}
}

// TestKeyHash verifies the digest is stable.
func TestKeyHash(t *testing.T) {
	// md5("a")
	if got := KeyHash("a"); got != "0cc175b9c0f1b6a831c399e269772661" {
		t.Errorf("Unexpected hash %s", got)
	}
}
