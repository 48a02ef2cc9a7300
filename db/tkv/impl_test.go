package tkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/StrataLabs/strata/models"
)

func createTestTKV(t *testing.T) TKV {
	t.Helper()
	ctx := context.Background()
	kv, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		InMemory: true,
		AppCtx:   ctx,
	})
	if err != nil {
		t.Fatalf("Failed to create test TKV: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestTKV_GetSetDelete(t *testing.T) {
	kv := createTestTKV(t)

	t.Run("Set and Get basic value", func(t *testing.T) {
		if err := kv.Set("testKey1", []byte("testValue1")); err != nil {
			t.Errorf("Set() error = %v, wantErr nil", err)
		}
		got, err := kv.Get("testKey1")
		if err != nil {
			t.Errorf("Get() error = %v, wantErr nil", err)
		}
		if string(got) != "testValue1" {
			t.Errorf("Get() got = %q, want %q", got, "testValue1")
		}
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		_, err := kv.Get("nonExistentKey")
		if err == nil {
			t.Fatalf("Get() expected error for non-existent key, got nil")
		}
		var nf *ErrKeyNotFound
		if !errors.As(err, &nf) {
			t.Errorf("Get() error type = %T, want *ErrKeyNotFound", err)
		}
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Get() error should unwrap to models.ErrNotFound")
		}
	})

	t.Run("Delete removes key", func(t *testing.T) {
		if err := kv.Set("toDelete", []byte("x")); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := kv.Delete("toDelete"); err != nil {
			t.Errorf("Delete() error = %v", err)
		}
		if _, err := kv.Get("toDelete"); err == nil {
			t.Errorf("Get() after Delete() expected error, got nil")
		}
	})
}

func TestTKV_SetNX(t *testing.T) {
	kv := createTestTKV(t)

	if err := kv.SetNX("nx", []byte("first")); err != nil {
		t.Fatalf("SetNX() first claim error = %v", err)
	}
	err := kv.SetNX("nx", []byte("second"))
	if err == nil {
		t.Fatalf("SetNX() second claim expected error, got nil")
	}
	if !errors.Is(err, models.ErrAlreadyExists) {
		t.Errorf("SetNX() error should unwrap to models.ErrAlreadyExists, got %v", err)
	}

	got, err := kv.Get("nx")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "first" {
		t.Errorf("SetNX() second claim overwrote value: got %q", got)
	}
}

func TestTKV_Swap(t *testing.T) {
	kv := createTestTKV(t)

	t.Run("Swap creates when absent", func(t *testing.T) {
		err := kv.Swap("counter", func(old []byte, found bool) ([]byte, error) {
			if found {
				t.Errorf("Swap() found = true for absent key")
			}
			return []byte("1"), nil
		})
		if err != nil {
			t.Fatalf("Swap() error = %v", err)
		}
	})

	t.Run("Swap sees current value", func(t *testing.T) {
		err := kv.Swap("counter", func(old []byte, found bool) ([]byte, error) {
			if !found || string(old) != "1" {
				t.Errorf("Swap() old = %q found = %v, want %q true", old, found, "1")
			}
			return []byte("2"), nil
		})
		if err != nil {
			t.Fatalf("Swap() error = %v", err)
		}
		got, _ := kv.Get("counter")
		if string(got) != "2" {
			t.Errorf("Get() after Swap() got = %q, want %q", got, "2")
		}
	})

	t.Run("Swap nil return deletes", func(t *testing.T) {
		err := kv.Swap("counter", func(old []byte, found bool) ([]byte, error) {
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Swap() error = %v", err)
		}
		if _, err := kv.Get("counter"); err == nil {
			t.Errorf("Get() after nil Swap() expected error, got nil")
		}
	})

	t.Run("Swap fn error aborts", func(t *testing.T) {
		sentinel := errors.New("nope")
		if err := kv.Set("keep", []byte("original")); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		err := kv.Swap("keep", func(old []byte, found bool) ([]byte, error) {
			return nil, sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Errorf("Swap() error = %v, want %v", err, sentinel)
		}
		got, _ := kv.Get("keep")
		if string(got) != "original" {
			t.Errorf("Swap() aborted fn mutated value: got %q", got)
		}
	})
}

func TestTKV_IteratePrefix(t *testing.T) {
	kv := createTestTKV(t)

	for i := 0; i < 5; i++ {
		if err := kv.Set(fmt.Sprintf("scan:%d", i), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	if err := kv.Set("other:0", []byte("x")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	kvs, err := kv.IteratePrefix("scan:", 0, 0)
	if err != nil {
		t.Fatalf("IteratePrefix() error = %v", err)
	}
	if len(kvs) != 5 {
		t.Fatalf("IteratePrefix() len = %d, want 5", len(kvs))
	}
	for i, pair := range kvs {
		wantKey := fmt.Sprintf("scan:%d", i)
		if pair.Key != wantKey {
			t.Errorf("IteratePrefix() key order: got %q at %d, want %q", pair.Key, i, wantKey)
		}
	}

	limited, err := kv.IteratePrefix("scan:", 1, 2)
	if err != nil {
		t.Fatalf("IteratePrefix() error = %v", err)
	}
	if len(limited) != 2 || limited[0].Key != "scan:1" {
		t.Errorf("IteratePrefix() offset/limit got %d entries starting %q", len(limited), limited[0].Key)
	}

	keys, err := kv.IterateKeys("scan:", 0, 0)
	if err != nil {
		t.Fatalf("IterateKeys() error = %v", err)
	}
	if len(keys) != 5 {
		t.Errorf("IterateKeys() len = %d, want 5", len(keys))
	}
}

func TestTKV_Batches(t *testing.T) {
	kv := createTestTKV(t)

	entries := []BatchEntry{
		{Key: "b:1", Value: []byte("1")},
		{Key: "b:2", Value: []byte("2")},
		{Key: "b:3", Value: []byte("3")},
	}
	if err := kv.BatchSet(entries); err != nil {
		t.Fatalf("BatchSet() error = %v", err)
	}
	kvs, err := kv.IteratePrefix("b:", 0, 0)
	if err != nil || len(kvs) != 3 {
		t.Fatalf("IteratePrefix() after BatchSet: len = %d err = %v", len(kvs), err)
	}

	if err := kv.BatchDelete([]string{"b:1", "b:3"}); err != nil {
		t.Fatalf("BatchDelete() error = %v", err)
	}
	kvs, _ = kv.IteratePrefix("b:", 0, 0)
	if len(kvs) != 1 || kvs[0].Key != "b:2" {
		t.Errorf("BatchDelete() left %d entries", len(kvs))
	}
}

func TestTKV_Cache(t *testing.T) {
	kv := createTestTKV(t)

	if err := kv.CacheSet("c1", []byte("cached"), 0); err != nil {
		t.Fatalf("CacheSet() error = %v", err)
	}
	got, err := kv.CacheGet("c1")
	if err != nil {
		t.Fatalf("CacheGet() error = %v", err)
	}
	if string(got) != "cached" {
		t.Errorf("CacheGet() got = %q", got)
	}

	if err := kv.CacheDelete("c1"); err != nil {
		t.Fatalf("CacheDelete() error = %v", err)
	}
	if _, err := kv.CacheGet("c1"); err == nil {
		t.Errorf("CacheGet() after delete expected error, got nil")
	}
}
