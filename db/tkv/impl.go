package tkv

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

var DefaultCacheTTL = 1 * time.Minute

type tkv struct {
	logger          *slog.Logger
	appCtx          context.Context
	store           *badger.DB
	cache           *ttlcache.Cache[string, []byte]
	defaultCacheTTL time.Duration
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.AppCtx == nil {
		config.AppCtx = context.Background()
	}

	var dbOpts badger.Options
	if config.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		valuesDir := filepath.Join(config.Directory, "values")
		if err := os.MkdirAll(valuesDir, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		dbOpts = badger.DefaultOptions(valuesDir)
	}

	badgerLogLevel := badger.WARNING
	switch config.BadgerLogLevel {
	case slog.LevelDebug:
		badgerLogLevel = badger.DEBUG
	case slog.LevelInfo:
		badgerLogLevel = badger.INFO
	case slog.LevelWarn:
		badgerLogLevel = badger.WARNING
	case slog.LevelError:
		badgerLogLevel = badger.ERROR
	}

	dbOpts = dbOpts.
		WithLogger(newLogger(config.Logger.WithGroup("store"))).
		WithLoggingLevel(badgerLogLevel).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}

	cache := ttlcache.New[string, []byte](
		ttlcache.WithTTL[string, []byte](config.CacheTTL),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go cache.Start()

	return &tkv{
		logger:          config.Logger.WithGroup("tkv"),
		appCtx:          config.AppCtx,
		store:           db,
		cache:           cache,
		defaultCacheTTL: config.CacheTTL,
	}, nil
}

func (t *tkv) Close() error {
	var firstErr error

	if t.cache != nil {
		t.cache.Stop()
		t.logger.Debug("ttl cache stopped")
	}

	if err := t.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		firstErr = &ErrInternal{Err: err}
	}

	return firstErr
}

func (t *tkv) Get(key string) ([]byte, error) {
	var value []byte
	err := t.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *tkv) Set(key string, value []byte) error {
	return t.store.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), value); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) SetNX(key string, value []byte) error {
	return t.store.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return &ErrKeyExists{Key: key}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set([]byte(key), value); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Delete(key string) error {
	return t.store.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

// Swap runs fn against the current value of key inside a single update
// transaction. Badger retries the transaction on conflict with concurrent
// writers, so read-modify-write sequences expressed through Swap are
// atomic with respect to each other.
func (t *tkv) Swap(key string, fn SwapFn) error {
	return t.store.Update(func(txn *badger.Txn) error {
		var old []byte
		found := true

		item, err := txn.Get([]byte(key))
		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrInternal{Err: err}
			}
			found = false
		} else {
			old, err = item.ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
		}

		next, err := fn(old, found)
		if err != nil {
			return err
		}

		if next == nil {
			if !found {
				return nil
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return &ErrInternal{Err: err}
			}
			return nil
		}

		if err := txn.Set([]byte(key), next); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) IteratePrefix(prefix string, offset int, limit int) ([]KV, error) {
	var out []KV
	err := t.store.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		skipped := 0
		collected := 0

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			out = append(out, KV{Key: string(item.Key()), Value: value})
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tkv) IterateKeys(prefix string, offset int, limit int) ([]string, error) {
	var keys []string
	err := t.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		skipped := 0
		collected := 0

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			keys = append(keys, string(it.Item().Key()))
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (t *tkv) BatchSet(entries []BatchEntry) error {
	if len(entries) == 0 {
		return nil
	}

	wb := t.store.NewWriteBatch()
	defer wb.Cancel()

	for _, entry := range entries {
		if entry.Key == "" {
			t.logger.Warn("BatchSet encountered an entry with an empty key, skipping")
			continue
		}
		if err := wb.Set([]byte(entry.Key), entry.Value); err != nil {
			return &ErrInternal{Err: err}
		}
	}

	if err := wb.Flush(); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

func (t *tkv) BatchDelete(keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	wb := t.store.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if key == "" {
			t.logger.Warn("BatchDelete encountered an empty key, skipping")
			continue
		}
		if err := wb.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
	}

	if err := wb.Flush(); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

// -------------------------- CACHE

func (t *tkv) CacheGet(key string) ([]byte, error) {
	item := t.cache.Get(key)
	if item == nil {
		return nil, &ErrKeyNotFound{Key: key}
	}
	if item.IsExpired() {
		t.cache.Delete(key)
		return nil, &ErrKeyNotFound{Key: key}
	}
	return item.Value(), nil
}

func (t *tkv) CacheSet(key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = t.defaultCacheTTL
	}
	t.cache.Set(key, value, ttl)
	return nil
}

func (t *tkv) CacheDelete(key string) error {
	t.cache.Delete(key)
	return nil
}

func (t *tkv) GetDataDB() *badger.DB {
	return t.store
}

func (t *tkv) GetCache() *ttlcache.Cache[string, []byte] {
	return t.cache
}
