// Package tkv is the backing-store boundary: a transactional key-value
// store over badger with a TTL side cache. Everything the engine persists
// (nodes, workspaces, content payloads, change records) goes through this
// interface, so any store offering get, set, prefix scan, and conditional
// update could replace it.
package tkv

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

type Config struct {
	Logger         *slog.Logger
	Directory      string
	InMemory       bool
	BadgerLogLevel slog.Level
	AppCtx         context.Context
	CacheTTL       time.Duration
}

type KV struct {
	Key   string
	Value []byte
}

type BatchEntry struct {
	Key   string
	Value []byte
}

// SwapFn receives the current value of a key (found=false when absent) and
// returns the replacement. Returning nil deletes the key. The whole
// exchange runs inside one store transaction, which makes Swap the
// primitive for optimistic version checks and atomic reference-count
// updates.
type SwapFn func(old []byte, found bool) ([]byte, error)

type DataHandler interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	SetNX(key string, value []byte) error
	Delete(key string) error
	Swap(key string, fn SwapFn) error
	IteratePrefix(prefix string, offset int, limit int) ([]KV, error)
	IterateKeys(prefix string, offset int, limit int) ([]string, error)
}

type BatchHandler interface {
	BatchSet(entries []BatchEntry) error
	BatchDelete(keys []string) error
}

type CacheHandler interface {
	CacheGet(key string) ([]byte, error)
	CacheSet(key string, value []byte, ttl time.Duration) error
	CacheDelete(key string) error
}

type TKV interface {
	DataHandler
	BatchHandler
	CacheHandler

	Close() error

	GetDataDB() *badger.DB
	GetCache() *ttlcache.Cache[string, []byte]
}
