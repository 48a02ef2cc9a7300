// Package content implements the content-addressable deduplication layer.
// Payloads are keyed by the blake3 digest of their exact bytes and carry a
// reference count; two nodes with byte-identical content always share one
// payload record.
package content

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/StrataLabs/strata/db/tkv"
)

const keyPrefix = "content:"

// Payload is the persisted record for one unique byte sequence.
type Payload struct {
	Digest    string    `json:"digest"`
	Data      []byte    `json:"data"`
	Size      int64     `json:"size"`
	IsBinary  bool      `json:"is_binary"`
	LineCount int       `json:"line_count"`
	RefCount  int64     `json:"ref_count"`
	CreatedAt time.Time `json:"created_at"`
}

type Config struct {
	TKV    tkv.TKV
	Logger *slog.Logger
}

// Store is the dedup layer. It never deletes payloads on its own; RemoveRef
// only reports when a payload's count reaches zero, and the caller decides
// when to Purge.
type Store struct {
	kv     tkv.TKV
	logger *slog.Logger
}

func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     cfg.TKV,
		logger: logger.WithGroup("content"),
	}
}

// Digest returns the blake3 hex digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func payloadKey(digest string) string {
	return keyPrefix + digest
}

// Put stores data if its digest is new and increments the reference count
// either way. The create-or-increment runs in one store transaction, so
// two writers racing on the same new digest cannot double-store or
// under-count.
func (s *Store) Put(data []byte) (string, error) {
	digest := Digest(data)

	err := s.kv.Swap(payloadKey(digest), func(old []byte, found bool) ([]byte, error) {
		var p Payload
		if found {
			if err := json.Unmarshal(old, &p); err != nil {
				return nil, fmt.Errorf("corrupt payload record %s: %w", digest, err)
			}
			p.RefCount++
		} else {
			stored := make([]byte, len(data))
			copy(stored, data)
			p = Payload{
				Digest:    digest,
				Data:      stored,
				Size:      int64(len(data)),
				IsBinary:  !utf8.Valid(data),
				LineCount: bytes.Count(data, []byte{'\n'}),
				RefCount:  1,
				CreatedAt: time.Now().UTC(),
			}
		}
		return json.Marshal(&p)
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("content stored or referenced", "digest", digest, "bytes", len(data))
	return digest, nil
}

// Get returns the stored bytes for digest.
func (s *Store) Get(digest string) ([]byte, error) {
	raw, err := s.kv.Get(payloadKey(digest))
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("corrupt payload record %s: %w", digest, err)
	}
	return p.Data, nil
}

// Stat returns the payload record without its bytes.
func (s *Store) Stat(digest string) (*Payload, error) {
	raw, err := s.kv.Get(payloadKey(digest))
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("corrupt payload record %s: %w", digest, err)
	}
	p.Data = nil
	return &p, nil
}

// AddRef increments the reference count for an existing digest.
func (s *Store) AddRef(digest string) error {
	return s.adjustRef(digest, 1)
}

// RemoveRef decrements the reference count. It returns true exactly when
// the count reaches zero: the signal for the caller to purge. The record
// itself stays in place.
func (s *Store) RemoveRef(digest string) (bool, error) {
	var zero bool
	err := s.kv.Swap(payloadKey(digest), func(old []byte, found bool) ([]byte, error) {
		if !found {
			return nil, &tkv.ErrKeyNotFound{Key: digest}
		}
		var p Payload
		if err := json.Unmarshal(old, &p); err != nil {
			return nil, fmt.Errorf("corrupt payload record %s: %w", digest, err)
		}
		if p.RefCount > 0 {
			p.RefCount--
		}
		zero = p.RefCount == 0
		return json.Marshal(&p)
	})
	if err != nil {
		return false, err
	}
	return zero, nil
}

// Purge deletes the payload record. Callers are expected to have observed a
// zero reference count first; purging a referenced digest breaks the
// deduplication contract.
func (s *Store) Purge(digest string) error {
	return s.kv.Delete(payloadKey(digest))
}

// ZeroRefDigests scans for payloads whose reference count reached zero.
// Used by the garbage-collection pass.
func (s *Store) ZeroRefDigests() ([]string, error) {
	kvs, err := s.kv.IteratePrefix(keyPrefix, 0, 0)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, kv := range kvs {
		var p Payload
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			s.logger.Warn("skipping corrupt payload record", "key", kv.Key, "error", err)
			continue
		}
		if p.RefCount == 0 {
			out = append(out, p.Digest)
		}
	}
	return out, nil
}

func (s *Store) adjustRef(digest string, delta int64) error {
	return s.kv.Swap(payloadKey(digest), func(old []byte, found bool) ([]byte, error) {
		if !found {
			return nil, &tkv.ErrKeyNotFound{Key: digest}
		}
		var p Payload
		if err := json.Unmarshal(old, &p); err != nil {
			return nil, fmt.Errorf("corrupt payload record %s: %w", digest, err)
		}
		p.RefCount += delta
		if p.RefCount < 0 {
			p.RefCount = 0
		}
		return json.Marshal(&p)
	})
}
