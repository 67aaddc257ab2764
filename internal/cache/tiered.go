package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/charmbracelet/log"
)

// Tier is one cache level.
type Tier interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte) error
}

// Tiered checks L1 then L2 and promotes L2 hits into L1. L2 may be nil.
type Tiered struct {
	L1 Tier
	L2 Tier
}

// Get looks the key up in every tier.
func (t *Tiered) Get(key string) ([]byte, bool) {
	if v, ok := t.L1.Get(key); ok {
		return v, true
	}
	if t.L2 == nil {
		return nil, false
	}
	v, ok := t.L2.Get(key)
	if ok {
		_ = t.L1.Put(key, v)
	}
	return v, ok
}

// Put writes through to every tier. L1 overflow is ignored; L2 errors are logged.
func (t *Tiered) Put(key string, value []byte) error {
	if err := t.L1.Put(key, value); err != nil && err != ErrItemTooLarge {
		return err
	}
	if t.L2 != nil {
		if err := t.L2.Put(key, value); err != nil {
			log.Warn("cache: l2 put failed", "err", err)
		}
	}
	return nil
}

// Key derives a stable cache key from its parts.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
