package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

// DiskOptions configures the badger-backed tier.
type DiskOptions struct {
	// Dir holds the badger files. Empty with InMemory set runs without disk.
	Dir      string
	InMemory bool
	// TTL expires entries; zero keeps them forever.
	TTL time.Duration
	// Level is the zstd level (1..22); zero disables compression.
	Level int
}

// Disk is a persistent audio cache with zstd-compressed values.
type Disk struct {
	db  *badger.DB
	ttl time.Duration

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	stats Stats
}

// OpenDisk opens (or creates) the cache database.
func OpenDisk(opts DiskOptions) (*Disk, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("cache: disk dir is required")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{log.WithPrefix("badger")})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}
	d := &Disk{db: db, ttl: opts.TTL}
	if opts.Level > 0 {
		d.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)))
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cache: zstd encoder: %w", err)
		}
		d.decoder, err = zstd.NewReader(nil)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cache: zstd decoder: %w", err)
		}
	}
	return d, nil
}

// Get returns the decompressed value.
func (d *Disk) Get(key string) ([]byte, bool) {
	var raw []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			log.Warn("cache: disk get failed", "err", err)
		}
		d.count(false)
		return nil, false
	}
	if d.decoder != nil {
		out, err := d.decoder.DecodeAll(raw, nil)
		if err != nil {
			log.Warn("cache: corrupt entry", "err", err)
			d.count(false)
			return nil, false
		}
		raw = out
	}
	d.count(true)
	return raw, true
}

// Put stores value, compressed when a level was configured.
func (d *Disk) Put(key string, value []byte) error {
	data := value
	if d.encoder != nil {
		data = d.encoder.EncodeAll(value, make([]byte, 0, len(value)))
	}
	return d.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data)
		if d.ttl > 0 {
			e = e.WithTTL(d.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (d *Disk) count(hit bool) {
	d.mu.Lock()
	if hit {
		d.stats.Hits++
	} else {
		d.stats.Misses++
	}
	d.mu.Unlock()
}

// Stats returns hit/miss counters.
func (d *Disk) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close releases the database and codecs.
func (d *Disk) Close() error {
	if d.encoder != nil {
		_ = d.encoder.Close()
	}
	if d.decoder != nil {
		d.decoder.Close()
	}
	return d.db.Close()
}

// badgerLogger routes badger's chatter to the structured logger; info is demoted to debug.
type badgerLogger struct{ l *log.Logger }

func (b badgerLogger) Errorf(f string, args ...interface{})   { b.l.Errorf(f, args...) }
func (b badgerLogger) Warningf(f string, args ...interface{}) { b.l.Warnf(f, args...) }
func (b badgerLogger) Infof(f string, args ...interface{})    { b.l.Debugf(f, args...) }
func (b badgerLogger) Debugf(f string, args ...interface{})   { b.l.Debugf(f, args...) }
