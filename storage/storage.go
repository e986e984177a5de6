// Package storage persists admitted pool transactions in leveldb so the pool
// can be replayed after a restart.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/goccy/go-json"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// Key layout:
//
//	t/<id>                     -> JSON StoredTransaction
//	h/<height:be64>/<id>       -> empty, height index
var (
	txPrefix     = []byte("t/")
	heightPrefix = []byte("h/")
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("storage is closed")

// Config configures the leveldb store.
type Config struct {
	Path string `mapstructure:"path"`
	// Sync forces an fsync on every write.
	Sync bool `mapstructure:"sync"`
	// CacheSize sizes the leveldb block cache; zero keeps the leveldb default.
	CacheSize datasize.ByteSize `mapstructure:"cache_size"`
}

// Store is a single-writer leveldb log of pooled transactions.
type Store struct {
	db     *leveldb.DB
	wo     *opt.WriteOptions
	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	o := &opt.Options{}
	if cfg.CacheSize > 0 {
		o.BlockCacheCapacity = int(cfg.CacheSize.Bytes())
	}
	db, err := leveldb.OpenFile(cfg.Path, o)
	if err != nil {
		return nil, fmt.Errorf("open pool storage %s: %w", cfg.Path, err)
	}
	return &Store{db: db, wo: &opt.WriteOptions{Sync: cfg.Sync}}, nil
}

// OpenMemory opens a store that lives only in memory.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, wo: &opt.WriteOptions{}}, nil
}

func txKey(id string) []byte {
	return append(append([]byte{}, txPrefix...), id...)
}

func heightKey(height uint64, id string) []byte {
	k := make([]byte, 0, len(heightPrefix)+8+1+len(id))
	k = append(k, heightPrefix...)
	k = binary.BigEndian.AppendUint64(k, height)
	k = append(k, '/')
	return append(k, id...)
}

// AddTransaction writes rec and its height index atomically.
func (s *Store) AddTransaction(rec *engine.StoredTransaction) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	batch := new(leveldb.Batch)
	batch.Put(txKey(rec.ID), value)
	batch.Put(heightKey(rec.Height, rec.ID), nil)
	return s.write(batch)
}

// RemoveTransactions deletes the records of ids. Unknown ids are ignored.
func (s *Store) RemoveTransactions(ids ...string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	batch := new(leveldb.Batch)
	for _, id := range ids {
		rec, err := s.get(id)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		batch.Delete(txKey(id))
		batch.Delete(heightKey(rec.Height, id))
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch, s.wo)
}

// GetTransaction returns the record of id.
func (s *Store) GetTransaction(id string) (*engine.StoredTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, err := s.get(id)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, engine.ErrNotFound
	}
	return rec, err
}

func (s *Store) get(id string) (*engine.StoredTransaction, error) {
	value, err := s.db.Get(txKey(id), nil)
	if err != nil {
		return nil, err
	}
	rec := &engine.StoredTransaction{}
	if err := json.Unmarshal(value, rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

// GetAllTransactions returns every record ordered by admission height.
func (s *Store) GetAllTransactions() ([]*engine.StoredTransaction, error) {
	return s.scanHeights(nil)
}

// GetTransactionsBelowHeight returns records admitted strictly below height.
func (s *Store) GetTransactionsBelowHeight(height uint64) ([]*engine.StoredTransaction, error) {
	limit := binary.BigEndian.AppendUint64(append([]byte{}, heightPrefix...), height)
	return s.scanHeights(limit)
}

func (s *Store) scanHeights(limit []byte) ([]*engine.StoredTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	r := util.BytesPrefix(heightPrefix)
	if limit != nil {
		r.Limit = limit
	}
	it := s.db.NewIterator(r, nil)
	defer it.Release()

	var out []*engine.StoredTransaction
	for it.Next() {
		key := it.Key()
		if len(key) <= len(heightPrefix)+9 {
			continue
		}
		id := string(key[len(heightPrefix)+9:])
		rec, err := s.get(id)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, it.Error()
}

// Clear deletes every record.
func (s *Store) Clear() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{txPrefix, heightPrefix} {
		it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	return s.db.Write(batch, s.wo)
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	it := s.db.NewIterator(util.BytesPrefix(txPrefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (s *Store) write(batch *leveldb.Batch) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Write(batch, s.wo)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
