// Package storage persists the exchange set in LevelDB.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/defistate/defistate-dex-go/protocols/dex"
	"github.com/syndtr/goleveldb/leveldb"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	exchangePrefix = []byte("ex/")
	sequenceKey    = []byte("meta/seq")
)

// ErrClosed is returned when the store is used after Close.
var ErrClosed = leveldb.ErrClosed

// ExchangeStore is a LevelDB-backed record of every exchange plus the sequence
// number of the last committed change.
type ExchangeStore struct {
	db *leveldb.DB
}

// OpenLevelDB creates or opens a store at path.
func OpenLevelDB(path string) (*ExchangeStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &ExchangeStore{db: db}, nil
}

// OpenMemory creates a store that lives only in memory.
func OpenMemory() (*ExchangeStore, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return &ExchangeStore{db: db}, nil
}

// LoadAll returns every stored exchange ordered by asset id, and the last committed sequence.
// An empty store returns no exchanges and sequence zero.
func (s *ExchangeStore) LoadAll() ([]dex.Exchange, uint64, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, 0, err
	}
	defer snap.Release()

	var seq uint64
	raw, err := snap.Get(sequenceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, 0, fmt.Errorf("read sequence: %w", err)
	default:
		if len(raw) != 8 {
			return nil, 0, fmt.Errorf("corrupt sequence record of %d bytes", len(raw))
		}
		seq = binary.BigEndian.Uint64(raw)
	}

	iter := snap.NewIterator(util.BytesPrefix(exchangePrefix), nil)
	defer iter.Release()

	exchanges := []dex.Exchange{}
	for iter.Next() {
		var ex dex.Exchange
		if err := json.Unmarshal(iter.Value(), &ex); err != nil {
			return nil, 0, fmt.Errorf("decode exchange at key %x: %w", iter.Key(), err)
		}
		exchanges = append(exchanges, ex)
	}
	if err := iter.Error(); err != nil {
		return nil, 0, fmt.Errorf("iterate exchanges: %w", err)
	}
	return exchanges, seq, nil
}

// Commit applies diff and records seq in a single atomic batch.
func (s *ExchangeStore) Commit(seq uint64, diff dex.ExchangeSystemDiff) error {
	batch := new(leveldb.Batch)
	for _, id := range diff.Deletions {
		batch.Delete(exchangeKey(id))
	}
	for _, ex := range diff.Updates {
		if err := putExchange(batch, ex); err != nil {
			return err
		}
	}
	for _, ex := range diff.Additions {
		if err := putExchange(batch, ex); err != nil {
			return err
		}
	}
	batch.Put(sequenceKey, encodeSequence(seq))
	return s.db.Write(batch, nil)
}

// Close releases the underlying database.
func (s *ExchangeStore) Close() error {
	return s.db.Close()
}

func exchangeKey(id dex.AssetID) []byte {
	key := make([]byte, len(exchangePrefix)+4)
	copy(key, exchangePrefix)
	binary.BigEndian.PutUint32(key[len(exchangePrefix):], uint32(id))
	return key
}

func putExchange(batch *leveldb.Batch, ex dex.Exchange) error {
	value, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("encode exchange %d: %w", ex.AssetID, err)
	}
	batch.Put(exchangeKey(ex.AssetID), value)
	return nil
}

func encodeSequence(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
