package storage

import (
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// kvStore adapts a raw goleveldb handle to go-ethereum's key-value store
// interface so the trie database can share the node's LevelDB file. Closing
// is owned by the wrapping LevelDB, not the adapter.
type kvStore struct {
	db *leveldb.DB
}

var _ ethdb.KeyValueStore = (*kvStore)(nil)

func (s *kvStore) Has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

func (s *kvStore) Get(key []byte) ([]byte, error) {
	return s.db.Get(key, nil)
}

func (s *kvStore) Put(key []byte, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *kvStore) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

func (s *kvStore) DeleteRange(start, end []byte) error {
	iter := s.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *kvStore) NewBatch() ethdb.Batch {
	return &kvBatch{store: s, batch: new(leveldb.Batch)}
}

func (s *kvStore) NewBatchWithSize(size int) ethdb.Batch {
	return &kvBatch{store: s, batch: leveldb.MakeBatch(size)}
}

// NewIterator iterates the keyspace restricted to the given prefix, starting
// at the first key at or after prefix+start.
func (s *kvStore) NewIterator(prefix []byte, start []byte) ethdb.Iterator {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return s.db.NewIterator(r, nil)
}

func (s *kvStore) Stat() (string, error) {
	return s.db.GetProperty("leveldb.stats")
}

func (s *kvStore) Compact(start []byte, limit []byte) error {
	return s.db.CompactRange(util.Range{Start: start, Limit: limit})
}

func (s *kvStore) SyncKeyValue() error {
	// goleveldb has no standalone fsync; a synced write of the sentinel
	// flushes the write-ahead log up to this point.
	return s.db.Put([]byte("flat/sync-marker"), nil, &opt.WriteOptions{Sync: true})
}

func (s *kvStore) Close() error {
	// The owning LevelDB wrapper closes the handle.
	return nil
}

type kvBatch struct {
	store  *kvStore
	batch  *leveldb.Batch
	ranges [][2][]byte
	size   int
}

func (b *kvBatch) Put(key, value []byte) error {
	b.batch.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *kvBatch) Delete(key []byte) error {
	b.batch.Delete(key)
	b.size += len(key)
	return nil
}

func (b *kvBatch) DeleteRange(start, end []byte) error {
	b.ranges = append(b.ranges, [2][]byte{
		append([]byte(nil), start...),
		append([]byte(nil), end...),
	})
	b.size += len(start) + len(end)
	return nil
}

func (b *kvBatch) ValueSize() int {
	return b.size
}

func (b *kvBatch) Write() error {
	for _, r := range b.ranges {
		if err := b.store.DeleteRange(r[0], r[1]); err != nil {
			return err
		}
	}
	return b.store.db.Write(b.batch, nil)
}

func (b *kvBatch) Reset() {
	b.batch.Reset()
	b.ranges = nil
	b.size = 0
}

func (b *kvBatch) Replay(w ethdb.KeyValueWriter) error {
	r := &batchReplayer{writer: w}
	if err := b.batch.Replay(r); err != nil {
		return err
	}
	return r.err
}

// batchReplayer bridges goleveldb's error-less replay callbacks onto the
// error-returning writer interface.
type batchReplayer struct {
	writer ethdb.KeyValueWriter
	err    error
}

func (r *batchReplayer) Put(key, value []byte) {
	if r.err != nil {
		return
	}
	r.err = r.writer.Put(key, value)
}

func (r *batchReplayer) Delete(key []byte) {
	if r.err != nil {
		return
	}
	r.err = r.writer.Delete(key)
}
