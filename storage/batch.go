package storage

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrBatchCommitted is returned when a batch is used after Commit.
var ErrBatchCommitted = errors.New("storage: batch already committed")

// Op is one staged write. A nil Value deletes Key.
type Op struct {
	Key   []byte
	Value []byte
}

// Batcher is implemented by databases that can apply several writes
// atomically.
type Batcher interface {
	WriteBatch(ops []Op) error
}

// Batch stages writes over a Database. Reads see staged writes first. Commit
// applies them in order, atomically when the base implements Batcher.
// A Batch is not safe for concurrent use.
type Batch struct {
	base      Database
	pending   map[string]int
	ops       []Op
	committed bool
}

// NewBatch starts a batch over base.
func NewBatch(base Database) *Batch {
	return &Batch{base: base, pending: make(map[string]int)}
}

func (b *Batch) stage(key, value []byte) error {
	if b.committed {
		return ErrBatchCommitted
	}
	op := Op{Key: append([]byte(nil), key...)}
	if value != nil {
		op.Value = append([]byte{}, value...)
	}
	if idx, ok := b.pending[string(key)]; ok {
		b.ops[idx] = op
		return nil
	}
	b.pending[string(key)] = len(b.ops)
	b.ops = append(b.ops, op)
	return nil
}

// Put stages key=value.
func (b *Batch) Put(key []byte, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return b.stage(key, value)
}

// Delete stages the removal of key.
func (b *Batch) Delete(key []byte) error {
	return b.stage(key, nil)
}

// Get returns the staged value for key, falling back to the base database.
func (b *Batch) Get(key []byte) ([]byte, error) {
	if idx, ok := b.pending[string(key)]; ok {
		op := b.ops[idx]
		if op.Value == nil {
			return nil, ErrNotFound
		}
		return append([]byte(nil), op.Value...), nil
	}
	return b.base.Get(key)
}

// Len reports the number of distinct staged keys.
func (b *Batch) Len() int { return len(b.ops) }

// Commit writes the staged operations to the base database.
func (b *Batch) Commit() error {
	if b.committed {
		return ErrBatchCommitted
	}
	b.committed = true
	if len(b.ops) == 0 {
		return nil
	}
	if batcher, ok := b.base.(Batcher); ok {
		return batcher.WriteBatch(b.ops)
	}
	for _, op := range b.ops {
		var err error
		if op.Value == nil {
			err = b.base.Delete(op.Key)
		} else {
			err = b.base.Put(op.Key, op.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close discards anything not yet committed. The base is left open.
func (b *Batch) Close() {
	b.ops = nil
	b.pending = map[string]int{}
}

// WriteBatch applies ops under a single lock.
func (db *MemDB) WriteBatch(ops []Op) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, op := range ops {
		if op.Value == nil {
			delete(db.data, string(op.Key))
			continue
		}
		db.data[string(op.Key)] = append([]byte(nil), op.Value...)
	}
	return nil
}

// WriteBatch applies ops as one LevelDB batch.
func (ldb *LevelDB) WriteBatch(ops []Op) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		if op.Value == nil {
			batch.Delete(op.Key)
			continue
		}
		batch.Put(op.Key, op.Value)
	}
	return ldb.db.Write(batch, nil)
}
