package kvbind

type batchOpKind int

const (
	batchPut batchOpKind = iota
	batchDelete
)

type batchOp struct {
	cf    nativeCF
	kind  batchOpKind
	key   []byte
	value []byte
}

// Batch collects puts and deletes that DB.Write applies atomically. A batch
// is bound to the DB that created it and is not safe for concurrent use.
type Batch struct {
	db  *DB
	ops []batchOp
	err error
}

// NewBatch starts an empty batch.
func (db *DB) NewBatch() *Batch {
	return &Batch{db: db}
}

func (b *Batch) PutRaw(key, value []byte) {
	b.ops = append(b.ops, batchOp{cf: b.db.defaultCF, kind: batchPut, key: key, value: value})
}

func (b *Batch) PutRawCF(cf *ColumnFamily, key, value []byte) {
	h, err := cf.nativeHandle(b.db)
	if err != nil {
		b.fail(err)
		return
	}
	b.ops = append(b.ops, batchOp{cf: h, kind: batchPut, key: key, value: value})
}

// PutValue serializes v with the database's encoding. An encoding error is
// remembered and returned by DB.Write.
func (b *Batch) PutValue(key []byte, v any) {
	data, err := b.db.encoding.Encode(v)
	if err != nil {
		b.fail(err)
		return
	}
	b.PutRaw(key, data)
}

func (b *Batch) PutValueCF(cf *ColumnFamily, key []byte, v any) {
	data, err := b.db.encoding.Encode(v)
	if err != nil {
		b.fail(err)
		return
	}
	b.PutRawCF(cf, key, data)
}

// Delete removes key from the default column family.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{cf: b.db.defaultCF, kind: batchDelete, key: key})
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset empties the batch so it can be reused.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
	b.err = nil
}

func (b *Batch) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}
