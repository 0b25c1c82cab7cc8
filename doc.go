/*
Package kvbind is a uniform handle over embedded ordered key-value engines:
goleveldb, Bolt, modernc kv, SQLite and an in-memory engine for tests.

We implement:

1. Option lists, passed to engines by name. Unknown names are ignored and
reported at debug level; path options given as strings are converted to
bytes and deduplicated before an engine sees them.

2. A value codec. PutValue serializes Go values (MsgPack by default, or
CBOR or JSON); the decode read option turns stored bytes back into generic
Go values. Raw []byte values are stored as is.

3. Streams, lazy ordered traversals of keys or key/value pairs, forward or
reversed, optionally starting from a key. A stream owns one native cursor,
acquired on the first Next and closed exactly once when the stream ends,
fails or is closed.

4. Column families, snapshots and write batches, mapped onto whatever the
engine offers.

# Technical Details

**Column families.**
Bolt stores each column family in its own bucket. Flat engines (leveldb, kv, sqlite)
simulate them with key prefixes: the registry key "\x00cf\x00" + name marks
a family as existing, and its data lives under "\x01" + name + "\x00".

**Snapshots.**
leveldb and memory snapshots are native; an SQLite snapshot is a read
transaction on a WAL-mode file. A Bolt snapshot is a read-only
transaction, so Bolt refuses to close (ErrBusy) while one is held. bbolt
cannot grow its memory map while any read transaction is open, so a write
that might outgrow the map (64 MiB unless mmap_size says otherwise) while a
snapshot is held fails with ErrBusy too. Bolt streams without a snapshot
hold no transaction between moves. kv has no snapshots and returns
ErrNotSupported.

**Counting.**
Count is exact on bolt, kv, sqlite and memory. On leveldb it counts up to 1000 keys
and extrapolates beyond that from the approximate on-disk size.
*/
package kvbind
