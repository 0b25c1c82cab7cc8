package kvbind

import "sync/atomic"

// Snapshot is a point-in-time read view. Attach it to reads with
// UseSnapshot and release it when done; it must not outlive its DB.
//
// On bolt a snapshot pins the file's memory map: writes that might grow the
// file past it fail with ErrBusy until the snapshot is released.
type Snapshot struct {
	db       *DB
	native   nativeSnapshot
	released atomic.Bool
}

// Snapshot captures the current state of the database.
func (db *DB) Snapshot() (*Snapshot, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	ns, err := db.native.snapshot()
	if err != nil {
		return nil, err
	}
	return &Snapshot{db: db, native: ns}, nil
}

// Release frees the snapshot. Releasing twice returns ErrSnapshotReleased.
func (s *Snapshot) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return ErrSnapshotReleased
	}
	if s.db.closed.Load() {
		return nil
	}
	s.native.release()
	return nil
}

func (s *Snapshot) nativeHandle() (nativeSnapshot, error) {
	if s == nil {
		return nil, nil
	}
	if s.released.Load() {
		return nil, ErrSnapshotReleased
	}
	if s.db.closed.Load() {
		return nil, ErrClosed
	}
	return s.native, nil
}
