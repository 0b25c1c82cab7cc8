package kvbind

import (
	"errors"
	"log/slog"
	"sync"
)

const countingEngineName Engine = "counting"

func init() {
	registerEngine(countingEngineName, countingEngine{})
}

var errInjected = errors.New("injected cursor failure")

// cursorStats records what streams did to the cursors of one database.
type cursorStats struct {
	mu              sync.Mutex
	opened          int
	closed          int
	moves           int
	movesAfterClose int
	// failAt makes the n-th move (1-based) of any cursor fail; 0 disables.
	failAt int
}

func (s *cursorStats) snapshot() (opened, closed, moves, movesAfterClose int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.closed, s.moves, s.movesAfterClose
}

var (
	countingStatsMu sync.Mutex
	countingStats   = make(map[string]*cursorStats)
)

func statsFor(path string) *cursorStats {
	countingStatsMu.Lock()
	defer countingStatsMu.Unlock()
	s := countingStats[path]
	if s == nil {
		s = &cursorStats{}
		countingStats[path] = s
	}
	return s
}

// countingEngine is the memory engine with every cursor instrumented.
type countingEngine struct{}

func (countingEngine) open(req openRequest) (nativeDB, []nativeCF, error) {
	ndb, cfs, err := memEngine{}.open(req)
	if err != nil {
		return nil, nil, err
	}
	return &countingDB{nativeDB: ndb, stats: statsFor(string(req.Path))}, cfs, nil
}

func (countingEngine) destroy(path []byte, opts Options, logger *slog.Logger) error {
	return memEngine{}.destroy(path, opts, logger)
}

func (countingEngine) repair(path []byte, opts Options, logger *slog.Logger) error {
	return memEngine{}.repair(path, opts, logger)
}

type countingDB struct {
	nativeDB
	stats *cursorStats
}

func (db *countingDB) newCursor(cf nativeCF, ro Options, mode cursorMode) (nativeCursor, error) {
	c, err := db.nativeDB.newCursor(cf, ro, mode)
	if err != nil {
		return nil, err
	}
	db.stats.mu.Lock()
	db.stats.opened++
	db.stats.mu.Unlock()
	return &countingCursor{inner: c, stats: db.stats}, nil
}

type countingCursor struct {
	inner  nativeCursor
	stats  *cursorStats
	moves  int
	closed bool
}

func (c *countingCursor) move(d directive, target []byte) ([]byte, []byte, bool, error) {
	c.stats.mu.Lock()
	c.stats.moves++
	if c.closed {
		c.stats.movesAfterClose++
	}
	failAt := c.stats.failAt
	c.stats.mu.Unlock()

	c.moves++
	if failAt > 0 && c.moves >= failAt {
		return nil, nil, false, errInjected
	}
	return c.inner.move(d, target)
}

func (c *countingCursor) close() error {
	c.stats.mu.Lock()
	c.stats.closed++
	c.stats.mu.Unlock()
	c.closed = true
	return c.inner.close()
}
