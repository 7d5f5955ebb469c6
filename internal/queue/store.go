package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/lifelens/lifelens-agent/pkg/types"
)

// Defaults applied when Config fields are zero.
const (
	DefaultCapacity         = 10000
	DefaultPersistThreshold = 100
)

// numTiers is the number of priority tiers (PriorityLow..PriorityCritical).
const numTiers = int(types.PriorityCritical) + 1

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
// The new entry has been dropped; the caller records the failure.
var ErrQueueFull = errors.New("queue: at capacity, new entry dropped")

const schema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	packet       BLOB    NOT NULL,
	retry_count  INTEGER NOT NULL,
	queued_at    INTEGER NOT NULL,
	last_attempt INTEGER
);
`

// Config holds the parameters for opening a queue store.
type Config struct {
	// Path is the SQLite database file. Empty disables the durable
	// mirror (memory-only, used in tests).
	Path string

	// Capacity bounds the total in-memory entry count across all tiers.
	Capacity int

	// PersistThreshold is the number of unflushed mutations that
	// triggers a write-behind snapshot flush.
	PersistThreshold int
}

// Store is the durable delivery queue. All methods are safe for
// concurrent use; every mutation is serialized by one mutex, which is the
// at-most-one-concurrent-mutation guarantee the dispatcher relies on.
type Store struct {
	capacity  int
	threshold int

	mu    sync.Mutex
	tiers [numTiers][]*types.QueueEntry
	size  int
	dirty int // mutations since last flush

	pool     *sqlitex.Pool // nil in memory-only / degraded mode
	degraded bool
}

// Open creates the store, opening (and if needed creating) the SQLite
// mirror and rehydrating any entries persisted by a previous run. A
// mirror that cannot be opened is logged and the store starts degraded
// rather than failing: losing durability is preferable to refusing
// telemetry.
func Open(cfg Config) (*Store, error) {
	s := &Store{
		capacity:  cfg.Capacity,
		threshold: cfg.PersistThreshold,
	}
	if s.capacity <= 0 {
		s.capacity = DefaultCapacity
	}
	if s.threshold <= 0 {
		s.threshold = DefaultPersistThreshold
	}

	if cfg.Path == "" {
		return s, nil
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    1, // all access is serialized under s.mu anyway
		PrepareConn: prepareConnection,
	})
	if err != nil {
		slog.Error("queue: cannot open durable mirror, running memory-only",
			"path", cfg.Path, "err", err)
		s.degraded = true
		return s, nil
	}
	s.pool = pool

	if err := s.loadAll(); err != nil {
		slog.Error("queue: cannot rehydrate durable mirror, running memory-only",
			"path", cfg.Path, "err", err)
		pool.Close()
		s.pool = nil
		s.degraded = true
	}
	return s, nil
}

// prepareConnection applies the standard pragmas and creates the schema.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("queue: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("queue: create schema: %w", err)
	}
	return nil
}

// Enqueue appends a new entry to its priority tier. Returns ErrQueueFull
// at capacity. Crossing the persistence threshold flushes the snapshot.
func (s *Store) Enqueue(e *types.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size >= s.capacity {
		return ErrQueueFull
	}
	s.pushLocked(e)
	s.dirty++
	s.maybeFlushLocked()
	return nil
}

// Requeue returns an entry the dispatcher took for an attempt. Unlike
// Enqueue it always admits: the entry was already accepted once and has
// survived at least one attempt, so it is not shed even at capacity.
func (s *Store) Requeue(e *types.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(e)
	s.dirty++
	s.maybeFlushLocked()
}

// pushLocked appends e to the back of its tier. Caller holds mu.
func (s *Store) pushLocked(e *types.QueueEntry) {
	tier := int(e.Packet.Priority)
	if tier < 0 || tier >= numTiers {
		tier = int(types.PriorityNormal)
	}
	s.tiers[tier] = append(s.tiers[tier], e)
	s.size++
}

// DequeueBatch removes and returns up to maxCount entries, highest
// priority tier first, FIFO within each tier.
func (s *Store) DequeueBatch(maxCount int) []*types.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.QueueEntry
	for tier := numTiers - 1; tier >= 0 && len(out) < maxCount; tier-- {
		n := maxCount - len(out)
		if n > len(s.tiers[tier]) {
			n = len(s.tiers[tier])
		}
		if n == 0 {
			continue
		}
		out = append(out, s.tiers[tier][:n]...)
		s.tiers[tier] = append(s.tiers[tier][:0:0], s.tiers[tier][n:]...)
		s.size -= n
		s.dirty += n
	}
	return out
}

// Len returns the current queue depth.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// MaxSequence returns the highest sequence number among queued packets,
// or zero when the queue is empty. Used after rehydration to resume
// numbering past anything still awaiting delivery.
func (s *Store) MaxSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	for _, tier := range s.tiers {
		for _, e := range tier {
			if e.Packet.SequenceNumber > max {
				max = e.Packet.SequenceNumber
			}
		}
	}
	return max
}

// Degraded reports whether the durable mirror is unavailable.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// PersistAll atomically replaces the durable snapshot with the current
// in-memory contents. No-op without a mirror.
func (s *Store) PersistAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// Close flushes the snapshot and closes the mirror. The store must not be
// used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return nil
	}
	flushErr := s.persistLocked()
	closeErr := s.pool.Close()
	s.pool = nil
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("queue: close mirror: %w", closeErr)
	}
	return nil
}

// maybeFlushLocked flushes once enough mutations accumulated. A flush
// failure marks the store degraded; submission keeps working.
func (s *Store) maybeFlushLocked() {
	if s.pool == nil || s.dirty < s.threshold {
		return
	}
	if err := s.persistLocked(); err != nil {
		slog.Error("queue: snapshot flush failed, running memory-only", "err", err)
		s.pool.Close()
		s.pool = nil
		s.degraded = true
	}
}

// persistLocked writes the full snapshot in one transaction: delete
// everything, insert tiers in priority-major FIFO order so LoadAll
// reconstructs the exact traversal order. Caller holds mu.
func (s *Store) persistLocked() (err error) {
	if s.pool == nil {
		return nil
	}

	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("queue: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.ExecuteTransient(conn, "DELETE FROM queue_entries", nil); err != nil {
		return fmt.Errorf("queue: clear snapshot: %w", err)
	}

	for tier := numTiers - 1; tier >= 0; tier-- {
		for _, e := range s.tiers[tier] {
			if err = insertEntry(conn, e); err != nil {
				return err
			}
		}
	}
	s.dirty = 0
	return nil
}

func insertEntry(conn *sqlite.Conn, e *types.QueueEntry) error {
	blob, err := types.EncodePacket(&e.Packet)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	var lastAttempt any
	if e.LastAttempt != nil {
		lastAttempt = e.LastAttempt.UnixNano()
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO queue_entries (packet, retry_count, queued_at, last_attempt)
		 VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{blob, e.RetryCount, e.QueuedAt.UnixNano(), lastAttempt},
		})
	if err != nil {
		return fmt.Errorf("queue: insert entry: %w", err)
	}
	return nil
}

// loadAll rehydrates the in-memory tiers from the durable snapshot.
// Called once from Open, before the store is shared.
func (s *Store) loadAll() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("queue: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	var loaded int
	err = sqlitex.Execute(conn,
		`SELECT packet, retry_count, queued_at, last_attempt
		 FROM queue_entries ORDER BY id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)

				packet, err := types.DecodePacket(blob)
				if err != nil {
					return err
				}
				e := &types.QueueEntry{
					Packet:     *packet,
					RetryCount: stmt.ColumnInt(1),
					QueuedAt:   time.Unix(0, stmt.ColumnInt64(2)),
				}
				if !stmt.ColumnIsNull(3) {
					t := time.Unix(0, stmt.ColumnInt64(3))
					e.LastAttempt = &t
				}
				s.pushLocked(e)
				loaded++
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("queue: load snapshot: %w", err)
	}
	if loaded > 0 {
		slog.Info("queue: rehydrated persisted entries", "count", loaded)
	}
	return nil
}
