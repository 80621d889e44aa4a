// Package index holds the committed schedule index. Each commit publishes
// a new immutable snapshot; readers pin one snapshot per query and never
// observe a partially applied commit.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"

	"programista_hub/internal/domain"
	"programista_hub/internal/telemetry"
)

// State is the durable form of a snapshot, as loaded at startup.
type State struct {
	Version     int64
	CommittedAt time.Time
	Providers   []domain.ProviderInfo
	Records     []domain.ScheduleRecord
}

// Persister makes commits durable. Persist must apply the diff in a single
// transaction and leave nothing behind when it fails.
type Persister interface {
	Persist(ctx context.Context, version int64, committedAt time.Time, diff domain.Diff) error
	Load(ctx context.Context) (*State, error)
}

type Option func(*Store)

// WithPersister makes every commit durable through p before it is published.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithRetention keeps the n most recent superseded snapshots readable.
func WithRetention(n int) Option {
	return func(s *Store) {
		s.retain = n
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

type Store struct {
	// mu serializes commits. Readers never take it.
	mu sync.Mutex
	db *memdb.MemDB

	current atomic.Pointer[Snapshot]

	historyMu sync.RWMutex
	history   []*Snapshot

	persister Persister
	retain    int
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

func NewStore(logger *slog.Logger, opts ...Option) (*Store, error) {
	db, err := memdb.NewMemDB(newSchema())
	if err != nil {
		return nil, fmt.Errorf("create index db: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "index"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.current.Store(&Snapshot{db: db.Snapshot()})

	return s, nil
}

// Current returns the latest committed snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

func (s *Store) Version() int64 {
	return s.Current().Version
}

// Read runs q against the current snapshot and reports its version.
func (s *Store) Read(q Query) ([]domain.ScheduleRecord, int64) {
	snap := s.Current()
	return snap.Read(q), snap.Version
}

// Load replaces the in-memory index with the persisted state. It must run
// before the store is shared.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	state, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableRecords, indexID); err != nil {
		return fmt.Errorf("reset records: %w", err)
	}
	if _, err := txn.DeleteAll(tableProviders, indexID); err != nil {
		return fmt.Errorf("reset providers: %w", err)
	}
	for _, p := range state.Providers {
		if err := txn.Insert(tableProviders, &providerRow{ID: p.ID, Info: p}); err != nil {
			return fmt.Errorf("insert provider %s: %w", p.ID, err)
		}
	}
	for _, rec := range state.Records {
		if err := txn.Insert(tableRecords, newRecordRow(rec)); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
	}
	txn.Commit()

	snap := &Snapshot{
		Version:     state.Version,
		CommittedAt: state.CommittedAt,
		Records:     len(state.Records),
		db:          s.db.Snapshot(),
	}
	s.current.Store(snap)

	s.logger.Info("index loaded", "version", snap.Version, "records", snap.Records, "providers", len(state.Providers))
	return nil
}

// Commit applies diff as one new snapshot and returns its version. Commits
// are serialized. When persisting fails the current snapshot is unchanged
// and the error wraps domain.ErrCommit. An empty diff commits nothing.
func (s *Store) Commit(ctx context.Context, diff domain.Diff) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(ctx, diff)
}

func (s *Store) commitLocked(ctx context.Context, diff domain.Diff) (int64, error) {
	prev := s.current.Load()
	if diff.Empty() {
		return prev.Version, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrCommit, err)
	}

	start := time.Now()

	txn := s.db.Txn(true)
	defer txn.Abort()

	upserts := make([]domain.ScheduleRecord, 0, len(diff.Added)+len(diff.Updated))
	upserts = append(upserts, diff.Added...)
	upserts = append(upserts, diff.Updated...)

	records := prev.Records
	for _, rec := range upserts {
		existing, err := txn.First(tableRecords, indexID, rec.Provider, rec.Channel, rec.Start.UnixMicro())
		if err != nil {
			return 0, fmt.Errorf("%w: lookup record: %v", domain.ErrCommit, err)
		}
		if err := txn.Insert(tableRecords, newRecordRow(rec)); err != nil {
			return 0, fmt.Errorf("%w: insert record: %v", domain.ErrCommit, err)
		}
		if existing == nil {
			records++
		}
	}
	for _, key := range diff.Removed {
		n, err := txn.DeleteAll(tableRecords, indexID, key.Provider, key.Channel, key.Start)
		if err != nil {
			return 0, fmt.Errorf("%w: delete record: %v", domain.ErrCommit, err)
		}
		records -= n
	}
	for _, p := range diff.Providers {
		if err := txn.Insert(tableProviders, &providerRow{ID: p.ID, Info: p}); err != nil {
			return 0, fmt.Errorf("%w: upsert provider %s: %v", domain.ErrCommit, p.ID, err)
		}
	}
	for _, id := range diff.RemovedProviders {
		if _, err := txn.DeleteAll(tableProviders, indexID, id); err != nil {
			return 0, fmt.Errorf("%w: delete provider %s: %v", domain.ErrCommit, id, err)
		}
	}

	version := prev.Version + 1
	committedAt := time.Now().UTC()

	if s.persister != nil {
		if err := s.persister.Persist(ctx, version, committedAt, diff); err != nil {
			return 0, fmt.Errorf("%w: persist version %d: %v", domain.ErrCommit, version, err)
		}
	}

	txn.Commit()

	next := &Snapshot{
		Version:     version,
		CommittedAt: committedAt,
		Records:     records,
		db:          s.db.Snapshot(),
	}
	s.current.Store(next)
	s.retainSnapshot(prev)

	s.metrics.RecordCommit(version, records, time.Since(start))
	s.logger.Info("index committed",
		"version", version,
		"added", len(diff.Added),
		"updated", len(diff.Updated),
		"removed", len(diff.Removed),
		"records", records,
	)

	return version, nil
}

func (s *Store) retainSnapshot(snap *Snapshot) {
	if s.retain <= 0 {
		return
	}

	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	s.history = append(s.history, snap)
	if len(s.history) > s.retain {
		s.history = s.history[len(s.history)-s.retain:]
	}
}

// Snapshots lists the current snapshot followed by retained ones, newest first.
func (s *Store) Snapshots() []SnapshotInfo {
	infos := []SnapshotInfo{s.Current().Info()}

	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		infos = append(infos, s.history[i].Info())
	}
	return infos
}

// At returns the snapshot with the given version if it is still retained.
func (s *Store) At(version int64) (*Snapshot, error) {
	if cur := s.Current(); cur.Version == version {
		return cur, nil
	}

	s.historyMu.RLock()
	defer s.historyMu.RUnlock()

	for _, snap := range s.history {
		if snap.Version == version {
			return snap, nil
		}
	}
	return nil, fmt.Errorf("snapshot %d: %w", version, domain.ErrNotFound)
}

// Rollback commits the content of a retained snapshot as a new version.
// The diff is taken against the current snapshot under the commit lock.
func (s *Store) Rollback(ctx context.Context, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.At(version)
	if err != nil {
		return 0, err
	}

	cur := s.current.Load()
	diff := Between(cur, target)
	if diff.Empty() {
		return cur.Version, nil
	}

	next, err := s.commitLocked(ctx, diff)
	if err != nil {
		return 0, fmt.Errorf("rollback to %d: %w", version, err)
	}

	s.logger.Warn("index rolled back", "target", version, "version", next)
	return next, nil
}

// Between returns the diff that turns from into to.
func Between(from, to *Snapshot) domain.Diff {
	var diff domain.Diff

	current := make(map[domain.RecordKey]domain.ScheduleRecord)
	for _, rec := range from.All() {
		current[rec.Key()] = rec
	}

	for _, rec := range to.All() {
		key := rec.Key()
		old, ok := current[key]
		switch {
		case !ok:
			diff.Added = append(diff.Added, rec)
		case !old.Equal(rec):
			diff.Updated = append(diff.Updated, rec)
		}
		delete(current, key)
	}
	for _, rec := range from.All() {
		if _, ok := current[rec.Key()]; ok {
			diff.Removed = append(diff.Removed, rec.Key())
		}
	}

	targetProviders := make(map[string]struct{})
	for _, p := range to.Providers() {
		targetProviders[p.ID] = struct{}{}
		if cur, ok := from.Provider(p.ID); !ok || !sameProvider(cur, p) {
			diff.Providers = append(diff.Providers, p)
		}
	}
	for _, p := range from.Providers() {
		if _, ok := targetProviders[p.ID]; !ok {
			diff.RemovedProviders = append(diff.RemovedProviders, p.ID)
		}
	}

	return diff
}

func sameProvider(a, b domain.ProviderInfo) bool {
	return a.ID == b.ID && a.Kind == b.Kind && a.DisplayName == b.DisplayName &&
		a.Version == b.Version && slices.Equal(a.Channels, b.Channels)
}
