package index

import (
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-memdb"

	"programista_hub/internal/domain"
)

// Query narrows a snapshot read. Zero fields do not filter.
type Query struct {
	Providers []string
	Channels  []string
	// From and To select broadcasts overlapping [From, To).
	From time.Time
	To   time.Time
	// At selects broadcasts on air at that instant.
	At time.Time
}

// Snapshot is an immutable, versioned view of the index. All reads through
// one Snapshot observe exactly one committed version.
type Snapshot struct {
	Version     int64
	CommittedAt time.Time
	Records     int

	db *memdb.MemDB
}

// SnapshotInfo describes a snapshot without exposing its data.
type SnapshotInfo struct {
	Version     int64     `json:"version"`
	CommittedAt time.Time `json:"committed_at"`
	Records     int       `json:"records"`
}

func (s *Snapshot) Info() SnapshotInfo {
	return SnapshotInfo{Version: s.Version, CommittedAt: s.CommittedAt, Records: s.Records}
}

// Get returns the record stored under key.
func (s *Snapshot) Get(key domain.RecordKey) (domain.ScheduleRecord, bool) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableRecords, indexID, key.Provider, key.Channel, key.Start)
	if err != nil || raw == nil {
		return domain.ScheduleRecord{}, false
	}
	return raw.(*recordRow).Record, true
}

// ProviderRecords returns every record of one provider.
func (s *Snapshot) ProviderRecords(provider string) []domain.ScheduleRecord {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableRecords, indexProvider, provider)
	if err != nil {
		return nil
	}
	return collect(it, nil)
}

// All returns every record in the snapshot.
func (s *Snapshot) All() []domain.ScheduleRecord {
	return s.Read(Query{})
}

// Read returns the records matching q ordered by start, then channel,
// then provider.
func (s *Snapshot) Read(q Query) []domain.ScheduleRecord {
	txn := s.db.Txn(false)
	match := q.matcher()

	var out []domain.ScheduleRecord
	switch {
	case len(q.Channels) > 0:
		for _, ch := range dedupe(q.Channels) {
			it, err := txn.Get(tableRecords, indexChannel, ch)
			if err != nil {
				continue
			}
			out = collectInto(out, it, match)
		}
	case len(q.Providers) > 0:
		for _, p := range dedupe(q.Providers) {
			it, err := txn.Get(tableRecords, indexProvider, p)
			if err != nil {
				continue
			}
			out = collectInto(out, it, match)
		}
	default:
		it, err := txn.Get(tableRecords, indexID)
		if err == nil {
			out = collectInto(out, it, match)
		}
	}

	SortRecords(out)
	return out
}

// Providers lists provider metadata ordered by id.
func (s *Snapshot) Providers() []domain.ProviderInfo {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableProviders, indexID)
	if err != nil {
		return nil
	}

	var out []domain.ProviderInfo
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*providerRow).Info)
	}
	return out
}

func (s *Snapshot) Provider(id string) (domain.ProviderInfo, bool) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableProviders, indexID, id)
	if err != nil || raw == nil {
		return domain.ProviderInfo{}, false
	}
	return raw.(*providerRow).Info, true
}

// ProviderVersions maps provider id to the version held by the snapshot.
func (s *Snapshot) ProviderVersions() map[string]string {
	versions := make(map[string]string)
	for _, p := range s.Providers() {
		versions[p.ID] = p.Version
	}
	return versions
}

// SortRecords orders records by start, channel and provider.
func SortRecords(records []domain.ScheduleRecord) {
	slices.SortStableFunc(records, func(a, b domain.ScheduleRecord) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		if c := strings.Compare(a.Channel, b.Channel); c != 0 {
			return c
		}
		return strings.Compare(a.Provider, b.Provider)
	})
}

func (q Query) matcher() func(domain.ScheduleRecord) bool {
	return func(r domain.ScheduleRecord) bool {
		if len(q.Providers) > 0 && !slices.Contains(q.Providers, r.Provider) {
			return false
		}
		if len(q.Channels) > 0 && !slices.Contains(q.Channels, r.Channel) {
			return false
		}
		if !r.Overlaps(q.From, q.To) {
			return false
		}
		if !q.At.IsZero() && !r.Airing(q.At) {
			return false
		}
		return true
	}
}

func collect(it memdb.ResultIterator, match func(domain.ScheduleRecord) bool) []domain.ScheduleRecord {
	return collectInto(nil, it, match)
}

func collectInto(out []domain.ScheduleRecord, it memdb.ResultIterator, match func(domain.ScheduleRecord) bool) []domain.ScheduleRecord {
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*recordRow).Record
		if match == nil || match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func dedupe(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
