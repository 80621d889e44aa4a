// Package search answers schedule queries against the committed index.
// Every query is served from a single snapshot and never triggers a sync.
package search

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"programista_hub/internal/domain"
	"programista_hub/internal/index"
)

const (
	DefaultLimit  = 50
	MaxLimit      = 200
	MaxQueryRunes = 200
)

var ErrInvalidQuery = errors.New("invalid query")

// Snapshots yields the snapshot a query runs against.
type Snapshots interface {
	Current() *index.Snapshot
}

type Request struct {
	Text      string
	Channels  []string
	Providers []string
	Kinds     []domain.Kind
	From      time.Time
	To        time.Time
	At        time.Time
	Limit     int
}

type Result struct {
	Version   int64                   `json:"index_version"`
	Total     int                     `json:"total"`
	Truncated bool                    `json:"truncated"`
	Items     []domain.ScheduleRecord `json:"items"`
}

type ChannelInfo struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Provider string      `json:"provider"`
	Kind     domain.Kind `json:"kind"`
}

type Service struct {
	index Snapshots
}

func NewService(idx Snapshots) *Service {
	return &Service{index: idx}
}

func (r *Request) normalize() error {
	r.Text = strings.TrimSpace(r.Text)
	if utf8.RuneCountInString(r.Text) > MaxQueryRunes {
		return fmt.Errorf("%w: query longer than %d characters", ErrInvalidQuery, MaxQueryRunes)
	}
	switch {
	case r.Limit == 0:
		r.Limit = DefaultLimit
	case r.Limit < 0 || r.Limit > MaxLimit:
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxLimit)
	}
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return fmt.Errorf("%w: from must be before to", ErrInvalidQuery)
	}
	for _, k := range r.Kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown kind %q", ErrInvalidQuery, k)
		}
	}
	return nil
}

// Search returns matching records ordered by start time, then channel.
// No match is an empty result, not an error.
func (s *Service) Search(req Request) (Result, error) {
	if err := req.normalize(); err != nil {
		return Result{}, err
	}

	snap := s.index.Current()
	result := Result{Version: snap.Version, Items: []domain.ScheduleRecord{}}

	providers, ok := resolveProviders(snap, req.Providers, req.Kinds)
	if !ok {
		return result, nil
	}

	records := snap.Read(index.Query{
		Providers: providers,
		Channels:  req.Channels,
		From:      req.From,
		To:        req.To,
		At:        req.At,
	})

	needle := Fold(req.Text)
	for _, rec := range records {
		if needle != "" && !matches(rec, needle) {
			continue
		}
		result.Total++
		if len(result.Items) < req.Limit {
			result.Items = append(result.Items, rec)
		}
	}
	result.Truncated = result.Total > len(result.Items)

	return result, nil
}

// Providers lists providers known to the current snapshot.
func (s *Service) Providers() ([]domain.ProviderInfo, int64) {
	snap := s.index.Current()
	providers := snap.Providers()
	if providers == nil {
		providers = []domain.ProviderInfo{}
	}
	return providers, snap.Version
}

// Channels lists channels, optionally narrowed to one provider or kind.
func (s *Service) Channels(provider string, kind domain.Kind) ([]ChannelInfo, int64) {
	snap := s.index.Current()

	channels := []ChannelInfo{}
	for _, p := range snap.Providers() {
		if provider != "" && p.ID != provider {
			continue
		}
		if kind != "" && p.Kind != kind {
			continue
		}
		for _, ch := range p.Channels {
			channels = append(channels, ChannelInfo{ID: ch.ID, Name: ch.Name, Provider: p.ID, Kind: p.Kind})
		}
	}
	return channels, snap.Version
}

// resolveProviders combines explicit providers with the kinds filter. It
// returns false when the filters cannot match anything.
func resolveProviders(snap *index.Snapshot, explicit []string, kinds []domain.Kind) ([]string, bool) {
	if len(kinds) == 0 {
		return explicit, true
	}

	var out []string
	for _, p := range snap.Providers() {
		if !slices.Contains(kinds, p.Kind) {
			continue
		}
		if len(explicit) > 0 && !slices.Contains(explicit, p.ID) {
			continue
		}
		out = append(out, p.ID)
	}
	return out, len(out) > 0
}

func matches(rec domain.ScheduleRecord, needle string) bool {
	for _, field := range []string{rec.Title, rec.Subtitle, rec.Summary, rec.Genre, rec.Episode} {
		if field != "" && strings.Contains(Fold(field), needle) {
			return true
		}
	}
	return false
}
