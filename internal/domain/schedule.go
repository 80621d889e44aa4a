package domain

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"
)

// Kind is the provider family a package belongs to.
type Kind string

const (
	KindTV              Kind = "tv"
	KindRadio           Kind = "radio"
	KindArchive         Kind = "archive"
	KindTVAccessibility Kind = "tv_accessibility"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTV, KindRadio, KindArchive, KindTVAccessibility:
		return true
	}
	return false
}

// Accessibility feature markers carried by tv_accessibility providers.
const (
	AccessibilityAudioDescription = "AD"
	AccessibilitySignLanguage     = "JM"
	AccessibilitySubtitles        = "N"
)

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProviderInfo describes one provider as declared by its package manifest.
type ProviderInfo struct {
	ID          string    `json:"id" db:"id"`
	Kind        Kind      `json:"kind" db:"kind"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Version     string    `json:"version" db:"version"`
	Channels    []Channel `json:"channels" db:"-"`
}

func (p ProviderInfo) HasChannel(id string) bool {
	for _, ch := range p.Channels {
		if ch.ID == id {
			return true
		}
	}
	return false
}

// ProviderPackage is a fetched, checksum-verified provider data package.
// It is never modified after the fetcher returns it.
type ProviderPackage struct {
	ProviderInfo
	SHA256    string
	FetchedAt time.Time
	// Content is the raw schedule document of the package.
	Content []byte
}

// RecordKey identifies a schedule record inside the index. Start is stored
// as microseconds since the epoch so keys from different zones compare equal.
type RecordKey struct {
	Provider string `json:"provider"`
	Channel  string `json:"channel"`
	Start    int64  `json:"start"`
}

func (k RecordKey) StartTime() time.Time {
	return time.UnixMicro(k.Start).UTC()
}

type ScheduleRecord struct {
	Provider      string                     `json:"provider"`
	Channel       string                     `json:"channel"`
	Start         time.Time                  `json:"start"`
	End           time.Time                  `json:"end"`
	Title         string                     `json:"title"`
	Subtitle      string                     `json:"subtitle,omitempty"`
	Genre         string                     `json:"genre,omitempty"`
	Episode       string                     `json:"episode,omitempty"`
	Summary       string                     `json:"summary,omitempty"`
	DetailsRef    string                     `json:"details_ref,omitempty"`
	Accessibility []string                   `json:"accessibility,omitempty"`
	Extra         map[string]json.RawMessage `json:"extra,omitempty"`
}

func (r ScheduleRecord) Key() RecordKey {
	return RecordKey{
		Provider: r.Provider,
		Channel:  r.Channel,
		Start:    r.Start.UnixMicro(),
	}
}

// Equal reports whether two records carry the same content. Times are
// compared as instants.
func (r ScheduleRecord) Equal(o ScheduleRecord) bool {
	if r.Provider != o.Provider || r.Channel != o.Channel ||
		!r.Start.Equal(o.Start) || !r.End.Equal(o.End) ||
		r.Title != o.Title || r.Subtitle != o.Subtitle ||
		r.Genre != o.Genre || r.Episode != o.Episode ||
		r.Summary != o.Summary || r.DetailsRef != o.DetailsRef {
		return false
	}
	if !slices.Equal(r.Accessibility, o.Accessibility) {
		return false
	}
	if len(r.Extra) != len(o.Extra) {
		return false
	}
	for k, v := range r.Extra {
		ov, ok := o.Extra[k]
		if !ok {
			return false
		}
		if !bytes.Equal(v, ov) && !bytes.Equal(CanonicalJSON(v), CanonicalJSON(ov)) {
			return false
		}
	}
	return true
}

// CanonicalJSON re-encodes raw compactly with object keys sorted, so values
// that went through a JSONB column compare equal to the package bytes.
// Numbers keep their literal form. Invalid input is returned unchanged.
func CanonicalJSON(raw json.RawMessage) json.RawMessage {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// Overlaps reports whether the broadcast intersects [from, to). Zero bounds
// are open.
func (r ScheduleRecord) Overlaps(from, to time.Time) bool {
	if !from.IsZero() && !r.End.After(from) {
		return false
	}
	if !to.IsZero() && !r.Start.Before(to) {
		return false
	}
	return true
}

// Airing reports whether the broadcast is on air at t.
func (r ScheduleRecord) Airing(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Diff is the change set that moves the index from one snapshot to the next.
type Diff struct {
	Added     []ScheduleRecord `json:"added"`
	Updated   []ScheduleRecord `json:"updated"`
	Removed   []RecordKey      `json:"removed"`
	Providers []ProviderInfo   `json:"providers"`

	// RemovedProviders drops provider metadata. Only rollbacks produce it.
	RemovedProviders []string `json:"removed_providers,omitempty"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0 &&
		len(d.Providers) == 0 && len(d.RemovedProviders) == 0
}

func (d Diff) Changes() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}

// Merge appends the changes of o to d.
func (d *Diff) Merge(o Diff) {
	d.Added = append(d.Added, o.Added...)
	d.Updated = append(d.Updated, o.Updated...)
	d.Removed = append(d.Removed, o.Removed...)
	d.Providers = append(d.Providers, o.Providers...)
	d.RemovedProviders = append(d.RemovedProviders, o.RemovedProviders...)
}
