// Package reconcile turns a provider package into the diff that brings the
// committed index in line with it. Everything here is side-effect free.
package reconcile

import (
	"fmt"

	"programista_hub/internal/domain"
)

// View is the read side of an index snapshot as seen by the reconciler.
type View interface {
	ProviderRecords(provider string) []domain.ScheduleRecord
}

// Reconcile parses pkg and diffs it against the provider's records in view.
// The package metadata is always carried so the provider version advances.
func Reconcile(pkg domain.ProviderPackage, view View) (domain.Diff, error) {
	records, err := Parse(pkg)
	if err != nil {
		return domain.Diff{}, fmt.Errorf("parse package: %w", err)
	}

	diff := Diff(pkg.ID, records, view.ProviderRecords(pkg.ID))
	diff.Providers = []domain.ProviderInfo{pkg.ProviderInfo}

	return diff, nil
}

// Diff compares the incoming records of one provider with the current ones.
// Records of other providers in current are ignored. Added and Updated keep
// incoming order; Removed keeps current order.
func Diff(provider string, incoming, current []domain.ScheduleRecord) domain.Diff {
	existing := make(map[domain.RecordKey]domain.ScheduleRecord, len(current))
	for _, rec := range current {
		if rec.Provider != provider {
			continue
		}
		existing[rec.Key()] = rec
	}

	var diff domain.Diff
	seen := make(map[domain.RecordKey]struct{}, len(incoming))

	for _, rec := range incoming {
		key := rec.Key()
		seen[key] = struct{}{}

		old, ok := existing[key]
		switch {
		case !ok:
			diff.Added = append(diff.Added, rec)
		case !old.Equal(rec):
			diff.Updated = append(diff.Updated, rec)
		}
	}

	for _, rec := range current {
		if rec.Provider != provider {
			continue
		}
		if _, ok := seen[rec.Key()]; !ok {
			diff.Removed = append(diff.Removed, rec.Key())
		}
	}

	return diff
}
