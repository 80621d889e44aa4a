package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"programista_hub/internal/domain"
)

// SchemaVersion is the package schema this hub understands. Documents
// without a schema field are treated as this version.
const SchemaVersion = 1

// Parse decodes the schedule document of pkg into records, in package
// order. Fields it does not know are kept in Extra.
func Parse(pkg domain.ProviderPackage) ([]domain.ScheduleRecord, error) {
	if !gjson.ValidBytes(pkg.Content) {
		return nil, fmt.Errorf("%w: provider %s: schedule is not valid json", domain.ErrIntegrity, pkg.ID)
	}

	doc := gjson.ParseBytes(pkg.Content)
	if schema := doc.Get("schema"); schema.Exists() && schema.Int() != SchemaVersion {
		return nil, fmt.Errorf("%w: provider %s: unsupported schema %s", domain.ErrIntegrity, pkg.ID, schema.Raw)
	}

	entries := doc.Get("entries")
	if !entries.IsArray() {
		return nil, fmt.Errorf("%w: provider %s: entries array missing", domain.ErrIntegrity, pkg.ID)
	}

	items := entries.Array()
	records := make([]domain.ScheduleRecord, 0, len(items))
	seen := make(map[domain.RecordKey]int, len(items))

	for i, item := range items {
		rec, err := parseEntry(pkg, item)
		if err != nil {
			return nil, fmt.Errorf("%w: provider %s: entry %d: %v", domain.ErrIntegrity, pkg.ID, i, err)
		}

		key := rec.Key()
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: provider %s: entry %d duplicates entry %d (%s at %s)",
				domain.ErrIntegrity, pkg.ID, i, prev, rec.Channel, rec.Start.Format(time.RFC3339))
		}
		seen[key] = i

		records = append(records, rec)
	}

	return records, nil
}

func parseEntry(pkg domain.ProviderPackage, item gjson.Result) (domain.ScheduleRecord, error) {
	rec := domain.ScheduleRecord{Provider: pkg.ID}
	if !item.IsObject() {
		return rec, fmt.Errorf("not an object")
	}

	var start, end string
	var fieldErr error

	item.ForEach(func(k, v gjson.Result) bool {
		switch k.String() {
		case "channel":
			rec.Channel = strings.TrimSpace(v.String())
		case "start":
			start = v.String()
		case "end":
			end = v.String()
		case "title":
			rec.Title = strings.TrimSpace(v.String())
		case "subtitle":
			rec.Subtitle = v.String()
		case "genre":
			rec.Genre = v.String()
		case "episode":
			rec.Episode = v.String()
		case "summary":
			rec.Summary = v.String()
		case "details_ref":
			rec.DetailsRef = v.String()
		case "accessibility":
			if !v.IsArray() {
				fieldErr = fmt.Errorf("accessibility must be an array")
				return false
			}
			for _, a := range v.Array() {
				rec.Accessibility = append(rec.Accessibility, a.String())
			}
		default:
			if rec.Extra == nil {
				rec.Extra = make(map[string]json.RawMessage)
			}
			rec.Extra[k.String()] = domain.CanonicalJSON(json.RawMessage(v.Raw))
		}
		return true
	})
	if fieldErr != nil {
		return rec, fieldErr
	}

	if rec.Channel == "" {
		return rec, fmt.Errorf("channel is required")
	}
	if rec.Title == "" {
		return rec, fmt.Errorf("title is required")
	}
	if len(pkg.Channels) > 0 && !pkg.HasChannel(rec.Channel) {
		return rec, fmt.Errorf("channel %q is not declared by the package", rec.Channel)
	}

	var err error
	if rec.Start, err = time.Parse(time.RFC3339, start); err != nil {
		return rec, fmt.Errorf("parse start: %w", err)
	}
	if rec.End, err = time.Parse(time.RFC3339, end); err != nil {
		return rec, fmt.Errorf("parse end: %w", err)
	}
	if !rec.End.After(rec.Start) {
		return rec, fmt.Errorf("end %s is not after start %s", end, start)
	}

	return rec, nil
}
