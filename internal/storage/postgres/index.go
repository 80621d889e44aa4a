package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"programista_hub/internal/domain"
	"programista_hub/internal/index"
)

// IndexStore persists index commits and reloads the last committed state.
type IndexStore struct {
	db *sqlx.DB
	tx *TransactionManager
}

func NewIndexStore(db *sqlx.DB, tx *TransactionManager) *IndexStore {
	return &IndexStore{db: db, tx: tx}
}

type providerRow struct {
	ID          string `db:"id"`
	Kind        string `db:"kind"`
	DisplayName string `db:"display_name"`
	Version     string `db:"version"`
	Channels    []byte `db:"channels"`
}

type scheduleRow struct {
	ProviderID    string         `db:"provider_id"`
	ChannelID     string         `db:"channel_id"`
	StartAt       time.Time      `db:"start_at"`
	EndAt         time.Time      `db:"end_at"`
	Title         string         `db:"title"`
	Subtitle      string         `db:"subtitle"`
	Genre         string         `db:"genre"`
	Episode       string         `db:"episode"`
	Summary       string         `db:"summary"`
	DetailsRef    string         `db:"details_ref"`
	Accessibility pq.StringArray `db:"accessibility"`
	Extra         []byte         `db:"extra"`
}

func (r scheduleRow) toDomain() (domain.ScheduleRecord, error) {
	rec := domain.ScheduleRecord{
		Provider:   r.ProviderID,
		Channel:    r.ChannelID,
		Start:      r.StartAt,
		End:        r.EndAt,
		Title:      r.Title,
		Subtitle:   r.Subtitle,
		Genre:      r.Genre,
		Episode:    r.Episode,
		Summary:    r.Summary,
		DetailsRef: r.DetailsRef,
	}
	if len(r.Accessibility) > 0 {
		rec.Accessibility = []string(r.Accessibility)
	}
	if len(r.Extra) > 0 {
		if err := json.Unmarshal(r.Extra, &rec.Extra); err != nil {
			return rec, fmt.Errorf("decode extra: %w", err)
		}
		if len(rec.Extra) == 0 {
			rec.Extra = nil
		}
		for k, v := range rec.Extra {
			rec.Extra[k] = domain.CanonicalJSON(v)
		}
	}
	return rec, nil
}

// Persist writes one commit in a single transaction.
func (s *IndexStore) Persist(ctx context.Context, version int64, committedAt time.Time, diff domain.Diff) error {
	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		exec := GetExecutor(ctx, s.db)

		for _, p := range diff.Providers {
			if err := upsertProvider(ctx, exec, p); err != nil {
				return err
			}
		}
		for _, id := range diff.RemovedProviders {
			if _, err := exec.ExecContext(ctx, `DELETE FROM providers WHERE id = $1`, id); err != nil {
				return fmt.Errorf("delete provider %s: %w", id, err)
			}
		}

		for _, key := range diff.Removed {
			_, err := exec.ExecContext(ctx, `
				DELETE FROM schedule_records
				WHERE provider_id = $1 AND channel_id = $2 AND start_at = $3`,
				key.Provider, key.Channel, key.StartTime(),
			)
			if err != nil {
				return fmt.Errorf("delete record: %w", err)
			}
		}

		for _, recs := range [][]domain.ScheduleRecord{diff.Added, diff.Updated} {
			for _, rec := range recs {
				if err := upsertRecord(ctx, exec, rec); err != nil {
					return err
				}
			}
		}

		_, err := exec.ExecContext(ctx, `
			INSERT INTO index_versions (version, committed_at, added, updated, removed)
			VALUES ($1, $2, $3, $4, $5)`,
			version, committedAt, len(diff.Added), len(diff.Updated), len(diff.Removed),
		)
		if err != nil {
			return fmt.Errorf("record version %d: %w", version, err)
		}
		return nil
	})
}

func upsertProvider(ctx context.Context, exec sqlx.ExecerContext, p domain.ProviderInfo) error {
	channels := p.Channels
	if channels == nil {
		channels = []domain.Channel{}
	}
	raw, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO providers (id, kind, display_name, version, channels, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			display_name = EXCLUDED.display_name,
			version = EXCLUDED.version,
			channels = EXCLUDED.channels,
			updated_at = EXCLUDED.updated_at`,
		p.ID, string(p.Kind), p.DisplayName, p.Version, raw,
	)
	if err != nil {
		return fmt.Errorf("upsert provider %s: %w", p.ID, err)
	}
	return nil
}

func upsertRecord(ctx context.Context, exec sqlx.ExecerContext, rec domain.ScheduleRecord) error {
	extra := []byte("{}")
	if len(rec.Extra) > 0 {
		var err error
		if extra, err = json.Marshal(rec.Extra); err != nil {
			return fmt.Errorf("encode extra: %w", err)
		}
	}
	accessibility := rec.Accessibility
	if accessibility == nil {
		accessibility = []string{}
	}

	_, err := exec.ExecContext(ctx, `
		INSERT INTO schedule_records (
			provider_id, channel_id, start_at, end_at, title, subtitle,
			genre, episode, summary, details_ref, accessibility, extra
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (provider_id, channel_id, start_at) DO UPDATE SET
			end_at = EXCLUDED.end_at,
			title = EXCLUDED.title,
			subtitle = EXCLUDED.subtitle,
			genre = EXCLUDED.genre,
			episode = EXCLUDED.episode,
			summary = EXCLUDED.summary,
			details_ref = EXCLUDED.details_ref,
			accessibility = EXCLUDED.accessibility,
			extra = EXCLUDED.extra`,
		rec.Provider, rec.Channel, rec.Start, rec.End, rec.Title, rec.Subtitle,
		rec.Genre, rec.Episode, rec.Summary, rec.DetailsRef, pq.Array(accessibility), extra,
	)
	if err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", rec.Provider, rec.Channel, err)
	}
	return nil
}

// Load reads the last committed version with all providers and records.
func (s *IndexStore) Load(ctx context.Context) (*index.State, error) {
	state := &index.State{}

	var head struct {
		Version     int64     `db:"version"`
		CommittedAt time.Time `db:"committed_at"`
	}
	err := s.db.GetContext(ctx, &head, `
		SELECT version, committed_at
		FROM index_versions
		ORDER BY version DESC
		LIMIT 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("get index version: %w", err)
	default:
		state.Version = head.Version
		state.CommittedAt = head.CommittedAt
	}

	var providers []providerRow
	err = s.db.SelectContext(ctx, &providers, `
		SELECT id, kind, display_name, version, channels
		FROM providers
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select providers: %w", err)
	}
	for _, row := range providers {
		p := domain.ProviderInfo{
			ID:          row.ID,
			Kind:        domain.Kind(row.Kind),
			DisplayName: row.DisplayName,
			Version:     row.Version,
		}
		if err := json.Unmarshal(row.Channels, &p.Channels); err != nil {
			return nil, fmt.Errorf("decode channels of %s: %w", row.ID, err)
		}
		state.Providers = append(state.Providers, p)
	}

	var rows []scheduleRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT provider_id, channel_id, start_at, end_at, title, subtitle,
			genre, episode, summary, details_ref, accessibility, extra
		FROM schedule_records`)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	state.Records = make([]domain.ScheduleRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		state.Records = append(state.Records, rec)
	}

	return state, nil
}

// Ping reports whether the database answers.
func (s *IndexStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
