package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"programista_hub/internal/domain"
)

type SyncRunStore struct {
	db *sqlx.DB
}

func NewSyncRunStore(db *sqlx.DB) *SyncRunStore {
	return &SyncRunStore{db: db}
}

func (s *SyncRunStore) Create(ctx context.Context, run *domain.SyncRun) error {
	query := `
		INSERT INTO sync_runs (id, trigger, attempt, phase, outcome, started_at, providers)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		run.ID,
		string(run.Trigger),
		run.Attempt,
		string(run.Phase),
		string(run.Outcome),
		run.StartedAt,
		run.Providers,
	)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// Finish stores the final state of a run.
func (s *SyncRunStore) Finish(ctx context.Context, run *domain.SyncRun) error {
	query := `
		UPDATE sync_runs SET
			phase = $2,
			outcome = $3,
			finished_at = $4,
			added = $5,
			updated = $6,
			removed = $7,
			index_version = $8,
			error = $9,
			providers = $10
		WHERE id = $1`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		run.ID,
		string(run.Phase),
		string(run.Outcome),
		run.FinishedAt,
		run.Added,
		run.Updated,
		run.Removed,
		run.IndexVersion,
		run.Error,
		run.Providers,
	)
	if err != nil {
		return fmt.Errorf("update sync run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update sync run %s: %w", run.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *SyncRunStore) Get(ctx context.Context, id uuid.UUID) (*domain.SyncRun, error) {
	var run domain.SyncRun
	query := `
		SELECT id, trigger, attempt, phase, outcome, started_at, finished_at,
			added, updated, removed, index_version, error, providers
		FROM sync_runs
		WHERE id = $1`

	err := s.db.GetContext(ctx, &run, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run: %w", err)
	}
	return &run, nil
}

// List returns the most recent runs, newest first.
func (s *SyncRunStore) List(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	runs := []domain.SyncRun{}
	query := `
		SELECT id, trigger, attempt, phase, outcome, started_at, finished_at,
			added, updated, removed, index_version, error, providers
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1`

	if err := s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return runs, nil
}
