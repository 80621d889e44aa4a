package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"programista_hub/internal/domain"
	"programista_hub/internal/index"
)

type Fetcher interface {
	Fetch(ctx context.Context, known map[string]string) ([]domain.ProviderPackage, error)
}

type Index interface {
	Current() *index.Snapshot
	Commit(ctx context.Context, diff domain.Diff) (int64, error)
}

type SyncRunStore interface {
	Create(ctx context.Context, run *domain.SyncRun) error
	Finish(ctx context.Context, run *domain.SyncRun) error
}

type Publisher interface {
	PublishCommit(ctx context.Context, event domain.IndexEvent) error
	Close() error
}

// Runner executes one sync run to completion.
type Runner interface {
	Run(ctx context.Context, run *domain.SyncRun, onPhase domain.PhaseFunc) error
}
