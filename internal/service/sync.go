package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"programista_hub/internal/domain"
	"programista_hub/internal/reconcile"
)

const finalizeTimeout = 5 * time.Second

// SyncService runs the fetch, reconcile and commit pipeline once per call.
type SyncService struct {
	fetcher   Fetcher
	index     Index
	runs      SyncRunStore
	publisher Publisher
	logger    *slog.Logger
}

// NewSyncService wires the pipeline. publisher may be nil.
func NewSyncService(
	fetcher Fetcher,
	idx Index,
	runs SyncRunStore,
	publisher Publisher,
	logger *slog.Logger,
) *SyncService {
	return &SyncService{
		fetcher:   fetcher,
		index:     idx,
		runs:      runs,
		publisher: publisher,
		logger:    logger.With("component", "sync"),
	}
}

// Run executes run and records its outcome. A returned error means the run
// failed and nothing was committed. Provider packages that fail
// verification are recorded on the run without failing it as long as at
// least one other package commits.
func (s *SyncService) Run(ctx context.Context, run *domain.SyncRun, onPhase domain.PhaseFunc) error {
	logger := s.logger.With("run_id", run.ID, "trigger", run.Trigger, "attempt", run.Attempt)
	logger.Info("starting sync")

	if err := s.runs.Create(ctx, run); err != nil {
		logger.Warn("failed to record sync run", "error", err)
	}

	setPhase := func(p domain.SyncPhase) {
		run.Phase = p
		if onPhase != nil {
			onPhase(p)
		}
	}

	outcome, err := s.execute(ctx, run, setPhase, logger)
	run.Finish(outcome, err)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if ferr := s.runs.Finish(finishCtx, run); ferr != nil {
		logger.Warn("failed to finalize sync run", "error", ferr)
	}

	if err != nil {
		logger.Error("sync failed",
			"error", err,
			"duration", run.Duration(),
		)
		return err
	}

	logger.Info("sync completed",
		"outcome", outcome,
		"index_version", run.IndexVersion,
		"added", run.Added,
		"updated", run.Updated,
		"removed", run.Removed,
		"duration", run.Duration(),
	)
	return nil
}

func (s *SyncService) execute(ctx context.Context, run *domain.SyncRun, setPhase domain.PhaseFunc, logger *slog.Logger) (domain.SyncOutcome, error) {
	setPhase(domain.PhaseFetching)

	snap := s.index.Current()
	packages, err := s.fetcher.Fetch(ctx, snap.ProviderVersions())
	rejected := domain.ProviderErrors(err)
	if err != nil && len(rejected) == 0 {
		return domain.OutcomeFailed, fmt.Errorf("fetch packages: %w", err)
	}

	var failures []error
	for _, pe := range rejected {
		run.Providers = append(run.Providers, domain.ProviderResult{Provider: pe.Provider, Error: pe.Err.Error()})
		failures = append(failures, pe)
	}

	if len(packages) == 0 {
		run.IndexVersion = snap.Version
		if len(failures) > 0 {
			return domain.OutcomeFailed, fmt.Errorf("fetch packages: %w", errors.Join(failures...))
		}
		logger.Info("no provider updates", "index_version", snap.Version)
		return domain.OutcomeSuccess, nil
	}

	setPhase(domain.PhaseReconciling)

	var combined domain.Diff
	reconciled := 0
	for _, pkg := range packages {
		if err := ctx.Err(); err != nil {
			return domain.OutcomeFailed, fmt.Errorf("reconcile packages: %w", err)
		}

		result := domain.ProviderResult{Provider: pkg.ID, Version: pkg.Version}
		diff, err := reconcile.Reconcile(pkg, snap)
		if err != nil {
			logger.Warn("package rejected", "provider", pkg.ID, "version", pkg.Version, "error", err)
			result.Error = err.Error()
			run.Providers = append(run.Providers, result)
			failures = append(failures, &domain.ProviderError{Provider: pkg.ID, Err: err})
			continue
		}

		result.Added, result.Updated, result.Removed = len(diff.Added), len(diff.Updated), len(diff.Removed)
		run.Providers = append(run.Providers, result)
		combined.Merge(diff)
		reconciled++

		logger.Debug("package reconciled",
			"provider", pkg.ID,
			"version", pkg.Version,
			"added", result.Added,
			"updated", result.Updated,
			"removed", result.Removed,
		)
	}

	if reconciled == 0 {
		run.IndexVersion = snap.Version
		return domain.OutcomeFailed, fmt.Errorf("reconcile packages: %w", errors.Join(failures...))
	}

	setPhase(domain.PhaseCommitting)

	version, err := s.index.Commit(ctx, combined)
	if err != nil {
		run.IndexVersion = snap.Version
		return domain.OutcomeFailed, fmt.Errorf("commit index: %w", err)
	}

	run.IndexVersion = version
	run.Added, run.Updated, run.Removed = len(combined.Added), len(combined.Updated), len(combined.Removed)

	if version > snap.Version {
		s.publish(ctx, run, version, logger)
	}

	if len(failures) > 0 {
		run.Error = errors.Join(failures...).Error()
		return domain.OutcomePartial, nil
	}
	return domain.OutcomeSuccess, nil
}

func (s *SyncService) publish(ctx context.Context, run *domain.SyncRun, version int64, logger *slog.Logger) {
	if s.publisher == nil {
		return
	}

	event := domain.IndexEvent{
		Version:     version,
		CommittedAt: time.Now().UTC(),
		RunID:       run.ID,
		Trigger:     run.Trigger,
		Added:       run.Added,
		Updated:     run.Updated,
		Removed:     run.Removed,
		Providers:   run.Providers,
	}
	if err := s.publisher.PublishCommit(ctx, event); err != nil {
		logger.Warn("failed to publish index event", "index_version", version, "error", err)
	}
}
